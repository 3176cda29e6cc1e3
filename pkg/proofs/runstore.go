package proofs

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fortiblox/X1-Provis/internal/types"
	"github.com/fortiblox/X1-Provis/pkg/accounts"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrRunNotFound is returned when a run record doesn't exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("run store closed")
)

// Bucket names for BoltDB.
var (
	// bucketRuns stores run records keyed by program hash + sequence.
	bucketRuns = []byte("runs")

	// bucketLatest maps program hash -> latest sequence number.
	bucketLatest = []byte("latest")

	// bucketMeta stores store-wide metadata.
	bucketMeta = []byte("meta")
)

var keyRunCount = []byte("run_count")

// RunRecord is one persisted execution run.
type RunRecord struct {
	// ProgramHash identifies the executed bytecode.
	ProgramHash types.Hash

	// Seq orders runs of the same program, starting at 1.
	Seq uint64

	// Timestamp is the unix time the run was recorded.
	Timestamp int64

	// Output is the public output of the run.
	Output Output

	// DeltaHash covers the accounts the run modified.
	DeltaHash types.Hash

	// Commitment chains the run onto the previous run of the same
	// program. Assigned by PutRun.
	Commitment types.Hash

	// Logs are the messages the program emitted.
	Logs []string
}

// RunStoreConfig holds run store options.
type RunStoreConfig struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// RunStore persists run records in BoltDB.
type RunStore struct {
	db     *bolt.DB
	config RunStoreConfig

	mu       sync.RWMutex
	runCount uint64
	closed   bool
}

// OpenRunStore creates or opens a run store at the configured path.
func OpenRunStore(config RunStoreConfig) (*RunStore, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}

	s := &RunStore{
		db:     db,
		config: config,
	}

	if !config.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{bucketRuns, bucketLatest, bucketMeta} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create bucket %s: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	// Load cached run count.
	err = db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return nil
		}
		if v := meta.Get(keyRunCount); len(v) >= 8 {
			s.runCount = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// runKey encodes a program hash + sequence composite key.
// Format: [32-byte program hash][8-byte sequence big-endian]
func runKey(program types.Hash, seq uint64) []byte {
	key := make([]byte, 40)
	copy(key[:32], program[:])
	binary.BigEndian.PutUint64(key[32:], seq)
	return key
}

// PutRun appends a run record for its program, assigning the next
// sequence number. The record's Seq field is set on return.
func (s *RunStore) PutRun(rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().Unix()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		latest := tx.Bucket(bucketLatest)
		meta := tx.Bucket(bucketMeta)

		// Next sequence for this program.
		var seq uint64 = 1
		if v := latest.Get(rec.ProgramHash[:]); len(v) >= 8 {
			seq = binary.BigEndian.Uint64(v) + 1
		}
		rec.Seq = seq

		// Chain the commitment off the previous run of this program.
		var parent types.Hash
		if seq > 1 {
			prev := runs.Get(runKey(rec.ProgramHash, seq-1))
			if prev != nil {
				var prevRec RunRecord
				if err := gob.NewDecoder(bytes.NewReader(prev)).Decode(&prevRec); err != nil {
					return fmt.Errorf("decode run %d: %w", seq-1, err)
				}
				parent = prevRec.Commitment
			}
		}
		rec.Commitment = accounts.ComputeCommitment(accounts.CommitmentInput{
			Parent:      parent,
			DeltaHash:   rec.DeltaHash,
			Revision:    seq,
			ProgramHash: rec.ProgramHash,
		})

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
			return fmt.Errorf("encode run: %w", err)
		}
		if err := runs.Put(runKey(rec.ProgramHash, seq), buf.Bytes()); err != nil {
			return err
		}

		seqBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(seqBuf, seq)
		if err := latest.Put(rec.ProgramHash[:], seqBuf); err != nil {
			return err
		}

		s.runCount++
		countBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(countBuf, s.runCount)
		return meta.Put(keyRunCount, countBuf)
	})
}

// GetRun retrieves a specific run of a program.
func (s *RunStore) GetRun(program types.Hash, seq uint64) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var rec RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		if runs == nil {
			return ErrRunNotFound
		}
		data := runs.Get(runKey(program, seq))
		if data == nil {
			return ErrRunNotFound
		}
		return gob.NewDecoder(bytes.NewReader(data)).Decode(&rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// LatestRun retrieves the most recent run of a program.
func (s *RunStore) LatestRun(program types.Hash) (*RunRecord, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}

	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		latest := tx.Bucket(bucketLatest)
		if latest == nil {
			return ErrRunNotFound
		}
		v := latest.Get(program[:])
		if len(v) < 8 {
			return ErrRunNotFound
		}
		seq = binary.BigEndian.Uint64(v)
		return nil
	})
	s.mu.RUnlock()

	if err != nil {
		return nil, err
	}
	return s.GetRun(program, seq)
}

// RunsForProgram returns up to limit runs of a program, newest first.
func (s *RunStore) RunsForProgram(program types.Hash, limit int) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 100
	}

	var records []*RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		if runs == nil {
			return nil
		}

		c := runs.Cursor()
		prefix := program[:]

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec RunRecord
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return fmt.Errorf("decode run: %w", err)
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Newest first.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// RunCount returns the total number of stored runs.
func (s *RunStore) RunCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runCount
}

// Sync flushes the database to disk.
func (s *RunStore) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Sync()
}

// Close closes the run store.
func (s *RunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.closed = true
	return s.db.Close()
}
