// Package accounts provides hash computation for state verification.
package accounts

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/fortiblox/X1-Provis/internal/types"
)

// HashComputer computes the hashes that anchor an execution run to a
// state root.
//
// Three hashes matter:
//
//  1. Account Hash: SHA256 of individual account fields,
//     computed as SHA256(lamports || rent_epoch || data || executable || owner || pubkey).
//     Used to detect tampering of a single account.
//
//  2. Delta Hash: Merkle root over the accounts one run modified,
//     sorted by pubkey. Goes into the run commitment.
//
//  3. State Root: Merkle root over ALL accounts. Embedded in the
//     proof output so a verifier can bind the run to a state.
//
// The Merkle tree is binary with SHA256 and domain-separated node
// prefixes: leaves hash with a 0x00 prefix, internal nodes with 0x01.
// An odd node pairs with the zero hash.
type HashComputer struct {
	db DB
}

// NewHashComputer creates a new hash computer with the given database.
func NewHashComputer(db DB) *HashComputer {
	return &HashComputer{db: db}
}

// ComputeAccountHash computes the hash of a single account:
// SHA256(lamports || rent_epoch || data || executable || owner || pubkey)
func ComputeAccountHash(pubkey types.Pubkey, account *Account) types.Hash {
	// lamports (8) + rent_epoch (8) + data + executable (1) + owner (32) + pubkey (32)
	size := 8 + 8 + len(account.Data) + 1 + 32 + 32
	buf := make([]byte, size)
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], account.Lamports)
	offset += 8

	binary.LittleEndian.PutUint64(buf[offset:], account.RentEpoch)
	offset += 8

	copy(buf[offset:], account.Data)
	offset += len(account.Data)

	if account.Executable {
		buf[offset] = 1
	} else {
		buf[offset] = 0
	}
	offset += 1

	copy(buf[offset:], account.Owner[:])
	offset += 32

	copy(buf[offset:], pubkey[:])

	return sha256.Sum256(buf)
}

// ComputeAccountHash computes the hash of an account via the HashComputer.
func (h *HashComputer) ComputeAccountHash(pubkey types.Pubkey, account *Account) types.Hash {
	return ComputeAccountHash(pubkey, account)
}

// AccountHashEntry pairs a pubkey with its hash for sorting and merkle computation.
type AccountHashEntry struct {
	Pubkey types.Pubkey
	Hash   types.Hash
}

// ComputeStateRoot computes the Merkle root over every account,
// sorted by pubkey.
func (h *HashComputer) ComputeStateRoot() (types.Hash, error) {
	var entries []AccountHashEntry

	// Use BadgerDB's iterator if available
	if bdb, ok := h.db.(*BadgerDB); ok {
		err := bdb.IterateAccounts(func(pubkey types.Pubkey, account *Account) error {
			hash := ComputeAccountHash(pubkey, account)
			entries = append(entries, AccountHashEntry{
				Pubkey: pubkey,
				Hash:   hash,
			})
			return nil
		})
		if err != nil {
			return types.Hash{}, err
		}
	} else if mdb, ok := h.db.(*MemoryDB); ok {
		for pubkey, account := range mdb.GetAllAccounts() {
			hash := ComputeAccountHash(pubkey, account)
			entries = append(entries, AccountHashEntry{
				Pubkey: pubkey,
				Hash:   hash,
			})
		}
	} else {
		return types.Hash{}, ErrNotImplemented
	}

	sort.Slice(entries, func(i, j int) bool {
		return comparePubkeys(entries[i].Pubkey, entries[j].Pubkey) < 0
	})

	hashes := make([]types.Hash, len(entries))
	for i, entry := range entries {
		hashes[i] = entry.Hash
	}

	return ComputeMerkleRoot(hashes), nil
}

// ComputeStateRootFromMap computes the state root directly from a map
// of accounts, without a DB. Used by the proof output builder where
// the final account set lives in a transaction context.
func ComputeStateRootFromMap(accts map[types.Pubkey]*Account) types.Hash {
	entries := make([]AccountHashEntry, 0, len(accts))
	for pubkey, account := range accts {
		entries = append(entries, AccountHashEntry{
			Pubkey: pubkey,
			Hash:   ComputeAccountHash(pubkey, account),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return comparePubkeys(entries[i].Pubkey, entries[j].Pubkey) < 0
	})
	hashes := make([]types.Hash, len(entries))
	for i, entry := range entries {
		hashes[i] = entry.Hash
	}
	return ComputeMerkleRoot(hashes)
}

// ComputeDeltaHash computes the Delta Hash for a set of modified accounts.
// The pubkeys must be provided in sorted order for deterministic results.
func (h *HashComputer) ComputeDeltaHash(modifiedPubkeys []types.Pubkey) (types.Hash, error) {
	if len(modifiedPubkeys) == 0 {
		return types.Hash{}, nil
	}

	hashes := make([]types.Hash, 0, len(modifiedPubkeys))

	for _, pubkey := range modifiedPubkeys {
		account, err := h.db.GetAccount(pubkey)
		if err == ErrAccountNotFound {
			// Deleted account - use zero hash
			hashes = append(hashes, types.Hash{})
			continue
		}
		if err != nil {
			return types.Hash{}, err
		}

		hash := ComputeAccountHash(pubkey, account)
		hashes = append(hashes, hash)
	}

	return ComputeMerkleRoot(hashes), nil
}

// ComputeMerkleRoot computes the Merkle root of a list of hashes.
// Uses a binary Merkle tree with SHA256.
//
// Tree structure:
// - Leaf: SHA256(0x00 || hash)
// - Node: SHA256(0x01 || left || right)
// - If odd number of nodes, last node is paired with zero hash
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.Hash{}
	}

	if len(hashes) == 1 {
		return computeLeafHash(hashes[0])
	}

	// Convert to leaf hashes
	level := make([]types.Hash, len(hashes))
	for i, h := range hashes {
		level[i] = computeLeafHash(h)
	}

	// Build tree bottom-up
	for len(level) > 1 {
		nextLevel := make([]types.Hash, (len(level)+1)/2)

		for i := 0; i < len(level); i += 2 {
			left := level[i]
			var right types.Hash
			if i+1 < len(level) {
				right = level[i+1]
			}
			// right is zero hash if no pair
			nextLevel[i/2] = computeNodeHash(left, right)
		}

		level = nextLevel
	}

	return level[0]
}

// computeLeafHash computes the hash of a leaf node.
// Leaf: SHA256(0x00 || data)
func computeLeafHash(data types.Hash) types.Hash {
	buf := make([]byte, 1+32)
	buf[0] = 0x00
	copy(buf[1:], data[:])
	return sha256.Sum256(buf)
}

// computeNodeHash computes the hash of an internal node.
// Node: SHA256(0x01 || left || right)
func computeNodeHash(left, right types.Hash) types.Hash {
	buf := make([]byte, 1+32+32)
	buf[0] = 0x01
	copy(buf[1:], left[:])
	copy(buf[33:], right[:])
	return sha256.Sum256(buf)
}

// CommitmentInput contains the inputs for computing a run commitment.
type CommitmentInput struct {
	// Parent is the commitment of the previous run, zero for the first.
	Parent types.Hash

	// DeltaHash covers the accounts this run modified.
	DeltaHash types.Hash

	// Revision is the state revision after the run committed.
	Revision uint64

	// ProgramHash identifies the executed bytecode.
	ProgramHash types.Hash
}

// ComputeCommitment chains one run onto its predecessor:
// SHA256(parent || delta_hash || revision || program_hash)
func ComputeCommitment(input CommitmentInput) types.Hash {
	buf := make([]byte, 32+32+8+32)
	offset := 0

	copy(buf[offset:], input.Parent[:])
	offset += 32

	copy(buf[offset:], input.DeltaHash[:])
	offset += 32

	binary.LittleEndian.PutUint64(buf[offset:], input.Revision)
	offset += 8

	copy(buf[offset:], input.ProgramHash[:])

	return sha256.Sum256(buf)
}

// comparePubkeys compares two pubkeys lexicographically.
// Returns -1 if a < b, 0 if a == b, 1 if a > b.
func comparePubkeys(a, b types.Pubkey) int {
	for i := 0; i < 32; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

// SortPubkeys sorts a slice of pubkeys in ascending order.
func SortPubkeys(pubkeys []types.Pubkey) {
	sort.Slice(pubkeys, func(i, j int) bool {
		return comparePubkeys(pubkeys[i], pubkeys[j]) < 0
	})
}

// HashableMemoryDB wraps MemoryDB with hash computation capabilities.
type HashableMemoryDB struct {
	*MemoryDB
	hasher *HashComputer
}

// NewHashableMemoryDB creates a new hashable in-memory database.
func NewHashableMemoryDB() *HashableMemoryDB {
	mdb := NewMemoryDB()
	return &HashableMemoryDB{
		MemoryDB: mdb,
		hasher:   NewHashComputer(mdb),
	}
}

// ComputeAccountHash computes the hash of an account.
func (h *HashableMemoryDB) ComputeAccountHash(pubkey types.Pubkey, account *Account) types.Hash {
	return ComputeAccountHash(pubkey, account)
}

// ComputeStateRoot computes the state root.
func (h *HashableMemoryDB) ComputeStateRoot() (types.Hash, error) {
	return h.hasher.ComputeStateRoot()
}

// ComputeDeltaHash computes the delta hash.
func (h *HashableMemoryDB) ComputeDeltaHash(modifiedPubkeys []types.Pubkey) (types.Hash, error) {
	return h.hasher.ComputeDeltaHash(modifiedPubkeys)
}

// Verify that HashableMemoryDB implements HashableDB interface.
var _ HashableDB = (*HashableMemoryDB)(nil)
