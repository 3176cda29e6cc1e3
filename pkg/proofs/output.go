// Package proofs builds the public output of an execution run and
// persists run records. The output is a fixed vector of 32-bit words
// that a proof verifier consumes: validity flag, resource totals, fee
// and the state root binding the run to the account set it produced.
package proofs

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/fortiblox/X1-Provis/internal/types"
	"github.com/fortiblox/X1-Provis/pkg/accounts"
	"github.com/fortiblox/X1-Provis/pkg/svm/executor"
)

// NumOutputWords is the size of the public output vector.
//
// Word layout:
//
//	0     validity (1 = success, 0 = failure)
//	1-2   compute units consumed, low then high 32 bits
//	3-4   cycles consumed, low then high 32 bits
//	5     instruction steps (low 32 bits)
//	6     exit code (low 32 bits)
//	7-8   fee in lamports, low then high 32 bits
//	9-16  state root, eight 32-bit little-endian words, low word first
const NumOutputWords = 17

// DefaultMicroLamportsPerUnit is the default compute unit price.
const DefaultMicroLamportsPerUnit = 1000

// Output is the public result of one run.
type Output struct {
	Valid          bool
	UnitsConsumed  uint64
	CyclesConsumed uint64
	Steps          uint64
	ExitCode       uint64
	Fee            uint64
	StateRoot      types.Hash
}

// ComputeFee prices consumed compute units in lamports.
// microLamportsPerUnit of zero falls back to the default price.
func ComputeFee(units, microLamportsPerUnit uint64) uint64 {
	if microLamportsPerUnit == 0 {
		microLamportsPerUnit = DefaultMicroLamportsPerUnit
	}
	return units * microLamportsPerUnit / 1_000_000
}

// FromResult builds the public output for an execution result.
// The state root covers the account set the run left behind, which
// for a failed run is the initial set restored by the rollback.
func FromResult(res *executor.Result, microLamportsPerUnit uint64) Output {
	out := Output{
		Valid:          res.Success,
		UnitsConsumed:  res.UnitsConsumed,
		CyclesConsumed: res.CyclesConsumed,
		Steps:          res.Steps,
		ExitCode:       res.ExitCode,
		Fee:            ComputeFee(res.UnitsConsumed, microLamportsPerUnit),
	}
	out.StateRoot = accounts.ComputeStateRootFromMap(res.Accounts)
	return out
}

// Words flattens the output into the public word vector.
func (o Output) Words() [NumOutputWords]uint64 {
	var w [NumOutputWords]uint64
	if o.Valid {
		w[0] = 1
	}
	w[1] = o.UnitsConsumed & 0xffffffff
	w[2] = o.UnitsConsumed >> 32
	w[3] = o.CyclesConsumed & 0xffffffff
	w[4] = o.CyclesConsumed >> 32
	w[5] = o.Steps & 0xffffffff
	w[6] = o.ExitCode & 0xffffffff
	w[7] = o.Fee & 0xffffffff
	w[8] = o.Fee >> 32
	for i := 0; i < 8; i++ {
		w[9+i] = uint64(binary.LittleEndian.Uint32(o.StateRoot[i*4:]))
	}
	return w
}

// OutputFromWords reconstructs an Output from its word vector.
func OutputFromWords(w [NumOutputWords]uint64) Output {
	o := Output{
		Valid:          w[0] == 1,
		UnitsConsumed:  w[1] | w[2]<<32,
		CyclesConsumed: w[3] | w[4]<<32,
		Steps:          w[5],
		ExitCode:       w[6],
		Fee:            w[7] | w[8]<<32,
	}
	for i := 0; i < 8; i++ {
		binary.LittleEndian.PutUint32(o.StateRoot[i*4:], uint32(w[9+i]))
	}
	return o
}

// ProgramHash identifies a bytecode stream for run records.
func ProgramHash(program []byte) types.Hash {
	return sha256.Sum256(program)
}

// DeltaHash computes the Merkle root over the accounts a run
// modified, sorted by pubkey. An account present in the change list
// but absent from the final set hashes as zero.
func DeltaHash(res *executor.Result) (types.Hash, error) {
	changed := make([]types.Pubkey, 0, len(res.Changes))
	for _, ch := range res.Changes {
		changed = append(changed, ch.Pubkey)
	}
	accounts.SortPubkeys(changed)

	db := accounts.NewMemoryDB()
	for pk, acc := range res.Accounts {
		if err := db.SetAccount(pk, acc); err != nil {
			return types.Hash{}, err
		}
	}
	return accounts.NewHashComputer(db).ComputeDeltaHash(changed)
}
