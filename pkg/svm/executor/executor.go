// Package executor runs decoded bytecode programs against a set of
// accounts. It wires the interpreter, the compute meter, the host
// function registry and the transaction context together, serializes
// the accounts into guest memory before the run and folds guest-side
// modifications back into the transaction context afterwards.
package executor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Provis/internal/types"
	"github.com/fortiblox/X1-Provis/pkg/accounts"
	"github.com/fortiblox/X1-Provis/pkg/svm/meter"
	"github.com/fortiblox/X1-Provis/pkg/svm/sbpf"
	"github.com/fortiblox/X1-Provis/pkg/svm/syscall"
	"github.com/fortiblox/X1-Provis/pkg/svm/txctx"
)

var (
	ErrInputTooShort     = errors.New("input blob truncated")
	ErrTooManyAccounts   = errors.New("too many accounts in input")
	ErrAccountDataTooBig = errors.New("account data exceeds limit")
	ErrInputRegionTooBig = errors.New("serialized input exceeds guest data region")
	ErrBadProgramAccount = errors.New("executable account does not decode")
)

const (
	// MaxInputAccounts bounds the account table of one execution.
	MaxInputAccounts = 64
	// MaxAccountData bounds a single account's data blob.
	MaxAccountData = 10 * 1024 * 1024

	// Guest-side record layout. Each account occupies a fixed header
	// followed by its data padded to 8 bytes:
	//   pubkey[32] owner[32] lamports[8] executable[1] pad[7]
	//   rent_epoch[8] data_len[8] data[...] pad
	accountHeaderSize = 32 + 32 + 8 + 8 + 8 + 8

	// Per-account meter pricing for moving state in and out of the
	// guest data region.
	serializeBaseUnits   = 16
	deserializeBaseUnits = 16
	perWordUnits         = 1
)

// AccountEntry pairs a pubkey with its account state. Order matters:
// the guest sees accounts in input order.
type AccountEntry struct {
	Pubkey  types.Pubkey
	Account *accounts.Account
}

// Input is a fully parsed execution request.
type Input struct {
	Program         []byte
	Accounts        []AccountEntry
	InstructionData []byte
}

// Opts tunes one execution. Zero values fall back to the meter and
// interpreter defaults.
type Opts struct {
	MaxUnits   uint64
	MaxCycles  uint64
	MaxSteps   uint64
	Complexity meter.Complexity
}

// Result reports everything a caller needs to account for a run,
// successful or not. Consumed totals are valid in both cases.
type Result struct {
	Success        bool
	ExitCode       uint64
	Err            error
	UnitsConsumed  uint64
	CyclesConsumed uint64
	Steps          uint64
	Logs           []string
	ReturnData     []byte
	Changes        []txctx.Change
	Accounts       map[types.Pubkey]*accounts.Account
}

// Executor is reusable across runs; each Execute builds fresh state.
type Executor struct {
	opts Opts
}

func New(opts Opts) *Executor {
	return &Executor{opts: opts}
}

// ParseInput decodes the flat request blob:
//
//	prog_len u32 | prog | account_count u32 |
//	  per account: pubkey[32] lamports u64 owner[32] executable u8
//	               rent_epoch u64 data_len u32 data |
//	instr_len u32 | instr_data
func ParseInput(blob []byte) (*Input, error) {
	cur := 0
	progLen, cur, err := readU32(blob, cur)
	if err != nil {
		return nil, err
	}
	if len(blob)-cur < int(progLen) {
		return nil, fmt.Errorf("%w: program bytes", ErrInputTooShort)
	}
	in := &Input{Program: blob[cur : cur+int(progLen)]}
	cur += int(progLen)

	count, cur, err := readU32(blob, cur)
	if err != nil {
		return nil, err
	}
	if count > MaxInputAccounts {
		return nil, fmt.Errorf("%w: %d", ErrTooManyAccounts, count)
	}
	for i := uint32(0); i < count; i++ {
		if len(blob)-cur < 32+8+32+1+8 {
			return nil, fmt.Errorf("%w: account %d header", ErrInputTooShort, i)
		}
		var entry AccountEntry
		copy(entry.Pubkey[:], blob[cur:cur+32])
		cur += 32
		lamports := binary.LittleEndian.Uint64(blob[cur:])
		cur += 8
		var owner types.Pubkey
		copy(owner[:], blob[cur:cur+32])
		cur += 32
		executable := blob[cur] != 0
		cur++
		rentEpoch := binary.LittleEndian.Uint64(blob[cur:])
		cur += 8
		dataLen, next, err := readU32(blob, cur)
		if err != nil {
			return nil, err
		}
		cur = next
		if dataLen > MaxAccountData {
			return nil, fmt.Errorf("%w: account %d has %d bytes", ErrAccountDataTooBig, i, dataLen)
		}
		if len(blob)-cur < int(dataLen) {
			return nil, fmt.Errorf("%w: account %d data", ErrInputTooShort, i)
		}
		data := make([]byte, dataLen)
		copy(data, blob[cur:cur+int(dataLen)])
		cur += int(dataLen)
		entry.Account = &accounts.Account{
			Lamports:   lamports,
			Data:       data,
			Owner:      owner,
			Executable: executable,
			RentEpoch:  rentEpoch,
		}
		in.Accounts = append(in.Accounts, entry)
	}

	instrLen, cur, err := readU32(blob, cur)
	if err != nil {
		return nil, err
	}
	if len(blob)-cur < int(instrLen) {
		return nil, fmt.Errorf("%w: instruction data", ErrInputTooShort)
	}
	in.InstructionData = blob[cur : cur+int(instrLen)]
	return in, nil
}

func readU32(blob []byte, cur int) (uint32, int, error) {
	if len(blob)-cur < 4 {
		return 0, cur, ErrInputTooShort
	}
	return binary.LittleEndian.Uint32(blob[cur:]), cur + 4, nil
}

// Execute runs one program over one account set. A non-nil error
// return means the request itself was malformed; guest-side failures
// come back inside the Result with Success false.
func (e *Executor) Execute(in *Input) (*Result, error) {
	prog, err := sbpf.Decode(in.Program)
	if err != nil {
		return nil, fmt.Errorf("decode program: %w", err)
	}

	mtr := meter.New(meter.Config{MaxUnits: e.opts.MaxUnits, MaxCycles: e.opts.MaxCycles})
	if e.opts.Complexity != meter.Simple {
		mtr.UpdateFactors(0, e.opts.Complexity)
	}

	initial := make(map[types.Pubkey]*accounts.Account, len(in.Accounts))
	for _, entry := range in.Accounts {
		initial[entry.Pubkey] = entry.Account
	}
	ctx := txctx.New(initial, mtr)
	reg := syscall.NewRegistry(ctx)

	for _, entry := range in.Accounts {
		if !entry.Account.Executable {
			continue
		}
		callee, err := sbpf.Decode(entry.Account.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadProgramAccount, entry.Pubkey, err)
		}
		reg.RegisterProgram([32]byte(entry.Pubkey), callee)
	}

	ip := sbpf.NewInterpreter(prog, sbpf.Opts{
		Meter:     mtr,
		MaxSteps:  e.opts.MaxSteps,
		Extension: reg,
	})

	inputLen, offsets, err := serializeInput(ip, ctx, in)
	if err != nil {
		return e.failedResult(ctx, ip, err), nil
	}
	_ = ip.Registers().Set(2, inputLen)

	exitCode, runErr := ip.Run()
	if runErr != nil {
		return e.failedResult(ctx, ip, runErr), nil
	}

	if err := writeBack(ip, ctx, in, offsets); err != nil {
		return e.failedResult(ctx, ip, err), nil
	}

	return &Result{
		Success:        true,
		ExitCode:       exitCode,
		UnitsConsumed:  ctx.Meter().ConsumedUnits(),
		CyclesConsumed: ctx.Meter().ConsumedCycles(),
		Steps:          ip.Steps(),
		Logs:           ctx.Logs(),
		ReturnData:     ctx.ReturnData(),
		Changes:        ctx.Changes(),
		Accounts:       ctx.Accounts(),
	}, nil
}

// failedResult captures consumed totals before rolling the
// transaction back so the caller still pays for the work done.
func (e *Executor) failedResult(ctx *txctx.Context, ip *sbpf.Interpreter, cause error) *Result {
	res := &Result{
		Err:            cause,
		UnitsConsumed:  ctx.Meter().ConsumedUnits(),
		CyclesConsumed: ctx.Meter().ConsumedCycles(),
		Steps:          ip.Steps(),
		Logs:           ctx.Logs(),
	}
	ctx.RollbackTransaction()
	res.Accounts = ctx.Accounts()
	return res
}

// serializeInput lays the account table and instruction data into the
// guest data region and returns the total length plus the byte offset
// of each account record for the later write-back scan.
func serializeInput(ip *sbpf.Interpreter, ctx *txctx.Context, in *Input) (uint64, []uint64, error) {
	mem := ip.Memory()
	addr := uint64(sbpf.DataBase)
	start := addr

	if err := mem.Write64(addr, uint64(len(in.Accounts))); err != nil {
		return 0, nil, err
	}
	addr += 8

	offsets := make([]uint64, len(in.Accounts))
	for i, entry := range in.Accounts {
		acct := entry.Account
		units := uint64(serializeBaseUnits) + uint64(len(acct.Data))/8*perWordUnits
		if err := ctx.Meter().Charge(meter.CategoryAccountSerialize, units); err != nil {
			return 0, nil, err
		}
		offsets[i] = addr

		if err := mem.WriteBytes(addr, entry.Pubkey[:]); err != nil {
			return 0, nil, err
		}
		if err := mem.WriteBytes(addr+32, acct.Owner[:]); err != nil {
			return 0, nil, err
		}
		if err := mem.Write64(addr+64, acct.Lamports); err != nil {
			return 0, nil, err
		}
		var execFlag uint64
		if acct.Executable {
			execFlag = 1
		}
		if err := mem.Write64(addr+72, execFlag); err != nil {
			return 0, nil, err
		}
		if err := mem.Write64(addr+80, acct.RentEpoch); err != nil {
			return 0, nil, err
		}
		if err := mem.Write64(addr+88, uint64(len(acct.Data))); err != nil {
			return 0, nil, err
		}
		if err := mem.WriteBytes(addr+accountHeaderSize, acct.Data); err != nil {
			return 0, nil, fmt.Errorf("%w: account %d", ErrInputRegionTooBig, i)
		}
		addr += accountHeaderSize + align8(uint64(len(acct.Data)))
	}

	if err := mem.Write64(addr, uint64(len(in.InstructionData))); err != nil {
		return 0, nil, ErrInputRegionTooBig
	}
	addr += 8
	if err := mem.WriteBytes(addr, in.InstructionData); err != nil {
		return 0, nil, ErrInputRegionTooBig
	}
	addr += align8(uint64(len(in.InstructionData)))

	return addr - start, offsets, nil
}

// writeBack scans each account record in guest memory and folds
// lamport, owner and data changes into the transaction context.
// Executable accounts are program images and stay immutable.
func writeBack(ip *sbpf.Interpreter, ctx *txctx.Context, in *Input, offsets []uint64) error {
	mem := ip.Memory()
	for i, entry := range in.Accounts {
		if entry.Account.Executable {
			continue
		}
		addr := offsets[i]
		units := uint64(deserializeBaseUnits) + uint64(len(entry.Account.Data))/8*perWordUnits
		if err := ctx.Meter().Charge(meter.CategoryAccountDeserialize, units); err != nil {
			return err
		}

		owner, err := mem.ReadBytes(addr+32, 32)
		if err != nil {
			return err
		}
		lamports, err := mem.Read64(addr + 64)
		if err != nil {
			return err
		}
		data, err := mem.ReadBytes(addr+accountHeaderSize, uint64(len(entry.Account.Data)))
		if err != nil {
			return err
		}

		cur, ok := ctx.Account(entry.Pubkey)
		if !ok {
			continue
		}
		changed := lamports != cur.Lamports ||
			!bytes.Equal(owner, cur.Owner[:]) ||
			!bytes.Equal(data, cur.Data)
		if !changed {
			continue
		}
		next := cur.Clone()
		next.Lamports = lamports
		copy(next.Owner[:], owner)
		next.Data = data
		if err := ctx.ModifyAccount(entry.Pubkey, next); err != nil {
			return err
		}
	}
	return nil
}

func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}
