// Package system implements the native account management program.
//
// The program is addressed by the all-zeros id and runs host-side
// rather than as guest bytecode. It covers account creation, balance
// transfers, ownership assignment, space allocation, and the
// seed-derived variants of each. Guests reach it through the nested
// invocation host function; every account an instruction touches must
// be part of the transaction's account set.
package system

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Provis/internal/types"
	"github.com/fortiblox/X1-Provis/pkg/accounts"
)

// ProgramID is the native program address, base58
// "11111111111111111111111111111111", which decodes to all zeros.
var ProgramID = types.SystemProgramAddr

// Instruction discriminants.
const (
	InstructionCreateAccount = iota
	InstructionAssign
	InstructionTransfer
	InstructionCreateAccountWithSeed
	InstructionAllocate
	InstructionAllocateWithSeed
	InstructionAssignWithSeed
	InstructionTransferWithSeed
)

// Error types.
var (
	ErrInvalidInstructionData   = errors.New("invalid instruction data")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrAccountAlreadyInUse      = errors.New("account already in use")
	ErrNotEnoughAccountKeys     = errors.New("not enough account keys")
	ErrInvalidAccountOwner      = errors.New("invalid account owner")
	ErrAccountNotRentExempt     = errors.New("account not rent exempt")
	ErrMissingRequiredSignature = errors.New("missing required signature")
	ErrAccountNotWritable       = errors.New("account not writable")
	ErrAccountDataTooLarge      = errors.New("account data too large")
	ErrCannotShrink             = errors.New("cannot shrink account data")
	ErrInvalidSeed              = errors.New("invalid seed")
	ErrAddressMismatch          = errors.New("seed-derived address mismatch")
	ErrLamportOverflow          = errors.New("lamport balance overflow")
)

// MaxAccountDataSize caps allocated account data.
const MaxAccountDataSize = 10 * 1024 * 1024 // 10 MB

// MaxSeedLen caps the seed used for address derivation.
const MaxSeedLen = 32

// Rent parameters. An account is rent exempt when it carries two
// years of rent for its storage footprint.
const (
	accountStorageOverhead = 128
	lamportsPerByteYear    = 3480
	exemptionYears         = 2
)

// RentMinimum returns the rent-exempt minimum balance for an account
// holding dataLen bytes.
func RentMinimum(dataLen uint64) uint64 {
	return (accountStorageOverhead + dataLen) * lamportsPerByteYear * exemptionYears
}

// AccountMeta names one account an instruction operates on.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// Instruction is one decoded native program call: the accounts it
// touches and the discriminant-prefixed parameter data.
type Instruction struct {
	Metas []AccountMeta
	Data  []byte
}

// Meta flag bits.
const (
	flagSigner   = 0x01
	flagWritable = 0x02
)

// EncodeInstruction serializes an instruction into the wire form the
// program accepts: account count, one 33-byte meta per account, then
// the parameter data.
func EncodeInstruction(ins *Instruction) []byte {
	buf := make([]byte, 0, 1+len(ins.Metas)*33+len(ins.Data))
	buf = append(buf, byte(len(ins.Metas)))
	for _, m := range ins.Metas {
		buf = append(buf, m.Pubkey[:]...)
		var flags byte
		if m.IsSigner {
			flags |= flagSigner
		}
		if m.IsWritable {
			flags |= flagWritable
		}
		buf = append(buf, flags)
	}
	return append(buf, ins.Data...)
}

// ParseInstruction decodes the wire form produced by
// EncodeInstruction.
func ParseInstruction(input []byte) (*Instruction, error) {
	if len(input) < 1 {
		return nil, ErrInvalidInstructionData
	}
	n := int(input[0])
	if len(input) < 1+n*33 {
		return nil, ErrInvalidInstructionData
	}

	ins := &Instruction{Metas: make([]AccountMeta, n)}
	cursor := 1
	for i := 0; i < n; i++ {
		m := &ins.Metas[i]
		copy(m.Pubkey[:], input[cursor:cursor+32])
		flags := input[cursor+32]
		m.IsSigner = flags&flagSigner != 0
		m.IsWritable = flags&flagWritable != 0
		cursor += 33
	}
	ins.Data = input[cursor:]
	return ins, nil
}

// InvokeContext is the slice of transaction state the program needs.
// Satisfied by txctx.Context.
type InvokeContext interface {
	Account(pubkey types.Pubkey) (*accounts.Account, bool)
	ModifyAccount(pubkey types.Pubkey, acc *accounts.Account) error
	Log(message string) error
}

// Processor executes native program instructions.
type Processor struct{}

// NewProcessor creates a new processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process decodes and executes one instruction against the
// transaction state.
func (p *Processor) Process(ctx InvokeContext, input []byte) error {
	ins, err := ParseInstruction(input)
	if err != nil {
		return err
	}
	if len(ins.Data) < 4 {
		return ErrInvalidInstructionData
	}

	discriminant := binary.LittleEndian.Uint32(ins.Data[:4])
	params := ins.Data[4:]

	switch discriminant {
	case InstructionCreateAccount:
		return p.processCreateAccount(ctx, ins, params)
	case InstructionAssign:
		return p.processAssign(ctx, ins, params)
	case InstructionTransfer:
		return p.processTransfer(ctx, ins, params)
	case InstructionAllocate:
		return p.processAllocate(ctx, ins, params)
	case InstructionCreateAccountWithSeed:
		return p.processCreateAccountWithSeed(ctx, ins, params)
	case InstructionAllocateWithSeed:
		return p.processAllocateWithSeed(ctx, ins, params)
	case InstructionAssignWithSeed:
		return p.processAssignWithSeed(ctx, ins, params)
	case InstructionTransferWithSeed:
		return p.processTransferWithSeed(ctx, ins, params)
	default:
		return fmt.Errorf("%w: discriminant %d", ErrInvalidInstructionData, discriminant)
	}
}

// account resolves the instruction's idx-th account meta against the
// transaction state.
func account(ctx InvokeContext, ins *Instruction, idx int) (AccountMeta, *accounts.Account, error) {
	if idx >= len(ins.Metas) {
		return AccountMeta{}, nil, ErrNotEnoughAccountKeys
	}
	meta := ins.Metas[idx]
	acc, ok := ctx.Account(meta.Pubkey)
	if !ok {
		return AccountMeta{}, nil, fmt.Errorf("%w: %s", accounts.ErrAccountNotFound, meta.Pubkey)
	}
	return meta, acc, nil
}

// processCreateAccount funds and initializes a fresh account.
// Accounts: [0] funder (signer, writable), [1] new account (signer,
// writable).
func (p *Processor) processCreateAccount(ctx InvokeContext, ins *Instruction, data []byte) error {
	// lamports (8) + space (8) + owner (32)
	if len(data) < 48 {
		return ErrInvalidInstructionData
	}
	lamports := binary.LittleEndian.Uint64(data[0:8])
	space := binary.LittleEndian.Uint64(data[8:16])
	var owner types.Pubkey
	copy(owner[:], data[16:48])

	return p.createAccount(ctx, ins, lamports, space, owner, nil)
}

// processCreateAccountWithSeed funds and initializes an account whose
// address is derived from a base key and a seed.
// Accounts: [0] funder (signer, writable), [1] new account (writable),
// [2] base (signer).
func (p *Processor) processCreateAccountWithSeed(ctx InvokeContext, ins *Instruction, data []byte) error {
	// base (32) + seed_len (8) + seed + lamports (8) + space (8) + owner (32)
	if len(data) < 40 {
		return ErrInvalidInstructionData
	}
	var base types.Pubkey
	copy(base[:], data[0:32])

	seedLen := binary.LittleEndian.Uint64(data[32:40])
	if seedLen > MaxSeedLen || uint64(len(data)) < 40+seedLen+48 {
		return ErrInvalidSeed
	}
	seed := data[40 : 40+seedLen]
	rest := data[40+seedLen:]

	lamports := binary.LittleEndian.Uint64(rest[0:8])
	space := binary.LittleEndian.Uint64(rest[8:16])
	var owner types.Pubkey
	copy(owner[:], rest[16:48])

	derived := CreateWithSeedAddress(base, seed, owner)
	return p.createAccount(ctx, ins, lamports, space, owner, &derived)
}

// createAccount is the shared tail of the two creation instructions.
// When derived is non-nil the new account's address must match it.
func (p *Processor) createAccount(ctx InvokeContext, ins *Instruction, lamports, space uint64, owner types.Pubkey, derived *types.Pubkey) error {
	if space > MaxAccountDataSize {
		return ErrAccountDataTooLarge
	}

	funderMeta, funder, err := account(ctx, ins, 0)
	if err != nil {
		return err
	}
	newMeta, newAcc, err := account(ctx, ins, 1)
	if err != nil {
		return err
	}

	if !funderMeta.IsSigner {
		return ErrMissingRequiredSignature
	}
	if derived == nil && !newMeta.IsSigner {
		return ErrMissingRequiredSignature
	}
	if derived != nil && newMeta.Pubkey != *derived {
		return ErrAddressMismatch
	}

	if funder.Lamports < lamports {
		return ErrInsufficientFunds
	}
	if newAcc.Owner != ProgramID || len(newAcc.Data) > 0 || newAcc.Lamports > 0 {
		return ErrAccountAlreadyInUse
	}
	if lamports < RentMinimum(space) {
		return ErrAccountNotRentExempt
	}

	nextFunder := funder.Clone()
	nextFunder.Lamports -= lamports
	if err := ctx.ModifyAccount(funderMeta.Pubkey, nextFunder); err != nil {
		return err
	}

	next := newAcc.Clone()
	next.Lamports = lamports
	next.Data = make([]byte, space)
	next.Owner = owner
	if err := ctx.ModifyAccount(newMeta.Pubkey, next); err != nil {
		return err
	}

	return ctx.Log("CreateAccount: success")
}

// processAssign changes the owner of an account.
// Accounts: [0] account (signer, writable).
func (p *Processor) processAssign(ctx InvokeContext, ins *Instruction, data []byte) error {
	// owner (32)
	if len(data) < 32 {
		return ErrInvalidInstructionData
	}
	var owner types.Pubkey
	copy(owner[:], data[0:32])

	meta, acc, err := account(ctx, ins, 0)
	if err != nil {
		return err
	}
	if !meta.IsSigner {
		return ErrMissingRequiredSignature
	}
	return p.assign(ctx, meta, acc, owner)
}

// processAssignWithSeed changes the owner of a seed-derived account.
// Accounts: [0] account (writable), [1] base (signer).
func (p *Processor) processAssignWithSeed(ctx InvokeContext, ins *Instruction, data []byte) error {
	// base (32) + seed_len (8) + seed + owner (32)
	if len(data) < 40 {
		return ErrInvalidInstructionData
	}
	var base types.Pubkey
	copy(base[:], data[0:32])

	seedLen := binary.LittleEndian.Uint64(data[32:40])
	if seedLen > MaxSeedLen || uint64(len(data)) < 40+seedLen+32 {
		return ErrInvalidSeed
	}
	seed := data[40 : 40+seedLen]

	var owner types.Pubkey
	copy(owner[:], data[40+seedLen:40+seedLen+32])

	meta, acc, err := account(ctx, ins, 0)
	if err != nil {
		return err
	}
	baseMeta, _, err := account(ctx, ins, 1)
	if err != nil {
		return err
	}
	if !baseMeta.IsSigner {
		return ErrMissingRequiredSignature
	}
	if CreateWithSeedAddress(base, seed, owner) != meta.Pubkey {
		return ErrAddressMismatch
	}
	return p.assign(ctx, meta, acc, owner)
}

func (p *Processor) assign(ctx InvokeContext, meta AccountMeta, acc *accounts.Account, owner types.Pubkey) error {
	if acc.Owner != ProgramID {
		return ErrInvalidAccountOwner
	}

	next := acc.Clone()
	next.Owner = owner
	if err := ctx.ModifyAccount(meta.Pubkey, next); err != nil {
		return err
	}

	return ctx.Log("Assign: success")
}

// processTransfer moves lamports between two accounts.
// Accounts: [0] from (signer, writable), [1] to (writable).
func (p *Processor) processTransfer(ctx InvokeContext, ins *Instruction, data []byte) error {
	// lamports (8)
	if len(data) < 8 {
		return ErrInvalidInstructionData
	}
	lamports := binary.LittleEndian.Uint64(data[0:8])

	fromMeta, from, err := account(ctx, ins, 0)
	if err != nil {
		return err
	}
	toMeta, to, err := account(ctx, ins, 1)
	if err != nil {
		return err
	}
	if !fromMeta.IsSigner {
		return ErrMissingRequiredSignature
	}
	return p.transfer(ctx, fromMeta, from, toMeta, to, lamports)
}

// processTransferWithSeed moves lamports out of a seed-derived
// account.
// Accounts: [0] from (writable), [1] base (signer), [2] to (writable).
func (p *Processor) processTransferWithSeed(ctx InvokeContext, ins *Instruction, data []byte) error {
	// lamports (8) + seed_len (8) + seed + from_owner (32)
	if len(data) < 16 {
		return ErrInvalidInstructionData
	}
	lamports := binary.LittleEndian.Uint64(data[0:8])
	seedLen := binary.LittleEndian.Uint64(data[8:16])
	if seedLen > MaxSeedLen || uint64(len(data)) < 16+seedLen+32 {
		return ErrInvalidSeed
	}
	seed := data[16 : 16+seedLen]

	var fromOwner types.Pubkey
	copy(fromOwner[:], data[16+seedLen:16+seedLen+32])

	fromMeta, from, err := account(ctx, ins, 0)
	if err != nil {
		return err
	}
	baseMeta, _, err := account(ctx, ins, 1)
	if err != nil {
		return err
	}
	toMeta, to, err := account(ctx, ins, 2)
	if err != nil {
		return err
	}
	if !baseMeta.IsSigner {
		return ErrMissingRequiredSignature
	}
	if CreateWithSeedAddress(baseMeta.Pubkey, seed, fromOwner) != fromMeta.Pubkey {
		return ErrAddressMismatch
	}
	return p.transfer(ctx, fromMeta, from, toMeta, to, lamports)
}

func (p *Processor) transfer(ctx InvokeContext, fromMeta AccountMeta, from *accounts.Account, toMeta AccountMeta, to *accounts.Account, lamports uint64) error {
	if !fromMeta.IsWritable {
		return fmt.Errorf("%w: %s", ErrAccountNotWritable, fromMeta.Pubkey)
	}
	if !toMeta.IsWritable {
		return fmt.Errorf("%w: %s", ErrAccountNotWritable, toMeta.Pubkey)
	}
	if from.Lamports < lamports {
		return ErrInsufficientFunds
	}
	if to.Lamports > ^uint64(0)-lamports {
		return ErrLamportOverflow
	}

	nextFrom := from.Clone()
	nextFrom.Lamports -= lamports
	if err := ctx.ModifyAccount(fromMeta.Pubkey, nextFrom); err != nil {
		return err
	}

	nextTo := to.Clone()
	nextTo.Lamports += lamports
	if err := ctx.ModifyAccount(toMeta.Pubkey, nextTo); err != nil {
		return err
	}

	return ctx.Log("Transfer: success")
}

// processAllocate grows an account's data to the requested size.
// Accounts: [0] account (signer, writable).
func (p *Processor) processAllocate(ctx InvokeContext, ins *Instruction, data []byte) error {
	// space (8)
	if len(data) < 8 {
		return ErrInvalidInstructionData
	}
	space := binary.LittleEndian.Uint64(data[0:8])

	meta, acc, err := account(ctx, ins, 0)
	if err != nil {
		return err
	}
	if !meta.IsSigner {
		return ErrMissingRequiredSignature
	}
	return p.allocate(ctx, meta, acc, space, nil)
}

// processAllocateWithSeed grows a seed-derived account's data and
// assigns its owner.
// Accounts: [0] account (writable), [1] base (signer).
func (p *Processor) processAllocateWithSeed(ctx InvokeContext, ins *Instruction, data []byte) error {
	// base (32) + seed_len (8) + seed + space (8) + owner (32)
	if len(data) < 40 {
		return ErrInvalidInstructionData
	}
	var base types.Pubkey
	copy(base[:], data[0:32])

	seedLen := binary.LittleEndian.Uint64(data[32:40])
	if seedLen > MaxSeedLen || uint64(len(data)) < 40+seedLen+40 {
		return ErrInvalidSeed
	}
	seed := data[40 : 40+seedLen]
	rest := data[40+seedLen:]

	space := binary.LittleEndian.Uint64(rest[0:8])
	var owner types.Pubkey
	copy(owner[:], rest[8:40])

	meta, acc, err := account(ctx, ins, 0)
	if err != nil {
		return err
	}
	baseMeta, _, err := account(ctx, ins, 1)
	if err != nil {
		return err
	}
	if !baseMeta.IsSigner {
		return ErrMissingRequiredSignature
	}
	if CreateWithSeedAddress(base, seed, owner) != meta.Pubkey {
		return ErrAddressMismatch
	}
	return p.allocate(ctx, meta, acc, space, &owner)
}

func (p *Processor) allocate(ctx InvokeContext, meta AccountMeta, acc *accounts.Account, space uint64, owner *types.Pubkey) error {
	if space > MaxAccountDataSize {
		return ErrAccountDataTooLarge
	}
	if acc.Owner != ProgramID {
		return ErrInvalidAccountOwner
	}
	if uint64(len(acc.Data)) > space {
		return ErrCannotShrink
	}

	next := acc.Clone()
	if uint64(len(next.Data)) < space {
		grown := make([]byte, space)
		copy(grown, next.Data)
		next.Data = grown
	}
	if owner != nil {
		next.Owner = *owner
	}
	if err := ctx.ModifyAccount(meta.Pubkey, next); err != nil {
		return err
	}

	return ctx.Log("Allocate: success")
}

// CreateWithSeedAddress derives an account address from a base key, a
// seed, and the owning program: SHA256(base || seed || owner).
func CreateWithSeedAddress(base types.Pubkey, seed []byte, owner types.Pubkey) types.Pubkey {
	h := sha256.New()
	h.Write(base[:])
	h.Write(seed)
	h.Write(owner[:])

	var result types.Pubkey
	copy(result[:], h.Sum(nil))
	return result
}
