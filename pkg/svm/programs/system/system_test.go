package system

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fortiblox/X1-Provis/internal/types"
	"github.com/fortiblox/X1-Provis/pkg/accounts"
	"github.com/fortiblox/X1-Provis/pkg/svm/meter"
	"github.com/fortiblox/X1-Provis/pkg/svm/txctx"
)

func testPubkey(b byte) types.Pubkey {
	var pk types.Pubkey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

func newTestContext(initial map[types.Pubkey]*accounts.Account) *txctx.Context {
	return txctx.New(initial, meter.New(meter.Config{}))
}

// encodeCall builds the wire form of one instruction.
func encodeCall(metas []AccountMeta, discriminant uint32, params []byte) []byte {
	data := binary.LittleEndian.AppendUint32(nil, discriminant)
	data = append(data, params...)
	return EncodeInstruction(&Instruction{Metas: metas, Data: data})
}

func TestProgramIDIsSystemAddress(t *testing.T) {
	if ProgramID != types.SystemProgramAddr {
		t.Errorf("ProgramID = %s, want %s", ProgramID, types.SystemProgramAddr)
	}
	if ProgramID != (types.Pubkey{}) {
		t.Errorf("ProgramID = %s, want all zeros", ProgramID)
	}
}

func TestParseInstructionRoundTrip(t *testing.T) {
	ins := &Instruction{
		Metas: []AccountMeta{
			{Pubkey: testPubkey(1), IsSigner: true, IsWritable: true},
			{Pubkey: testPubkey(2), IsWritable: true},
		},
		Data: []byte{9, 8, 7},
	}

	parsed, err := ParseInstruction(EncodeInstruction(ins))
	if err != nil {
		t.Fatalf("ParseInstruction failed: %v", err)
	}

	if len(parsed.Metas) != 2 {
		t.Fatalf("got %d metas, want 2", len(parsed.Metas))
	}
	if parsed.Metas[0].Pubkey != testPubkey(1) || !parsed.Metas[0].IsSigner || !parsed.Metas[0].IsWritable {
		t.Errorf("meta 0 = %+v", parsed.Metas[0])
	}
	if parsed.Metas[1].IsSigner {
		t.Error("meta 1 should not be a signer")
	}
	if !bytes.Equal(parsed.Data, []byte{9, 8, 7}) {
		t.Errorf("data = %v, want [9 8 7]", parsed.Data)
	}
}

func TestParseInstructionTruncated(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"missing metas", []byte{2, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseInstruction(tt.input); !errors.Is(err, ErrInvalidInstructionData) {
				t.Errorf("error = %v, want ErrInvalidInstructionData", err)
			}
		})
	}
}

func TestTransfer(t *testing.T) {
	from := testPubkey(1)
	to := testPubkey(2)
	ctx := newTestContext(map[types.Pubkey]*accounts.Account{
		from: {Lamports: 1000},
		to:   {Lamports: 50},
	})

	params := binary.LittleEndian.AppendUint64(nil, 300)
	input := encodeCall([]AccountMeta{
		{Pubkey: from, IsSigner: true, IsWritable: true},
		{Pubkey: to, IsWritable: true},
	}, InstructionTransfer, params)

	if err := NewProcessor().Process(ctx, input); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if acc, _ := ctx.Account(from); acc.Lamports != 700 {
		t.Errorf("from lamports = %d, want 700", acc.Lamports)
	}
	if acc, _ := ctx.Account(to); acc.Lamports != 350 {
		t.Errorf("to lamports = %d, want 350", acc.Lamports)
	}
}

func TestTransferFailures(t *testing.T) {
	from := testPubkey(1)
	to := testPubkey(2)

	tests := []struct {
		name     string
		metas    []AccountMeta
		lamports uint64
		wantErr  error
	}{
		{
			name: "insufficient funds",
			metas: []AccountMeta{
				{Pubkey: from, IsSigner: true, IsWritable: true},
				{Pubkey: to, IsWritable: true},
			},
			lamports: 5000,
			wantErr:  ErrInsufficientFunds,
		},
		{
			name: "missing signature",
			metas: []AccountMeta{
				{Pubkey: from, IsWritable: true},
				{Pubkey: to, IsWritable: true},
			},
			lamports: 100,
			wantErr:  ErrMissingRequiredSignature,
		},
		{
			name: "source not writable",
			metas: []AccountMeta{
				{Pubkey: from, IsSigner: true},
				{Pubkey: to, IsWritable: true},
			},
			lamports: 100,
			wantErr:  ErrAccountNotWritable,
		},
		{
			name: "missing account",
			metas: []AccountMeta{
				{Pubkey: from, IsSigner: true, IsWritable: true},
			},
			lamports: 100,
			wantErr:  ErrNotEnoughAccountKeys,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newTestContext(map[types.Pubkey]*accounts.Account{
				from: {Lamports: 1000},
				to:   {Lamports: 50},
			})
			params := binary.LittleEndian.AppendUint64(nil, tt.lamports)
			input := encodeCall(tt.metas, InstructionTransfer, params)

			err := NewProcessor().Process(ctx, input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}

			// A failed transfer leaves balances untouched.
			if acc, _ := ctx.Account(from); acc.Lamports != 1000 {
				t.Errorf("from lamports = %d, want 1000", acc.Lamports)
			}
		})
	}
}

func TestCreateAccount(t *testing.T) {
	funder := testPubkey(1)
	fresh := testPubkey(2)
	owner := testPubkey(9)

	space := uint64(16)
	lamports := RentMinimum(space)
	ctx := newTestContext(map[types.Pubkey]*accounts.Account{
		funder: {Lamports: lamports + 500},
		fresh:  {},
	})

	params := binary.LittleEndian.AppendUint64(nil, lamports)
	params = binary.LittleEndian.AppendUint64(params, space)
	params = append(params, owner[:]...)
	input := encodeCall([]AccountMeta{
		{Pubkey: funder, IsSigner: true, IsWritable: true},
		{Pubkey: fresh, IsSigner: true, IsWritable: true},
	}, InstructionCreateAccount, params)

	if err := NewProcessor().Process(ctx, input); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	acc, ok := ctx.Account(fresh)
	if !ok {
		t.Fatal("created account missing")
	}
	if acc.Lamports != lamports {
		t.Errorf("lamports = %d, want %d", acc.Lamports, lamports)
	}
	if uint64(len(acc.Data)) != space {
		t.Errorf("data size = %d, want %d", len(acc.Data), space)
	}
	if acc.Owner != owner {
		t.Errorf("owner = %s, want %s", acc.Owner, owner)
	}
	if facc, _ := ctx.Account(funder); facc.Lamports != 500 {
		t.Errorf("funder lamports = %d, want 500", facc.Lamports)
	}
}

func TestCreateAccountRejections(t *testing.T) {
	funder := testPubkey(1)
	fresh := testPubkey(2)
	owner := testPubkey(9)

	metas := []AccountMeta{
		{Pubkey: funder, IsSigner: true, IsWritable: true},
		{Pubkey: fresh, IsSigner: true, IsWritable: true},
	}

	buildParams := func(lamports, space uint64) []byte {
		params := binary.LittleEndian.AppendUint64(nil, lamports)
		params = binary.LittleEndian.AppendUint64(params, space)
		return append(params, owner[:]...)
	}

	t.Run("account in use", func(t *testing.T) {
		ctx := newTestContext(map[types.Pubkey]*accounts.Account{
			funder: {Lamports: RentMinimum(0) + 1},
			fresh:  {Lamports: 1},
		})
		input := encodeCall(metas, InstructionCreateAccount, buildParams(RentMinimum(0), 0))
		if err := NewProcessor().Process(ctx, input); !errors.Is(err, ErrAccountAlreadyInUse) {
			t.Errorf("error = %v, want ErrAccountAlreadyInUse", err)
		}
	})

	t.Run("below rent minimum", func(t *testing.T) {
		ctx := newTestContext(map[types.Pubkey]*accounts.Account{
			funder: {Lamports: RentMinimum(64)},
			fresh:  {},
		})
		input := encodeCall(metas, InstructionCreateAccount, buildParams(RentMinimum(64)-1, 64))
		if err := NewProcessor().Process(ctx, input); !errors.Is(err, ErrAccountNotRentExempt) {
			t.Errorf("error = %v, want ErrAccountNotRentExempt", err)
		}
	})
}

func TestAssign(t *testing.T) {
	target := testPubkey(1)
	owner := testPubkey(7)
	ctx := newTestContext(map[types.Pubkey]*accounts.Account{
		target: {Lamports: 100},
	})

	input := encodeCall([]AccountMeta{
		{Pubkey: target, IsSigner: true, IsWritable: true},
	}, InstructionAssign, owner[:])

	if err := NewProcessor().Process(ctx, input); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if acc, _ := ctx.Account(target); acc.Owner != owner {
		t.Errorf("owner = %s, want %s", acc.Owner, owner)
	}

	// A second assign fails: the account no longer belongs to the
	// native program.
	if err := NewProcessor().Process(ctx, input); !errors.Is(err, ErrInvalidAccountOwner) {
		t.Errorf("error = %v, want ErrInvalidAccountOwner", err)
	}
}

func TestAllocate(t *testing.T) {
	target := testPubkey(1)
	ctx := newTestContext(map[types.Pubkey]*accounts.Account{
		target: {Lamports: 100, Data: []byte{1, 2, 3}},
	})

	params := binary.LittleEndian.AppendUint64(nil, 8)
	input := encodeCall([]AccountMeta{
		{Pubkey: target, IsSigner: true, IsWritable: true},
	}, InstructionAllocate, params)

	if err := NewProcessor().Process(ctx, input); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	acc, _ := ctx.Account(target)
	if len(acc.Data) != 8 {
		t.Fatalf("data size = %d, want 8", len(acc.Data))
	}
	if !bytes.Equal(acc.Data[:3], []byte{1, 2, 3}) {
		t.Errorf("existing data not preserved: %v", acc.Data)
	}

	// Shrinking is refused.
	params = binary.LittleEndian.AppendUint64(nil, 4)
	input = encodeCall([]AccountMeta{
		{Pubkey: target, IsSigner: true, IsWritable: true},
	}, InstructionAllocate, params)
	if err := NewProcessor().Process(ctx, input); !errors.Is(err, ErrCannotShrink) {
		t.Errorf("error = %v, want ErrCannotShrink", err)
	}
}

func TestCreateWithSeedAddress(t *testing.T) {
	base := testPubkey(1)
	owner := testPubkey(2)

	a := CreateWithSeedAddress(base, []byte("vault"), owner)
	b := CreateWithSeedAddress(base, []byte("vault"), owner)
	if a != b {
		t.Error("derivation not deterministic")
	}
	if c := CreateWithSeedAddress(base, []byte("vault2"), owner); c == a {
		t.Error("different seeds produced the same address")
	}
	if c := CreateWithSeedAddress(owner, []byte("vault"), owner); c == a {
		t.Error("different bases produced the same address")
	}
}

func TestCreateAccountWithSeed(t *testing.T) {
	funder := testPubkey(1)
	base := testPubkey(3)
	owner := testPubkey(9)
	seed := []byte("stake")
	derived := CreateWithSeedAddress(base, seed, owner)

	space := uint64(8)
	lamports := RentMinimum(space)
	ctx := newTestContext(map[types.Pubkey]*accounts.Account{
		funder:  {Lamports: lamports},
		derived: {},
	})

	params := append([]byte{}, base[:]...)
	params = binary.LittleEndian.AppendUint64(params, uint64(len(seed)))
	params = append(params, seed...)
	params = binary.LittleEndian.AppendUint64(params, lamports)
	params = binary.LittleEndian.AppendUint64(params, space)
	params = append(params, owner[:]...)

	input := encodeCall([]AccountMeta{
		{Pubkey: funder, IsSigner: true, IsWritable: true},
		{Pubkey: derived, IsWritable: true},
	}, InstructionCreateAccountWithSeed, params)

	if err := NewProcessor().Process(ctx, input); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	acc, _ := ctx.Account(derived)
	if acc.Owner != owner || acc.Lamports != lamports || uint64(len(acc.Data)) != space {
		t.Errorf("created account = %+v", acc)
	}

	// A wrong address is rejected.
	wrong := testPubkey(8)
	ctx = newTestContext(map[types.Pubkey]*accounts.Account{
		funder: {Lamports: lamports},
		wrong:  {},
	})
	input = encodeCall([]AccountMeta{
		{Pubkey: funder, IsSigner: true, IsWritable: true},
		{Pubkey: wrong, IsWritable: true},
	}, InstructionCreateAccountWithSeed, params)
	if err := NewProcessor().Process(ctx, input); !errors.Is(err, ErrAddressMismatch) {
		t.Errorf("error = %v, want ErrAddressMismatch", err)
	}
}

func TestTransferWithSeed(t *testing.T) {
	base := testPubkey(3)
	fromOwner := ProgramID
	seed := []byte("escrow")
	from := CreateWithSeedAddress(base, seed, fromOwner)
	to := testPubkey(5)

	ctx := newTestContext(map[types.Pubkey]*accounts.Account{
		from: {Lamports: 900},
		base: {},
		to:   {Lamports: 10},
	})

	params := binary.LittleEndian.AppendUint64(nil, 400)
	params = binary.LittleEndian.AppendUint64(params, uint64(len(seed)))
	params = append(params, seed...)
	params = append(params, fromOwner[:]...)

	input := encodeCall([]AccountMeta{
		{Pubkey: from, IsWritable: true},
		{Pubkey: base, IsSigner: true},
		{Pubkey: to, IsWritable: true},
	}, InstructionTransferWithSeed, params)

	if err := NewProcessor().Process(ctx, input); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if acc, _ := ctx.Account(from); acc.Lamports != 500 {
		t.Errorf("from lamports = %d, want 500", acc.Lamports)
	}
	if acc, _ := ctx.Account(to); acc.Lamports != 410 {
		t.Errorf("to lamports = %d, want 410", acc.Lamports)
	}
}

func TestUnknownInstruction(t *testing.T) {
	ctx := newTestContext(nil)
	input := encodeCall(nil, 99, nil)
	if err := NewProcessor().Process(ctx, input); !errors.Is(err, ErrInvalidInstructionData) {
		t.Errorf("error = %v, want ErrInvalidInstructionData", err)
	}
}
