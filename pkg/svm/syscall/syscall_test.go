package syscall

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fortiblox/X1-Provis/internal/types"
	"github.com/fortiblox/X1-Provis/pkg/accounts"
	"github.com/fortiblox/X1-Provis/pkg/svm/meter"
	"github.com/fortiblox/X1-Provis/pkg/svm/programs/system"
	"github.com/fortiblox/X1-Provis/pkg/svm/sbpf"
	"github.com/fortiblox/X1-Provis/pkg/svm/txctx"
)

type fakeContext struct {
	mtr     *meter.Meter
	logs    []string
	retData []byte
}

func newFakeContext() *fakeContext {
	return &fakeContext{mtr: meter.New(meter.Config{MaxUnits: 1 << 30, MaxCycles: 1 << 40})}
}

func (c *fakeContext) Log(message string) error {
	c.logs = append(c.logs, message)
	return nil
}
func (c *fakeContext) SetReturnData(d []byte) { c.retData = append([]byte(nil), d...) }
func (c *fakeContext) ReturnData() []byte     { return c.retData }
func (c *fakeContext) Meter() *meter.Meter    { return c.mtr }

func testInterpreter(t *testing.T, ext sbpf.Extension, ins ...sbpf.Instruction) *sbpf.Interpreter {
	t.Helper()
	var stream []byte
	for _, i := range ins {
		stream = append(stream, sbpf.Encode(i)...)
	}
	prog, err := sbpf.Decode(stream)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	return sbpf.NewInterpreter(prog, sbpf.Opts{Extension: ext})
}

// TestLogOpcode reads the message out of guest memory.
func TestLogOpcode(t *testing.T) {
	ctx := newFakeContext()
	reg := NewRegistry(ctx)

	ip := testInterpreter(t, reg,
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 1, Imm: sbpf.HeapBase},
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 2, Imm: 5},
		sbpf.Instruction{Op: sbpf.OpHostLog},
		sbpf.Instruction{Op: sbpf.OpExit},
	)
	if err := ip.Memory().WriteBytes(sbpf.HeapBase, []byte("hello")); err != nil {
		t.Fatalf("WriteBytes() failed: %v", err)
	}

	if _, err := ip.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if len(ctx.logs) != 1 || ctx.logs[0] != "hello" {
		t.Errorf("logs = %v, want [hello]", ctx.logs)
	}
}

// TestReturnOpcode stores return data and rejects oversized payloads.
func TestReturnOpcode(t *testing.T) {
	ctx := newFakeContext()
	reg := NewRegistry(ctx)

	ip := testInterpreter(t, reg,
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 1, Imm: sbpf.HeapBase},
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 2, Imm: 3},
		sbpf.Instruction{Op: sbpf.OpHostReturn},
		sbpf.Instruction{Op: sbpf.OpExit},
	)
	if err := ip.Memory().WriteBytes(sbpf.HeapBase, []byte{7, 8, 9}); err != nil {
		t.Fatalf("WriteBytes() failed: %v", err)
	}

	if _, err := ip.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !bytes.Equal(ctx.retData, []byte{7, 8, 9}) {
		t.Errorf("return data = %v, want [7 8 9]", ctx.retData)
	}

	// Oversized.
	ip = testInterpreter(t, reg,
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 1, Imm: sbpf.HeapBase},
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 2, Imm: MaxReturnData + 1},
		sbpf.Instruction{Op: sbpf.OpHostReturn},
		sbpf.Instruction{Op: sbpf.OpExit},
	)
	if _, err := ip.Run(); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("Run() = %v, want ErrInvalidLength", err)
	}
}

// TestInvokeUnknownHash faults on an unregistered function hash.
func TestInvokeUnknownHash(t *testing.T) {
	reg := NewRegistry(newFakeContext())

	ip := testInterpreter(t, reg,
		sbpf.Instruction{Op: sbpf.OpHostInvoke, Imm: 0x12345678},
		sbpf.Instruction{Op: sbpf.OpExit},
	)
	if _, err := ip.Run(); !errors.Is(err, ErrUnknownHostFunction) {
		t.Errorf("Run() = %v, want ErrUnknownHostFunction", err)
	}
}

// TestSha256HostFunction hashes guest memory into guest memory.
func TestSha256HostFunction(t *testing.T) {
	ctx := newFakeContext()
	reg := NewRegistry(ctx)

	input := []byte("proof input")
	resultAddr := int64(sbpf.HeapBase + 256)

	ip := testInterpreter(t, reg,
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 1, Imm: sbpf.HeapBase},
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 2, Imm: int64(len(input))},
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 3, Imm: resultAddr},
		sbpf.Instruction{Op: sbpf.OpHostInvoke, Imm: int64(Hash("sol_sha256"))},
		sbpf.Instruction{Op: sbpf.OpExit},
	)
	if err := ip.Memory().WriteBytes(sbpf.HeapBase, input); err != nil {
		t.Fatalf("WriteBytes() failed: %v", err)
	}

	if _, err := ip.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	got, err := ip.Memory().ReadBytes(uint64(resultAddr), 32)
	if err != nil {
		t.Fatalf("ReadBytes() failed: %v", err)
	}
	want := sha256.Sum256(input)
	if !bytes.Equal(got, want[:]) {
		t.Errorf("sha256 = %x, want %x", got, want)
	}

	// The hash cost lands in the sha256 category.
	if ctx.mtr.CategoryCycles(meter.CategorySha256) == 0 {
		t.Error("no cycles booked against the sha256 category")
	}
}

// TestMemcpyHostFunction copies within guest memory.
func TestMemcpyHostFunction(t *testing.T) {
	reg := NewRegistry(newFakeContext())

	src := int64(sbpf.HeapBase)
	dst := int64(sbpf.HeapBase + 128)

	ip := testInterpreter(t, reg,
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 1, Imm: dst},
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 2, Imm: src},
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 3, Imm: 4},
		sbpf.Instruction{Op: sbpf.OpHostInvoke, Imm: int64(Hash("sol_memcpy_"))},
		sbpf.Instruction{Op: sbpf.OpExit},
	)
	if err := ip.Memory().WriteBytes(uint64(src), []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteBytes() failed: %v", err)
	}

	if _, err := ip.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	got, err := ip.Memory().ReadBytes(uint64(dst), 4)
	if err != nil {
		t.Fatalf("ReadBytes() failed: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("copied bytes = %v, want [1 2 3 4]", got)
	}
}

// TestDeriveProgramAddress is deterministic over seeds and program id.
func TestDeriveProgramAddress(t *testing.T) {
	programID := bytes.Repeat([]byte{0xaa}, 32)
	a := DeriveProgramAddress([][]byte{[]byte("seed")}, programID)
	b := DeriveProgramAddress([][]byte{[]byte("seed")}, programID)
	c := DeriveProgramAddress([][]byte{[]byte("other")}, programID)

	if !bytes.Equal(a, b) {
		t.Error("same seeds produced different addresses")
	}
	if bytes.Equal(a, c) {
		t.Error("different seeds produced the same address")
	}
	if len(a) != 32 {
		t.Errorf("address length = %d, want 32", len(a))
	}
}

// TestCPIInvokesRegisteredProgram runs a callee that doubles its input
// length.
func TestCPIInvokesRegisteredProgram(t *testing.T) {
	ctx := newFakeContext()
	reg := NewRegistry(ctx)

	// Callee: r0 = r2 * 2; exit. r2 carries the input length.
	var calleeStream []byte
	for _, i := range []sbpf.Instruction{
		{Op: sbpf.OpMov64Reg, Dst: 0, Src: 2},
		{Op: sbpf.OpMul64Imm, Dst: 0, Imm: 2},
		{Op: sbpf.OpExit},
	} {
		calleeStream = append(calleeStream, sbpf.Encode(i)...)
	}
	callee, err := sbpf.Decode(calleeStream)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}

	var calleeID [32]byte
	calleeID[0] = 7
	reg.RegisterProgram(calleeID, callee)

	idAddr := int64(sbpf.HeapBase)
	inputAddr := int64(sbpf.HeapBase + 64)

	ip := testInterpreter(t, reg,
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 1, Imm: idAddr},
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 2, Imm: inputAddr},
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 3, Imm: 5},
		sbpf.Instruction{Op: sbpf.OpHostInvoke, Imm: int64(Hash("sol_invoke_"))},
		sbpf.Instruction{Op: sbpf.OpExit},
	)
	if err := ip.Memory().WriteBytes(uint64(idAddr), calleeID[:]); err != nil {
		t.Fatalf("WriteBytes() failed: %v", err)
	}
	if err := ip.Memory().WriteBytes(uint64(inputAddr), []byte("12345")); err != nil {
		t.Fatalf("WriteBytes() failed: %v", err)
	}

	code, err := ip.Run()
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if code != 10 {
		t.Errorf("exit code = %d, want 10", code)
	}
}

// TestCPIUnknownProgram faults on an unregistered callee.
func TestCPIUnknownProgram(t *testing.T) {
	reg := NewRegistry(newFakeContext())

	ip := testInterpreter(t, reg,
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 1, Imm: sbpf.HeapBase},
		sbpf.Instruction{Op: sbpf.OpHostInvoke, Imm: int64(Hash("sol_invoke_"))},
		sbpf.Instruction{Op: sbpf.OpExit},
	)
	var unknownID [32]byte
	unknownID[0] = 0xaa
	if err := ip.Memory().WriteBytes(sbpf.HeapBase, unknownID[:]); err != nil {
		t.Fatalf("WriteBytes() failed: %v", err)
	}

	if _, err := ip.Run(); !errors.Is(err, ErrProgramNotFound) {
		t.Errorf("Run() = %v, want ErrProgramNotFound", err)
	}
}

// TestCPINativeProgram routes the all-zeros callee id to the native
// account management program and moves lamports through it.
func TestCPINativeProgram(t *testing.T) {
	from := testAccountKey(1)
	to := testAccountKey(2)
	ctx := txctx.New(map[types.Pubkey]*accounts.Account{
		from: {Lamports: 1000},
		to:   {Lamports: 0},
	}, meter.New(meter.Config{}))
	reg := NewRegistry(ctx)

	params := binary.LittleEndian.AppendUint32(nil, system.InstructionTransfer)
	params = binary.LittleEndian.AppendUint64(params, 250)
	input := system.EncodeInstruction(&system.Instruction{
		Metas: []system.AccountMeta{
			{Pubkey: from, IsSigner: true, IsWritable: true},
			{Pubkey: to, IsWritable: true},
		},
		Data: params,
	})

	idAddr := int64(sbpf.HeapBase)
	inputAddr := int64(sbpf.HeapBase + 64)

	ip := testInterpreter(t, reg,
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 1, Imm: idAddr},
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 2, Imm: inputAddr},
		sbpf.Instruction{Op: sbpf.OpMov64Imm, Dst: 3, Imm: int64(len(input))},
		sbpf.Instruction{Op: sbpf.OpHostInvoke, Imm: int64(Hash("sol_invoke_"))},
		sbpf.Instruction{Op: sbpf.OpExit},
	)
	// The callee id region stays zeroed: the native program address.
	if err := ip.Memory().WriteBytes(uint64(inputAddr), input); err != nil {
		t.Fatalf("WriteBytes() failed: %v", err)
	}

	if _, err := ip.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if acc, _ := ctx.Account(from); acc.Lamports != 750 {
		t.Errorf("from lamports = %d, want 750", acc.Lamports)
	}
	if acc, _ := ctx.Account(to); acc.Lamports != 250 {
		t.Errorf("to lamports = %d, want 250", acc.Lamports)
	}
}

func testAccountKey(b byte) types.Pubkey {
	var pk types.Pubkey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

// TestMurmur3KnownValues pins the name hashing.
func TestMurmur3KnownValues(t *testing.T) {
	if Hash("") != 0 {
		t.Errorf("Hash(\"\") = 0x%08x, want 0", Hash(""))
	}
	if Hash("sol_log_64_") == Hash("sol_sha256") {
		t.Error("distinct names collided")
	}
	// Stable across calls.
	if Hash("sol_invoke_") != Hash("sol_invoke_") {
		t.Error("hash not deterministic")
	}
}
