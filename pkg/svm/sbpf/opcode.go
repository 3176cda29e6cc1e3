package sbpf

// BPF opcodes. Encoding follows the classic eBPF layout: class in the low
// three bits, source flag 0x08, operation in the high four bits. Only the
// 64-bit ALU class is supported; there is no 32-bit ALU class.
const (
	// 64-bit ALU, immediate operand.
	OpAdd64Imm  = 0x07
	OpSub64Imm  = 0x17
	OpMul64Imm  = 0x27
	OpDiv64Imm  = 0x37
	OpOr64Imm   = 0x47
	OpAnd64Imm  = 0x57
	OpLsh64Imm  = 0x67
	OpRsh64Imm  = 0x77
	OpNeg64     = 0x87
	OpMod64Imm  = 0x97
	OpXor64Imm  = 0xa7
	OpMov64Imm  = 0xb7
	OpArsh64Imm = 0xc7

	// 64-bit ALU, register operand.
	OpAdd64Reg  = 0x0f
	OpSub64Reg  = 0x1f
	OpMul64Reg  = 0x2f
	OpDiv64Reg  = 0x3f
	OpOr64Reg   = 0x4f
	OpAnd64Reg  = 0x5f
	OpLsh64Reg  = 0x6f
	OpRsh64Reg  = 0x7f
	OpMod64Reg  = 0x9f
	OpXor64Reg  = 0xaf
	OpMov64Reg  = 0xbf
	OpArsh64Reg = 0xcf

	// Wide load of a 64-bit immediate. Occupies two 8-byte slots.
	OpLddw = 0x18

	// Absolute loads: address taken from the immediate.
	OpLdAbsW  = 0x20
	OpLdAbsH  = 0x28
	OpLdAbsB  = 0x30
	OpLdAbsDW = 0x38

	// Register-relative loads: address is src plus offset.
	OpLdxW  = 0x61
	OpLdxH  = 0x69
	OpLdxB  = 0x71
	OpLdxDW = 0x79

	// Stores of an immediate: address is dst plus offset.
	OpStW  = 0x62
	OpStH  = 0x6a
	OpStB  = 0x72
	OpStDW = 0x7a

	// Stores of a register: address is dst plus offset.
	OpStxW  = 0x63
	OpStxH  = 0x6b
	OpStxB  = 0x73
	OpStxDW = 0x7b

	// Jumps. Conditional jumps compare dst against the immediate or src.
	OpJa      = 0x05
	OpJeqImm  = 0x15
	OpJeqReg  = 0x1d
	OpJgtImm  = 0x25
	OpJgtReg  = 0x2d
	OpJgeImm  = 0x35
	OpJgeReg  = 0x3d
	OpJltImm  = 0xa5
	OpJltReg  = 0xad
	OpJleImm  = 0xb5
	OpJleReg  = 0xbd
	OpJneImm  = 0x55
	OpJneReg  = 0x5d
	OpJsgtImm = 0x65
	OpJsgtReg = 0x6d
	OpJsgeImm = 0x75
	OpJsgeReg = 0x7d
	OpJsltImm = 0xc5
	OpJsltReg = 0xcd
	OpJsleImm = 0xd5
	OpJsleReg = 0xdd

	OpCall = 0x85
	OpExit = 0x95

	// Host extension opcodes.
	OpHostInvoke = 0xe0
	OpHostLog    = 0xe1
	OpHostReturn = 0xe2
)

// Instruction is one decoded BPF instruction. For lddw the full 64-bit
// immediate is carried in Imm; for every other opcode Imm holds the
// sign-extended 32-bit immediate.
type Instruction struct {
	Op  uint8
	Dst uint8
	Src uint8
	Off int16
	Imm int64
}

// Encode serializes the instruction into its 8-byte slot form, or two
// slots for lddw. Used by tests and program builders.
func Encode(ins Instruction) []byte {
	buf := make([]byte, SlotSize)
	buf[0] = ins.Op
	buf[1] = ins.Src<<4 | ins.Dst&0x0f
	buf[2] = byte(ins.Off)
	buf[3] = byte(ins.Off >> 8)
	if ins.Op == OpLddw {
		// The first slot carries no immediate; the second slot holds
		// the full 64-bit value little-endian.
		ext := make([]byte, SlotSize)
		for i := 0; i < 8; i++ {
			ext[i] = byte(uint64(ins.Imm) >> (8 * i))
		}
		return append(buf, ext...)
	}
	buf[4] = byte(ins.Imm)
	buf[5] = byte(ins.Imm >> 8)
	buf[6] = byte(ins.Imm >> 16)
	buf[7] = byte(ins.Imm >> 24)
	return buf
}
