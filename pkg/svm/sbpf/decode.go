package sbpf

import (
	"encoding/binary"
	"fmt"
)

const (
	// SlotSize is the width of one instruction slot in bytes.
	SlotSize = 8

	// WideSlotSize is the width of an lddw instruction in bytes.
	WideSlotSize = 16

	// MaxRegisterIndex is the highest addressable register, r10.
	MaxRegisterIndex = 10

	// MaxProgramSize bounds the raw byte stream accepted by the decoder.
	MaxProgramSize = 1 << 20
)

// Program is a fully decoded and validated instruction stream. Jump
// targets and the program counter are indices into Instructions; an
// lddw pair decodes to a single entry.
type Program struct {
	Instructions []Instruction
	ByteLen      int
}

// Decode walks the byte stream and validates every instruction. It
// fails on the first truncated slot, unknown opcode, or register index
// above r10, identifying the offending byte offset.
func Decode(stream []byte) (*Program, error) {
	if len(stream) > MaxProgramSize {
		return nil, fmt.Errorf("program too large: %d bytes (max %d)", len(stream), MaxProgramSize)
	}
	prog := &Program{ByteLen: len(stream)}
	for cursor := 0; cursor < len(stream); {
		ins, next, err := DecodeInstruction(stream, cursor)
		if err != nil {
			return nil, err
		}
		prog.Instructions = append(prog.Instructions, ins)
		cursor = next
	}
	return prog, nil
}

// DecodeInstruction decodes the instruction at cursor and returns it
// together with the cursor of the next instruction.
func DecodeInstruction(stream []byte, cursor int) (Instruction, int, error) {
	if cursor+SlotSize > len(stream) {
		return Instruction{}, 0, fmt.Errorf("%w: %d bytes at offset %d", ErrTruncatedProgram, len(stream)-cursor, cursor)
	}
	slot := stream[cursor : cursor+SlotSize]
	ins := Instruction{
		Op:  slot[0],
		Dst: slot[1] & 0x0f,
		Src: slot[1] >> 4,
		Off: int16(binary.LittleEndian.Uint16(slot[2:4])),
		Imm: int64(int32(binary.LittleEndian.Uint32(slot[4:8]))),
	}
	op := opTable[ins.Op]
	if op == nil {
		return Instruction{}, 0, fmt.Errorf("%w: 0x%02x at offset %d", ErrInvalidOpcode, ins.Op, cursor)
	}
	if ins.Dst > MaxRegisterIndex {
		return Instruction{}, 0, fmt.Errorf("%w: dst r%d at offset %d", ErrInvalidRegister, ins.Dst, cursor)
	}
	if ins.Src > MaxRegisterIndex {
		return Instruction{}, 0, fmt.Errorf("%w: src r%d at offset %d", ErrInvalidRegister, ins.Src, cursor)
	}
	if !op.wide {
		return ins, cursor + SlotSize, nil
	}
	if cursor+WideSlotSize > len(stream) {
		return Instruction{}, 0, fmt.Errorf("%w: wide instruction at offset %d", ErrTruncatedProgram, cursor)
	}
	ins.Imm = int64(binary.LittleEndian.Uint64(stream[cursor+SlotSize : cursor+WideSlotSize]))
	return ins, cursor + WideSlotSize, nil
}
