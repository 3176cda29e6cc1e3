package sbpf

import "fmt"

// NumRegisters is the size of the register file: r0 through r10.
const NumRegisters = 11

// RegisterFile holds the general purpose registers and the program
// counter. The counter indexes decoded instructions, not bytes.
// Register conventions: r0 return value, r1-r5 arguments, r6-r9
// callee-saved, r10 frame pointer.
type RegisterFile struct {
	r  [NumRegisters]uint64
	pc int64
}

// Get returns the value of register id.
func (rf *RegisterFile) Get(id uint8) (uint64, error) {
	if id >= NumRegisters {
		return 0, fmt.Errorf("%w: r%d", ErrInvalidRegister, id)
	}
	return rf.r[id], nil
}

// Set stores v into register id.
func (rf *RegisterFile) Set(id uint8, v uint64) error {
	if id >= NumRegisters {
		return fmt.Errorf("%w: r%d", ErrInvalidRegister, id)
	}
	rf.r[id] = v
	return nil
}

// PC returns the current program counter.
func (rf *RegisterFile) PC() int64 {
	return rf.pc
}

// SetPC moves the program counter.
func (rf *RegisterFile) SetPC(pc int64) {
	rf.pc = pc
}

// Reset zeroes every register and the program counter.
func (rf *RegisterFile) Reset() {
	rf.r = [NumRegisters]uint64{}
	rf.pc = 0
}

// Values returns a copy of the register array, r0 first.
func (rf *RegisterFile) Values() [NumRegisters]uint64 {
	return rf.r
}
