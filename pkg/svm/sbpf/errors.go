package sbpf

import "errors"

var (
	// ErrTruncatedProgram is returned by the decoder when the byte stream
	// ends in the middle of an instruction slot.
	ErrTruncatedProgram = errors.New("truncated program")

	// ErrInvalidOpcode is returned when an opcode is not in the supported set.
	ErrInvalidOpcode = errors.New("invalid opcode")

	// ErrInvalidRegister is returned when a register index is above r10.
	ErrInvalidRegister = errors.New("invalid register")

	// ErrMemoryOutOfBounds is returned when an access does not fit inside
	// the memory image.
	ErrMemoryOutOfBounds = errors.New("memory access out of bounds")

	// ErrDivisionByZero is returned for div and mod with a zero divisor.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrStackOverflow is returned when a call would exceed the maximum
	// call depth.
	ErrStackOverflow = errors.New("call stack overflow")

	// ErrPCOutOfBounds is returned when control transfers outside the
	// decoded program.
	ErrPCOutOfBounds = errors.New("program counter out of bounds")

	// ErrExecutionLimit is returned when the step ceiling is reached
	// before the program exits.
	ErrExecutionLimit = errors.New("execution step limit reached")
)
