// Package sbpf implements a deterministic BPF bytecode interpreter:
// flat bounds-checked memory, an 11-register file, a validating
// decoder and a metered execution engine. Identical program, input and
// budget always produce the identical trace.
package sbpf

import (
	"fmt"

	"github.com/fortiblox/X1-Provis/pkg/svm/meter"
)

// State describes where the engine is in its lifecycle.
type State int

const (
	Running State = iota
	HaltedSuccess
	HaltedFailure
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case HaltedSuccess:
		return "halted"
	default:
		return "faulted"
	}
}

const (
	// DefaultMaxSteps caps the number of executed instructions so a
	// runaway loop cannot stall proof generation.
	DefaultMaxSteps = 1_000_000

	// DefaultMaxCallDepth bounds the guest call stack.
	DefaultMaxCallDepth = 64
)

// Extension is the host side of the extension opcodes. r1-r5 carry the
// arguments and the returned value lands in r0. The invoke opcode
// selects a host function by the hash in its immediate.
type Extension interface {
	Invoke(ip *Interpreter, hash uint32) (uint64, error)
	Log(ip *Interpreter) (uint64, error)
	Return(ip *Interpreter) (uint64, error)
}

// Opts configures a new interpreter. Zero values fall back to the
// package defaults.
type Opts struct {
	// Meter is shared with the caller when executing inside a
	// transaction; if nil a fresh meter with default budgets is used.
	Meter *meter.Meter

	MemoryCapacity uint64
	MaxSteps       uint64
	MaxCallDepth   int

	Extension Extension
}

// Interpreter executes one decoded program to completion.
type Interpreter struct {
	prog *Program
	regs RegisterFile
	mem  *MemoryImage
	mtr  *meter.Meter

	callStack    []int64
	maxCallDepth int

	steps    uint64
	maxSteps uint64

	ext Extension

	state    State
	exitCode uint64
	haltErr  error

	// branched suppresses the default counter increment for the
	// current step.
	branched bool
}

// NewInterpreter prepares an engine over prog. r10 points at the top
// of the stack region and r1 at the base of the data region; all other
// registers start at zero.
func NewInterpreter(prog *Program, opts Opts) *Interpreter {
	if opts.Meter == nil {
		opts.Meter = meter.New(meter.Config{})
	}
	if opts.MemoryCapacity == 0 {
		opts.MemoryCapacity = DefaultMemoryCapacity
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.MaxCallDepth == 0 {
		opts.MaxCallDepth = DefaultMaxCallDepth
	}
	ip := &Interpreter{
		prog:         prog,
		mem:          NewMemoryImage(opts.MemoryCapacity),
		mtr:          opts.Meter,
		maxCallDepth: opts.MaxCallDepth,
		maxSteps:     opts.MaxSteps,
		ext:          opts.Extension,
		state:        Running,
	}
	ip.regs.r[10] = StackBase + StackSize
	ip.regs.r[1] = DataBase
	return ip
}

// Registers exposes the register file.
func (ip *Interpreter) Registers() *RegisterFile { return &ip.regs }

// Memory exposes the memory image.
func (ip *Interpreter) Memory() *MemoryImage { return ip.mem }

// Meter exposes the compute meter.
func (ip *Interpreter) Meter() *meter.Meter { return ip.mtr }

// State returns the current engine state.
func (ip *Interpreter) State() State { return ip.state }

// ExitCode returns r0 as captured by the terminating exit.
func (ip *Interpreter) ExitCode() uint64 { return ip.exitCode }

// Steps returns the number of instructions executed so far.
func (ip *Interpreter) Steps() uint64 { return ip.steps }

// CallDepth returns the current guest call stack depth.
func (ip *Interpreter) CallDepth() int { return len(ip.callStack) }

// Err returns the halt error after a failure, nil otherwise.
func (ip *Interpreter) Err() error { return ip.haltErr }

func (ip *Interpreter) halt(err error) error {
	ip.state = HaltedFailure
	ip.haltErr = err
	return err
}

// Step executes exactly one instruction. The cost of the instruction
// is charged before any state changes; a denied charge faults the
// engine with the meter untouched.
func (ip *Interpreter) Step() error {
	if ip.state != Running {
		return ip.haltErr
	}
	pc := ip.regs.pc
	if pc < 0 || pc >= int64(len(ip.prog.Instructions)) {
		return ip.halt(fmt.Errorf("%w: pc %d with %d instructions", ErrPCOutOfBounds, pc, len(ip.prog.Instructions)))
	}
	if ip.steps >= ip.maxSteps {
		return ip.halt(fmt.Errorf("%w: %d steps", ErrExecutionLimit, ip.steps))
	}
	ins := ip.prog.Instructions[pc]
	op := opTable[ins.Op]
	if op == nil {
		return ip.halt(fmt.Errorf("%w: 0x%02x at pc %d", ErrInvalidOpcode, ins.Op, pc))
	}
	if err := ip.mtr.Charge(op.category, op.units); err != nil {
		return ip.halt(err)
	}
	ip.branched = false
	if err := op.exec(ip, ins); err != nil {
		return ip.halt(err)
	}
	ip.steps++
	if ip.state == Running && !ip.branched {
		ip.regs.pc++
	}
	return nil
}

// Run steps the program until it halts and returns the exit code.
func (ip *Interpreter) Run() (uint64, error) {
	for ip.state == Running {
		if err := ip.Step(); err != nil {
			return 0, err
		}
	}
	return ip.exitCode, nil
}

// jump moves the counter relative to the current instruction and
// suppresses the default increment.
func (ip *Interpreter) jump(off int16) {
	ip.regs.pc += int64(off)
	ip.branched = true
}

type opFunc func(ip *Interpreter, ins Instruction) error

type operation struct {
	name     string
	category meter.Category
	units    uint64
	wide     bool
	exec     opFunc
}

var opTable [256]*operation

func aluImm(name string, units uint64, f func(dst, imm uint64) uint64) *operation {
	return &operation{name: name, category: meter.CategoryInstruction, units: units,
		exec: func(ip *Interpreter, ins Instruction) error {
			ip.regs.r[ins.Dst] = f(ip.regs.r[ins.Dst], uint64(ins.Imm))
			return nil
		}}
}

func aluReg(name string, units uint64, f func(dst, src uint64) uint64) *operation {
	return &operation{name: name, category: meter.CategoryInstruction, units: units,
		exec: func(ip *Interpreter, ins Instruction) error {
			ip.regs.r[ins.Dst] = f(ip.regs.r[ins.Dst], ip.regs.r[ins.Src])
			return nil
		}}
}

// divImm and friends leave dst untouched when the divisor is zero.
func divImm(name string, f func(dst, by uint64) uint64) *operation {
	return &operation{name: name, category: meter.CategoryInstruction, units: 4,
		exec: func(ip *Interpreter, ins Instruction) error {
			if ins.Imm == 0 {
				return fmt.Errorf("%w: %s at pc %d", ErrDivisionByZero, name, ip.regs.pc)
			}
			ip.regs.r[ins.Dst] = f(ip.regs.r[ins.Dst], uint64(ins.Imm))
			return nil
		}}
}

func divReg(name string, f func(dst, by uint64) uint64) *operation {
	return &operation{name: name, category: meter.CategoryInstruction, units: 4,
		exec: func(ip *Interpreter, ins Instruction) error {
			by := ip.regs.r[ins.Src]
			if by == 0 {
				return fmt.Errorf("%w: %s at pc %d", ErrDivisionByZero, name, ip.regs.pc)
			}
			ip.regs.r[ins.Dst] = f(ip.regs.r[ins.Dst], by)
			return nil
		}}
}

func jumpImm(name string, cond func(dst, imm uint64) bool) *operation {
	return &operation{name: name, category: meter.CategoryJump, units: 1,
		exec: func(ip *Interpreter, ins Instruction) error {
			if cond(ip.regs.r[ins.Dst], uint64(ins.Imm)) {
				ip.jump(ins.Off)
			}
			return nil
		}}
}

func jumpReg(name string, cond func(dst, src uint64) bool) *operation {
	return &operation{name: name, category: meter.CategoryJump, units: 1,
		exec: func(ip *Interpreter, ins Instruction) error {
			if cond(ip.regs.r[ins.Dst], ip.regs.r[ins.Src]) {
				ip.jump(ins.Off)
			}
			return nil
		}}
}

func loadAbs(name string, units uint64, read func(m *MemoryImage, addr uint64) (uint64, error)) *operation {
	return &operation{name: name, category: meter.CategoryMemoryLoad, units: units,
		exec: func(ip *Interpreter, ins Instruction) error {
			v, err := read(ip.mem, uint64(uint32(ins.Imm)))
			if err != nil {
				return err
			}
			ip.regs.r[ins.Dst] = v
			return nil
		}}
}

func loadReg(name string, read func(m *MemoryImage, addr uint64) (uint64, error)) *operation {
	return &operation{name: name, category: meter.CategoryMemoryLoad, units: 3,
		exec: func(ip *Interpreter, ins Instruction) error {
			addr := ip.regs.r[ins.Src] + uint64(int64(ins.Off))
			v, err := read(ip.mem, addr)
			if err != nil {
				return err
			}
			ip.regs.r[ins.Dst] = v
			return nil
		}}
}

func storeImm(name string, write func(m *MemoryImage, addr, v uint64) error) *operation {
	return &operation{name: name, category: meter.CategoryMemoryStore, units: 2,
		exec: func(ip *Interpreter, ins Instruction) error {
			addr := ip.regs.r[ins.Dst] + uint64(int64(ins.Off))
			return write(ip.mem, addr, uint64(ins.Imm))
		}}
}

func storeReg(name string, write func(m *MemoryImage, addr, v uint64) error) *operation {
	return &operation{name: name, category: meter.CategoryMemoryStore, units: 2,
		exec: func(ip *Interpreter, ins Instruction) error {
			addr := ip.regs.r[ins.Dst] + uint64(int64(ins.Off))
			return write(ip.mem, addr, ip.regs.r[ins.Src])
		}}
}

func read8(m *MemoryImage, addr uint64) (uint64, error) {
	v, err := m.Read8(addr)
	return uint64(v), err
}

func read16(m *MemoryImage, addr uint64) (uint64, error) {
	v, err := m.Read16(addr)
	return uint64(v), err
}

func read32(m *MemoryImage, addr uint64) (uint64, error) {
	v, err := m.Read32(addr)
	return uint64(v), err
}

func read64(m *MemoryImage, addr uint64) (uint64, error) {
	return m.Read64(addr)
}

func write8(m *MemoryImage, addr, v uint64) error  { return m.Write8(addr, uint8(v)) }
func write16(m *MemoryImage, addr, v uint64) error { return m.Write16(addr, uint16(v)) }
func write32(m *MemoryImage, addr, v uint64) error { return m.Write32(addr, uint32(v)) }
func write64(m *MemoryImage, addr, v uint64) error { return m.Write64(addr, v) }

func execCall(ip *Interpreter, ins Instruction) error {
	if len(ip.callStack) >= ip.maxCallDepth {
		return fmt.Errorf("%w: depth %d", ErrStackOverflow, len(ip.callStack))
	}
	ip.callStack = append(ip.callStack, ip.regs.pc+1)
	ip.regs.pc = ins.Imm
	ip.branched = true
	return nil
}

func execExit(ip *Interpreter, _ Instruction) error {
	if n := len(ip.callStack); n > 0 {
		ip.regs.pc = ip.callStack[n-1]
		ip.callStack = ip.callStack[:n-1]
		ip.branched = true
		return nil
	}
	ip.state = HaltedSuccess
	ip.exitCode = ip.regs.r[0]
	return nil
}

func hostOp(name string, category meter.Category, units uint64, call func(ext Extension, ip *Interpreter, ins Instruction) (uint64, error)) *operation {
	return &operation{name: name, category: category, units: units,
		exec: func(ip *Interpreter, ins Instruction) error {
			if ip.ext == nil {
				ip.regs.r[0] = 0
				return nil
			}
			v, err := call(ip.ext, ip, ins)
			if err != nil {
				return err
			}
			ip.regs.r[0] = v
			return nil
		}}
}

func init() {
	t := &opTable

	t[OpAdd64Imm] = aluImm("add64", 1, func(d, i uint64) uint64 { return d + i })
	t[OpAdd64Reg] = aluReg("add64", 1, func(d, s uint64) uint64 { return d + s })
	t[OpSub64Imm] = aluImm("sub64", 1, func(d, i uint64) uint64 { return d - i })
	t[OpSub64Reg] = aluReg("sub64", 1, func(d, s uint64) uint64 { return d - s })
	t[OpMul64Imm] = aluImm("mul64", 2, func(d, i uint64) uint64 { return d * i })
	t[OpMul64Reg] = aluReg("mul64", 2, func(d, s uint64) uint64 { return d * s })
	t[OpDiv64Imm] = divImm("div64", func(d, by uint64) uint64 { return d / by })
	t[OpDiv64Reg] = divReg("div64", func(d, by uint64) uint64 { return d / by })
	t[OpMod64Imm] = divImm("mod64", func(d, by uint64) uint64 { return d % by })
	t[OpMod64Reg] = divReg("mod64", func(d, by uint64) uint64 { return d % by })
	t[OpOr64Imm] = aluImm("or64", 1, func(d, i uint64) uint64 { return d | i })
	t[OpOr64Reg] = aluReg("or64", 1, func(d, s uint64) uint64 { return d | s })
	t[OpAnd64Imm] = aluImm("and64", 1, func(d, i uint64) uint64 { return d & i })
	t[OpAnd64Reg] = aluReg("and64", 1, func(d, s uint64) uint64 { return d & s })
	t[OpLsh64Imm] = aluImm("lsh64", 1, func(d, i uint64) uint64 { return d << (i & 63) })
	t[OpLsh64Reg] = aluReg("lsh64", 1, func(d, s uint64) uint64 { return d << (s & 63) })
	t[OpRsh64Imm] = aluImm("rsh64", 1, func(d, i uint64) uint64 { return d >> (i & 63) })
	t[OpRsh64Reg] = aluReg("rsh64", 1, func(d, s uint64) uint64 { return d >> (s & 63) })
	t[OpArsh64Imm] = aluImm("arsh64", 1, func(d, i uint64) uint64 { return uint64(int64(d) >> (i & 63)) })
	t[OpArsh64Reg] = aluReg("arsh64", 1, func(d, s uint64) uint64 { return uint64(int64(d) >> (s & 63)) })
	t[OpXor64Imm] = aluImm("xor64", 1, func(d, i uint64) uint64 { return d ^ i })
	t[OpXor64Reg] = aluReg("xor64", 1, func(d, s uint64) uint64 { return d ^ s })
	t[OpMov64Imm] = aluImm("mov64", 1, func(_, i uint64) uint64 { return i })
	t[OpMov64Reg] = aluReg("mov64", 1, func(_, s uint64) uint64 { return s })
	t[OpNeg64] = aluImm("neg64", 1, func(d, _ uint64) uint64 { return uint64(-int64(d)) })

	t[OpLddw] = &operation{name: "lddw", category: meter.CategoryInstruction, units: 2, wide: true,
		exec: func(ip *Interpreter, ins Instruction) error {
			ip.regs.r[ins.Dst] = uint64(ins.Imm)
			return nil
		}}

	t[OpLdAbsB] = loadAbs("ldabsb", 2, read8)
	t[OpLdAbsH] = loadAbs("ldabsh", 2, read16)
	t[OpLdAbsW] = loadAbs("ldabsw", 2, read32)
	t[OpLdAbsDW] = loadAbs("ldabsdw", 2, read64)
	t[OpLdxB] = loadReg("ldxb", read8)
	t[OpLdxH] = loadReg("ldxh", read16)
	t[OpLdxW] = loadReg("ldxw", read32)
	t[OpLdxDW] = loadReg("ldxdw", read64)

	t[OpStB] = storeImm("stb", write8)
	t[OpStH] = storeImm("sth", write16)
	t[OpStW] = storeImm("stw", write32)
	t[OpStDW] = storeImm("stdw", write64)
	t[OpStxB] = storeReg("stxb", write8)
	t[OpStxH] = storeReg("stxh", write16)
	t[OpStxW] = storeReg("stxw", write32)
	t[OpStxDW] = storeReg("stxdw", write64)

	t[OpJa] = &operation{name: "ja", category: meter.CategoryJump, units: 1,
		exec: func(ip *Interpreter, ins Instruction) error {
			ip.jump(ins.Off)
			return nil
		}}
	t[OpJeqImm] = jumpImm("jeq", func(d, i uint64) bool { return d == i })
	t[OpJeqReg] = jumpReg("jeq", func(d, s uint64) bool { return d == s })
	t[OpJneImm] = jumpImm("jne", func(d, i uint64) bool { return d != i })
	t[OpJneReg] = jumpReg("jne", func(d, s uint64) bool { return d != s })
	t[OpJgtImm] = jumpImm("jgt", func(d, i uint64) bool { return d > i })
	t[OpJgtReg] = jumpReg("jgt", func(d, s uint64) bool { return d > s })
	t[OpJgeImm] = jumpImm("jge", func(d, i uint64) bool { return d >= i })
	t[OpJgeReg] = jumpReg("jge", func(d, s uint64) bool { return d >= s })
	t[OpJltImm] = jumpImm("jlt", func(d, i uint64) bool { return d < i })
	t[OpJltReg] = jumpReg("jlt", func(d, s uint64) bool { return d < s })
	t[OpJleImm] = jumpImm("jle", func(d, i uint64) bool { return d <= i })
	t[OpJleReg] = jumpReg("jle", func(d, s uint64) bool { return d <= s })
	t[OpJsgtImm] = jumpImm("jsgt", func(d, i uint64) bool { return int64(d) > int64(i) })
	t[OpJsgtReg] = jumpReg("jsgt", func(d, s uint64) bool { return int64(d) > int64(s) })
	t[OpJsgeImm] = jumpImm("jsge", func(d, i uint64) bool { return int64(d) >= int64(i) })
	t[OpJsgeReg] = jumpReg("jsge", func(d, s uint64) bool { return int64(d) >= int64(s) })
	t[OpJsltImm] = jumpImm("jslt", func(d, i uint64) bool { return int64(d) < int64(i) })
	t[OpJsltReg] = jumpReg("jslt", func(d, s uint64) bool { return int64(d) < int64(s) })
	t[OpJsleImm] = jumpImm("jsle", func(d, i uint64) bool { return int64(d) <= int64(i) })
	t[OpJsleReg] = jumpReg("jsle", func(d, s uint64) bool { return int64(d) <= int64(s) })

	t[OpCall] = &operation{name: "call", category: meter.CategoryCall, units: 5, exec: execCall}
	t[OpExit] = &operation{name: "exit", category: meter.CategoryReturn, units: 1, exec: execExit}

	t[OpHostInvoke] = hostOp("host_invoke", meter.CategoryProgramInvoke, 10,
		func(ext Extension, ip *Interpreter, ins Instruction) (uint64, error) {
			return ext.Invoke(ip, uint32(ins.Imm))
		})
	t[OpHostLog] = hostOp("host_log", meter.CategoryLog, 2,
		func(ext Extension, ip *Interpreter, _ Instruction) (uint64, error) {
			return ext.Log(ip)
		})
	t[OpHostReturn] = hostOp("host_return", meter.CategoryReturn, 1,
		func(ext Extension, ip *Interpreter, _ Instruction) (uint64, error) {
			return ext.Return(ip)
		})
}
