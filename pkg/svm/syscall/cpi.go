package syscall

import (
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Provis/internal/types"
	"github.com/fortiblox/X1-Provis/pkg/svm/meter"
	"github.com/fortiblox/X1-Provis/pkg/svm/programs/system"
	"github.com/fortiblox/X1-Provis/pkg/svm/sbpf"
)

// MaxCPIDepth bounds nested program invocations.
const MaxCPIDepth = 4

// UnitsInvoke is the base unit cost of a nested invocation.
const UnitsInvoke = uint64(1000)

var (
	ErrCPIDepthExceeded = errors.New("max invocation depth exceeded")
	ErrProgramNotFound  = errors.New("program not found")
)

// RegisterProgram makes a decoded program callable through sol_invoke_
// by its 32-byte id.
func (r *Registry) RegisterProgram(id [32]byte, prog *sbpf.Program) {
	r.programs[id] = prog
}

// registerCPI registers cross-program invocation. The guest passes
// the callee id pointer in r1, the input pointer in r2 and the input
// length in r3. The callee runs in a fresh memory image against the
// shared meter; its exit code becomes the caller's r0.
func (r *Registry) registerCPI() {
	r.register("sol_invoke_", func(ip *sbpf.Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if r.cpiDepth >= MaxCPIDepth {
			return 0, fmt.Errorf("%w: depth %d", ErrCPIDepthExceeded, r.cpiDepth)
		}
		if err := r.ctx.Meter().Charge(meter.CategoryCPI, UnitsInvoke); err != nil {
			return 0, err
		}

		idBytes, err := ip.Memory().ReadBytes(r1, 32)
		if err != nil {
			return 0, err
		}
		var id [32]byte
		copy(id[:], idBytes)

		input, err := ip.Memory().ReadBytes(r2, r3)
		if err != nil {
			return 0, err
		}

		// The all-zeros id addresses the native account management
		// program, which runs host-side against transaction state.
		if types.Pubkey(id) == system.ProgramID {
			state, ok := r.ctx.(system.InvokeContext)
			if !ok {
				return 0, fmt.Errorf("%w: %x", ErrProgramNotFound, id)
			}
			r.cpiDepth++
			err := system.NewProcessor().Process(state, input)
			r.cpiDepth--
			if err != nil {
				return 0, fmt.Errorf("native program failed: %w", err)
			}
			return 0, nil
		}

		prog, ok := r.programs[id]
		if !ok {
			return 0, fmt.Errorf("%w: %x", ErrProgramNotFound, id)
		}

		callee := sbpf.NewInterpreter(prog, sbpf.Opts{
			Meter:     r.ctx.Meter(),
			Extension: r,
		})
		if len(input) > 0 {
			if err := callee.Memory().WriteBytes(sbpf.DataBase, input); err != nil {
				return 0, err
			}
		}
		if err := callee.Registers().Set(2, uint64(len(input))); err != nil {
			return 0, err
		}

		r.cpiDepth++
		code, err := callee.Run()
		r.cpiDepth--
		if err != nil {
			return 0, fmt.Errorf("invoked program failed: %w", err)
		}
		return code, nil
	})
}
