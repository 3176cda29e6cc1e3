// Package syscall implements the host functions reachable from guest
// programs through the extension opcodes. The invoke opcode selects a
// function by the murmur3 hash of its name carried in the immediate;
// arguments are passed in r1-r5 and the result lands in r0.
package syscall

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Provis/pkg/svm/meter"
	"github.com/fortiblox/X1-Provis/pkg/svm/sbpf"
)

// Host function errors.
var (
	ErrUnknownHostFunction = errors.New("unknown host function")
	ErrInvalidLength       = errors.New("invalid length")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrAborted             = errors.New("program aborted")
)

// Unit costs charged on top of the extension opcode itself.
const (
	UnitsLogBase      = uint64(100)
	UnitsLogPerByte   = uint64(1)
	UnitsLog64        = uint64(100)
	UnitsMemOpBase    = uint64(10)
	UnitsMemOpPerByte = uint64(1)
	UnitsHashBase     = uint64(85)
	UnitsHashPerByte  = uint64(1)
	UnitsCreatePDA    = uint64(1500)
	UnitsReturnData   = uint64(100)
)

// Size limits.
const (
	MaxLogMsgLen  = 10000
	MaxReturnData = 1024
	MaxMemOpSize  = 64 * 1024
)

// InvokeContext is what host functions need from the surrounding
// transaction: logging, return data and the shared meter.
type InvokeContext interface {
	Log(message string) error
	SetReturnData(data []byte)
	ReturnData() []byte
	Meter() *meter.Meter
}

// HostFunc is the signature of a registered host function.
type HostFunc func(ip *sbpf.Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Registry maps murmur3 name hashes to host functions and implements
// the engine's Extension interface.
type Registry struct {
	ctx   InvokeContext
	funcs map[uint32]HostFunc

	programs map[[32]byte]*sbpf.Program
	cpiDepth int
}

// NewRegistry builds a registry with the standard host functions.
func NewRegistry(ctx InvokeContext) *Registry {
	r := &Registry{
		ctx:      ctx,
		funcs:    make(map[uint32]HostFunc),
		programs: make(map[[32]byte]*sbpf.Program),
	}
	r.registerLogging()
	r.registerMemory()
	r.registerCrypto()
	r.registerPDA()
	r.registerCPI()
	return r
}

// register adds a host function under the murmur3 hash of its name.
func (r *Registry) register(name string, fn HostFunc) {
	r.funcs[murmur3Hash(name)] = fn
}

// Invoke dispatches an invoke opcode to the host function selected by
// the immediate hash.
func (r *Registry) Invoke(ip *sbpf.Interpreter, hash uint32) (uint64, error) {
	fn, ok := r.funcs[hash]
	if !ok {
		return 0, fmt.Errorf("%w: 0x%08x", ErrUnknownHostFunction, hash)
	}
	regs := ip.Registers()
	r1, _ := regs.Get(1)
	r2, _ := regs.Get(2)
	r3, _ := regs.Get(3)
	r4, _ := regs.Get(4)
	r5, _ := regs.Get(5)
	return fn(ip, r1, r2, r3, r4, r5)
}

// Log handles the log opcode: r1 points at the message, r2 is its
// length.
func (r *Registry) Log(ip *sbpf.Interpreter) (uint64, error) {
	regs := ip.Registers()
	addr, _ := regs.Get(1)
	length, _ := regs.Get(2)
	if length > MaxLogMsgLen {
		length = MaxLogMsgLen
	}
	if err := r.ctx.Meter().Charge(meter.CategoryLog, UnitsLogBase+UnitsLogPerByte*length); err != nil {
		return 0, err
	}
	msg, err := ip.Memory().ReadBytes(addr, length)
	if err != nil {
		return 0, err
	}
	return 0, r.ctx.Log(string(msg))
}

// Return handles the return opcode: r1 points at the data, r2 is its
// length.
func (r *Registry) Return(ip *sbpf.Interpreter) (uint64, error) {
	regs := ip.Registers()
	addr, _ := regs.Get(1)
	length, _ := regs.Get(2)
	if length > MaxReturnData {
		return 0, fmt.Errorf("%w: return data %d bytes (max %d)", ErrInvalidLength, length, MaxReturnData)
	}
	if err := r.ctx.Meter().Charge(meter.CategorySyscall, UnitsReturnData); err != nil {
		return 0, err
	}
	data, err := ip.Memory().ReadBytes(addr, length)
	if err != nil {
		return 0, err
	}
	r.ctx.SetReturnData(data)
	return 0, nil
}

func (r *Registry) registerLogging() {
	// sol_log_64_ logs five integers.
	r.register("sol_log_64_", func(ip *sbpf.Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := r.ctx.Meter().Charge(meter.CategoryLog, UnitsLog64); err != nil {
			return 0, err
		}
		return 0, r.ctx.Log(fmt.Sprintf("0x%x, 0x%x, 0x%x, 0x%x, 0x%x", r1, r2, r3, r4, r5))
	})

	// sol_get_return_data copies the current return data into guest
	// memory at r1, up to r2 bytes, and returns the full length.
	r.register("sol_get_return_data", func(ip *sbpf.Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := r.ctx.Meter().Charge(meter.CategorySyscall, UnitsReturnData); err != nil {
			return 0, err
		}
		data := r.ctx.ReturnData()
		n := uint64(len(data))
		if n > r2 {
			n = r2
		}
		if n > 0 {
			if err := ip.Memory().WriteBytes(r1, data[:n]); err != nil {
				return 0, err
			}
		}
		return uint64(len(data)), nil
	})

	// abort terminates execution with an error.
	r.register("abort", func(ip *sbpf.Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return 0, ErrAborted
	})
}

func (r *Registry) registerMemory() {
	memOp := func(n uint64) (uint64, error) {
		if n > MaxMemOpSize {
			return 0, fmt.Errorf("%w: %d bytes (max %d)", ErrInvalidLength, n, MaxMemOpSize)
		}
		return UnitsMemOpBase + UnitsMemOpPerByte*n, nil
	}

	// sol_memcpy_: dst r1, src r2, len r3.
	r.register("sol_memcpy_", func(ip *sbpf.Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		cost, err := memOp(r3)
		if err != nil {
			return 0, err
		}
		if err := r.ctx.Meter().Charge(meter.CategorySyscall, cost); err != nil {
			return 0, err
		}
		if r3 == 0 {
			return 0, nil
		}
		data, err := ip.Memory().ReadBytes(r2, r3)
		if err != nil {
			return 0, err
		}
		return 0, ip.Memory().WriteBytes(r1, data)
	})

	// sol_memset_: dst r1, value r2, len r3.
	r.register("sol_memset_", func(ip *sbpf.Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		cost, err := memOp(r3)
		if err != nil {
			return 0, err
		}
		if err := r.ctx.Meter().Charge(meter.CategorySyscall, cost); err != nil {
			return 0, err
		}
		if r3 == 0 {
			return 0, nil
		}
		buf := make([]byte, r3)
		for i := range buf {
			buf[i] = uint8(r2)
		}
		return 0, ip.Memory().WriteBytes(r1, buf)
	})

	// sol_memcmp_: a r1, b r2, len r3; writes the i32 result at r4.
	r.register("sol_memcmp_", func(ip *sbpf.Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		cost, err := memOp(r3)
		if err != nil {
			return 0, err
		}
		if err := r.ctx.Meter().Charge(meter.CategorySyscall, cost); err != nil {
			return 0, err
		}
		var result int32
		if r3 > 0 {
			a, err := ip.Memory().ReadBytes(r1, r3)
			if err != nil {
				return 0, err
			}
			b, err := ip.Memory().ReadBytes(r2, r3)
			if err != nil {
				return 0, err
			}
			for i := uint64(0); i < r3; i++ {
				if a[i] != b[i] {
					result = int32(a[i]) - int32(b[i])
					break
				}
			}
		}
		return 0, ip.Memory().Write32(r4, uint32(result))
	})
}

// murmur3Hash computes the 32-bit murmur3 hash of a host function
// name, seed zero.
func murmur3Hash(name string) uint32 {
	const (
		c1 = 0xcc9e2d51
		c2 = 0x1b873593
	)

	data := []byte(name)
	h1 := uint32(0)
	length := len(data)

	nblocks := length / 4
	for i := 0; i < nblocks; i++ {
		k1 := binary.LittleEndian.Uint32(data[i*4:])
		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2

		h1 ^= k1
		h1 = (h1 << 13) | (h1 >> 19)
		h1 = h1*5 + 0xe6546b64
	}

	tail := data[nblocks*4:]
	var k1 uint32
	switch len(tail) {
	case 3:
		k1 ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(tail[0])
		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2
		h1 ^= k1
	}

	h1 ^= uint32(length)
	h1 ^= h1 >> 16
	h1 *= 0x85ebca6b
	h1 ^= h1 >> 13
	h1 *= 0xc2b2ae35
	h1 ^= h1 >> 16

	return h1
}

// Hash exposes the name hashing used for invoke immediates, for
// program builders and tests.
func Hash(name string) uint32 {
	return murmur3Hash(name)
}
