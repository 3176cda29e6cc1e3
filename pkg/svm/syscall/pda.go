package syscall

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Provis/pkg/svm/meter"
	"github.com/fortiblox/X1-Provis/pkg/svm/sbpf"
)

// Derivation limits.
const (
	MaxSeeds   = 16
	MaxSeedLen = 32
)

var derivedAddressMarker = []byte("ProgramDerivedAddress")

var (
	ErrMaxSeedsExceeded      = errors.New("max seeds exceeded")
	ErrMaxSeedLengthExceeded = errors.New("max seed length exceeded")
)

// registerPDA registers address derivation. The guest passes an array
// of (ptr, len) pairs in r1, the seed count in r2, the program id
// pointer in r3 and the 32-byte result pointer in r4.
func (r *Registry) registerPDA() {
	r.register("sol_create_program_address", func(ip *sbpf.Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := r.ctx.Meter().Charge(meter.CategoryPDADerivation, UnitsCreatePDA); err != nil {
			return 0, err
		}
		if r2 > MaxSeeds {
			return 0, fmt.Errorf("%w: %d seeds", ErrMaxSeedsExceeded, r2)
		}

		seeds := make([][]byte, r2)
		for i := uint64(0); i < r2; i++ {
			ptr, err := ip.Memory().Read64(r1 + i*16)
			if err != nil {
				return 0, err
			}
			length, err := ip.Memory().Read64(r1 + i*16 + 8)
			if err != nil {
				return 0, err
			}
			if length > MaxSeedLen {
				return 0, fmt.Errorf("%w: seed %d is %d bytes", ErrMaxSeedLengthExceeded, i, length)
			}
			seed, err := ip.Memory().ReadBytes(ptr, length)
			if err != nil {
				return 0, err
			}
			seeds[i] = seed
		}

		programID, err := ip.Memory().ReadBytes(r3, 32)
		if err != nil {
			return 0, err
		}

		addr := DeriveProgramAddress(seeds, programID)
		return 0, ip.Memory().WriteBytes(r4, addr)
	})
}

// DeriveProgramAddress hashes the seeds, program id and the derivation
// marker into a 32-byte address.
func DeriveProgramAddress(seeds [][]byte, programID []byte) []byte {
	h := sha256.New()
	for _, seed := range seeds {
		h.Write(seed)
	}
	h.Write(programID)
	h.Write(derivedAddressMarker)
	return h.Sum(nil)
}
