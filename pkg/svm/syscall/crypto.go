package syscall

import (
	"crypto/sha256"
	"hash"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/X1-Provis/pkg/svm/meter"
	"github.com/fortiblox/X1-Provis/pkg/svm/sbpf"
)

// registerCrypto registers the hashing host functions. Each takes an
// input pointer in r1, input length in r2 and a 32-byte result pointer
// in r3.
func (r *Registry) registerCrypto() {
	r.register("sol_sha256", r.hashFunc(meter.CategorySha256, sha256.New))
	r.register("sol_keccak256", r.hashFunc(meter.CategoryKeccak, sha3.NewLegacyKeccak256))
	r.register("sol_blake3", r.hashFunc(meter.CategorySha256, func() hash.Hash { return blake3.New() }))
}

func (r *Registry) hashFunc(cat meter.Category, newHash func() hash.Hash) HostFunc {
	return func(ip *sbpf.Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if r2 > MaxMemOpSize {
			return 0, ErrInvalidLength
		}
		if err := r.ctx.Meter().Charge(cat, UnitsHashBase+UnitsHashPerByte*r2); err != nil {
			return 0, err
		}
		data, err := ip.Memory().ReadBytes(r1, r2)
		if err != nil {
			return 0, err
		}
		h := newHash()
		h.Write(data)
		return 0, ip.Memory().WriteBytes(r3, h.Sum(nil))
	}
}
