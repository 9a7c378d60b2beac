package syscall

import (
	"crypto/sha256"
	"hash"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/x1-invoke/pkg/svm"
)

// HashResultLen is the digest size of every hashing syscall.
const HashResultLen = 32

func hashSyscalls() []*Definition {
	return []*Definition{
		hashSyscall("sol_sha256", svm.CUSha256Base, svm.CUSha256PerByte, sha256.New),
		hashSyscall("sol_keccak256", svm.CUKeccak256Base, svm.CUKeccak256PerByte, sha3.NewLegacyKeccak256),
		hashSyscall("sol_blake3", svm.CUBlake3Base, svm.CUBlake3PerByte, func() hash.Hash { return blake3.New() }),
	}
}

// hashSyscall builds name(slices, n, result). The slice array is read by
// the effect, so the per-byte part of the cost is charged there.
func hashSyscall(name string, base, rate uint64, newHash func() hash.Hash) *Definition {
	return &Definition{
		Name:      name,
		FixedCost: base,
		Signature: Signature{
			nullable(indirect("slices")),
			length("n", MaxHashSlices),
			fixed("result", svm.AccessWrite, HashResultLen, 1),
		},
		Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
			slices, err := ctx.Memory().ReadSlices(args[0], args[1], MaxMemOpSize)
			if err != nil {
				return 0, err
			}
			var total uint64
			for _, s := range slices {
				total += uint64(len(s))
			}
			if err := ctx.ConsumeCU(svm.SaturatingMul(total, rate)); err != nil {
				return 0, err
			}
			h := newHash()
			for _, s := range slices {
				h.Write(s)
			}
			copy(ops[2], h.Sum(nil))
			return 0, nil
		},
	}
}

// Sha256 hashes the concatenation of data.
func Sha256(data ...[]byte) [HashResultLen]byte {
	return sum(sha256.New(), data)
}

// Keccak256 hashes the concatenation of data with legacy Keccak-256.
func Keccak256(data ...[]byte) [HashResultLen]byte {
	return sum(sha3.NewLegacyKeccak256(), data)
}

// Blake3 hashes the concatenation of data.
func Blake3(data ...[]byte) [HashResultLen]byte {
	return sum(blake3.New(), data)
}

func sum(h hash.Hash, data [][]byte) [HashResultLen]byte {
	for _, d := range data {
		h.Write(d)
	}
	var out [HashResultLen]byte
	copy(out[:], h.Sum(nil))
	return out
}
