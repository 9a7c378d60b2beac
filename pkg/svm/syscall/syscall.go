// Package syscall defines the syscalls callable from programs running under
// an invoke context.
//
// A syscall is described by a Definition: a fixed cost, an optional
// size-dependent cost, a Signature that declares the shape of its register
// arguments, and an Effect. Each syscall is identified by the murmur3 hash
// of its name. The invoke context validates arguments, translates declared
// memory operands, charges the cost and only then runs the effect, so an
// effect never sees unvalidated input.
package syscall

import (
	"errors"
	"fmt"

	"github.com/fortiblox/x1-invoke/internal/types"
	"github.com/fortiblox/x1-invoke/pkg/svm"
	"github.com/fortiblox/x1-invoke/pkg/svm/memory"
)

// Syscall errors.
var (
	ErrUnknownSyscall   = errors.New("unknown syscall")
	ErrDuplicateSyscall = errors.New("duplicate syscall")
	ErrAborted          = errors.New("program aborted")
	ErrPanicked         = errors.New("program panicked")
	ErrReturnDataTooBig = errors.New("return data too large")

	// ErrCalleeFailed marks an invocation whose callee ran and failed.
	ErrCalleeFailed = errors.New("callee failed")
)

// Maximum sizes.
const (
	MaxLogMsgLen   = 10000            // Maximum log message length
	MaxLogSlices   = 100              // Maximum slices in sol_log_data
	MaxReturnData  = 1024             // Maximum return data size
	MaxMemOpSize   = 10 * 1024 * 1024 // Maximum memory operation size (10 MB)
	MaxHashSlices  = 100              // Maximum slices hashed in one call
	MaxPanicFile   = 256              // Maximum panic file name length
	MaxSyscallArgs = 5                // Arguments are passed in r1-r5
)

// AccountMeta describes an account passed to a cross-program invocation.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// Context is the execution context a syscall effect runs against. It is
// implemented by the invoke context and always refers to the active frame.
type Context interface {
	// Memory returns the active frame's region table.
	Memory() *memory.Table

	// Logging
	Log(msg string)
	LogData(data [][]byte)

	// Return data
	SetReturnData(data []byte) error
	ReturnData() (programID types.Pubkey, data []byte)

	// Compute metering for costs only known while the effect runs.
	ConsumeCU(cost uint64) error
	RemainingCU() uint64

	// Program info
	ProgramID() types.Pubkey
	StackHeight() uint32

	// Invoke runs a cross-program invocation from the active frame.
	// signers are the program addresses the caller signs for. A callee
	// that ran and failed yields an error matching ErrCalleeFailed.
	Invoke(programID types.Pubkey, accounts []AccountMeta, data []byte, signers []types.Pubkey) error
}

// ParamKind classifies a register argument.
type ParamKind uint8

// Parameter kinds.
const (
	// Scalar is a plain integer.
	Scalar ParamKind = iota

	// Length is an integer that sizes a pointer operand.
	Length

	// Pointer is a virtual address.
	Pointer
)

// Param declares one register argument.
type Param struct {
	Name string
	Kind ParamKind

	// Max bounds Scalar and Length values. Zero means unbounded.
	Max uint64

	// Pointer operands.
	Access   svm.Access
	LenFrom  int    // index of the Length param sizing this operand, or -1
	FixedLen uint64 // size when LenFrom is -1
	Align    uint64 // natural alignment of the pointee, 0 or 1 for none
	Nullable bool   // a zero address is allowed and left untranslated

	// Indirect pointers reference structures holding further pointers.
	// They are translated by the effect itself.
	Indirect bool
}

// Signature is the ordered list of a syscall's parameters.
type Signature []Param

// Args are the raw register arguments.
type Args []uint64

// Operands holds the translated host memory of each direct pointer
// parameter, indexed like the Signature. Other entries are nil.
type Operands [][]byte

// Effect performs a syscall. It returns the value for r0.
type Effect func(ctx Context, args Args, ops Operands) (uint64, error)

// Definition fully describes a syscall.
type Definition struct {
	Name      string
	FixedCost uint64

	// Cost returns the size-dependent part of the charge. May be nil.
	Cost func(args Args) uint64

	Signature Signature

	// Check runs after shape validation and returns a non-empty reason to
	// reject the arguments. May be nil.
	Check func(args Args) string

	Effect Effect
}

// Hash returns the syscall identifier.
func (d *Definition) Hash() uint32 {
	return Murmur3Hash(d.Name)
}

// TotalCost returns the fixed plus size-dependent cost, saturating.
func (d *Definition) TotalCost(args Args) uint64 {
	if d.Cost == nil {
		return d.FixedCost
	}
	return svm.SaturatingAdd(d.FixedCost, d.Cost(args))
}

// Validate checks args against the signature.
func (d *Definition) Validate(args Args) error {
	invalid := func(format string, a ...interface{}) error {
		return &svm.InvalidSyscallArgumentsError{Syscall: d.Name, Reason: fmt.Sprintf(format, a...)}
	}

	if len(args) != len(d.Signature) {
		return invalid("expected %d arguments, got %d", len(d.Signature), len(args))
	}
	for i, p := range d.Signature {
		v := args[i]
		switch p.Kind {
		case Scalar, Length:
			if p.Max != 0 && v > p.Max {
				return invalid("%s=%d exceeds %d", p.Name, v, p.Max)
			}
		case Pointer:
			if v == 0 && !p.Nullable {
				return invalid("%s is null", p.Name)
			}
			if p.Indirect {
				continue
			}
			if p.LenFrom >= 0 {
				if p.LenFrom >= len(d.Signature) || d.Signature[p.LenFrom].Kind != Length {
					return invalid("%s sized by bad parameter %d", p.Name, p.LenFrom)
				}
			}
		default:
			return invalid("%s has unknown kind %d", p.Name, p.Kind)
		}
	}
	if d.Check != nil {
		if reason := d.Check(args); reason != "" {
			return invalid("%s", reason)
		}
	}
	return nil
}

// Translate resolves every direct pointer operand against mem. args must
// have passed Validate.
func (d *Definition) Translate(mem *memory.Table, args Args) (Operands, error) {
	ops := make(Operands, len(d.Signature))
	for i, p := range d.Signature {
		if p.Kind != Pointer || p.Indirect || args[i] == 0 {
			continue
		}
		size := p.FixedLen
		if p.LenFrom >= 0 {
			size = args[p.LenFrom]
		}
		host, err := mem.TranslateAligned(args[i], size, p.Access, p.Align)
		if err != nil {
			return nil, err
		}
		ops[i] = host
	}
	return ops, nil
}

// Helpers for building signatures.

func scalar(name string) Param {
	return Param{Name: name, Kind: Scalar, LenFrom: -1}
}

func length(name string, max uint64) Param {
	return Param{Name: name, Kind: Length, Max: max, LenFrom: -1}
}

func buffer(name string, access svm.Access, lenFrom int) Param {
	return Param{Name: name, Kind: Pointer, Access: access, LenFrom: lenFrom}
}

func fixed(name string, access svm.Access, size, align uint64) Param {
	return Param{Name: name, Kind: Pointer, Access: access, LenFrom: -1, FixedLen: size, Align: align}
}

func indirect(name string) Param {
	return Param{Name: name, Kind: Pointer, Access: svm.AccessRead, LenFrom: -1, Indirect: true}
}

func nullable(p Param) Param {
	p.Nullable = true
	return p
}

// perByte returns a cost function charging rate units per byte of the
// Length parameter at index i.
func perByte(i int, rate uint64) func(Args) uint64 {
	return func(args Args) uint64 {
		return svm.SaturatingMul(args[i], rate)
	}
}

// Murmur3Hash computes the murmur3 hash of a syscall name.
// This is the standard murmur3 hash used by Solana for syscall identification.
func Murmur3Hash(name string) uint32 {
	const (
		c1 = 0xcc9e2d51
		c2 = 0x1b873593
	)

	data := []byte(name)
	h1 := uint32(0)
	length := len(data)

	// Process 4-byte chunks
	nblocks := length / 4
	for i := 0; i < nblocks; i++ {
		k1 := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24

		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2

		h1 ^= k1
		h1 = (h1 << 13) | (h1 >> 19)
		h1 = h1*5 + 0xe6546b64
	}

	// Process remaining bytes
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

	// Finalization
	h1 ^= uint32(length)
	h1 ^= h1 >> 16
	h1 *= 0x85ebca6b
	h1 ^= h1 >> 13
	h1 *= 0xc2b2ae35
	h1 ^= h1 >> 16

	return h1
}
