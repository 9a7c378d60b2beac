package syscall

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/fortiblox/x1-invoke/internal/types"
	"github.com/fortiblox/x1-invoke/pkg/svm"
)

// CPIBytesPerUnit is the number of bytes of return data covered by one
// compute unit.
const CPIBytesPerUnit = uint64(250)

// Builtins returns fresh definitions of the builtin syscall set.
func Builtins() []*Definition {
	var defs []*Definition
	defs = append(defs, loggingSyscalls()...)
	defs = append(defs, memorySyscalls()...)
	defs = append(defs, hashSyscalls()...)
	defs = append(defs, runtimeSyscalls()...)
	defs = append(defs, pdaSyscalls()...)
	defs = append(defs, cpiSyscalls()...)
	return defs
}

func loggingSyscalls() []*Definition {
	return []*Definition{
		{
			// sol_log_(msg, len)
			Name:      "sol_log_",
			FixedCost: svm.CULogBase,
			Cost:      perByte(1, svm.CULogPerByte),
			Signature: Signature{
				buffer("msg", svm.AccessRead, 1),
				length("len", MaxLogMsgLen),
			},
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				ctx.Log("Program log: " + string(ops[0]))
				return 0, nil
			},
		},
		{
			// sol_log_64_(a, b, c, d, e)
			Name:      "sol_log_64_",
			FixedCost: svm.CULog64,
			Signature: Signature{scalar("a"), scalar("b"), scalar("c"), scalar("d"), scalar("e")},
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				ctx.Log(fmt.Sprintf("Program log: %#x, %#x, %#x, %#x, %#x",
					args[0], args[1], args[2], args[3], args[4]))
				return 0, nil
			},
		},
		{
			// sol_log_pubkey(pubkey)
			Name:      "sol_log_pubkey",
			FixedCost: svm.CULogPubkey,
			Signature: Signature{fixed("pubkey", svm.AccessRead, types.PubkeySize, 1)},
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				var key types.Pubkey
				copy(key[:], ops[0])
				ctx.Log("Program log: " + key.String())
				return 0, nil
			},
		},
		{
			// sol_log_compute_units_()
			Name:      "sol_log_compute_units_",
			FixedCost: svm.CUSyscallBase,
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				ctx.Log(fmt.Sprintf("Program consumption: %d units remaining", ctx.RemainingCU()))
				return 0, nil
			},
		},
		{
			// sol_log_data(slices, n)
			Name:      "sol_log_data",
			FixedCost: svm.CUSyscallBase,
			Cost:      perByte(1, svm.CUSyscallBase),
			Signature: Signature{
				nullable(indirect("slices")),
				length("n", MaxLogSlices),
			},
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				fields, err := ctx.Memory().ReadSlices(args[0], args[1], MaxLogMsgLen)
				if err != nil {
					return 0, err
				}
				var total uint64
				for _, f := range fields {
					total += uint64(len(f))
				}
				if err := ctx.ConsumeCU(total); err != nil {
					return 0, err
				}
				ctx.LogData(fields)
				return 0, nil
			},
		},
	}
}

func memorySyscalls() []*Definition {
	memCost := perByte(2, svm.CUMemoryOpPerByte)
	return []*Definition{
		{
			// sol_memcpy_(dst, src, n)
			Name:      "sol_memcpy_",
			FixedCost: svm.CUMemoryOpBase,
			Cost:      memCost,
			Signature: Signature{
				buffer("dst", svm.AccessWrite, 2),
				buffer("src", svm.AccessRead, 2),
				length("n", MaxMemOpSize),
			},
			Check: func(args Args) string {
				if overlapping(args[0], args[1], args[2]) {
					return "overlapping copy"
				}
				return ""
			},
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				copy(ops[0], ops[1])
				return 0, nil
			},
		},
		{
			// sol_memmove_(dst, src, n)
			Name:      "sol_memmove_",
			FixedCost: svm.CUMemoryOpBase,
			Cost:      memCost,
			Signature: Signature{
				buffer("dst", svm.AccessWrite, 2),
				buffer("src", svm.AccessRead, 2),
				length("n", MaxMemOpSize),
			},
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				copy(ops[0], ops[1])
				return 0, nil
			},
		},
		{
			// sol_memset_(dst, c, n)
			Name:      "sol_memset_",
			FixedCost: svm.CUMemoryOpBase,
			Cost:      memCost,
			Signature: Signature{
				buffer("dst", svm.AccessWrite, 2),
				scalar("c"),
				length("n", MaxMemOpSize),
			},
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				c := byte(args[1])
				for i := range ops[0] {
					ops[0][i] = c
				}
				return 0, nil
			},
		},
		{
			// sol_memcmp_(a, b, n, result)
			Name:      "sol_memcmp_",
			FixedCost: svm.CUMemoryOpBase,
			Cost:      memCost,
			Signature: Signature{
				buffer("a", svm.AccessRead, 2),
				buffer("b", svm.AccessRead, 2),
				length("n", MaxMemOpSize),
				fixed("result", svm.AccessWrite, 4, 4),
			},
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				var result int32
				for i := range ops[0] {
					if ops[0][i] != ops[1][i] {
						result = int32(ops[0][i]) - int32(ops[1][i])
						break
					}
				}
				binary.LittleEndian.PutUint32(ops[3], uint32(result))
				return 0, nil
			},
		},
	}
}

func runtimeSyscalls() []*Definition {
	return []*Definition{
		{
			// sol_set_return_data(data, len)
			Name:      "sol_set_return_data",
			FixedCost: svm.CUSyscallBase,
			Cost: func(args Args) uint64 {
				return args[1] / CPIBytesPerUnit
			},
			Signature: Signature{
				nullable(buffer("data", svm.AccessRead, 1)),
				length("len", MaxReturnData),
			},
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				data := make([]byte, len(ops[0]))
				copy(data, ops[0])
				return 0, ctx.SetReturnData(data)
			},
		},
		{
			// sol_get_return_data(dst, len, program_id) returns the full
			// length of the return data.
			Name:      "sol_get_return_data",
			FixedCost: svm.CUSyscallBase,
			Cost: func(args Args) uint64 {
				return args[1] / CPIBytesPerUnit
			},
			Signature: Signature{
				nullable(buffer("dst", svm.AccessWrite, 1)),
				length("len", MaxReturnData),
				nullable(fixed("program_id", svm.AccessWrite, types.PubkeySize, 1)),
			},
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				programID, data := ctx.ReturnData()
				if len(data) == 0 {
					return 0, nil
				}
				copy(ops[0], data)
				if ops[2] != nil {
					copy(ops[2], programID[:])
				}
				return uint64(len(data)), nil
			},
		},
		{
			// sol_get_stack_height()
			Name:      "sol_get_stack_height",
			FixedCost: svm.CUSyscallBase,
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				return uint64(ctx.StackHeight()), nil
			},
		},
		{
			// sol_remaining_compute_units()
			Name:      "sol_remaining_compute_units",
			FixedCost: svm.CUSyscallBase,
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				return ctx.RemainingCU(), nil
			},
		},
		{
			// abort()
			Name: "abort",
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				return 0, ErrAborted
			},
		},
		{
			// sol_panic_(file, len, line, column)
			Name: "sol_panic_",
			Cost: perByte(1, 1),
			Signature: Signature{
				buffer("file", svm.AccessRead, 1),
				length("len", MaxPanicFile),
				scalar("line"),
				scalar("column"),
			},
			Effect: func(ctx Context, args Args, ops Operands) (uint64, error) {
				file := strings.ToValidUTF8(string(ops[0]), "?")
				return 0, fmt.Errorf("%w: %s:%d:%d", ErrPanicked, file, args[2], args[3])
			},
		},
	}
}

// overlapping reports whether [a, a+n) and [b, b+n) intersect.
func overlapping(a, b, n uint64) bool {
	if n == 0 {
		return false
	}
	if a <= b {
		return svm.SaturatingAdd(a, n) > b
	}
	return svm.SaturatingAdd(b, n) > a
}
