package loader_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortiblox/x1-invoke/internal/types"
	"github.com/fortiblox/x1-invoke/pkg/svm"
	"github.com/fortiblox/x1-invoke/pkg/svm/invoke"
	"github.com/fortiblox/x1-invoke/pkg/svm/loader"
	"github.com/fortiblox/x1-invoke/pkg/svm/syscall"
)

var program = types.Pubkey{0xa}

func newContext(t *testing.T) *invoke.Context {
	t.Helper()
	tables, err := syscall.NewTableCache(syscall.NewBuiltinRegistry(), 16)
	require.NoError(t, err)
	ic, err := invoke.New(invoke.DefaultConfig(), 10_000, tables)
	require.NoError(t, err)
	return ic
}

func TestTableFromProgramCode(t *testing.T) {
	ic := newContext(t)
	f, err := ic.PushFrame(invoke.FrameRequest{ProgramID: program, Program: loader.BuildELF("sol_log_")})
	require.NoError(t, err)
	require.Equal(t, 1, f.Syscalls().Len())
	require.Equal(t, []string{"sol_log_"}, f.Syscalls().Names())

	before := f.Remaining()
	_, err = ic.DispatchSyscall("sol_sha256", 0, 0, 0)
	require.ErrorIs(t, err, svm.ErrInvalidSyscallArguments)
	require.Equal(t, before, f.Remaining())
}

func TestDeclaredSyscallsOverrideCode(t *testing.T) {
	ic := newContext(t)
	f, err := ic.PushFrame(invoke.FrameRequest{
		ProgramID: program,
		Program:   loader.BuildELF("sol_log_"),
		Syscalls:  []string{"sol_log_", "abort"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"abort", "sol_log_"}, f.Syscalls().Names())
}

func TestUnknownSyscallInCode(t *testing.T) {
	ic := newContext(t)
	_, err := ic.PushFrame(invoke.FrameRequest{ProgramID: program, Program: loader.BuildELF("sol_log_", "sol_bogus")})
	require.ErrorIs(t, err, syscall.ErrUnknownSyscall)
	require.Zero(t, ic.Depth())
	require.Equal(t, uint64(10_000), ic.RootMeter().Remaining())
}

func TestMalformedProgramCode(t *testing.T) {
	ic := newContext(t)
	code := loader.BuildELF("sol_log_")
	code[18] = 62
	_, err := ic.PushFrame(invoke.FrameRequest{ProgramID: program, Program: code})
	require.ErrorIs(t, err, loader.ErrUnsupportedMachine)
	require.Zero(t, ic.Depth())
}
