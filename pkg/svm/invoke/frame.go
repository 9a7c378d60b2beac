package invoke

import (
	"fmt"

	"github.com/fortiblox/x1-invoke/internal/types"
	"github.com/fortiblox/x1-invoke/pkg/svm"
	"github.com/fortiblox/x1-invoke/pkg/svm/memory"
	"github.com/fortiblox/x1-invoke/pkg/svm/syscall"
)

// State is the lifecycle state of a frame.
type State uint8

// Frame states. Aborted and Returned are terminal.
const (
	StateActive State = iota
	StateAborted
	StateReturned
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateAborted:
		return "aborted"
	case StateReturned:
		return "returned"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// AccountView is an account handed to an instruction.
type AccountView struct {
	Pubkey     types.Pubkey
	Owner      types.Pubkey
	Lamports   uint64
	Data       []byte
	Executable bool
	IsSigner   bool
	IsWritable bool
}

// FrameAccount is a frame's reference to a transaction account. State is
// shared by every frame referencing the same key; the privileges are the
// frame's own.
type FrameAccount struct {
	State      *AccountView
	IsSigner   bool
	IsWritable bool

	// Addr is where the account data is mapped in the frame. Accounts
	// without data are not mapped.
	Addr uint64
}

// Layout records where a frame's regions are mapped.
type Layout struct {
	Program  uint64
	Stack    uint64
	Heap     uint64
	Input    uint64
	Accounts []uint64
}

// FrameRequest describes a frame to push.
type FrameRequest struct {
	ProgramID types.Pubkey

	// Budget is the number of compute units requested from the caller.
	// Zero requests everything the caller has left.
	Budget uint64

	// Accounts lists the instruction accounts with the privileges the
	// callee asks for. Below the top level every key must already be
	// visible to the caller.
	Accounts []AccountView

	// Signers are program addresses the caller signs for.
	Signers []types.Pubkey

	// Data is the instruction data.
	Data []byte

	// Program is optional program code, mapped read and execute.
	Program []byte

	// Syscalls names the syscalls the program may call. Nil allows every
	// registered syscall.
	Syscalls []string
}

// Frame is one activation on the invoke stack.
type Frame struct {
	id        uint64
	depth     uint32
	programID types.Pubkey
	state     State
	err       error

	meter    *svm.ComputeMeter
	mem      *memory.Table
	syscalls *syscall.Table
	accounts []FrameAccount
	data     []byte
	layout   Layout

	// inSyscall names the syscall whose effect is running, so an unwind
	// can close it. pending is the meter reading when it started.
	inSyscall string
	pending   uint64
}

// ID returns the frame id. Regions created by the frame carry it as owner.
func (f *Frame) ID() uint64 { return f.id }

// Depth returns the stack height at which the frame lives.
func (f *Frame) Depth() uint32 { return f.depth }

// ProgramID returns the executing program.
func (f *Frame) ProgramID() types.Pubkey { return f.programID }

// State returns the frame state.
func (f *Frame) State() State { return f.state }

// Err returns the error that aborted the frame.
func (f *Frame) Err() error { return f.err }

// Remaining returns the frame's remaining compute units.
func (f *Frame) Remaining() uint64 { return f.meter.Remaining() }

// Consumed returns the units the frame has spent so far.
func (f *Frame) Consumed() uint64 { return f.meter.Consumed() }

// Budget returns the units granted to the frame.
func (f *Frame) Budget() uint64 { return f.meter.Limit() }

// Memory returns the frame's region table.
func (f *Frame) Memory() *memory.Table { return f.mem }

// Syscalls returns the frame's syscall table.
func (f *Frame) Syscalls() *syscall.Table { return f.syscalls }

// Accounts returns the frame's accounts.
func (f *Frame) Accounts() []FrameAccount { return f.accounts }

// Data returns the instruction data.
func (f *Frame) Data() []byte { return f.data }

// Layout returns the frame's address layout.
func (f *Frame) Layout() Layout { return f.layout }

// Account returns the frame's reference to key.
func (f *Frame) Account(key types.Pubkey) (FrameAccount, bool) {
	for _, a := range f.accounts {
		if a.State.Pubkey == key {
			return a, true
		}
	}
	return FrameAccount{}, false
}

func (f *Frame) label() string {
	return "invoke " + f.programID.String()
}

// mapRegions builds the frame-local regions in the window for the frame's
// depth.
func (f *Frame) mapRegions(cfg *Config, program []byte) error {
	window := f.depth - 1
	add := func(base uint64, host []byte, perm svm.Access) error {
		if len(host) == 0 {
			return nil
		}
		return f.mem.AddRegion(memory.Region{Host: host, VirtualBase: base, Perm: perm, Owner: f.id})
	}
	rw := svm.AccessRead | svm.AccessWrite

	f.layout = Layout{
		Program: memory.WindowBase(memory.VaddrProgram, window),
		Stack:   memory.WindowBase(memory.VaddrStack, window),
		Heap:    memory.WindowBase(memory.VaddrHeap, window),
		Input:   memory.WindowBase(memory.VaddrInput, window),
	}
	if uint64(len(program)) > memory.WindowSize {
		return fmt.Errorf("%w: program exceeds the program window", memory.ErrRegionOverflow)
	}
	if err := add(f.layout.Program, program, svm.AccessRead|svm.AccessExecute); err != nil {
		return err
	}
	if err := add(f.layout.Stack, make([]byte, cfg.StackSize), rw); err != nil {
		return err
	}
	if err := add(f.layout.Heap, make([]byte, cfg.HeapSize), rw); err != nil {
		return err
	}
	if uint64(len(f.data)) > memory.WindowSize {
		return fmt.Errorf("%w: instruction data exceeds the input window", memory.ErrRegionOverflow)
	}
	if err := add(f.layout.Input, f.data, svm.AccessRead); err != nil {
		return err
	}

	// Account data follows the instruction data, each span 8-aligned.
	next := memory.AlignUp(f.layout.Input+uint64(len(f.data)), 8)
	f.layout.Accounts = make([]uint64, len(f.accounts))
	for i := range f.accounts {
		a := &f.accounts[i]
		size := uint64(len(a.State.Data))
		if next+size-f.layout.Input > memory.WindowSize {
			return fmt.Errorf("%w: accounts exceed the input window", memory.ErrRegionOverflow)
		}
		perm := svm.AccessRead
		if a.IsWritable {
			perm = rw
		}
		a.Addr = next
		f.layout.Accounts[i] = next
		if err := add(next, a.State.Data, perm); err != nil {
			return err
		}
		next = memory.AlignUp(next+size, 8)
	}
	return nil
}
