package invoke

import (
	"fmt"

	"github.com/fortiblox/x1-invoke/internal/types"
	"github.com/fortiblox/x1-invoke/pkg/svm"
	"github.com/fortiblox/x1-invoke/pkg/svm/memory"
	"github.com/fortiblox/x1-invoke/pkg/svm/syscall"
	"github.com/fortiblox/x1-invoke/pkg/svm/trace"
)

// DispatchSyscall runs the named syscall in the active frame and returns
// its r0 value.
//
// Arguments are validated and every declared memory operand translated
// before anything is charged, so a rejected call costs nothing. Any error
// aborts the frame; a fatal error unwinds the whole stack.
func (c *Context) DispatchSyscall(name string, args ...uint64) (uint64, error) {
	f, err := c.activeOrErr()
	if err != nil {
		return 0, err
	}
	def, ok := f.syscalls.Lookup(name)
	return c.dispatch(f, name, def, ok, args)
}

// DispatchHash is like DispatchSyscall but identifies the syscall by the
// murmur3 hash of its name, as compiled programs do.
func (c *Context) DispatchHash(hash uint32, args ...uint64) (uint64, error) {
	f, err := c.activeOrErr()
	if err != nil {
		return 0, err
	}
	def, ok := f.syscalls.Get(hash)
	label := fmt.Sprintf("syscall#%08x", hash)
	if ok {
		label = def.Name
	}
	return c.dispatch(f, label, def, ok, args)
}

func (c *Context) dispatch(f *Frame, label string, def *syscall.Definition, ok bool, args []uint64) (uint64, error) {
	before := f.meter.Remaining()
	c.trace.Record(trace.SyscallEnter, f.depth, label, 0, "")

	var (
		r0  uint64
		err error
	)
	if !ok {
		err = &svm.InvalidSyscallArgumentsError{Syscall: label, Reason: "syscall not available to program"}
	} else {
		f.inSyscall, f.pending = label, before
		r0, err = c.call(f, def, args)
		f.inSyscall = ""
	}

	if c.halted != nil {
		// A nested frame hit a fatal error and unwind closed this syscall.
		return 0, err
	}
	consumed := before - f.meter.Remaining()
	c.trace.Record(trace.SyscallExit, f.depth, label, consumed, svm.ErrorKind(err))
	c.log.Trace("Dispatched syscall", "name", label, "depth", f.depth, "consumed", consumed, "outcome", svm.ErrorKind(err))

	if err == nil {
		return r0, nil
	}
	if svm.IsFatal(err) {
		c.unwind(err)
		return 0, err
	}
	f.state = StateAborted
	f.err = err
	return 0, err
}

// call validates, translates, charges and runs one syscall.
func (c *Context) call(f *Frame, def *syscall.Definition, args syscall.Args) (uint64, error) {
	if err := def.Validate(args); err != nil {
		return 0, err
	}
	ops, err := def.Translate(f.mem, args)
	if err != nil {
		return 0, err
	}
	if err := f.meter.Consume(def.TotalCost(args)); err != nil {
		return 0, err
	}
	return def.Effect(c, args, ops)
}

// The methods below make the context a syscall.Context bound to the
// active frame.

// Memory returns the active frame's region table.
func (c *Context) Memory() *memory.Table {
	if f := c.ActiveFrame(); f != nil {
		return f.mem
	}
	return nil
}

// Log appends a program log message.
func (c *Context) Log(msg string) {
	c.logs.Log(msg)
}

// LogData appends a program data message.
func (c *Context) LogData(data [][]byte) {
	c.logs.LogData(data)
}

// SetReturnData records data as returned by the active program.
func (c *Context) SetReturnData(data []byte) error {
	if len(data) > syscall.MaxReturnData {
		return syscall.ErrReturnDataTooBig
	}
	c.returnData = ReturnData{ProgramID: c.ProgramID(), Data: data}
	return nil
}

// ReturnData returns the most recent return data and the program that set
// it.
func (c *Context) ReturnData() (types.Pubkey, []byte) {
	return c.returnData.ProgramID, c.returnData.Data
}

// ConsumeCU charges the active frame.
func (c *Context) ConsumeCU(cost uint64) error {
	f := c.ActiveFrame()
	if f == nil {
		return ErrNoActiveFrame
	}
	return f.meter.Consume(cost)
}

// RemainingCU returns the active frame's remaining units.
func (c *Context) RemainingCU() uint64 {
	if f := c.ActiveFrame(); f != nil {
		return f.meter.Remaining()
	}
	return c.root.Remaining()
}

// ProgramID returns the active program.
func (c *Context) ProgramID() types.Pubkey {
	if f := c.ActiveFrame(); f != nil {
		return f.programID
	}
	return types.Pubkey{}
}

// StackHeight returns the current stack height.
func (c *Context) StackHeight() uint32 {
	return c.Depth()
}

var _ syscall.Context = (*Context)(nil)
