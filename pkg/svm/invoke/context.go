// Package invoke implements the invoke context: the frame stack of one
// transaction, with compute metering, per-frame memory views, syscall
// dispatch and tracing.
//
// A context is owned by a single goroutine. Shared collaborators such as
// the syscall table cache may be used by many contexts at once.
package invoke

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/fortiblox/x1-invoke/internal/types"
	"github.com/fortiblox/x1-invoke/pkg/svm"
	"github.com/fortiblox/x1-invoke/pkg/svm/loader"
	"github.com/fortiblox/x1-invoke/pkg/svm/memory"
	"github.com/fortiblox/x1-invoke/pkg/svm/syscall"
	"github.com/fortiblox/x1-invoke/pkg/svm/trace"
)

// Entrypoint runs a program. Its frame is the active frame while it runs.
type Entrypoint func(ic *Context) error

// Program is a program reachable through cross-program invocation.
type Program struct {
	Entrypoint Entrypoint
	Code       []byte
	Syscalls   []string
}

// ReturnData is the most recent data set by sol_set_return_data.
type ReturnData struct {
	ProgramID types.Pubkey
	Data      []byte
}

// Result is the terminal outcome of a context.
type Result struct {
	// Err is nil when every top-level instruction succeeded. Otherwise it
	// is the first top-level failure or the fatal error that halted the
	// context.
	Err error

	Remaining  uint64
	Consumed   uint64
	Trace      []trace.Entry
	Logs       []string
	ReturnData ReturnData
	Accounts   []AccountView
}

// Context is the invoke context of one transaction.
type Context struct {
	cfg Config
	log log.Logger

	root   *svm.ComputeMeter
	stack  []*Frame
	nextID uint64

	tables   *syscall.TableCache
	programs map[types.Pubkey]*Program

	// Transaction accounts, shared by every frame.
	accounts map[types.Pubkey]*AccountView
	order    []types.Pubkey

	trace      *trace.Log
	logs       *LogCollector
	returnData ReturnData

	status error
	halted error
}

// New creates a context with the given total compute budget.
func New(cfg Config, budget uint64, tables *syscall.TableCache) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tables == nil {
		return nil, fmt.Errorf("%w: no syscall tables", ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Root()
	}
	return &Context{
		cfg:      cfg,
		log:      logger,
		root:     svm.NewComputeMeter(budget),
		tables:   tables,
		programs: make(map[types.Pubkey]*Program),
		accounts: make(map[types.Pubkey]*AccountView),
		trace:    trace.NewLog(),
		logs:     NewLogCollector(cfg.LogLimit),
	}, nil
}

// RegisterProgram makes a program invokable through Invoke.
func (c *Context) RegisterProgram(id types.Pubkey, prog Program) {
	c.programs[id] = &prog
}

// Config returns the context configuration.
func (c *Context) Config() Config { return c.cfg }

// Depth returns the current stack height.
func (c *Context) Depth() uint32 { return uint32(len(c.stack)) }

// ActiveFrame returns the top frame, or nil if the stack is empty.
func (c *Context) ActiveFrame() *Frame {
	if len(c.stack) == 0 {
		return nil
	}
	return c.stack[len(c.stack)-1]
}

// RootMeter returns the transaction-wide compute meter.
func (c *Context) RootMeter() *svm.ComputeMeter { return c.root }

// Trace returns the trace log.
func (c *Context) Trace() *trace.Log { return c.trace }

// Logs returns the collected program log.
func (c *Context) Logs() []string { return c.logs.Messages() }

// Halted returns the fatal error that halted the context, if any.
func (c *Context) Halted() error { return c.halted }

// Status returns the terminal status so far.
func (c *Context) Status() error { return c.status }

// PushFrame pushes a frame for req on top of the active frame.
//
// The depth bound is checked first, then account privileges and the
// syscall table. Only then is the budget allotted and the memory view
// built, so a refused push creates and debits nothing.
func (c *Context) PushFrame(req FrameRequest) (*Frame, error) {
	if c.halted != nil {
		return nil, c.haltedErr()
	}
	depth := uint32(len(c.stack))
	if depth+1 > c.cfg.MaxDepth {
		c.log.Debug("Refused frame push", "program", req.ProgramID, "depth", depth, "max", c.cfg.MaxDepth)
		return nil, &svm.DepthExceededError{Max: c.cfg.MaxDepth}
	}
	caller := c.ActiveFrame()
	if caller != nil && caller.state != StateActive {
		return nil, fmt.Errorf("%w: caller is %s", ErrFrameNotActive, caller.state)
	}
	accounts, err := c.prepareAccounts(caller, &req)
	if err != nil {
		return nil, err
	}
	table, err := c.resolveTable(&req)
	if err != nil {
		return nil, err
	}

	parent := c.meterBelow(len(c.stack))
	budget := req.Budget
	if budget == 0 {
		budget = parent.Remaining()
	}
	c.nextID++
	f := &Frame{
		id:        c.nextID,
		depth:     depth + 1,
		programID: req.ProgramID,
		state:     StateActive,
		meter:     parent.Allot(budget),
		syscalls:  table,
		accounts:  accounts,
		data:      req.Data,
	}
	if caller != nil {
		f.mem = caller.mem.Borrow()
	} else {
		f.mem = memory.NewTable()
	}
	if err := f.mapRegions(&c.cfg, req.Program); err != nil {
		parent.Refund(f.meter)
		return nil, err
	}
	if err := f.meter.Consume(svm.HeapCost(c.cfg.HeapSize)); err != nil {
		parent.Refund(f.meter)
		return nil, err
	}

	c.stack = append(c.stack, f)
	c.returnData = ReturnData{ProgramID: req.ProgramID}
	c.trace.Record(trace.FrameEnter, f.depth, f.label(), 0, "")
	c.logs.Log(fmt.Sprintf("Program %s invoke [%d]", req.ProgramID, f.depth))
	c.log.Debug("Pushed frame", "program", req.ProgramID, "depth", f.depth, "budget", f.meter.Limit(), "regions", f.mem.Len())
	return f, nil
}

// resolveTable returns the frame's syscall table. Without a declared list,
// ELF code is scanned for the syscalls it references.
func (c *Context) resolveTable(req *FrameRequest) (*syscall.Table, error) {
	if req.Syscalls != nil || !loader.IsELF(req.Program) {
		return c.tables.Table(req.ProgramID, req.Syscalls)
	}
	img, err := loader.Load(req.Program)
	if err != nil {
		return nil, fmt.Errorf("load program %s: %w", req.ProgramID, err)
	}
	return c.tables.TableForHashes(req.ProgramID, img.Syscalls)
}

// prepareAccounts resolves the requested accounts. Top-level accounts are
// registered with the transaction; nested frames may only reference
// accounts their caller holds, with no more privilege than the caller.
func (c *Context) prepareAccounts(caller *Frame, req *FrameRequest) ([]FrameAccount, error) {
	accounts := make([]FrameAccount, 0, len(req.Accounts))
	for _, view := range req.Accounts {
		if caller == nil {
			accounts = append(accounts, FrameAccount{
				State:      c.register(view),
				IsSigner:   view.IsSigner,
				IsWritable: view.IsWritable,
			})
			continue
		}
		held, ok := caller.Account(view.Pubkey)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingAccount, view.Pubkey)
		}
		if view.IsWritable && !held.IsWritable {
			return nil, fmt.Errorf("%w: %s is read-only for the caller", ErrPrivilegeEscalation, view.Pubkey)
		}
		if view.IsSigner && !held.IsSigner && !containsKey(req.Signers, view.Pubkey) {
			return nil, fmt.Errorf("%w: %s did not sign", ErrPrivilegeEscalation, view.Pubkey)
		}
		accounts = append(accounts, FrameAccount{
			State:      held.State,
			IsSigner:   view.IsSigner,
			IsWritable: view.IsWritable,
		})
	}
	mergeDuplicates(accounts)
	return accounts, nil
}

// mergeDuplicates gives every entry of a repeated key the union of the
// privileges requested for that key.
func mergeDuplicates(accounts []FrameAccount) {
	for i := range accounts {
		for j := i + 1; j < len(accounts); j++ {
			if accounts[i].State != accounts[j].State {
				continue
			}
			signer := accounts[i].IsSigner || accounts[j].IsSigner
			writable := accounts[i].IsWritable || accounts[j].IsWritable
			accounts[i].IsSigner, accounts[j].IsSigner = signer, signer
			accounts[i].IsWritable, accounts[j].IsWritable = writable, writable
		}
	}
}

// register returns the shared state for view's key, creating it from a
// copy of view on first use.
func (c *Context) register(view AccountView) *AccountView {
	if state, ok := c.accounts[view.Pubkey]; ok {
		return state
	}
	state := view
	state.Data = append([]byte(nil), view.Data...)
	c.accounts[view.Pubkey] = &state
	c.order = append(c.order, view.Pubkey)
	return &state
}

func containsKey(keys []types.Pubkey, key types.Pubkey) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// meterBelow returns the meter that funds the frame at stack index i.
func (c *Context) meterBelow(i int) *svm.ComputeMeter {
	if i == 0 {
		return c.root
	}
	return c.stack[i-1].meter
}

// PopFrame pops the active frame with result as its outcome. Unused budget
// goes back to the caller and the frame's regions are discarded. A
// frame-local failure is returned as *InstructionError and the context
// stays usable. A fatal result unwinds every frame and halts the context.
func (c *Context) PopFrame(result error) error {
	if c.halted != nil {
		return c.haltedErr()
	}
	f := c.ActiveFrame()
	if f == nil {
		return ErrNoActiveFrame
	}
	if result == nil && f.state == StateAborted {
		result = f.err
	}
	if result == nil && f.meter.Outstanding() != 0 {
		result = &svm.FatalCorruptionError{Detail: fmt.Sprintf("frame %d popped with %d units granted to live children", f.id, f.meter.Outstanding())}
	}
	if svm.IsFatal(result) {
		c.unwind(result)
		return result
	}

	consumed := f.meter.Consumed()
	refunded := c.meterBelow(len(c.stack) - 1).Refund(f.meter)
	f.mem.RemoveOwned(f.id)
	if f.state == StateActive {
		if result == nil {
			f.state = StateReturned
		} else {
			f.state = StateAborted
		}
	}
	if f.err == nil {
		f.err = result
	}

	c.trace.Record(trace.FrameExit, f.depth, f.label(), consumed, svm.ErrorKind(result))
	c.logs.Log(fmt.Sprintf("Program %s consumed %d of %d compute units", f.programID, consumed, f.meter.Limit()))
	if result == nil {
		c.logs.Log(fmt.Sprintf("Program %s success", f.programID))
	} else {
		c.logs.Log(fmt.Sprintf("Program %s failed: %v", f.programID, result))
	}
	c.stack = c.stack[:len(c.stack)-1]
	c.log.Debug("Popped frame", "program", f.programID, "depth", f.depth, "consumed", consumed, "refunded", refunded, "outcome", svm.ErrorKind(result))

	if result == nil {
		return nil
	}
	err := &InstructionError{ProgramID: f.programID, Depth: f.depth, Err: result}
	if f.depth == 1 && c.status == nil {
		c.status = err
	}
	return err
}

// unwind tears down every frame after a fatal error. Pending refunds are
// discarded and the context halts.
func (c *Context) unwind(cause error) {
	for i := len(c.stack) - 1; i >= 0; i-- {
		f := c.stack[i]
		if f.inSyscall != "" {
			used := f.pending - f.meter.Remaining()
			c.trace.Record(trace.SyscallExit, f.depth, f.inSyscall, used, svm.ErrorKind(cause))
			f.inSyscall = ""
		}
		consumed := f.meter.Consumed()
		c.meterBelow(i).Abandon(f.meter)
		f.mem.RemoveOwned(f.id)
		f.state = StateAborted
		f.err = cause

		c.trace.Record(trace.FrameExit, f.depth, f.label(), consumed, svm.ErrorKind(cause))
		c.logs.Log(fmt.Sprintf("Program %s failed: %v", f.programID, cause))
		c.stack = c.stack[:i]
	}
	c.halted = cause
	c.status = cause
	c.log.Warn("Invoke context halted", "err", cause)
}

// fatal halts the context with a corruption error.
func (c *Context) fatal(format string, args ...interface{}) error {
	err := &svm.FatalCorruptionError{Detail: fmt.Sprintf(format, args...)}
	c.unwind(err)
	return err
}

func (c *Context) haltedErr() error {
	return fmt.Errorf("%w: %v", ErrContextHalted, c.halted)
}

// Return marks the active frame returned.
func (c *Context) Return() error {
	f, err := c.activeOrErr()
	if err != nil {
		return err
	}
	f.state = StateReturned
	return nil
}

// Abort marks the active frame aborted with err. A fatal err unwinds the
// whole stack immediately.
func (c *Context) Abort(err error) error {
	f, ferr := c.activeOrErr()
	if ferr != nil {
		return ferr
	}
	if err == nil {
		err = syscall.ErrAborted
	}
	if svm.IsFatal(err) {
		c.unwind(err)
		return err
	}
	f.state = StateAborted
	f.err = err
	return nil
}

func (c *Context) activeOrErr() (*Frame, error) {
	if c.halted != nil {
		return nil, c.haltedErr()
	}
	f := c.ActiveFrame()
	if f == nil {
		return nil, ErrNoActiveFrame
	}
	if f.state != StateActive {
		return nil, fmt.Errorf("%w: frame is %s", ErrFrameNotActive, f.state)
	}
	return f, nil
}

// Run pushes a frame for req, runs entry in it and pops it with entry's
// result.
func (c *Context) Run(req FrameRequest, entry Entrypoint) error {
	f, err := c.PushFrame(req)
	if err != nil {
		return err
	}
	var result error
	if entry != nil {
		result = entry(c)
	}
	if c.halted != nil {
		return c.halted
	}
	if c.ActiveFrame() != f {
		return c.fatal("program %s returned with frame depth %d", req.ProgramID, c.Depth())
	}
	return c.PopFrame(result)
}

// Invoke runs a cross-program invocation from the active frame. The callee
// may use everything the caller has left.
func (c *Context) Invoke(programID types.Pubkey, metas []syscall.AccountMeta, data []byte, signers []types.Pubkey) error {
	prog, ok := c.programs[programID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProgramNotFound, programID)
	}
	views := make([]AccountView, len(metas))
	for i, m := range metas {
		views[i] = AccountView{Pubkey: m.Pubkey, IsSigner: m.IsSigner, IsWritable: m.IsWritable}
	}
	err := c.Run(FrameRequest{
		ProgramID: programID,
		Accounts:  views,
		Signers:   signers,
		Data:      data,
		Program:   prog.Code,
		Syscalls:  prog.Syscalls,
	}, prog.Entrypoint)

	var ierr *InstructionError
	if errors.As(err, &ierr) {
		return fmt.Errorf("%w: %w", syscall.ErrCalleeFailed, err)
	}
	return err
}

// Accounts returns copies of the transaction accounts in registration
// order.
func (c *Context) Accounts() []AccountView {
	out := make([]AccountView, 0, len(c.order))
	for _, key := range c.order {
		view := *c.accounts[key]
		view.Data = append([]byte(nil), view.Data...)
		out = append(out, view)
	}
	return out
}

// Finish drains the trace and returns the terminal result. Every frame must
// have been popped, unless the context halted.
func (c *Context) Finish() (*Result, error) {
	if len(c.stack) != 0 {
		return nil, fmt.Errorf("%w: depth %d", ErrFramesActive, len(c.stack))
	}
	return &Result{
		Err:        c.status,
		Remaining:  c.root.Remaining(),
		Consumed:   c.root.Consumed(),
		Trace:      c.trace.Drain(),
		Logs:       c.logs.Messages(),
		ReturnData: c.returnData,
		Accounts:   c.Accounts(),
	}, nil
}
