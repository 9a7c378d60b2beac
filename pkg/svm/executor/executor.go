// Package executor runs transactions against the accounts database.
//
// An Executor holds the programs and syscall tables shared by every run. A
// Session executes the instructions of one transaction in a single invoke
// context: it loads instruction accounts from the database, runs each
// top-level instruction as a frame and, once every instruction succeeded,
// commits the modified writable accounts in one atomic write.
package executor

import (
	"errors"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"

	"github.com/fortiblox/x1-invoke/internal/types"
	"github.com/fortiblox/x1-invoke/pkg/accounts"
	"github.com/fortiblox/x1-invoke/pkg/svm/invoke"
	"github.com/fortiblox/x1-invoke/pkg/svm/syscall"
	"github.com/fortiblox/x1-invoke/pkg/svm/trace"
)

// Executor errors.
var (
	ErrProgramNotFound      = errors.New("program not found")
	ErrProgramNotExecutable = errors.New("program not executable")
	ErrAccountAccessDenied  = errors.New("account access denied")
	ErrInstructionTooLarge  = errors.New("instruction data too large")
	ErrSessionFinished      = errors.New("session finished")
)

// MaxInstructionDataSize is the maximum top-level instruction data size.
const MaxInstructionDataSize = 10 * 1024

// Instruction is a top-level instruction of a transaction.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []syscall.AccountMeta
	Data      []byte

	// Budget is the compute budget of the instruction. Zero gives it
	// everything the transaction has left.
	Budget uint64
}

// Executor runs transactions for a set of registered programs.
type Executor struct {
	db     accounts.DB
	tables *syscall.TableCache
	cfg    invoke.Config
	log    log.Logger

	mu       sync.RWMutex
	programs map[types.Pubkey]invoke.Program
}

// New creates an executor over db. Programs resolve their syscalls through
// tables.
func New(db accounts.DB, tables *syscall.TableCache, cfg invoke.Config) (*Executor, error) {
	if db == nil {
		return nil, errors.New("executor: nil accounts database")
	}
	if tables == nil {
		return nil, errors.New("executor: nil syscall tables")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Root()
	}
	return &Executor{
		db:       db,
		tables:   tables,
		cfg:      cfg,
		log:      logger,
		programs: make(map[types.Pubkey]invoke.Program),
	}, nil
}

// RegisterProgram registers the entrypoint for id. If the database holds an
// executable account for id, its data is mapped as the program code.
func (e *Executor) RegisterProgram(id types.Pubkey, prog invoke.Program) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.programs[id] = prog
}

// resolveProgram returns the program registered for id with its code
// loaded from the database.
func (e *Executor) resolveProgram(id types.Pubkey) (invoke.Program, error) {
	e.mu.RLock()
	prog, ok := e.programs[id]
	e.mu.RUnlock()
	if !ok {
		return invoke.Program{}, fmt.Errorf("%w: %s", ErrProgramNotFound, id)
	}

	acc, err := e.db.GetAccount(id)
	switch {
	case errors.Is(err, accounts.ErrAccountNotFound):
		return prog, nil
	case err != nil:
		return invoke.Program{}, fmt.Errorf("load program %s: %w", id, err)
	case !acc.Executable:
		return invoke.Program{}, fmt.Errorf("%w: %s", ErrProgramNotExecutable, id)
	}
	if len(prog.Code) == 0 {
		prog.Code = acc.Data
	}
	return prog, nil
}

// NewSession starts a transaction with the given compute budget.
func (e *Executor) NewSession(budget uint64) (*Session, error) {
	ic, err := invoke.New(e.cfg, budget, e.tables)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	ids := make([]types.Pubkey, 0, len(e.programs))
	for id := range e.programs {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	for _, id := range ids {
		prog, err := e.resolveProgram(id)
		if err != nil {
			e.log.Debug("Program not invokable", "program", id, "err", err)
			continue
		}
		ic.RegisterProgram(id, prog)
	}

	return &Session{
		exec:     e,
		ic:       ic,
		loaded:   make(map[types.Pubkey]*AccountInfo),
		writable: mapset.NewThreadUnsafeSet[types.Pubkey](),
	}, nil
}

// Execute runs ixs as one transaction. Execution stops at the first failed
// instruction.
func (e *Executor) Execute(budget uint64, ixs []Instruction) (*ExecutionResult, error) {
	s, err := e.NewSession(budget)
	if err != nil {
		return nil, err
	}
	for _, ix := range ixs {
		if err := s.Execute(ix); err != nil {
			break
		}
	}
	return s.Finish()
}

// Session executes the instructions of one transaction. It is not safe for
// concurrent use.
type Session struct {
	exec *Executor
	ic   *invoke.Context

	loaded   map[types.Pubkey]*AccountInfo
	order    []types.Pubkey
	writable mapset.Set[types.Pubkey]

	// err is the first failure that never reached the invoke context.
	err      error
	finished bool
}

// Context returns the session's invoke context.
func (s *Session) Context() *invoke.Context { return s.ic }

// Load returns views of the accounts named by metas, loading them from the
// database on first use. Missing accounts load empty. Only loads made with
// no active frame grant write access; nested frames inherit theirs from
// the caller.
func (s *Session) Load(metas []syscall.AccountMeta) ([]invoke.AccountView, error) {
	views := make([]invoke.AccountView, len(metas))
	for i, m := range metas {
		info, ok := s.loaded[m.Pubkey]
		if !ok {
			acc, err := s.exec.db.GetAccount(m.Pubkey)
			if errors.Is(err, accounts.ErrAccountNotFound) {
				acc, err = &accounts.Account{}, nil
			}
			if err != nil {
				return nil, fmt.Errorf("load account %s: %w", m.Pubkey, err)
			}
			info = newAccountInfo(m.Pubkey, acc)
			s.loaded[m.Pubkey] = info
			s.order = append(s.order, m.Pubkey)
		}
		if m.IsWritable && s.ic.Depth() == 0 {
			s.writable.Add(m.Pubkey)
		}
		views[i] = info.view(m)
	}
	return views, nil
}

// Execute runs ix as a top-level instruction.
func (s *Session) Execute(ix Instruction) error {
	if s.finished {
		return ErrSessionFinished
	}
	err := s.execute(ix)
	if err != nil && s.err == nil && s.ic.Status() == nil && s.ic.Halted() == nil {
		s.err = err
	}
	return err
}

func (s *Session) execute(ix Instruction) error {
	if len(ix.Data) > MaxInstructionDataSize {
		return fmt.Errorf("%w: %d bytes", ErrInstructionTooLarge, len(ix.Data))
	}
	prog, err := s.exec.resolveProgram(ix.ProgramID)
	if err != nil {
		return err
	}
	views, err := s.Load(ix.Accounts)
	if err != nil {
		return err
	}
	return s.ic.Run(invoke.FrameRequest{
		ProgramID: ix.ProgramID,
		Budget:    ix.Budget,
		Accounts:  views,
		Data:      ix.Data,
		Program:   prog.Code,
		Syscalls:  prog.Syscalls,
	}, prog.Entrypoint)
}

// Finish ends the transaction. If every instruction succeeded, the modified
// writable accounts are written back atomically.
func (s *Session) Finish() (*ExecutionResult, error) {
	if s.finished {
		return nil, ErrSessionFinished
	}
	res, err := s.ic.Finish()
	if err != nil {
		return nil, err
	}
	s.finished = true

	result := &ExecutionResult{
		Err:              res.Err,
		ComputeUnitsUsed: res.Consumed,
		Remaining:        res.Remaining,
		Logs:             res.Logs,
		ReturnData:       res.ReturnData.Data,
		ReturnProgram:    res.ReturnData.ProgramID,
		Trace:            res.Trace,
	}
	if result.Err == nil {
		result.Err = s.err
	}
	if result.Err == nil {
		result.Err = s.commit(res.Accounts, result)
	}
	result.Success = result.Err == nil
	if result.Err != nil {
		result.Error = result.Err.Error()
	}
	return result, nil
}

// commit writes back the accounts the transaction changed.
func (s *Session) commit(views []invoke.AccountView, result *ExecutionResult) error {
	var entries []accounts.AccountEntry
	for _, v := range views {
		info, ok := s.loaded[v.Pubkey]
		if !ok {
			continue
		}
		info.apply(v)
		if !info.IsModified() {
			continue
		}
		if !s.writable.Contains(v.Pubkey) {
			return fmt.Errorf("%w: read-only account %s modified", ErrAccountAccessDenied, v.Pubkey)
		}
		entries = append(entries, accounts.AccountEntry{Pubkey: v.Pubkey, Account: info.account()})
	}
	if len(entries) == 0 {
		return nil
	}
	if err := s.exec.db.WriteAccounts(entries); err != nil {
		return err
	}

	result.ModifiedAccounts = make([]types.Pubkey, len(entries))
	for i, e := range entries {
		result.ModifiedAccounts[i] = e.Pubkey
	}
	result.AccountsDeltaHash = accounts.DeltaHash(entries)
	s.exec.log.Debug("Committed accounts", "count", len(entries), "delta", result.AccountsDeltaHash)
	return nil
}

// AccountInfo holds an account loaded for execution.
type AccountInfo struct {
	Key        types.Pubkey
	Owner      types.Pubkey
	Lamports   uint64
	Data       []byte
	Executable bool
	RentEpoch  uint64

	originalData     []byte
	originalLamports uint64
	originalOwner    types.Pubkey
}

func newAccountInfo(key types.Pubkey, acc *accounts.Account) *AccountInfo {
	info := &AccountInfo{
		Key:        key,
		Owner:      acc.Owner,
		Lamports:   acc.Lamports,
		Data:       acc.Data,
		Executable: acc.Executable,
		RentEpoch:  acc.RentEpoch,
	}
	info.MarkOriginal()
	return info
}

// MarkOriginal marks the current state as original for change detection.
func (a *AccountInfo) MarkOriginal() {
	a.originalData = append([]byte(nil), a.Data...)
	a.originalLamports = a.Lamports
	a.originalOwner = a.Owner
}

// IsModified returns true if the account has been modified.
func (a *AccountInfo) IsModified() bool {
	if a.Lamports != a.originalLamports || a.Owner != a.originalOwner {
		return true
	}
	if len(a.Data) != len(a.originalData) {
		return true
	}
	for i := range a.Data {
		if a.Data[i] != a.originalData[i] {
			return true
		}
	}
	return false
}

func (a *AccountInfo) view(m syscall.AccountMeta) invoke.AccountView {
	return invoke.AccountView{
		Pubkey:     a.Key,
		Owner:      a.Owner,
		Lamports:   a.Lamports,
		Data:       a.Data,
		Executable: a.Executable,
		IsSigner:   m.IsSigner,
		IsWritable: m.IsWritable,
	}
}

func (a *AccountInfo) apply(v invoke.AccountView) {
	a.Owner = v.Owner
	a.Lamports = v.Lamports
	a.Data = v.Data
}

func (a *AccountInfo) account() *accounts.Account {
	return &accounts.Account{
		Lamports:   a.Lamports,
		Data:       a.Data,
		Owner:      a.Owner,
		Executable: a.Executable,
		RentEpoch:  a.RentEpoch,
	}
}

// ExecutionResult contains the result of a transaction.
type ExecutionResult struct {
	// Success indicates if every instruction succeeded and the accounts
	// were committed.
	Success bool

	// Err is the failure, nil on success.
	Err error `json:"-"`

	// Error contains the error message if execution failed.
	Error string

	// ComputeUnitsUsed is the compute units consumed.
	ComputeUnitsUsed uint64

	// Remaining is the unused part of the transaction budget.
	Remaining uint64

	// Logs contains program log messages.
	Logs []string

	// ReturnData is the last return data set and the program that set it.
	ReturnData    []byte
	ReturnProgram types.Pubkey

	// ModifiedAccounts contains the pubkeys of committed accounts.
	ModifiedAccounts []types.Pubkey

	// AccountsDeltaHash commits to the written account states.
	AccountsDeltaHash types.Hash

	// Trace is the drained trace of the transaction.
	Trace []trace.Entry
}
