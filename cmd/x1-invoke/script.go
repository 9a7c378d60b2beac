package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/fortiblox/x1-invoke/internal/types"
	"github.com/fortiblox/x1-invoke/pkg/accounts"
	"github.com/fortiblox/x1-invoke/pkg/svm"
	"github.com/fortiblox/x1-invoke/pkg/svm/executor"
	"github.com/fortiblox/x1-invoke/pkg/svm/invoke"
	"github.com/fortiblox/x1-invoke/pkg/svm/syscall"
)

// Script steps.
const (
	opPush    = "push"
	opStore   = "store"
	opSyscall = "syscall"
	opReturn  = "return"
	opAbort   = "abort"
	opPop     = "pop"
	opInvoke  = "invoke"
)

var errScript = errors.New("script")

// byteString is a JSON string holding either 0x-prefixed hex or raw text.
type byteString []byte

func (b *byteString) UnmarshalJSON(input []byte) error {
	var s string
	if err := json.Unmarshal(input, &s); err != nil {
		return err
	}
	if strings.HasPrefix(s, "0x") {
		dec, err := hexutil.Decode(s)
		if err != nil {
			return err
		}
		*b = dec
		return nil
	}
	*b = []byte(s)
	return nil
}

// scriptAccount seeds an account that is missing from the database.
type scriptAccount struct {
	Pubkey     types.Pubkey `json:"pubkey"`
	Owner      types.Pubkey `json:"owner"`
	Lamports   uint64       `json:"lamports"`
	Data       byteString   `json:"data"`
	Executable bool         `json:"executable"`
}

type scriptMeta struct {
	Pubkey   types.Pubkey `json:"pubkey"`
	Signer   bool         `json:"signer"`
	Writable bool         `json:"writable"`
}

// step is one scripted action. Expect names the error kind the step must
// end with; empty means it must succeed.
type step struct {
	Op     string `json:"op"`
	Expect string `json:"expect"`

	// push, invoke
	Program  types.Pubkey   `json:"program"`
	Budget   uint64         `json:"budget"`
	Accounts []scriptMeta   `json:"accounts"`
	Signers  []types.Pubkey `json:"signers"`
	Data     byteString     `json:"data"`
	Code     byteString     `json:"code"`
	Syscalls []string       `json:"syscalls"`

	// store
	Addr string `json:"addr"`

	// syscall
	Name string   `json:"name"`
	Args []string `json:"args"`

	// abort
	Error string `json:"error"`
}

// Script is a scripted transaction.
type Script struct {
	Name     string          `json:"name"`
	Budget   uint64          `json:"budget"`
	Accounts []scriptAccount `json:"accounts"`
	Steps    []step          `json:"steps"`
}

func readScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Script
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = path
	}
	return &s, nil
}

// seed writes the script's accounts that the database doesn't hold yet.
func (s *Script) seed(db accounts.DB) error {
	var entries []accounts.AccountEntry
	for _, a := range s.Accounts {
		ok, err := db.HasAccount(a.Pubkey)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		entries = append(entries, accounts.AccountEntry{Pubkey: a.Pubkey, Account: &accounts.Account{
			Lamports:   a.Lamports,
			Data:       a.Data,
			Owner:      a.Owner,
			Executable: a.Executable,
		}})
	}
	if len(entries) == 0 {
		return nil
	}
	return db.WriteAccounts(entries)
}

// runSteps plays the script against a session. It stops early once the
// context halts.
func (s *Script) runSteps(sess *executor.Session) error {
	ic := sess.Context()
	for i, st := range s.Steps {
		err := st.run(sess)
		kind := svm.ErrorKind(err)
		logger.Debug("Script step", "index", i, "op", st.Op, "outcome", kind)

		want := st.Expect
		if want == "" {
			want = svm.ErrorKind(nil)
		}
		if kind != want {
			if err == nil {
				return fmt.Errorf("%w: step %d (%s): succeeded, want %s", errScript, i, st.Op, want)
			}
			return fmt.Errorf("%w: step %d (%s): %v", errScript, i, st.Op, err)
		}
		if ic.Halted() != nil {
			logger.Info("Context halted", "step", i, "err", ic.Halted())
			return nil
		}
	}
	return nil
}

func (st *step) run(sess *executor.Session) error {
	ic := sess.Context()
	switch st.Op {
	case opPush:
		views, err := sess.Load(st.metas())
		if err != nil {
			return err
		}
		_, err = ic.PushFrame(invoke.FrameRequest{
			ProgramID: st.Program,
			Budget:    st.Budget,
			Accounts:  views,
			Signers:   st.Signers,
			Data:      st.Data,
			Program:   st.Code,
			Syscalls:  st.Syscalls,
		})
		return err

	case opStore:
		f := ic.ActiveFrame()
		if f == nil {
			return invoke.ErrNoActiveFrame
		}
		addr, err := resolveArg(f, st.Addr)
		if err != nil {
			return err
		}
		return f.Memory().Write(addr, st.Data)

	case opSyscall:
		f := ic.ActiveFrame()
		if f == nil {
			return invoke.ErrNoActiveFrame
		}
		args := make([]uint64, len(st.Args))
		for i, a := range st.Args {
			v, err := resolveArg(f, a)
			if err != nil {
				return err
			}
			args[i] = v
		}
		ret, err := ic.DispatchSyscall(st.Name, args...)
		if err == nil {
			logger.Debug("Syscall returned", "name", st.Name, "ret", ret)
		}
		return err

	case opReturn:
		return ic.Return()

	case opAbort:
		var err error
		if st.Error != "" {
			err = errors.New(st.Error)
		}
		return ic.Abort(err)

	case opPop:
		return ic.PopFrame(nil)

	case opInvoke:
		// Nested under the active frame, or a top-level instruction.
		if ic.ActiveFrame() != nil {
			return ic.Invoke(st.Program, st.metas(), st.Data, st.Signers)
		}
		return sess.Execute(executor.Instruction{
			ProgramID: st.Program,
			Accounts:  st.metas(),
			Data:      st.Data,
			Budget:    st.Budget,
		})

	default:
		return fmt.Errorf("%w: unknown op %q", errScript, st.Op)
	}
}

func (st *step) metas() []syscall.AccountMeta {
	metas := make([]syscall.AccountMeta, len(st.Accounts))
	for i, m := range st.Accounts {
		metas[i] = syscall.AccountMeta{Pubkey: m.Pubkey, IsSigner: m.Signer, IsWritable: m.Writable}
	}
	return metas
}

// resolveArg evaluates a script argument against the frame layout. It is
// either a number or a region symbol (program, stack, heap, input,
// accountN) with an optional +/- offset.
func resolveArg(f *invoke.Frame, arg string) (uint64, error) {
	arg = strings.TrimSpace(arg)
	if v, err := strconv.ParseUint(arg, 0, 64); err == nil {
		return v, nil
	}

	sym, off, sign := arg, "", byte(0)
	if i := strings.IndexAny(arg, "+-"); i > 0 {
		sym, off, sign = arg[:i], arg[i+1:], arg[i]
	}

	layout := f.Layout()
	var base uint64
	switch {
	case sym == "program":
		base = layout.Program
	case sym == "stack":
		base = layout.Stack
	case sym == "heap":
		base = layout.Heap
	case sym == "input":
		base = layout.Input
	case strings.HasPrefix(sym, "account"):
		n, err := strconv.Atoi(sym[len("account"):])
		if err != nil || n < 0 || n >= len(layout.Accounts) {
			return 0, fmt.Errorf("%w: no account %q in frame", errScript, sym)
		}
		base = layout.Accounts[n]
	default:
		return 0, fmt.Errorf("%w: bad argument %q", errScript, arg)
	}
	if sign == 0 {
		return base, nil
	}
	d, err := strconv.ParseUint(off, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad offset in %q", errScript, arg)
	}
	if sign == '-' {
		return base - d, nil
	}
	return base + d, nil
}
