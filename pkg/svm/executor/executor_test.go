package executor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortiblox/x1-invoke/internal/types"
	"github.com/fortiblox/x1-invoke/pkg/accounts"
	"github.com/fortiblox/x1-invoke/pkg/svm/invoke"
	"github.com/fortiblox/x1-invoke/pkg/svm/syscall"
)

var (
	programA = types.Pubkey{0xa}
	programB = types.Pubkey{0xb}
	alice    = types.Pubkey{0x1}
	bob      = types.Pubkey{0x2}
)

var errCustom = errors.New("custom program error")

func newTestExecutor(t *testing.T, db accounts.DB) *Executor {
	t.Helper()
	tables, err := syscall.NewTableCache(syscall.NewBuiltinRegistry(), 16)
	require.NoError(t, err)
	e, err := New(db, tables, invoke.DefaultConfig())
	require.NoError(t, err)
	return e
}

// fill sets the data of the frame's first account to b through memory.
func fill(b byte) invoke.Entrypoint {
	return func(ic *invoke.Context) error {
		acc := ic.ActiveFrame().Accounts()[0]
		_, err := ic.DispatchSyscall("sol_memset_", acc.Addr, uint64(b), uint64(len(acc.State.Data)))
		if err != nil {
			return err
		}
		acc.State.Lamports += 5
		return nil
	}
}

func seed(t *testing.T, db accounts.DB) {
	t.Helper()
	require.NoError(t, db.WriteAccounts([]accounts.AccountEntry{
		{Pubkey: alice, Account: &accounts.Account{Lamports: 100, Data: []byte{1, 2, 3, 4}, Owner: programA}},
		{Pubkey: bob, Account: &accounts.Account{Lamports: 50, Data: []byte{9}, Owner: programA}},
	}))
}

func TestAccountInfoMarkOriginal(t *testing.T) {
	acc := &AccountInfo{Key: alice, Lamports: 1000, Data: []byte{1, 2, 3}}
	acc.MarkOriginal()
	require.False(t, acc.IsModified())

	acc.Lamports = 2000
	require.True(t, acc.IsModified())

	acc.Lamports = 1000
	acc.Data[0] = 10
	require.True(t, acc.IsModified())

	acc.Data[0] = 1
	acc.Data = append(acc.Data, 4)
	require.True(t, acc.IsModified())

	acc.Data = acc.Data[:3]
	acc.Owner = programB
	require.True(t, acc.IsModified())
}

func testCommit(t *testing.T, db accounts.DB) {
	seed(t, db)
	e := newTestExecutor(t, db)
	e.RegisterProgram(programA, invoke.Program{Entrypoint: fill(0xff)})

	res, err := e.Execute(10_000, []Instruction{{
		ProgramID: programA,
		Accounts:  []syscall.AccountMeta{{Pubkey: alice, IsWritable: true}, {Pubkey: bob}},
	}})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	require.Equal(t, []types.Pubkey{alice}, res.ModifiedAccounts)
	require.Equal(t, uint64(10_000), res.ComputeUnitsUsed+res.Remaining)
	require.NotZero(t, res.ComputeUnitsUsed)

	got, err := db.GetAccount(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(105), got.Lamports)
	require.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, got.Data)
	require.Equal(t, accounts.DeltaHash([]accounts.AccountEntry{{Pubkey: alice, Account: got}}), res.AccountsDeltaHash)

	untouched, err := db.GetAccount(bob)
	require.NoError(t, err)
	require.Equal(t, uint64(50), untouched.Lamports)
}

func TestExecuteCommitsWritableAccounts(t *testing.T) {
	testCommit(t, accounts.NewMemoryDB())
}

func TestExecuteCommitsToBadger(t *testing.T) {
	cfg := accounts.DefaultBadgerDBConfig("")
	cfg.InMemory = true
	db, err := accounts.NewBadgerDB(cfg)
	require.NoError(t, err)
	defer db.Close()
	testCommit(t, db)
}

func TestFailedTransactionDoesNotCommit(t *testing.T) {
	db := accounts.NewMemoryDB()
	seed(t, db)
	e := newTestExecutor(t, db)
	e.RegisterProgram(programA, invoke.Program{Entrypoint: func(ic *invoke.Context) error {
		if err := fill(0xff)(ic); err != nil {
			return err
		}
		return errCustom
	}})

	res, err := e.Execute(10_000, []Instruction{{
		ProgramID: programA,
		Accounts:  []syscall.AccountMeta{{Pubkey: alice, IsWritable: true}},
	}})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, errCustom)

	var ierr *invoke.InstructionError
	require.ErrorAs(t, res.Err, &ierr)
	require.Equal(t, uint32(1), ierr.Depth)

	got, err := db.GetAccount(alice)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, got.Data)
	require.Empty(t, res.ModifiedAccounts)
}

func TestNestedLoadDoesNotGrantWrite(t *testing.T) {
	db := accounts.NewMemoryDB()
	seed(t, db)
	sess, err := newTestExecutor(t, db).NewSession(10_000)
	require.NoError(t, err)
	ic := sess.Context()

	views, err := sess.Load([]syscall.AccountMeta{{Pubkey: bob}})
	require.NoError(t, err)
	f, err := ic.PushFrame(invoke.FrameRequest{ProgramID: programA, Accounts: views})
	require.NoError(t, err)

	views, err = sess.Load([]syscall.AccountMeta{{Pubkey: bob, IsWritable: true}})
	require.NoError(t, err)
	_, err = ic.PushFrame(invoke.FrameRequest{ProgramID: programB, Accounts: views})
	require.ErrorIs(t, err, invoke.ErrPrivilegeEscalation)

	f.Accounts()[0].State.Lamports = 0
	require.NoError(t, ic.PopFrame(nil))

	res, err := sess.Finish()
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, ErrAccountAccessDenied)

	got, err := db.GetAccount(bob)
	require.NoError(t, err)
	require.Equal(t, uint64(50), got.Lamports)
}

func TestReadOnlyAccountModified(t *testing.T) {
	db := accounts.NewMemoryDB()
	seed(t, db)
	e := newTestExecutor(t, db)
	e.RegisterProgram(programA, invoke.Program{Entrypoint: func(ic *invoke.Context) error {
		ic.ActiveFrame().Accounts()[0].State.Lamports = 0
		return nil
	}})

	res, err := e.Execute(10_000, []Instruction{{
		ProgramID: programA,
		Accounts:  []syscall.AccountMeta{{Pubkey: bob}},
	}})
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, ErrAccountAccessDenied)

	got, err := db.GetAccount(bob)
	require.NoError(t, err)
	require.Equal(t, uint64(50), got.Lamports)
}

func TestReadOnlyAccountWriteFaults(t *testing.T) {
	db := accounts.NewMemoryDB()
	seed(t, db)
	e := newTestExecutor(t, db)
	e.RegisterProgram(programA, invoke.Program{Entrypoint: fill(0)})

	res, err := e.Execute(10_000, []Instruction{{
		ProgramID: programA,
		Accounts:  []syscall.AccountMeta{{Pubkey: bob}},
	}})
	require.NoError(t, err)
	require.False(t, res.Success)

	got, err := db.GetAccount(bob)
	require.NoError(t, err)
	require.Equal(t, []byte{9}, got.Data)
}

func TestProgramResolution(t *testing.T) {
	db := accounts.NewMemoryDB()
	require.NoError(t, db.SetAccount(programB, &accounts.Account{Lamports: 1, Data: []byte("not code")}))
	e := newTestExecutor(t, db)
	e.RegisterProgram(programB, invoke.Program{})

	res, err := e.Execute(1000, []Instruction{{ProgramID: programA}})
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, ErrProgramNotFound)

	res, err = e.Execute(1000, []Instruction{{ProgramID: programB}})
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, ErrProgramNotExecutable)
	require.Zero(t, res.ComputeUnitsUsed)
}

func TestProgramCodeFromDatabase(t *testing.T) {
	db := accounts.NewMemoryDB()
	code := []byte("\x7fELF program")
	require.NoError(t, db.SetAccount(programA, &accounts.Account{Lamports: 1, Data: code, Executable: true}))
	e := newTestExecutor(t, db)

	var mapped []byte
	e.RegisterProgram(programA, invoke.Program{Entrypoint: func(ic *invoke.Context) error {
		f := ic.ActiveFrame()
		var err error
		mapped, err = f.Memory().ReadBytes(f.Layout().Program, uint64(len(code)))
		return err
	}})

	res, err := e.Execute(1000, []Instruction{{ProgramID: programA}})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	require.Equal(t, code, mapped)
}

func TestCrossProgramInvocationCommits(t *testing.T) {
	db := accounts.NewMemoryDB()
	seed(t, db)
	e := newTestExecutor(t, db)
	e.RegisterProgram(programB, invoke.Program{Entrypoint: fill(0xaa)})
	e.RegisterProgram(programA, invoke.Program{Entrypoint: func(ic *invoke.Context) error {
		return ic.Invoke(programB, []syscall.AccountMeta{{Pubkey: alice, IsWritable: true}}, nil, nil)
	}})

	res, err := e.Execute(10_000, []Instruction{{
		ProgramID: programA,
		Accounts:  []syscall.AccountMeta{{Pubkey: alice, IsWritable: true}},
	}})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	require.Contains(t, res.Logs, "Program "+programB.String()+" invoke [2]")

	got, err := db.GetAccount(alice)
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa, 0xaa, 0xaa, 0xaa}, got.Data)
}

func TestStopsAtFirstFailure(t *testing.T) {
	db := accounts.NewMemoryDB()
	e := newTestExecutor(t, db)
	runs := 0
	e.RegisterProgram(programA, invoke.Program{Entrypoint: func(*invoke.Context) error {
		runs++
		return errCustom
	}})

	res, err := e.Execute(1000, []Instruction{{ProgramID: programA, Budget: 100}, {ProgramID: programA}})
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, errCustom)
	require.Equal(t, 1, runs)
}

func TestSessionLifecycle(t *testing.T) {
	db := accounts.NewMemoryDB()
	seed(t, db)
	e := newTestExecutor(t, db)
	e.RegisterProgram(programA, invoke.Program{Entrypoint: fill(7)})

	s, err := e.NewSession(5000)
	require.NoError(t, err)
	require.NoError(t, s.Execute(Instruction{
		ProgramID: programA,
		Budget:    1000,
		Accounts:  []syscall.AccountMeta{{Pubkey: alice, IsWritable: true}},
	}))
	require.NoError(t, s.Execute(Instruction{
		ProgramID: programA,
		Budget:    1000,
		Accounts:  []syscall.AccountMeta{{Pubkey: alice, IsWritable: true}},
	}))

	// Both instructions see the same transaction account.
	views := s.Context().Accounts()
	require.Len(t, views, 1)
	require.Equal(t, uint64(110), views[0].Lamports)

	res, err := s.Finish()
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	_, err = s.Finish()
	require.ErrorIs(t, err, ErrSessionFinished)
	require.ErrorIs(t, s.Execute(Instruction{ProgramID: programA}), ErrSessionFinished)
}

func TestInstructionTooLarge(t *testing.T) {
	e := newTestExecutor(t, accounts.NewMemoryDB())
	e.RegisterProgram(programA, invoke.Program{})

	res, err := e.Execute(1000, []Instruction{{ProgramID: programA, Data: make([]byte, MaxInstructionDataSize+1)}})
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, ErrInstructionTooLarge)
}
