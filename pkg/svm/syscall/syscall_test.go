package syscall

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/fortiblox/x1-invoke/internal/types"
	"github.com/fortiblox/x1-invoke/pkg/svm"
	"github.com/fortiblox/x1-invoke/pkg/svm/memory"
)

const (
	heap  = memory.VaddrHeap
	input = memory.VaddrInput
)

type invocation struct {
	programID types.Pubkey
	accounts  []AccountMeta
	data      []byte
	signers   []types.Pubkey
}

// testContext is a minimal Context backed by one heap and one read-only
// input region.
type testContext struct {
	mem        *memory.Table
	meter      *svm.ComputeMeter
	programID  types.Pubkey
	logs       []string
	dataLogs   [][][]byte
	returnData []byte
	invoked    []invocation
	invokeErr  error
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()
	mem := memory.NewTable()
	if err := mem.AddRegion(memory.Region{Host: make([]byte, 4096), VirtualBase: heap, Perm: svm.AccessRead | svm.AccessWrite}); err != nil {
		t.Fatal(err)
	}
	if err := mem.AddRegion(memory.Region{Host: []byte("hello world"), VirtualBase: input, Perm: svm.AccessRead}); err != nil {
		t.Fatal(err)
	}
	return &testContext{
		mem:       mem,
		meter:     svm.NewComputeMeter(1_000_000),
		programID: types.Pubkey{7},
	}
}

func (c *testContext) Memory() *memory.Table       { return c.mem }
func (c *testContext) Log(msg string)              { c.logs = append(c.logs, msg) }
func (c *testContext) LogData(data [][]byte)       { c.dataLogs = append(c.dataLogs, data) }
func (c *testContext) ConsumeCU(cost uint64) error { return c.meter.Consume(cost) }
func (c *testContext) RemainingCU() uint64         { return c.meter.Remaining() }
func (c *testContext) ProgramID() types.Pubkey     { return c.programID }
func (c *testContext) StackHeight() uint32         { return 1 }

func (c *testContext) SetReturnData(data []byte) error {
	c.returnData = data
	return nil
}

func (c *testContext) ReturnData() (types.Pubkey, []byte) {
	return c.programID, c.returnData
}

func (c *testContext) Invoke(programID types.Pubkey, accounts []AccountMeta, data []byte, signers []types.Pubkey) error {
	c.invoked = append(c.invoked, invocation{programID, accounts, data, signers})
	return c.invokeErr
}

// call runs a syscall through the same steps as dispatch.
func call(t *testing.T, ctx *testContext, name string, args ...uint64) (uint64, error) {
	t.Helper()
	def, ok := NewBuiltinRegistry().Lookup(name)
	if !ok {
		t.Fatalf("syscall %s not registered", name)
	}
	if err := def.Validate(args); err != nil {
		return 0, err
	}
	ops, err := def.Translate(ctx.mem, args)
	if err != nil {
		return 0, err
	}
	if err := ctx.meter.Consume(def.TotalCost(args)); err != nil {
		return 0, err
	}
	return def.Effect(ctx, args, ops)
}

func mustWrite(t *testing.T, ctx *testContext, addr uint64, p []byte) {
	t.Helper()
	if err := ctx.mem.Write(addr, p); err != nil {
		t.Fatal(err)
	}
}

// writeSlices stores (ptr, len) pairs describing data at addr and the data
// itself at dataAddr.
func writeSlices(t *testing.T, ctx *testContext, addr, dataAddr uint64, data ...[]byte) {
	t.Helper()
	for i, d := range data {
		mustWrite(t, ctx, dataAddr, d)
		if err := ctx.mem.Write64(addr+uint64(i)*16, dataAddr); err != nil {
			t.Fatal(err)
		}
		if err := ctx.mem.Write64(addr+uint64(i)*16+8, uint64(len(d))); err != nil {
			t.Fatal(err)
		}
		dataAddr += uint64(len(d))
	}
}

func TestMurmur3Hash(t *testing.T) {
	tests := map[string]uint32{
		"abort":       0xb6fc1a11,
		"sol_panic_":  0x686093bb,
		"sol_log_":    0x207559bd,
		"sol_memcpy_": 0x717cc4a3,
	}
	for name, want := range tests {
		if got := Murmur3Hash(name); got != want {
			t.Errorf("Murmur3Hash(%q) = %#x, want %#x", name, got, want)
		}
	}
}

func TestBuiltinsRegister(t *testing.T) {
	r := NewBuiltinRegistry()
	if r.Len() != len(Builtins()) {
		t.Fatalf("Len = %d, want %d", r.Len(), len(Builtins()))
	}
	for _, name := range r.Names() {
		def, ok := r.Lookup(name)
		if !ok || def.Name != name {
			t.Errorf("Lookup(%q) failed", name)
		}
		if got, ok := r.Get(Murmur3Hash(name)); !ok || got != def {
			t.Errorf("Get(hash(%q)) mismatch", name)
		}
	}
	if _, ok := r.Lookup("sol_nonexistent"); ok {
		t.Error("Lookup of unknown syscall succeeded")
	}

	err := r.Register(&Definition{Name: "sol_log_", Effect: func(Context, Args, Operands) (uint64, error) { return 0, nil }})
	if !errors.Is(err, ErrDuplicateSyscall) {
		t.Errorf("duplicate register: got %v", err)
	}
}

func TestValidate(t *testing.T) {
	r := NewBuiltinRegistry()
	tests := []struct {
		name    string
		syscall string
		args    Args
		reason  string
	}{
		{"ok", "sol_log_", Args{input, 5}, ""},
		{"arity", "sol_log_", Args{input}, "expected 2 arguments, got 1"},
		{"too long", "sol_log_", Args{input, MaxLogMsgLen + 1}, "len=10001 exceeds 10000"},
		{"null", "sol_log_", Args{0, 5}, "msg is null"},
		{"nullable", "sol_set_return_data", Args{0, 0}, ""},
		{"overlap", "sol_memcpy_", Args{heap, heap + 4, 8}, "overlapping copy"},
		{"adjacent", "sol_memcpy_", Args{heap, heap + 8, 8}, ""},
		{"slices", "sol_sha256", Args{heap, MaxHashSlices + 1, heap}, "n=101 exceeds 100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, _ := r.Lookup(tt.syscall)
			err := def.Validate(tt.args)
			if tt.reason == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var invalid *svm.InvalidSyscallArgumentsError
			if !errors.As(err, &invalid) {
				t.Fatalf("got %v, want InvalidSyscallArgumentsError", err)
			}
			if invalid.Syscall != tt.syscall || invalid.Reason != tt.reason {
				t.Errorf("got %s/%q, want %s/%q", invalid.Syscall, invalid.Reason, tt.syscall, tt.reason)
			}
		})
	}
}

func TestTranslateOperands(t *testing.T) {
	ctx := newTestContext(t)
	r := NewBuiltinRegistry()

	def, _ := r.Lookup("sol_memcmp_")
	args := Args{heap, input, 4, heap + 64}
	ops, err := def.Translate(ctx.mem, args)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops[0]) != 4 || len(ops[1]) != 4 || len(ops[2]) != 0 || len(ops[3]) != 4 {
		t.Errorf("operand sizes %d/%d/%d/%d", len(ops[0]), len(ops[1]), len(ops[2]), len(ops[3]))
	}

	// misaligned result
	if _, err := def.Translate(ctx.mem, Args{heap, input, 4, heap + 66}); !errors.Is(err, svm.ErrAccessViolation) {
		t.Errorf("misaligned result: got %v", err)
	}
	// write into read-only input
	def, _ = r.Lookup("sol_memset_")
	if _, err := def.Translate(ctx.mem, Args{input, 0, 4}); !errors.Is(err, svm.ErrAccessViolation) {
		t.Errorf("write to read-only: got %v", err)
	}
}

func TestLogging(t *testing.T) {
	ctx := newTestContext(t)

	if _, err := call(t, ctx, "sol_log_", input, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := call(t, ctx, "sol_log_64_", 1, 2, 3, 4, 255); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, ctx, heap, ctx.programID[:])
	if _, err := call(t, ctx, "sol_log_pubkey", heap); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"Program log: hello",
		"Program log: 0x1, 0x2, 0x3, 0x4, 0xff",
		"Program log: " + ctx.programID.String(),
	}
	for i, w := range want {
		if ctx.logs[i] != w {
			t.Errorf("log %d = %q, want %q", i, ctx.logs[i], w)
		}
	}

	// fixed 100 + 1 per byte, 100, 100
	if got := ctx.meter.Consumed(); got != 305 {
		t.Errorf("consumed %d, want 305", got)
	}

	if _, err := call(t, ctx, "sol_log_compute_units_"); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(ctx.logs[3], "units remaining") {
		t.Errorf("compute units log %q", ctx.logs[3])
	}

	writeSlices(t, ctx, heap+256, heap+512, []byte("ab"), []byte("cde"))
	if _, err := call(t, ctx, "sol_log_data", heap+256, 2); err != nil {
		t.Fatal(err)
	}
	if len(ctx.dataLogs) != 1 || string(ctx.dataLogs[0][1]) != "cde" {
		t.Errorf("data logs %q", ctx.dataLogs)
	}
}

func TestMemoryOps(t *testing.T) {
	ctx := newTestContext(t)

	if _, err := call(t, ctx, "sol_memcpy_", heap, input, 11); err != nil {
		t.Fatal(err)
	}
	if _, err := call(t, ctx, "sol_memmove_", heap+2, heap, 5); err != nil {
		t.Fatal(err)
	}
	got, _ := ctx.mem.ReadBytes(heap, 11)
	if string(got) != "hehelloorld" {
		t.Errorf("after memmove: %q", got)
	}

	if _, err := call(t, ctx, "sol_memset_", heap+100, 0x1ab, 4); err != nil {
		t.Fatal(err)
	}
	got, _ = ctx.mem.ReadBytes(heap+100, 4)
	if !bytes.Equal(got, []byte{0xab, 0xab, 0xab, 0xab}) {
		t.Errorf("memset: %x", got)
	}

	mustWrite(t, ctx, heap+200, []byte("hellp"))
	if _, err := call(t, ctx, "sol_memcmp_", input, heap+200, 5, heap+300); err != nil {
		t.Fatal(err)
	}
	res, _ := ctx.mem.Read32(heap + 300)
	if int32(res) != int32('o')-int32('p') {
		t.Errorf("memcmp result %d", int32(res))
	}

	before := ctx.meter.Remaining()
	_, err := call(t, ctx, "sol_memcpy_", heap, input+8, 8)
	if !errors.Is(err, svm.ErrAccessViolation) {
		t.Fatalf("straddling copy: got %v", err)
	}
	if ctx.meter.Remaining() != before {
		t.Error("failed translation charged compute")
	}
}

func TestHashes(t *testing.T) {
	ctx := newTestContext(t)
	writeSlices(t, ctx, heap, heap+1024, []byte("hello "), []byte("world"))

	tests := []struct {
		name string
		want [HashResultLen]byte
	}{
		{"sol_sha256", Sha256([]byte("hello world"))},
		{"sol_keccak256", Keccak256([]byte("hello world"))},
		{"sol_blake3", Blake3([]byte("hello world"))},
	}
	for _, tt := range tests {
		before := ctx.meter.Remaining()
		if _, err := call(t, ctx, tt.name, heap, 2, heap+2048); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		got, _ := ctx.mem.ReadBytes(heap+2048, HashResultLen)
		if !bytes.Equal(got, tt.want[:]) {
			t.Errorf("%s = %x, want %x", tt.name, got, tt.want)
		}
		if spent := before - ctx.meter.Remaining(); spent != 85+11 {
			t.Errorf("%s charged %d, want 96", tt.name, spent)
		}
	}
	if Sha256([]byte("hello "), []byte("world")) != Sha256([]byte("hello world")) {
		t.Error("Sha256 is not over the concatenation")
	}
}

func TestReturnData(t *testing.T) {
	ctx := newTestContext(t)
	if _, err := call(t, ctx, "sol_set_return_data", input, 5); err != nil {
		t.Fatal(err)
	}
	n, err := call(t, ctx, "sol_get_return_data", heap, 3, heap+64)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("length %d, want 5", n)
	}
	got, _ := ctx.mem.ReadBytes(heap, 4)
	if string(got) != "hel\x00" {
		t.Errorf("copied %q", got)
	}
	pid, _ := ctx.mem.ReadBytes(heap+64, 32)
	if !bytes.Equal(pid, ctx.programID[:]) {
		t.Errorf("program id %x", pid)
	}

	if _, err := call(t, ctx, "sol_set_return_data", input, MaxReturnData+1); !errors.Is(err, svm.ErrInvalidSyscallArguments) {
		t.Errorf("oversized return data: got %v", err)
	}
}

func TestRuntimeSyscalls(t *testing.T) {
	ctx := newTestContext(t)
	if h, err := call(t, ctx, "sol_get_stack_height"); err != nil || h != 1 {
		t.Errorf("stack height = %d, %v", h, err)
	}
	if n, err := call(t, ctx, "sol_remaining_compute_units"); err != nil || n != ctx.meter.Remaining() {
		t.Errorf("remaining = %d, %v", n, err)
	}
	if _, err := call(t, ctx, "abort"); !errors.Is(err, ErrAborted) {
		t.Errorf("abort: got %v", err)
	}
	mustWrite(t, ctx, heap, []byte("lib.rs"))
	_, err := call(t, ctx, "sol_panic_", heap, 6, 42, 7)
	if !errors.Is(err, ErrPanicked) || !strings.Contains(err.Error(), "lib.rs:42:7") {
		t.Errorf("panic: got %v", err)
	}
}

func TestProgramAddress(t *testing.T) {
	ctx := newTestContext(t)
	programID := types.Pubkey{1, 2, 3}
	mustWrite(t, ctx, heap+512, programID[:])
	writeSlices(t, ctx, heap, heap+1024, []byte("vault"))

	want, bump, err := FindProgramAddress([][]byte{[]byte("vault")}, programID)
	if err != nil {
		t.Fatal(err)
	}

	before := ctx.meter.Remaining()
	rc, err := call(t, ctx, "sol_try_find_program_address", heap, 1, heap+512, heap+600, heap+640)
	if err != nil || rc != 0 {
		t.Fatalf("find: rc=%d err=%v", rc, err)
	}
	got, _ := ctx.mem.ReadBytes(heap+600, 32)
	gotBump, _ := ctx.mem.Read8(heap + 640)
	if !bytes.Equal(got, want[:]) || gotBump != bump {
		t.Errorf("find = %x/%d, want %x/%d", got, gotBump, want, bump)
	}
	attempts := uint64(256 - int(bump))
	if spent := before - ctx.meter.Remaining(); spent != attempts*svm.CUFindProgramAddress {
		t.Errorf("find charged %d for %d attempts", spent, attempts)
	}

	// create with the found bump yields the same address
	writeSlices(t, ctx, heap, heap+1024, []byte("vault"), []byte{bump})
	rc, err = call(t, ctx, "sol_create_program_address", heap, 2, heap+512, heap+700)
	if err != nil || rc != 0 {
		t.Fatalf("create: rc=%d err=%v", rc, err)
	}
	got, _ = ctx.mem.ReadBytes(heap+700, 32)
	if !bytes.Equal(got, want[:]) {
		t.Errorf("create = %x, want %x", got, want)
	}

	// oversized seed
	writeSlices(t, ctx, heap, heap+1024, make([]byte, MaxSeedLen+1))
	if rc, err := call(t, ctx, "sol_create_program_address", heap, 1, heap+512, heap+700); err != nil || rc != 1 {
		t.Errorf("long seed: rc=%d err=%v", rc, err)
	}
}

func TestIsOnCurve(t *testing.T) {
	base := make([]byte, 32)
	base[0] = 0x58
	for i := 1; i < 32; i++ {
		base[i] = 0x66
	}
	identity := make([]byte, 32)
	identity[0] = 1
	// y = p is a non-canonical encoding of y = 0, which is on the curve.
	yEqualsP := bytes.Repeat([]byte{0xff}, 32)
	yEqualsP[0] = 0xed
	yEqualsP[31] = 0x7f

	if !isOnCurve(base) {
		t.Error("base point not on curve")
	}
	if !isOnCurve(identity) {
		t.Error("identity not on curve")
	}
	if !isOnCurve(yEqualsP) {
		t.Error("non-canonical y = p not on curve")
	}
	if isOnCurve(base[:31]) {
		t.Error("short input on curve")
	}

	pda, _, err := FindProgramAddress([][]byte{[]byte("vault")}, types.Pubkey{7})
	if err != nil {
		t.Fatal(err)
	}
	if isOnCurve(pda[:]) {
		t.Errorf("program address %s on curve", pda)
	}
}

func TestInvokeSigned(t *testing.T) {
	ctx := newTestContext(t)
	callee := types.Pubkey{9}
	pda, bump, err := FindProgramAddress([][]byte{[]byte("auth")}, ctx.programID)
	if err != nil {
		t.Fatal(err)
	}

	le := binary.LittleEndian
	mustWrite(t, ctx, heap+1000, callee[:])
	mustWrite(t, ctx, heap+1100, pda[:])
	// one writable meta at heap+1200
	meta := make([]byte, solAccountMetaSize)
	le.PutUint64(meta, heap+1100)
	meta[8] = 1
	meta[9] = 1
	mustWrite(t, ctx, heap+1200, meta)
	mustWrite(t, ctx, heap+1300, []byte{0xde, 0xad})
	ix := make([]byte, solInstructionSize)
	le.PutUint64(ix[0:], heap+1000)
	le.PutUint64(ix[8:], heap+1200)
	le.PutUint64(ix[16:], 1)
	le.PutUint64(ix[24:], heap+1300)
	le.PutUint64(ix[32:], 2)
	mustWrite(t, ctx, heap, ix)

	// one signer group with seeds "auth", bump
	writeSlices(t, ctx, heap+1600, heap+1700, []byte("auth"), []byte{bump})
	if err := ctx.mem.Write64(heap+1500, heap+1600); err != nil {
		t.Fatal(err)
	}
	if err := ctx.mem.Write64(heap+1508, 2); err != nil {
		t.Fatal(err)
	}

	rc, err := call(t, ctx, "sol_invoke_signed_c", heap, 0, 0, heap+1500, 1)
	if err != nil || rc != 0 {
		t.Fatalf("invoke: rc=%d err=%v", rc, err)
	}
	if len(ctx.invoked) != 1 {
		t.Fatalf("invoked %d times", len(ctx.invoked))
	}
	inv := ctx.invoked[0]
	if inv.programID != callee || !bytes.Equal(inv.data, []byte{0xde, 0xad}) {
		t.Errorf("invocation %+v", inv)
	}
	if len(inv.accounts) != 1 || inv.accounts[0].Pubkey != pda || !inv.accounts[0].IsWritable || !inv.accounts[0].IsSigner {
		t.Errorf("accounts %+v", inv.accounts)
	}
	if len(inv.signers) != 1 || inv.signers[0] != pda {
		t.Errorf("signers %v, want [%s]", inv.signers, pda)
	}

	// callee failure is reported in r0
	ctx.invokeErr = fmt.Errorf("%w: boom", ErrCalleeFailed)
	if rc, err := call(t, ctx, "sol_invoke_signed_c", heap, 0, 0, 0, 0); err != nil || rc != 1 {
		t.Errorf("failed callee: rc=%d err=%v", rc, err)
	}
	// an invocation that cannot start aborts the caller
	ctx.invokeErr = &svm.DepthExceededError{Max: 5}
	if _, err := call(t, ctx, "sol_invoke_signed_c", heap, 0, 0, 0, 0); !errors.Is(err, svm.ErrDepthExceeded) {
		t.Errorf("refused invoke: got %v", err)
	}
	// fatal errors propagate
	ctx.invokeErr = &svm.FatalCorruptionError{Detail: "test"}
	if _, err := call(t, ctx, "sol_invoke_signed_c", heap, 0, 0, 0, 0); !svm.IsFatal(err) {
		t.Errorf("fatal callee: got %v", err)
	}
}
