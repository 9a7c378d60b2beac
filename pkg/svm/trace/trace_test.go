package trace

import (
	"errors"
	"reflect"
	"testing"
)

func sampleEntries() []Entry {
	l := NewLog()
	l.Record(FrameEnter, 1, "invoke Tokenkeg", 0, "")
	l.Record(SyscallEnter, 1, "sol_log_", 0, "")
	l.Record(SyscallExit, 1, "sol_log_", 105, "ok")
	l.Record(SyscallExit, 1, "sol_log_", 120, "ok")
	l.Record(SyscallExit, 1, "sol_log_", 90, "ok")
	l.Record(SyscallExit, 1, "sol_log_", 90, "compute_exhausted")
	l.Record(FrameExit, 1, "invoke Tokenkeg", 405, "compute_exhausted")
	return l.Drain()
}

func TestRecordOrdinals(t *testing.T) {
	l := NewLog()
	l.Record(FrameEnter, 1, "a", 0, "")
	l.Record(FrameExit, 1, "a", 10, "ok")

	entries := l.Entries()
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	for i, e := range entries {
		if e.Ordinal != uint64(i) {
			t.Errorf("entry %d ordinal = %d", i, e.Ordinal)
		}
	}
	if last, ok := l.Last(); !ok || last.Kind != FrameExit {
		t.Errorf("Last() = %v, %v", last, ok)
	}
}

// TestDrain checks that a drain returns the full log and a second drain
// returns nothing.
func TestDrain(t *testing.T) {
	l := NewLog()
	for i := 0; i < 5; i++ {
		l.Record(SyscallEnter, 1, "x", 0, "")
	}

	first := l.Drain()
	if len(first) != 5 {
		t.Errorf("first Drain() len = %d, want 5", len(first))
	}
	second := l.Drain()
	if second == nil || len(second) != 0 {
		t.Errorf("second Drain() = %v, want empty", second)
	}

	// Ordinals continue after a drain.
	l.Record(SyscallExit, 1, "x", 1, "ok")
	if got := l.Drain()[0].Ordinal; got != 5 {
		t.Errorf("ordinal after drain = %d, want 5", got)
	}
}

func TestCompressLossless(t *testing.T) {
	entries := sampleEntries()
	runs := Compress(entries)

	// Enter, enter, three ok exits, one failed exit, frame exit.
	if len(runs) != 5 {
		t.Fatalf("len(runs) = %d, want 5: %+v", len(runs), runs)
	}
	if runs[2].Count() != 3 || runs[2].TotalConsumed() != 315 {
		t.Errorf("run 2 = %+v", runs[2])
	}
	if got := Expand(runs); !reflect.DeepEqual(got, entries) {
		t.Errorf("Expand(Compress()) mismatch:\n got %+v\nwant %+v", got, entries)
	}
}

func TestCompressDoesNotMutate(t *testing.T) {
	entries := sampleEntries()
	before := make([]Entry, len(entries))
	copy(before, entries)
	Compress(entries)
	if !reflect.DeepEqual(before, entries) {
		t.Error("Compress modified its input")
	}
	if len(Compress(nil)) != 0 {
		t.Error("Compress(nil) should be empty")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	entries := sampleEntries()
	data, err := Marshal(entries)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(got, entries) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, entries)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte("not zstd")); !errors.Is(err, ErrBadExport) {
		t.Errorf("Unmarshal(garbage) = %v, want ErrBadExport", err)
	}

	// Valid zstd, bad payload.
	raw := encodeRaw(sampleEntries())
	raw[0] = 'Y'
	if _, err := decodeRaw(raw); !errors.Is(err, ErrBadExport) {
		t.Errorf("decodeRaw(bad magic) = %v, want ErrBadExport", err)
	}
	if _, err := decodeRaw(encodeRaw(sampleEntries())[:20]); !errors.Is(err, ErrBadExport) {
		t.Errorf("decodeRaw(truncated) = %v, want ErrBadExport", err)
	}
}

func TestDigest(t *testing.T) {
	a := Digest(sampleEntries())
	b := Digest(sampleEntries())
	if a != b {
		t.Error("equal traces produced different digests")
	}
	entries := sampleEntries()
	entries[2].ComputeConsumed++
	if Digest(entries) == a {
		t.Error("different traces produced equal digests")
	}
}

func TestEntryString(t *testing.T) {
	e := Entry{Ordinal: 3, Depth: 2, Kind: SyscallExit, Label: "sol_log_", ComputeConsumed: 7, Outcome: "ok"}
	want := "     3     SyscallExit  sol_log_ consumed=7 outcome=ok"
	if got := e.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
