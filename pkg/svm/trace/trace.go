// Package trace records frame and syscall lifecycle events.
//
// A Log is append-only while execution runs. Entries carry an ordinal that
// reflects causal order; wall-clock time is never recorded. Drain hands the
// whole log to the caller and leaves it empty.
package trace

import (
	"fmt"
	"strings"
)

// Kind identifies a lifecycle event.
type Kind uint8

// Event kinds.
const (
	FrameEnter Kind = iota + 1
	FrameExit
	SyscallEnter
	SyscallExit
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case FrameEnter:
		return "FrameEnter"
	case FrameExit:
		return "FrameExit"
	case SyscallEnter:
		return "SyscallEnter"
	case SyscallExit:
		return "SyscallExit"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k >= FrameEnter && k <= SyscallExit
}

// Entry is one recorded event.
type Entry struct {
	// Ordinal is the position of the event in causal order.
	Ordinal uint64

	// Depth is the context depth when the event was recorded.
	Depth uint32

	Kind  Kind
	Label string

	// ComputeConsumed is zero on enter events. On exit events it holds
	// the units the frame or syscall consumed.
	ComputeConsumed uint64

	// Outcome is empty on enter events and an error kind tag ("ok",
	// "access_violation", ...) on exit events.
	Outcome string
}

// String formats the entry on one line, indented by depth.
func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%6d %s%-12s %s", e.Ordinal, strings.Repeat("  ", int(e.Depth)), e.Kind, e.Label)
	if e.Kind == FrameExit || e.Kind == SyscallExit {
		fmt.Fprintf(&b, " consumed=%d outcome=%s", e.ComputeConsumed, e.Outcome)
	}
	return b.String()
}

// Log is an append-only trace. It is owned by a single InvokeContext and
// is not safe for concurrent use.
type Log struct {
	entries []Entry
	next    uint64
}

// NewLog creates an empty trace log.
func NewLog() *Log {
	return &Log{}
}

// Record appends an entry. It never fails.
func (l *Log) Record(kind Kind, depth uint32, label string, consumed uint64, outcome string) {
	l.entries = append(l.entries, Entry{
		Ordinal:         l.next,
		Depth:           depth,
		Kind:            kind,
		Label:           label,
		ComputeConsumed: consumed,
		Outcome:         outcome,
	})
	l.next++
}

// Drain returns every entry recorded since the last drain and empties the
// log. Ordinals keep counting across drains.
func (l *Log) Drain() []Entry {
	out := l.entries
	l.entries = nil
	if out == nil {
		return []Entry{}
	}
	return out
}

// Entries returns a copy of the live log without draining it.
func (l *Log) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of live entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// Last returns the most recent entry.
func (l *Log) Last() (Entry, bool) {
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}
