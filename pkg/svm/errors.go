package svm

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Every typed error below unwraps to exactly one of these,
// so callers can classify with errors.Is and extract details with errors.As.
var (
	// ErrComputeExceeded is returned when compute units are exhausted.
	ErrComputeExceeded = errors.New("compute budget exceeded")

	// ErrAccessViolation is returned for any rejected memory translation.
	ErrAccessViolation = errors.New("access violation")

	// ErrDepthExceeded is returned when a push would exceed the max depth.
	ErrDepthExceeded = errors.New("invocation depth exceeded")

	// ErrInvalidSyscallArguments is returned when syscall arguments do not
	// match the declared signature.
	ErrInvalidSyscallArguments = errors.New("invalid syscall arguments")

	// ErrFatalCorruption marks a non-recoverable failure. It unwinds the
	// whole frame stack.
	ErrFatalCorruption = errors.New("fatal corruption")
)

// Access is a set of memory permissions.
type Access uint8

// Memory permissions.
const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExecute
)

// AccessNone is the empty permission set.
const AccessNone Access = 0

// Has reports whether a grants every permission in want.
func (a Access) Has(want Access) bool {
	return a&want == want
}

// String returns the permissions in "rwx" form.
func (a Access) String() string {
	var b strings.Builder
	for _, p := range []struct {
		bit Access
		c   byte
	}{{AccessRead, 'r'}, {AccessWrite, 'w'}, {AccessExecute, 'x'}} {
		if a&p.bit != 0 {
			b.WriteByte(p.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// ComputeExhaustedError reports how many more units a charge needed.
type ComputeExhaustedError struct {
	Needed uint64
}

func (e *ComputeExhaustedError) Error() string {
	return fmt.Sprintf("%v: %d more units needed", ErrComputeExceeded, e.Needed)
}

func (e *ComputeExhaustedError) Unwrap() error { return ErrComputeExceeded }

// AccessViolationError describes a rejected translation.
type AccessViolationError struct {
	Addr   uint64
	Len    uint64
	Access Access
	Reason string
}

func (e *AccessViolationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%v: %s of %d bytes at 0x%x: %s", ErrAccessViolation, e.Access, e.Len, e.Addr, e.Reason)
	}
	return fmt.Sprintf("%v: %s of %d bytes at 0x%x", ErrAccessViolation, e.Access, e.Len, e.Addr)
}

func (e *AccessViolationError) Unwrap() error { return ErrAccessViolation }

// DepthExceededError is returned by a push that would exceed Max.
type DepthExceededError struct {
	Max uint32
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("%v: max %d", ErrDepthExceeded, e.Max)
}

func (e *DepthExceededError) Unwrap() error { return ErrDepthExceeded }

// InvalidSyscallArgumentsError is returned when a syscall is unknown to the
// frame or its arguments fail signature validation.
type InvalidSyscallArgumentsError struct {
	Syscall string
	Reason  string
}

func (e *InvalidSyscallArgumentsError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrInvalidSyscallArguments, e.Syscall, e.Reason)
}

func (e *InvalidSyscallArgumentsError) Unwrap() error { return ErrInvalidSyscallArguments }

// FatalCorruptionError marks state that can no longer be trusted.
type FatalCorruptionError struct {
	Detail string
}

func (e *FatalCorruptionError) Error() string {
	return fmt.Sprintf("%v: %s", ErrFatalCorruption, e.Detail)
}

func (e *FatalCorruptionError) Unwrap() error { return ErrFatalCorruption }

// IsFatal reports whether err must unwind the entire frame stack.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalCorruption)
}

// ErrorKind returns a short stable tag for err, used in trace outcomes.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrComputeExceeded):
		return "compute_exhausted"
	case errors.Is(err, ErrAccessViolation):
		return "access_violation"
	case errors.Is(err, ErrDepthExceeded):
		return "depth_exceeded"
	case errors.Is(err, ErrInvalidSyscallArguments):
		return "invalid_syscall_arguments"
	case errors.Is(err, ErrFatalCorruption):
		return "fatal_corruption"
	default:
		return "error"
	}
}
