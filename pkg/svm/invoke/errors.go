package invoke

import (
	"errors"
	"fmt"

	"github.com/fortiblox/x1-invoke/internal/types"
)

// Invoke context errors.
var (
	ErrContextHalted       = errors.New("invoke context halted")
	ErrNoActiveFrame       = errors.New("no active frame")
	ErrFrameNotActive      = errors.New("frame is not active")
	ErrFramesActive        = errors.New("frames still active")
	ErrPrivilegeEscalation = errors.New("privilege escalation")
	ErrMissingAccount      = errors.New("account not available to caller")
	ErrProgramNotFound     = errors.New("program not found")
)

// InstructionError is a frame-local failure surfaced to the caller of
// PopFrame. The context stays usable.
type InstructionError struct {
	ProgramID types.Pubkey
	Depth     uint32
	Err       error
}

func (e *InstructionError) Error() string {
	return fmt.Sprintf("program %s failed at depth %d: %v", e.ProgramID, e.Depth, e.Err)
}

func (e *InstructionError) Unwrap() error { return e.Err }
