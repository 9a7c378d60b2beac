package svm

import (
	"errors"
	"fmt"
	"math"
)

// Compute unit cost constants.
// These match the Solana/Agave reference implementation.
const (
	// Base costs
	CUDefault     = uint64(200_000)   // Default CU limit per instruction
	CUMax         = uint64(1_400_000) // Max CU limit per transaction
	CUSyscallBase = uint64(100)       // Base cost for syscalls
	CUInvokeBase  = uint64(1_000)     // Base cost for CPI

	// Logging
	CULogBase    = uint64(100) // sol_log_ base cost
	CULogPerByte = uint64(1)   // sol_log_ per byte
	CULogPubkey  = uint64(100) // sol_log_pubkey
	CULog64      = uint64(100) // sol_log_64_

	// Cryptographic operations
	CUSha256Base       = uint64(85) // SHA256 base cost
	CUSha256PerByte    = uint64(1)  // SHA256 per byte
	CUKeccak256Base    = uint64(85) // Keccak256 base cost
	CUKeccak256PerByte = uint64(1)  // Keccak256 per byte
	CUBlake3Base       = uint64(85) // Blake3 base cost
	CUBlake3PerByte    = uint64(1)  // Blake3 per byte

	// Memory operations
	CUMemoryOpBase    = uint64(10) // Base cost for memory ops
	CUMemoryOpPerByte = uint64(1)  // Per byte for memory ops

	// Address derivation
	CUCreateProgramAddress = uint64(1_500) // create_program_address
	CUFindProgramAddress   = uint64(1_500) // find_program_address per iteration

	// Heap
	CUHeapCostDefault = uint64(8) // Per 32KB heap page
)

// Heap size constants.
const (
	HeapSizeDefault = uint32(32 * 1024)  // 32 KB
	HeapSizeMin     = uint32(32 * 1024)  // 32 KB minimum
	HeapSizeMax     = uint32(256 * 1024) // 256 KB maximum
)

// Stack constants.
const (
	StackFrameSize = uint64(4096)                   // 4 KB per frame
	StackDepthMax  = uint64(64)                     // Max call depth
	StackSizeMax   = StackFrameSize * StackDepthMax // 256 KB total
)

// CPI constants.
const (
	CPIDepthMax = uint64(4) // Max CPI nesting depth

	// InvokeDepthMax is the max invocation stack height: the top-level
	// instruction plus CPIDepthMax nested calls.
	InvokeDepthMax = uint32(CPIDepthMax + 1)
)

// Dynamic budget constants.
const (
	// LamportsPerExtra1000CU is the priority fee that buys 1000 extra units.
	LamportsPerExtra1000CU = uint64(100)

	// ContentionCUPerPoint is the extra allowance per contended account.
	ContentionCUPerPoint = uint64(50)
)

var (
	// ErrComputeInvalidLimit is returned for invalid compute limit.
	ErrComputeInvalidLimit = errors.New("invalid compute unit limit")

	// ErrMeterClosed is returned when a meter is used after its frame was
	// reconciled.
	ErrMeterClosed = errors.New("compute meter closed")
)

// ComputeMeter tracks compute unit consumption for one frame.
//
// A meter is owned by exactly one frame and is not safe for concurrent use.
// remaining never exceeds limit. It only goes up through Refund, when a
// child meter returns its unused grant.
type ComputeMeter struct {
	remaining uint64
	limit     uint64

	// outstanding is the sum of grants to child meters not yet refunded.
	outstanding uint64

	parent *ComputeMeter
	closed bool
}

// NewComputeMeter creates a new root compute meter with the specified limit.
func NewComputeMeter(limit uint64) *ComputeMeter {
	return &ComputeMeter{
		remaining: limit,
		limit:     limit,
	}
}

// Consume deducts cost. If fewer than cost units remain it returns a
// *ComputeExhaustedError and leaves the meter untouched.
func (cm *ComputeMeter) Consume(cost uint64) error {
	if cm.closed {
		return ErrMeterClosed
	}
	if cost > cm.remaining {
		return &ComputeExhaustedError{Needed: cost - cm.remaining}
	}
	cm.remaining -= cost
	return nil
}

// Allot carves a child meter out of cm. The child receives
// min(requested, remaining) units and cm is debited by that amount
// immediately.
func (cm *ComputeMeter) Allot(requested uint64) *ComputeMeter {
	granted := requested
	if cm.closed {
		granted = 0
	} else if granted > cm.remaining {
		granted = cm.remaining
	}
	cm.remaining -= granted
	cm.outstanding = saturatingAdd(cm.outstanding, granted)
	return &ComputeMeter{
		remaining: granted,
		limit:     granted,
		parent:    cm,
	}
}

// Refund returns the unused part of child's grant to cm and closes child.
// It credits at most what was originally debited for child, never lifts
// cm above its own limit, and returns the number of units credited.
// Refunding a closed meter or a meter cm did not allot is a no-op.
func (cm *ComputeMeter) Refund(child *ComputeMeter) uint64 {
	if child == nil || child.parent != cm || child.closed {
		return 0
	}
	child.closed = true

	unused := child.remaining
	if unused > child.limit {
		unused = child.limit
	}
	if unused > cm.outstanding {
		unused = cm.outstanding
	}
	cm.outstanding = saturatingSub(cm.outstanding, child.limit)

	room := cm.limit - cm.remaining
	if unused > room {
		unused = room
	}
	cm.remaining += unused
	child.remaining = 0
	return unused
}

// Abandon closes child without crediting anything back to cm. It is used
// when a fatal error discards pending refunds.
func (cm *ComputeMeter) Abandon(child *ComputeMeter) {
	if child == nil || child.parent != cm || child.closed {
		return
	}
	child.closed = true
	cm.outstanding = saturatingSub(cm.outstanding, child.limit)
}

// Remaining returns the remaining compute units.
func (cm *ComputeMeter) Remaining() uint64 {
	return cm.remaining
}

// Consumed returns the units this meter has spent, including units still
// granted to live child meters.
func (cm *ComputeMeter) Consumed() uint64 {
	return cm.limit - cm.remaining
}

// Outstanding returns the units granted to child meters and not yet
// reconciled.
func (cm *ComputeMeter) Outstanding() uint64 {
	return cm.outstanding
}

// Limit returns the compute unit limit.
func (cm *ComputeMeter) Limit() uint64 {
	return cm.limit
}

// Closed reports whether the meter was reconciled with its parent.
func (cm *ComputeMeter) Closed() bool {
	return cm.closed
}

// ComputeBudgetLimits contains the compute budget of a transaction.
type ComputeBudgetLimits struct {
	// ComputeUnitLimit is the maximum compute units for the transaction.
	ComputeUnitLimit uint32

	// ComputeUnitPrice is the price in micro-lamports per compute unit.
	ComputeUnitPrice uint64

	// HeapSize is the heap mapped for every frame, in bytes.
	HeapSize uint32
}

// DefaultComputeBudgetLimits returns the default compute budget limits.
func DefaultComputeBudgetLimits() *ComputeBudgetLimits {
	return &ComputeBudgetLimits{
		ComputeUnitLimit: uint32(CUDefault),
		HeapSize:         HeapSizeDefault,
	}
}

// NewComputeBudgetLimits derives the limits of a transaction paying
// priorityFee lamports on top of base units, with the given contention
// allowance. The fee buys units through DynamicComputeLimit and sets the
// unit price.
func NewComputeBudgetLimits(base, priorityFee, contention uint64, heapSize uint32) (*ComputeBudgetLimits, error) {
	l := DefaultComputeBudgetLimits()
	l.ComputeUnitLimit = uint32(DynamicComputeLimit(base, priorityFee, contention))
	if heapSize != 0 {
		l.HeapSize = heapSize
	}
	if l.ComputeUnitLimit != 0 {
		l.ComputeUnitPrice = saturatingMul(priorityFee, 1_000_000) / uint64(l.ComputeUnitLimit)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Validate checks the limits against the protocol bounds.
func (l *ComputeBudgetLimits) Validate() error {
	if l.ComputeUnitLimit == 0 || uint64(l.ComputeUnitLimit) > CUMax {
		return fmt.Errorf("%w: %d units", ErrComputeInvalidLimit, l.ComputeUnitLimit)
	}
	if l.HeapSize < HeapSizeMin || l.HeapSize > HeapSizeMax || l.HeapSize%1024 != 0 {
		return fmt.Errorf("%w: heap size %d", ErrComputeInvalidLimit, l.HeapSize)
	}
	return nil
}

// DynamicComputeLimit extends base with units bought by the priority fee
// and an allowance for account contention. The result saturates and is
// capped at CUMax.
func DynamicComputeLimit(base, priorityFee, contention uint64) uint64 {
	boost := saturatingMul(priorityFee/LamportsPerExtra1000CU, 1000)
	limit := saturatingAdd(base, boost)
	limit = saturatingAdd(limit, saturatingMul(contention, ContentionCUPerPoint))
	if limit > CUMax {
		limit = CUMax
	}
	return limit
}

// HeapCost returns the compute cost of a heap of the given size.
func HeapCost(heapSize uint32) uint64 {
	pages := (uint64(heapSize) + 32*1024 - 1) / (32 * 1024)
	if pages == 0 {
		return 0
	}
	return saturatingMul(pages-1, CUHeapCostDefault)
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func saturatingMul(a, b uint64) uint64 {
	if a != 0 && b > math.MaxUint64/a {
		return math.MaxUint64
	}
	return a * b
}

// SaturatingAdd adds two unit counts, clamping at the max uint64.
func SaturatingAdd(a, b uint64) uint64 { return saturatingAdd(a, b) }

// SaturatingMul multiplies two unit counts, clamping at the max uint64.
func SaturatingMul(a, b uint64) uint64 { return saturatingMul(a, b) }
