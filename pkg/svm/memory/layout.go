// Package memory implements the region table that backs a frame's virtual
// address space.
//
// Memory is organized into four region kinds, selected by the top 32 bits
// of a virtual address:
//   - Program (0x100000000): Read-only executable code
//   - Stack   (0x200000000): Read-write stack frames
//   - Heap    (0x300000000): Read-write heap memory
//   - Input   (0x400000000): Instruction data and account data
//
// Each kind is split into per-depth windows so that the frame-local regions
// of a caller and its callee never overlap.
package memory

// Virtual memory region base addresses.
const (
	VaddrProgram = uint64(0x1_0000_0000) // Read-only program code
	VaddrStack   = uint64(0x2_0000_0000) // Stack memory
	VaddrHeap    = uint64(0x3_0000_0000) // Heap memory
	VaddrInput   = uint64(0x4_0000_0000) // Input parameters
)

// Window layout.
const (
	// WindowShift sizes a per-depth window at 256 MB.
	WindowShift = 28

	// WindowSize is the span of one per-depth window.
	WindowSize = uint64(1) << WindowShift

	// MaxWindows is the number of windows that fit in one kind.
	MaxWindows = uint32(1 << (32 - WindowShift))
)

// WindowBase returns the first address of the window for depth inside the
// region kind starting at kind.
func WindowBase(kind uint64, depth uint32) uint64 {
	return kind + uint64(depth)<<WindowShift
}

// KindOf returns the region kind base for addr.
func KindOf(addr uint64) uint64 {
	return addr &^ 0xFFFF_FFFF
}

// KindName returns a short name for the region kind of addr.
func KindName(addr uint64) string {
	switch KindOf(addr) {
	case VaddrProgram:
		return "program"
	case VaddrStack:
		return "stack"
	case VaddrHeap:
		return "heap"
	case VaddrInput:
		return "input"
	default:
		return "unmapped"
	}
}

// AlignUp rounds n up to a multiple of align, which must be a power of two.
func AlignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
