package memory

import (
	"encoding/binary"

	"github.com/fortiblox/x1-invoke/pkg/svm"
)

// Typed access helpers used by syscall effects for indirect operands.
// Multi-byte values are little-endian. None of them enforce alignment;
// callers that need it use TranslateAligned.

// Read copies len(p) bytes at addr into p.
func (t *Table) Read(addr uint64, p []byte) error {
	mem, err := t.Translate(addr, uint64(len(p)), svm.AccessRead)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// ReadBytes returns a copy of n bytes at addr.
func (t *Table) ReadBytes(addr, n uint64) ([]byte, error) {
	mem, err := t.Translate(addr, n, svm.AccessRead)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, mem)
	return out, nil
}

// Read8 reads a byte from virtual memory.
func (t *Table) Read8(addr uint64) (uint8, error) {
	mem, err := t.Translate(addr, 1, svm.AccessRead)
	if err != nil {
		return 0, err
	}
	return mem[0], nil
}

// Read32 reads a 32-bit value from virtual memory.
func (t *Table) Read32(addr uint64) (uint32, error) {
	mem, err := t.Translate(addr, 4, svm.AccessRead)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

// Read64 reads a 64-bit value from virtual memory.
func (t *Table) Read64(addr uint64) (uint64, error) {
	mem, err := t.Translate(addr, 8, svm.AccessRead)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

// ReadSlices reads an array of n (ptr, len) pairs at addr and returns the
// referenced byte ranges as host slices. maxLen bounds each slice.
func (t *Table) ReadSlices(addr, n, maxLen uint64) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		ptr, err := t.Read64(addr + i*16)
		if err != nil {
			return nil, err
		}
		length, err := t.Read64(addr + i*16 + 8)
		if err != nil {
			return nil, err
		}
		if length > maxLen {
			return nil, &svm.AccessViolationError{Addr: ptr, Len: length, Access: svm.AccessRead, Reason: "slice too long"}
		}
		mem, err := t.Translate(ptr, length, svm.AccessRead)
		if err != nil {
			return nil, err
		}
		out = append(out, mem)
	}
	return out, nil
}

// Write writes p to virtual memory at addr.
func (t *Table) Write(addr uint64, p []byte) error {
	mem, err := t.Translate(addr, uint64(len(p)), svm.AccessWrite)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Write8 writes a byte to virtual memory.
func (t *Table) Write8(addr uint64, x uint8) error {
	mem, err := t.Translate(addr, 1, svm.AccessWrite)
	if err != nil {
		return err
	}
	mem[0] = x
	return nil
}

// Write64 writes a 64-bit value to virtual memory.
func (t *Table) Write64(addr uint64, x uint64) error {
	mem, err := t.Translate(addr, 8, svm.AccessWrite)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, x)
	return nil
}
