package memory

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fortiblox/x1-invoke/pkg/svm"
)

// Region table errors.
var (
	ErrRegionOverlap  = errors.New("region overlaps an existing region")
	ErrRegionEmpty    = errors.New("region has no bytes")
	ErrRegionOverflow = errors.New("region end overflows the address space")
)

// Region is a bounds- and permission-checked span of addressable memory.
type Region struct {
	// Host is the backing memory. The region length is len(Host).
	Host []byte

	// VirtualBase is the first virtual address of the region.
	VirtualBase uint64

	// Perm is the set of accesses the region grants.
	Perm svm.Access

	// Owner tags the frame that created the region.
	Owner uint64

	// Borrowed marks a parent region visible to a child frame. A borrowed
	// region is never writable and is not owned by the viewing frame.
	Borrowed bool
}

// Len returns the region length in bytes.
func (r Region) Len() uint64 {
	return uint64(len(r.Host))
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.VirtualBase + r.Len()
}

// Contains reports whether addr lies inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.VirtualBase && addr < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("[0x%x, 0x%x) %s owner=%d", r.VirtualBase, r.End(), r.Perm, r.Owner)
}

// Table is an ordered set of non-overlapping regions.
//
// Lookups are binary searches over the regions sorted by VirtualBase. A
// Table is owned by one frame and is not safe for concurrent use. Slices
// returned by Translate alias region memory and must not outlive the frame
// that owns the table.
type Table struct {
	regions []Region
}

// NewTable creates an empty region table.
func NewTable() *Table {
	return &Table{}
}

// AddRegion inserts r, keeping the table sorted.
func (t *Table) AddRegion(r Region) error {
	if len(r.Host) == 0 {
		return ErrRegionEmpty
	}
	if r.VirtualBase > ^uint64(0)-r.Len() {
		return ErrRegionOverflow
	}

	i := sort.Search(len(t.regions), func(i int) bool {
		return t.regions[i].VirtualBase >= r.VirtualBase
	})
	if i > 0 && t.regions[i-1].End() > r.VirtualBase {
		return fmt.Errorf("%w: %s and %s", ErrRegionOverlap, r, t.regions[i-1])
	}
	if i < len(t.regions) && r.End() > t.regions[i].VirtualBase {
		return fmt.Errorf("%w: %s and %s", ErrRegionOverlap, r, t.regions[i])
	}

	t.regions = append(t.regions, Region{})
	copy(t.regions[i+1:], t.regions[i:])
	t.regions[i] = r
	return nil
}

// RemoveOwned drops every non-borrowed region tagged with owner and returns
// how many were removed.
func (t *Table) RemoveOwned(owner uint64) int {
	kept := t.regions[:0]
	removed := 0
	for _, r := range t.regions {
		if r.Owner == owner && !r.Borrowed {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(t.regions); i++ {
		t.regions[i] = Region{}
	}
	t.regions = kept
	return removed
}

// Borrow returns a new table holding read-only references to every region
// of t. Write permission is stripped, so a child frame can read what its
// caller passes but never mutate it through the borrowed view.
func (t *Table) Borrow() *Table {
	view := &Table{regions: make([]Region, len(t.regions))}
	for i, r := range t.regions {
		r.Borrowed = true
		r.Perm &^= svm.AccessWrite
		view.regions[i] = r
	}
	return view
}

// Lookup returns the region containing addr.
func (t *Table) Lookup(addr uint64) (Region, bool) {
	i := t.search(addr)
	if i < 0 {
		return Region{}, false
	}
	return t.regions[i], true
}

// search returns the index of the region containing addr, or -1.
func (t *Table) search(addr uint64) int {
	i := sort.Search(len(t.regions), func(i int) bool {
		return t.regions[i].VirtualBase > addr
	}) - 1
	if i < 0 || !t.regions[i].Contains(addr) {
		return -1
	}
	return i
}

// Translate resolves [addr, addr+size) to host memory.
//
// It fails with *svm.AccessViolationError when the range lies outside every
// region, crosses a region boundary, or asks for an access the region does
// not grant. A zero-length translation always succeeds with an empty slice.
func (t *Table) Translate(addr, size uint64, access svm.Access) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	violation := func(reason string) error {
		return &svm.AccessViolationError{Addr: addr, Len: size, Access: access, Reason: reason}
	}

	// Check for integer overflow in address calculation
	if addr > ^uint64(0)-size {
		return nil, violation("address overflow")
	}
	end := addr + size

	i := t.search(addr)
	if i < 0 {
		return nil, violation("unmapped " + KindName(addr) + " address")
	}
	r := t.regions[i]
	if end > r.End() {
		if i+1 < len(t.regions) && t.regions[i+1].VirtualBase < end {
			return nil, violation("range crosses region boundary")
		}
		return nil, violation(fmt.Sprintf("range exceeds region end 0x%x", r.End()))
	}
	if !r.Perm.Has(access) {
		return nil, violation(fmt.Sprintf("region grants %s", r.Perm))
	}

	off := addr - r.VirtualBase
	return r.Host[off : off+size : off+size], nil
}

// TranslateAligned is Translate plus a natural alignment check. align must
// be a power of two; 0 and 1 disable the check.
func (t *Table) TranslateAligned(addr, size uint64, access svm.Access, align uint64) ([]byte, error) {
	if align > 1 && addr&(align-1) != 0 {
		return nil, &svm.AccessViolationError{
			Addr:   addr,
			Len:    size,
			Access: access,
			Reason: fmt.Sprintf("unaligned for %d-byte access", align),
		}
	}
	return t.Translate(addr, size, access)
}

// Regions returns a copy of the regions in address order.
func (t *Table) Regions() []Region {
	out := make([]Region, len(t.regions))
	copy(out, t.regions)
	return out
}

// Len returns the number of regions.
func (t *Table) Len() int {
	return len(t.regions)
}

// Owned returns the regions tagged with owner that are not borrowed.
func (t *Table) Owned(owner uint64) []Region {
	var out []Region
	for _, r := range t.regions {
		if r.Owner == owner && !r.Borrowed {
			out = append(out, r)
		}
	}
	return out
}
