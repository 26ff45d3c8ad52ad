// Package hostmem wraps the host virtual-memory facilities the guest
// address space is built on: mapping enumeration and carveout search,
// memfd-backed shared mappings, page protection, and hole-punching.
package hostmem

import "os"

// Range is a contiguous run of host virtual memory.
type Range struct {
	Start uintptr
	Size  uintptr
}

// End returns the first address past the range.
func (r Range) End() uintptr {
	return r.Start + r.Size
}

// Contains reports whether p falls inside the range.
func (r Range) Contains(p uintptr) bool {
	return p >= r.Start && p < r.End()
}

// PageAligned reports whether both the start and the size of r are
// multiples of the host page size.
func (r Range) PageAligned() bool {
	pgsz := uintptr(os.Getpagesize())
	return r.Start%pgsz == 0 && r.Size%pgsz == 0
}

// Access is the level of access a page protection allows.
// It is what actually gets applied to host pages, as opposed to the
// protection a trap requires.
type Access int

const (
	AccessNone Access = iota
	AccessRead
	AccessReadWrite
)

func (a Access) String() string {
	switch a {
	case AccessNone:
		return "none"
	case AccessRead:
		return "read"
	case AccessReadWrite:
		return "read-write"
	}

	return "invalid"
}

// AlignUp rounds v up to the next multiple of align.
// align must be a power of two.
func AlignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
