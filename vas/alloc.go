package vas

import "errors"

// ErrNoSpace is returned when no free range large enough exists.
// Exhaustion is an ordinary outcome, not a bug: callers handle it as
// "out of address space".
var ErrNoSpace = errors.New("vas: address space exhausted")

const (
	freeBacking uint64 = 0
	usedBacking uint64 = 1
)

// Allocator hands out unused ranges of a virtual address space. It
// tracks usage in its own map, where the backing only distinguishes
// free from allocated.
type Allocator struct {
	m      *Map[uint64]
	base   uint64
	cursor uint64
}

// NewAllocator tracks [base, 1<<bits).
func NewAllocator(bits uint, base uint64) *Allocator {
	m := NewMap[uint64](Config[uint64]{Bits: bits, Unmapped: freeBacking})

	if base > 0 {
		m.Map(0, usedBacking, base, BlockInfo{})
	}

	return &Allocator{m: m, base: base, cursor: base}
}

// Allocate returns the start of a fresh range of the given size, or
// ErrNoSpace if the space is exhausted.
func (a *Allocator) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		panic("vas: zero-size allocation")
	}

	a.m.mu.Lock()
	defer a.m.mu.Unlock()

	// Fast path: bump the linear cursor, skipping forward past any
	// allocations in the way.
	va := a.cursor
	for va+size > va && va+size <= a.m.limit {
		b, run := a.m.getLocked(va)

		if b.Back == freeBacking && run >= size {
			a.m.mapLocked(va, usedBacking, size, BlockInfo{})
			a.cursor = va + size
			return va, nil
		}

		va += run
	}

	// The linear region is exhausted: first-fit scan of every gap.
	for i := range a.m.blocks {
		b := a.m.blocks[i]
		if b.Back != freeBacking {
			continue
		}

		start := max(b.VA, a.base)

		end := a.m.limit
		if i+1 < len(a.m.blocks) {
			end = a.m.blocks[i+1].VA
		}

		if end >= start && end-start >= size {
			a.m.mapLocked(start, usedBacking, size, BlockInfo{})
			return start, nil
		}
	}

	return 0, ErrNoSpace
}

// AllocateFixed reserves [va, va+size) regardless of the cursor,
// overwriting any previous allocation in the range.
func (a *Allocator) AllocateFixed(va, size uint64) {
	a.m.Map(va, usedBacking, size, BlockInfo{})
}

// Free releases [va, va+size).
func (a *Allocator) Free(va, size uint64) {
	a.m.Unmap(va, size)
}
