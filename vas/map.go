// Package vas implements a flat, sorted map over a virtual address
// space, plus a translating accessor and a range allocator built on
// top of it. The map tracks the backing of every address as a block
// sequence: each block covers the run from its own start address to
// the next block's, and the sequence ends in an unmapped sentinel
// covering the remainder of the space.
package vas

import (
	"fmt"
	"sort"
	"sync"
)

// Addr is a backing address: a host-relative offset or a real host
// pointer.
type Addr interface {
	~uint64 | ~uintptr
}

// BlockInfo carries per-block metadata. It is copied verbatim to both
// halves of a split.
type BlockInfo struct {
	// Sparse marks a block that reads as zeroes and discards writes.
	// The backing of a sparse block is never offset across a split.
	Sparse bool
}

// Block is a contiguous run of virtual address space with uniform
// backing. A block covers [VA, next.VA).
type Block[B Addr] struct {
	VA   uint64
	Back B
	Info BlockInfo
}

// Config describes a Map.
type Config[B Addr] struct {
	// Bits is the width of the virtual address space. The map tracks
	// [0, 1<<Bits).
	Bits uint

	// Unmapped is the sentinel backing value of unmapped ranges.
	Unmapped B

	// ContigSplit indicates that backing addresses are offset-
	// contiguous across a split: the tail half of a split block gets
	// the head's backing plus the split offset. Unmapped and sparse
	// backings keep their value verbatim regardless.
	ContigSplit bool
}

// Map tracks the backing of a virtual address space.
//
// Map and Unmap take the write lock; queries take the read lock. Range
// or size violations and internal consistency violations panic: they
// are caller bugs or map bugs, and the address space is not safe to
// use after either.
type Map[B Addr] struct {
	mu     sync.RWMutex
	cfg    Config[B]
	limit  uint64
	blocks []Block[B]
}

// NewMap returns a map with the whole space unmapped.
func NewMap[B Addr](cfg Config[B]) *Map[B] {
	if cfg.Bits == 0 || cfg.Bits > 64 {
		panic(fmt.Sprintf("vas: invalid address width %d", cfg.Bits))
	}

	limit := ^uint64(0)
	if cfg.Bits < 64 {
		limit = 1 << cfg.Bits
	}

	return &Map[B]{
		cfg:    cfg,
		limit:  limit,
		blocks: []Block[B]{{VA: 0, Back: cfg.Unmapped}},
	}
}

// Limit returns the first address past the tracked space.
func (m *Map[B]) Limit() uint64 {
	return m.limit
}

// Map installs backing for [virt, virt+size), overwriting any existing
// mapping in the range. The backing must not be the unmapped sentinel;
// use Unmap for that.
func (m *Map[B]) Map(virt uint64, back B, size uint64, info BlockInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapLocked(virt, back, size, info)
}

// Unmap restores the unmapped sentinel over [virt, virt+size).
func (m *Map[B]) Unmap(virt, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmapLocked(virt, size)
}

// Get returns a copy of the block covering va and the length of the
// contiguous run from va to the next block boundary.
func (m *Map[B]) Get(va uint64) (Block[B], uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(va)
}

// Blocks returns a copy of the block sequence.
func (m *Map[B]) Blocks() []Block[B] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Block[B], len(m.blocks))
	copy(out, m.blocks)
	return out
}

func (m *Map[B]) getLocked(va uint64) (Block[B], uint64) {
	if va >= m.limit {
		panic(fmt.Sprintf("vas: address %#x is outside the %d-bit space", va, m.cfg.Bits))
	}

	i := m.covering(va)
	b := m.blocks[i]

	next := m.limit
	if i+1 < len(m.blocks) {
		next = m.blocks[i+1].VA
	}

	return b, next - va
}

func (m *Map[B]) mapLocked(virt uint64, back B, size uint64, info BlockInfo) {
	end := m.checkRange(virt, size)
	if back == m.cfg.Unmapped {
		panic("vas: mapping with the unmapped sentinel backing")
	}

	m.splitEnd(end)

	lo := sort.Search(len(m.blocks), func(i int) bool { return m.blocks[i].VA > virt })
	hi := sort.Search(len(m.blocks), func(i int) bool { return m.blocks[i].VA >= end })

	// Blocks starting strictly inside the range are fully overwritten.
	if lo < hi {
		m.erase(lo, hi)
	}

	head := lo - 1
	newIdx := head

	switch {
	case m.blocks[head].VA == virt:
		if head > 0 && m.extends(m.blocks[head-1], virt, back, info) {
			// The left neighbor already maps contiguously into the new
			// range: drop the boundary block and let it absorb the run.
			m.erase(head, head+1)
			newIdx = head - 1
		} else {
			// Reuse the boundary block in place as the new head.
			m.blocks[head].Back = back
			m.blocks[head].Info = info
		}

	default: // blocks[head].VA < virt
		if m.extends(m.blocks[head], virt, back, info) {
			// Contiguous with the covering block: nothing to insert.
		} else {
			m.insert(lo, Block[B]{VA: virt, Back: back, Info: info})
			newIdx = lo
		}
	}

	// Absorb a successor that continues the new backing contiguously.
	if s := newIdx + 1; s < len(m.blocks) {
		sb := m.blocks[s]
		if sb.VA == end && m.extends(m.blocks[newIdx], sb.VA, sb.Back, sb.Info) {
			m.erase(s, s+1)
		}
	}

	m.checkNeighbors(newIdx)
}

func (m *Map[B]) unmapLocked(virt, size uint64) {
	end := m.checkRange(virt, size)

	// Make sure the old backing survives past the end of the range,
	// unless the block covering the end point is itself unmapped: the
	// unmapped run being installed will absorb it instead, and a
	// duplicate sentinel must never be created.
	hi := sort.Search(len(m.blocks), func(i int) bool { return m.blocks[i].VA >= end })
	if end < m.limit && (hi == len(m.blocks) || m.blocks[hi].VA > end) {
		if pred := m.blocks[hi-1]; !m.unmapped(pred) {
			m.insert(hi, Block[B]{
				VA:   end,
				Back: m.splitBack(pred, end-pred.VA),
				Info: pred.Info,
			})
		}
	}

	lo := sort.Search(len(m.blocks), func(i int) bool { return m.blocks[i].VA > virt })
	hi = sort.Search(len(m.blocks), func(i int) bool { return m.blocks[i].VA >= end })

	if lo < hi {
		m.erase(lo, hi)
	}

	head := lo - 1

	switch {
	case m.blocks[head].VA == virt:
		if head > 0 && m.unmapped(m.blocks[head-1]) {
			// The previous unmapped run absorbs the range.
			m.erase(head, head+1)
			head--
		} else {
			m.blocks[head].Back = m.cfg.Unmapped
			m.blocks[head].Info = BlockInfo{}
		}

	default: // blocks[head].VA < virt
		if !m.unmapped(m.blocks[head]) {
			m.insert(lo, Block[B]{VA: virt, Back: m.cfg.Unmapped})
			head = lo
		}
		// Otherwise the covering unmapped block already extends over
		// the whole range.
	}

	// Merge with an unmapped successor rather than keeping two
	// adjacent sentinels.
	if s := head + 1; s < len(m.blocks) && m.unmapped(m.blocks[head]) && m.unmapped(m.blocks[s]) {
		m.erase(s, s+1)
	}

	m.checkNeighbors(head)
}

// covering returns the index of the block covering va.
func (m *Map[B]) covering(va uint64) int {
	return sort.Search(len(m.blocks), func(i int) bool { return m.blocks[i].VA > va }) - 1
}

// splitEnd makes sure a block boundary exists at end, splitting the
// covering block if the end point falls strictly inside it. The tail
// keeps the head's backing, offset per the split rule.
func (m *Map[B]) splitEnd(end uint64) {
	if end >= m.limit {
		return
	}

	i := sort.Search(len(m.blocks), func(i int) bool { return m.blocks[i].VA >= end })
	if i < len(m.blocks) && m.blocks[i].VA == end {
		return
	}

	pred := m.blocks[i-1]
	m.insert(i, Block[B]{
		VA:   end,
		Back: m.splitBack(pred, end-pred.VA),
		Info: pred.Info,
	})
}

// splitBack computes the backing of the tail half of a block split
// delta bytes in.
func (m *Map[B]) splitBack(b Block[B], delta uint64) B {
	if m.cfg.ContigSplit && !m.unmapped(b) && !b.Info.Sparse {
		return b.Back + B(delta)
	}

	return b.Back
}

// extends reports whether a mapping of back at virt is a contiguous
// continuation of block b.
func (m *Map[B]) extends(b Block[B], virt uint64, back B, info BlockInfo) bool {
	if !m.cfg.ContigSplit || m.unmapped(b) || back == m.cfg.Unmapped {
		return false
	}

	if b.Info != info || info.Sparse {
		return false
	}

	return b.Back+B(virt-b.VA) == back
}

func (m *Map[B]) unmapped(b Block[B]) bool {
	return b.Back == m.cfg.Unmapped
}

func (m *Map[B]) checkRange(virt, size uint64) (end uint64) {
	if size == 0 {
		panic(fmt.Sprintf("vas: zero-size range at %#x", virt))
	}

	end = virt + size
	if end <= virt || end > m.limit {
		panic(fmt.Sprintf("vas: range [%#x, %#x) exceeds the %d-bit space", virt, end, m.cfg.Bits))
	}

	return end
}

// checkNeighbors verifies the coalescing invariant around a mutated
// index. Two adjacent unmapped blocks mean the map is corrupt.
func (m *Map[B]) checkNeighbors(i int) {
	for j := max(i-1, 0); j < min(i+1, len(m.blocks)-1); j++ {
		if m.unmapped(m.blocks[j]) && m.unmapped(m.blocks[j+1]) {
			panic(fmt.Sprintf("vas: adjacent unmapped blocks at %#x and %#x",
				m.blocks[j].VA, m.blocks[j+1].VA))
		}
	}
}

func (m *Map[B]) insert(i int, b Block[B]) {
	m.blocks = append(m.blocks, Block[B]{})
	copy(m.blocks[i+1:], m.blocks[i:])
	m.blocks[i] = b
}

func (m *Map[B]) erase(i, j int) {
	m.blocks = append(m.blocks[:i], m.blocks[j:]...)
}
