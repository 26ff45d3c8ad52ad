//go:build linux

package gmem

import (
	"fmt"
	"os"
	"sort"
)

// kmemoryBlockSize is the kernel-side bookkeeping cost modeled per
// chunk by SystemResourceUsage.
const kmemoryBlockSize = 0x40

// InsertChunk records a chunk, trimming or dropping whatever it
// overlaps and merging it with adjacent compatible neighbors. The
// remainder fragments of partially-overlapped chunks are preserved.
func (m *Manager) InsertChunk(chunk ChunkDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if chunk.Size == 0 {
		panic(fmt.Sprintf("gmem: zero-size chunk at %#x", chunk.Ptr))
	}

	if len(m.chunks) == 0 || chunk.End() > m.space.End() {
		panic(fmt.Sprintf("gmem: chunk [%#x, %#x) is outside the tracked space",
			chunk.Ptr, chunk.End()))
	}

	end := chunk.End()
	res := make([]ChunkDescriptor, 0, len(m.chunks)+2)
	inserted := false

	for _, c := range m.chunks {
		if c.End() <= chunk.Ptr || c.Ptr >= end {
			if !inserted && c.Ptr >= end {
				res = appendMerged(res, chunk)
				inserted = true
			}

			res = appendMerged(res, c)
			continue
		}

		// c overlaps the new chunk: keep the fragments that stick out.
		if c.Ptr < chunk.Ptr {
			head := c
			head.Size = chunk.Ptr - c.Ptr
			res = appendMerged(res, head)
		}

		if !inserted {
			res = appendMerged(res, chunk)
			inserted = true
		}

		if c.End() > end {
			tail := c
			tail.Ptr = end
			tail.Size = c.End() - end
			res = appendMerged(res, tail)
		}
	}

	if !inserted {
		res = appendMerged(res, chunk)
	}

	m.chunks = res
}

// Get returns the chunk covering ptr.
func (m *Manager) Get(ptr uintptr) (ChunkDescriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := sort.Search(len(m.chunks), func(i int) bool { return m.chunks[i].Ptr > ptr })
	if i == 0 {
		return ChunkDescriptor{}, false
	}

	if c := m.chunks[i-1]; c.End() > ptr {
		return c, true
	}

	return ChunkDescriptor{}, false
}

// UserMemoryUsage is the guest-visible memory in use: heap chunks plus
// the code region.
func (m *Manager) UserMemoryUsage() uintptr {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var size uintptr
	for _, c := range m.chunks {
		if c.State == StateHeap {
			size += c.Size
		}
	}

	return size + m.Code.Size
}

// SystemResourceUsage estimates the kernel bookkeeping cost of the
// current chunk list.
func (m *Manager) SystemResourceUsage() uintptr {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pgsz := uintptr(os.Getpagesize())
	return (uintptr(len(m.chunks))*kmemoryBlockSize + pgsz - 1) &^ (pgsz - 1)
}

// Chunks returns a copy of the chunk list.
func (m *Manager) Chunks() []ChunkDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ChunkDescriptor, len(m.chunks))
	copy(out, m.chunks)
	return out
}

func appendMerged(cs []ChunkDescriptor, c ChunkDescriptor) []ChunkDescriptor {
	if n := len(cs); n > 0 {
		last := &cs[n-1]
		if last.End() == c.Ptr && last.compatible(c) {
			last.Size += c.Size
			return cs
		}
	}

	return append(cs, c)
}
