//go:build linux

package gmem

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/treeline-emu/treeline/hostmem"
)

func newChunkManager() *Manager {
	m := &Manager{space: hostmem.Range{Start: 0, Size: 1 << 32}}
	m.chunks = []ChunkDescriptor{{Ptr: 0, Size: 1 << 32, State: StateUnmapped}}
	return m
}

func TestInsertChunkSplitsExisting(t *testing.T) {
	m := newChunkManager()

	m.InsertChunk(ChunkDescriptor{Ptr: 0x10000, Size: 0x4000, State: StateHeap})

	assert.Equal(t, []ChunkDescriptor{
		{Ptr: 0, Size: 0x10000, State: StateUnmapped},
		{Ptr: 0x10000, Size: 0x4000, State: StateHeap},
		{Ptr: 0x14000, Size: 1<<32 - 0x14000, State: StateUnmapped},
	}, m.Chunks())
}

func TestInsertChunkPreservesFragments(t *testing.T) {
	m := newChunkManager()

	m.InsertChunk(ChunkDescriptor{Ptr: 0x10000, Size: 0x8000, State: StateHeap})
	m.InsertChunk(ChunkDescriptor{Ptr: 0x12000, Size: 0x2000, State: StateStack})

	assert.Equal(t, []ChunkDescriptor{
		{Ptr: 0, Size: 0x10000, State: StateUnmapped},
		{Ptr: 0x10000, Size: 0x2000, State: StateHeap},
		{Ptr: 0x12000, Size: 0x2000, State: StateStack},
		{Ptr: 0x14000, Size: 0x4000, State: StateHeap},
		{Ptr: 0x18000, Size: 1<<32 - 0x18000, State: StateUnmapped},
	}, m.Chunks())
}

func TestInsertChunkMergesCompatible(t *testing.T) {
	m := newChunkManager()

	m.InsertChunk(ChunkDescriptor{Ptr: 0x10000, Size: 0x2000, State: StateHeap, Permission: PermRead})
	m.InsertChunk(ChunkDescriptor{Ptr: 0x12000, Size: 0x2000, State: StateHeap, Permission: PermRead})

	assert.Equal(t, []ChunkDescriptor{
		{Ptr: 0, Size: 0x10000, State: StateUnmapped},
		{Ptr: 0x10000, Size: 0x4000, State: StateHeap, Permission: PermRead},
		{Ptr: 0x14000, Size: 1<<32 - 0x14000, State: StateUnmapped},
	}, m.Chunks())
}

func TestInsertChunkRoundTrip(t *testing.T) {
	m := newChunkManager()

	m.InsertChunk(ChunkDescriptor{Ptr: 0x10000, Size: 0x4000, State: StateHeap})
	m.InsertChunk(ChunkDescriptor{Ptr: 0x10000, Size: 0x4000, State: StateUnmapped})

	// Restoring the original state collapses everything back to the
	// single unmapped chunk.
	assert.Equal(t, []ChunkDescriptor{
		{Ptr: 0, Size: 1 << 32, State: StateUnmapped},
	}, m.Chunks())
}

func TestInsertChunkPanics(t *testing.T) {
	m := newChunkManager()

	assert.Panics(t, func() {
		m.InsertChunk(ChunkDescriptor{Ptr: 0x1000, Size: 0})
	})

	assert.Panics(t, func() {
		m.InsertChunk(ChunkDescriptor{Ptr: 1<<32 - 0x1000, Size: 0x2000, State: StateHeap})
	})
}

func TestGetChunk(t *testing.T) {
	m := newChunkManager()
	m.InsertChunk(ChunkDescriptor{Ptr: 0x10000, Size: 0x4000, State: StateHeap})

	c, ok := m.Get(0x11000)
	assert.True(t, ok)
	assert.Equal(t, StateHeap, c.State)
	assert.EqualValues(t, 0x10000, c.Ptr)

	c, ok = m.Get(0x14000)
	assert.True(t, ok)
	assert.Equal(t, StateUnmapped, c.State)

	_, ok = m.Get(1 << 33)
	assert.False(t, ok)
}

func TestUsageAccounting(t *testing.T) {
	m := newChunkManager()
	m.Code = hostmem.Range{Start: 0, Size: 0x200000}

	m.InsertChunk(ChunkDescriptor{Ptr: 0x10000, Size: 0x4000, State: StateHeap})
	m.InsertChunk(ChunkDescriptor{Ptr: 0x20000, Size: 0x2000, State: StateHeap})
	m.InsertChunk(ChunkDescriptor{Ptr: 0x30000, Size: 0x8000, State: StateStack})

	assert.EqualValues(t, 0x6000+0x200000, m.UserMemoryUsage())

	pgsz := uintptr(os.Getpagesize())
	want := (uintptr(len(m.Chunks()))*0x40 + pgsz - 1) &^ (pgsz - 1)
	assert.Equal(t, want, m.SystemResourceUsage())
}
