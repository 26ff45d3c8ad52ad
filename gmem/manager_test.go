//go:build linux

package gmem_test

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/treeline-emu/treeline/gmem"
	"github.com/treeline-emu/treeline/hostmem"
	"github.com/treeline-emu/treeline/vas"
)

func hostSlice(r hostmem.Range) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r.Start)), int(r.Size))
}

func TestManagerEndToEnd(t *testing.T) {
	m, err := gmem.New(gmem.Config{Width: gmem.AddressSpace39Bit})
	require.NoError(t, err)

	require.NoError(t, m.InitializeReservation())
	defer m.Close()

	base := m.Base()
	assert.GreaterOrEqual(t, base.Start, uintptr(gmem.CarveoutSearchStart))
	assert.LessOrEqual(t, base.End(), uintptr(1)<<39)
	assert.Zero(t, base.Start%gmem.RegionAlignment)

	require.NoError(t, m.InitializeRegions(2<<20))

	// The regions are packed back to back from the reservation base.
	assert.Equal(t, base.Start, m.Code.Start)
	assert.EqualValues(t, 2<<20, m.Code.Size)
	assert.Equal(t, m.Code.End(), m.Alias.Start)
	assert.Equal(t, m.Alias.End(), m.Heap.Start)
	assert.Equal(t, m.Heap.End(), m.Stack.Start)
	assert.Equal(t, m.Stack.End(), m.TLSIO.Start)

	// Guest addresses are host addresses, so an identity mapping of
	// the heap's head gives the accessor a window into it.
	am := vas.NewMap[uintptr](vas.Config[uintptr]{Bits: 39, ContigSplit: true})
	am.Map(uint64(m.Heap.Start), m.Heap.Start, 3*0x1000, vas.BlockInfo{})

	acc, err := vas.NewAccessor(am)
	require.NoError(t, err)
	defer acc.Close()

	m.InsertChunk(gmem.ChunkDescriptor{
		Ptr:        m.Heap.Start,
		Size:       3 * 0x1000,
		State:      gmem.StateHeap,
		Permission: gmem.PermRead | gmem.PermWrite,
	})

	data := bytes.Repeat([]byte{0x5a}, 0x1000)
	require.NoError(t, acc.Write(uint64(m.Heap.Start), data, nil))

	got := make([]byte, 0x1000)
	require.NoError(t, acc.Read(got, uint64(m.Heap.Start), nil))
	assert.Equal(t, data, got)

	// A mirror of the heap's first page shares its bytes.
	page := hostmem.Range{Start: m.Heap.Start, Size: 0x1000}
	mirror, err := m.CreateMirror(page)
	require.NoError(t, err)
	defer hostmem.Unmap(mirror)

	assert.Equal(t, data, hostSlice(mirror))

	hostSlice(mirror)[0] = 0xff
	assert.EqualValues(t, 0xff, hostSlice(page)[0])

	// Reclaiming the page zeroes it everywhere without touching the
	// chunk bookkeeping.
	require.NoError(t, m.FreeMemory(page))

	require.NoError(t, acc.Read(got, uint64(m.Heap.Start), nil))
	assert.Equal(t, make([]byte, 0x1000), got)
	assert.Equal(t, make([]byte, 0x1000), hostSlice(mirror))

	c, ok := m.Get(m.Heap.Start)
	require.True(t, ok)
	assert.Equal(t, gmem.StateHeap, c.State)

	assert.EqualValues(t, 3*0x1000+m.Code.Size, m.UserMemoryUsage())
}

func TestManagerCreateMirrors(t *testing.T) {
	m, err := gmem.New(gmem.Config{Width: gmem.AddressSpace36Bit})
	require.NoError(t, err)

	require.NoError(t, m.InitializeReservation())
	defer m.Close()

	require.NoError(t, m.InitializeRegions(2<<20))

	// TLS/IO shares the stack region on a 36-bit space.
	assert.Equal(t, m.Stack, m.TLSIO)

	r1 := hostmem.Range{Start: m.Heap.Start, Size: 0x1000}
	r2 := hostmem.Range{Start: m.Heap.Start + 0x10000, Size: 0x2000}

	hostSlice(r1)[0] = 1
	hostSlice(r2)[0] = 2

	mirror, err := m.CreateMirrors([]hostmem.Range{r1, r2})
	require.NoError(t, err)
	defer hostmem.Unmap(mirror)

	require.EqualValues(t, 0x3000, mirror.Size)

	mv := hostSlice(mirror)
	assert.EqualValues(t, 1, mv[0])
	assert.EqualValues(t, 2, mv[0x1000])

	// The packed views stay live views, not copies.
	mv[0x1000+1] = 3
	assert.EqualValues(t, 3, hostSlice(r2)[1])
}

func TestManagerErrors(t *testing.T) {
	_, err := gmem.New(gmem.Config{Width: 40})
	assert.ErrorIs(t, err, gmem.ErrConfig)

	m, err := gmem.New(gmem.Config{Width: gmem.AddressSpace39Bit})
	require.NoError(t, err)

	assert.ErrorIs(t, m.InitializeRegions(2<<20), gmem.ErrState)

	_, err = m.CreateMirror(hostmem.Range{Start: 0x1000, Size: 0x1000})
	assert.ErrorIs(t, err, gmem.ErrState)

	require.NoError(t, m.InitializeReservation())
	defer m.Close()

	assert.ErrorIs(t, m.InitializeReservation(), gmem.ErrState)
	assert.ErrorIs(t, m.InitializeRegions(0), gmem.ErrLayout)

	require.NoError(t, m.InitializeRegions(2<<20))

	base := m.Base()

	_, err = m.CreateMirror(hostmem.Range{Start: base.Start - 0x1000, Size: 0x1000})
	assert.ErrorIs(t, err, gmem.ErrBounds)

	_, err = m.CreateMirror(hostmem.Range{Start: base.Start + 1, Size: 0x1000})
	assert.ErrorIs(t, err, gmem.ErrAlignment)

	err = m.FreeMemory(hostmem.Range{Start: base.Start, Size: 0x123})
	assert.ErrorIs(t, err, gmem.ErrAlignment)
}
