//go:build linux

// Package gmem manages the host-side reservation backing a guest
// address space: carveout search, memfd backing, region layout,
// mirror mappings, physical reclaim, and coarse chunk bookkeeping.
package gmem

import "errors"

// AddressSpaceWidth selects the guest address-space layout.
type AddressSpaceWidth uint

const (
	AddressSpace36Bit AddressSpaceWidth = 36
	AddressSpace39Bit AddressSpaceWidth = 39
)

const (
	// RegionAlignment is the minimum alignment of a guest memory
	// region.
	RegionAlignment = 1 << 21

	// CodeRegionSize is the assumed maximum size of the 39-bit code
	// region.
	CodeRegionSize = 4 << 30

	// CarveoutSearchStart leaves the low 35 bits of the host address
	// space alone: mobile GPU drivers map below it and reserving the
	// range starves them.
	CarveoutSearchStart = 1 << 35
)

var (
	ErrConfig     = errors.New("gmem: invalid config")
	ErrState      = errors.New("gmem: invalid initialization order")
	ErrNoCarveout = errors.New("gmem: no suitable carveout for the guest address space")
	ErrBacking    = errors.New("gmem: backing file setup failed")
	ErrMapBase    = errors.New("gmem: mapping the reservation failed")
	ErrLayout     = errors.New("gmem: region layout failed")
	ErrMirror     = errors.New("gmem: mirror mapping failed")
	ErrFree       = errors.New("gmem: physical free failed")
	ErrBounds     = errors.New("gmem: range is outside the reservation")
	ErrAlignment  = errors.New("gmem: range is not page-aligned")
)

// MemoryState classifies a chunk of guest memory.
type MemoryState uint32

const (
	StateUnmapped MemoryState = iota
	StateReserved
	StateHeap
	StateCodeStatic
	StateCodeMutable
	StateStack
	StateThreadLocal
	StateSharedMemory
)

// Permission is the guest-visible access to a chunk.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermExec
)

// Attributes carries extra chunk properties.
type Attributes uint8

const (
	AttrBorrowed Attributes = 1 << iota
	AttrIPCLocked
	AttrUncached
)

// ChunkDescriptor is a coarse bookkeeping record over guest memory.
// It feeds usage accounting, not the byte-level translation path.
type ChunkDescriptor struct {
	Ptr        uintptr
	Size       uintptr
	State      MemoryState
	Permission Permission
	Attributes Attributes
}

// End returns the first address past the chunk.
func (c ChunkDescriptor) End() uintptr {
	return c.Ptr + c.Size
}

// compatible chunks can merge when adjacent.
func (c ChunkDescriptor) compatible(o ChunkDescriptor) bool {
	return c.State == o.State && c.Permission == o.Permission && c.Attributes == o.Attributes
}

func (w AddressSpaceWidth) valid() bool {
	return w == AddressSpace36Bit || w == AddressSpace39Bit
}

// ReservationSize is the host memory the width's region layout needs,
// or zero for an unsupported width.
func (w AddressSpaceWidth) ReservationSize() uintptr {
	switch w {
	case AddressSpace36Bit:
		return 0x78000000 + 0x180000000 + 0x78000000 + 0x180000000
	case AddressSpace39Bit:
		return CodeRegionSize + 0x1000000000 + 0x180000000 + 0x80000000 + 0x1000000000
	}

	return 0
}
