//go:build linux

package gmem

import (
	"fmt"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/treeline-emu/treeline/hostmem"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Config describes a new Manager.
type Config struct {

	// Width is the guest address-space width: 36 or 39 bits.
	Width AddressSpaceWidth

	// Log, if set, receives debug output. If Log is nil, logging is
	// disabled.
	Log *zap.Logger
}

// Manager owns one guest memory reservation. Create at most one per
// emulated machine and pass it to every consumer; the reservation
// carves a large piece out of the host's own address space.
type Manager struct {
	cfg Config
	log *zap.Logger

	backing *os.File
	space   hostmem.Range // the whole guest address space [0, 1<<width)
	base    hostmem.Range // the host carveout backing it

	// Guest regions, laid out by InitializeRegions and immutable
	// afterward. On 36-bit spaces TLSIO and Stack are the same range.
	Code, Alias, Heap, Stack, TLSIO hostmem.Range

	mu     sync.RWMutex
	chunks []ChunkDescriptor
}

// New validates the config. The reservation is not created until
// InitializeReservation.
func New(cfg Config) (*Manager, error) {
	if !cfg.Width.valid() {
		return nil, fmt.Errorf("%w: unsupported address-space width %d", ErrConfig, cfg.Width)
	}

	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Manager{cfg: cfg, log: log}, nil
}

// InitializeReservation finds a carveout in the host address space,
// creates the backing file, and maps it there. Any failure is fatal:
// the guest cannot run without its address space.
func (m *Manager) InitializeReservation() error {
	if m.backing != nil {
		return fmt.Errorf("%w: reservation already initialized", ErrState)
	}

	size := m.cfg.Width.ReservationSize()
	limit := uintptr(1) << m.cfg.Width

	maps, err := hostmem.SelfMappings()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoCarveout, err)
	}

	basePtr, err := hostmem.FindCarveout(maps, CarveoutSearchStart, limit, size, RegionAlignment)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoCarveout, err)
	}

	f, err := hostmem.CreateBacking("guest-as", int64(size))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBacking, err)
	}

	if err := hostmem.MapFixed(basePtr, size, unix.PROT_READ|unix.PROT_WRITE, f, 0); err != nil {
		f.Close()
		return fmt.Errorf("%w: %w", ErrMapBase, err)
	}

	m.backing = f
	m.space = hostmem.Range{Start: 0, Size: limit}
	m.base = hostmem.Range{Start: basePtr, Size: size}

	m.chunks = []ChunkDescriptor{
		{Ptr: 0, Size: basePtr, State: StateReserved},
		{Ptr: basePtr, Size: size, State: StateUnmapped},
		{Ptr: m.base.End(), Size: limit - m.base.End(), State: StateReserved},
	}

	m.log.Debug("reserved guest address space",
		zap.Uint("width", uint(m.cfg.Width)),
		zap.Uint64("base", uint64(basePtr)),
		zap.String("size", humanize.IBytes(uint64(size))))

	return nil
}

// InitializeRegions lays out the guest regions inside the reservation
// and releases the unused tail back to the host. codeSize is the size
// of the guest's code image; it is rounded up to the region alignment.
func (m *Manager) InitializeRegions(codeSize uintptr) error {
	if m.backing == nil {
		return fmt.Errorf("%w: regions initialized before the reservation", ErrState)
	}

	if codeSize == 0 {
		return fmt.Errorf("%w: zero code size", ErrLayout)
	}

	var used uintptr

	switch m.cfg.Width {
	case AddressSpace36Bit:
		m.Code = hostmem.Range{Start: m.base.Start, Size: 0x78000000}
		m.Alias = hostmem.Range{Start: m.Code.End(), Size: 0x180000000}
		m.Stack = hostmem.Range{Start: m.Alias.End(), Size: 0x78000000}
		m.TLSIO = m.Stack // TLS/IO is shared with Stack on 36-bit
		m.Heap = hostmem.Range{Start: m.Stack.End(), Size: 0x180000000}
		used = m.Code.Size + m.Alias.Size + m.Stack.Size + m.Heap.Size

	case AddressSpace39Bit:
		m.Code = hostmem.Range{Start: m.base.Start, Size: hostmem.AlignUp(codeSize, RegionAlignment)}
		m.Alias = hostmem.Range{Start: m.Code.End(), Size: 0x1000000000}
		m.Heap = hostmem.Range{Start: m.Alias.End(), Size: 0x180000000}
		m.Stack = hostmem.Range{Start: m.Heap.End(), Size: 0x80000000}
		m.TLSIO = hostmem.Range{Start: m.Stack.End(), Size: 0x1000000000}
		used = m.Code.Size + m.Alias.Size + m.Heap.Size + m.Stack.Size + m.TLSIO.Size
	}

	if hostmem.AlignUp(codeSize, RegionAlignment) > m.Code.Size {
		return fmt.Errorf("%w: code image (%#x) exceeds the code region (%#x)",
			ErrLayout, codeSize, m.Code.Size)
	}

	if used > m.base.Size {
		return fmt.Errorf("%w: regions need %#x bytes but the reservation is %#x",
			ErrLayout, used, m.base.Size)
	}

	// Give the unused tail of the carveout back to the host.
	if used != m.base.Size {
		tail := hostmem.Range{Start: m.base.Start + used, Size: m.base.Size - used}
		if err := hostmem.Unmap(tail); err != nil {
			return fmt.Errorf("%w: release tail: %w", ErrLayout, err)
		}
	}

	m.log.Debug("laid out guest regions",
		zap.Uint64("code", uint64(m.Code.Start)),
		zap.String("code_size", humanize.IBytes(uint64(m.Code.Size))),
		zap.Uint64("alias", uint64(m.Alias.Start)),
		zap.Uint64("heap", uint64(m.Heap.Start)),
		zap.Uint64("stack", uint64(m.Stack.Start)),
		zap.Uint64("tls_io", uint64(m.TLSIO.Start)),
		zap.String("used", humanize.IBytes(uint64(used))))

	return nil
}

// Base returns the host carveout backing the guest address space.
func (m *Manager) Base() hostmem.Range {
	return m.base
}

// Backing returns the reservation's backing file.
func (m *Manager) Backing() *os.File {
	return m.backing
}

// CreateMirror maps another host view of the guest bytes in r. The
// mirror's lifetime is independent of any protection or reclaim
// applied to the original range.
func (m *Manager) CreateMirror(r hostmem.Range) (hostmem.Range, error) {
	off, err := m.backingOffset(r)
	if err != nil {
		return hostmem.Range{}, err
	}

	prot := unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	p, err := hostmem.MapFileAt(r.Size, prot, m.backing, off)
	if err != nil {
		return hostmem.Range{}, fmt.Errorf("%w: %w", ErrMirror, err)
	}

	return hostmem.Range{Start: p, Size: r.Size}, nil
}

// CreateMirrors maps host views of several guest ranges, packed into
// one contiguous reservation in input order.
func (m *Manager) CreateMirrors(regions []hostmem.Range) (hostmem.Range, error) {
	var total uintptr
	for _, r := range regions {
		total += r.Size
	}

	basePtr, err := hostmem.ReserveAnon(total)
	if err != nil {
		return hostmem.Range{}, fmt.Errorf("%w: %w", ErrMirror, err)
	}

	mirror := hostmem.Range{Start: basePtr, Size: total}
	prot := unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC

	var off uintptr
	for _, r := range regions {
		fileOff, err := m.backingOffset(r)
		if err != nil {
			hostmem.Unmap(mirror)
			return hostmem.Range{}, err
		}

		if err := hostmem.MapFixed(basePtr+off, r.Size, prot, m.backing, fileOff); err != nil {
			hostmem.Unmap(mirror)
			return hostmem.Range{}, fmt.Errorf("%w: %w", ErrMirror, err)
		}

		off += r.Size
	}

	return mirror, nil
}

// FreeMemory releases the physical pages backing r without touching
// its virtual mapping or its chunk state. A later access observes
// zeroes. Hole-punching is used rather than advising the mapping away
// because it works on ranges that have been reprotected to no-access.
func (m *Manager) FreeMemory(r hostmem.Range) error {
	off, err := m.backingOffset(r)
	if err != nil {
		return err
	}

	if err := hostmem.PunchHole(m.backing, off, int64(r.Size)); err != nil {
		return fmt.Errorf("%w: %w", ErrFree, err)
	}

	return nil
}

// Close releases the reservation and the backing file. Mirrors remain
// valid until unmapped by their owners.
func (m *Manager) Close() error {
	if m.backing == nil {
		return nil
	}

	hostmem.Unmap(m.base)

	err := m.backing.Close()
	m.backing = nil
	return err
}

// backingOffset validates r against the reservation and returns its
// offset in the backing file.
func (m *Manager) backingOffset(r hostmem.Range) (int64, error) {
	if m.backing == nil {
		return 0, fmt.Errorf("%w: no reservation", ErrState)
	}

	if r.Start < m.base.Start || r.End() > m.base.End() {
		return 0, fmt.Errorf("%w: [%#x, %#x)", ErrBounds, r.Start, r.End())
	}

	if !r.PageAligned() || (r.Start-m.base.Start)%uintptr(os.Getpagesize()) != 0 {
		return 0, fmt.Errorf("%w: [%#x, %#x)", ErrAlignment, r.Start, r.End())
	}

	return int64(r.Start - m.base.Start), nil
}
