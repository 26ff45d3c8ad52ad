// Package trap detects accesses to registered host byte ranges by
// driving their page protection below what the access needs and
// dispatching the resulting faults to per-range callbacks. Multiple
// subsystems may trap overlapping ranges; the protection actually
// applied to a page is always the least restrictive level that still
// satisfies every trap touching it.
package trap

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/treeline-emu/treeline/hostmem"
	"go.uber.org/zap"
)

// Protection is the level of protection a trap requires for its
// ranges. Higher levels dominate when traps overlap.
type Protection int

const (
	ProtectNone Protection = iota
	ProtectWriteOnly
	ProtectReadWrite
)

// PageProtector applies an access level to a range of host pages. The
// production implementation is hostmem.Protector; tests inject a fake
// so reconciliation is checked without real page-protection hardware.
type PageProtector interface {
	Protect(r hostmem.Range, access hostmem.Access) error
}

// Callback runs on the faulting thread when a trapped access is hit.
// It may block; the faulting thread stalls until it returns.
type Callback func()

// Handle groups the ranges registered by one Register call. It is
// opaque to callers.
type Handle struct {
	protection Protection
	onRead     Callback
	onWrite    Callback
	regions    []hostmem.Range
}

type interval struct {
	r hostmem.Range
	h *Handle
}

var ErrConfig = errors.New("trap: invalid config")

// Config describes a new Manager.
type Config struct {

	// Protector applies page protections.
	Protector PageProtector

	// PageSize overrides the host page size. If zero, the real page
	// size is used.
	PageSize uintptr

	// Log, if set, receives debug output.
	Log *zap.Logger
}

// Manager tracks trapped ranges and reconciles their protection.
type Manager struct {
	prot     PageProtector
	pageSize uintptr
	log      *zap.Logger

	mu        sync.Mutex
	intervals []interval // sorted by start; entries may overlap
}

// New returns a Manager using the given protector.
func New(cfg Config) (*Manager, error) {
	if cfg.Protector == nil {
		return nil, fmt.Errorf("%w: protector is not set", ErrConfig)
	}

	if cfg.PageSize == 0 {
		cfg.PageSize = uintptr(os.Getpagesize())
	}

	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}

	return &Manager{
		prot:     cfg.Protector,
		pageSize: cfg.PageSize,
		log:      cfg.Log,
	}, nil
}

// Register traps the given host ranges and returns their handle. With
// writeOnly set only mutation is trapped; otherwise both reads and
// writes are. onRead and onWrite run on the faulting thread. The
// handle must be deleted before the ranges are unmapped.
func (m *Manager) Register(regions []hostmem.Range, writeOnly bool, onRead, onWrite Callback) (*Handle, error) {
	p := ProtectReadWrite
	if writeOnly {
		p = ProtectWriteOnly
	}

	h := &Handle{
		protection: p,
		onRead:     onRead,
		onWrite:    onWrite,
		regions:    append([]hostmem.Range(nil), regions...),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range h.regions {
		i := sort.Search(len(m.intervals), func(i int) bool {
			return m.intervals[i].r.Start > r.Start
		})

		m.intervals = append(m.intervals, interval{})
		copy(m.intervals[i+1:], m.intervals[i:])
		m.intervals[i] = interval{r: r, h: h}
	}

	if err := m.reprotect(h.regions); err != nil {
		// A failed Register must leave no trace: drop the intervals
		// and restore whatever protection the other traps require.
		kept := m.intervals[:0]
		for _, iv := range m.intervals {
			if iv.h != h {
				kept = append(kept, iv)
			}
		}

		m.intervals = kept
		m.reprotect(h.regions)
		return nil, err
	}

	m.log.Debug("registered trap",
		zap.Int("regions", len(h.regions)),
		zap.Bool("write_only", writeOnly))

	return h, nil
}

// Retrap re-arms a handle after its protection was lifted, optionally
// narrowing it to write-only.
func (m *Manager) Retrap(h *Handle, writeOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h.protection = ProtectReadWrite
	if writeOnly {
		h.protection = ProtectWriteOnly
	}

	return m.reprotect(h.regions)
}

// RemoveProtection lifts a handle's protection without forgetting its
// ranges. Other traps covering the same pages keep theirs.
func (m *Manager) RemoveProtection(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h.protection = ProtectNone
	return m.reprotect(h.regions)
}

// Delete removes a handle and recomputes the protection of every page
// it touched.
func (m *Manager) Delete(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.intervals[:0]
	for _, iv := range m.intervals {
		if iv.h != h {
			kept = append(kept, iv)
		}
	}

	m.intervals = kept
	return m.reprotect(h.regions)
}

// HandleFault dispatches a host-reported protection fault. It returns
// false if no trap covers addr: the fault is not ours and the caller
// must escalate it. Otherwise every matching trap's callback runs on
// the calling thread, outside the manager's lock, and protection is
// lowered just enough for the faulting access to complete. Re-arming
// is the caller's later responsibility via Retrap, so a burst of
// accesses to the same page doesn't refault per byte.
func (m *Manager) HandleFault(addr uintptr, write bool) bool {
	m.mu.Lock()
	matched := m.handlesAt(addr)
	m.mu.Unlock()

	if len(matched) == 0 {
		return false
	}

	for _, h := range matched {
		cb := h.onRead
		if write {
			cb = h.onWrite
		}

		if cb != nil {
			cb()
		}
	}

	// A write needs the page writable; a read only needs it readable,
	// so write trapping stays armed.
	floor := ProtectWriteOnly
	if write {
		floor = ProtectNone
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var regions []hostmem.Range
	for _, h := range matched {
		if h.protection > floor {
			h.protection = floor
		}

		regions = append(regions, h.regions...)
	}

	if err := m.reprotect(regions); err != nil {
		m.log.Error("reprotect after fault", zap.Uint64("addr", uint64(addr)), zap.Error(err))
	}

	return true
}

// handlesAt returns the handles of every interval covering addr,
// deduplicated. The caller holds the lock.
func (m *Manager) handlesAt(addr uintptr) []*Handle {
	var matched []*Handle

	for _, iv := range m.intervals {
		if iv.r.Start > addr {
			break
		}

		if !iv.r.Contains(addr) {
			continue
		}

		seen := false
		for _, h := range matched {
			if h == iv.h {
				seen = true
				break
			}
		}

		if !seen {
			matched = append(matched, iv.h)
		}
	}

	return matched
}

// reprotect recomputes and applies the protection of every page
// touched by the given ranges. The caller holds the lock. The ranges
// are rounded to page spans and merged first, so pages shared by
// several ranges are visited once and the work scales with the pages
// touched, not with the distance between the lowest and highest range.
func (m *Manager) reprotect(regions []hostmem.Range) error {
	if len(regions) == 0 {
		return nil
	}

	pg := m.pageSize

	spans := make([]hostmem.Range, 0, len(regions))
	for _, r := range regions {
		lo := r.Start &^ (pg - 1)
		hi := hostmem.AlignUp(r.End(), pg)
		spans = append(spans, hostmem.Range{Start: lo, Size: hi - lo})
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]

		if s.Start <= last.End() {
			if s.End() > last.End() {
				last.Size = s.End() - last.Start
			}

			continue
		}

		merged = append(merged, s)
	}

	for _, s := range merged {
		if err := m.reprotectSpan(s); err != nil {
			return err
		}
	}

	return nil
}

// reprotectSpan walks the pages of one contiguous span, batching pages
// with equal requirements into single Protect calls.
func (m *Manager) reprotectSpan(s hostmem.Range) error {
	var (
		runStart  uintptr
		runEnd    uintptr
		runAccess hostmem.Access
		inRun     bool
	)

	flush := func() error {
		if !inRun {
			return nil
		}

		inRun = false
		return m.prot.Protect(hostmem.Range{Start: runStart, Size: runEnd - runStart}, runAccess)
	}

	for page := s.Start; page < s.End(); page += m.pageSize {
		acc := m.requiredAccess(page)

		if inRun && acc == runAccess {
			runEnd = page + m.pageSize
			continue
		}

		if err := flush(); err != nil {
			return err
		}

		runStart, runEnd, runAccess, inRun = page, page+m.pageSize, acc, true
	}

	return flush()
}

// requiredAccess computes the access level to apply to the page at
// page: the inverse of the strongest protection required by any live
// interval touching it. The caller holds the lock.
func (m *Manager) requiredAccess(page uintptr) hostmem.Access {
	req := ProtectNone

	for _, iv := range m.intervals {
		if iv.r.Start >= page+m.pageSize {
			break
		}

		if iv.r.End() > page && iv.h.protection > req {
			req = iv.h.protection
		}
	}

	switch req {
	case ProtectReadWrite:
		return hostmem.AccessNone
	case ProtectWriteOnly:
		return hostmem.AccessRead
	}

	return hostmem.AccessReadWrite
}
