package vas

import (
	"fmt"
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

// SparseBufSize is the size of the shared zero buffer that backs reads
// of sparse blocks. A single translated run longer than this cannot be
// served and panics: callers size their requests to fit.
const SparseBufSize = 4 << 20

// PageFaultError reports an access to an unmapped address. It is fatal
// to the access but carries the faulting address for diagnostics.
type PageFaultError struct {
	VA uint64
}

func (e *PageFaultError) Error() string {
	return fmt.Sprintf("vas: page fault at %#x", e.VA)
}

// RangeFunc is called once per backed contiguous host run touched by
// an accessor operation, with the host bytes of the run. Reads of
// sparse blocks pass a slice of the shared zero buffer; writes to
// sparse blocks are discarded without a call.
type RangeFunc func(host []byte)

// Accessor reads and writes memory through a map of host pointers.
// Operations hold the map's read lock for their duration, so they
// exclude concurrent Map/Unmap but not each other. Concurrent
// accesses may race at the byte level; callers needing more must
// synchronize above this layer.
type Accessor struct {
	m    *Map[uintptr]
	zero mmap.MMap
}

// NewAccessor returns an accessor over m backed by a fresh zero
// buffer.
func NewAccessor(m *Map[uintptr]) (*Accessor, error) {
	zero, err := mmap.MapRegion(nil, SparseBufSize, mmap.RDONLY, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("vas: map zero buffer: %w", err)
	}

	return &Accessor{m: m, zero: zero}, nil
}

// Close releases the zero buffer.
func (a *Accessor) Close() error {
	return a.zero.Unmap()
}

// TranslateRange resolves [va, va+size) into contiguous host runs and
// calls fn for each.
func (a *Accessor) TranslateRange(va, size uint64, fn RangeFunc) error {
	a.m.mu.RLock()
	defer a.m.mu.RUnlock()

	return a.walk(va, size, func(b Block[uintptr], cur, n uint64) {
		if fn != nil {
			fn(a.runBytes(b, cur, n))
		}
	})
}

// Read copies len(p) bytes starting at va into p.
func (a *Accessor) Read(p []byte, va uint64, fn RangeFunc) error {
	a.m.mu.RLock()
	defer a.m.mu.RUnlock()

	off := 0
	return a.walk(va, uint64(len(p)), func(b Block[uintptr], cur, n uint64) {
		host := a.runBytes(b, cur, n)
		copy(p[off:], host)
		off += int(n)

		if fn != nil {
			fn(host)
		}
	})
}

// Write copies p to memory starting at va. Bytes landing in sparse
// blocks are discarded.
func (a *Accessor) Write(va uint64, p []byte, fn RangeFunc) error {
	a.m.mu.RLock()
	defer a.m.mu.RUnlock()

	off := 0
	return a.walk(va, uint64(len(p)), func(b Block[uintptr], cur, n uint64) {
		if b.Info.Sparse {
			off += int(n)
			return
		}

		host := hostBytes(b, cur, n)
		copy(host, p[off:off+int(n)])
		off += int(n)

		if fn != nil {
			fn(host)
		}
	})
}

// Fill sets [va, va+size) to c. Sparse runs are skipped.
func (a *Accessor) Fill(va, size uint64, c byte, fn RangeFunc) error {
	a.m.mu.RLock()
	defer a.m.mu.RUnlock()

	return a.walk(va, size, func(b Block[uintptr], cur, n uint64) {
		if b.Info.Sparse {
			return
		}

		host := hostBytes(b, cur, n)
		for i := range host {
			host[i] = c
		}

		if fn != nil {
			fn(host)
		}
	})
}

// Copy moves size bytes from src to dst, advancing two cursors
// independently across their own block boundaries. fn is called once
// per backed destination run written.
func (a *Accessor) Copy(dst, src, size uint64, fn RangeFunc) error {
	a.m.mu.RLock()
	defer a.m.mu.RUnlock()

	remaining := size
	for remaining > 0 {
		sb, srun := a.m.getLocked(src)
		if a.m.unmapped(sb) {
			return &PageFaultError{VA: src}
		}

		db, drun := a.m.getLocked(dst)
		if a.m.unmapped(db) {
			return &PageFaultError{VA: dst}
		}

		n := min(remaining, min(srun, drun))

		if !db.Info.Sparse {
			host := hostBytes(db, dst, n)
			copy(host, a.runBytes(sb, src, n))

			if fn != nil {
				fn(host)
			}
		}

		src += n
		dst += n
		remaining -= n
	}

	return nil
}

// walk resolves [va, va+size) one contiguous run at a time, calling
// step with the covering block, the run start, and the run length.
func (a *Accessor) walk(va, size uint64, step func(b Block[uintptr], cur, n uint64)) error {
	cur := va
	remaining := size

	for remaining > 0 {
		b, run := a.m.getLocked(cur)
		if a.m.unmapped(b) {
			return &PageFaultError{VA: cur}
		}

		n := min(run, remaining)
		step(b, cur, n)

		cur += n
		remaining -= n
	}

	return nil
}

// runBytes returns the host bytes backing a read of [cur, cur+n):
// the real backing, or the zero buffer for sparse blocks.
func (a *Accessor) runBytes(b Block[uintptr], cur, n uint64) []byte {
	if b.Info.Sparse {
		if n > SparseBufSize {
			panic(fmt.Sprintf("vas: sparse run of %#x bytes exceeds the zero buffer", n))
		}

		return a.zero[:n]
	}

	return hostBytes(b, cur, n)
}

func hostBytes(b Block[uintptr], va, n uint64) []byte {
	p := b.Back + uintptr(va-b.VA)
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), int(n))
}
