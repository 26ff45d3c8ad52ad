//go:build linux

package hostmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CreateBacking creates an anonymous memfd of the given size. A memfd
// is used directly rather than a shared-memory helper because the
// backing must support hole-punching even after its pages have been
// reprotected to no-access.
func CreateBacking(name string, size int64) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("hostmem: memfd_create %s: %w", name, err)
	}

	f := os.NewFile(uintptr(fd), name)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("hostmem: truncate backing to %#x: %w", size, err)
	}

	return f, nil
}

// MapFixed maps size bytes of f at exactly addr with a shared mapping,
// replacing whatever is mapped there.
func MapFixed(addr, size uintptr, prot int, f *os.File, off int64) error {
	flags := unix.MAP_SHARED | unix.MAP_FIXED
	if _, err := mmap(addr, size, prot, flags, int(f.Fd()), off); err != nil {
		return fmt.Errorf("hostmem: map %#x bytes at %#x: %w", size, addr, err)
	}

	return nil
}

// MapFileAt creates a shared mapping of f at an address of the
// kernel's choosing.
func MapFileAt(size uintptr, prot int, f *os.File, off int64) (uintptr, error) {
	p, err := mmap(0, size, prot, unix.MAP_SHARED, int(f.Fd()), off)
	if err != nil {
		return 0, fmt.Errorf("hostmem: map %#x bytes of %s at %#x: %w", size, f.Name(), off, err)
	}

	return p, nil
}

// ReserveAnon reserves size bytes of address space with an anonymous
// no-access mapping. The reservation holds the range until pieces of
// it are remapped with MapFixed.
func ReserveAnon(size uintptr) (uintptr, error) {
	p, err := mmap(0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		return 0, fmt.Errorf("hostmem: reserve %#x bytes: %w", size, err)
	}

	return p, nil
}

// Unmap removes the mapping covering r.
func Unmap(r Range) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, r.Start, r.Size, 0); errno != 0 {
		return fmt.Errorf("hostmem: unmap %#x bytes at %#x: %w", r.Size, r.Start, errno)
	}

	return nil
}

// Protect changes the page protection of r.
func Protect(r Range, prot int) error {
	if _, _, errno := unix.Syscall(unix.SYS_MPROTECT, r.Start, r.Size, uintptr(prot)); errno != 0 {
		return fmt.Errorf("hostmem: protect %#x bytes at %#x: %w", r.Size, r.Start, errno)
	}

	return nil
}

// PunchHole releases the physical pages backing [off, off+size) of f
// without changing the file's size or any mapping of it. Subsequent
// reads of the range observe zeroes.
func PunchHole(f *os.File, off, size int64) error {
	err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, size)
	if err != nil {
		return fmt.Errorf("hostmem: punch hole %#x bytes at %#x: %w", size, off, err)
	}

	return nil
}

// Protector applies trap access levels to host pages with mprotect.
type Protector struct{}

func (Protector) Protect(r Range, access Access) error {
	var prot int
	switch access {
	case AccessNone:
		prot = unix.PROT_NONE
	case AccessRead:
		prot = unix.PROT_READ | unix.PROT_EXEC
	case AccessReadWrite:
		prot = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	default:
		return fmt.Errorf("hostmem: invalid access %d", access)
	}

	return Protect(r, prot)
}

func mmap(addr, size uintptr, prot, flags, fd int, off int64) (uintptr, error) {
	p, _, errno := unix.Syscall6(unix.SYS_MMAP,
		addr, size, uintptr(prot), uintptr(flags), uintptr(fd), uintptr(off))

	if errno != 0 {
		return 0, errno
	}

	return p, nil
}
