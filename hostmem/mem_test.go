//go:build linux

package hostmem_test

import (
	"bytes"
	"os"
	"testing"
	"unsafe"

	"github.com/treeline-emu/treeline/hostmem"
	"golang.org/x/sys/unix"
)

func TestBackingMapAndPunchHole(t *testing.T) {
	pgsz := uintptr(os.Getpagesize())

	f, err := hostmem.CreateBacking("test-backing", int64(4*pgsz))
	if err != nil {
		t.Fatal(err)
	}

	defer f.Close()

	p, err := hostmem.MapFileAt(4*pgsz, unix.PROT_READ|unix.PROT_WRITE, f, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer hostmem.Unmap(hostmem.Range{Start: p, Size: 4 * pgsz})

	mem := unsafe.Slice((*byte)(unsafe.Pointer(p)), 4*pgsz)
	for i := range mem {
		mem[i] = 0xab
	}

	// Punching the second page leaves its neighbors alone and makes it
	// read back as zeroes.
	if err := hostmem.PunchHole(f, int64(pgsz), int64(pgsz)); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(mem[pgsz:2*pgsz], make([]byte, pgsz)) {
		t.Error("punched page isn't zeroed")
	}

	if mem[pgsz-1] != 0xab || mem[2*pgsz] != 0xab {
		t.Error("neighboring pages were touched")
	}
}

func TestBackingSharedViews(t *testing.T) {
	pgsz := uintptr(os.Getpagesize())

	f, err := hostmem.CreateBacking("test-views", int64(pgsz))
	if err != nil {
		t.Fatal(err)
	}

	defer f.Close()

	a, err := hostmem.MapFileAt(pgsz, unix.PROT_READ|unix.PROT_WRITE, f, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer hostmem.Unmap(hostmem.Range{Start: a, Size: pgsz})

	b, err := hostmem.MapFileAt(pgsz, unix.PROT_READ|unix.PROT_WRITE, f, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer hostmem.Unmap(hostmem.Range{Start: b, Size: pgsz})

	av := unsafe.Slice((*byte)(unsafe.Pointer(a)), pgsz)
	bv := unsafe.Slice((*byte)(unsafe.Pointer(b)), pgsz)

	av[42] = 0x7f
	if bv[42] != 0x7f {
		t.Error("views of the same backing don't share bytes")
	}
}

func TestReserveAnonAndMapFixed(t *testing.T) {
	pgsz := uintptr(os.Getpagesize())

	base, err := hostmem.ReserveAnon(4 * pgsz)
	if err != nil {
		t.Fatal(err)
	}

	defer hostmem.Unmap(hostmem.Range{Start: base, Size: 4 * pgsz})

	f, err := hostmem.CreateBacking("test-fixed", int64(pgsz))
	if err != nil {
		t.Fatal(err)
	}

	defer f.Close()

	// Remap the third page of the reservation to the backing.
	if err := hostmem.MapFixed(base+2*pgsz, pgsz, unix.PROT_READ|unix.PROT_WRITE, f, 0); err != nil {
		t.Fatal(err)
	}

	mem := unsafe.Slice((*byte)(unsafe.Pointer(base+2*pgsz)), pgsz)
	mem[0] = 1

	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, 0); err != nil {
		t.Fatal(err)
	}

	if buf[0] != 1 {
		t.Error("write through the fixed mapping didn't reach the backing")
	}
}

func TestProtector(t *testing.T) {
	pgsz := uintptr(os.Getpagesize())

	f, err := hostmem.CreateBacking("test-protect", int64(pgsz))
	if err != nil {
		t.Fatal(err)
	}

	defer f.Close()

	p, err := hostmem.MapFileAt(pgsz, unix.PROT_READ|unix.PROT_WRITE, f, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer hostmem.Unmap(hostmem.Range{Start: p, Size: pgsz})

	r := hostmem.Range{Start: p, Size: pgsz}
	var prot hostmem.Protector

	for _, a := range []hostmem.Access{hostmem.AccessNone, hostmem.AccessRead, hostmem.AccessReadWrite} {
		if err := prot.Protect(r, a); err != nil {
			t.Fatalf("protect %v: %v", a, err)
		}
	}

	if err := prot.Protect(r, hostmem.Access(99)); err == nil {
		t.Error("no error for an invalid access level")
	}
}
