// carveout-scan prints this process's memory mappings above the
// carveout search floor and the carveout a guest reservation of the
// given width would land in.
package main

import (
	"flag"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/treeline-emu/treeline/gmem"
	"github.com/treeline-emu/treeline/hostmem"
)

func main() {
	width := flag.Uint("width", 39, "guest address-space width in bits")
	flag.Parse()

	const searchStart = gmem.CarveoutSearchStart
	limit := uintptr(1) << *width

	maps, err := hostmem.SelfMappings()
	if err != nil {
		panic(err)
	}

	fmt.Printf("# mappings in [%#x, %#x)\n", searchStart, limit)
	for _, m := range maps {
		if m.End <= searchStart || m.Start >= limit {
			continue
		}

		fmt.Printf("%#x-%#x %s\n", m.Start, m.End, humanize.IBytes(uint64(m.End-m.Start)))
	}

	size := gmem.AddressSpaceWidth(*width).ReservationSize()
	if size == 0 {
		panic(fmt.Sprintf("unsupported width %d", *width))
	}

	base, err := hostmem.FindCarveout(maps, searchStart, limit, size, gmem.RegionAlignment)
	if err != nil {
		panic(err)
	}

	fmt.Printf("\n# carveout\n%#x-%#x %s\n", base, base+size, humanize.IBytes(uint64(size)))
}
