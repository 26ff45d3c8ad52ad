package hostmem

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Mapping is one region of a /proc/pid/maps listing.
type Mapping struct {
	Start uintptr
	End   uintptr
}

var ErrNoCarveout = errors.New("hostmem: no suitable carveout")

// SelfMappings lists the calling process's own mappings.
func SelfMappings() ([]Mapping, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}

	defer f.Close()
	return ReadMappings(f)
}

// ReadMappings parses a /proc/pid/maps listing. The kernel emits
// regions sorted by start address, and the rest of this package
// depends on that order.
func ReadMappings(r io.Reader) ([]Mapping, error) {
	var ms []Mapping

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}

		addrs, _, _ := strings.Cut(line, " ")
		lo, hi, ok := strings.Cut(addrs, "-")
		if !ok {
			return nil, fmt.Errorf("hostmem: bad maps line %q", line)
		}

		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("hostmem: bad maps line %q: %w", line, err)
		}

		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("hostmem: bad maps line %q: %w", line, err)
		}

		ms = append(ms, Mapping{Start: uintptr(start), End: uintptr(end)})
	}

	if err := sc.Err(); err != nil {
		return nil, err
	}

	return ms, nil
}

// FindCarveout scans the gaps between mappings for an aligned free
// range of the given size. The search starts at searchStart and the
// carveout must end at or below limit. Mappings must be sorted by
// start address. It returns ErrNoCarveout if no gap fits.
func FindCarveout(mappings []Mapping, searchStart, limit, size, align uintptr) (uintptr, error) {
	start := searchStart
	aligned := AlignUp(start, align)

	for _, m := range mappings {
		if m.End <= start {
			continue
		}

		if m.Start >= aligned && m.Start-aligned >= size && aligned+size <= limit {
			return aligned, nil
		}

		start = m.End
		aligned = AlignUp(start, align)

		if aligned+size > limit {
			return 0, ErrNoCarveout
		}
	}

	if aligned+size <= limit {
		return aligned, nil
	}

	return 0, ErrNoCarveout
}
