// Package loader reads guest code images. An image is a cpio bundle
// holding the segments of a program: text, plus optional rodata and
// data. Segments are placed on page boundaries in guest memory.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cavaliergopher/cpio"
	"github.com/edsrzf/mmap-go"
	"github.com/treeline-emu/treeline/vas"
)

var (
	ErrBadBundle = errors.New("loader: malformed image bundle")
	ErrNoText    = errors.New("loader: image bundle has no text segment")
)

// Image is a parsed code image.
type Image struct {
	Text   []byte
	ROData []byte
	Data   []byte
}

// Read parses an image bundle. Unknown entries are skipped.
func Read(r io.Reader) (*Image, error) {
	cr := cpio.NewReader(r)
	img := new(Image)

	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadBundle, err)
		}

		var seg *[]byte
		switch hdr.Name {
		case "text":
			seg = &img.Text
		case "rodata":
			seg = &img.ROData
		case "data":
			seg = &img.Data
		default:
			continue
		}

		b, err := io.ReadAll(cr)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrBadBundle, hdr.Name, err)
		}

		*seg = b
	}

	if len(img.Text) == 0 {
		return nil, ErrNoText
	}

	return img, nil
}

// Open maps the bundle at path into memory and parses it.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("loader: map %s: %w", path, err)
	}

	defer m.Unmap()

	return Read(bytes.NewReader(m))
}

// Size returns the guest memory the image occupies when loaded, with
// each segment rounded up to a page.
func (img *Image) Size() uint64 {
	return segSize(img.Text) + segSize(img.ROData) + segSize(img.Data)
}

// LoadInto writes the image's segments into guest memory starting at
// base. Each segment begins on a page boundary; the space between a
// segment's end and the next boundary is left as mapped.
func (img *Image) LoadInto(acc *vas.Accessor, base uint64) error {
	va := base
	for _, seg := range [][]byte{img.Text, img.ROData, img.Data} {
		if len(seg) == 0 {
			continue
		}

		if err := acc.Write(va, seg, nil); err != nil {
			return err
		}

		va += segSize(seg)
	}

	return nil
}

func segSize(seg []byte) uint64 {
	if len(seg) == 0 {
		return 0
	}

	pg := uint64(os.Getpagesize())
	return (uint64(len(seg)) + pg - 1) &^ (pg - 1)
}
