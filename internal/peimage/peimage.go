// Package peimage reads code and data from x86-64 PE32+ firmware images.
package peimage

import (
	"debug/pe"
	"errors"
	"fmt"
	"io"
	"os"

	"efiretype/internal/guid"
)

var (
	ErrNotPE      = errors.New("peimage: not a PE file")
	ErrNotAMD64   = errors.New("peimage: not x86-64 (IMAGE_FILE_MACHINE_AMD64)")
	ErrNot64Bit   = errors.New("peimage: not a PE32+ image")
	ErrNoSection  = errors.New("peimage: no section covers address")
	ErrNotPresent = errors.New("peimage: address has no file data")
)

// File wraps a debug/pe.File with virtual-address reads.
type File struct {
	PE     *pe.File
	raw    io.ReaderAt
	size   int64
	base   uint64
	closer io.Closer
}

// Open opens an image from disk.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("peimage: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("peimage: stat: %w", err)
	}
	pf, err := NewFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	pf.closer = f
	return pf, nil
}

// NewFile parses an image of the given size read through r.
func NewFile(r io.ReaderAt, size int64) (*File, error) {
	p, err := pe.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPE, err)
	}
	if p.Machine != pe.IMAGE_FILE_MACHINE_AMD64 {
		p.Close()
		return nil, ErrNotAMD64
	}
	oh, ok := p.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		p.Close()
		return nil, ErrNot64Bit
	}
	return &File{PE: p, raw: r, size: size, base: oh.ImageBase}, nil
}

// Close releases resources.
func (f *File) Close() error {
	err := f.PE.Close()
	if f.closer != nil {
		if cerr := f.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ImageBase is the preferred load address the image's VAs are relative to.
func (f *File) ImageBase() uint64 { return f.base }

// VAToFileOffset converts a virtual address to a file offset using the
// section table.
func (f *File) VAToFileOffset(va uint64) (uint64, error) {
	if va < f.base {
		return 0, fmt.Errorf("%w: VA 0x%x below image base 0x%x", ErrNoSection, va, f.base)
	}
	rva := va - f.base
	for _, s := range f.PE.Sections {
		start := uint64(s.VirtualAddress)
		span := uint64(s.VirtualSize)
		if uint64(s.Size) > span {
			span = uint64(s.Size)
		}
		if rva < start || rva >= start+span {
			continue
		}
		delta := rva - start
		if delta >= uint64(s.Size) {
			return 0, fmt.Errorf("%w: VA 0x%x in %s", ErrNotPresent, va, s.Name)
		}
		off := uint64(s.Offset) + delta
		if off >= uint64(f.size) {
			return 0, fmt.Errorf("peimage: VA 0x%x maps to offset 0x%x beyond file size 0x%x", va, off, f.size)
		}
		return off, nil
	}
	return 0, fmt.Errorf("%w: VA 0x%x", ErrNoSection, va)
}

// ReadBytesAtVA reads up to n bytes starting at va. The result is shorter
// than n when the file ends first.
func (f *File) ReadBytesAtVA(va uint64, n int) ([]byte, error) {
	off, err := f.VAToFileOffset(va)
	if err != nil {
		return nil, err
	}
	avail := f.size - int64(off)
	if int64(n) > avail {
		n = int(avail)
	}
	buf := make([]byte, n)
	_, err = f.raw.ReadAt(buf, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("peimage: read at 0x%x: %w", off, err)
	}
	return buf, nil
}

// ReadGUID decodes the EFI_GUID stored at va.
func (f *File) ReadGUID(va uint64) (guid.GUID, error) {
	b, err := f.ReadBytesAtVA(va, 16)
	if err != nil {
		return guid.Zero, err
	}
	return guid.FromWire(b)
}
