// Package memory provides the kernel's physical memory service over a
// simulated 32-bit address space.
//
// Module code and data live in Regions handed out by an Arena. All access to
// region contents goes through range-checked operations.
package memory

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	ErrOutOfRange  = errors.New("memory access out of range")
	ErrOutOfMemory = errors.New("out of memory")
	ErrBadFree     = errors.New("free of unallocated region")
)

// A Region is a contiguous block of memory at a fixed address.
type Region struct {
	Base uint32
	Size uint32

	linear []byte
	owner  *Arena
}

// Bytes returns the contents of the region.
func (r *Region) Bytes() []byte {
	return r.linear[:r.Size:r.Size]
}

// End returns the address one past the end of the region.
func (r *Region) End() uint32 {
	return r.Base + r.Size
}

// Contains returns true if addr is inside the region.
func (r *Region) Contains(addr uint32) bool {
	return addr >= r.Base && addr-r.Base < r.Size
}

func (r *Region) check(off, size uint32) error {
	if uint64(off)+uint64(size) > uint64(r.Size) {
		return errors.Wrapf(ErrOutOfRange, "access at offset=%#x, size=%#x in region base=%#x, size=%#x",
			off, size, r.Base, r.Size)
	}
	return nil
}

// Project returns size bytes of the region starting at off.
func (r *Region) Project(off, size uint32) ([]byte, error) {
	if err := r.check(off, size); err != nil {
		return nil, err
	}
	return r.linear[off : off+size : off+size], nil
}

// Slice returns a view of part of the region. The view shares memory with r
// and cannot be freed on its own.
func (r *Region) Slice(off, size uint32) (*Region, error) {
	if err := r.check(off, size); err != nil {
		return nil, err
	}
	return &Region{
		Base:   r.Base + off,
		Size:   size,
		linear: r.linear[off : off+size : off+size],
	}, nil
}

// Uint32 reads the little-endian word at off.
func (r *Region) Uint32(off uint32) (uint32, error) {
	b, err := r.Project(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// PutUint32 writes a little-endian word at off.
func (r *Region) PutUint32(off, v uint32) error {
	b, err := r.Project(off, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// Add32 adds delta to the little-endian word at off, wrapping on overflow.
func (r *Region) Add32(off, delta uint32) error {
	b, err := r.Project(off, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, binary.LittleEndian.Uint32(b)+delta)
	return nil
}

// Uint16 reads the little-endian halfword at off.
func (r *Region) Uint16(off uint32) (uint16, error) {
	b, err := r.Project(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// PutUint16 writes a little-endian halfword at off.
func (r *Region) PutUint16(off uint32, v uint16) error {
	b, err := r.Project(off, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

// PutUint8 writes a byte at off.
func (r *Region) PutUint8(off uint32, v uint8) error {
	b, err := r.Project(off, 1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

// Write copies data into the region at off.
func (r *Region) Write(off uint32, data []byte) error {
	b, err := r.Project(off, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// CString reads a NUL-terminated string starting at off. The terminator must
// lie inside the region.
func (r *Region) CString(off uint32) (string, error) {
	if err := r.check(off, 0); err != nil {
		return "", err
	}
	b := r.linear[off:r.Size]
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return "", errors.Wrapf(ErrOutOfRange, "unterminated string at offset=%#x in region base=%#x", off, r.Base)
}
