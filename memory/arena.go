package memory

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// An Allocator is the memory service used by the module loader.
type Allocator interface {
	// Allocate returns a region of at least size bytes with unspecified
	// contents.
	Allocate(size uint32) (*Region, error)
	// ZeroAllocate returns a region of at least size bytes filled with zeros.
	ZeroAllocate(size uint32) (*Region, error)
	// Free returns a region obtained from Allocate or ZeroAllocate.
	Free(r *Region) error
}

// allocAlign is the alignment of every allocation. Empty allocations still
// consume one unit so that every live region has a distinct base.
const allocAlign = 16

type span struct {
	off, size uint32
}

// An Arena is a first-fit allocator over a fixed range of the simulated
// address space.
type Arena struct {
	mu sync.Mutex

	base uint32
	mem  []byte
	free []span            // sorted by offset, never adjacent
	used map[uint32]uint32 // allocated offset to span size

	inUse   uint32
	release func() error
}

var _ Allocator = (*Arena)(nil)

// NewArena creates an arena covering size bytes starting at address base.
func NewArena(base, size uint32) (*Arena, error) {
	if base%allocAlign != 0 {
		return nil, errors.Errorf("arena base %#x is not %d-byte aligned", base, allocAlign)
	}
	size &^= allocAlign - 1
	if size == 0 {
		return nil, errors.New("arena is empty")
	}
	if uint64(base)+uint64(size) > 1<<32 {
		return nil, errors.Errorf("arena base=%#x, size=%#x exceeds the 32-bit address space", base, size)
	}
	mem, release, err := mapMemory(int(size))
	if err != nil {
		return nil, errors.Wrap(err, "mapping arena memory")
	}
	return &Arena{
		base:    base,
		mem:     mem,
		free:    []span{{0, size}},
		used:    make(map[uint32]uint32),
		release: release,
	}, nil
}

// Base returns the first address of the arena.
func (a *Arena) Base() uint32 { return a.base }

// Size returns the size of the arena.
func (a *Arena) Size() uint32 { return uint32(len(a.mem)) }

// InUse returns the number of bytes currently allocated.
func (a *Arena) InUse() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

func roundSize(size uint32) (uint32, bool) {
	if size == 0 {
		return allocAlign, true
	}
	r := (uint64(size) + allocAlign - 1) &^ (allocAlign - 1)
	if r > 1<<32-allocAlign {
		return 0, false
	}
	return uint32(r), true
}

// Allocate implements Allocator.
func (a *Arena) Allocate(size uint32) (*Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	need, ok := roundSize(size)
	if !ok {
		return nil, errors.Wrapf(ErrOutOfMemory, "allocation of %#x bytes", size)
	}
	for i, s := range a.free {
		if s.size < need {
			continue
		}
		off := s.off
		if s.size == need {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = span{s.off + need, s.size - need}
		}
		a.used[off] = need
		a.inUse += need
		return &Region{
			Base:   a.base + off,
			Size:   size,
			linear: a.mem[off : off+size : off+size],
			owner:  a,
		}, nil
	}
	return nil, errors.Wrapf(ErrOutOfMemory, "allocation of %#x bytes, %#x of %#x in use",
		size, a.inUse, len(a.mem))
}

// ZeroAllocate implements Allocator.
func (a *Arena) ZeroAllocate(size uint32) (*Region, error) {
	r, err := a.Allocate(size)
	if err != nil {
		return nil, err
	}
	b := r.Bytes()
	for i := range b {
		b[i] = 0
	}
	return r, nil
}

// Free implements Allocator.
func (a *Arena) Free(r *Region) error {
	if r == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.owner != a {
		return errors.Wrapf(ErrBadFree, "region base=%#x does not belong to this arena", r.Base)
	}
	off := r.Base - a.base
	size, ok := a.used[off]
	if !ok {
		return errors.Wrapf(ErrBadFree, "region base=%#x", r.Base)
	}
	delete(a.used, off)
	a.inUse -= size
	r.owner = nil

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].off > off })
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = span{off, size}
	// Merge with the following span, then with the preceding one.
	if i+1 < len(a.free) && a.free[i].off+a.free[i].size == a.free[i+1].off {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].off+a.free[i-1].size == a.free[i].off {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	return nil
}

// Project returns size bytes of arena memory at addr, allocated or not.
func (a *Arena) Project(addr, size uint32) ([]byte, error) {
	if addr < a.base || uint64(addr-a.base)+uint64(size) > uint64(len(a.mem)) {
		return nil, errors.Wrapf(ErrOutOfRange, "error projecting address=%#x, size=%#x", addr, size)
	}
	off := addr - a.base
	return a.mem[off : off+size : off+size], nil
}

// Close releases the arena's backing memory. Regions must not be used
// afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.release == nil {
		return nil
	}
	err := a.release()
	a.release = nil
	a.mem = nil
	return err
}
