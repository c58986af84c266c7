package kernel

import (
	"github.com/pkg/errors"

	"moria.us/mld/memory"
	"moria.us/mld/module"
)

// Descriptor field offsets. Exported words follow the fixed fields.
const (
	descNext      = 0
	descName      = 4
	descVersion   = 8
	descOpenCount = 10
	descMemory    = 12
	descSize      = 16
	descInit      = 20
	descOpen      = 24
	descClose     = 28
	descExpunge   = 32
	descStatic    = 36
	descExports   = module.DescriptorSize
)

// A descriptor is the in-memory module structure, extending to the end of
// the region it was found in.
type descriptor struct {
	*memory.Region
}

func (d descriptor) word(off uint32) uint32 {
	v, err := d.Uint32(off)
	if err != nil {
		panic(err)
	}
	return v
}

func (d descriptor) version() uint16 {
	v, err := d.Uint16(descVersion)
	if err != nil {
		panic(err)
	}
	return v
}

// name reads the module name through the descriptor's name pointer, which
// must point into the module's own memory.
func (d descriptor) name(mem *Dynamic) (string, error) {
	addr := d.word(descName)
	r := mem.region(addr)
	if r == nil {
		return "", errors.Wrapf(ErrFormat, "descriptor name pointer %#x is outside the module", addr)
	}
	s, err := r.CString(addr - r.Base)
	if err != nil {
		return "", errors.Wrap(ErrFormat, err.Error())
	}
	return s, nil
}

func (d descriptor) setOpenCount(n int) {
	if d.Region == nil {
		return
	}
	if err := d.PutUint16(descOpenCount, uint16(int16(n))); err != nil {
		panic(err)
	}
}

// writeBack records the load results in the descriptor.
func (d descriptor) writeBack(mem *Dynamic) error {
	for _, f := range []struct {
		off, v uint32
	}{
		{descNext, 0},
		{descMemory, mem.Table.Base},
		{descSize, mem.Text.Size},
	} {
		if err := d.PutUint32(f.off, f.v); err != nil {
			return err
		}
	}
	return d.PutUint8(descStatic, 0)
}

// exports returns the exported words following the descriptor.
func (d descriptor) exports() *memory.Region {
	r, err := d.Slice(descExports, (d.Size-descExports)&^3)
	if err != nil {
		panic(err)
	}
	return r
}

// locateDescriptor returns the descriptor at offset off in r.
func locateDescriptor(r *memory.Region, off uint32) (descriptor, error) {
	if r == nil || uint64(off)+module.DescriptorSize > uint64(r.Size) {
		return descriptor{}, errors.Wrapf(ErrFormat, "module descriptor at offset %#x does not fit its section", off)
	}
	v, err := r.Slice(off, r.Size-off)
	if err != nil {
		return descriptor{}, errors.Wrap(ErrFormat, err.Error())
	}
	return descriptor{v}, nil
}
