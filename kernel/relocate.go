package kernel

import (
	"github.com/pkg/errors"

	"moria.us/mld/memory"
	"moria.us/mld/module"
)

// A patch adds delta to the little-endian word at offset in region.
type patch struct {
	region *memory.Region
	offset uint32
	delta  uint32
}

// planRelocations computes the patches for the relocation table of section
// id without modifying memory. Every bounds check happens here.
//
// Relocation entries come in three kinds:
//
//	absolute  delta = value + base of the referenced section
//	relative  delta = value - offset
//	symbol    delta = kernel interface address
//
// The delta is added to the link-time word already stored at the offset.
func planRelocations(hdr *module.Header, mem *Dynamic, id module.SectionID, relocs []module.Relocation, kernelAddr uint32) ([]patch, error) {
	region := mem.Region(id)
	limit := uint64(hdr.SectionSize(id))
	patches := make([]patch, 0, len(relocs))
	for i, r := range relocs {
		var delta uint32
		switch {
		case !r.Info.IsRelocation():
			delta = kernelAddr
		case r.Info.IsAbsolute():
			s := r.Info.Section()
			if !s.Valid() {
				return nil, errors.Wrapf(ErrFormat, "%s relocation %d refers to unknown section %d", id, i, uint32(s))
			}
			size := int64(hdr.SectionSize(s))
			if int64(r.Value) > size-4 {
				return nil, errors.Wrapf(ErrRelocationRange, "%s relocation %d: value %#x exceeds %s size %#x",
					id, i, r.Value, s, size)
			}
			delta = uint32(r.Value) + mem.Region(s).Base
		default:
			if s := r.Info.Section(); !s.Valid() {
				return nil, errors.Wrapf(ErrFormat, "%s relocation %d refers to unknown section %d", id, i, uint32(s))
			}
			delta = uint32(r.Value) - r.Offset
		}
		if uint64(r.Offset)+4 > limit {
			return nil, errors.Wrapf(ErrRelocationRange, "%s relocation %d: offset %#x exceeds section size %#x",
				id, i, r.Offset, limit)
		}
		patches = append(patches, patch{region: region, offset: r.Offset, delta: delta})
	}
	return patches, nil
}

func applyPatches(patches []patch) error {
	for _, p := range patches {
		if err := p.region.Add32(p.offset, p.delta); err != nil {
			return errors.Wrap(ErrRelocationRange, err.Error())
		}
	}
	return nil
}
