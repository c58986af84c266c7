// Package translate converts ELF32 i386 relocatable objects into module
// files.
//
// The object must already have been linked so that all text-like input
// sections are merged into one section, and likewise for rodata, data and
// bss. Same-typed sections that remain are concatenated with alignment
// padding.
package translate

import (
	"debug/elf"
	"fmt"
	"strings"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"moria.us/mld/elfobj"
	"moria.us/mld/log"
	"moria.us/mld/module"
)

// KernelSymbol is the only external symbol a module may reference: the
// kernel's global interface.
const KernelSymbol = module.KernelName

// ErrNoDescriptor is the cause of errors locating the module descriptor.
var ErrNoDescriptor = errors.New("no usable module descriptor")

// An UnsupportedRelocationError reports a relocation type other than R_386_32
// and R_386_PC32.
type UnsupportedRelocationError struct {
	Type elf.R_386
}

func (e *UnsupportedRelocationError) Error() string {
	return fmt.Sprintf("unsupported relocation type %s", e.Type)
}

// An UnresolvedSymbolError reports a reference to an external symbol other than
// KernelSymbol.
type UnresolvedSymbolError struct {
	Name string
}

func (e *UnresolvedSymbolError) Error() string {
	return fmt.Sprintf("unknown kernel symbol %q", e.Name)
}

// A Translator converts objects into module images.
type Translator struct {
	L hclog.Logger
}

// New returns a translator logging to the process logger.
func New() *Translator {
	return &Translator{L: log.L.Named("translate")}
}

// A placement is the position of an object section inside a module section.
type placement struct {
	region module.SectionID
	base   uint32
}

type builder struct {
	L      hclog.Logger
	obj    *elfobj.Object
	img    *module.Image
	placed map[int]placement
}

// DescriptorSymbol returns the name of the descriptor symbol of a module.
func DescriptorSymbol(name string) string {
	return name + "_module"
}

// Translate converts the object into the image of the module called name.
func (t *Translator) Translate(obj *elfobj.Object, name string) (*module.Image, error) {
	l := t.L
	if l == nil {
		l = hclog.NewNullLogger()
	}
	if obj.Type != elf.ET_REL {
		return nil, errors.Errorf("ELF has type %s, expected ET_REL", obj.Type)
	}
	b := &builder{
		L:      l.With("module", name),
		obj:    obj,
		img:    new(module.Image),
		placed: make(map[int]placement),
	}
	if err := b.readSections(); err != nil {
		return nil, err
	}
	if err := b.readRelocations(); err != nil {
		return nil, err
	}
	b.img.Layout()
	if err := b.findDescriptor(DescriptorSymbol(name)); err != nil {
		return nil, err
	}
	return b.img, nil
}

func wrapErrorSection(err error, s *elfobj.Section) error {
	return errors.Wrap(err, s.String())
}

func align(offset, align uint32) uint32 {
	if align > 1 {
		align--
		offset = (offset + align) &^ align
	}
	return offset
}

// classify maps an object section to the module section it is loaded into.
func classify(s *elfobj.Section) (module.SectionID, bool) {
	switch s.Type {
	case elf.SHT_NOBITS:
		return module.BSS, true
	case elf.SHT_PROGBITS, elf.SHT_INIT_ARRAY, elf.SHT_FINI_ARRAY, elf.SHT_PREINIT_ARRAY:
		switch {
		case s.Flags&elf.SHF_EXECINSTR != 0:
			return module.Text, true
		case s.Flags&elf.SHF_WRITE != 0:
			return module.Data, true
		case s.Flags&elf.SHF_ALLOC != 0:
			return module.Rodata, true
		}
	}
	return 0, false
}

// isDiscarded returns true for sections which are never loaded, along with
// any relocations against them.
func isDiscarded(s *elfobj.Section) bool {
	return strings.Contains(s.Name, ".eh_frame")
}

// readSections assigns all loadable sections to module sections and copies
// their contents.
func (b *builder) readSections() error {
	for _, s := range b.obj.Sections {
		if isDiscarded(s) {
			b.L.Debug("skipping section", "section", s.Name)
			continue
		}
		region, ok := classify(s)
		if !ok {
			continue
		}
		if s.Size == 0 {
			b.L.Debug("skipping empty section", "section", s.Name)
			continue
		}
		if err := b.addData(s, region); err != nil {
			return wrapErrorSection(err, s)
		}
	}
	return nil
}

func (b *builder) addData(s *elfobj.Section, region module.SectionID) error {
	h := &b.img.Header
	if region == module.BSS {
		base := align(h.BSSSize, s.Addralign)
		h.BSSSize = base + s.Size
		b.placed[s.Index] = placement{region: region, base: base}
		b.L.Debug("adding bss", "section", s.Name, "size", s.Size, "offset", base)
		return nil
	}
	data, err := s.Data()
	if err != nil {
		return err
	}
	if uint32(len(data)) != s.Size {
		return errors.Errorf("read %d bytes, expected %d", len(data), s.Size)
	}
	cur := b.img.Contents[region]
	base := align(uint32(len(cur)), s.Addralign)
	if pad := int(base) - len(cur); pad > 0 {
		cur = append(cur, make([]byte, pad)...)
	}
	b.img.Contents[region] = append(cur, data...)
	b.placed[s.Index] = placement{region: region, base: base}
	b.L.Debug("adding section", "section", s.Name, "to", region.String(), "size", s.Size, "offset", base)
	return nil
}

// readRelocations converts the relocation sections of all placed sections.
func (b *builder) readRelocations() error {
	for _, s := range b.obj.Sections {
		switch s.Type {
		case elf.SHT_REL, elf.SHT_RELA:
		default:
			continue
		}
		target := b.obj.Section(int(s.Info))
		if target == nil {
			return wrapErrorSection(errors.New("relocation section refers to invalid section"), s)
		}
		p, ok := b.placed[target.Index]
		if !ok {
			// Relocations for sections we do not load, such as exception
			// handling frames and debug information.
			b.L.Debug("skipping relocations", "section", s.Name, "target", target.Name)
			continue
		}
		if err := b.addRelocations(s, target, p); err != nil {
			return wrapErrorSection(err, s)
		}
	}
	return nil
}

func (b *builder) addRelocations(s, target *elfobj.Section, p placement) error {
	if p.region == module.BSS {
		return errors.New("relocations for bss section")
	}
	relocs, err := b.obj.Relocations(s)
	if err != nil {
		return err
	}
	for _, rel := range relocs {
		if uint64(rel.Offset)+4 > uint64(target.Size) {
			return errors.Errorf("relocation at 0x%x extends past the end of %s", rel.Offset, target.Name)
		}
		r, err := b.convert(rel, p)
		if err != nil {
			return errors.Wrapf(err, "relocation at 0x%x", rel.Offset)
		}
		b.L.Trace("relocation", "section", p.region.String(), "offset", hclog.Hex(int(r.Offset)),
			"value", r.Value, "kind", r.Info.Kind(), "target", r.Info.Section().String())
		b.img.Relocs[p.region] = append(b.img.Relocs[p.region], r)
	}
	return nil
}

// convert translates one ELF relocation applied at placement p.
func (b *builder) convert(rel elfobj.Reloc, p placement) (module.Relocation, error) {
	var absolute bool
	switch rel.Type {
	case elf.R_386_32:
		absolute = true
	case elf.R_386_PC32:
		absolute = false
	default:
		return module.Relocation{}, &UnsupportedRelocationError{Type: rel.Type}
	}
	sym := b.obj.Symbol(rel.Symbol)
	if rel.Symbol == 0 || sym == nil {
		return module.Relocation{}, errors.Errorf("symbol reference %d out of bounds", rel.Symbol)
	}
	offset := p.base + rel.Offset
	if sym.IsUndefined() {
		if sym.Name != KernelSymbol {
			return module.Relocation{}, &UnresolvedSymbolError{Name: sym.Name}
		}
		return module.Relocation{
			Info:   module.MakeInfo(0, false, false),
			Offset: offset,
			Value:  module.KernelSymbolID,
		}, nil
	}
	switch sym.Section {
	case elf.SHN_ABS, elf.SHN_COMMON:
		return module.Relocation{}, errors.Errorf("symbol %q has unsupported section %s", sym.Name, sym.Section)
	}
	sp, ok := b.placed[int(sym.Section)]
	if !ok {
		return module.Relocation{}, errors.Errorf("symbol %q is defined in section %d, which is not loaded",
			sym.Name, int(sym.Section))
	}
	return module.Relocation{
		Info:   module.MakeInfo(sp.region, absolute, true),
		Offset: offset,
		Value:  int32(sp.base + sym.Value),
	}, nil
}

// findDescriptor records the location of the module descriptor in the header.
func (b *builder) findDescriptor(symname string) error {
	sym := b.obj.Lookup(symname)
	if sym == nil || sym.IsUndefined() {
		return errors.Wrapf(ErrNoDescriptor, "cannot find symbol %q", symname)
	}
	if sym.Size < module.DescriptorSize {
		return errors.Wrapf(ErrNoDescriptor, "%s is the wrong size (%d), should be at least %d",
			symname, sym.Size, module.DescriptorSize)
	}
	sp, ok := b.placed[int(sym.Section)]
	if !ok {
		return errors.Wrapf(ErrNoDescriptor, "%s is defined in section %d, which is not loaded",
			symname, int(sym.Section))
	}
	h := &b.img.Header
	h.ModSection = sp.region
	h.ModOffset = sp.base + sym.Value
	b.L.Debug("module descriptor", "symbol", symname, "section", sp.region.String(),
		"offset", hclog.Hex(int(h.ModOffset)), "size", sym.Size)
	return nil
}
