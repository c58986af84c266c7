// Package elfobj reads ELF32 i386 relocatable objects.
package elfobj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

// ErrInvalidObject is the cause of every error reporting an object file this
// package does not accept.
var ErrInvalidObject = errors.New("invalid object file")

const (
	header32Size  = 52
	section32Size = 40
	sym32Size     = 16
	rel32Size     = 8
)

// A Section is a section header of the object.
type Section struct {
	Index     int
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Offset    uint32
	Size      uint32
	Link      uint32
	Info      uint32
	Addralign uint32
	Entsize   uint32

	s *elf.Section
}

// Data returns the contents of the section. Sections without file contents
// return nil.
func (s *Section) Data() ([]byte, error) {
	if s.Type == elf.SHT_NOBITS || s.Size == 0 {
		return nil, nil
	}
	return s.s.Data()
}

// A Symbol is an entry of the object's symbol table.
type Symbol struct {
	Index   int // index in the symbol table, 0 is the null symbol
	Name    string
	Value   uint32
	Size    uint32
	Bind    elf.SymBind
	Type    elf.SymType
	Section elf.SectionIndex // defining section, SHN_UNDEF for external symbols
}

// IsUndefined returns true if the symbol is defined outside the object.
func (s *Symbol) IsUndefined() bool {
	return s.Section == elf.SHN_UNDEF
}

// A Reloc is a REL relocation entry.
type Reloc struct {
	Offset uint32
	Type   elf.R_386
	Symbol uint32 // symbol table index
}

// An Object is a read-only view of a relocatable object.
type Object struct {
	Type     elf.Type
	Sections []*Section
	Symbols  []*Symbol // indexed by symbol table index, including the null symbol

	f      *elf.File
	closer io.Closer
}

// Open opens the named file and reads it as an object.
func Open(name string) (*Object, error) {
	fp, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	o, err := NewObject(fp)
	if err != nil {
		fp.Close()
		return nil, err
	}
	o.closer = fp
	return o, nil
}

// NewObject reads an object from r.
func NewObject(r io.ReaderAt) (*Object, error) {
	if err := validateHeader(r); err != nil {
		return nil, err
	}
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidObject, err.Error())
	}
	o := &Object{Type: f.Type, f: f}
	for i, s := range f.Sections {
		o.Sections = append(o.Sections, &Section{
			Index:     i,
			Name:      s.Name,
			Type:      s.Type,
			Flags:     s.Flags,
			Offset:    uint32(s.Offset),
			Size:      uint32(s.Size),
			Link:      s.Link,
			Info:      s.Info,
			Addralign: uint32(s.Addralign),
			Entsize:   uint32(s.Entsize),
			s:         s,
		})
	}
	syms, err := f.Symbols()
	if err != nil {
		return nil, errors.Wrap(ErrInvalidObject, err.Error())
	}
	o.Symbols = make([]*Symbol, len(syms)+1)
	o.Symbols[0] = &Symbol{Name: ""}
	for i, sym := range syms {
		o.Symbols[i+1] = &Symbol{
			Index:   i + 1,
			Name:    o.symbolName(sym),
			Value:   uint32(sym.Value),
			Size:    uint32(sym.Size),
			Bind:    elf.ST_BIND(sym.Info),
			Type:    elf.ST_TYPE(sym.Info),
			Section: sym.Section,
		}
	}
	return o, nil
}

// validateHeader checks the identification and header fields that the
// translator depends on.
func validateHeader(r io.ReaderAt) error {
	var hdr elf.Header32
	if err := binary.Read(io.NewSectionReader(r, 0, header32Size), binary.LittleEndian, &hdr); err != nil {
		return errors.Wrap(ErrInvalidObject, "file is too small")
	}
	id := hdr.Ident
	if !bytes.Equal(id[:elf.EI_CLASS], []byte(elf.ELFMAG)) {
		return errors.Wrap(ErrInvalidObject, "not an ELF file")
	}
	if c := elf.Class(id[elf.EI_CLASS]); c != elf.ELFCLASS32 {
		return errors.Wrapf(ErrInvalidObject, "ELF has class %s, expected ELFCLASS32", c)
	}
	if d := elf.Data(id[elf.EI_DATA]); d != elf.ELFDATA2LSB {
		return errors.Wrapf(ErrInvalidObject, "ELF has data %s, expected ELFDATA2LSB", d)
	}
	if v := elf.Version(id[elf.EI_VERSION]); v != elf.EV_CURRENT {
		return errors.Wrapf(ErrInvalidObject, "ELF has version %s, expected EV_CURRENT", v)
	}
	if a := elf.OSABI(id[elf.EI_OSABI]); a != elf.ELFOSABI_NONE {
		return errors.Wrapf(ErrInvalidObject, "ELF has OS ABI %s, expected ELFOSABI_NONE", a)
	}
	if m := elf.Machine(hdr.Machine); m != elf.EM_386 {
		return errors.Wrapf(ErrInvalidObject, "ELF has machine %s, expected EM_386", m)
	}
	if v := elf.Version(hdr.Version); v != elf.EV_CURRENT {
		return errors.Wrapf(ErrInvalidObject, "ELF header version %d is not EV_CURRENT", hdr.Version)
	}
	if hdr.Shentsize != section32Size {
		return errors.Wrapf(ErrInvalidObject, "section header entry size is %d, expected %d",
			hdr.Shentsize, section32Size)
	}
	return nil
}

// symbolName returns the name of a symbol, substituting the name of its
// defining section when the symbol itself is unnamed.
func (o *Object) symbolName(sym elf.Symbol) string {
	if sym.Name != "" || sym.Section == elf.SHN_COMMON {
		return sym.Name
	}
	if s := o.Section(int(sym.Section)); s != nil {
		return s.Name
	}
	return ""
}

// Close releases the underlying file, if the object was opened with Open.
func (o *Object) Close() error {
	if o.closer != nil {
		return o.closer.Close()
	}
	return nil
}

// Section returns the section with the given index, or nil.
func (o *Object) Section(i int) *Section {
	if i < 0 || i >= len(o.Sections) {
		return nil
	}
	return o.Sections[i]
}

// SectionByName returns the first section with the given name, or nil.
func (o *Object) SectionByName(name string) *Section {
	for _, s := range o.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Symbol returns the symbol with the given symbol table index, or nil.
func (o *Object) Symbol(i uint32) *Symbol {
	if int64(i) >= int64(len(o.Symbols)) {
		return nil
	}
	return o.Symbols[i]
}

// Lookup returns the first symbol with the given name, or nil.
func (o *Object) Lookup(name string) *Symbol {
	for _, sym := range o.Symbols[1:] {
		if sym.Name == name {
			return sym
		}
	}
	return nil
}

// Relocations decodes a SHT_REL section.
func (o *Object) Relocations(s *Section) ([]Reloc, error) {
	if s.Type != elf.SHT_REL {
		return nil, errors.Errorf("unsupported relocation section type %s", s.Type)
	}
	if s.Entsize != 0 && s.Entsize != rel32Size {
		return nil, errors.Errorf("relocation entry size is %d, expected %d", s.Entsize, rel32Size)
	}
	data, err := s.Data()
	if err != nil {
		return nil, err
	}
	if len(data)%rel32Size != 0 {
		return nil, errors.New("REL section length is not a multiple of 8")
	}
	relocs := make([]Reloc, 0, len(data)/rel32Size)
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		var rel elf.Rel32
		if err := binary.Read(r, binary.LittleEndian, &rel); err != nil {
			return nil, err
		}
		relocs = append(relocs, Reloc{
			Offset: rel.Off,
			Type:   elf.R_386(elf.R_TYPE32(rel.Info)),
			Symbol: elf.R_SYM32(rel.Info),
		})
	}
	return relocs, nil
}

// RelocTypeName returns the name of an i386 relocation type.
func RelocTypeName(t elf.R_386) string {
	return t.String()
}

// String returns a short description of the section for diagnostics.
func (s *Section) String() string {
	return fmt.Sprintf("section %d %q", s.Index, s.Name)
}
