// Package elftest builds small ELF32 i386 relocatable objects for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

type section struct {
	name      string
	typ       elf.SectionType
	flags     elf.SectionFlag
	data      []byte
	size      uint32
	addralign uint32
	link      uint32
	info      uint32
	entsize   uint32
}

type symbol struct {
	name    string
	value   uint32
	size    uint32
	info    uint8
	section elf.SectionIndex
}

type rel struct {
	target int
	off    uint32
	sym    int
	typ    elf.R_386
}

// A Builder assembles an object. Sections and symbols are numbered in the
// order they are added, starting at 1.
type Builder struct {
	Machine elf.Machine
	Type    elf.Type
	OSABI   elf.OSABI

	sections []section
	symbols  []symbol
	rels     []rel
}

// New returns a builder for an EM_386 ET_REL object.
func New() *Builder {
	return &Builder{Machine: elf.EM_386, Type: elf.ET_REL}
}

// Section adds a section with file contents and returns its index.
func (b *Builder) Section(name string, typ elf.SectionType, flags elf.SectionFlag, data []byte) int {
	b.sections = append(b.sections, section{
		name:      name,
		typ:       typ,
		flags:     flags,
		data:      data,
		size:      uint32(len(data)),
		addralign: 4,
	})
	return len(b.sections)
}

// Align sets the alignment of a section.
func (b *Builder) Align(index int, align uint32) {
	b.sections[index-1].addralign = align
}

// Text adds an executable section.
func (b *Builder) Text(name string, data []byte) int {
	return b.Section(name, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, data)
}

// Rodata adds a read-only section.
func (b *Builder) Rodata(name string, data []byte) int {
	return b.Section(name, elf.SHT_PROGBITS, elf.SHF_ALLOC, data)
}

// Data adds a writable section.
func (b *Builder) Data(name string, data []byte) int {
	return b.Section(name, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, data)
}

// BSS adds a zero-filled section of the given size.
func (b *Builder) BSS(name string, size uint32) int {
	i := b.Section(name, elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, nil)
	b.sections[i-1].size = size
	return i
}

// Symbol adds a symbol defined in a section and returns its symbol table
// index.
func (b *Builder) Symbol(name string, sect int, value, size uint32, bind elf.SymBind, typ elf.SymType) int {
	b.symbols = append(b.symbols, symbol{
		name:    name,
		value:   value,
		size:    size,
		info:    elf.ST_INFO(bind, typ),
		section: elf.SectionIndex(sect),
	})
	return len(b.symbols)
}

// Global adds a global object symbol.
func (b *Builder) Global(name string, sect int, value, size uint32) int {
	return b.Symbol(name, sect, value, size, elf.STB_GLOBAL, elf.STT_OBJECT)
}

// SectionSymbol adds an unnamed section symbol.
func (b *Builder) SectionSymbol(sect int) int {
	return b.Symbol("", sect, 0, 0, elf.STB_LOCAL, elf.STT_SECTION)
}

// Undefined adds an external symbol.
func (b *Builder) Undefined(name string) int {
	return b.Symbol(name, int(elf.SHN_UNDEF), 0, 0, elf.STB_GLOBAL, elf.STT_NOTYPE)
}

// Rel adds a relocation against symbol sym at offset off of section target.
func (b *Builder) Rel(target int, off uint32, sym int, typ elf.R_386) {
	b.rels = append(b.rels, rel{target: target, off: off, sym: sym, typ: typ})
}

type strtab struct {
	data bytes.Buffer
}

func (t *strtab) add(s string) uint32 {
	if t.data.Len() == 0 {
		t.data.WriteByte(0)
	}
	if s == "" {
		return 0
	}
	off := uint32(t.data.Len())
	t.data.WriteString(s)
	t.data.WriteByte(0)
	return off
}

// Bytes returns the encoded object.
func (b *Builder) Bytes() []byte {
	sections := append([]section(nil), b.sections...)

	// Relocation sections, one per target in order of first use.
	relIndex := make(map[int]int)
	var relData [][]byte
	for _, r := range b.rels {
		i, ok := relIndex[r.target]
		if !ok {
			i = len(relData)
			relIndex[r.target] = i
			relData = append(relData, nil)
			sections = append(sections, section{
				name:      ".rel" + b.sections[r.target-1].name,
				typ:       elf.SHT_REL,
				info:      uint32(r.target),
				addralign: 4,
				entsize:   8,
			})
		}
		var d [8]byte
		binary.LittleEndian.PutUint32(d[:], r.off)
		binary.LittleEndian.PutUint32(d[4:], elf.R_INFO32(uint32(r.sym), uint32(r.typ)))
		relData[i] = append(relData[i], d[:]...)
	}
	firstRel := len(b.sections)
	for i := range relData {
		s := &sections[firstRel+i]
		s.data = relData[i]
		s.size = uint32(len(relData[i]))
	}

	symtabIndex := len(sections) + 1
	strtabIndex := symtabIndex + 1
	shstrtabIndex := strtabIndex + 1
	for i := range relData {
		sections[firstRel+i].link = uint32(symtabIndex)
	}

	var names strtab
	symdata := make([]byte, 16)
	locals := 1
	for _, sym := range b.symbols {
		var d [16]byte
		binary.LittleEndian.PutUint32(d[0:], names.add(sym.name))
		binary.LittleEndian.PutUint32(d[4:], sym.value)
		binary.LittleEndian.PutUint32(d[8:], sym.size)
		d[12] = sym.info
		binary.LittleEndian.PutUint16(d[14:], uint16(sym.section))
		symdata = append(symdata, d[:]...)
		if elf.ST_BIND(sym.info) == elf.STB_LOCAL {
			locals++
		}
	}
	names.add("")
	sections = append(sections,
		section{
			name: ".symtab", typ: elf.SHT_SYMTAB, data: symdata, size: uint32(len(symdata)),
			link: uint32(strtabIndex), info: uint32(locals), addralign: 4, entsize: 16,
		},
		section{
			name: ".strtab", typ: elf.SHT_STRTAB, data: names.data.Bytes(),
			size: uint32(names.data.Len()), addralign: 1,
		},
	)

	var shnames strtab
	nameOffs := make([]uint32, len(sections)+1)
	for i, s := range sections {
		nameOffs[i] = shnames.add(s.name)
	}
	nameOffs[len(sections)] = shnames.add(".shstrtab")
	sections = append(sections, section{
		name: ".shstrtab", typ: elf.SHT_STRTAB, data: shnames.data.Bytes(),
		size: uint32(shnames.data.Len()), addralign: 1,
	})

	// Contents follow the ELF header, the section header table comes last.
	var body bytes.Buffer
	offsets := make([]uint32, len(sections))
	pos := uint32(52)
	for i, s := range sections {
		for pos%4 != 0 {
			body.WriteByte(0)
			pos++
		}
		offsets[i] = pos
		if s.typ != elf.SHT_NOBITS {
			body.Write(s.data)
			pos += uint32(len(s.data))
		}
	}
	for pos%4 != 0 {
		body.WriteByte(0)
		pos++
	}
	shoff := pos

	var out bytes.Buffer
	hdr := elf.Header32{
		Type:      uint16(b.Type),
		Machine:   uint16(b.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    52,
		Shentsize: 40,
		Shnum:     uint16(len(sections) + 1),
		Shstrndx:  uint16(shstrtabIndex),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Ident[elf.EI_OSABI] = byte(b.OSABI)
	binary.Write(&out, binary.LittleEndian, &hdr)
	out.Write(body.Bytes())

	binary.Write(&out, binary.LittleEndian, &elf.Section32{})
	for i, s := range sections {
		binary.Write(&out, binary.LittleEndian, &elf.Section32{
			Name:      nameOffs[i],
			Type:      uint32(s.typ),
			Flags:     uint32(s.flags),
			Off:       offsets[i],
			Size:      s.size,
			Link:      s.link,
			Info:      s.info,
			Addralign: s.addralign,
			Entsize:   s.entsize,
		})
	}
	return out.Bytes()
}

// Reader returns the encoded object as a reader.
func (b *Builder) Reader() *bytes.Reader {
	return bytes.NewReader(b.Bytes())
}
