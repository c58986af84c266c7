// Package module provides an interface to relocatable kernel module files.
//
// A module file holds three loadable sections (text, rodata and data), the
// size of a zero-filled bss section which is not stored, and one relocation
// table for each stored section. All values are little endian and packed.
package module

import "github.com/pkg/errors"

const (
	// Magic is the signature at the start of every module file.
	Magic uint16 = 0xDF41
	// Revision is the format revision written and accepted by this package.
	Revision uint8 = 2

	// HeaderSize is the size of the encoded Header.
	HeaderSize = 64
	// SectionHeaderSize is the size of an encoded Section.
	SectionHeaderSize = 16
	// RelocationSize is the size of an encoded Relocation.
	RelocationSize = 9

	// DescriptorSize is the size of the fixed leading part of the in-memory
	// module descriptor.
	DescriptorSize = 40

	// KernelSymbolID identifies the kernel's global interface in symbol
	// entries.
	KernelSymbolID int32 = 0

	// KernelName is the name of the kernel module and of the symbol bound to
	// its interface.
	KernelName = "kernel"
)

// ErrFormat is the cause of every error reporting a malformed module file.
var ErrFormat = errors.New("bad module format")

// A SectionID names one of the four memory regions of a module.
type SectionID uint32

const (
	// Text is executable code.
	Text SectionID = iota
	// Rodata is read-only data.
	Rodata
	// Data is initialized writable data.
	Data
	// BSS is zero-initialized writable data, placed after Data in memory.
	BSS

	// NumSections is the number of memory regions.
	NumSections = 4
)

var sectionNames = [NumSections]string{".text", ".rodata", ".data", ".bss"}

func (s SectionID) String() string {
	if s < NumSections {
		return sectionNames[s]
	}
	return "unknown"
}

// Valid returns true if s names a known section.
func (s SectionID) Valid() bool {
	return s < NumSections
}

// A Section describes one stored section and its relocation table.
type Section struct {
	Size        uint32 // section size
	Offset      uint32 // offset of section data in the file
	RelocCount  uint32 // number of relocation entries
	RelocOffset uint32 // offset of the relocation table in the file
}

// RelocSize returns the size of the section's relocation table in bytes.
func (s *Section) RelocSize() uint32 {
	return s.RelocCount * RelocationSize
}

// A Header is the fixed-size structure at the start of a module file.
type Header struct {
	Magic      uint16
	Revision   uint8
	Reserved   uint8
	Text       Section
	Rodata     Section
	Data       Section
	BSSSize    uint32
	ModSection SectionID // section containing the module descriptor
	ModOffset  uint32    // offset of the module descriptor within ModSection
}

// Validate checks the magic number, revision and descriptor location.
func (h *Header) Validate() error {
	if h.Magic != Magic {
		return errors.Wrapf(ErrFormat, "bad magic 0x%04x, expected 0x%04x", h.Magic, Magic)
	}
	if h.Revision != Revision {
		return errors.Wrapf(ErrFormat, "bad revision %d, expected %d", h.Revision, Revision)
	}
	if !h.ModSection.Valid() {
		return errors.Wrapf(ErrFormat, "module descriptor in unknown section %d", uint32(h.ModSection))
	}
	return nil
}

// Section returns the stored section descriptor for id, or nil for BSS.
func (h *Header) Section(id SectionID) *Section {
	switch id {
	case Text:
		return &h.Text
	case Rodata:
		return &h.Rodata
	case Data:
		return &h.Data
	}
	return nil
}

// SectionSize returns the in-memory size of a section.
func (h *Header) SectionSize(id SectionID) uint32 {
	if id == BSS {
		return h.BSSSize
	}
	if s := h.Section(id); s != nil {
		return s.Size
	}
	return 0
}

// An Info is the packed kind byte of a relocation entry.
//
//	bit 4     1 = relocation, 0 = symbol reference
//	bit 3     1 = absolute, 0 = relative
//	bits 0-2  section of the relocation target
type Info uint8

const (
	infoRelocation Info = 0x10
	infoAbsolute   Info = 0x08
	infoSection    Info = 0x07
)

// MakeInfo returns the info byte for a relocation against a section. Symbol
// references always encode as zero.
func MakeInfo(s SectionID, absolute, relocation bool) Info {
	if !relocation {
		return 0
	}
	i := infoRelocation | Info(s)&infoSection
	if absolute {
		i |= infoAbsolute
	}
	return i
}

// IsRelocation returns true for a section-relative relocation and false for a
// symbol reference.
func (i Info) IsRelocation() bool { return i&infoRelocation != 0 }

// IsAbsolute returns true for an absolute relocation.
func (i Info) IsAbsolute() bool { return i&infoAbsolute != 0 }

// Section returns the section of the relocation target.
func (i Info) Section() SectionID { return SectionID(i & infoSection) }

// Kind returns a short name for the entry kind: ABS, REL or SYM.
func (i Info) Kind() string {
	switch {
	case !i.IsRelocation():
		return "SYM"
	case i.IsAbsolute():
		return "ABS"
	default:
		return "REL"
	}
}

// A Relocation describes how one 32-bit word of a section is fixed up after
// the module is loaded into memory.
type Relocation struct {
	Info   Info   // entry kind and target section
	Offset uint32 // offset of the word to patch within its own section
	Value  int32  // addend for relocations, symbol id for symbol references
}

// NumStored is the number of sections stored in the file: text, rodata and
// data.
const NumStored = 3

// An Image is the complete contents of a module file.
type Image struct {
	Header   Header
	Contents [NumStored][]byte       // stored bytes of text, rodata and data
	Relocs   [NumStored][]Relocation // relocation tables of text, rodata and data
}

// Bytes returns the stored contents of a section, nil for BSS.
func (m *Image) Bytes(id SectionID) []byte {
	if id < NumStored {
		return m.Contents[id]
	}
	return nil
}
