package module

import (
	"bufio"
	"strconv"
)

const indentLevel = "  "

const hexDigits = "0123456789abcdef"

// writeHexLine writes up to 16 bytes as hex followed by their printable
// characters.
func writeHexLine(w *bufio.Writer, b []byte) {
	const width = 16
	d := make([]byte, 4*width+2)
	for i := range d {
		d[i] = ' '
	}
	j := 3*width + 1
	for i, c := range b {
		d[i*3+0] = hexDigits[c>>4]
		d[i*3+1] = hexDigits[c&15]
		if 0x20 <= c && c <= 0x7e {
			d[j+i] = c
		} else {
			d[j+i] = '.'
		}
	}
	w.Write(d[:j+len(b)])
}

func writeInt0(w *bufio.Writer, v uint32, sz uint) {
	for i := uint(sz * 2); i > 0; i-- {
		w.WriteByte(hexDigits[(v>>((i-1)*4))&15])
	}
}

func writeInt(w *bufio.Writer, v uint32, sz uint) {
	w.WriteString("0x")
	writeInt0(w, v, sz)
}

type field struct {
	name string
	data interface{}
	hint string
}

func dumpFields(w *bufio.Writer, prefix string, fields []field) {
	if len(fields) == 0 {
		return
	}
	var maxName int
	for _, f := range fields {
		if len(f.name) > maxName {
			maxName = len(f.name)
		}
	}
	spaces := make([]byte, maxName+2)
	for i := range spaces {
		spaces[i] = ' '
	}
	for _, f := range fields {
		w.WriteString(prefix)
		w.WriteString(f.name)
		w.WriteByte(':')
		w.Write(spaces[:maxName+2-len(f.name)])
		switch v := f.data.(type) {
		case uint8:
			writeInt(w, uint32(v), 1)
		case uint16:
			writeInt(w, uint32(v), 2)
		case uint32:
			writeInt(w, v, 4)
		case SectionID:
			writeInt(w, uint32(v), 4)
		default:
			panic("unknown field type for " + f.name)
		}
		if f.hint != "" {
			w.WriteString("  ")
			w.WriteString(f.hint)
		}
		w.WriteByte('\n')
	}
}

// DumpText writes the section descriptor, in text format, to the writer.
func (s *Section) DumpText(w *bufio.Writer, prefix string) {
	dumpFields(w, prefix, []field{
		{"Size", s.Size, ""},
		{"Offset", s.Offset, ""},
		{"Reloc Count", s.RelocCount, ""},
		{"Reloc Offset", s.RelocOffset, ""},
	})
}

// DumpText writes the header, in text format, to the writer.
func (h *Header) DumpText(w *bufio.Writer, prefix string) {
	nprefix := prefix + indentLevel
	dumpFields(w, prefix, []field{
		{"Magic", h.Magic, ""},
		{"Revision", h.Revision, ""},
		{"BSS Size", h.BSSSize, ""},
		{"Module Section", h.ModSection, h.ModSection.String()},
		{"Module Offset", h.ModOffset, ""},
	})
	for id := SectionID(0); id < NumStored; id++ {
		w.WriteString(prefix)
		w.WriteString(id.String())
		w.WriteString(":\n")
		h.Section(id).DumpText(w, nprefix)
	}
}

// DumpText writes the relocation entry, in text format, to the writer.
func (r Relocation) DumpText(w *bufio.Writer) {
	writeInt0(w, r.Offset, 4)
	w.WriteByte(' ')
	writeInt0(w, uint32(r.Value), 4)
	w.WriteByte(' ')
	w.WriteString(r.Info.Kind())
	w.WriteString("   ")
	if r.Info.IsRelocation() {
		w.WriteString(r.Info.Section().String())
	} else {
		w.WriteString("symbol ")
		w.WriteString(strconv.Itoa(int(r.Value)))
	}
}

// DumpSection writes a hex dump of a stored section to the writer.
func (m *Image) DumpSection(w *bufio.Writer, id SectionID, prefix string) {
	data := m.Bytes(id)
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		w.WriteString(prefix)
		writeInt0(w, uint32(off), 4)
		w.WriteByte(' ')
		writeHexLine(w, data[off:end])
		w.WriteByte('\n')
	}
}

// DumpRelocations writes the relocation table of a stored section to the
// writer.
func (m *Image) DumpRelocations(w *bufio.Writer, id SectionID, prefix string) {
	if id >= NumStored {
		return
	}
	for i, r := range m.Relocs[id] {
		w.WriteString(prefix)
		w.WriteByte('[')
		idx := strconv.Itoa(i)
		for n := len(idx); n < 4; n++ {
			w.WriteByte('0')
		}
		w.WriteString(idx)
		w.WriteString("] ")
		r.DumpText(w)
		w.WriteByte('\n')
	}
}

// DumpText writes the module, in text format, to the writer. If hexdump is
// set, the contents of the stored sections are included.
func (m *Image) DumpText(w *bufio.Writer, prefix string, hexdump bool) {
	nprefix := prefix + indentLevel
	w.WriteString(prefix)
	w.WriteString("Header:\n")
	m.Header.DumpText(w, nprefix)
	for id := SectionID(0); id < NumStored; id++ {
		if hexdump && len(m.Contents[id]) != 0 {
			w.WriteByte('\n')
			w.WriteString(prefix)
			w.WriteString(id.String())
			w.WriteString(" section:\n")
			m.DumpSection(w, id, nprefix)
		}
	}
	for id := SectionID(0); id < NumStored; id++ {
		if len(m.Relocs[id]) != 0 {
			w.WriteByte('\n')
			w.WriteString(prefix)
			w.WriteString(id.String())
			w.WriteString(" relocations:\n")
			m.DumpRelocations(w, id, nprefix)
		}
	}
}
