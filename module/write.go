package module

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Layout fills in the header from the image contents: magic, revision, sizes,
// relocation counts and file offsets. Components are placed in the order text,
// rodata, data, text relocations, rodata relocations, data relocations,
// directly after the header. Empty components get no offset and no space.
// BSSSize and the descriptor location are left as they are.
func (m *Image) Layout() {
	h := &m.Header
	h.Magic = Magic
	h.Revision = Revision
	pos := uint32(HeaderSize)
	for id := SectionID(0); id < NumStored; id++ {
		s := h.Section(id)
		*s = Section{
			Size:       uint32(len(m.Contents[id])),
			RelocCount: uint32(len(m.Relocs[id])),
		}
		if s.Size > 0 {
			s.Offset = pos
			pos += s.Size
		}
	}
	for id := SectionID(0); id < NumStored; id++ {
		s := h.Section(id)
		if s.RelocCount > 0 {
			s.RelocOffset = pos
			pos += s.RelocSize()
		}
	}
}

// Size returns the size of the encoded file described by the header.
func (h *Header) Size() uint32 {
	end := uint32(HeaderSize)
	for id := SectionID(0); id < NumStored; id++ {
		s := h.Section(id)
		if s.Size > 0 && s.Offset+s.Size > end {
			end = s.Offset + s.Size
		}
		if s.RelocCount > 0 && s.RelocOffset+s.RelocSize() > end {
			end = s.RelocOffset + s.RelocSize()
		}
	}
	return end
}

// =================================================================================================

// AppendRelocation appends the encoded relocation entry to data.
func AppendRelocation(data []byte, r Relocation) []byte {
	var d [RelocationSize]byte
	d[0] = byte(r.Info)
	binary.LittleEndian.PutUint32(d[1:], r.Offset)
	binary.LittleEndian.PutUint32(d[5:], uint32(r.Value))
	return append(data, d[:]...)
}

// A datawriter tracks the file position of the blocks written so far.
type datawriter struct {
	pos  uint32
	data [][]byte
}

// write appends a block which must start at the given file position.
func (w *datawriter) write(d []byte, at uint32, what string) error {
	if w.pos != at {
		return errors.Errorf("%s at offset %d, expected %d", what, w.pos, at)
	}
	w.pos += uint32(len(d))
	w.data = append(w.data, d)
	return nil
}

func (m *Image) dumpBlocks() ([][]byte, error) {
	h := &m.Header
	var hb bytes.Buffer
	if err := binary.Write(&hb, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	var d datawriter
	if err := d.write(hb.Bytes(), 0, "header"); err != nil {
		return nil, err
	}
	for id := SectionID(0); id < NumStored; id++ {
		s := h.Section(id)
		if uint32(len(m.Contents[id])) != s.Size {
			return nil, errors.Errorf("%s has %d bytes, header says %d", id, len(m.Contents[id]), s.Size)
		}
		if s.Size == 0 {
			continue
		}
		if err := d.write(m.Contents[id], s.Offset, id.String()+" section"); err != nil {
			return nil, err
		}
	}
	for id := SectionID(0); id < NumStored; id++ {
		s := h.Section(id)
		if uint32(len(m.Relocs[id])) != s.RelocCount {
			return nil, errors.Errorf("%s has %d relocations, header says %d", id, len(m.Relocs[id]), s.RelocCount)
		}
		if s.RelocCount == 0 {
			continue
		}
		table := make([]byte, 0, s.RelocSize())
		for _, r := range m.Relocs[id] {
			table = AppendRelocation(table, r)
		}
		if err := d.write(table, s.RelocOffset, id.String()+" relocations"); err != nil {
			return nil, err
		}
	}
	return d.data, nil
}

// WriteTo writes the module file to a writer. The header must already be laid
// out, see Layout. Every block is checked against the offset the header
// assigns to it.
func (m *Image) WriteTo(w io.Writer) (int64, error) {
	blocks, err := m.dumpBlocks()
	if err != nil {
		return 0, err
	}
	var amt int64
	for _, d := range blocks {
		n, err := w.Write(d)
		amt += int64(n)
		if err != nil {
			return amt, err
		}
	}
	return amt, nil
}

// Encode returns the encoded module file.
func (m *Image) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
