package module

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// ReadHeader reads and validates a module header.
func ReadHeader(r io.Reader) (*Header, error) {
	h := new(Header)
	if err := binary.Read(r, binary.LittleEndian, h); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// DecodeRelocations decodes a relocation table.
func DecodeRelocations(data []byte) ([]Relocation, error) {
	if len(data)%RelocationSize != 0 {
		return nil, errors.Wrapf(ErrFormat, "relocation table length %d is not a multiple of %d",
			len(data), RelocationSize)
	}
	relocs := make([]Relocation, len(data)/RelocationSize)
	for i := range relocs {
		d := data[i*RelocationSize:]
		relocs[i] = Relocation{
			Info:   Info(d[0]),
			Offset: binary.LittleEndian.Uint32(d[1:]),
			Value:  int32(binary.LittleEndian.Uint32(d[5:])),
		}
	}
	return relocs, nil
}

// ReadRelocations reads a table of n relocation entries.
func ReadRelocations(r io.Reader, n uint32) ([]Relocation, error) {
	data := make([]byte, int(n)*RelocationSize)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return DecodeRelocations(data)
}

// Decode decodes a complete module file held in memory.
func Decode(data []byte) (*Image, error) {
	h, err := ReadHeader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	size := uint64(len(data))
	m := &Image{Header: *h}
	for id := SectionID(0); id < NumStored; id++ {
		s := m.Header.Section(id)
		if s.Size > 0 {
			end := uint64(s.Offset) + uint64(s.Size)
			if end > size {
				return nil, errors.Wrapf(ErrFormat, "%s section is out of bounds", id)
			}
			m.Contents[id] = data[s.Offset:end]
		}
		if s.RelocCount > 0 {
			end := uint64(s.RelocOffset) + uint64(s.RelocCount)*RelocationSize
			if end > size {
				return nil, errors.Wrapf(ErrFormat, "%s relocation table is out of bounds", id)
			}
			relocs, err := DecodeRelocations(data[s.RelocOffset:end])
			if err != nil {
				return nil, err
			}
			m.Relocs[id] = relocs
		}
	}
	return m, nil
}

// Open reads the named module file.
func Open(name string) (*Image, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	m, err := Decode(data)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}
	return m, nil
}
