package elfobj_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"moria.us/mld/elfobj"
	"moria.us/mld/elfobj/elftest"
)

func sampleObject() *elftest.Builder {
	b := elftest.New()
	text := b.Text(".text", make([]byte, 16))
	data := b.Data(".data", make([]byte, 8))
	b.BSS(".bss", 32)
	b.SectionSymbol(text)
	b.Global("counter", data, 4, 4)
	k := b.Undefined("kernel")
	b.Rel(text, 4, k, elf.R_386_32)
	return b
}

func TestReadObject(t *testing.T) {
	o, err := elfobj.NewObject(sampleObject().Reader())
	require.NoError(t, err)
	defer o.Close()

	require.Equal(t, elf.ET_REL, o.Type)

	text := o.SectionByName(".text")
	require.NotNil(t, text)
	require.Equal(t, elf.SHT_PROGBITS, text.Type)
	require.True(t, text.Flags&elf.SHF_EXECINSTR != 0)
	require.EqualValues(t, 16, text.Size)

	bss := o.SectionByName(".bss")
	require.NotNil(t, bss)
	require.EqualValues(t, 32, bss.Size)
	data, err := bss.Data()
	require.NoError(t, err)
	require.Nil(t, data)

	// Unnamed section symbols surface the section name.
	sym := o.Symbol(1)
	require.NotNil(t, sym)
	require.Equal(t, ".text", sym.Name)
	require.Equal(t, elf.STT_SECTION, sym.Type)

	counter := o.Lookup("counter")
	require.NotNil(t, counter)
	require.EqualValues(t, 4, counter.Value)
	require.EqualValues(t, 4, counter.Size)
	require.Equal(t, elf.SectionIndex(o.SectionByName(".data").Index), counter.Section)

	kernel := o.Lookup("kernel")
	require.NotNil(t, kernel)
	require.True(t, kernel.IsUndefined())

	require.Nil(t, o.Lookup("missing"))
	require.Nil(t, o.Symbol(100))
	require.Nil(t, o.Section(-1))
}

func TestRelocations(t *testing.T) {
	o, err := elfobj.NewObject(sampleObject().Reader())
	require.NoError(t, err)

	rel := o.SectionByName(".rel.text")
	require.NotNil(t, rel)
	require.Equal(t, elf.SHT_REL, rel.Type)
	require.EqualValues(t, o.SectionByName(".text").Index, rel.Info)

	relocs, err := o.Relocations(rel)
	require.NoError(t, err)
	require.Len(t, relocs, 1)
	require.EqualValues(t, 4, relocs[0].Offset)
	require.Equal(t, elf.R_386_32, relocs[0].Type)
	require.Equal(t, "kernel", o.Symbol(relocs[0].Symbol).Name)

	_, err = o.Relocations(o.SectionByName(".text"))
	require.Error(t, err)
}

func TestValidateHeader(t *testing.T) {
	good := sampleObject().Bytes()

	tests := []struct {
		name   string
		mutate func(d []byte)
		want   string
	}{
		{"magic", func(d []byte) { d[1] = 'X' }, "not an ELF file"},
		{"class", func(d []byte) { d[elf.EI_CLASS] = byte(elf.ELFCLASS64) }, "ELFCLASS32"},
		{"data", func(d []byte) { d[elf.EI_DATA] = byte(elf.ELFDATA2MSB) }, "ELFDATA2LSB"},
		{"version", func(d []byte) { d[elf.EI_VERSION] = 2 }, "EV_CURRENT"},
		{"osabi", func(d []byte) { d[elf.EI_OSABI] = byte(elf.ELFOSABI_FREEBSD) }, "OS ABI"},
		{"machine", func(d []byte) {
			binary.LittleEndian.PutUint16(d[18:], uint16(elf.EM_X86_64))
		}, "EM_386"},
		{"shentsize", func(d []byte) { binary.LittleEndian.PutUint16(d[46:], 64) }, "section header entry size"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := append([]byte(nil), good...)
			tc.mutate(d)
			_, err := elfobj.NewObject(bytes.NewReader(d))
			require.ErrorIs(t, err, elfobj.ErrInvalidObject)
			require.Contains(t, err.Error(), tc.want)
		})
	}

	t.Run("short", func(t *testing.T) {
		_, err := elfobj.NewObject(bytes.NewReader(good[:20]))
		require.ErrorIs(t, err, elfobj.ErrInvalidObject)
	})
}
