package translate_test

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"

	"moria.us/mld/elfobj"
	"moria.us/mld/elfobj/elftest"
	"moria.us/mld/module"
	"moria.us/mld/translate"
)

func translateObject(t *testing.T, b *elftest.Builder, name string) (*module.Image, error) {
	t.Helper()
	obj, err := elfobj.NewObject(b.Reader())
	require.NoError(t, err)
	return translate.New().Translate(obj, name)
}

// kernelRefObject is a module whose 16 byte text section references the
// kernel interface at offset 4.
func kernelRefObject() *elftest.Builder {
	b := elftest.New()
	text := b.Text(".text", make([]byte, 16))
	data := b.Data(".data", make([]byte, module.DescriptorSize))
	b.Global("test_module", data, 0, module.DescriptorSize)
	k := b.Undefined("kernel")
	b.Rel(text, 4, k, elf.R_386_32)
	return b
}

func TestKernelSymbol(t *testing.T) {
	img, err := translateObject(t, kernelRefObject(), "test")
	require.NoError(t, err)

	require.Equal(t, []module.Relocation{{Info: 0, Offset: 4, Value: 0}}, img.Relocs[module.Text])
	require.Empty(t, img.Relocs[module.Rodata])
	require.Empty(t, img.Relocs[module.Data])
	require.False(t, img.Relocs[module.Text][0].Info.IsRelocation())

	h := img.Header
	require.Equal(t, module.Data, h.ModSection)
	require.Zero(t, h.ModOffset)
	require.EqualValues(t, module.HeaderSize, h.Text.Offset)
}

func TestKernelSymbolFromData(t *testing.T) {
	b := elftest.New()
	b.Text(".text", make([]byte, 8))
	data := b.Data(".data", make([]byte, 48))
	b.Global("test_module", data, 0, 48)
	k := b.Undefined("kernel")
	b.Rel(data, 44, k, elf.R_386_PC32)

	img, err := translateObject(t, b, "test")
	require.NoError(t, err)
	require.Equal(t, []module.Relocation{{Info: 0, Offset: 44, Value: 0}}, img.Relocs[module.Data])
	require.Empty(t, img.Relocs[module.Text])
}

func TestUnresolvedSymbol(t *testing.T) {
	b := kernelRefObject()
	b.Rel(1, 8, b.Undefined("printf"), elf.R_386_PC32)

	_, err := translateObject(t, b, "test")
	var uerr *translate.UnresolvedSymbolError
	require.ErrorAs(t, err, &uerr)
	require.Equal(t, "printf", uerr.Name)
	require.Contains(t, err.Error(), `"printf"`)
	require.Contains(t, err.Error(), "relocation at 0x8")
}

func TestUnsupportedRelocation(t *testing.T) {
	b := kernelRefObject()
	b.Rel(1, 8, b.SectionSymbol(1), elf.R_386_GOT32)

	_, err := translateObject(t, b, "test")
	var uerr *translate.UnsupportedRelocationError
	require.ErrorAs(t, err, &uerr)
	require.Equal(t, elf.R_386_GOT32, uerr.Type)
	require.Contains(t, err.Error(), "R_386_GOT32")
}

func TestClassification(t *testing.T) {
	b := elftest.New()
	text := b.Text(".text", []byte{0xc3, 0, 0, 0, 0, 0, 0, 0})
	rodata := b.Rodata(".rodata", []byte("test\x00\x00\x00\x00"))
	data := b.Data(".data", make([]byte, module.DescriptorSize+4))
	bss := b.BSS(".bss", 99)
	b.Section(".comment", elf.SHT_PROGBITS, 0, []byte("GCC"))
	b.Section(".eh_frame", elf.SHT_PROGBITS, elf.SHF_ALLOC, make([]byte, 8))
	b.Rel(6, 0, b.SectionSymbol(text), elf.R_386_PC32)

	rosym := b.SectionSymbol(rodata)
	b.Global("test_module", data, 0, module.DescriptorSize+4)
	b.Rel(data, 4, rosym, elf.R_386_32)
	b.Rel(data, 20, b.SectionSymbol(text), elf.R_386_32)
	b.Rel(text, 2, b.Global("scratch", bss, 12, 4), elf.R_386_32)

	img, err := translateObject(t, b, "test")
	require.NoError(t, err)

	h := img.Header
	require.EqualValues(t, 8, h.Text.Size)
	require.EqualValues(t, 8, h.Rodata.Size)
	require.EqualValues(t, module.DescriptorSize+4, h.Data.Size)
	require.EqualValues(t, 99, h.BSSSize)

	require.Equal(t, []module.Relocation{
		{Info: module.MakeInfo(module.BSS, true, true), Offset: 2, Value: 12},
	}, img.Relocs[module.Text])
	require.Equal(t, []module.Relocation{
		{Info: module.MakeInfo(module.Rodata, true, true), Offset: 4, Value: 0},
		{Info: module.MakeInfo(module.Text, true, true), Offset: 20, Value: 0},
	}, img.Relocs[module.Data])

	// Layout follows the header with no gaps.
	require.EqualValues(t, module.HeaderSize, h.Text.Offset)
	require.Equal(t, h.Text.Offset+h.Text.Size, h.Rodata.Offset)
	require.Equal(t, h.Rodata.Offset+h.Rodata.Size, h.Data.Offset)
	require.Equal(t, h.Data.Offset+h.Data.Size, h.Text.RelocOffset)
	require.Zero(t, h.Rodata.RelocOffset)
	require.Equal(t, h.Text.RelocOffset+module.RelocationSize, h.Data.RelocOffset)
}

func TestConcatenation(t *testing.T) {
	b := elftest.New()
	t1 := b.Text(".text", []byte{1, 2, 3})
	t2 := b.Text(".text.other", make([]byte, 8))
	b.Align(t2, 4)
	data := b.Data(".data", make([]byte, module.DescriptorSize))
	b.Global("test_module", data, 0, module.DescriptorSize)
	b.Rel(t2, 0, b.Global("helper", t1, 1, 2), elf.R_386_PC32)

	img, err := translateObject(t, b, "test")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0, 0, 0, 0, 0}, img.Contents[module.Text])
	require.Equal(t, []module.Relocation{
		{Info: module.MakeInfo(module.Text, false, true), Offset: 4, Value: 1},
	}, img.Relocs[module.Text])
}

func TestDescriptor(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		_, err := translateObject(t, kernelRefObject(), "other")
		require.ErrorIs(t, err, translate.ErrNoDescriptor)
		require.Contains(t, err.Error(), "other_module")
	})

	t.Run("too small", func(t *testing.T) {
		b := elftest.New()
		data := b.Data(".data", make([]byte, 16))
		b.Global("small_module", data, 0, 16)
		_, err := translateObject(t, b, "small")
		require.ErrorIs(t, err, translate.ErrNoDescriptor)
		require.Contains(t, err.Error(), "wrong size")
	})

	t.Run("offset", func(t *testing.T) {
		b := elftest.New()
		b.Rodata(".rodata", make([]byte, 4))
		ro := b.Rodata(".rodata.str", make([]byte, 4+module.DescriptorSize))
		b.Global("ro_module", ro, 4, module.DescriptorSize)
		img, err := translateObject(t, b, "ro")
		require.NoError(t, err)
		require.Equal(t, module.Rodata, img.Header.ModSection)
		require.EqualValues(t, 8, img.Header.ModOffset)
	})
}

func TestRejectsExecutable(t *testing.T) {
	b := kernelRefObject()
	b.Type = elf.ET_EXEC
	_, err := translateObject(t, b, "test")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ET_REL")
}
