package kernel

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"moria.us/mld/fs"
	"moria.us/mld/memory"
	"moria.us/mld/module"
)

const testBase = 0x200000

// In a fresh arena the section table comes first, so text starts here.
const testTextBase = testBase + 0x10

func newArena(t *testing.T, size uint32) *memory.Arena {
	t.Helper()
	a, err := memory.NewArena(testBase, size)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func absReloc(target module.SectionID, off uint32, value int32) module.Relocation {
	return module.Relocation{Info: module.MakeInfo(target, true, true), Offset: off, Value: value}
}

func relReloc(target module.SectionID, off uint32, value int32) module.Relocation {
	return module.Relocation{Info: module.MakeInfo(target, false, true), Offset: off, Value: value}
}

// newImage returns a module image with a zeroed text section of textSize
// bytes, the name in rodata and the descriptor at the start of data.
func newImage(name string, textSize int) *module.Image {
	img := new(module.Image)
	img.Contents[module.Text] = make([]byte, textSize)
	ro := []byte(name + "\x00")
	for len(ro) < 8 {
		ro = append(ro, 0)
	}
	img.Contents[module.Rodata] = ro
	desc := make([]byte, module.DescriptorSize)
	binary.LittleEndian.PutUint16(desc[descVersion:], SysVersion)
	img.Contents[module.Data] = desc
	img.Relocs[module.Data] = []module.Relocation{absReloc(module.Rodata, descName, 0)}
	img.Header.ModSection = module.Data
	return img
}

// setHook points a descriptor hook at an offset in text.
func setHook(img *module.Image, field, textOff uint32) {
	binary.LittleEndian.PutUint32(img.Contents[module.Data][field:], textOff)
	img.Relocs[module.Data] = append(img.Relocs[module.Data], absReloc(module.Text, field, 0))
}

// addExport appends an exported function pointing at an offset in text.
func addExport(img *module.Image, textOff uint32) {
	d := img.Contents[module.Data]
	off := uint32(len(d))
	img.Contents[module.Data] = binary.LittleEndian.AppendUint32(d, 0)
	img.Relocs[module.Data] = append(img.Relocs[module.Data], absReloc(module.Text, off, int32(textOff)))
}

func encode(t *testing.T, img *module.Image) []byte {
	t.Helper()
	img.Layout()
	data, err := img.Encode()
	require.NoError(t, err)
	return data
}

func install(t *testing.T, files *fs.MemFS, name string, img *module.Image) {
	t.Helper()
	files.Add("/lib/"+name+".module", encode(t, img))
}

type call struct {
	addr uint32
	args []uint32
}

// A fakeExec records calls. Results come from ret, or are 1.
type fakeExec struct {
	calls []call
	ret   func(addr uint32) uint32
}

func (e *fakeExec) Call(ctx context.Context, addr uint32, args ...uint32) (uint32, error) {
	e.calls = append(e.calls, call{addr: addr, args: args})
	if e.ret != nil {
		return e.ret(addr), nil
	}
	return 1, nil
}

func newLoader(t *testing.T, arenaSize uint32) (*Loader, *fs.MemFS, *memory.Arena, *fakeExec) {
	t.Helper()
	files := fs.NewMemFS()
	a := newArena(t, arenaSize)
	exec := new(fakeExec)
	return &Loader{
		Files:      files,
		Memory:     a,
		Exec:       exec,
		KernelAddr: 0xAABBCCDD,
	}, files, a, exec
}

func dynamic(t *testing.T, m *Module) *Dynamic {
	t.Helper()
	d, ok := m.Memory().(*Dynamic)
	require.True(t, ok)
	return d
}
