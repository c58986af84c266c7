package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newArena(t *testing.T, size uint32) *Arena {
	t.Helper()
	a, err := NewArena(0x100000, size)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewArena(t *testing.T) {
	_, err := NewArena(0x100001, 0x1000)
	require.Error(t, err)
	_, err = NewArena(0x1000, 8)
	require.Error(t, err)
	_, err = NewArena(0xfffff000, 0x2000)
	require.Error(t, err)
}

func TestAllocate(t *testing.T) {
	a := newArena(t, 0x1000)

	r1, err := a.Allocate(10)
	require.NoError(t, err)
	require.EqualValues(t, 0x100000, r1.Base)
	require.EqualValues(t, 10, r1.Size)
	require.Len(t, r1.Bytes(), 10)

	r2, err := a.ZeroAllocate(0)
	require.NoError(t, err)
	require.EqualValues(t, 0x100010, r2.Base)
	require.Empty(t, r2.Bytes())

	r3, err := a.ZeroAllocate(0x20)
	require.NoError(t, err)
	require.EqualValues(t, 0x100020, r3.Base)
	require.EqualValues(t, 0x40, a.InUse())

	require.True(t, r3.Contains(0x10003f))
	require.False(t, r3.Contains(0x100040))
	require.EqualValues(t, 0x100040, r3.End())
}

func TestFree(t *testing.T) {
	a := newArena(t, 0x100)

	var rs []*Region
	for i := 0; i < 4; i++ {
		r, err := a.Allocate(0x40)
		require.NoError(t, err)
		rs = append(rs, r)
	}
	_, err := a.Allocate(1)
	require.ErrorIs(t, err, ErrOutOfMemory)

	// Free out of order so both merge directions are exercised.
	require.NoError(t, a.Free(rs[1]))
	require.NoError(t, a.Free(rs[3]))
	require.NoError(t, a.Free(rs[2]))
	require.EqualValues(t, 0x40, a.InUse())

	r, err := a.Allocate(0xc0)
	require.NoError(t, err)
	require.Equal(t, rs[1].Base, r.Base)

	require.ErrorIs(t, a.Free(rs[1]), ErrBadFree)
	require.NoError(t, a.Free(r))
	require.NoError(t, a.Free(rs[0]))
	require.Zero(t, a.InUse())

	r, err = a.Allocate(0x100)
	require.NoError(t, err)
	require.EqualValues(t, 0x100000, r.Base)
}

func TestFreeView(t *testing.T) {
	a := newArena(t, 0x100)
	r, err := a.Allocate(0x20)
	require.NoError(t, err)
	v, err := r.Slice(0x10, 0x10)
	require.NoError(t, err)
	require.ErrorIs(t, a.Free(v), ErrBadFree)
	require.NoError(t, a.Free(r))
}

func TestZeroAllocate(t *testing.T) {
	a := newArena(t, 0x100)
	r, err := a.Allocate(0x20)
	require.NoError(t, err)
	for i := range r.Bytes() {
		r.Bytes()[i] = 0xff
	}
	require.NoError(t, a.Free(r))

	r, err = a.ZeroAllocate(0x20)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 0x20), r.Bytes())
}

func TestRegionAccess(t *testing.T) {
	a := newArena(t, 0x100)
	r, err := a.ZeroAllocate(8)
	require.NoError(t, err)

	require.NoError(t, r.PutUint32(0, 0x11223344))
	require.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, r.Bytes()[:4])
	require.NoError(t, r.Add32(0, 0xeeddccbc))
	v, err := r.Uint32(0)
	require.NoError(t, err)
	require.EqualValues(t, 0x00000000, v)

	require.NoError(t, r.PutUint16(4, 0xbeef))
	h, err := r.Uint16(4)
	require.NoError(t, err)
	require.EqualValues(t, 0xbeef, h)

	require.NoError(t, r.PutUint32(4, 0))
	require.ErrorIs(t, r.PutUint32(5, 0), ErrOutOfRange)
	require.ErrorIs(t, r.Add32(5, 1), ErrOutOfRange)
	_, err = r.Uint32(0xfffffffe)
	require.ErrorIs(t, err, ErrOutOfRange)
	require.ErrorIs(t, r.PutUint8(8, 1), ErrOutOfRange)
	require.ErrorIs(t, r.Write(6, []byte{1, 2, 3}), ErrOutOfRange)

	// A failed write leaves the region untouched.
	require.Equal(t, make([]byte, 8), r.Bytes())
}

func TestCString(t *testing.T) {
	a := newArena(t, 0x100)
	r, err := a.ZeroAllocate(8)
	require.NoError(t, err)
	require.NoError(t, r.Write(0, []byte("abc\x00defg")))

	s, err := r.CString(0)
	require.NoError(t, err)
	require.Equal(t, "abc", s)

	s, err = r.CString(3)
	require.NoError(t, err)
	require.Empty(t, s)

	_, err = r.CString(4)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = r.CString(9)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestArenaProject(t *testing.T) {
	a := newArena(t, 0x100)
	r, err := a.ZeroAllocate(4)
	require.NoError(t, err)
	require.NoError(t, r.PutUint32(0, 0xcafe))

	b, err := a.Project(r.Base, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0xfe, 0xca, 0, 0}, b)

	_, err = a.Project(0x1000, 4)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = a.Project(0x1000fe, 4)
	require.ErrorIs(t, err, ErrOutOfRange)
}
