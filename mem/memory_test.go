package mem

import (
	"errors"
	"testing"

	"github.com/jam-duna/x86emu/emuerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeAccessFaults(t *testing.T) {
	m := NewMemory()
	buf := make([]byte, 4)
	err := m.Read(0x1000, buf)
	require.Error(t, err)
	var merr *emuerrors.MemoryError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, uint32(0x1000), merr.Addr)
	assert.Equal(t, "read", merr.Access)

	m.Map(0x1000, PageSize, PermRead)
	require.NoError(t, m.Read(0x1000, buf))
	assert.True(t, emuerrors.IsMemoryFault(m.Write(0x1000, buf)))
}

func TestUnsafeAccessAllocates(t *testing.T) {
	m := NewMemory()
	m.Safe = false
	buf := []byte{1, 1, 1, 1}
	require.NoError(t, m.Read(0x5000, buf))
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)
	require.NoError(t, m.Write(0x5000, []byte{9, 8}))
	m.Safe = true
	v, err := m.Load(0x5000, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8}, v)
}

func TestCrossPageAccess(t *testing.T) {
	m := NewMemory()
	m.Map(0x1000, 2*PageSize, PermRW)
	require.NoError(t, m.Write32(0x1ffe, 0xaabbccdd))
	v, err := m.Read32(0x1ffe)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xaabbccdd), v)
	assert.Nil(t, m.GetBuffer(0x1ffe, 4))
	assert.Len(t, m.GetBuffer(0x1000, 4), 4)
}

func TestInvalidSizesAlwaysFail(t *testing.T) {
	m := NewMemory()
	m.Safe = false
	_, err := m.Load(0, 0)
	assert.ErrorIs(t, err, emuerrors.ErrMemoryInvalidSize)
	_, err = m.Load(0, MaxAccessSize+1)
	assert.ErrorIs(t, err, emuerrors.ErrMemoryInvalidSize)
	err = m.Read(0xfffffffe, make([]byte, 4))
	assert.ErrorIs(t, err, emuerrors.ErrMemoryOutOfRange)
	var memErr *emuerrors.MemoryError
	require.True(t, errors.As(err, &memErr))
	assert.Equal(t, uint32(0xfffffffe), memErr.Addr)
	assert.Contains(t, err.Error(), "M3|OutOfRange")
}

func TestCloneIsolatesWrites(t *testing.T) {
	m := NewMemory()
	m.Map(0x8000, PageSize, PermRW)
	require.NoError(t, m.Write32(0x8000, 1))
	c := m.Clone()
	require.NoError(t, c.Write32(0x8000, 2))
	v, _ := m.Read32(0x8000)
	assert.Equal(t, uint32(1), v)
	v, _ = c.Read32(0x8000)
	assert.Equal(t, uint32(2), v)
}

func TestMapSpaceAndRegions(t *testing.T) {
	m := NewMemory()
	m.Map(0x10000, 2*PageSize, PermRW)
	m.Map(0x13000, PageSize, PermRead|PermExec)
	addr, ok := m.MapSpace(0x10000, 2*PageSize)
	require.True(t, ok)
	assert.Equal(t, uint32(0x14000), addr)
	addr, ok = m.MapSpace(0x11000, PageSize)
	require.True(t, ok)
	assert.Equal(t, uint32(0x12000), addr)

	regions := m.Regions()
	require.Len(t, regions, 2)
	assert.Equal(t, Region{Start: 0x10000, End: 0x12000, Perm: PermRW}, regions[0])
	assert.Equal(t, "r-xp", regions[1].Perm.String())
	assert.Equal(t, uint32(0x13000), m.NextPage(0x12000).Tag)
	assert.Nil(t, m.NextPage(0x14000))
}

func TestInitIgnoresPermissions(t *testing.T) {
	m := NewMemory()
	m.Map(0x2000, PageSize, PermRead|PermExec)
	require.NoError(t, m.Init(0x2000, []byte{0x90}))
	s, err := m.ReadString(0x2000, 8)
	require.NoError(t, err)
	assert.Equal(t, "\x90", s)
	assert.Equal(t, []uint32{0x2000}, m.GetDirtyPages())
	m.ClearDirty()
	assert.Empty(t, m.GetDirtyPages())
}
