package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecMemShadowsWrites(t *testing.T) {
	m := NewMemory()
	m.Map(0x3000, PageSize, PermRW)
	require.NoError(t, m.Write(0x3008, []byte{1, 2, 3, 4}))

	s := NewSpecMem(m)
	s.Write(0x300e, []byte{0xa, 0xb, 0xc, 0xd})

	buf := make([]byte, 8)
	s.Read(0x3008, buf)
	assert.Equal(t, []byte{1, 2, 3, 4, 0, 0, 0xa, 0xb}, buf)

	under := make([]byte, 4)
	require.NoError(t, m.Read(0x300e, under))
	assert.Equal(t, []byte{0, 0, 0, 0}, under)

	s.Clear()
	assert.Zero(t, s.Blocks())
	s.Read(0x300e, buf[:4])
	assert.Equal(t, []byte{0, 0, 0, 0}, buf[:4])
}

func TestSpecMemNeverFaults(t *testing.T) {
	m := NewMemory()
	s := NewSpecMem(m)
	buf := []byte{7, 7}
	s.Read(0xdead0000, buf)
	assert.Equal(t, []byte{0, 0}, buf)
	s.Write(0xdead0000, []byte{1})
	assert.True(t, m.Safe)
	assert.Nil(t, m.Page(0xdead0000))
}

func TestSpecMemBlockLimit(t *testing.T) {
	s := NewSpecMem(NewMemory())
	for i := 0; i < specMemMaxBlocks+10; i++ {
		s.Write(uint32(i*specMemBlockSize), []byte{1})
	}
	assert.Equal(t, specMemMaxBlocks, s.Blocks())
}
