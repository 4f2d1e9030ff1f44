package isa

import (
	"testing"

	"github.com/jam-duna/x86emu/emuerrors"
	"github.com/jam-duna/x86emu/regs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestDecodeRegisterForm(t *testing.T) {
	in, err := Decode([]byte{0x89, 0xd8, 0x90, 0x90}, 0x8048000)
	require.NoError(t, err)
	assert.Equal(t, x86asm.MOV, in.Op)
	assert.Equal(t, 2, in.Len)
	assert.Equal(t, uint32(0x8048002), in.NextEip())
	assert.True(t, in.HasModRM)
	assert.Equal(t, uint8(3), in.ModRmMod)
	assert.Equal(t, uint8(3), in.ModRmReg)
	assert.Equal(t, uint8(0), in.ModRmRm)
	assert.False(t, in.RmIsMemory())
	assert.Equal(t, regs.RegNone, in.Segment())
}

func TestDecodeMemoryForm(t *testing.T) {
	in, err := Decode([]byte{0x8b, 0x43, 0x04}, 0x1000)
	require.NoError(t, err)
	assert.True(t, in.RmIsMemory())
	assert.Equal(t, uint8(1), in.ModRmMod)
	assert.Equal(t, regs.EBX, in.Base())
	assert.Equal(t, regs.RegNone, in.Index())
	assert.Equal(t, regs.DS, in.Segment())
	m, ok := in.MemArg()
	require.True(t, ok)
	assert.Equal(t, int64(4), m.Disp)

	in, err = Decode([]byte{0x8d, 0x04, 0x8d, 0x10, 0x00, 0x00, 0x00}, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, x86asm.LEA, in.Op)
	assert.Equal(t, regs.ECX, in.Index())
	assert.Equal(t, regs.RegNone, in.Base())

	in, err = Decode([]byte{0x8b, 0x45, 0xfc}, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, regs.SS, in.Segment())
}

func TestDecodePrefixesAndOpIndex(t *testing.T) {
	in, err := Decode([]byte{0x66, 0x89, 0xc8}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, in.Prefixes)
	assert.Equal(t, uint8(1), in.ModRmReg)

	in, err = Decode([]byte{0x57}, 0)
	require.NoError(t, err)
	assert.Equal(t, x86asm.PUSH, in.Op)
	assert.False(t, in.HasModRM)
	assert.Equal(t, uint8(7), in.OpIndex)

	in, err = Decode([]byte{0xd9, 0xc1}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), in.OpIndex)

	in, err = Decode([]byte{0x0f, 0xaf, 0xc1}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, in.OpLen)
	assert.True(t, in.HasModRM)

	in, err = Decode([]byte{0x0f, 0x84, 0x00, 0x01, 0x00, 0x00}, 0)
	require.NoError(t, err)
	assert.False(t, in.HasModRM)
}

func TestDecodeFailure(t *testing.T) {
	_, err := Decode([]byte{0x8b}, 0x400)
	require.Error(t, err)
	assert.ErrorIs(t, err, emuerrors.ErrUnsupportedInstruction)
	assert.Contains(t, err.Error(), "eip=0x400")

	// A lone escape byte is incomplete, not an opcode.
	in, err := Decode([]byte{0x0f}, 0x400)
	assert.Nil(t, in)
	assert.ErrorIs(t, err, emuerrors.ErrUnsupportedInstruction)
}

func TestDisassemble(t *testing.T) {
	out := Disassemble([]byte{0x90, 0xcd, 0x80}, 0x8048000)
	assert.Contains(t, out, "0x08048000")
	assert.Contains(t, out, "0x08048001")
}
