package emu

import (
	"encoding/binary"
	"testing"

	"github.com/jam-duna/x86emu/regs"
	"github.com/jam-duna/x86emu/uop"
	"github.com/stretchr/testify/require"
)

const codeBase uint32 = 0x08048000

// scratchAddr is a writable stack address well below the initial frame.
const scratchAddr = StackTop - 0x1000

var int80 = []byte{0xcd, 0x80}

func newTestEmulator(t *testing.T) *Emulator {
	t.Helper()
	return NewEmulator(DefaultConfig())
}

func loadCode(t *testing.T, e *Emulator, code ...byte) *Context {
	t.Helper()
	c, err := e.LoadFlat(code, codeBase)
	require.NoError(t, err)
	return c
}

// setSyscall loads the i386 syscall registers and rewinds eip to codeBase.
func setSyscall(c *Context, nr uint32, args ...uint32) {
	order := []regs.Reg{regs.EBX, regs.ECX, regs.EDX, regs.ESI, regs.EDI, regs.EBP}
	c.regs.SetEax(nr)
	for i, a := range args {
		c.regs.Write(order[i], a)
	}
	c.regs.Eip = codeBase
}

func putU32(t *testing.T, c *Context, addr, v uint32) {
	t.Helper()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	require.NoError(t, c.WriteMem(addr, b[:]))
}

func getU32(t *testing.T, c *Context, addr uint32) uint32 {
	t.Helper()
	v, err := c.readU32(addr)
	require.NoError(t, err)
	return v
}

func putString(t *testing.T, c *Context, addr uint32, s string) {
	t.Helper()
	require.NoError(t, c.WriteMem(addr, append([]byte(s), 0)))
}

func stepN(t *testing.T, c *Context, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, c.Step(), "step %d", i)
	}
}

type sinkRecord struct {
	pid  int
	eip  uint32
	uops []*uop.Uop
}

type recordingSink struct {
	records []sinkRecord
}

func (s *recordingSink) Consume(pid int, eip uint32, uops []*uop.Uop) {
	s.records = append(s.records, sinkRecord{pid: pid, eip: eip, uops: uops})
}
