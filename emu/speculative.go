package emu

import (
	"github.com/jam-duna/x86emu/emuerrors"
	"github.com/jam-duna/x86emu/log"
	"github.com/jam-duna/x86emu/regs"
)

// SetEip forces the instruction pointer. Redirecting a non-speculative
// context to a different address puts it in speculative mode: registers are
// backed up and floating-point exceptions are masked on the live file.
func (c *Context) SetEip(eip uint32) {
	if eip != c.regs.Eip && c.state&StateSpecMode == 0 {
		c.SetState(StateSpecMode)
		c.backup = c.regs.Clone()
		c.regs.FpuCtrl |= regs.FpuExceptionMask
		log.Trace(log.ContextMonitoring, "enter speculative mode", "ctx", c, "from", c.regs.Eip, "to", eip)
	}
	c.regs.Eip = eip
}

// Recover leaves speculative mode, restoring the backed-up registers and
// dropping every speculative write.
func (c *Context) Recover() {
	emuerrors.Invariant(c.state&StateSpecMode != 0, "%s: recover outside speculative mode", c)
	emuerrors.Invariant(c.backup != nil, "%s: speculative without register backup", c)
	c.ClearState(StateSpecMode)
	*c.regs = *c.backup
	c.backup = nil
	c.specMem.Clear()
	log.Trace(log.ContextMonitoring, "recover", "ctx", c, "eip", c.regs.Eip)
}

// Speculative reports whether c runs on a wrong path.
func (c *Context) Speculative() bool {
	return c.state&StateSpecMode != 0
}
