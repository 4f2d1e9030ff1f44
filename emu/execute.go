package emu

import (
	"errors"
	"fmt"

	"github.com/jam-duna/x86emu/emuerrors"
	"github.com/jam-duna/x86emu/isa"
	"github.com/jam-duna/x86emu/log"
)

// Step executes one guest instruction.
//
// Memory faults always propagate with a guest back-trace. Unsupported
// instructions, emulation errors and handler panics are fatal unless the
// context is speculative, in which case they are dropped and the context
// stays on its wrong path until Recover. Invariant violations always
// propagate.
func (c *Context) Step() (err error) {
	specMode := c.state&StateSpecMode != 0
	c.mem.Safe = !specMode

	eip := c.regs.Eip
	buf := c.mem.GetBuffer(eip, isa.MaxInstLen)
	if buf == nil {
		var scratch [isa.MaxInstLen]byte
		c.mem.ReadUnsafe(eip, scratch[:])
		buf = scratch[:]
	}

	inst, decErr := isa.Decode(buf, eip)
	if decErr != nil && !specMode {
		return fmt.Errorf("pid %d: %w", c.pid, decErr)
	}

	c.emu.Stream.Clear()
	c.lastEip = c.currentEip
	c.currentEip = eip
	c.effAddr = 0
	c.inst = inst

	defer func() {
		c.instructions++
		c.emu.instructions++
	}()

	if inst == nil {
		// Undecodable bytes on a wrong path: leave eip for Recover.
		log.Trace(log.IsaMonitoring, "speculative decode failure", "ctx", c, "eip", fmt.Sprintf("0x%x", eip))
		return nil
	}
	c.regs.Eip = inst.NextEip()

	if log.IsModuleEnabled(log.IsaMonitoring) {
		log.Trace(log.IsaMonitoring, "inst", "ctx", c, "inst", c.emu.instructions, "eip", fmt.Sprintf("0x%x", eip), "asm", inst.String())
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if inv, ok := r.(*emuerrors.InvariantError); ok {
			panic(inv)
		}
		if specMode {
			log.Trace(log.IsaMonitoring, "speculative panic dropped", "ctx", c, "panic", r)
			err = nil
			return
		}
		err = fmt.Errorf("%w: pid %d eip 0x%x: %s: panic: %v", emuerrors.ErrGeneralEmulation, c.pid, eip, inst, r)
	}()

	if herr := c.execute(inst); herr != nil {
		var memErr *emuerrors.MemoryError
		if errors.As(herr, &memErr) {
			memErr.Eip = eip
			if c.callStack != nil {
				memErr.Backtrace = c.callStack.Backtrace(eip)
			}
			return fmt.Errorf("pid %d: %s: %w", c.pid, inst, herr)
		}
		if specMode {
			log.Trace(log.IsaMonitoring, "speculative error dropped", "ctx", c, "err", herr)
			return nil
		}
		return fmt.Errorf("pid %d eip 0x%x: %s: %w", c.pid, eip, inst, herr)
	}
	return nil
}

// execute dispatches inst to its opcode handler.
func (c *Context) execute(inst *isa.Instruction) error {
	h, ok := opHandlers[inst.Op]
	if !ok {
		return fmt.Errorf("%w: %s", emuerrors.ErrUnimplementedOpcode, inst.Op)
	}
	return h(c, inst)
}
