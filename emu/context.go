package emu

import (
	"fmt"

	"github.com/jam-duna/x86emu/emuerrors"
	"github.com/jam-duna/x86emu/isa"
	"github.com/jam-duna/x86emu/log"
	"github.com/jam-duna/x86emu/mem"
	"github.com/jam-duna/x86emu/regs"
)

// Context is one emulated thread or process.
type Context struct {
	emu *Emulator
	pid int

	state  State
	inList [listCount]bool

	regs   *regs.RegisterFile
	backup *regs.RegisterFile

	mem     *mem.Memory
	specMem *mem.SpecMem
	loader  *Loader

	signalHandlers *SignalHandlerTable
	signalMask     SignalMaskTable
	handlerFrame   *signalFrame

	files     *FileTable
	callStack *CallStack

	parentPid      int
	groupParentPid int
	exitSignal     int
	exitCode       int
	termSignal     int

	clearChildTid  uint32
	robustListHead uint32

	glibcSegmentBase  uint32
	glibcSegmentLimit uint32

	wakeupFutex       uint32
	wakeupFutexBitset uint32
	wakeupFutexSleep  uint64

	// Suspension record. wait is nil unless Callback is set.
	wait WaitCondition

	// Host helpers. Guarded by emu.mu.
	hostSuspend *hostHelper
	hostTimer   *hostHelper

	itimerReal uint64 // deadline in microseconds, 0 if disarmed

	inst       *isa.Instruction
	lastEip    uint32
	currentEip uint32
	effAddr    uint32

	instructions uint64
}

func newContext(e *Emulator, pid int) *Context {
	return &Context{
		emu:            e,
		pid:            pid,
		state:          StateRunning,
		regs:           regs.NewRegisterFile(),
		signalHandlers: NewSignalHandlerTable(),
	}
}

func (c *Context) Pid() int                  { return c.pid }
func (c *Context) State() State              { return c.state }
func (c *Context) Regs() *regs.RegisterFile  { return c.regs }
func (c *Context) Memory() *mem.Memory       { return c.mem }
func (c *Context) SpecMem() *mem.SpecMem     { return c.specMem }
func (c *Context) Files() *FileTable         { return c.files }
func (c *Context) ParentPid() int            { return c.parentPid }
func (c *Context) ExitCode() int             { return c.exitCode }
func (c *Context) CurrentEip() uint32        { return c.currentEip }
func (c *Context) LastEip() uint32           { return c.lastEip }
func (c *Context) Instructions() uint64      { return c.instructions }
func (c *Context) Signals() *SignalMaskTable { return &c.signalMask }
func (c *Context) CallStack() *CallStack     { return c.callStack }
func (c *Context) Loader() *Loader           { return c.loader }

func (c *Context) String() string {
	return fmt.Sprintf("ctx-%d", c.pid)
}

// Parent returns the parent context, or nil once it has been removed.
func (c *Context) Parent() *Context {
	if c.parentPid == 0 {
		return nil
	}
	return c.emu.contexts[c.parentPid]
}

func (c *Context) groupParent() *Context {
	if c.groupParentPid == 0 {
		return nil
	}
	return c.emu.contexts[c.groupParentPid]
}

func (c *Context) GetState(s State) bool {
	return c.state&s != 0
}

func (c *Context) SetState(s State) {
	c.UpdateState(c.state | s)
}

func (c *Context) ClearState(s State) {
	c.UpdateState(c.state &^ s)
}

// UpdateState installs state after applying the terminal masks and deriving
// Running, then moves the context between the emulator sets whose predicate
// changed.
func (c *Context) UpdateState(state State) {
	e := c.emu
	diff := c.state ^ state
	if diff&^StateSpecMode != 0 {
		e.scheduleSignal = true
	}

	c.state = state.normalize()
	e.updateList(listRunning, c, c.state&StateRunning != 0)
	e.updateList(listZombie, c, c.state&StateZombie != 0)
	e.updateList(listFinished, c, c.state&StateFinished != 0)
	e.updateList(listSuspended, c, c.state&StateSuspended != 0)

	if diff&^StateSpecMode != 0 {
		log.Debug(log.ContextMonitoring, "state changed", "ctx", c, "inst", e.instructions, "state", c.state)
	}

	if len(e.lists[listRunning]) > 0 {
		e.startTimer()
	} else {
		e.stopTimer()
	}
}

// initSpace gives a freshly created context its own address space and
// process-level tables.
func (c *Context) initSpace(loader *Loader) {
	emuerrors.Invariant(c.mem == nil, "%s: program already loaded", c)
	c.mem = mem.NewMemory()
	c.specMem = mem.NewSpecMem(c.mem)
	c.signalHandlers = NewSignalHandlerTable()
	c.files = NewFileTable(c.emu.stdin, c.emu.stdout)
	c.loader = loader
	c.callStack = NewCallStack(loader.Exe)
}

// Clone makes c a thread of parent: registers are copied, the memory image,
// loader, signal handler table and file table are shared, and c gets its
// own speculative overlay.
func (c *Context) Clone(parent *Context) {
	*c.regs = *parent.regs
	c.mem = parent.mem
	c.specMem = mem.NewSpecMem(c.mem)
	c.loader = parent.loader
	c.signalHandlers = parent.signalHandlers
	c.files = parent.files
	c.glibcSegmentBase = parent.glibcSegmentBase
	c.glibcSegmentLimit = parent.glibcSegmentLimit
	c.callStack = NewCallStack(parent.loader.Exe)
	c.parentPid = parent.pid
	if parent.state&StateMapped != 0 {
		c.SetState(StateMapped)
	}
	log.Debug(log.ContextMonitoring, "Clone", "ctx", c, "parent", parent)
	c.emu.eventSpawn(c, "thread")
}

// Fork makes c a child process of parent with a private copy of its memory
// and fresh signal handler and file tables.
func (c *Context) Fork(parent *Context) {
	*c.regs = *parent.regs
	c.mem = parent.mem.Clone()
	c.specMem = mem.NewSpecMem(c.mem)
	c.loader = parent.loader
	c.signalHandlers = NewSignalHandlerTable()
	c.files = NewFileTable(c.emu.stdin, c.emu.stdout)
	c.glibcSegmentBase = parent.glibcSegmentBase
	c.glibcSegmentLimit = parent.glibcSegmentLimit
	c.callStack = NewCallStack(parent.loader.Exe)
	c.parentPid = parent.pid
	if parent.state&StateMapped != 0 {
		c.SetState(StateMapped)
	}
	log.Debug(log.ContextMonitoring, "Fork", "ctx", c, "parent", parent)
	c.emu.eventSpawn(c, "process")
}

// ReadMem reads guest memory through the speculative overlay when c is
// speculative.
func (c *Context) ReadMem(addr uint32, buf []byte) error {
	if c.state&StateSpecMode != 0 {
		c.specMem.Read(addr, buf)
		return nil
	}
	return c.mem.Read(addr, buf)
}

// WriteMem writes guest memory. Speculative writes only reach the overlay.
func (c *Context) WriteMem(addr uint32, data []byte) error {
	if c.state&StateSpecMode != 0 {
		c.specMem.Write(addr, data)
		return nil
	}
	return c.mem.Write(addr, data)
}

// uop.Operands

func (c *Context) ModRM() (mod, reg, rm uint8) {
	if c.inst == nil {
		return 3, 0, 0
	}
	return c.inst.ModRmMod, c.inst.ModRmReg, c.inst.ModRmRm
}

func (c *Context) OpIndex() uint8 {
	if c.inst == nil {
		return 0
	}
	return c.inst.OpIndex
}

func (c *Context) EaSegment() regs.Reg {
	if c.inst == nil {
		return regs.RegNone
	}
	return c.inst.Segment()
}

func (c *Context) EaBase() regs.Reg {
	if c.inst == nil {
		return regs.RegNone
	}
	return c.inst.Base()
}

func (c *Context) EaIndex() regs.Reg {
	if c.inst == nil {
		return regs.RegNone
	}
	return c.inst.Index()
}

func (c *Context) EffectiveAddress() uint32 {
	return c.effAddr
}
