package emu

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/jam-duna/x86emu/log"
	"github.com/jam-duna/x86emu/regs"
)

const MaxSignal = 64

const (
	SIGHUP   = 1
	SIGINT   = 2
	SIGQUIT  = 3
	SIGILL   = 4
	SIGTRAP  = 5
	SIGABRT  = 6
	SIGBUS   = 7
	SIGFPE   = 8
	SIGKILL  = 9
	SIGUSR1  = 10
	SIGSEGV  = 11
	SIGUSR2  = 12
	SIGPIPE  = 13
	SIGALRM  = 14
	SIGTERM  = 15
	SIGCHLD  = 17
	SIGCONT  = 18
	SIGSTOP  = 19
	SIGURG   = 23
	SIGWINCH = 28
)

// sigaction handler values and flags.
const (
	SIG_DFL = 0
	SIG_IGN = 1

	SA_SIGINFO  = 0x00000004
	SA_RESTORER = 0x04000000
	SA_NODEFER  = 0x40000000
)

// SignalSet is a bitmap of signals 1..64, signal n at bit n-1.
type SignalSet uint64

func sigBit(sig int) SignalSet {
	if sig < 1 || sig > MaxSignal {
		return 0
	}
	return 1 << uint(sig-1)
}

func (s *SignalSet) Add(sig int)     { *s |= sigBit(sig) }
func (s *SignalSet) Del(sig int)     { *s &^= sigBit(sig) }
func (s SignalSet) Has(sig int) bool { return s&sigBit(sig) != 0 }
func (s SignalSet) Any() bool        { return s != 0 }

// Lowest returns the lowest signal in the set, or 0.
func (s SignalSet) Lowest() int {
	if s == 0 {
		return 0
	}
	return bits.TrailingZeros64(uint64(s)) + 1
}

// SignalMaskTable holds the per-thread pending and blocked sets.
type SignalMaskTable struct {
	Pending SignalSet
	Blocked SignalSet
	Backup  SignalSet
}

// PendingUnblocked is the set of signals ready for delivery.
func (t *SignalMaskTable) PendingUnblocked() SignalSet {
	return t.Pending &^ t.Blocked
}

// SigAction is one entry of the handler table, in the rt_sigaction layout.
type SigAction struct {
	Handler  uint32
	Flags    uint32
	Restorer uint32
	Mask     SignalSet
}

const sigActionSize = 20

func (a *SigAction) decode(b []byte) {
	a.Handler = binary.LittleEndian.Uint32(b[0:])
	a.Flags = binary.LittleEndian.Uint32(b[4:])
	a.Restorer = binary.LittleEndian.Uint32(b[8:])
	a.Mask = SignalSet(binary.LittleEndian.Uint64(b[12:]))
}

func (a *SigAction) encode() []byte {
	b := make([]byte, sigActionSize)
	binary.LittleEndian.PutUint32(b[0:], a.Handler)
	binary.LittleEndian.PutUint32(b[4:], a.Flags)
	binary.LittleEndian.PutUint32(b[8:], a.Restorer)
	binary.LittleEndian.PutUint64(b[12:], uint64(a.Mask))
	return b
}

// SignalHandlerTable is shared by threads created with clone.
type SignalHandlerTable struct {
	actions [MaxSignal]SigAction
}

func NewSignalHandlerTable() *SignalHandlerTable {
	return &SignalHandlerTable{}
}

func (t *SignalHandlerTable) Get(sig int) SigAction {
	if sig < 1 || sig > MaxSignal {
		return SigAction{}
	}
	return t.actions[sig-1]
}

func (t *SignalHandlerTable) Set(sig int, a SigAction) error {
	if sig < 1 || sig > MaxSignal {
		return fmt.Errorf("invalid signal %d", sig)
	}
	t.actions[sig-1] = a
	return nil
}

// signalFrame is the state saved while a guest handler runs.
type signalFrame struct {
	saved   regs.RegisterFile
	blocked SignalSet
	sig     int
}

func ignoredByDefault(sig int) bool {
	switch sig {
	case SIGCHLD, SIGCONT, SIGURG, SIGWINCH:
		return true
	}
	return false
}

// CheckSignalHandler delivers the lowest pending unblocked signal to c. No
// signal is delivered while a handler is already running, and a speculative
// context keeps its signals pending until Recover.
func (c *Context) CheckSignalHandler() {
	if c.state&(StateHandler|StateFinished|StateZombie|StateSpecMode) != 0 {
		return
	}
	sig := c.signalMask.PendingUnblocked().Lowest()
	if sig == 0 {
		return
	}
	c.signalMask.Pending.Del(sig)

	act := c.signalHandlers.Get(sig)
	switch act.Handler {
	case SIG_IGN:
		log.Debug(log.ContextMonitoring, "signal ignored", "ctx", c, "sig", sig)
	case SIG_DFL:
		c.signalDefault(sig)
	default:
		c.RunSignalHandler(sig, act)
	}
}

// CheckSignalHandlerIntr makes an interrupted system call return -EINTR and
// delivers the pending signal.
func (c *Context) CheckSignalHandlerIntr() {
	c.regs.SetEax(errnoRet(EINTR))
	c.CheckSignalHandler()
}

func (c *Context) signalDefault(sig int) {
	if ignoredByDefault(sig) {
		log.Debug(log.ContextMonitoring, "signal default ignore", "ctx", c, "sig", sig)
		return
	}
	log.Info(log.ContextMonitoring, "terminated by signal", "ctx", c, "sig", sig)
	c.termSignal = sig
	c.FinishGroup(128 + sig)
}

// RunSignalHandler saves the registers and blocked mask of c and redirects
// it into the guest handler for sig. The handler returns through the
// sigreturn trampoline unless the guest registered its own restorer.
func (c *Context) RunSignalHandler(sig int, act SigAction) {
	frame := &signalFrame{saved: *c.regs, blocked: c.signalMask.Blocked, sig: sig}

	ret := c.loaderTrampoline()
	if act.Flags&SA_RESTORER != 0 && act.Restorer != 0 {
		ret = act.Restorer
	}
	esp := c.regs.Esp() - 128
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:], ret)
	binary.LittleEndian.PutUint32(b[4:], uint32(sig))
	esp -= uint32(len(b))
	if err := c.mem.Write(esp, b[:]); err != nil {
		log.Warn(log.ContextMonitoring, "cannot push signal frame", "ctx", c, "sig", sig, "err", err)
		c.termSignal = SIGSEGV
		c.FinishGroup(128 + SIGSEGV)
		return
	}

	c.handlerFrame = frame
	c.signalMask.Blocked |= act.Mask
	if act.Flags&SA_NODEFER == 0 {
		c.signalMask.Blocked.Add(sig)
	}
	c.regs.SetEsp(esp)
	c.regs.Eip = act.Handler
	c.SetState(StateHandler)
	log.Debug(log.ContextMonitoring, "signal handler", "ctx", c, "sig", sig, "handler", fmt.Sprintf("0x%x", act.Handler))
}

// ReturnFromSignalHandler restores the state saved by RunSignalHandler.
func (c *Context) ReturnFromSignalHandler() {
	frame := c.handlerFrame
	if frame != nil {
		*c.regs = frame.saved
		c.signalMask.Blocked = frame.blocked
		c.handlerFrame = nil
	}
	c.ClearState(StateHandler)
	log.Debug(log.ContextMonitoring, "signal handler return", "ctx", c)
}

func (c *Context) loaderTrampoline() uint32 {
	if c.loader == nil {
		return 0
	}
	return c.loader.Trampoline
}

// Kill queues sig for the context with the given pid. A target blocked in a
// host wait is woken so the signal is noticed.
func (c *Context) Kill(pid int, sig int) int {
	target := c.emu.GetContext(pid)
	if target == nil || target.state&(StateFinished|StateZombie) != 0 {
		return -ESRCH
	}
	if sig == 0 {
		return 0
	}
	if sig < 1 || sig > MaxSignal {
		return -EINVAL
	}
	target.signalMask.Pending.Add(sig)
	target.HostThreadSuspendCancel()
	log.Debug(log.SyscallMonitoring, "kill", "ctx", c, "target", target, "sig", sig)
	return 0
}
