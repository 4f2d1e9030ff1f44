package emu

import (
	"github.com/jam-duna/x86emu/emuerrors"
	"github.com/jam-duna/x86emu/log"
)

// WaitCondition is the reason a context is suspended inside a system call.
// CanWakeup may complete the call (set the result register, copy data) and
// report true; Wakeup then runs once before the context resumes.
type WaitCondition interface {
	State() State
	CanWakeup(c *Context) bool
	Wakeup(c *Context)
}

type funcWait struct {
	state   State
	canWake func(*Context) bool
	wake    func(*Context)
}

func (w *funcWait) State() State { return w.state }

func (w *funcWait) CanWakeup(c *Context) bool {
	return w.canWake(c)
}

func (w *funcWait) Wakeup(c *Context) {
	if w.wake != nil {
		w.wake(c)
	}
}

// SuspendWith suspends c until canWake reports true, then runs wake. state
// is the wait reason flag kept while suspended.
func (c *Context) SuspendWith(canWake func(*Context) bool, wake func(*Context), state State) {
	c.SuspendOn(&funcWait{state: state, canWake: canWake, wake: wake})
}

// SuspendOn suspends c on w and requests an event pass.
func (c *Context) SuspendOn(w WaitCondition) {
	emuerrors.Invariant(c.state&StateSuspended == 0, "%s: already suspended", c)
	emuerrors.Invariant(c.wait == nil, "%s: suspension record already set", c)
	c.wait = w
	c.UpdateState(c.state | StateSuspended | StateCallback | w.State())
	log.Debug(log.ContextMonitoring, "suspended", "ctx", c, "wait", w.State())
	c.emu.ProcessEventsSchedule()
}

// Suspend suspends c without a wake condition. Something else, such as
// FutexWake or Resume, has to wake it.
func (c *Context) Suspend() {
	emuerrors.Invariant(c.state&StateSuspended == 0, "%s: already suspended", c)
	c.UpdateState(c.state | StateSuspended)
}

// Resume wakes a context suspended with Suspend.
func (c *Context) Resume() {
	emuerrors.Invariant(c.state&StateSuspended != 0, "%s: not suspended", c)
	emuerrors.Invariant(c.wait == nil, "%s: resumed with a pending wait", c)
	c.UpdateState(c.state &^ StateSuspended)
}

// CanWakeup evaluates the wake condition of a suspended context.
func (c *Context) CanWakeup() bool {
	emuerrors.Invariant(c.state&StateCallback != 0, "%s: no wake condition", c)
	emuerrors.Invariant(c.state&StateSuspended != 0, "%s: not suspended", c)
	emuerrors.Invariant(c.wait != nil, "%s: missing suspension record", c)
	return c.wait.CanWakeup(c)
}

// Wakeup runs the wake action, then clears the suspension and its wait
// reason in one update.
func (c *Context) Wakeup() {
	emuerrors.Invariant(c.state&StateSuspended != 0, "%s: not suspended", c)
	w := c.wait
	clearMask := StateSuspended | StateCallback
	if w != nil {
		w.Wakeup(c)
		clearMask |= w.State()
	}
	c.wait = nil
	c.UpdateState(c.state &^ clearMask)
	log.Debug(log.ContextMonitoring, "woken up", "ctx", c)
}

// WaitReason returns the active wait condition, or nil.
func (c *Context) WaitReason() WaitCondition {
	return c.wait
}
