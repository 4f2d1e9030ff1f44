package emu

import (
	"context"
	"time"

	"github.com/jam-duna/x86emu/log"
	"golang.org/x/exp/slices"
)

// hostHelper is a goroutine performing one blocking host wait on behalf of
// a suspended context.
type hostHelper struct {
	cancel context.CancelFunc
}

// Pollable is a wait condition that needs a host helper to notice when it
// may have become true.
type Pollable interface {
	WaitCondition
	// HostWait blocks until the condition may hold or ctx is cancelled.
	HostWait(ctx context.Context, c *Context)
}

func (c *Context) hostSuspendActive() bool {
	c.emu.mu.Lock()
	defer c.emu.mu.Unlock()
	return c.hostSuspend != nil
}

// HostThreadSuspendActive reports whether a helper is waiting for c.
func (c *Context) HostThreadSuspendActive() bool {
	return c.hostSuspendActive()
}

func (c *Context) launchHostSuspend(p Pollable) {
	e := c.emu
	ctx, cancel := context.WithCancel(context.Background())
	h := &hostHelper{cancel: cancel}

	e.mu.Lock()
	c.hostSuspend = h
	e.mu.Unlock()

	log.Trace(log.EmuMonitoring, "host helper launched", "ctx", c, "wait", p.State())
	go func() {
		p.HostWait(ctx, c)
		e.mu.Lock()
		if c.hostSuspend == h {
			c.hostSuspend = nil
		}
		e.processEventsScheduleLocked()
		e.mu.Unlock()
		cancel()
	}()
}

// HostThreadSuspendCancel stops the helper waiting for c, if any, and always
// requests an event pass.
func (c *Context) HostThreadSuspendCancel() {
	e := c.emu
	e.mu.Lock()
	defer e.mu.Unlock()
	if h := c.hostSuspend; h != nil {
		h.cancel()
		c.hostSuspend = nil
		log.Trace(log.EmuMonitoring, "host helper cancelled", "ctx", c)
	}
	e.processEventsScheduleLocked()
}

// HostThreadTimerCancel stops the interval timer helper of c. Nothing
// happens if none is running.
func (c *Context) HostThreadTimerCancel() {
	e := c.emu
	e.mu.Lock()
	defer e.mu.Unlock()
	h := c.hostTimer
	if h == nil {
		return
	}
	h.cancel()
	c.hostTimer = nil
	e.processEventsScheduleLocked()
}

func (c *Context) launchHostTimer(deadline uint64) {
	e := c.emu
	ctx, cancel := context.WithCancel(context.Background())
	h := &hostHelper{cancel: cancel}

	e.mu.Lock()
	if c.hostTimer != nil {
		e.mu.Unlock()
		cancel()
		return
	}
	c.hostTimer = h
	e.mu.Unlock()

	wait := time.Duration(deadline-e.nowMicro()) * time.Microsecond
	go func() {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		e.mu.Lock()
		if c.hostTimer == h {
			c.hostTimer = nil
		}
		e.processEventsScheduleLocked()
		e.mu.Unlock()
		cancel()
	}()
}

func (e *Emulator) nowMicro() uint64 {
	return uint64(e.Now().UnixMicro())
}

// checkTimers raises SIGALRM for every expired real-time interval timer and
// arms a helper for the pending ones.
func (e *Emulator) checkTimers() {
	now := e.nowMicro()
	for _, c := range slices.Clone(e.order) {
		if c.itimerReal == 0 || c.state&(StateFinished|StateZombie) != 0 {
			continue
		}
		if now >= c.itimerReal {
			c.itimerReal = 0
			c.signalMask.Pending.Add(SIGALRM)
			log.Debug(log.EmuMonitoring, "itimer expired", "ctx", c)
			c.HostThreadSuspendCancel()
			continue
		}
		c.launchHostTimer(c.itimerReal)
	}
}
