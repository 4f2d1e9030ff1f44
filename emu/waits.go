package emu

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/jam-duna/x86emu/log"
	"golang.org/x/sys/unix"
)

// hostPollInterval bounds a single host poll so helpers notice cancellation.
const hostPollInterval = 20 * time.Millisecond

// pollHost polls one host descriptor without blocking.
func pollHost(fd int, events int16) (int16, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(fds, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, nil
		}
		return fds[0].Revents, nil
	}
}

// waitHost blocks until fd reports one of events, the deadline passes or
// ctx is cancelled. A zero deadline waits forever.
func waitHost(ctx context.Context, fd int, events int16, deadline time.Time) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for ctx.Err() == nil {
		timeout := hostPollInterval
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return
			}
			if left < timeout {
				timeout = left
			}
		}
		fds[0].Revents = 0
		n, err := unix.Poll(fds, int(timeout/time.Millisecond)+1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n > 0 {
			return
		}
	}
}

func sleepUntil(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// interrupted delivers a pending unblocked signal to a context waiting in a
// system call, making the call return -EINTR.
func interrupted(c *Context) bool {
	if c.signalMask.PendingUnblocked() == 0 {
		return false
	}
	c.CheckSignalHandlerIntr()
	return true
}

// ReadWait waits for a host descriptor to become readable, then completes a
// read(2) into guest memory.
type ReadWait struct {
	Fd     int
	HostFd int
	Buf    uint32
	Count  uint32
}

func (w *ReadWait) State() State { return StateRead }

func (w *ReadWait) CanWakeup(c *Context) bool {
	if interrupted(c) {
		log.Debug(log.SyscallMonitoring, "read interrupted by signal", "ctx", c)
		return true
	}
	desc := c.files.Get(w.Fd)
	if desc == nil {
		c.regs.SetEax(errnoRet(EBADF))
		return true
	}
	revents, err := pollHost(desc.HostFd, unix.POLLIN)
	if err != nil {
		c.regs.SetEax(hostErrno(err))
		return true
	}
	if revents == 0 {
		return false
	}
	c.regs.SetEax(hostRead(c, desc.HostFd, w.Buf, w.Count))
	log.Debug(log.SyscallMonitoring, "read continue", "ctx", c, "ret", int32(c.regs.Eax()))
	return true
}

func (w *ReadWait) Wakeup(c *Context) {}

func (w *ReadWait) HostWait(ctx context.Context, c *Context) {
	waitHost(ctx, w.HostFd, unix.POLLIN, time.Time{})
}

// WriteWait waits for a host descriptor to accept data, then completes a
// write(2) from guest memory.
type WriteWait struct {
	Fd     int
	HostFd int
	Buf    uint32
	Count  uint32
}

func (w *WriteWait) State() State { return StateWrite }

func (w *WriteWait) CanWakeup(c *Context) bool {
	if interrupted(c) {
		log.Debug(log.SyscallMonitoring, "write interrupted by signal", "ctx", c)
		return true
	}
	desc := c.files.Get(w.Fd)
	if desc == nil {
		c.regs.SetEax(errnoRet(EBADF))
		return true
	}
	revents, err := pollHost(desc.HostFd, unix.POLLOUT)
	if err != nil {
		c.regs.SetEax(hostErrno(err))
		return true
	}
	if revents == 0 {
		return false
	}
	c.regs.SetEax(hostWrite(c, desc.HostFd, w.Buf, w.Count))
	return true
}

func (w *WriteWait) Wakeup(c *Context) {}

func (w *WriteWait) HostWait(ctx context.Context, c *Context) {
	waitHost(ctx, w.HostFd, unix.POLLOUT, time.Time{})
}

// PollWait is a poll(2) on a single descriptor with an optional deadline.
type PollWait struct {
	Fd       int
	HostFd   int
	Events   int16
	FdsPtr   uint32
	Deadline time.Time
}

func (w *PollWait) State() State { return StatePoll }

func (w *PollWait) CanWakeup(c *Context) bool {
	if interrupted(c) {
		return true
	}
	revents, err := pollHost(w.HostFd, w.Events)
	if err != nil {
		c.regs.SetEax(hostErrno(err))
		return true
	}
	if revents&(unix.POLLIN|unix.POLLOUT) != 0 {
		writeRevents(c, w.FdsPtr, revents&w.Events)
		c.regs.SetEax(1)
		return true
	}
	if !w.Deadline.IsZero() && !c.emu.Now().Before(w.Deadline) {
		writeRevents(c, w.FdsPtr, 0)
		c.regs.SetEax(0)
		return true
	}
	return false
}

func (w *PollWait) Wakeup(c *Context) {}

func (w *PollWait) HostWait(ctx context.Context, c *Context) {
	waitHost(ctx, w.HostFd, w.Events, w.Deadline)
}

func writeRevents(c *Context, fdsPtr uint32, revents int16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(revents))
	c.WriteMem(fdsPtr+6, b[:])
}

// NanosleepWait sleeps until Deadline. Rmtp receives the remaining time when
// a signal cuts the sleep short.
type NanosleepWait struct {
	Deadline time.Time
	Rmtp     uint32
}

func (w *NanosleepWait) State() State { return StateNanosleep }

func (w *NanosleepWait) CanWakeup(c *Context) bool {
	now := c.emu.Now()
	if !now.Before(w.Deadline) {
		if w.Rmtp != 0 {
			c.WriteMem(w.Rmtp, make([]byte, 8))
		}
		c.regs.SetEax(0)
		return true
	}
	if c.signalMask.PendingUnblocked() != 0 {
		if w.Rmtp != 0 {
			left := w.Deadline.Sub(now)
			var ts [8]byte
			binary.LittleEndian.PutUint32(ts[0:], uint32(left/time.Second))
			binary.LittleEndian.PutUint32(ts[4:], uint32(left%time.Second))
			c.WriteMem(w.Rmtp, ts[:])
		}
		c.CheckSignalHandlerIntr()
		return true
	}
	return false
}

func (w *NanosleepWait) Wakeup(c *Context) {}

func (w *NanosleepWait) HostWait(ctx context.Context, c *Context) {
	sleepUntil(ctx, w.Deadline.Sub(c.emu.Now()))
}

// WaitpidWait waits for a child to become a zombie.
type WaitpidWait struct {
	Pid       int
	StatusPtr uint32
}

func (w *WaitpidWait) State() State { return StateWaitpid }

func (w *WaitpidWait) CanWakeup(c *Context) bool {
	child := c.GetZombie(w.Pid)
	if child == nil {
		return false
	}
	c.regs.SetEax(uint32(child.pid))
	if w.StatusPtr != 0 {
		c.writeU32(w.StatusPtr, child.waitStatus())
	}
	child.SetState(StateFinished)
	return true
}

func (w *WaitpidWait) Wakeup(c *Context) {}

// SigsuspendWait waits for any unblocked signal. The blocked mask in effect
// before the call is restored once the signal is delivered.
type SigsuspendWait struct {
	Backup SignalSet
}

func (w *SigsuspendWait) State() State { return StateSigsuspend }

func (w *SigsuspendWait) CanWakeup(c *Context) bool {
	if c.signalMask.PendingUnblocked() == 0 {
		return false
	}
	c.CheckSignalHandlerIntr()
	c.signalMask.Blocked = w.Backup
	if c.handlerFrame != nil {
		c.handlerFrame.blocked = w.Backup
	}
	return true
}

func (w *SigsuspendWait) Wakeup(c *Context) {}

// FutexWait waits for FutexWake on Addr. A pending signal interrupts it.
type FutexWait struct {
	Addr   uint32
	Bitset uint32
}

func (w *FutexWait) State() State { return StateFutex }

func (w *FutexWait) CanWakeup(c *Context) bool {
	return interrupted(c)
}

func (w *FutexWait) Wakeup(c *Context) {}

// TimedFutexWait is a FutexWait that gives up with -ETIMEDOUT at Deadline.
type TimedFutexWait struct {
	FutexWait
	Deadline time.Time
}

func (w *TimedFutexWait) CanWakeup(c *Context) bool {
	if w.FutexWait.CanWakeup(c) {
		return true
	}
	if !c.emu.Now().Before(w.Deadline) {
		c.regs.SetEax(errnoRet(ETIMEDOUT))
		return true
	}
	return false
}

func (w *TimedFutexWait) HostWait(ctx context.Context, c *Context) {
	sleepUntil(ctx, w.Deadline.Sub(c.emu.Now()))
}
