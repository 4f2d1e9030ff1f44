package emu

import (
	"github.com/jam-duna/x86emu/log"
	"golang.org/x/exp/slices"
)

// Finish terminates c with the given exit status. Its children are
// orphaned, its parent is signalled and a process with a parent stays a
// zombie until reaped.
func (c *Context) Finish(code int) {
	if c.state&(StateFinished|StateZombie) != 0 {
		return
	}
	log.Debug(log.ContextMonitoring, "Finish", "ctx", c, "code", code)

	c.HostThreadSuspendCancel()
	c.HostThreadTimerCancel()

	for _, child := range c.emu.order {
		if child.parentPid != c.pid {
			continue
		}
		child.parentPid = 0
		if child.state&StateZombie != 0 {
			child.SetState(StateFinished)
		}
	}

	parent := c.Parent()
	if c.exitSignal != 0 && parent != nil {
		parent.signalMask.Pending.Add(c.exitSignal)
		c.emu.ProcessEventsSchedule()
	}

	if c.clearChildTid != 0 {
		c.writeU32(c.clearChildTid, 0)
		c.FutexWake(c.clearChildTid, 1, 0xffffffff)
	}

	c.ExitRobustList()

	if c.state&StateHandler != 0 {
		c.ReturnFromSignalHandler()
	}

	c.wait = nil
	// Threads are never waited for.
	if parent != nil && c.groupParentPid == 0 {
		c.UpdateState(c.state | StateZombie)
	} else {
		c.UpdateState(c.state | StateFinished)
	}
	c.exitCode = code
	c.emu.eventFinish(c)
	c.emu.ProcessEventsSchedule()
}

// FinishGroup terminates every thread sharing c's thread group. The group
// leader becomes a zombie if it has a parent; the other threads are
// finished right away.
func (c *Context) FinishGroup(code int) {
	if gp := c.groupParent(); gp != nil {
		gp.FinishGroup(code)
		return
	}
	if c.state&(StateFinished|StateZombie) != 0 {
		return
	}
	log.Debug(log.ContextMonitoring, "FinishGroup", "ctx", c, "code", code)

	for _, member := range slices.Clone(c.emu.order) {
		if member != c && member.groupParentPid != c.pid {
			continue
		}
		if member.state&StateZombie != 0 {
			member.SetState(StateFinished)
		}
		if member.state&StateHandler != 0 {
			member.ReturnFromSignalHandler()
		}
		member.HostThreadSuspendCancel()
		member.HostThreadTimerCancel()
		member.wait = nil

		if member == c {
			if c.Parent() != nil {
				c.UpdateState(c.state | StateZombie)
			} else {
				c.UpdateState(c.state | StateFinished)
			}
		} else {
			member.UpdateState(member.state | StateFinished)
		}
		member.exitCode = code
		c.emu.eventFinish(member)
	}
	c.emu.ProcessEventsSchedule()
}

// waitStatus encodes the exit status the way waitpid reports it.
func (c *Context) waitStatus() uint32 {
	if c.termSignal != 0 {
		return uint32(c.termSignal & 0x7f)
	}
	return uint32(c.exitCode&0xff) << 8
}

// GetZombie returns a zombie child of c with the given pid, or any zombie
// child for pid -1.
func (c *Context) GetZombie(pid int) *Context {
	for _, z := range c.emu.lists[listZombie] {
		if z.parentPid != c.pid {
			continue
		}
		if pid == -1 || z.pid == pid {
			return z
		}
	}
	return nil
}

// FutexWake wakes up to count contexts waiting on futex whose bitset
// intersects bitset, longest sleeper first. It returns the number woken.
func (c *Context) FutexWake(futex uint32, count uint32, bitset uint32) int {
	woken := 0
	for ; count > 0; count-- {
		var next *Context
		for _, s := range c.emu.lists[listSuspended] {
			if s.state&StateFutex == 0 || s.wakeupFutex != futex {
				continue
			}
			if s.wakeupFutexBitset&bitset == 0 {
				continue
			}
			if next == nil || s.wakeupFutexSleep < next.wakeupFutexSleep {
				next = s
			}
		}
		if next == nil {
			break
		}
		next.HostThreadSuspendCancel()
		next.regs.SetEax(0)
		next.Wakeup()
		next.wakeupFutex = 0
		log.Debug(log.SyscallMonitoring, "futex woken", "futex", futex, "ctx", next)
		woken++
	}
	return woken
}

// ExitRobustList walks the robust futex list registered with
// set_robust_list. The list is only traversed; lock owners are not
// notified.
func (c *Context) ExitRobustList() {
	head := c.robustListHead
	if head == 0 {
		return
	}
	entry := head
	for i := 0; i < 1<<16; i++ {
		next, err := c.mem.Read32(entry)
		if err != nil {
			return
		}
		offset, err := c.mem.Read32(entry + 4)
		if err != nil {
			return
		}
		lockWord, _ := c.mem.Read32(entry + offset)
		log.Trace(log.SyscallMonitoring, "robust list", "entry", entry, "offset", offset, "lock_word", lockWord)
		if next == 0 || next == head {
			return
		}
		entry = next
	}
}

func (c *Context) writeU32(addr uint32, v uint32) error {
	var b [4]byte
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return c.WriteMem(addr, b[:])
}

func (c *Context) readU32(addr uint32) (uint32, error) {
	var b [4]byte
	if err := c.ReadMem(addr, b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}
