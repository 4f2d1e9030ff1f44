package emu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jam-duna/x86emu/emuerrors"
	"github.com/jam-duna/x86emu/log"
	"github.com/jam-duna/x86emu/mem"
	"golang.org/x/sys/unix"
)

// Guest errno values.
const (
	EPERM     = 1
	ENOENT    = 2
	ESRCH     = 3
	EINTR     = 4
	EIO       = 5
	ENXIO     = 6
	E2BIG     = 7
	ENOEXEC   = 8
	EBADF     = 9
	ECHILD    = 10
	EAGAIN    = 11
	ENOMEM    = 12
	EACCES    = 13
	EFAULT    = 14
	ENOTBLK   = 15
	EBUSY     = 16
	EEXIST    = 17
	EXDEV     = 18
	ENODEV    = 19
	ENOTDIR   = 20
	EISDIR    = 21
	EINVAL    = 22
	ENFILE    = 23
	EMFILE    = 24
	ENOTTY    = 25
	ETXTBSY   = 26
	EFBIG     = 27
	ENOSPC    = 28
	ESPIPE    = 29
	EROFS     = 30
	EMLINK    = 31
	EPIPE     = 32
	EDOM      = 33
	ERANGE    = 34
	ENOSYS    = 38
	ETIMEDOUT = 110
)

// i386 system call numbers.
const (
	SYS_EXIT            = 1
	SYS_FORK            = 2
	SYS_READ            = 3
	SYS_WRITE           = 4
	SYS_OPEN            = 5
	SYS_CLOSE           = 6
	SYS_WAITPID         = 7
	SYS_GETPID          = 20
	SYS_GETUID          = 24
	SYS_ALARM           = 27
	SYS_KILL            = 37
	SYS_BRK             = 45
	SYS_GETGID          = 47
	SYS_GETEUID         = 49
	SYS_GETEGID         = 50
	SYS_GETPPID         = 64
	SYS_READLINK        = 85
	SYS_SIGRETURN       = 119
	SYS_CLONE           = 120
	SYS_SCHED_YIELD     = 158
	SYS_NANOSLEEP       = 162
	SYS_POLL            = 168
	SYS_RT_SIGRETURN    = 173
	SYS_RT_SIGACTION    = 174
	SYS_RT_SIGPROCMASK  = 175
	SYS_RT_SIGSUSPEND   = 179
	SYS_GETTID          = 224
	SYS_FUTEX           = 240
	SYS_SET_THREAD_AREA = 243
	SYS_EXIT_GROUP      = 252
	SYS_SET_TID_ADDRESS = 258
	SYS_SET_ROBUST_LIST = 311
)

type syscallFn func(c *Context) (int, error)

type syscallEntry struct {
	name string
	fn   syscallFn
}

var syscallTable map[int]syscallEntry

func init() {
	syscallTable = map[int]syscallEntry{
		SYS_EXIT:            {"exit", sysExit},
		SYS_FORK:            {"fork", sysFork},
		SYS_READ:            {"read", sysRead},
		SYS_WRITE:           {"write", sysWrite},
		SYS_OPEN:            {"open", sysOpen},
		SYS_CLOSE:           {"close", sysClose},
		SYS_WAITPID:         {"waitpid", sysWaitpid},
		SYS_GETPID:          {"getpid", sysGetpid},
		SYS_GETUID:          {"getuid", func(c *Context) (int, error) { return unix.Getuid(), nil }},
		SYS_ALARM:           {"alarm", sysAlarm},
		SYS_KILL:            {"kill", sysKill},
		SYS_BRK:             {"brk", sysBrk},
		SYS_GETGID:          {"getgid", func(c *Context) (int, error) { return unix.Getgid(), nil }},
		SYS_GETEUID:         {"geteuid", func(c *Context) (int, error) { return unix.Geteuid(), nil }},
		SYS_GETEGID:         {"getegid", func(c *Context) (int, error) { return unix.Getegid(), nil }},
		SYS_GETPPID:         {"getppid", sysGetppid},
		SYS_READLINK:        {"readlink", sysReadlink},
		SYS_SIGRETURN:       {"sigreturn", sysSigreturn},
		SYS_CLONE:           {"clone", sysClone},
		SYS_SCHED_YIELD:     {"sched_yield", func(c *Context) (int, error) { return 0, nil }},
		SYS_NANOSLEEP:       {"nanosleep", sysNanosleep},
		SYS_POLL:            {"poll", sysPoll},
		SYS_RT_SIGRETURN:    {"rt_sigreturn", sysSigreturn},
		SYS_RT_SIGACTION:    {"rt_sigaction", sysRtSigaction},
		SYS_RT_SIGPROCMASK:  {"rt_sigprocmask", sysRtSigprocmask},
		SYS_RT_SIGSUSPEND:   {"rt_sigsuspend", sysRtSigsuspend},
		SYS_GETTID:          {"gettid", func(c *Context) (int, error) { return c.pid, nil }},
		SYS_FUTEX:           {"futex", sysFutex},
		SYS_SET_THREAD_AREA: {"set_thread_area", sysSetThreadArea},
		SYS_EXIT_GROUP:      {"exit_group", sysExitGroup},
		SYS_SET_TID_ADDRESS: {"set_tid_address", sysSetTidAddress},
		SYS_SET_ROBUST_LIST: {"set_robust_list", sysSetRobustList},
	}
}

// SyscallName returns the name of a system call number.
func SyscallName(code int) string {
	if e, ok := syscallTable[code]; ok {
		return e.name
	}
	return fmt.Sprintf("syscall_%d", code)
}

func errnoRet(errno int) uint32 {
	return uint32(-int32(errno))
}

// hostErrno converts a host error into a negated guest errno.
func hostErrno(err error) uint32 {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errnoRet(int(errno))
	}
	return errnoRet(EIO)
}

func (c *Context) arg(reg int) uint32 {
	return c.regs.Gpr[reg]
}

// Argument registers in i386 syscall order.
const (
	argEbx = 3
	argEcx = 1
	argEdx = 2
	argEsi = 6
	argEdi = 7
	argEbp = 5
)

// ExecuteSyscall runs the system call selected by eax. The result is stored
// in eax unless the call returns from a signal handler or suspended the
// context, in which case the wake condition produces it.
func (c *Context) ExecuteSyscall() error {
	code := int(c.regs.Eax())
	entry, ok := syscallTable[code]
	if !ok {
		return fmt.Errorf("%w: %d", emuerrors.ErrSyscallUnimplemented, code)
	}
	log.Debug(log.SyscallMonitoring, "syscall", "ctx", c, "name", entry.name,
		"ebx", fmt.Sprintf("0x%x", c.arg(argEbx)),
		"ecx", fmt.Sprintf("0x%x", c.arg(argEcx)),
		"edx", fmt.Sprintf("0x%x", c.arg(argEdx)))

	ret, err := entry.fn(c)
	if err != nil {
		return fmt.Errorf("syscall %s: %w", entry.name, err)
	}
	if code == SYS_SIGRETURN || code == SYS_RT_SIGRETURN || c.state&StateSuspended != 0 {
		return nil
	}
	c.regs.SetEax(uint32(ret))
	log.Debug(log.SyscallMonitoring, "syscall return", "ctx", c, "name", entry.name, "ret", ret)
	return nil
}

func sysExit(c *Context) (int, error) {
	c.Finish(int(int32(c.arg(argEbx))))
	return 0, nil
}

func sysExitGroup(c *Context) (int, error) {
	c.FinishGroup(int(int32(c.arg(argEbx))))
	return 0, nil
}

func sysFork(c *Context) (int, error) {
	child := c.emu.NewContext()
	child.Fork(c)
	child.exitSignal = SIGCHLD
	child.regs.SetEax(0)
	return child.pid, nil
}

// maxRWCount caps a single read or write transfer, as Linux does.
const maxRWCount = 0x7ffff000

// rwLen bounds count by maxRWCount and by the end of the 32-bit address
// space above buf.
func rwLen(buf, count uint32) uint32 {
	if count > maxRWCount {
		count = maxRWCount
	}
	if room := uint64(mem.AddressSpace) - uint64(buf); uint64(count) > room {
		count = uint32(room)
	}
	return count
}

func hostRead(c *Context, fd int, buf uint32, count uint32) uint32 {
	data := make([]byte, rwLen(buf, count))
	n, err := unix.Read(fd, data)
	if err != nil {
		return hostErrno(err)
	}
	if err := c.WriteMem(buf, data[:n]); err != nil {
		return errnoRet(EFAULT)
	}
	return uint32(n)
}

func hostWrite(c *Context, fd int, buf uint32, count uint32) uint32 {
	data := make([]byte, rwLen(buf, count))
	if err := c.ReadMem(buf, data); err != nil {
		return errnoRet(EFAULT)
	}
	n, err := unix.Write(fd, data)
	if err != nil {
		return hostErrno(err)
	}
	return uint32(n)
}

func sysRead(c *Context) (int, error) {
	fd, buf, count := int(int32(c.arg(argEbx))), c.arg(argEcx), c.arg(argEdx)
	desc := c.files.Get(fd)
	if desc == nil {
		return -EBADF, nil
	}
	revents, err := pollHost(desc.HostFd, unix.POLLIN)
	if err != nil {
		return int(int32(hostErrno(err))), nil
	}
	if revents != 0 {
		return int(int32(hostRead(c, desc.HostFd, buf, count))), nil
	}
	log.Debug(log.SyscallMonitoring, "read blocks", "ctx", c, "fd", fd)
	c.SuspendOn(&ReadWait{Fd: fd, HostFd: desc.HostFd, Buf: buf, Count: count})
	return 0, nil
}

func sysWrite(c *Context) (int, error) {
	fd, buf, count := int(int32(c.arg(argEbx))), c.arg(argEcx), c.arg(argEdx)
	desc := c.files.Get(fd)
	if desc == nil {
		return -EBADF, nil
	}
	revents, err := pollHost(desc.HostFd, unix.POLLOUT)
	if err != nil {
		return int(int32(hostErrno(err))), nil
	}
	if revents != 0 {
		return int(int32(hostWrite(c, desc.HostFd, buf, count))), nil
	}
	log.Debug(log.SyscallMonitoring, "write blocks", "ctx", c, "fd", fd)
	c.SuspendOn(&WriteWait{Fd: fd, HostFd: desc.HostFd, Buf: buf, Count: count})
	return 0, nil
}

const maxPath = 4096

func (c *Context) fullPath(path string) string {
	if filepath.IsAbs(path) || c.loader == nil || c.loader.Cwd == "" {
		return path
	}
	return filepath.Join(c.loader.Cwd, path)
}

func sysOpen(c *Context) (int, error) {
	path, err := c.mem.ReadString(c.arg(argEbx), maxPath)
	if err != nil {
		return -EFAULT, nil
	}
	flags, mode := int(c.arg(argEcx)), uint32(c.arg(argEdx))

	if content, ok := c.virtualFile(path); ok {
		desc, err := c.openVirtual(path, content)
		if err != nil {
			log.Warn(log.SyscallMonitoring, "open virtual file", "path", path, "err", err)
			return -EIO, nil
		}
		return desc.Guest, nil
	}

	full := c.fullPath(path)
	hostFd, err := unix.Open(full, flags|unix.O_CLOEXEC, mode)
	if err != nil {
		log.Debug(log.SyscallMonitoring, "open failed", "path", full, "err", err)
		return int(int32(hostErrno(err))), nil
	}
	desc := c.files.Add(os.NewFile(uintptr(hostFd), full), FileRegular, full, flags)
	return desc.Guest, nil
}

func sysClose(c *Context) (int, error) {
	if err := c.files.Remove(int(int32(c.arg(argEbx)))); err != nil {
		return -EBADF, nil
	}
	return 0, nil
}

func sysWaitpid(c *Context) (int, error) {
	pid, statusPtr, options := int(int32(c.arg(argEbx))), c.arg(argEcx), c.arg(argEdx)
	if pid != -1 && pid <= 0 {
		return 0, fmt.Errorf("%w: waitpid pid=%d", emuerrors.ErrSyscallBadArgument, pid)
	}
	if child := c.GetZombie(pid); child != nil {
		if statusPtr != 0 {
			if err := c.writeU32(statusPtr, child.waitStatus()); err != nil {
				return -EFAULT, nil
			}
		}
		child.SetState(StateFinished)
		return child.pid, nil
	}
	if !c.hasChild(pid) {
		return -ECHILD, nil
	}
	if options&0x1 != 0 {
		return 0, nil
	}
	c.SuspendOn(&WaitpidWait{Pid: pid, StatusPtr: statusPtr})
	return 0, nil
}

func (c *Context) hasChild(pid int) bool {
	for _, o := range c.emu.order {
		if o.parentPid == c.pid && (pid == -1 || o.pid == pid) && o.state&StateFinished == 0 {
			return true
		}
	}
	return false
}

func sysGetpid(c *Context) (int, error) {
	if c.groupParentPid != 0 {
		return c.groupParentPid, nil
	}
	return c.pid, nil
}

func sysGetppid(c *Context) (int, error) {
	if c.parentPid == 0 {
		return 1, nil
	}
	return c.parentPid, nil
}

func sysKill(c *Context) (int, error) {
	return c.Kill(int(int32(c.arg(argEbx))), int(c.arg(argEcx))), nil
}

func sysAlarm(c *Context) (int, error) {
	secs := c.arg(argEbx)
	now := c.emu.nowMicro()
	left := 0
	if c.itimerReal > now {
		left = int((c.itimerReal - now + 999999) / 1000000)
	}
	c.HostThreadTimerCancel()
	c.itimerReal = 0
	if secs != 0 {
		c.itimerReal = now + uint64(secs)*1000000
		c.emu.ProcessEventsSchedule()
	}
	return left, nil
}

func sysBrk(c *Context) (int, error) {
	newBrk := c.arg(argEbx)
	m := c.mem
	old := m.HeapBreak
	if newBrk == 0 || c.loader == nil || newBrk < c.loader.BrkStart {
		return int(old), nil
	}
	oldTop := (old + pageSize - 1) &^ (pageSize - 1)
	newTop := (newBrk + pageSize - 1) &^ (pageSize - 1)
	switch {
	case newTop > oldTop:
		if addr, ok := m.MapSpace(oldTop, newTop-oldTop); !ok || addr != oldTop {
			return int(old), nil
		}
		m.Map(oldTop, newTop-oldTop, permRW)
	case newTop < oldTop:
		m.Unmap(newTop, oldTop-newTop)
	}
	m.HeapBreak = newBrk
	return int(newBrk), nil
}

func sysReadlink(c *Context) (int, error) {
	path, err := c.mem.ReadString(c.arg(argEbx), maxPath)
	if err != nil {
		return -EFAULT, nil
	}
	buf, size := c.arg(argEcx), int(int32(c.arg(argEdx)))
	if size <= 0 {
		return -EINVAL, nil
	}
	var dest string
	if path == "/proc/self/exe" && c.loader != nil {
		dest = c.loader.Exe
	} else {
		dest, err = os.Readlink(c.fullPath(path))
		if err != nil {
			log.Debug(log.SyscallMonitoring, "readlink failed", "path", path, "err", err)
			return int(int32(hostErrno(err))), nil
		}
	}
	if len(dest) > size {
		dest = dest[:size]
	}
	if err := c.WriteMem(buf, []byte(dest)); err != nil {
		return -EFAULT, nil
	}
	return len(dest), nil
}

func sysSigreturn(c *Context) (int, error) {
	if c.state&StateHandler == 0 {
		return 0, fmt.Errorf("%w: sigreturn outside a signal handler", emuerrors.ErrSyscallBadArgument)
	}
	c.ReturnFromSignalHandler()
	return 0, nil
}

// clone flags.
const (
	CLONE_VM             = 0x00000100
	CLONE_FS             = 0x00000200
	CLONE_FILES          = 0x00000400
	CLONE_SIGHAND        = 0x00000800
	CLONE_THREAD         = 0x00010000
	CLONE_SYSVSEM        = 0x00040000
	CLONE_SETTLS         = 0x00080000
	CLONE_PARENT_SETTID  = 0x00100000
	CLONE_CHILD_CLEARTID = 0x00200000
	CLONE_CHILD_SETTID   = 0x01000000

	cloneSupported = CLONE_VM | CLONE_FS | CLONE_FILES | CLONE_SIGHAND | CLONE_THREAD |
		CLONE_SYSVSEM | CLONE_SETTLS | CLONE_PARENT_SETTID | CLONE_CHILD_CLEARTID | CLONE_CHILD_SETTID
	cloneShared = CLONE_FS | CLONE_FILES | CLONE_SIGHAND
)

func sysClone(c *Context) (int, error) {
	flags := c.arg(argEbx)
	newEsp := c.arg(argEcx)
	parentTidPtr := c.arg(argEdx)
	childTidPtr := c.arg(argEdi)

	exitSignal := int(flags & 0xff)
	flags &^= 0xff
	if newEsp == 0 {
		newEsp = c.regs.Esp()
	}
	if flags&^cloneSupported != 0 {
		return 0, fmt.Errorf("%w: clone flags 0x%x", emuerrors.ErrSyscallBadArgument, flags&^cloneSupported)
	}

	if flags&CLONE_VM != 0 {
		if flags&cloneShared != cloneShared {
			return 0, fmt.Errorf("%w: CLONE_VM without CLONE_FS|CLONE_FILES|CLONE_SIGHAND", emuerrors.ErrSyscallBadArgument)
		}
	} else if flags&cloneShared != 0 {
		return 0, fmt.Errorf("%w: shared tables without CLONE_VM", emuerrors.ErrSyscallBadArgument)
	}

	child := c.emu.NewContext()
	if flags&CLONE_VM != 0 {
		child.Clone(c)
	} else {
		child.Fork(c)
	}

	if flags&CLONE_THREAD != 0 {
		child.exitSignal = 0
		child.groupParentPid = c.pid
		if c.groupParentPid != 0 {
			child.groupParentPid = c.groupParentPid
		}
	} else {
		child.exitSignal = exitSignal
	}

	if flags&CLONE_PARENT_SETTID != 0 {
		if err := c.writeU32(parentTidPtr, uint32(child.pid)); err != nil {
			return 0, err
		}
	}
	if flags&CLONE_CHILD_SETTID != 0 {
		if err := child.writeU32(childTidPtr, uint32(child.pid)); err != nil {
			return 0, err
		}
	}
	if flags&CLONE_CHILD_CLEARTID != 0 {
		child.clearChildTid = childTidPtr
	}
	if flags&CLONE_SETTLS != 0 {
		base, limit, err := c.readUserDesc(c.arg(argEsi))
		if err != nil {
			return 0, err
		}
		child.glibcSegmentBase = base
		child.glibcSegmentLimit = limit
	}

	child.regs.SetEsp(newEsp)
	child.regs.SetEax(0)
	log.Debug(log.SyscallMonitoring, "clone", "ctx", c, "child", child, "flags", fmt.Sprintf("0x%x", flags))
	return child.pid, nil
}

// readUserDesc reads a struct user_desc and reports the segment it
// describes, assigning entry 6 when the guest asks for a free one.
func (c *Context) readUserDesc(ptr uint32) (base, limit uint32, err error) {
	var b [16]byte
	if err := c.ReadMem(ptr, b[:]); err != nil {
		return 0, 0, err
	}
	entry := binary.LittleEndian.Uint32(b[0:])
	base = binary.LittleEndian.Uint32(b[4:])
	limit = binary.LittleEndian.Uint32(b[8:])
	bitfield := binary.LittleEndian.Uint32(b[12:])
	if bitfield&0x1 == 0 {
		return 0, 0, fmt.Errorf("%w: only 32-bit segments supported", emuerrors.ErrSyscallBadArgument)
	}
	if bitfield&0x10 != 0 {
		limit <<= 12
	}
	if entry == 0xffffffff {
		if err := c.writeU32(ptr, 6); err != nil {
			return 0, 0, err
		}
	}
	return base, limit, nil
}

func sysSetThreadArea(c *Context) (int, error) {
	base, limit, err := c.readUserDesc(c.arg(argEbx))
	if err != nil {
		return -EFAULT, nil
	}
	c.glibcSegmentBase = base
	c.glibcSegmentLimit = limit
	return 0, nil
}

func (c *Context) readTimespec(ptr uint32) (time.Duration, error) {
	var b [8]byte
	if err := c.ReadMem(ptr, b[:]); err != nil {
		return 0, err
	}
	sec := int32(binary.LittleEndian.Uint32(b[0:]))
	nsec := int32(binary.LittleEndian.Uint32(b[4:]))
	return time.Duration(sec)*time.Second + time.Duration(nsec), nil
}

func sysNanosleep(c *Context) (int, error) {
	d, err := c.readTimespec(c.arg(argEbx))
	if err != nil {
		return -EFAULT, nil
	}
	if d < 0 {
		return -EINVAL, nil
	}
	c.SuspendOn(&NanosleepWait{Deadline: c.emu.Now().Add(d), Rmtp: c.arg(argEcx)})
	return 0, nil
}

func sysPoll(c *Context) (int, error) {
	fdsPtr, nfds, timeout := c.arg(argEbx), c.arg(argEcx), int(int32(c.arg(argEdx)))
	if nfds != 1 {
		return 0, fmt.Errorf("%w: poll with %d descriptors", emuerrors.ErrSyscallBadArgument, nfds)
	}
	var b [8]byte
	if err := c.ReadMem(fdsPtr, b[:]); err != nil {
		return -EFAULT, nil
	}
	fd := int(int32(binary.LittleEndian.Uint32(b[0:])))
	events := int16(binary.LittleEndian.Uint16(b[4:]))

	desc := c.files.Get(fd)
	if desc == nil {
		writeRevents(c, fdsPtr, unix.POLLNVAL)
		return 1, nil
	}
	revents, err := pollHost(desc.HostFd, events)
	if err != nil {
		return int(int32(hostErrno(err))), nil
	}
	if revents&(unix.POLLIN|unix.POLLOUT) != 0 {
		writeRevents(c, fdsPtr, revents&events)
		return 1, nil
	}
	if timeout == 0 {
		writeRevents(c, fdsPtr, 0)
		return 0, nil
	}
	w := &PollWait{Fd: fd, HostFd: desc.HostFd, Events: events, FdsPtr: fdsPtr}
	if timeout > 0 {
		w.Deadline = c.emu.Now().Add(time.Duration(timeout) * time.Millisecond)
	}
	c.SuspendOn(w)
	return 0, nil
}

func sysRtSigaction(c *Context) (int, error) {
	sig, actPtr, oactPtr := int(c.arg(argEbx)), c.arg(argEcx), c.arg(argEdx)
	if sig < 1 || sig > MaxSignal || sig == SIGKILL || sig == SIGSTOP {
		return -EINVAL, nil
	}
	old := c.signalHandlers.Get(sig)
	if actPtr != 0 {
		var b [sigActionSize]byte
		if err := c.ReadMem(actPtr, b[:]); err != nil {
			return -EFAULT, nil
		}
		var act SigAction
		act.decode(b[:])
		c.signalHandlers.Set(sig, act)
	}
	if oactPtr != 0 {
		if err := c.WriteMem(oactPtr, old.encode()); err != nil {
			return -EFAULT, nil
		}
	}
	return 0, nil
}

const (
	SIG_BLOCK   = 0
	SIG_UNBLOCK = 1
	SIG_SETMASK = 2
)

func sysRtSigprocmask(c *Context) (int, error) {
	how, setPtr, osetPtr := c.arg(argEbx), c.arg(argEcx), c.arg(argEdx)
	old := c.signalMask.Blocked
	if setPtr != 0 {
		var b [8]byte
		if err := c.ReadMem(setPtr, b[:]); err != nil {
			return -EFAULT, nil
		}
		set := SignalSet(binary.LittleEndian.Uint64(b[:]))
		set.Del(SIGKILL)
		set.Del(SIGSTOP)
		switch how {
		case SIG_BLOCK:
			c.signalMask.Blocked |= set
		case SIG_UNBLOCK:
			c.signalMask.Blocked &^= set
		case SIG_SETMASK:
			c.signalMask.Blocked = set
		default:
			return -EINVAL, nil
		}
	}
	if osetPtr != 0 {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(old))
		if err := c.WriteMem(osetPtr, b[:]); err != nil {
			return -EFAULT, nil
		}
	}
	// Unblocking may expose a pending signal.
	c.emu.ProcessEventsSchedule()
	return 0, nil
}

func sysRtSigsuspend(c *Context) (int, error) {
	var b [8]byte
	if err := c.ReadMem(c.arg(argEbx), b[:]); err != nil {
		return -EFAULT, nil
	}
	backup := c.signalMask.Blocked
	c.signalMask.Backup = backup
	c.signalMask.Blocked = SignalSet(binary.LittleEndian.Uint64(b[:]))
	c.SuspendOn(&SigsuspendWait{Backup: backup})
	return 0, nil
}

func sysSetTidAddress(c *Context) (int, error) {
	c.clearChildTid = c.arg(argEbx)
	return c.pid, nil
}

func sysSetRobustList(c *Context) (int, error) {
	if c.arg(argEcx) != 12 {
		return -EINVAL, nil
	}
	c.robustListHead = c.arg(argEbx)
	return 0, nil
}

// futex operations.
const (
	FUTEX_WAIT          = 0
	FUTEX_WAKE          = 1
	FUTEX_REQUEUE       = 3
	FUTEX_CMP_REQUEUE   = 4
	FUTEX_WAIT_BITSET   = 9
	FUTEX_WAKE_BITSET   = 10
	futexCmdMask        = 0x7f
	futexBitsetMatchAny = 0xffffffff
)

func sysFutex(c *Context) (int, error) {
	addr, op, val := c.arg(argEbx), c.arg(argEcx), c.arg(argEdx)
	timeoutPtr, addr2, val3 := c.arg(argEsi), c.arg(argEdi), c.arg(argEbp)

	switch cmd := op & futexCmdMask; cmd {
	case FUTEX_WAIT, FUTEX_WAIT_BITSET:
		bitset := uint32(futexBitsetMatchAny)
		if cmd == FUTEX_WAIT_BITSET {
			bitset = val3
		}
		if bitset == 0 {
			return -EINVAL, nil
		}
		cur, err := c.readU32(addr)
		if err != nil {
			return -EFAULT, nil
		}
		if cur != val {
			return -EAGAIN, nil
		}
		c.wakeupFutex = addr
		c.wakeupFutexBitset = bitset
		c.wakeupFutexSleep = c.emu.nextFutexSleep()
		wait := FutexWait{Addr: addr, Bitset: bitset}
		if timeoutPtr == 0 {
			c.SuspendOn(&wait)
			return 0, nil
		}
		d, err := c.readTimespec(timeoutPtr)
		if err != nil {
			return -EFAULT, nil
		}
		if cmd == FUTEX_WAIT_BITSET {
			d = absoluteToRelative(d)
		}
		c.SuspendOn(&TimedFutexWait{FutexWait: wait, Deadline: c.emu.Now().Add(d)})
		return 0, nil

	case FUTEX_WAKE:
		return c.FutexWake(addr, val, futexBitsetMatchAny), nil

	case FUTEX_WAKE_BITSET:
		if val3 == 0 {
			return -EINVAL, nil
		}
		return c.FutexWake(addr, val, val3), nil

	case FUTEX_REQUEUE, FUTEX_CMP_REQUEUE:
		if cmd == FUTEX_CMP_REQUEUE {
			cur, err := c.readU32(addr)
			if err != nil {
				return -EFAULT, nil
			}
			if cur != val3 {
				return -EAGAIN, nil
			}
		}
		woken := c.FutexWake(addr, val, futexBitsetMatchAny)
		requeued := 0
		for _, s := range c.emu.lists[listSuspended] {
			if uint32(requeued) >= timeoutPtr {
				break
			}
			if s.state&StateFutex != 0 && s.wakeupFutex == addr {
				s.wakeupFutex = addr2
				requeued++
			}
		}
		return woken + requeued, nil

	default:
		return 0, fmt.Errorf("%w: futex op %d", emuerrors.ErrSyscallUnimplemented, cmd)
	}
}

// absoluteToRelative converts a CLOCK_MONOTONIC deadline into a duration
// from now.
func absoluteToRelative(abs time.Duration) time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return abs
	}
	d := abs - time.Duration(ts.Nano())
	if d < 0 {
		return 0
	}
	return d
}
