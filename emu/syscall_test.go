package emu

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/jam-duna/x86emu/emuerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exit(ebx) after the syscall at codeBase: mov ebx, eax; mov eax, 1; int 0x80
var exitWithEax = []byte{0x89, 0xc3, 0xb8, 0x01, 0x00, 0x00, 0x00, 0xcd, 0x80}

func TestRunExitProgram(t *testing.T) {
	e := newTestEmulator(t)
	// mov eax, 1; mov ebx, 42; int 0x80
	loadCode(t, e, 0xb8, 0x01, 0x00, 0x00, 0x00, 0xbb, 0x2a, 0x00, 0x00, 0x00, 0xcd, 0x80)

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, 42, e.ExitCode())
	assert.Equal(t, uint64(3), e.Instructions())
	assert.Empty(t, e.Contexts())
}

func TestRunWriteToStdout(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	e := newTestEmulator(t)
	e.SetStdio(nil, w)
	c := loadCode(t, e, append(append([]byte{}, int80...), exitWithEax...)...)
	putString(t, c, scratchAddr, "hi\n")
	setSyscall(c, SYS_WRITE, 1, scratchAddr, 3)

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, 3, e.ExitCode())

	out := make([]byte, 3)
	_, err = io.ReadFull(r, out)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(out))
}

func TestRunNanosleepProgram(t *testing.T) {
	e := newTestEmulator(t)
	// nanosleep; mov eax, 1; mov ebx, 9; int 0x80
	c := loadCode(t, e, 0xcd, 0x80, 0xb8, 0x01, 0x00, 0x00, 0x00, 0xbb, 0x09, 0x00, 0x00, 0x00, 0xcd, 0x80)
	putU32(t, c, scratchAddr, 0)
	putU32(t, c, scratchAddr+4, 10_000_000)
	setSyscall(c, SYS_NANOSLEEP, scratchAddr, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, e.Run(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, 9, e.ExitCode())
}

func TestRunDetectsDeadlock(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, int80...)
	putU32(t, c, scratchAddr, 0)
	setSyscall(c, SYS_FUTEX, scratchAddr, FUTEX_WAIT, 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, emuerrors.ErrGeneralEmulation))
}

func TestRunStopsAtInstructionLimit(t *testing.T) {
	e := NewEmulator(Config{MaxInstructions: 5})
	// jmp $
	loadCode(t, e, 0xeb, 0xfe)
	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, uint64(5), e.Instructions())
	assert.Len(t, e.Running(), 1)
}

func TestRunHonorsCancellation(t *testing.T) {
	e := newTestEmulator(t)
	loadCode(t, e, 0xeb, 0xfe)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.Run(ctx), context.Canceled)
}

func TestUnknownSyscall(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, int80...)
	setSyscall(c, 9999)
	err := c.Step()
	assert.True(t, errors.Is(err, emuerrors.ErrSyscallUnimplemented))
	assert.Equal(t, "syscall_9999", SyscallName(9999))
	assert.Equal(t, "futex", SyscallName(SYS_FUTEX))
}

func TestGetpidInThreadGroup(t *testing.T) {
	e := newTestEmulator(t)
	leader := loadCode(t, e, int80...)
	th := cloneThread(t, e, leader)

	setSyscall(th, SYS_GETPID)
	require.NoError(t, th.Step())
	assert.Equal(t, uint32(leader.Pid()), th.regs.Eax())

	setSyscall(th, SYS_GETTID)
	require.NoError(t, th.Step())
	assert.Equal(t, uint32(th.Pid()), th.regs.Eax())

	setSyscall(th, SYS_GETPPID)
	require.NoError(t, th.Step())
	assert.Equal(t, uint32(leader.Pid()), th.regs.Eax())
}

func TestBrkGrowsHeap(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, int80...)

	setSyscall(c, SYS_BRK, 0)
	require.NoError(t, c.Step())
	start := c.regs.Eax()
	assert.Equal(t, c.Loader().BrkStart, start)

	setSyscall(c, SYS_BRK, start+0x2000)
	require.NoError(t, c.Step())
	assert.Equal(t, start+0x2000, c.regs.Eax())
	require.NoError(t, c.WriteMem(start+0x1ffc, []byte{1, 2, 3, 4}))

	setSyscall(c, SYS_BRK, start+0x1000)
	require.NoError(t, c.Step())
	assert.Equal(t, start+0x1000, c.regs.Eax())
	assert.Error(t, c.WriteMem(start+0x1ffc, []byte{1}))
}

func TestReadlinkProcSelfExe(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, int80...)
	putString(t, c, scratchAddr, "/proc/self/exe")

	setSyscall(c, SYS_READLINK, scratchAddr, scratchAddr+0x100, 64)
	require.NoError(t, c.Step())
	require.Equal(t, uint32(4), c.regs.Eax())
	buf := make([]byte, 4)
	require.NoError(t, c.ReadMem(scratchAddr+0x100, buf))
	assert.Equal(t, "flat", string(buf))

	putString(t, c, scratchAddr, "/nonexistent/x86emu-link")
	setSyscall(c, SYS_READLINK, scratchAddr, scratchAddr+0x100, 64)
	require.NoError(t, c.Step())
	assert.Equal(t, errnoRet(ENOENT), c.regs.Eax())
}

func TestOpenProcSelfMaps(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, int80...)
	putString(t, c, scratchAddr, "/proc/self/maps")

	setSyscall(c, SYS_OPEN, scratchAddr, 0, 0)
	require.NoError(t, c.Step())
	fd := int(c.regs.Eax())
	require.Equal(t, 3, fd)

	desc := c.Files().Get(fd)
	require.NotNil(t, desc)
	assert.Equal(t, FileVirtual, desc.Kind)
	data, err := io.ReadAll(desc.file)
	require.NoError(t, err)
	assert.Equal(t, c.ProcSelfMaps(), string(data))

	tmp := desc.tempPath
	setSyscall(c, SYS_CLOSE, uint32(fd))
	require.NoError(t, c.Step())
	assert.Zero(t, c.regs.Eax())
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))

	setSyscall(c, SYS_CLOSE, uint32(fd))
	require.NoError(t, c.Step())
	assert.Equal(t, errnoRet(EBADF), c.regs.Eax())
}

func TestOpenMissingFile(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, int80...)
	putString(t, c, scratchAddr, "/nonexistent/x86emu-file")
	setSyscall(c, SYS_OPEN, scratchAddr, 0, 0)
	require.NoError(t, c.Step())
	assert.Equal(t, errnoRet(ENOENT), c.regs.Eax())
}

func TestCloneSharesMemoryForkCopies(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, int80...)

	setSyscall(c, SYS_CLONE, CLONE_VM|CLONE_FS|CLONE_FILES|CLONE_SIGHAND|CLONE_THREAD, 0)
	require.NoError(t, c.Step())
	thread := e.GetContext(int(c.regs.Eax()))
	require.NotNil(t, thread)
	assert.Zero(t, thread.regs.Eax())
	assert.Same(t, c.Memory(), thread.Memory())
	assert.Same(t, c.Files(), thread.Files())
	assert.Equal(t, c.Pid(), thread.groupParentPid)
	putU32(t, thread, scratchAddr, 0xabcd)
	assert.Equal(t, uint32(0xabcd), getU32(t, c, scratchAddr))

	setSyscall(c, SYS_FORK)
	require.NoError(t, c.Step())
	child := e.GetContext(int(c.regs.Eax()))
	require.NotNil(t, child)
	assert.NotSame(t, c.Memory(), child.Memory())
	assert.Equal(t, SIGCHLD, child.exitSignal)
	assert.Equal(t, uint32(0xabcd), getU32(t, child, scratchAddr))
	putU32(t, child, scratchAddr, 1)
	assert.Equal(t, uint32(0xabcd), getU32(t, c, scratchAddr))
}

func TestCloneSettidAndTls(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, int80...)
	desc := scratchAddr + 0x80
	// struct user_desc: entry 6, base, limit, seg_32bit|limit_in_pages|useable
	putU32(t, c, desc, 6)
	putU32(t, c, desc+4, 0x12345000)
	putU32(t, c, desc+8, 0xfffff)
	putU32(t, c, desc+12, 0x51)

	flags := uint32(CLONE_VM | CLONE_FS | CLONE_FILES | CLONE_SIGHAND | CLONE_THREAD |
		CLONE_SETTLS | CLONE_PARENT_SETTID | CLONE_CHILD_CLEARTID)
	setSyscall(c, SYS_CLONE, flags, StackTop-0x4000, scratchAddr, desc, scratchAddr+4)
	require.NoError(t, c.Step())
	child := e.GetContext(int(c.regs.Eax()))
	require.NotNil(t, child)
	assert.Equal(t, uint32(child.Pid()), getU32(t, c, scratchAddr))
	assert.Equal(t, scratchAddr+4, child.clearChildTid)
	assert.Equal(t, uint32(0x12345000), child.glibcSegmentBase)
	assert.Equal(t, StackTop-0x4000, child.regs.Esp())
}

func TestClonePartialSharingRejected(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, int80...)
	setSyscall(c, SYS_CLONE, CLONE_VM, 0)
	err := c.Step()
	assert.True(t, errors.Is(err, emuerrors.ErrSyscallBadArgument))
}

func TestPollReportsReadiness(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	e := newTestEmulator(t)
	e.SetStdio(r, nil)
	c := loadCode(t, e, int80...)
	// struct pollfd {fd 0, events POLLIN}
	putU32(t, c, scratchAddr, 0)
	putU32(t, c, scratchAddr+4, 0x1)

	setSyscall(c, SYS_POLL, scratchAddr, 1, 0)
	require.NoError(t, c.Step())
	assert.Zero(t, c.regs.Eax())

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	setSyscall(c, SYS_POLL, scratchAddr, 1, 0xffffffff)
	require.NoError(t, c.Step())
	assert.Equal(t, uint32(1), c.regs.Eax())
	revents := make([]byte, 2)
	require.NoError(t, c.ReadMem(scratchAddr+6, revents))
	assert.Equal(t, byte(0x1), revents[0]&0x1)
}

func TestAlarmReturnsRemainingSeconds(t *testing.T) {
	now := time.Unix(5000, 0)
	e := newTestEmulator(t)
	e.Now = func() time.Time { return now }
	c := loadCode(t, e, int80...)

	setSyscall(c, SYS_ALARM, 10)
	require.NoError(t, c.Step())
	assert.Zero(t, c.regs.Eax())

	now = now.Add(3 * time.Second)
	setSyscall(c, SYS_ALARM, 0)
	require.NoError(t, c.Step())
	assert.Equal(t, uint32(7), c.regs.Eax())
	assert.Zero(t, c.itimerReal)
}

func TestReadWriteLengthIsBounded(t *testing.T) {
	assert.Equal(t, uint32(16), rwLen(scratchAddr, 16))
	assert.Equal(t, uint32(maxRWCount), rwLen(0x1000, 0xffffffff))
	assert.Equal(t, uint32(0x10), rwLen(0xfffffff0, 0x7fff0000))
}

func TestWriteHugeCountFaults(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	e := newTestEmulator(t)
	e.SetStdio(nil, w)
	c := loadCode(t, e, int80...)
	setSyscall(c, SYS_WRITE, 1, 0xfffffff0, 0xffffffff)
	require.NoError(t, c.Step())
	assert.Equal(t, errnoRet(EFAULT), c.regs.Eax())
}
