package emu

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalSet(t *testing.T) {
	var s SignalSet
	assert.Zero(t, s.Lowest())
	s.Add(SIGTERM)
	s.Add(SIGUSR1)
	s.Add(MaxSignal + 1)
	s.Add(0)
	assert.True(t, s.Has(SIGTERM))
	assert.Equal(t, SIGUSR1, s.Lowest())
	assert.Equal(t, SignalSet(1<<(SIGUSR1-1)|1<<(SIGTERM-1)), s)
	s.Del(SIGUSR1)
	assert.Equal(t, SIGTERM, s.Lowest())

	m := SignalMaskTable{Pending: s}
	m.Blocked.Add(SIGTERM)
	assert.False(t, m.PendingUnblocked().Any())
}

func TestSignalHandlerRunsAndReturns(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, 0x90)
	handler := codeBase + 0x40
	require.NoError(t, c.signalHandlers.Set(SIGUSR1, SigAction{Handler: handler}))
	require.NoError(t, c.signalHandlers.Set(SIGUSR2, SigAction{Handler: handler}))
	c.regs.SetEax(0x1234)
	esp := c.regs.Esp()

	require.Equal(t, 0, c.Kill(c.Pid(), SIGUSR1))
	e.ProcessEvents()
	require.True(t, c.GetState(StateHandler))
	assert.Equal(t, handler, c.regs.Eip)
	frame := esp - 128 - 16
	assert.Equal(t, frame, c.regs.Esp())
	assert.Equal(t, TrampolineAddr, getU32(t, c, frame))
	assert.Equal(t, uint32(SIGUSR1), getU32(t, c, frame+4))
	assert.True(t, c.Signals().Blocked.Has(SIGUSR1))

	// One handler level at a time.
	require.Equal(t, 0, c.Kill(c.Pid(), SIGUSR2))
	e.ProcessEvents()
	assert.True(t, c.Signals().Pending.Has(SIGUSR2))
	assert.Equal(t, handler, c.regs.Eip)

	c.ReturnFromSignalHandler()
	assert.False(t, c.GetState(StateHandler))
	assert.Equal(t, codeBase, c.regs.Eip)
	assert.Equal(t, esp, c.regs.Esp())
	assert.Equal(t, uint32(0x1234), c.regs.Eax())
	assert.False(t, c.Signals().Blocked.Has(SIGUSR1))
}

func TestSigreturnThroughTrampoline(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, 0x90)
	require.NoError(t, c.signalHandlers.Set(SIGUSR1, SigAction{Handler: TrampolineAddr}))
	c.regs.SetEax(77)

	c.Kill(c.Pid(), SIGUSR1)
	e.ProcessEvents()
	require.Equal(t, TrampolineAddr, c.regs.Eip)

	// mov eax, 119; int 0x80
	stepN(t, c, 2)
	assert.False(t, c.GetState(StateHandler))
	assert.Equal(t, codeBase, c.regs.Eip)
	assert.Equal(t, uint32(77), c.regs.Eax())
}

func TestSigreturnOutsideHandlerFails(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, int80...)
	setSyscall(c, SYS_SIGRETURN)
	assert.Error(t, c.Step())
}

func TestDefaultActionTerminatesGroup(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, 0x90)
	th := cloneThread(t, e, c)

	require.Equal(t, 0, th.Kill(c.Pid(), SIGTERM))
	e.ProcessEvents()
	assert.True(t, c.GetState(StateFinished))
	assert.True(t, th.GetState(StateFinished))
	assert.Equal(t, 128+SIGTERM, c.ExitCode())
	assert.Equal(t, uint32(SIGTERM), c.waitStatus())
}

func TestDefaultIgnoredAndBlockedSignals(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, 0x90)

	c.Kill(c.Pid(), SIGCHLD)
	e.ProcessEvents()
	assert.True(t, c.GetState(StateRunning))
	assert.False(t, c.Signals().Pending.Has(SIGCHLD))

	c.Signals().Blocked.Add(SIGUSR1)
	c.Kill(c.Pid(), SIGUSR1)
	e.ProcessEvents()
	assert.True(t, c.GetState(StateRunning))
	assert.True(t, c.Signals().Pending.Has(SIGUSR1))
}

func TestKillErrors(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, 0x90)
	assert.Equal(t, -ESRCH, c.Kill(4242, SIGTERM))
	assert.Equal(t, -EINVAL, c.Kill(c.Pid(), MaxSignal+1))
	assert.Equal(t, 0, c.Kill(c.Pid(), 0))
	assert.False(t, c.Signals().Pending.Any())
}

func TestExpiredIntervalTimerRaisesSigalrm(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, 0x90)
	c.itimerReal = 1
	e.ProcessEventsSchedule()
	e.ProcessEvents()
	assert.True(t, c.GetState(StateFinished))
	assert.Equal(t, uint32(SIGALRM), c.waitStatus())
}

func TestRtSigactionInstallsHandler(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, int80...)
	act := SigAction{Handler: 0x08048100, Flags: SA_RESTORER, Restorer: 0x08048200}
	act.Mask.Add(SIGUSR2)
	require.NoError(t, c.WriteMem(scratchAddr, act.encode()))

	setSyscall(c, SYS_RT_SIGACTION, SIGUSR1, scratchAddr, scratchAddr+0x40)
	require.NoError(t, c.Step())
	require.Zero(t, c.regs.Eax())
	assert.Equal(t, act, c.signalHandlers.Get(SIGUSR1))
	assert.Zero(t, getU32(t, c, scratchAddr+0x40))

	setSyscall(c, SYS_RT_SIGACTION, SIGKILL, scratchAddr, 0)
	require.NoError(t, c.Step())
	assert.Equal(t, errnoRet(EINVAL), c.regs.Eax())
}

func TestRtSigprocmask(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, int80...)
	var set [8]byte
	binary.LittleEndian.PutUint64(set[:], uint64(1<<(SIGUSR1-1)|1<<(SIGKILL-1)))
	require.NoError(t, c.WriteMem(scratchAddr, set[:]))

	setSyscall(c, SYS_RT_SIGPROCMASK, SIG_BLOCK, scratchAddr, 0)
	require.NoError(t, c.Step())
	assert.True(t, c.Signals().Blocked.Has(SIGUSR1))
	assert.False(t, c.Signals().Blocked.Has(SIGKILL))

	setSyscall(c, SYS_RT_SIGPROCMASK, SIG_UNBLOCK, scratchAddr, scratchAddr+8)
	require.NoError(t, c.Step())
	assert.False(t, c.Signals().Blocked.Has(SIGUSR1))
	assert.Equal(t, uint32(1<<(SIGUSR1-1)), getU32(t, c, scratchAddr+8))
}

func TestSigsuspendWaitsForSignal(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, int80...)
	require.NoError(t, c.signalHandlers.Set(SIGUSR1, SigAction{Handler: codeBase + 0x80}))
	c.Signals().Blocked.Add(SIGUSR2)
	require.NoError(t, c.WriteMem(scratchAddr, make([]byte, 8)))

	setSyscall(c, SYS_RT_SIGSUSPEND, scratchAddr)
	require.NoError(t, c.Step())
	require.True(t, c.GetState(StateSigsuspend))
	assert.False(t, c.Signals().Blocked.Has(SIGUSR2))

	e.ProcessEvents()
	require.True(t, c.GetState(StateSuspended))

	c.Kill(c.Pid(), SIGUSR1)
	e.ProcessEvents()
	assert.True(t, c.GetState(StateHandler))
	assert.Equal(t, codeBase+0x80, c.regs.Eip)

	c.ReturnFromSignalHandler()
	assert.True(t, c.Signals().Blocked.Has(SIGUSR2))
	assert.Equal(t, errnoRet(EINTR), c.regs.Eax())
}

func TestSpeculativeContextDefersSignals(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, 0x90)
	handler := codeBase + 0x40
	require.NoError(t, c.signalHandlers.Set(SIGUSR1, SigAction{Handler: handler}))
	esp := c.regs.Esp()
	frame := esp - 128 - 16

	c.regs.Eip = 0
	c.SetEip(codeBase)
	require.Equal(t, 0, c.Kill(c.Pid(), SIGUSR1))
	e.ProcessEventsSchedule()
	e.ProcessEvents()
	c.CheckSignalHandler()

	assert.False(t, c.GetState(StateHandler))
	assert.True(t, c.Signals().Pending.Has(SIGUSR1))
	committed, err := c.Memory().Read32(frame)
	require.NoError(t, err)
	assert.Zero(t, committed)

	c.Recover()
	e.ProcessEventsSchedule()
	e.ProcessEvents()
	require.True(t, c.GetState(StateHandler))
	assert.False(t, c.Signals().Pending.Has(SIGUSR1))
	assert.Equal(t, handler, c.regs.Eip)
	assert.Equal(t, TrampolineAddr, getU32(t, c, frame))
}
