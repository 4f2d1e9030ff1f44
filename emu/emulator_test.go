package emu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jam-duna/x86emu/common"
	"github.com/jam-duna/x86emu/emuerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDumpTreeShowsHierarchy(t *testing.T) {
	e := newTestEmulator(t)
	parent := loadCode(t, e, 0x90)
	child := forkChild(t, e, parent)
	child.Suspend()

	tree := e.DumpTree(false)
	assert.Contains(t, tree, "emulator")
	assert.Contains(t, tree, fmt.Sprintf("pid %d {running|mapped}", parent.Pid()))
	assert.Contains(t, tree, fmt.Sprintf("pid %d {suspended|mapped}", child.Pid()))
	assert.Less(t, strings.Index(tree, fmt.Sprintf("pid %d ", parent.Pid())), strings.Index(tree, fmt.Sprintf("pid %d ", child.Pid())))
	assert.NotContains(t, tree, common.ColorReset)

	colored := e.DumpTree(true)
	assert.Contains(t, colored, common.ColorGreen)
	assert.Contains(t, colored, common.ColorYellow)
}

func TestStatsAfterRun(t *testing.T) {
	e := NewEmulator(Config{UopActive: true})
	// nop; mov eax, 1; mov ebx, 0; int 0x80
	loadCode(t, e, 0x90, 0xb8, 0x01, 0x00, 0x00, 0x00, 0xbb, 0x00, 0x00, 0x00, 0x00, 0xcd, 0x80)
	require.NoError(t, e.Run(context.Background()))

	s := e.Stats()
	assert.Equal(t, uint64(4), s.Instructions)
	assert.Equal(t, 1, s.ContextsCreated)
	assert.Equal(t, 1, s.MaxRunning)
	assert.Equal(t, uint64(1), s.Uops["syscall"])
	assert.Equal(t, uint64(1), s.Uops["nop"])

	var buf bytes.Buffer
	e.DumpStats(&buf)
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "[ x86 ]\n"))
	assert.Contains(t, out, "Instructions = 4\n")
	assert.Contains(t, out, "Contexts = 1\n")
	assert.Contains(t, out, "Uop.syscall = 1\n")
}

func TestLoadFlatBuildsInitialStack(t *testing.T) {
	e := newTestEmulator(t)
	c := e.NewContext()
	require.NoError(t, c.LoadFlat([]byte{0x90}, codeBase, []string{"prog", "arg1"}))

	sp := c.regs.Esp()
	assert.Zero(t, sp&0xf)
	assert.Equal(t, codeBase, c.regs.Eip)
	assert.True(t, c.GetState(StateMapped))
	assert.Equal(t, uint32(2), getU32(t, c, sp))

	argv1 := getU32(t, c, sp+8)
	s, err := c.Memory().ReadString(argv1, 64)
	require.NoError(t, err)
	assert.Equal(t, "arg1", s)
	assert.Zero(t, getU32(t, c, sp+12))

	code := make([]byte, 7)
	require.NoError(t, c.ReadMem(TrampolineAddr, code))
	assert.Equal(t, sigreturnCode, code)
	assert.Equal(t, c.Loader().BrkStart, c.Memory().HeapBreak)
}

func TestLoadRejectsBadInput(t *testing.T) {
	e := newTestEmulator(t)
	_, err := e.LoadProgram(nil, nil, "")
	assert.True(t, errors.Is(err, emuerrors.ErrLoaderNoProgram))

	path := filepath.Join(t.TempDir(), "not-elf")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	_, err = e.LoadProgram([]string{path}, nil, "")
	assert.True(t, errors.Is(err, emuerrors.ErrLoaderBadFormat))
	assert.Empty(t, e.Contexts())

	_, err = e.LoadFlat(nil, codeBase)
	assert.True(t, errors.Is(err, emuerrors.ErrLoaderNoProgram))
}

func TestLoadRejectsHostExecutableOfOtherArch(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	e := newTestEmulator(t)
	_, err = e.LoadProgram([]string{exe}, nil, "")
	if err == nil {
		t.Skip("test binary is an i386 executable")
	}
	assert.True(t, errors.Is(err, emuerrors.ErrLoaderBadFormat))
}

func TestProcSelfMapsFormat(t *testing.T) {
	e := newTestEmulator(t)
	c := loadCode(t, e, 0x90)
	maps := c.ProcSelfMaps()
	assert.Contains(t, maps, "08048000-08049000 r-xp 00000000 00:00\n")
	assert.Contains(t, maps, fmt.Sprintf("%08x-%08x rw-p 00000000 00:00\n", StackTop-StackSize, StackTop))
	assert.Contains(t, maps, "ffffe000-fffff000 r-xp 00000000 00:00\n")

	content, ok := c.virtualFile(fmt.Sprintf("/proc/%d/maps", c.Pid()))
	assert.True(t, ok)
	assert.Equal(t, maps, content)
	_, ok = c.virtualFile("/proc/self/status")
	assert.False(t, ok)
}

func TestFileTableDescriptors(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	ft := NewFileTable(r, w)
	assert.Equal(t, []int{0, 1, 2}, ft.Descriptors())
	require.NoError(t, ft.Remove(1))
	assert.Nil(t, ft.Get(1))

	f, err := os.CreateTemp(t.TempDir(), "ft")
	require.NoError(t, err)
	d := ft.Add(f, FileRegular, f.Name(), 0)
	assert.Equal(t, 1, d.Guest)
	assert.Equal(t, FileRegular, ft.Get(1).Kind)
	require.NoError(t, ft.Remove(1))
	assert.Error(t, ft.Remove(1))

	// Detaching a standard stream leaves the host file open.
	_, err = w.Write([]byte("ok"))
	assert.NoError(t, err)
}

func TestCallStackSymbolize(t *testing.T) {
	s := NewCallStack("prog")
	s.SetSymbols([]Symbol{
		{Name: "b", Addr: 0x2000, Size: 0x10},
		{Name: "a", Addr: 0x1000},
	})
	assert.Equal(t, "a", s.Symbolize(0x1000))
	assert.Equal(t, "a+0x20", s.Symbolize(0x1020))
	assert.Equal(t, "b+0x4", s.Symbolize(0x2004))
	assert.Equal(t, "0x2010", s.Symbolize(0x2010))
	assert.Equal(t, "0x10", s.Symbolize(0x10))

	s.Call(0x1004, 0x2000, 0x100)
	s.Call(0x2008, 0x1000, 0xf0)
	assert.Equal(t, 2, s.Depth())
	s.Return(0x100c, 0x100)
	assert.Zero(t, s.Depth())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"max_instructions": 10, "uop_active": true}`), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cfg.MaxInstructions)
	assert.True(t, cfg.UopActive)
	assert.Equal(t, "info", cfg.LogLevel)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestSpawnedContextsInheritMapped(t *testing.T) {
	e := newTestEmulator(t)
	parent := loadCode(t, e, 0x90)
	require.True(t, parent.GetState(StateMapped))

	assert.True(t, forkChild(t, e, parent).GetState(StateMapped))
	assert.True(t, cloneThread(t, e, parent).GetState(StateMapped))
}
