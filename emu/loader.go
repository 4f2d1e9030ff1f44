package emu

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jam-duna/x86emu/emuerrors"
	"github.com/jam-duna/x86emu/log"
	"github.com/jam-duna/x86emu/mem"
)

const (
	pageSize = mem.PageSize
	permRW   = mem.PermRW

	StackTop  uint32 = 0xc0000000
	StackSize uint32 = 0x800000

	// TrampolineAddr holds "mov eax, 119; int 0x80" so guest signal
	// handlers can return without a registered restorer.
	TrampolineAddr uint32 = 0xffffe000
)

var sigreturnCode = []byte{0xb8, 0x77, 0x00, 0x00, 0x00, 0xcd, 0x80}

// auxiliary vector keys
const (
	AT_NULL   = 0
	AT_PHDR   = 3
	AT_PHENT  = 4
	AT_PHNUM  = 5
	AT_PAGESZ = 6
	AT_BASE   = 7
	AT_ENTRY  = 9
	AT_UID    = 11
	AT_EUID   = 12
	AT_GID    = 13
	AT_EGID   = 14
	AT_RANDOM = 25
)

// Loader describes the program image of a process. Threads share it.
type Loader struct {
	Exe        string
	Args       []string
	Env        []string
	Cwd        string
	Entry      uint32
	BrkStart   uint32
	PhdrAddr   uint32
	Phnum      uint32
	StackTop   uint32
	StackSize  uint32
	Trampoline uint32
	Symbols    []Symbol
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

// Load loads the ELF32 executable args[0] into a fresh address space and
// points c at its entry.
func (c *Context) Load(args, env []string, cwd string) error {
	if len(args) == 0 || args[0] == "" {
		return fmt.Errorf("%w: empty command line", emuerrors.ErrLoaderNoProgram)
	}
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	exe := args[0]
	if !filepath.IsAbs(exe) {
		exe = filepath.Join(cwd, exe)
	}

	f, err := elf.Open(exe)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", emuerrors.ErrLoaderBadFormat, exe, err)
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS32 || f.Machine != elf.EM_386 {
		return fmt.Errorf("%w: %s: not an i386 ELF32 executable", emuerrors.ErrLoaderBadFormat, exe)
	}

	loader := &Loader{
		Exe:       exe,
		Args:      args,
		Env:       append(os.Environ(), env...),
		Cwd:       cwd,
		Entry:     uint32(f.Entry),
		StackTop:  StackTop,
		StackSize: StackSize,
	}
	c.initSpace(loader)

	var brk uint32
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_INTERP:
			return fmt.Errorf("%w: %s: dynamically linked executables are not supported", emuerrors.ErrLoaderBadFormat, exe)
		case elf.PT_PHDR:
			loader.PhdrAddr = uint32(prog.Vaddr)
		case elf.PT_LOAD:
			if err := c.loadSegment(prog); err != nil {
				return fmt.Errorf("%w: %s: %v", emuerrors.ErrLoaderBadFormat, exe, err)
			}
			if end := uint32(prog.Vaddr + prog.Memsz); end > brk {
				brk = end
			}
			if prog.Off == 0 && loader.PhdrAddr == 0 {
				loader.PhdrAddr = uint32(prog.Vaddr) + 52
			}
		}
	}
	loader.Phnum = uint32(len(f.Progs))

	if syms, err := f.Symbols(); err == nil {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Value != 0 {
				loader.Symbols = append(loader.Symbols, Symbol{Name: s.Name, Addr: uint32(s.Value), Size: uint32(s.Size)})
			}
		}
		c.callStack.SetSymbols(loader.Symbols)
	}

	loader.BrkStart = alignUp(brk, pageSize)
	c.mem.HeapBreak = loader.BrkStart
	log.Debug(log.LoaderMonitoring, "Load", "exe", exe, "entry", fmt.Sprintf("0x%x", loader.Entry), "brk", fmt.Sprintf("0x%x", loader.BrkStart))
	return c.finishLoad()
}

func (c *Context) loadSegment(prog *elf.Prog) error {
	perm := mem.Perm(0)
	if prog.Flags&elf.PF_R != 0 {
		perm |= mem.PermRead
	}
	if prog.Flags&elf.PF_W != 0 {
		perm |= mem.PermWrite
	}
	if prog.Flags&elf.PF_X != 0 {
		perm |= mem.PermExec
	}
	vaddr := uint32(prog.Vaddr)
	c.mem.Map(vaddr, uint32(prog.Memsz), perm)

	data := make([]byte, prog.Filesz)
	if _, err := io.ReadFull(prog.Open(), data); err != nil {
		return fmt.Errorf("segment at 0x%x: %w", vaddr, err)
	}
	if err := c.mem.Init(vaddr, data); err != nil {
		return err
	}
	log.Trace(log.LoaderMonitoring, "segment", "vaddr", fmt.Sprintf("0x%x", vaddr), "filesz", prog.Filesz, "memsz", prog.Memsz, "perm", perm)
	return nil
}

// LoadFlat loads a raw code image at base and starts execution there. The
// image is mapped readable and executable.
func (c *Context) LoadFlat(code []byte, base uint32, args []string) error {
	if len(code) == 0 {
		return fmt.Errorf("%w: empty image", emuerrors.ErrLoaderNoProgram)
	}
	if len(args) == 0 {
		args = []string{"flat"}
	}
	loader := &Loader{
		Exe:       args[0],
		Args:      args,
		Entry:     base,
		StackTop:  StackTop,
		StackSize: StackSize,
	}
	c.initSpace(loader)
	c.mem.Map(base, uint32(len(code)), mem.PermRead|mem.PermExec)
	if err := c.mem.Init(base, code); err != nil {
		return err
	}
	loader.BrkStart = alignUp(base+uint32(len(code)), pageSize)
	c.mem.HeapBreak = loader.BrkStart
	return c.finishLoad()
}

// finishLoad maps the sigreturn trampoline, builds the initial stack and
// sets the entry point.
func (c *Context) finishLoad() error {
	l := c.loader
	c.mem.Map(TrampolineAddr, pageSize, mem.PermRead|mem.PermExec)
	if err := c.mem.Init(TrampolineAddr, sigreturnCode); err != nil {
		return err
	}
	l.Trampoline = TrampolineAddr

	c.mem.Map(l.StackTop-l.StackSize, l.StackSize, permRW)
	sp, err := c.setupStack()
	if err != nil {
		return err
	}
	c.regs.SetEsp(sp)
	c.regs.Eip = l.Entry
	c.SetState(StateMapped)
	c.emu.ProcessEventsSchedule()
	return nil
}

// setupStack writes argc, argv, envp and the auxiliary vector below the
// stack top and returns the initial stack pointer.
func (c *Context) setupStack() (uint32, error) {
	l := c.loader
	sp := l.StackTop

	pushString := func(s string) (uint32, error) {
		sp -= uint32(len(s) + 1)
		return sp, c.mem.Init(sp, append([]byte(s), 0))
	}

	envPtrs := make([]uint32, len(l.Env))
	for i := len(l.Env) - 1; i >= 0; i-- {
		p, err := pushString(l.Env[i])
		if err != nil {
			return 0, err
		}
		envPtrs[i] = p
	}
	argPtrs := make([]uint32, len(l.Args))
	for i := len(l.Args) - 1; i >= 0; i-- {
		p, err := pushString(l.Args[i])
		if err != nil {
			return 0, err
		}
		argPtrs[i] = p
	}
	sp -= 16
	random := sp
	if err := c.mem.Init(random, []byte("x86emu-random-16")); err != nil {
		return 0, err
	}

	auxv := [][2]uint32{
		{AT_PHDR, l.PhdrAddr},
		{AT_PHENT, 32},
		{AT_PHNUM, l.Phnum},
		{AT_PAGESZ, pageSize},
		{AT_BASE, 0},
		{AT_ENTRY, l.Entry},
		{AT_UID, uint32(os.Getuid())},
		{AT_EUID, uint32(os.Geteuid())},
		{AT_GID, uint32(os.Getgid())},
		{AT_EGID, uint32(os.Getegid())},
		{AT_RANDOM, random},
		{AT_NULL, 0},
	}

	words := []uint32{uint32(len(l.Args))}
	words = append(words, argPtrs...)
	words = append(words, 0)
	words = append(words, envPtrs...)
	words = append(words, 0)
	for _, kv := range auxv {
		words = append(words, kv[0], kv[1])
	}

	sp = (sp - uint32(4*len(words))) &^ 0xf
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	if err := c.mem.Init(sp, buf); err != nil {
		return 0, err
	}
	log.Trace(log.LoaderMonitoring, "stack", "sp", fmt.Sprintf("0x%x", sp), "argc", len(l.Args), "envc", len(l.Env))
	return sp, nil
}

// LoadProgram creates the first context of a run from an ELF executable.
func (e *Emulator) LoadProgram(args, env []string, cwd string) (*Context, error) {
	c := e.NewContext()
	if err := c.Load(args, env, cwd); err != nil {
		e.RemoveContext(c)
		return nil, err
	}
	log.Info(log.LoaderMonitoring, "program loaded", "pid", c.pid, "exe", c.loader.Exe)
	return c, nil
}

// LoadFlat creates a context running a raw code image.
func (e *Emulator) LoadFlat(code []byte, base uint32) (*Context, error) {
	c := e.NewContext()
	if err := c.LoadFlat(code, base, nil); err != nil {
		e.RemoveContext(c)
		return nil, err
	}
	return c, nil
}
