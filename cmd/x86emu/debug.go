package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/dop251/goja"
	"github.com/jam-duna/x86emu/checkpoint"
	"github.com/jam-duna/x86emu/emu"
	"github.com/jam-duna/x86emu/isa"
	"github.com/jam-duna/x86emu/regs"
	"github.com/spf13/cobra"
)

const debugHelp = `commands:
  step [n]          execute n instructions of the current context (default 1)
  tick [n]          run n scheduler ticks over every context
  continue          run until every context finishes
  regs              show the registers of the current context
  mem ADDR [LEN]    hex dump guest memory
  dis [ADDR] [N]    disassemble N instructions (default at eip)
  bt                show the guest call stack
  ctx [PID]         list contexts, or switch to PID
  tree              show the process tree
  stats             show run statistics
  save NAME         snapshot the current context
  restore NAME      restore the current context from a snapshot
  js EXPR           evaluate JavaScript (reg, setReg, mem32, step, pid)
  quit`

// debugger is the interactive front end over one emulator.
type debugger struct {
	e     *emu.Emulator
	cur   *emu.Context
	store *checkpoint.Store
	vm    *goja.Runtime
	out   io.Writer
}

func newDebugger(e *emu.Emulator, c *emu.Context, store *checkpoint.Store, out io.Writer) *debugger {
	d := &debugger{e: e, cur: c, store: store, out: out}
	d.vm = goja.New()
	d.vm.Set("reg", func(name string) goja.Value {
		r, ok := regs.ParseReg(name)
		if !ok {
			panic(d.vm.NewTypeError("unknown register " + name))
		}
		return d.vm.ToValue(d.cur.Regs().Read(r))
	})
	d.vm.Set("setReg", func(name string, v uint32) {
		r, ok := regs.ParseReg(name)
		if !ok {
			panic(d.vm.NewTypeError("unknown register " + name))
		}
		d.cur.Regs().Write(r, v)
	})
	d.vm.Set("mem32", func(addr uint32) goja.Value {
		v, err := d.cur.Memory().Read32(addr)
		if err != nil {
			panic(d.vm.NewGoError(err))
		}
		return d.vm.ToValue(v)
	})
	d.vm.Set("step", func(n int) goja.Value {
		if err := d.step(n); err != nil {
			panic(d.vm.NewGoError(err))
		}
		return d.vm.ToValue(d.cur.Regs().Eip)
	})
	d.vm.Set("pid", func() int { return d.cur.Pid() })
	d.vm.Set("print", func(args ...goja.Value) {
		for _, arg := range args {
			fmt.Fprintln(d.out, arg.Export())
		}
	})
	return d
}

func (d *debugger) step(n int) error {
	for i := 0; i < n; i++ {
		if !d.cur.GetState(emu.StateRunning) {
			return fmt.Errorf("context %d is not running: %s", d.cur.Pid(), d.cur.State())
		}
		if err := d.cur.Step(); err != nil {
			return err
		}
		d.e.ProcessEvents()
	}
	return nil
}

func parseUint(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}

func argInt(args []string, i, def int) (int, error) {
	if len(args) <= i {
		return def, nil
	}
	return strconv.Atoi(args[i])
}

// exec runs one command line. It returns true when the session should end.
func (d *debugger) exec(line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "quit", "exit", "q":
		return true, nil
	case "help", "h":
		fmt.Fprintln(d.out, debugHelp)
	case "step", "s":
		n, err := argInt(args, 0, 1)
		if err != nil {
			return false, err
		}
		if err := d.step(n); err != nil {
			return false, err
		}
		d.showEip()
	case "tick":
		n, err := argInt(args, 0, 1)
		if err != nil {
			return false, err
		}
		for i := 0; i < n; i++ {
			if err := d.e.Tick(); err != nil {
				return false, err
			}
		}
		d.showEip()
	case "continue", "c":
		if err := d.e.Run(context.Background()); err != nil {
			return false, err
		}
		fmt.Fprintf(d.out, "finished, exit code %d\n", d.e.ExitCode())
	case "regs", "r":
		fmt.Fprintln(d.out, d.cur.Regs().Dump())
	case "mem", "x":
		if len(args) == 0 {
			return false, errors.New("usage: mem ADDR [LEN]")
		}
		addr, err := parseUint(args[0])
		if err != nil {
			return false, err
		}
		n, err := argInt(args, 1, 64)
		if err != nil {
			return false, err
		}
		buf := make([]byte, n)
		if err := d.cur.ReadMem(addr, buf); err != nil {
			return false, err
		}
		fmt.Fprint(d.out, hex.Dump(buf))
	case "dis", "d":
		addr := d.cur.Regs().Eip
		if len(args) > 0 {
			a, err := parseUint(args[0])
			if err != nil {
				return false, err
			}
			addr = a
		}
		n, err := argInt(args, 1, 8)
		if err != nil {
			return false, err
		}
		buf := make([]byte, n*isa.MaxInstLen)
		d.cur.Memory().ReadUnsafe(addr, buf)
		lines := strings.SplitAfter(isa.Disassemble(buf, addr), "\n")
		if len(lines) > n {
			lines = lines[:n]
		}
		fmt.Fprint(d.out, strings.Join(lines, ""))
	case "bt":
		for _, frame := range d.cur.CallStack().Backtrace(d.cur.Regs().Eip) {
			fmt.Fprintln(d.out, frame)
		}
	case "ctx":
		if len(args) == 0 {
			for _, c := range d.e.Contexts() {
				mark := " "
				if c == d.cur {
					mark = "*"
				}
				fmt.Fprintf(d.out, "%s %s\n", mark, c)
			}
			break
		}
		pid, err := strconv.Atoi(args[0])
		if err != nil {
			return false, err
		}
		c := d.e.GetContext(pid)
		if c == nil {
			return false, fmt.Errorf("no context %d", pid)
		}
		d.cur = c
	case "tree":
		fmt.Fprint(d.out, d.e.DumpTree(false))
	case "stats":
		d.e.DumpStats(d.out)
	case "save", "restore":
		if d.store == nil {
			return false, errors.New("no checkpoint store; use --checkpoint-dir")
		}
		if len(args) != 1 {
			return false, fmt.Errorf("usage: %s NAME", cmd)
		}
		var snap *checkpoint.Snapshot
		var err error
		if cmd == "save" {
			snap, err = d.store.Save(args[0], d.cur)
		} else {
			snap, err = d.store.Restore(args[0], d.cur)
		}
		if err != nil {
			return false, err
		}
		fmt.Fprintf(d.out, "%s %s: pid %d, %d pages, root %s\n", cmd, snap.Name, snap.Pid, len(snap.Pages), snap.Root)
	case "js":
		v, err := d.vm.RunString(strings.TrimSpace(strings.TrimPrefix(line, "js")))
		if err != nil {
			return false, err
		}
		fmt.Fprintln(d.out, v)
	default:
		return false, fmt.Errorf("unknown command %q, try help", cmd)
	}
	return false, nil
}

func (d *debugger) showEip() {
	eip := d.cur.Regs().Eip
	fmt.Fprintf(d.out, "pid %d %s eip=0x%08x %s\n", d.cur.Pid(), d.cur.State(), eip, d.cur.CallStack().Symbolize(eip))
}

func newDebugCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "debug [flags] -- program [args...]",
		Short: "Step through a program interactively",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				fmt.Fprintf(os.Stderr, "config: %v\n", err)
				os.Exit(1)
			}
			if err := debug(cfg, args); err != nil {
				fmt.Fprintf(os.Stderr, "x86emu: %v\n", err)
				os.Exit(1)
			}
		},
	}
	opts.bind(cmd)
	return cmd
}

func debug(cfg emu.Config, args []string) error {
	s, err := newSession(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer s.close()
	c, err := s.load(args)
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "(x86emu) ",
		HistoryFile: os.ExpandEnv("$HOME/.x86emu_history"),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	d := newDebugger(s.e, c, s.store, rl.Stdout())
	d.showEip()
	for {
		line, err := rl.Readline()
		if err != nil {
			return nil
		}
		quit, err := d.exec(line)
		if err != nil {
			fmt.Fprintf(d.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}
