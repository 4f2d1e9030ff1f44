package emu

import (
	"fmt"

	"github.com/jam-duna/x86emu/log"
	"golang.org/x/exp/slices"
)

const maxCallDepth = 1024

type callFrame struct {
	CallEip uint32
	Target  uint32
	Esp     uint32
}

// Symbol is a named guest code address.
type Symbol struct {
	Name string
	Addr uint32
	Size uint32
}

// CallStack is a shadow stack of guest calls kept by the call and ret
// handlers. It only feeds diagnostics.
type CallStack struct {
	exe     string
	frames  []callFrame
	symbols []Symbol
}

func NewCallStack(exe string) *CallStack {
	return &CallStack{exe: exe}
}

// SetSymbols installs the symbol table used to name frames.
func (s *CallStack) SetSymbols(syms []Symbol) {
	s.symbols = slices.Clone(syms)
	slices.SortFunc(s.symbols, func(a, b Symbol) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
}

func (s *CallStack) Call(callEip, target, esp uint32) {
	if len(s.frames) >= maxCallDepth {
		s.frames = s.frames[1:]
	}
	s.frames = append(s.frames, callFrame{CallEip: callEip, Target: target, Esp: esp})
	log.Trace(log.CallMonitoring, "call", "from", fmt.Sprintf("0x%x", callEip), "to", s.Symbolize(target), "depth", len(s.frames))
}

// Return pops every frame whose return slot is at or below esp, so frames
// skipped by longjmp-like unwinding are discarded too.
func (s *CallStack) Return(eip, esp uint32) {
	for len(s.frames) > 0 && s.frames[len(s.frames)-1].Esp <= esp {
		s.frames = s.frames[:len(s.frames)-1]
	}
	log.Trace(log.CallMonitoring, "ret", "to", fmt.Sprintf("0x%x", eip), "depth", len(s.frames))
}

func (s *CallStack) Depth() int {
	return len(s.frames)
}

// Symbolize renders addr as "name+0xoff" when a symbol covers it.
func (s *CallStack) Symbolize(addr uint32) string {
	i, found := slices.BinarySearchFunc(s.symbols, addr, func(sym Symbol, a uint32) int {
		switch {
		case sym.Addr < a:
			return -1
		case sym.Addr > a:
			return 1
		}
		return 0
	})
	if !found {
		i--
	}
	if i < 0 || i >= len(s.symbols) {
		return fmt.Sprintf("0x%x", addr)
	}
	sym := s.symbols[i]
	if sym.Size != 0 && addr >= sym.Addr+sym.Size {
		return fmt.Sprintf("0x%x", addr)
	}
	if addr == sym.Addr {
		return sym.Name
	}
	return fmt.Sprintf("%s+0x%x", sym.Name, addr-sym.Addr)
}

// Backtrace lists the frames innermost first, starting at eip.
func (s *CallStack) Backtrace(eip uint32) []string {
	out := []string{fmt.Sprintf("#0 0x%08x in %s", eip, s.Symbolize(eip))}
	for i := len(s.frames) - 1; i >= 0; i-- {
		f := s.frames[i]
		out = append(out, fmt.Sprintf("#%d 0x%08x in %s", len(out), f.CallEip, s.Symbolize(f.CallEip)))
	}
	return out
}
