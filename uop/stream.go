package uop

import (
	"fmt"
	"io"

	"github.com/jam-duna/x86emu/emuerrors"
	"github.com/jam-duna/x86emu/log"
	"github.com/jam-duna/x86emu/regs"
)

// Operands exposes the addressing-mode fields of the macro-instruction being
// executed.
type Operands interface {
	ModRM() (mod, reg, rm uint8)
	OpIndex() uint8
	EaSegment() regs.Reg
	EaBase() regs.Reg
	EaIndex() regs.Reg
	EffectiveAddress() uint32
}

// Stream collects the micro-ops of one macro-instruction. The timing model
// drains it before the next instruction is executed.
type Stream struct {
	Active bool

	list           []*Uop
	effaddrEmitted bool
	counts         [OpcodeCount]uint64
}

func NewStream(active bool) *Stream {
	return &Stream{Active: active}
}

// Emit adds a register-only micro-op.
func (s *Stream) Emit(ops Operands, op Opcode, in [MaxIdeps]Dep, out [MaxOdeps]Dep) {
	s.EmitMem(ops, op, 0, 0, in, out)
}

// EmitMem adds a micro-op with an explicit memory address and size. Memory
// placeholders expand into effaddr, load and store micro-ops.
func (s *Stream) EmitMem(ops Operands, op Opcode, addr uint32, size int, in [MaxIdeps]Dep, out [MaxOdeps]Dep) {
	if !s.Active {
		return
	}
	u := &Uop{Opcode: op, Address: addr, Size: size}
	copy(u.Dep[:MaxIdeps], in[:])
	copy(u.Dep[MaxIdeps:], out[:])

	for i := 0; !s.effaddrEmitted && i < MaxDeps; i++ {
		s.emitEffaddr(ops, u, i)
	}
	for i := 0; i < MaxIdeps; i++ {
		s.parseIdep(ops, u, i)
	}
	s.add(u)
	for i := MaxIdeps; i < MaxDeps; i++ {
		s.parseOdep(ops, u, i)
	}
}

func (s *Stream) add(u *Uop) {
	s.list = append(s.list, u)
	s.counts[u.Opcode]++
	log.Trace(log.UopMonitoring, "uop", "uop", u.String())
}

// memDepSize returns the access size of a memory-backed dependency and the
// data pseudo-register standing in for it, or 0 for register dependencies.
func memDepSize(ops Operands, dep Dep) (int, Dep) {
	mod, _, _ := ops.ModRM()
	switch dep {
	case DepRm8, DepRm16, DepRm32:
		if mod == 3 {
			return 0, DepNone
		}
		return 1 << (dep - DepRm8), DepData
	case DepMem8, DepMem16, DepMem32, DepMem64:
		return 1 << (dep - DepMem8), DepData
	case DepMem80:
		return 10, DepData
	case DepMem128:
		return 16, DepData
	case DepXmmm32, DepXmmm64, DepXmmm128:
		if mod == 3 {
			return 0, DepNone
		}
		return 4 << (dep - DepXmmm32), DepXmmData
	}
	return 0, DepNone
}

func (s *Stream) emitEffaddr(ops Operands, u *Uop, index int) {
	if size, _ := memDepSize(ops, u.Dep[index]); size == 0 {
		return
	}
	s.effaddrEmitted = true
	ea := &Uop{Opcode: Effaddr}
	ea.Dep[0] = DepFromReg(ops.EaSegment())
	ea.Dep[1] = DepFromReg(ops.EaBase())
	ea.Dep[2] = DepFromReg(ops.EaIndex())
	ea.Dep[MaxIdeps] = DepEa
	s.add(ea)
}

func (s *Stream) parseIdep(ops Operands, u *Uop, index int) {
	dep := u.Dep[index]
	if dep == DepNone {
		return
	}
	if size, data := memDepSize(ops, dep); size != 0 {
		if u.Opcode == Move {
			u.Opcode = Load
			u.Dep[index] = DepEa
			u.Address = ops.EffectiveAddress()
			u.Size = size
			return
		}
		load := &Uop{Opcode: Load, Address: ops.EffectiveAddress(), Size: size}
		load.Dep[0] = DepEa
		load.Dep[MaxIdeps] = data
		s.add(load)
		u.Dep[index] = data
		return
	}
	u.Dep[index] = resolve(ops, dep)
}

func (s *Stream) parseOdep(ops Operands, u *Uop, index int) {
	dep := u.Dep[index]
	if dep == DepNone {
		return
	}
	if size, data := memDepSize(ops, dep); size != 0 {
		if u.Opcode == Move && u.addIdep(DepEa) {
			u.Opcode = Store
			u.Dep[index] = DepNone
			u.Address = ops.EffectiveAddress()
			u.Size = size
			return
		}
		store := &Uop{Opcode: Store, Address: ops.EffectiveAddress(), Size: size}
		store.Dep[0] = DepEa
		store.Dep[1] = data
		s.add(store)
		u.Dep[index] = data
		return
	}
	u.Dep[index] = resolve(ops, dep)
}

// resolve rewrites a register-backed placeholder into a concrete register.
func resolve(ops Operands, dep Dep) Dep {
	if dep.IsConcrete() {
		return dep
	}
	mod, reg, rm := ops.ModRM()
	switch dep {
	case DepEaseg:
		return DepFromReg(ops.EaSegment())
	case DepEabas:
		return DepFromReg(ops.EaBase())
	case DepEaidx:
		return DepFromReg(ops.EaIndex())
	case DepRm8:
		emuerrors.Invariant(mod == 3, "rm8 placeholder resolved with memory operand")
		return DepEax + Dep(low8(rm))
	case DepRm16, DepRm32:
		emuerrors.Invariant(mod == 3, "%s placeholder resolved with memory operand", dep)
		return DepEax + Dep(rm)
	case DepR8:
		return DepEax + Dep(low8(reg))
	case DepR16, DepR32:
		return DepEax + Dep(reg)
	case DepIr8:
		return DepEax + Dep(low8(ops.OpIndex()))
	case DepIr16, DepIr32:
		return DepEax + Dep(ops.OpIndex())
	case DepSreg:
		return DepEs + Dep(reg)
	case DepSti:
		return DepSt0 + Dep(ops.OpIndex())
	case DepXmmm32, DepXmmm64, DepXmmm128:
		emuerrors.Invariant(mod == 3, "%s placeholder resolved with memory operand", dep)
		return DepXmm0 + Dep(rm)
	case DepXmm:
		return DepXmm0 + Dep(reg)
	}
	panic(&emuerrors.InvariantError{Msg: fmt.Sprintf("unknown dependency %s", dep)})
}

// low8 maps an 8-bit register encoding (AL..BH) to its 32-bit register.
func low8(n uint8) uint8 {
	if n < 4 {
		return n
	}
	return n - 4
}

// Clear drops the micro-ops and forgets the effaddr emitted for the previous
// macro-instruction.
func (s *Stream) Clear() {
	s.list = s.list[:0]
	s.effaddrEmitted = false
}

// List returns the pending micro-ops without draining them.
func (s *Stream) List() []*Uop {
	return s.list
}

func (s *Stream) Len() int {
	return len(s.list)
}

// Drain hands the pending micro-ops to the caller and empties the stream.
func (s *Stream) Drain() []*Uop {
	out := make([]*Uop, len(s.list))
	copy(out, s.list)
	s.list = s.list[:0]
	return out
}

// Counts returns the number of micro-ops emitted so far per opcode.
func (s *Stream) Counts() map[Opcode]uint64 {
	out := make(map[Opcode]uint64)
	for op, n := range s.counts {
		if n > 0 {
			out[Opcode(op)] = n
		}
	}
	return out
}

// Dump writes one micro-op per line.
func (s *Stream) Dump(w io.Writer) {
	for _, u := range s.list {
		fmt.Fprintf(w, "  %s\n", u)
	}
}
