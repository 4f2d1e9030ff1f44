package isa

import (
	"fmt"
	"strings"

	"github.com/jam-duna/x86emu/emuerrors"
	"github.com/jam-duna/x86emu/regs"
	"golang.org/x/arch/x86/x86asm"
)

// MaxInstLen is the fetch window the core reads at the instruction pointer.
const MaxInstLen = 20

// Instruction is one decoded guest instruction plus the raw operand-encoding
// fields the micro-op emitter needs.
type Instruction struct {
	x86asm.Inst
	Addr  uint32
	Bytes []byte

	HasModRM bool
	ModRmMod uint8
	ModRmReg uint8
	ModRmRm  uint8
	OpIndex  uint8
	Prefixes int
	OpLen    int
}

// Decode decodes the instruction in buf, located at guest address addr.
func Decode(buf []byte, addr uint32) (*Instruction, error) {
	inst, err := x86asm.Decode(buf, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: eip=0x%x bytes=% x: %v", emuerrors.ErrUnsupportedInstruction, addr, head(buf, 8), err)
	}
	// Truncated or prefix-only input decodes to a pseudo-instruction with
	// no opcode.
	if inst.Op == 0 {
		return nil, fmt.Errorf("%w: eip=0x%x bytes=% x: incomplete instruction", emuerrors.ErrUnsupportedInstruction, addr, head(buf, 8))
	}
	in := &Instruction{
		Inst:  inst,
		Addr:  addr,
		Bytes: append([]byte(nil), buf[:inst.Len]...),
	}
	in.parseEncoding()
	return in, nil
}

func head(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[:n]
}

// NextEip returns the address of the following instruction.
func (in *Instruction) NextEip() uint32 {
	return in.Addr + uint32(in.Len)
}

// String renders the instruction in Intel syntax.
func (in *Instruction) String() string {
	return x86asm.IntelSyntax(in.Inst, uint64(in.Addr), nil)
}

// MemArg returns the memory operand, if any.
func (in *Instruction) MemArg() (x86asm.Mem, bool) {
	for _, a := range in.Args {
		if a == nil {
			break
		}
		if m, ok := a.(x86asm.Mem); ok {
			return m, true
		}
	}
	return x86asm.Mem{}, false
}

// RmIsMemory reports whether the r/m operand addresses memory.
func (in *Instruction) RmIsMemory() bool {
	return in.HasModRM && in.ModRmMod != 3
}

// Segment returns the segment of the memory operand, honoring overrides and
// the SS default for ESP/EBP based addressing.
func (in *Instruction) Segment() regs.Reg {
	m, ok := in.MemArg()
	if !ok {
		return regs.RegNone
	}
	if m.Segment != 0 {
		return RegFromX86(m.Segment)
	}
	if m.Base == x86asm.ESP || m.Base == x86asm.EBP {
		return regs.SS
	}
	return regs.DS
}

// Base returns the base register of the memory operand.
func (in *Instruction) Base() regs.Reg {
	m, _ := in.MemArg()
	return RegFromX86(m.Base)
}

// Index returns the index register of the memory operand.
func (in *Instruction) Index() regs.Reg {
	m, _ := in.MemArg()
	return RegFromX86(m.Index)
}

// RegFromX86 maps a decoder register to the register file naming. Registers
// the register file does not model map to RegNone.
func RegFromX86(r x86asm.Reg) regs.Reg {
	switch {
	case r >= x86asm.EAX && r <= x86asm.EDI:
		return regs.EAX + regs.Reg(r-x86asm.EAX)
	case r >= x86asm.AX && r <= x86asm.DI:
		return regs.AX + regs.Reg(r-x86asm.AX)
	case r >= x86asm.AL && r <= x86asm.BH:
		return regs.AL + regs.Reg(r-x86asm.AL)
	case r >= x86asm.ES && r <= x86asm.GS:
		return regs.ES + regs.Reg(r-x86asm.ES)
	}
	return regs.RegNone
}

// Disassemble renders code located at addr, one instruction per line.
func Disassemble(code []byte, addr uint32) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 32)
		if err != nil {
			sb.WriteString(fmt.Sprintf("0x%08x: db 0x%02x\n", addr+uint32(offset), code[offset]))
			offset++
			continue
		}
		var hexBytes []string
		for i := 0; i < inst.Len; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		sb.WriteString(fmt.Sprintf(
			"0x%08x: %-24s %s\n",
			addr+uint32(offset),
			strings.Join(hexBytes, " "),
			x86asm.IntelSyntax(inst, uint64(addr)+uint64(offset), nil),
		))
		offset += inst.Len
	}
	return sb.String()
}
