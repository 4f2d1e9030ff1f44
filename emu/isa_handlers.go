package emu

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/jam-duna/x86emu/emuerrors"
	"github.com/jam-duna/x86emu/isa"
	"github.com/jam-duna/x86emu/regs"
	"github.com/jam-duna/x86emu/uop"
	"golang.org/x/arch/x86/x86asm"
)

type opHandler func(c *Context, in *isa.Instruction) error

var opHandlers map[x86asm.Op]opHandler

func init() {
	opHandlers = map[x86asm.Op]opHandler{
		x86asm.NOP:   handleNOP,
		x86asm.MOV:   handleMOV,
		x86asm.MOVZX: handleMOVZX,
		x86asm.MOVSX: handleMOVSX,
		x86asm.LEA:   handleLEA,
		x86asm.XCHG:  handleXCHG,
		x86asm.ADD:   handleADD,
		x86asm.SUB:   handleSUB,
		x86asm.AND:   handleAND,
		x86asm.OR:    handleOR,
		x86asm.XOR:   handleXOR,
		x86asm.CMP:   handleCMP,
		x86asm.TEST:  handleTEST,
		x86asm.INC:   handleINC,
		x86asm.DEC:   handleDEC,
		x86asm.NEG:   handleNEG,
		x86asm.NOT:   handleNOT,
		x86asm.SHL:   handleSHL,
		x86asm.SHR:   handleSHR,
		x86asm.SAR:   handleSAR,
		x86asm.PUSH:  handlePUSH,
		x86asm.POP:   handlePOP,
		x86asm.LEAVE: handleLEAVE,
		x86asm.JMP:   handleJMP,
		x86asm.CALL:  handleCALL,
		x86asm.RET:   handleRET,
		x86asm.INT:   handleINT,
		x86asm.HLT:   handleHLT,
	}
	for op := range jccConditions {
		opHandlers[op] = handleJcc
	}
}

// operand access

func sizeMask(size int) uint32 {
	if size >= 4 {
		return 0xffffffff
	}
	return 1<<(8*uint(size)) - 1
}

func signBit(size int) uint32 {
	return 1 << (8*uint(size) - 1)
}

// opSize returns the width in bytes of argument i.
func opSize(in *isa.Instruction, i int) int {
	switch a := in.Args[i].(type) {
	case x86asm.Reg:
		if r := isa.RegFromX86(a); r != regs.RegNone {
			return r.Size()
		}
	case x86asm.Mem:
		if in.MemBytes > 0 {
			return in.MemBytes
		}
	}
	if in.DataSize == 16 {
		return 2
	}
	return 4
}

// effectiveAddress computes and records the address of a memory operand.
func (c *Context) effectiveAddress(m x86asm.Mem) uint32 {
	addr := uint32(m.Disp)
	if r := isa.RegFromX86(m.Base); r != regs.RegNone {
		addr += c.regs.Read(r)
	}
	if r := isa.RegFromX86(m.Index); r != regs.RegNone {
		addr += c.regs.Read(r) * uint32(m.Scale)
	}
	if m.Segment == x86asm.GS {
		addr += c.glibcSegmentBase
	}
	c.effAddr = addr
	return addr
}

func (c *Context) loadValue(addr uint32, size int) (uint32, error) {
	var b [4]byte
	if err := c.ReadMem(addr, b[:size]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (c *Context) storeValue(addr uint32, size int, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return c.WriteMem(addr, b[:size])
}

func (c *Context) readArg(in *isa.Instruction, arg x86asm.Arg, size int) (uint32, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		r := isa.RegFromX86(a)
		if r == regs.RegNone {
			return 0, fmt.Errorf("%w: register %s", emuerrors.ErrUnsupportedOperand, a)
		}
		return c.regs.Read(r), nil
	case x86asm.Mem:
		return c.loadValue(c.effectiveAddress(a), size)
	case x86asm.Imm:
		return uint32(a) & sizeMask(size), nil
	case x86asm.Rel:
		return in.NextEip() + uint32(int32(a)), nil
	}
	return 0, fmt.Errorf("%w: %v", emuerrors.ErrUnsupportedOperand, arg)
}

func (c *Context) writeArg(arg x86asm.Arg, size int, v uint32) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		r := isa.RegFromX86(a)
		if r == regs.RegNone {
			return fmt.Errorf("%w: register %s", emuerrors.ErrUnsupportedOperand, a)
		}
		c.regs.Write(r, v)
		return nil
	case x86asm.Mem:
		return c.storeValue(c.effectiveAddress(a), size, v)
	}
	return fmt.Errorf("%w: cannot write %v", emuerrors.ErrUnsupportedOperand, arg)
}

// argDep maps an argument to its micro-op dependency. Memory operands use
// the r/m placeholder when encoded through ModRM.
func argDep(in *isa.Instruction, arg x86asm.Arg, size int) uop.Dep {
	switch a := arg.(type) {
	case x86asm.Reg:
		return uop.DepFromReg(isa.RegFromX86(a))
	case x86asm.Mem:
		if in.HasModRM {
			switch size {
			case 1:
				return uop.DepRm8
			case 2:
				return uop.DepRm16
			}
			return uop.DepRm32
		}
		switch size {
		case 1:
			return uop.DepMem8
		case 2:
			return uop.DepMem16
		}
		return uop.DepMem32
	}
	return uop.DepNone
}

func (c *Context) emit(op uop.Opcode, in [uop.MaxIdeps]uop.Dep, out [uop.MaxOdeps]uop.Dep) {
	c.emu.Stream.Emit(c, op, in, out)
}

func (c *Context) emitMem(op uop.Opcode, addr uint32, size int, in [uop.MaxIdeps]uop.Dep, out [uop.MaxOdeps]uop.Dep) {
	c.emu.Stream.EmitMem(c, op, addr, size, in, out)
}

// flags

func parity(v uint32) bool {
	return bits.OnesCount8(uint8(v))%2 == 0
}

func (c *Context) setResultFlags(res uint32, size int) {
	res &= sizeMask(size)
	c.regs.SetFlag(regs.FlagZF, res == 0)
	c.regs.SetFlag(regs.FlagSF, res&signBit(size) != 0)
	c.regs.SetFlag(regs.FlagPF, parity(res))
}

func (c *Context) setAddFlags(a, b, res uint32, size int, carry bool) {
	m, s := sizeMask(size), signBit(size)
	a, b, res = a&m, b&m, res&m
	if carry {
		c.regs.SetFlag(regs.FlagCF, res < a)
	}
	c.regs.SetFlag(regs.FlagOF, (a&s) == (b&s) && (res&s) != (a&s))
	c.regs.SetFlag(regs.FlagAF, (a^b^res)&0x10 != 0)
	c.setResultFlags(res, size)
}

func (c *Context) setSubFlags(a, b, res uint32, size int, carry bool) {
	m, s := sizeMask(size), signBit(size)
	a, b, res = a&m, b&m, res&m
	if carry {
		c.regs.SetFlag(regs.FlagCF, a < b)
	}
	c.regs.SetFlag(regs.FlagOF, (a&s) != (b&s) && (res&s) != (a&s))
	c.regs.SetFlag(regs.FlagAF, (a^b^res)&0x10 != 0)
	c.setResultFlags(res, size)
}

func (c *Context) setLogicFlags(res uint32, size int) {
	c.regs.SetFlag(regs.FlagCF, false)
	c.regs.SetFlag(regs.FlagOF, false)
	c.setResultFlags(res, size)
}

// handlers

func handleNOP(c *Context, in *isa.Instruction) error {
	c.emit(uop.Nop, uop.In(), uop.Out())
	return nil
}

func handleHLT(c *Context, in *isa.Instruction) error {
	return fmt.Errorf("%w: hlt in user mode", emuerrors.ErrHalt)
}

func handleMOV(c *Context, in *isa.Instruction) error {
	size := opSize(in, 0)
	v, err := c.readArg(in, in.Args[1], size)
	if err != nil {
		return err
	}
	if err := c.writeArg(in.Args[0], size, v); err != nil {
		return err
	}
	c.emit(uop.Move, uop.In(argDep(in, in.Args[1], size)), uop.Out(argDep(in, in.Args[0], size)))
	return nil
}

func movExtend(c *Context, in *isa.Instruction, signed bool) error {
	dst, src := opSize(in, 0), opSize(in, 1)
	v, err := c.readArg(in, in.Args[1], src)
	if err != nil {
		return err
	}
	if signed && v&signBit(src) != 0 {
		v |= ^sizeMask(src)
	}
	if err := c.writeArg(in.Args[0], dst, v&sizeMask(dst)); err != nil {
		return err
	}
	op := uop.Move
	if signed {
		op = uop.Sign
	}
	c.emit(op, uop.In(argDep(in, in.Args[1], src)), uop.Out(argDep(in, in.Args[0], dst)))
	return nil
}

func handleMOVZX(c *Context, in *isa.Instruction) error { return movExtend(c, in, false) }
func handleMOVSX(c *Context, in *isa.Instruction) error { return movExtend(c, in, true) }

func handleLEA(c *Context, in *isa.Instruction) error {
	m, ok := in.Args[1].(x86asm.Mem)
	if !ok {
		return fmt.Errorf("%w: lea without memory operand", emuerrors.ErrUnsupportedOperand)
	}
	size := opSize(in, 0)
	addr := c.effectiveAddress(m)
	if m.Segment == x86asm.GS {
		addr -= c.glibcSegmentBase
	}
	if err := c.writeArg(in.Args[0], size, addr); err != nil {
		return err
	}
	c.emit(uop.Effaddr, uop.In(uop.DepEabas, uop.DepEaidx), uop.Out(argDep(in, in.Args[0], size)))
	return nil
}

func handleXCHG(c *Context, in *isa.Instruction) error {
	size := opSize(in, 0)
	a, err := c.readArg(in, in.Args[0], size)
	if err != nil {
		return err
	}
	b, err := c.readArg(in, in.Args[1], size)
	if err != nil {
		return err
	}
	if err := c.writeArg(in.Args[0], size, b); err != nil {
		return err
	}
	if err := c.writeArg(in.Args[1], size, a); err != nil {
		return err
	}
	d0, d1 := argDep(in, in.Args[0], size), argDep(in, in.Args[1], size)
	c.emit(uop.Move, uop.In(d0, d1), uop.Out(d0, d1))
	return nil
}

type aluKind int

const (
	aluAdd aluKind = iota
	aluSub
	aluAnd
	aluOr
	aluXor
)

var aluUops = [...]uop.Opcode{aluAdd: uop.Add, aluSub: uop.Sub, aluAnd: uop.And, aluOr: uop.Or, aluXor: uop.Xor}

// alu runs a two-operand arithmetic or logic instruction. writeBack is
// false for cmp and test.
func alu(c *Context, in *isa.Instruction, kind aluKind, writeBack bool) error {
	size := opSize(in, 0)
	a, err := c.readArg(in, in.Args[0], size)
	if err != nil {
		return err
	}
	b, err := c.readArg(in, in.Args[1], size)
	if err != nil {
		return err
	}
	var res uint32
	switch kind {
	case aluAdd:
		res = a + b
		c.setAddFlags(a, b, res, size, true)
	case aluSub:
		res = a - b
		c.setSubFlags(a, b, res, size, true)
	case aluAnd:
		res = a & b
		c.setLogicFlags(res, size)
	case aluOr:
		res = a | b
		c.setLogicFlags(res, size)
	case aluXor:
		res = a ^ b
		c.setLogicFlags(res, size)
	}
	if writeBack {
		if err := c.writeArg(in.Args[0], size, res&sizeMask(size)); err != nil {
			return err
		}
	}

	dst, src := argDep(in, in.Args[0], size), argDep(in, in.Args[1], size)
	if writeBack {
		c.emit(aluUops[kind], uop.In(dst, src), uop.Out(dst, uop.DepZps, uop.DepCf, uop.DepOf))
	} else {
		c.emit(aluUops[kind], uop.In(dst, src), uop.Out(uop.DepZps, uop.DepCf, uop.DepOf))
	}
	return nil
}

func handleADD(c *Context, in *isa.Instruction) error  { return alu(c, in, aluAdd, true) }
func handleSUB(c *Context, in *isa.Instruction) error  { return alu(c, in, aluSub, true) }
func handleAND(c *Context, in *isa.Instruction) error  { return alu(c, in, aluAnd, true) }
func handleOR(c *Context, in *isa.Instruction) error   { return alu(c, in, aluOr, true) }
func handleXOR(c *Context, in *isa.Instruction) error  { return alu(c, in, aluXor, true) }
func handleCMP(c *Context, in *isa.Instruction) error  { return alu(c, in, aluSub, false) }
func handleTEST(c *Context, in *isa.Instruction) error { return alu(c, in, aluAnd, false) }

func incDec(c *Context, in *isa.Instruction, delta uint32) error {
	size := opSize(in, 0)
	a, err := c.readArg(in, in.Args[0], size)
	if err != nil {
		return err
	}
	res := a + delta
	op := uop.Add
	if delta == 1 {
		c.setAddFlags(a, 1, res, size, false)
	} else {
		c.setSubFlags(a, 1, res, size, false)
		op = uop.Sub
	}
	if err := c.writeArg(in.Args[0], size, res&sizeMask(size)); err != nil {
		return err
	}
	dst := argDep(in, in.Args[0], size)
	c.emit(op, uop.In(dst), uop.Out(dst, uop.DepZps, uop.DepOf))
	return nil
}

func handleINC(c *Context, in *isa.Instruction) error { return incDec(c, in, 1) }
func handleDEC(c *Context, in *isa.Instruction) error { return incDec(c, in, 0xffffffff) }

func handleNEG(c *Context, in *isa.Instruction) error {
	size := opSize(in, 0)
	a, err := c.readArg(in, in.Args[0], size)
	if err != nil {
		return err
	}
	res := -a
	c.setSubFlags(0, a, res, size, false)
	c.regs.SetFlag(regs.FlagCF, a&sizeMask(size) != 0)
	if err := c.writeArg(in.Args[0], size, res&sizeMask(size)); err != nil {
		return err
	}
	dst := argDep(in, in.Args[0], size)
	c.emit(uop.Sub, uop.In(dst), uop.Out(dst, uop.DepZps, uop.DepCf, uop.DepOf))
	return nil
}

func handleNOT(c *Context, in *isa.Instruction) error {
	size := opSize(in, 0)
	a, err := c.readArg(in, in.Args[0], size)
	if err != nil {
		return err
	}
	if err := c.writeArg(in.Args[0], size, ^a&sizeMask(size)); err != nil {
		return err
	}
	dst := argDep(in, in.Args[0], size)
	c.emit(uop.Not, uop.In(dst), uop.Out(dst))
	return nil
}

func shift(c *Context, in *isa.Instruction, op x86asm.Op) error {
	size := opSize(in, 0)
	a, err := c.readArg(in, in.Args[0], size)
	if err != nil {
		return err
	}
	n, err := c.readArg(in, in.Args[1], 1)
	if err != nil {
		return err
	}
	n &= 0x1f
	if n == 0 {
		return nil
	}
	width := uint32(8 * size)
	a &= sizeMask(size)
	var res uint32
	var cf bool
	switch op {
	case x86asm.SHL:
		res = a << n
		cf = n <= width && (a>>(width-n))&1 != 0
		c.regs.SetFlag(regs.FlagOF, (res&signBit(size) != 0) != cf)
	case x86asm.SHR:
		res = a >> n
		cf = (a>>(n-1))&1 != 0
		c.regs.SetFlag(regs.FlagOF, a&signBit(size) != 0)
	case x86asm.SAR:
		sv := int32(a << (32 - width))
		sv >>= 32 - width
		res = uint32(sv >> n)
		cf = (uint32(sv)>>(n-1))&1 != 0
		c.regs.SetFlag(regs.FlagOF, false)
	}
	c.regs.SetFlag(regs.FlagCF, cf)
	c.setResultFlags(res, size)
	if err := c.writeArg(in.Args[0], size, res&sizeMask(size)); err != nil {
		return err
	}
	dst := argDep(in, in.Args[0], size)
	c.emit(uop.Shift, uop.In(dst, argDep(in, in.Args[1], 1)), uop.Out(dst, uop.DepZps, uop.DepCf, uop.DepOf))
	return nil
}

func handleSHL(c *Context, in *isa.Instruction) error { return shift(c, in, x86asm.SHL) }
func handleSHR(c *Context, in *isa.Instruction) error { return shift(c, in, x86asm.SHR) }
func handleSAR(c *Context, in *isa.Instruction) error { return shift(c, in, x86asm.SAR) }

// Push writes v below the stack pointer.
func (c *Context) Push(v uint32) error {
	esp := c.regs.Esp() - 4
	if err := c.storeValue(esp, 4, v); err != nil {
		return err
	}
	c.regs.SetEsp(esp)
	return nil
}

// Pop reads the value at the stack pointer.
func (c *Context) Pop() (uint32, error) {
	esp := c.regs.Esp()
	v, err := c.loadValue(esp, 4)
	if err != nil {
		return 0, err
	}
	c.regs.SetEsp(esp + 4)
	return v, nil
}

func handlePUSH(c *Context, in *isa.Instruction) error {
	size := opSize(in, 0)
	if _, ok := in.Args[0].(x86asm.Imm); ok {
		size = 4
	}
	v, err := c.readArg(in, in.Args[0], size)
	if err != nil {
		return err
	}
	if imm, ok := in.Args[0].(x86asm.Imm); ok {
		v = uint32(imm)
	}
	if err := c.Push(v); err != nil {
		return err
	}
	c.emit(uop.Sub, uop.In(uop.DepEsp), uop.Out(uop.DepEsp))
	c.emitMem(uop.Store, c.regs.Esp(), 4, uop.In(uop.DepEsp, argDep(in, in.Args[0], size)), uop.Out())
	return nil
}

func handlePOP(c *Context, in *isa.Instruction) error {
	esp := c.regs.Esp()
	v, err := c.Pop()
	if err != nil {
		return err
	}
	if err := c.writeArg(in.Args[0], 4, v); err != nil {
		return err
	}
	c.emitMem(uop.Load, esp, 4, uop.In(uop.DepEsp), uop.Out(argDep(in, in.Args[0], 4)))
	c.emit(uop.Add, uop.In(uop.DepEsp), uop.Out(uop.DepEsp))
	return nil
}

func handleLEAVE(c *Context, in *isa.Instruction) error {
	c.regs.SetEsp(c.regs.Read(regs.EBP))
	esp := c.regs.Esp()
	v, err := c.Pop()
	if err != nil {
		return err
	}
	c.regs.Write(regs.EBP, v)
	c.emit(uop.Move, uop.In(uop.DepEbp), uop.Out(uop.DepEsp))
	c.emitMem(uop.Load, esp, 4, uop.In(uop.DepEsp), uop.Out(uop.DepEbp))
	c.emit(uop.Add, uop.In(uop.DepEsp), uop.Out(uop.DepEsp))
	return nil
}

func handleJMP(c *Context, in *isa.Instruction) error {
	target, err := c.readArg(in, in.Args[0], 4)
	if err != nil {
		return err
	}
	c.regs.Eip = target
	if _, ok := in.Args[0].(x86asm.Rel); ok {
		c.emit(uop.Jump, uop.In(), uop.Out())
	} else {
		c.emit(uop.Jump, uop.In(argDep(in, in.Args[0], 4)), uop.Out())
	}
	return nil
}

var jccConditions = map[x86asm.Op]func(r *regs.RegisterFile) bool{
	x86asm.JO:  func(r *regs.RegisterFile) bool { return r.Flag(regs.FlagOF) },
	x86asm.JNO: func(r *regs.RegisterFile) bool { return !r.Flag(regs.FlagOF) },
	x86asm.JB:  func(r *regs.RegisterFile) bool { return r.Flag(regs.FlagCF) },
	x86asm.JAE: func(r *regs.RegisterFile) bool { return !r.Flag(regs.FlagCF) },
	x86asm.JE:  func(r *regs.RegisterFile) bool { return r.Flag(regs.FlagZF) },
	x86asm.JNE: func(r *regs.RegisterFile) bool { return !r.Flag(regs.FlagZF) },
	x86asm.JBE: func(r *regs.RegisterFile) bool { return r.Flag(regs.FlagCF) || r.Flag(regs.FlagZF) },
	x86asm.JA:  func(r *regs.RegisterFile) bool { return !r.Flag(regs.FlagCF) && !r.Flag(regs.FlagZF) },
	x86asm.JS:  func(r *regs.RegisterFile) bool { return r.Flag(regs.FlagSF) },
	x86asm.JNS: func(r *regs.RegisterFile) bool { return !r.Flag(regs.FlagSF) },
	x86asm.JP:  func(r *regs.RegisterFile) bool { return r.Flag(regs.FlagPF) },
	x86asm.JNP: func(r *regs.RegisterFile) bool { return !r.Flag(regs.FlagPF) },
	x86asm.JL:  func(r *regs.RegisterFile) bool { return r.Flag(regs.FlagSF) != r.Flag(regs.FlagOF) },
	x86asm.JGE: func(r *regs.RegisterFile) bool { return r.Flag(regs.FlagSF) == r.Flag(regs.FlagOF) },
	x86asm.JLE: func(r *regs.RegisterFile) bool {
		return r.Flag(regs.FlagZF) || r.Flag(regs.FlagSF) != r.Flag(regs.FlagOF)
	},
	x86asm.JG: func(r *regs.RegisterFile) bool {
		return !r.Flag(regs.FlagZF) && r.Flag(regs.FlagSF) == r.Flag(regs.FlagOF)
	},
	x86asm.JECXZ: func(r *regs.RegisterFile) bool { return r.Read(regs.ECX) == 0 },
}

func handleJcc(c *Context, in *isa.Instruction) error {
	target, err := c.readArg(in, in.Args[0], 4)
	if err != nil {
		return err
	}
	if jccConditions[in.Op](c.regs) {
		c.regs.Eip = target
	}
	if in.Op == x86asm.JECXZ {
		c.emit(uop.Branch, uop.In(uop.DepEcx), uop.Out())
	} else {
		c.emit(uop.Branch, uop.In(uop.DepZps, uop.DepCf, uop.DepOf), uop.Out())
	}
	return nil
}

func handleCALL(c *Context, in *isa.Instruction) error {
	target, err := c.readArg(in, in.Args[0], 4)
	if err != nil {
		return err
	}
	if err := c.Push(in.NextEip()); err != nil {
		return err
	}
	c.regs.Eip = target
	if c.callStack != nil && !c.Speculative() {
		c.callStack.Call(c.currentEip, target, c.regs.Esp())
	}
	if _, ok := in.Args[0].(x86asm.Rel); ok {
		c.emit(uop.Call, uop.In(), uop.Out())
	} else {
		c.emit(uop.Call, uop.In(argDep(in, in.Args[0], 4)), uop.Out())
	}
	c.emit(uop.Sub, uop.In(uop.DepEsp), uop.Out(uop.DepEsp))
	c.emitMem(uop.Store, c.regs.Esp(), 4, uop.In(uop.DepEsp), uop.Out())
	return nil
}

func handleRET(c *Context, in *isa.Instruction) error {
	esp := c.regs.Esp()
	target, err := c.Pop()
	if err != nil {
		return err
	}
	if imm, ok := in.Args[0].(x86asm.Imm); ok {
		c.regs.SetEsp(c.regs.Esp() + uint32(imm))
	}
	c.regs.Eip = target
	if c.callStack != nil && !c.Speculative() {
		c.callStack.Return(target, c.regs.Esp())
	}
	c.emitMem(uop.Load, esp, 4, uop.In(uop.DepEsp), uop.Out(uop.DepAux))
	c.emit(uop.Add, uop.In(uop.DepEsp), uop.Out(uop.DepEsp))
	c.emit(uop.Ret, uop.In(uop.DepAux), uop.Out())
	return nil
}

func handleINT(c *Context, in *isa.Instruction) error {
	imm, ok := in.Args[0].(x86asm.Imm)
	if !ok || imm != 0x80 {
		return fmt.Errorf("%w: int %v", emuerrors.ErrUnsupportedInstruction, in.Args[0])
	}
	c.emit(uop.Syscall, uop.In(uop.DepEax, uop.DepEbx, uop.DepEcx), uop.Out(uop.DepEax))
	if c.Speculative() {
		// Wrong-path system calls reach neither the host nor the scheduler.
		return nil
	}
	return c.ExecuteSyscall()
}
