package regs

import (
	"fmt"
	"strings"
)

// Reg names a guest register or sub-register.
type Reg uint8

const (
	RegNone Reg = iota

	EAX
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI

	AX
	CX
	DX
	BX
	SP
	BP
	SI
	DI

	AL
	CL
	DL
	BL
	AH
	CH
	DH
	BH

	ES
	CS
	SS
	DS
	FS
	GS

	RegCount
)

var regNames = [RegCount]string{
	RegNone: "none",
	EAX:     "eax", ECX: "ecx", EDX: "edx", EBX: "ebx", ESP: "esp", EBP: "ebp", ESI: "esi", EDI: "edi",
	AX: "ax", CX: "cx", DX: "dx", BX: "bx", SP: "sp", BP: "bp", SI: "si", DI: "di",
	AL: "al", CL: "cl", DL: "dl", BL: "bl", AH: "ah", CH: "ch", DH: "dh", BH: "bh",
	ES: "es", CS: "cs", SS: "ss", DS: "ds", FS: "fs", GS: "gs",
}

func (r Reg) String() string {
	if r < RegCount {
		return regNames[r]
	}
	return fmt.Sprintf("reg(%d)", uint8(r))
}

// Size returns the register width in bytes.
func (r Reg) Size() int {
	switch {
	case r >= EAX && r <= EDI:
		return 4
	case r >= AX && r <= DI:
		return 2
	case r >= AL && r <= BH:
		return 1
	case r >= ES && r <= GS:
		return 2
	}
	return 0
}

// IsSegment reports whether r is a segment register.
func (r Reg) IsSegment() bool {
	return r >= ES && r <= GS
}

// ParseReg looks a register up by its lowercase name.
func ParseReg(name string) (Reg, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for r := EAX; r < RegCount; r++ {
		if regNames[r] == name {
			return r, true
		}
	}
	return RegNone, false
}

// Eflags bits.
const (
	FlagCF uint32 = 1 << 0
	FlagPF uint32 = 1 << 2
	FlagAF uint32 = 1 << 4
	FlagZF uint32 = 1 << 6
	FlagSF uint32 = 1 << 7
	FlagTF uint32 = 1 << 8
	FlagIF uint32 = 1 << 9
	FlagDF uint32 = 1 << 10
	FlagOF uint32 = 1 << 11
)

// FpuExceptionMask covers the six x87 exception mask bits of the control word.
const FpuExceptionMask uint16 = 0x3f

const defaultFpuCtrl uint16 = 0x037f

// FpuReg is one slot of the x87 register stack.
type FpuReg struct {
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

// Xmm is one 128-bit vector register.
type Xmm [16]byte

// RegisterFile holds the architectural state of one guest thread. It is a
// plain value: assigning it copies every register.
type RegisterFile struct {
	Gpr    [8]uint32 `json:"gpr"`
	Seg    [6]uint16 `json:"seg"`
	Eip    uint32    `json:"eip"`
	Eflags uint32    `json:"eflags"`

	Fpu     [8]FpuReg `json:"fpu"`
	FpuTop  int       `json:"fpu_top"`
	FpuCode uint16    `json:"fpu_code"`
	FpuCtrl uint16    `json:"fpu_ctrl"`
	Xmm     [8]Xmm    `json:"xmm"`
	Mxcsr   uint32    `json:"mxcsr"`
}

// NewRegisterFile returns a register file in the reset state.
func NewRegisterFile() *RegisterFile {
	return &RegisterFile{
		Eflags:  0x202,
		FpuCtrl: defaultFpuCtrl,
		Mxcsr:   0x1f80,
	}
}

// Clone returns an independent copy.
func (r *RegisterFile) Clone() *RegisterFile {
	c := *r
	return &c
}

// Read returns the value of reg, zero-extended.
func (r *RegisterFile) Read(reg Reg) uint32 {
	switch {
	case reg >= EAX && reg <= EDI:
		return r.Gpr[reg-EAX]
	case reg >= AX && reg <= DI:
		return r.Gpr[reg-AX] & 0xffff
	case reg >= AL && reg <= BL:
		return r.Gpr[reg-AL] & 0xff
	case reg >= AH && reg <= BH:
		return (r.Gpr[reg-AH] >> 8) & 0xff
	case reg >= ES && reg <= GS:
		return uint32(r.Seg[reg-ES])
	}
	return 0
}

// Write stores v into reg, preserving the untouched bytes of the enclosing
// 32-bit register.
func (r *RegisterFile) Write(reg Reg, v uint32) {
	switch {
	case reg >= EAX && reg <= EDI:
		r.Gpr[reg-EAX] = v
	case reg >= AX && reg <= DI:
		p := &r.Gpr[reg-AX]
		*p = (*p &^ 0xffff) | (v & 0xffff)
	case reg >= AL && reg <= BL:
		p := &r.Gpr[reg-AL]
		*p = (*p &^ 0xff) | (v & 0xff)
	case reg >= AH && reg <= BH:
		p := &r.Gpr[reg-AH]
		*p = (*p &^ 0xff00) | ((v & 0xff) << 8)
	case reg >= ES && reg <= GS:
		r.Seg[reg-ES] = uint16(v)
	}
}

func (r *RegisterFile) Flag(mask uint32) bool {
	return r.Eflags&mask != 0
}

func (r *RegisterFile) SetFlag(mask uint32, on bool) {
	if on {
		r.Eflags |= mask
	} else {
		r.Eflags &^= mask
	}
}

// Esp and Eax are the registers the core touches most.
func (r *RegisterFile) Esp() uint32     { return r.Gpr[ESP-EAX] }
func (r *RegisterFile) SetEsp(v uint32) { r.Gpr[ESP-EAX] = v }
func (r *RegisterFile) Eax() uint32     { return r.Gpr[EAX-EAX] }
func (r *RegisterFile) SetEax(v uint32) { r.Gpr[EAX-EAX] = v }

// Dump renders general registers and flags on one line each.
func (r *RegisterFile) Dump() string {
	var sb strings.Builder
	for reg := EAX; reg <= EDI; reg++ {
		fmt.Fprintf(&sb, "%s=0x%08x ", reg, r.Read(reg))
	}
	fmt.Fprintf(&sb, "\neip=0x%08x eflags=0x%08x fpu_ctrl=0x%04x", r.Eip, r.Eflags, r.FpuCtrl)
	return sb.String()
}
