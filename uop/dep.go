package uop

import (
	"fmt"

	"github.com/jam-duna/x86emu/regs"
)

// Dep is a micro-op dependency. Values below DepCount are concrete
// registers; higher values are placeholders resolved against the current
// macro-instruction's operands.
type Dep uint8

const (
	DepNone Dep = iota

	DepEax
	DepEcx
	DepEdx
	DepEbx
	DepEsp
	DepEbp
	DepEsi
	DepEdi

	DepEs
	DepCs
	DepSs
	DepDs
	DepFs
	DepGs

	DepZps
	DepOf
	DepCf
	DepDf

	DepAux
	DepAux2
	DepEa
	DepData

	DepSt0
	DepSt1
	DepSt2
	DepSt3
	DepSt4
	DepSt5
	DepSt6
	DepSt7

	DepFpst
	DepFpcw
	DepFpaux

	DepXmm0
	DepXmm1
	DepXmm2
	DepXmm3
	DepXmm4
	DepXmm5
	DepXmm6
	DepXmm7
	DepXmmData

	DepCount
)

// Placeholders.
const (
	DepRm8 Dep = iota + 64
	DepRm16
	DepRm32

	DepIr8
	DepIr16
	DepIr32

	DepR8
	DepR16
	DepR32
	DepSreg

	DepMem8
	DepMem16
	DepMem32
	DepMem64
	DepMem80
	DepMem128

	DepEaseg
	DepEabas
	DepEaidx

	DepSti

	DepXmmm32
	DepXmmm64
	DepXmmm128
	DepXmm
)

var depNames = [DepCount]string{
	"-",
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	"es", "cs", "ss", "ds", "fs", "gs",
	"zps", "of", "cf", "df",
	"aux", "aux2", "ea", "data",
	"st0", "st1", "st2", "st3", "st4", "st5", "st6", "st7",
	"fpst", "fpcw", "fpaux",
	"xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5", "xmm6", "xmm7",
	"xmm_data",
}

var placeholderNames = map[Dep]string{
	DepRm8: "*RM8*", DepRm16: "*RM16*", DepRm32: "*RM32*",
	DepIr8: "*IR8*", DepIr16: "*IR16*", DepIr32: "*IR32*",
	DepR8: "*R8*", DepR16: "*R16*", DepR32: "*R32*",
	DepSreg: "*SREG*",
	DepMem8: "*MEM8*", DepMem16: "*MEM16*", DepMem32: "*MEM32*",
	DepMem64: "*MEM64*", DepMem80: "*MEM80*", DepMem128: "*MEM128*",
	DepEaseg: "*EASEG*", DepEabas: "*EABAS*", DepEaidx: "*EAIDX*",
	DepSti:    "*STI*",
	DepXmmm32: "*XMMM32*", DepXmmm64: "*XMMM64*", DepXmmm128: "*XMMM128*",
	DepXmm: "*XMM*",
}

func (d Dep) String() string {
	if d < DepCount {
		return depNames[d]
	}
	if name, ok := placeholderNames[d]; ok {
		return name
	}
	return fmt.Sprintf("dep(%d)", uint8(d))
}

// IsConcrete reports whether d names a register rather than a placeholder.
func (d Dep) IsConcrete() bool {
	return d < DepCount
}

// DepFromReg maps a register to its dependency. Sub-registers resolve to
// their enclosing 32-bit register.
func DepFromReg(r regs.Reg) Dep {
	switch {
	case r >= regs.EAX && r <= regs.EDI:
		return DepEax + Dep(r-regs.EAX)
	case r >= regs.AX && r <= regs.DI:
		return DepEax + Dep(r-regs.AX)
	case r >= regs.AL && r <= regs.BL:
		return DepEax + Dep(r-regs.AL)
	case r >= regs.AH && r <= regs.BH:
		return DepEax + Dep(r-regs.AH)
	case r >= regs.ES && r <= regs.GS:
		return DepEs + Dep(r-regs.ES)
	}
	return DepNone
}

// In packs up to three input dependencies.
func In(deps ...Dep) (in [MaxIdeps]Dep) {
	copy(in[:], deps)
	return in
}

// Out packs up to four output dependencies.
func Out(deps ...Dep) (out [MaxOdeps]Dep) {
	copy(out[:], deps)
	return out
}
