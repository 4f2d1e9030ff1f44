package uop

import (
	"fmt"
	"strings"
)

const (
	MaxIdeps = 3
	MaxOdeps = 4
	MaxDeps  = MaxIdeps + MaxOdeps
)

type Opcode uint8

const (
	Nop Opcode = iota

	Move
	Add
	Sub
	Mult
	Div
	Effaddr

	And
	Or
	Xor
	Not
	Shift
	Sign

	Fmove
	Fsign
	Fround

	Fadd
	Fsub
	Fcomp
	Fmult
	Fdiv

	Fexp
	Flog
	Fsin
	Fcos
	Fsincos
	Ftan
	Fatan
	Fsqrt

	Fpush
	Fpop

	XmmAnd
	XmmOr
	XmmXor
	XmmNot
	XmmNand
	XmmShift
	XmmSign

	XmmAdd
	XmmSub
	XmmComp
	XmmMult
	XmmDiv

	XmmFadd
	XmmFsub
	XmmFcomp
	XmmFmult
	XmmFdiv

	XmmFsqrt

	XmmMove
	XmmShuf
	XmmConv

	Load
	Store
	Prefetch

	Call
	Ret
	Jump
	Branch
	Ibranch

	Syscall

	OpcodeCount
)

// Opcode class flags.
const (
	FlagInt    uint8 = 1 << iota
	FlagLogic
	FlagFP
	FlagMem
	FlagCtrl
	FlagCond
	FlagUncond
	FlagXmm
)

type OpcodeInfo struct {
	Name  string
	Flags uint8
}

var Info = [OpcodeCount]OpcodeInfo{
	Nop: {"nop", 0},

	Move:    {"move", FlagInt},
	Add:     {"add", FlagInt},
	Sub:     {"sub", FlagInt},
	Mult:    {"mult", FlagInt},
	Div:     {"div", FlagInt},
	Effaddr: {"effaddr", FlagInt},

	And:   {"and", FlagLogic},
	Or:    {"or", FlagLogic},
	Xor:   {"xor", FlagLogic},
	Not:   {"not", FlagLogic},
	Shift: {"shift", FlagLogic},
	Sign:  {"sign", FlagLogic},

	Fmove:  {"fmove", FlagFP},
	Fsign:  {"fsign", FlagFP},
	Fround: {"fround", FlagFP},

	Fadd:  {"fadd", FlagFP},
	Fsub:  {"fsub", FlagFP},
	Fcomp: {"fcomp", FlagFP},
	Fmult: {"fmult", FlagFP},
	Fdiv:  {"fdiv", FlagFP},

	Fexp:    {"fexp", FlagFP},
	Flog:    {"flog", FlagFP},
	Fsin:    {"fsin", FlagFP},
	Fcos:    {"fcos", FlagFP},
	Fsincos: {"fsincos", FlagFP},
	Ftan:    {"ftan", FlagFP},
	Fatan:   {"fatan", FlagFP},
	Fsqrt:   {"fsqrt", FlagFP},

	Fpush: {"fpush", FlagFP},
	Fpop:  {"fpop", FlagFP},

	XmmAnd:   {"x-and", FlagXmm},
	XmmOr:    {"x-or", FlagXmm},
	XmmXor:   {"x-xor", FlagXmm},
	XmmNot:   {"x-not", FlagXmm},
	XmmNand:  {"x-nand", FlagXmm},
	XmmShift: {"x-shift", FlagXmm},
	XmmSign:  {"x-sign", FlagXmm},

	XmmAdd:  {"x-add", FlagXmm},
	XmmSub:  {"x-sub", FlagXmm},
	XmmComp: {"x-comp", FlagXmm},
	XmmMult: {"x-mult", FlagXmm},
	XmmDiv:  {"x-div", FlagXmm},

	XmmFadd:  {"x-fadd", FlagXmm},
	XmmFsub:  {"x-fsub", FlagXmm},
	XmmFcomp: {"x-fcomp", FlagXmm},
	XmmFmult: {"x-fmult", FlagXmm},
	XmmFdiv:  {"x-fdiv", FlagXmm},

	XmmFsqrt: {"x-fsqrt", FlagXmm},

	XmmMove: {"x-move", FlagXmm},
	XmmShuf: {"x-shuf", FlagXmm},
	XmmConv: {"x-conv", FlagXmm},

	Load:     {"load", FlagMem},
	Store:    {"store", FlagMem},
	Prefetch: {"prefetch", FlagMem},

	Call:    {"call", FlagCtrl | FlagUncond},
	Ret:     {"ret", FlagCtrl | FlagUncond},
	Jump:    {"jump", FlagCtrl | FlagUncond},
	Branch:  {"branch", FlagCtrl | FlagCond},
	Ibranch: {"ibranch", FlagCtrl | FlagCond},

	Syscall: {"syscall", 0},
}

func (op Opcode) String() string {
	if op < OpcodeCount {
		return Info[op].Name
	}
	return fmt.Sprintf("uop(%d)", uint8(op))
}

// Class returns the short class name used in statistics.
func (op Opcode) Class() string {
	if op >= OpcodeCount {
		return "unknown"
	}
	f := Info[op].Flags
	switch {
	case f&FlagCtrl != 0:
		return "ctrl"
	case f&FlagMem != 0:
		return "mem"
	case f&FlagXmm != 0:
		return "xmm"
	case f&FlagFP != 0:
		return "fp"
	case f&FlagLogic != 0:
		return "logic"
	case f&FlagInt != 0:
		return "int"
	}
	return "other"
}

// Uop is one micro-operation. Dep[0:MaxIdeps] are inputs and
// Dep[MaxIdeps:] are outputs.
type Uop struct {
	Opcode  Opcode       `json:"opcode"`
	Dep     [MaxDeps]Dep `json:"deps"`
	Address uint32       `json:"address,omitempty"`
	Size    int          `json:"size,omitempty"`
}

func (u *Uop) Idep(i int) Dep { return u.Dep[i] }
func (u *Uop) Odep(i int) Dep { return u.Dep[MaxIdeps+i] }

// addIdep stores dep in the first free input slot.
func (u *Uop) addIdep(dep Dep) bool {
	for i := 0; i < MaxIdeps; i++ {
		if u.Dep[i] == DepNone {
			u.Dep[i] = dep
			return true
		}
	}
	return false
}

// String renders "name outs/ins [addr,size]".
func (u *Uop) String() string {
	var sb strings.Builder
	sb.WriteString(u.Opcode.String())
	sb.WriteByte(' ')
	writeDeps(&sb, u.Dep[MaxIdeps:])
	sb.WriteByte('/')
	writeDeps(&sb, u.Dep[:MaxIdeps])
	if u.Size != 0 {
		fmt.Fprintf(&sb, " [0x%x,%d]", u.Address, u.Size)
	}
	return sb.String()
}

func writeDeps(sb *strings.Builder, deps []Dep) {
	n := 0
	for _, d := range deps {
		if d == DepNone {
			continue
		}
		if n > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(d.String())
		n++
	}
	if n == 0 {
		sb.WriteByte('-')
	}
}
