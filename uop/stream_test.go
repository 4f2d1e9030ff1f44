package uop

import (
	"bytes"
	"testing"

	"github.com/jam-duna/x86emu/emuerrors"
	"github.com/jam-duna/x86emu/regs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOperands struct {
	mod, reg, rm uint8
	opIndex      uint8
	seg          regs.Reg
	base         regs.Reg
	index        regs.Reg
	ea           uint32
}

func (f *fakeOperands) ModRM() (uint8, uint8, uint8) { return f.mod, f.reg, f.rm }
func (f *fakeOperands) OpIndex() uint8               { return f.opIndex }
func (f *fakeOperands) EaSegment() regs.Reg          { return f.seg }
func (f *fakeOperands) EaBase() regs.Reg             { return f.base }
func (f *fakeOperands) EaIndex() regs.Reg            { return f.index }
func (f *fakeOperands) EffectiveAddress() uint32     { return f.ea }

func dump(s *Stream) []string {
	var out []string
	for _, u := range s.List() {
		out = append(out, u.String())
	}
	return out
}

func TestRegisterOnlyEmit(t *testing.T) {
	s := NewStream(true)
	ops := &fakeOperands{mod: 3, reg: 3, rm: 0}
	s.Emit(ops, Add, In(DepRm32, DepR32), Out(DepRm32, DepZps, DepCf, DepOf))
	require.Equal(t, 1, s.Len())
	u := s.List()[0]
	assert.Equal(t, Add, u.Opcode)
	assert.Equal(t, DepEax, u.Idep(0))
	assert.Equal(t, DepEbx, u.Idep(1))
	assert.Equal(t, DepEax, u.Odep(0))
	assert.Equal(t, DepZps, u.Odep(1))
	assert.Equal(t, "add eax,zps,cf,of/eax,ebx", u.String())
}

func TestZeroDepsEmitsNothingExtra(t *testing.T) {
	s := NewStream(true)
	s.Emit(&fakeOperands{}, Nop, In(), Out())
	assert.Equal(t, []string{"nop -/-"}, dump(s))
}

func TestInactiveStreamIsNoop(t *testing.T) {
	s := NewStream(false)
	s.Emit(&fakeOperands{mod: 0}, Add, In(DepRm32), Out(DepRm32))
	assert.Zero(t, s.Len())
}

func TestMemoryReadModifyWrite(t *testing.T) {
	s := NewStream(true)
	ops := &fakeOperands{mod: 1, reg: 1, rm: 3, seg: regs.FS, base: regs.EBX, index: regs.ESI, ea: 0x1000}
	s.Emit(ops, Add, In(DepRm32, DepR32), Out(DepRm32, DepZps))
	assert.Equal(t, []string{
		"effaddr ea/fs,ebx,esi",
		"load data/ea [0x1000,4]",
		"add data,zps/data,ecx",
		"store -/ea,data [0x1000,4]",
	}, dump(s))
}

func TestMoveFoldsIntoLoadAndStore(t *testing.T) {
	ops := &fakeOperands{mod: 0, reg: 2, rm: 0, base: regs.EAX, ea: 0x2000}

	s := NewStream(true)
	s.Emit(ops, Move, In(DepRm32), Out(DepR32))
	assert.Equal(t, []string{
		"effaddr ea/eax",
		"load edx/ea [0x2000,4]",
	}, dump(s))

	s.Clear()
	s.Emit(ops, Move, In(DepR8), Out(DepRm8))
	assert.Equal(t, []string{
		"effaddr ea/eax",
		"store -/edx,ea [0x2000,1]",
	}, dump(s))
}

func TestMoveWithFullInputsUsesSeparateStore(t *testing.T) {
	s := NewStream(true)
	ops := &fakeOperands{mod: 0, reg: 0, base: regs.ECX, ea: 0x10}
	s.Emit(ops, Move, In(DepR32, DepAux, DepAux2), Out(DepMem16))
	assert.Equal(t, []string{
		"effaddr ea/ecx",
		"move data/eax,aux,aux2",
		"store -/ea,data [0x10,2]",
	}, dump(s))
}

func TestEffaddrOncePerMacroInstruction(t *testing.T) {
	s := NewStream(true)
	ops := &fakeOperands{mod: 0, base: regs.EDI, ea: 0x40}
	s.Emit(ops, Move, In(DepRm32), Out(DepAux))
	s.Emit(ops, Add, In(DepAux, DepR32), Out(DepRm32))
	effaddrs := 0
	for _, u := range s.List() {
		if u.Opcode == Effaddr {
			effaddrs++
		}
		for _, d := range u.Dep {
			assert.True(t, d.IsConcrete(), "placeholder %s leaked", d)
		}
	}
	assert.Equal(t, 1, effaddrs)

	s.Clear()
	s.Emit(ops, Move, In(DepRm32), Out(DepAux))
	assert.Equal(t, Effaddr, s.List()[0].Opcode)
}

func TestXmmAndFpuPlaceholders(t *testing.T) {
	s := NewStream(true)
	ops := &fakeOperands{mod: 3, reg: 5, rm: 2, opIndex: 6}
	s.Emit(ops, XmmAdd, In(DepXmmm128, DepXmm), Out(DepXmm))
	s.Emit(ops, Fadd, In(DepSti, DepSt0), Out(DepSt0))
	s.Emit(ops, Move, In(DepIr8), Out(DepSreg))
	assert.Equal(t, []string{
		"x-add xmm5/xmm2,xmm5",
		"fadd st0/st6,st0",
		"move gs/edx",
	}, dump(s))

	s.Clear()
	mem := &fakeOperands{mod: 2, reg: 1, base: regs.EBP, ea: 0x80}
	s.Emit(mem, XmmMult, In(DepXmmm64, DepXmm), Out(DepXmm))
	assert.Equal(t, []string{
		"effaddr ea/ebp",
		"load xmm_data/ea [0x80,8]",
		"x-mult xmm1/xmm_data,xmm1",
	}, dump(s))
}

func TestMemorySizes(t *testing.T) {
	ops := &fakeOperands{mod: 0}
	cases := map[Dep]int{
		DepRm8: 1, DepRm16: 2, DepRm32: 4,
		DepMem8: 1, DepMem16: 2, DepMem32: 4, DepMem64: 8, DepMem80: 10, DepMem128: 16,
		DepXmmm32: 4, DepXmmm64: 8, DepXmmm128: 16,
	}
	for dep, want := range cases {
		got, _ := memDepSize(ops, dep)
		assert.Equal(t, want, got, dep.String())
	}
}

func TestUnknownPlaceholderPanics(t *testing.T) {
	s := NewStream(true)
	defer func() {
		r := recover()
		_, ok := r.(*emuerrors.InvariantError)
		assert.True(t, ok)
	}()
	s.Emit(&fakeOperands{mod: 3}, Add, In(Dep(200)), Out())
}

func TestDrainAndCounts(t *testing.T) {
	s := NewStream(true)
	ops := &fakeOperands{mod: 3}
	s.Emit(ops, Add, In(DepR32), Out(DepR32))
	s.Emit(ops, Jump, In(), Out())
	var buf bytes.Buffer
	s.Dump(&buf)
	assert.Contains(t, buf.String(), "jump -/-")

	drained := s.Drain()
	assert.Len(t, drained, 2)
	assert.Zero(t, s.Len())
	assert.Equal(t, uint64(1), s.Counts()[Add])
	assert.Equal(t, "ctrl", Jump.Class())
	assert.Equal(t, "mem", Load.Class())
}
