package isa

// Legacy prefixes valid in 32-bit mode.
var prefixBytes = [256]bool{
	0xf0: true, 0xf2: true, 0xf3: true,
	0x2e: true, 0x36: true, 0x3e: true, 0x26: true, 0x64: true, 0x65: true,
	0x66: true, 0x67: true,
}

// oneByteModRM marks the one-byte opcodes followed by a ModRM byte.
var oneByteModRM = func() (t [256]bool) {
	for op := 0; op < 0x40; op++ {
		if op&7 < 4 {
			t[op] = true
		}
	}
	for _, op := range []int{0x62, 0x63, 0x69, 0x6b, 0xc0, 0xc1, 0xc4, 0xc5, 0xc6, 0xc7,
		0xd0, 0xd1, 0xd2, 0xd3, 0xf6, 0xf7, 0xfe, 0xff} {
		t[op] = true
	}
	for op := 0x80; op <= 0x8f; op++ {
		t[op] = true
	}
	for op := 0xd8; op <= 0xdf; op++ {
		t[op] = true
	}
	return t
}()

// twoByteNoModRM marks the 0F-prefixed opcodes without a ModRM byte.
var twoByteNoModRM = func() (t [256]bool) {
	for _, op := range []int{0x05, 0x06, 0x07, 0x08, 0x09, 0x0b, 0x0e,
		0x77, 0xa0, 0xa1, 0xa2, 0xa8, 0xa9, 0xaa} {
		t[op] = true
	}
	for op := 0x30; op <= 0x37; op++ {
		t[op] = true
	}
	for op := 0x80; op <= 0x8f; op++ {
		t[op] = true
	}
	for op := 0xc8; op <= 0xcf; op++ {
		t[op] = true
	}
	return t
}()

func (in *Instruction) parseEncoding() {
	b := in.Bytes
	pos := 0
	for pos < len(b) && prefixBytes[b[pos]] {
		pos++
	}
	in.Prefixes = pos
	if pos >= len(b) {
		return
	}

	op := b[pos]
	hasModRM := false
	switch {
	case op != 0x0f:
		in.OpLen = 1
		hasModRM = oneByteModRM[op]
	case pos+1 < len(b) && (b[pos+1] == 0x38 || b[pos+1] == 0x3a):
		in.OpLen = 3
		hasModRM = true
	case pos+1 < len(b):
		in.OpLen = 2
		hasModRM = !twoByteNoModRM[b[pos+1]]
	default:
		in.OpLen = 1
	}

	last := b[pos+in.OpLen-1]
	in.OpIndex = last & 7

	mpos := pos + in.OpLen
	if hasModRM && mpos < len(b) {
		modrm := b[mpos]
		in.HasModRM = true
		in.ModRmMod = modrm >> 6
		in.ModRmReg = (modrm >> 3) & 7
		in.ModRmRm = modrm & 7
		if op >= 0xd8 && op <= 0xdf && in.ModRmMod == 3 {
			in.OpIndex = in.ModRmRm
		}
	}
}
