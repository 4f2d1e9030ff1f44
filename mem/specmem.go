package mem

import (
	"github.com/jam-duna/x86emu/log"
)

const (
	specMemBlockSize = 16
	specMemMaxBlocks = 100
)

// SpecMem shadows writes issued while a context runs speculatively. Reads
// merge shadowed blocks over the underlying memory, which is accessed in
// unsafe mode so wrong-path addresses never fault. Clear discards every
// speculative write.
type SpecMem struct {
	mem    *Memory
	blocks map[uint32][]byte
}

func NewSpecMem(m *Memory) *SpecMem {
	return &SpecMem{mem: m, blocks: make(map[uint32][]byte)}
}

// Memory returns the memory image being shadowed.
func (s *SpecMem) Memory() *Memory {
	return s.mem
}

// Blocks is the number of shadowed blocks.
func (s *SpecMem) Blocks() int {
	return len(s.blocks)
}

func (s *SpecMem) unsafeRead(addr uint32, buf []byte) {
	s.mem.ReadUnsafe(addr, buf)
}

func (s *SpecMem) block(tag uint32, create bool) []byte {
	if b, ok := s.blocks[tag]; ok {
		return b
	}
	if !create {
		return nil
	}
	if len(s.blocks) >= specMemMaxBlocks {
		log.Trace(log.EmuMonitoring, "SpecMem: block limit reached, write dropped", "addr", tag)
		return nil
	}
	b := make([]byte, specMemBlockSize)
	s.unsafeRead(tag, b)
	s.blocks[tag] = b
	return b
}

// Read fills buf at addr, never failing.
func (s *SpecMem) Read(addr uint32, buf []byte) {
	for len(buf) > 0 {
		tag := addr &^ (specMemBlockSize - 1)
		off := addr - tag
		n := specMemBlockSize - off
		if n > uint32(len(buf)) {
			n = uint32(len(buf))
		}
		if b := s.block(tag, false); b != nil {
			copy(buf[:n], b[off:off+n])
		} else {
			s.unsafeRead(addr, buf[:n])
		}
		buf = buf[n:]
		addr += n
	}
}

// Write records data at addr in the overlay only.
func (s *SpecMem) Write(addr uint32, data []byte) {
	for len(data) > 0 {
		tag := addr &^ (specMemBlockSize - 1)
		off := addr - tag
		n := specMemBlockSize - off
		if n > uint32(len(data)) {
			n = uint32(len(data))
		}
		if b := s.block(tag, true); b != nil {
			copy(b[off:off+n], data[:n])
		}
		data = data[n:]
		addr += n
	}
}

func (s *SpecMem) Clear() {
	clear(s.blocks)
}
