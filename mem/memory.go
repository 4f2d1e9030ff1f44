package mem

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/jam-duna/x86emu/emuerrors"
	"golang.org/x/exp/slices"
)

const (
	PageSize     = 4096
	PageShift    = 12
	PageMask     = ^uint32(PageSize - 1)
	AddressSpace = 1 << 32
)

// MaxAccessSize bounds a single instruction-level access (an 80-bit float
// or a 128-bit vector fit).
const MaxAccessSize = 16

// Perm is a page permission bitmap.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermInit
)

const PermRW = PermRead | PermWrite

func (p Perm) String() string {
	b := []byte("---p")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

type Page struct {
	Tag   uint32 `json:"tag"`
	Data  []byte `json:"data"`
	Perm  Perm   `json:"perm"`
	Dirty bool   `json:"dirty"`
}

func (p *Page) ensureData() {
	if p.Data == nil {
		p.Data = make([]byte, PageSize)
	}
}

// Memory is a sparse 32-bit guest address space. When Safe is set, accesses
// to unmapped or protected pages fail with a MemoryError; otherwise reads of
// missing pages return zeros and writes allocate them.
type Memory struct {
	pages     map[uint32]*Page
	Safe      bool
	HeapBreak uint32
}

func NewMemory() *Memory {
	return &Memory{
		pages: make(map[uint32]*Page),
		Safe:  true,
	}
}

// Clone returns a deep copy, used by fork.
func (m *Memory) Clone() *Memory {
	c := &Memory{
		pages:     make(map[uint32]*Page, len(m.pages)),
		Safe:      m.Safe,
		HeapBreak: m.HeapBreak,
	}
	for tag, p := range m.pages {
		np := &Page{Tag: p.Tag, Perm: p.Perm, Dirty: p.Dirty}
		if p.Data != nil {
			np.Data = slices.Clone(p.Data)
		}
		c.pages[tag] = np
	}
	return c
}

func (m *Memory) getPage(addr uint32) *Page {
	return m.pages[addr&PageMask]
}

func (m *Memory) getOrAllocatePage(addr uint32, perm Perm) *Page {
	tag := addr & PageMask
	p := m.pages[tag]
	if p == nil {
		p = &Page{Tag: tag, Perm: perm}
		m.pages[tag] = p
	}
	return p
}

// Map allocates the pages covering [addr, addr+size) with perm. Pages that
// already exist keep their contents and get perm added.
func (m *Memory) Map(addr uint32, size uint32, perm Perm) {
	if size == 0 {
		return
	}
	end := uint64(addr) + uint64(size)
	for tag := uint64(addr & PageMask); tag < end; tag += PageSize {
		p := m.getOrAllocatePage(uint32(tag), perm)
		p.Perm |= perm
	}
}

// Unmap releases the pages covering [addr, addr+size).
func (m *Memory) Unmap(addr uint32, size uint32) {
	end := uint64(addr) + uint64(size)
	for tag := uint64(addr & PageMask); tag < end; tag += PageSize {
		delete(m.pages, uint32(tag))
	}
}

// Protect replaces the permissions of every mapped page in the range.
func (m *Memory) Protect(addr uint32, size uint32, perm Perm) {
	end := uint64(addr) + uint64(size)
	for tag := uint64(addr & PageMask); tag < end; tag += PageSize {
		if p := m.pages[uint32(tag)]; p != nil {
			p.Perm = perm
		}
	}
}

// MapSpace finds the lowest free page-aligned range of size bytes at or
// above hint. It returns false when the address space is exhausted.
func (m *Memory) MapSpace(hint uint32, size uint32) (uint32, bool) {
	npages := (uint64(size) + PageSize - 1) >> PageShift
	if npages == 0 {
		npages = 1
	}
	start := uint64(hint & PageMask)
	for start+npages*PageSize <= AddressSpace {
		free := true
		for i := uint64(0); i < npages; i++ {
			if _, ok := m.pages[uint32(start+i*PageSize)]; ok {
				start += (i + 1) * PageSize
				free = false
				break
			}
		}
		if free {
			return uint32(start), true
		}
	}
	return 0, false
}

func checkRange(access string, addr uint32, size int) error {
	if uint64(addr)+uint64(size) > AddressSpace {
		return emuerrors.NewMemoryError(access, addr, size).WithCause(emuerrors.ErrMemoryOutOfRange)
	}
	return nil
}

// Read fills buf from guest memory at addr.
func (m *Memory) Read(addr uint32, buf []byte) error {
	return m.read(addr, buf, m.Safe)
}

// ReadUnsafe reads like Read in unsafe mode without touching the Safe flag,
// which other contexts sharing this image may rely on.
func (m *Memory) ReadUnsafe(addr uint32, buf []byte) {
	m.read(addr, buf, false)
}

func (m *Memory) read(addr uint32, buf []byte, safe bool) error {
	if err := checkRange("read", addr, len(buf)); err != nil {
		return err
	}
	for len(buf) > 0 {
		off := addr &^ PageMask
		n := uint32(PageSize) - off
		if n > uint32(len(buf)) {
			n = uint32(len(buf))
		}
		p := m.getPage(addr)
		if p == nil || p.Perm&PermRead == 0 {
			if safe {
				return emuerrors.NewMemoryError("read", addr, len(buf))
			}
		}
		if p == nil || p.Data == nil {
			clear(buf[:n])
		} else {
			copy(buf[:n], p.Data[off:off+n])
		}
		buf = buf[n:]
		addr += n
	}
	return nil
}

// Write stores data into guest memory at addr.
func (m *Memory) Write(addr uint32, data []byte) error {
	return m.write(addr, data, false)
}

// Init writes data regardless of page permissions, allocating missing pages
// as readable and writable. Loaders use it to populate read-only segments.
func (m *Memory) Init(addr uint32, data []byte) error {
	return m.write(addr, data, true)
}

func (m *Memory) write(addr uint32, data []byte, force bool) error {
	if err := checkRange("write", addr, len(data)); err != nil {
		return err
	}
	for len(data) > 0 {
		off := addr &^ PageMask
		n := uint32(PageSize) - off
		if n > uint32(len(data)) {
			n = uint32(len(data))
		}
		p := m.getPage(addr)
		if !force && m.Safe && (p == nil || p.Perm&PermWrite == 0) {
			return emuerrors.NewMemoryError("write", addr, len(data))
		}
		if p == nil {
			p = m.getOrAllocatePage(addr, PermRW)
		}
		if force {
			p.Perm |= PermInit
		}
		p.ensureData()
		copy(p.Data[off:off+n], data[:n])
		p.Dirty = true
		data = data[n:]
		addr += n
	}
	return nil
}

// Load reads an instruction-level operand of size bytes.
func (m *Memory) Load(addr uint32, size int) ([]byte, error) {
	if size <= 0 || size > MaxAccessSize {
		return nil, fmt.Errorf("%w: size=%d", emuerrors.ErrMemoryInvalidSize, size)
	}
	buf := make([]byte, size)
	if err := m.Read(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// GetBuffer returns a slice aliasing guest memory when [addr, addr+size) is
// inside a single allocated, readable page; otherwise nil.
func (m *Memory) GetBuffer(addr uint32, size int) []byte {
	off := addr &^ PageMask
	if size <= 0 || int(off)+size > PageSize {
		return nil
	}
	p := m.getPage(addr)
	if p == nil || p.Perm&PermRead == 0 {
		return nil
	}
	p.ensureData()
	return p.Data[off : int(off)+size]
}

// ReadString reads a NUL-terminated string of at most max bytes.
func (m *Memory) ReadString(addr uint32, max int) (string, error) {
	var sb strings.Builder
	var b [1]byte
	for i := 0; i < max; i++ {
		if err := m.Read(addr+uint32(i), b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return sb.String(), nil
		}
		sb.WriteByte(b[0])
	}
	return sb.String(), nil
}

// WriteString writes s followed by a NUL byte.
func (m *Memory) WriteString(addr uint32, s string) error {
	return m.Write(addr, append([]byte(s), 0))
}

func (m *Memory) Read32(addr uint32) (uint32, error) {
	var b [4]byte
	if err := m.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (m *Memory) Write32(addr uint32, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.Write(addr, b[:])
}

// Page returns the page holding addr, or nil.
func (m *Memory) Page(addr uint32) *Page {
	return m.getPage(addr)
}

// PageTags returns the base address of every allocated page in ascending
// order.
func (m *Memory) PageTags() []uint32 {
	tags := make([]uint32, 0, len(m.pages))
	for tag := range m.pages {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

// NextPage returns the lowest allocated page at or above addr, or nil.
func (m *Memory) NextPage(addr uint32) *Page {
	tags := m.PageTags()
	i, _ := slices.BinarySearch(tags, addr&PageMask)
	if i == len(tags) {
		return nil
	}
	return m.pages[tags[i]]
}

// GetDirtyPages returns the tags of pages written since the last ClearDirty.
func (m *Memory) GetDirtyPages() []uint32 {
	var dirty []uint32
	for _, tag := range m.PageTags() {
		if m.pages[tag].Dirty {
			dirty = append(dirty, tag)
		}
	}
	return dirty
}

func (m *Memory) ClearDirty() {
	for _, p := range m.pages {
		p.Dirty = false
	}
}

// Region is a run of contiguous pages with identical permissions.
type Region struct {
	Start uint32
	End   uint32
	Perm  Perm
}

// Regions coalesces allocated pages into maximal runs.
func (m *Memory) Regions() []Region {
	var out []Region
	for _, tag := range m.PageTags() {
		perm := m.pages[tag].Perm &^ PermInit
		if n := len(out); n > 0 && out[n-1].End == tag && out[n-1].Perm == perm {
			out[n-1].End = tag + PageSize
			continue
		}
		out = append(out, Region{Start: tag, End: tag + PageSize, Perm: perm})
	}
	return out
}

// SetPage installs a page wholesale, used when restoring checkpoints.
func (m *Memory) SetPage(tag uint32, perm Perm, data []byte) {
	p := m.getOrAllocatePage(tag&PageMask, perm)
	p.Perm = perm
	p.Data = nil
	if len(data) > 0 {
		p.ensureData()
		copy(p.Data, data)
	}
}
