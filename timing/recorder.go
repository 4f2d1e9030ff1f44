// Package timing consumes the micro-op stream the emulator produces in
// detailed mode.
package timing

import (
	"fmt"
	"io"
	"maps"
	"sync"

	"github.com/jam-duna/x86emu/uop"
	"golang.org/x/exp/slices"
)

// Classes lists the micro-op classes in report order.
var Classes = []string{"int", "logic", "fp", "xmm", "mem", "ctrl", "other"}

// Sample is the per-class micro-op count of one window of instructions.
type Sample struct {
	Inst    uint64            `json:"inst"`
	Classes map[string]uint64 `json:"classes"`
}

// Row is one opcode line of a recorder snapshot.
type Row struct {
	Name  string `json:"name"`
	Class string `json:"class"`
	Count uint64 `json:"count"`
}

// Recorder counts the micro-ops it is fed. It may be read while the
// emulator keeps feeding it.
type Recorder struct {
	mu sync.RWMutex

	sampleEvery uint64
	insts       uint64
	uops        uint64
	perContext  map[int]uint64
	opcodes     [uop.OpcodeCount]uint64
	window      map[string]uint64
	samples     []Sample
}

// NewRecorder returns a recorder that closes a Sample every sampleEvery
// instructions. Zero disables sampling.
func NewRecorder(sampleEvery uint64) *Recorder {
	return &Recorder{
		sampleEvery: sampleEvery,
		perContext:  make(map[int]uint64),
		window:      make(map[string]uint64),
	}
}

func (r *Recorder) Consume(pid int, eip uint32, uops []*uop.Uop) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insts++
	r.perContext[pid]++
	for _, u := range uops {
		if u.Opcode < uop.OpcodeCount {
			r.opcodes[u.Opcode]++
		}
		r.window[u.Opcode.Class()]++
		r.uops++
	}
	if r.sampleEvery != 0 && r.insts%r.sampleEvery == 0 {
		r.samples = append(r.samples, Sample{Inst: r.insts, Classes: r.window})
		r.window = make(map[string]uint64)
	}
}

func (r *Recorder) Instructions() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.insts
}

func (r *Recorder) Uops() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.uops
}

// PerContext returns the instruction count of every pid seen.
func (r *Recorder) PerContext() map[int]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.perContext)
}

// Samples returns the closed sampling windows.
func (r *Recorder) Samples() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.samples)
}

// ClassTotals sums the opcode counts by class.
func (r *Recorder) ClassTotals() map[string]uint64 {
	out := make(map[string]uint64)
	for _, row := range r.Snapshot() {
		out[row.Class] += row.Count
	}
	return out
}

// Snapshot returns the non-zero opcode counts, largest first.
func (r *Recorder) Snapshot() []Row {
	r.mu.RLock()
	out := make([]Row, 0, len(r.opcodes))
	for op, n := range r.opcodes {
		if n == 0 {
			continue
		}
		o := uop.Opcode(op)
		out = append(out, Row{Name: o.String(), Class: o.Class(), Count: n})
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Row) int {
		switch {
		case a.Count > b.Count:
			return -1
		case a.Count < b.Count:
			return 1
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Dump writes the counters in the "key = value" form.
func (r *Recorder) Dump(w io.Writer) {
	fmt.Fprintf(w, "[ timing ]\n")
	fmt.Fprintf(w, "Instructions = %d\n", r.Instructions())
	fmt.Fprintf(w, "Uops = %d\n", r.Uops())
	totals := r.ClassTotals()
	for _, class := range Classes {
		if n := totals[class]; n != 0 {
			fmt.Fprintf(w, "Class.%s = %d\n", class, n)
		}
	}
	for _, row := range r.Snapshot() {
		fmt.Fprintf(w, "Uop.%s = %d\n", row.Name, row.Count)
	}
}
