package checkpoint

import (
	"encoding/json"
	"fmt"

	"github.com/jam-duna/x86emu/regs"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
	"golang.org/x/exp/slices"
)

type pageView struct {
	Perm string `json:"perm"`
	Hash string `json:"hash"`
}

type snapshotView struct {
	Exe          string              `json:"exe"`
	State        string              `json:"state"`
	Instructions uint64              `json:"instructions"`
	Registers    map[string]string   `json:"registers"`
	Eip          string              `json:"eip"`
	Eflags       string              `json:"eflags"`
	HeapBreak    string              `json:"heap_break"`
	Pages        map[string]pageView `json:"pages"`
}

// view keys registers and pages by name so that the diff reports
// "eax" or "0x08048000" rather than array positions.
func (s *Snapshot) view() snapshotView {
	v := snapshotView{
		Exe:          s.Exe,
		State:        s.State,
		Instructions: s.Instructions,
		Registers:    make(map[string]string),
		Eip:          fmt.Sprintf("0x%08x", s.Regs.Eip),
		Eflags:       fmt.Sprintf("0x%08x", s.Regs.Eflags),
		HeapBreak:    fmt.Sprintf("0x%08x", s.HeapBreak),
		Pages:        make(map[string]pageView, len(s.Pages)),
	}
	for r := regs.EAX; r <= regs.EDI; r++ {
		v.Registers[r.String()] = fmt.Sprintf("0x%08x", s.Regs.Read(r))
	}
	for _, p := range s.Pages {
		v.Pages[fmt.Sprintf("0x%08x", p.Tag)] = pageView{Perm: p.Perm.String(), Hash: p.Hash.Hex()}
	}
	return v
}

// Diff renders the differences between two snapshots as an ASCII JSON
// diff. It returns an empty string when they match.
func Diff(a, b *Snapshot, color bool) (string, error) {
	left, err := json.Marshal(a.view())
	if err != nil {
		return "", err
	}
	right, err := json.Marshal(b.view())
	if err != nil {
		return "", err
	}
	delta, err := gojsondiff.New().Compare(left, right)
	if err != nil {
		return "", fmt.Errorf("diff %s %s: %w", a.Name, b.Name, err)
	}
	if !delta.Modified() {
		return "", nil
	}
	var leftObj map[string]interface{}
	if err := json.Unmarshal(left, &leftObj); err != nil {
		return "", err
	}
	asciiFmt := formatter.NewAsciiFormatter(leftObj, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       color,
	})
	return asciiFmt.Format(delta)
}

// ChangedPages returns the tags of pages whose contents or permissions
// differ between a and b, including pages present in only one of them.
func ChangedPages(a, b *Snapshot) []uint32 {
	pages := make(map[uint32]PageRecord, len(a.Pages))
	for _, p := range a.Pages {
		pages[p.Tag] = p
	}
	var changed []uint32
	for _, p := range b.Pages {
		old, ok := pages[p.Tag]
		delete(pages, p.Tag)
		if !ok || old != p {
			changed = append(changed, p.Tag)
		}
	}
	for tag := range pages {
		changed = append(changed, tag)
	}
	slices.Sort(changed)
	return changed
}
