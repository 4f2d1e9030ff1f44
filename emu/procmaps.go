package emu

import (
	"fmt"
	"os"
	"strings"
)

// ProcSelfMaps renders the memory image in the /proc/self/maps format.
func (c *Context) ProcSelfMaps() string {
	var sb strings.Builder
	for _, r := range c.mem.Regions() {
		fmt.Fprintf(&sb, "%08x-%08x %s 00000000 00:00\n", r.Start, r.End, r.Perm)
	}
	return sb.String()
}

// virtualFile returns the synthesized contents of an emulated /proc path.
func (c *Context) virtualFile(path string) (string, bool) {
	switch path {
	case "/proc/self/maps", fmt.Sprintf("/proc/%d/maps", c.pid):
		return c.ProcSelfMaps(), true
	}
	return "", false
}

// openVirtual backs a virtual file with a temporary host file so reads and
// polls go through the regular descriptor path.
func (c *Context) openVirtual(path, content string) (*FileDescriptor, error) {
	f, err := os.CreateTemp("", "x86emu-virtual-*")
	if err != nil {
		return nil, fmt.Errorf("virtual file %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("virtual file %s: %w", path, err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("virtual file %s: %w", path, err)
	}
	desc := c.files.Add(f, FileVirtual, path, 0)
	desc.tempPath = f.Name()
	return desc, nil
}
