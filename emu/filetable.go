package emu

import (
	"fmt"
	"os"

	"github.com/jam-duna/x86emu/log"
	"golang.org/x/exp/slices"
)

type FileKind int

const (
	FileRegular FileKind = iota
	FileStd
	FilePipe
	FileVirtual
)

// FileDescriptor maps a guest descriptor to a host file.
type FileDescriptor struct {
	Guest  int
	HostFd int
	Kind   FileKind
	Path   string
	Flags  int

	file *os.File
	// virtual files are backed by a temporary host file removed on close
	tempPath string
}

// FileTable is the guest descriptor table. Threads created with clone share
// it; fork creates a fresh one.
type FileTable struct {
	fds map[int]*FileDescriptor
}

// NewFileTable returns a table with descriptors 0, 1 and 2 bound to stdin
// and stdout.
func NewFileTable(stdin, stdout *os.File) *FileTable {
	t := &FileTable{fds: make(map[int]*FileDescriptor)}
	if stdin != nil {
		t.fds[0] = &FileDescriptor{Guest: 0, HostFd: int(stdin.Fd()), Kind: FileStd, Path: "stdin", file: stdin}
	}
	if stdout != nil {
		t.fds[1] = &FileDescriptor{Guest: 1, HostFd: int(stdout.Fd()), Kind: FileStd, Path: "stdout", file: stdout}
		t.fds[2] = &FileDescriptor{Guest: 2, HostFd: int(stdout.Fd()), Kind: FileStd, Path: "stderr", file: stdout}
	}
	return t
}

func (t *FileTable) Get(fd int) *FileDescriptor {
	return t.fds[fd]
}

func (t *FileTable) freeIndex() int {
	for fd := 0; ; fd++ {
		if _, ok := t.fds[fd]; !ok {
			return fd
		}
	}
}

// Add installs f at the lowest free guest descriptor.
func (t *FileTable) Add(f *os.File, kind FileKind, path string, flags int) *FileDescriptor {
	d := &FileDescriptor{
		Guest:  t.freeIndex(),
		HostFd: int(f.Fd()),
		Kind:   kind,
		Path:   path,
		Flags:  flags,
		file:   f,
	}
	t.fds[d.Guest] = d
	log.Debug(log.SyscallMonitoring, "file table add", "guest_fd", d.Guest, "host_fd", d.HostFd, "path", path)
	return d
}

// Remove closes the guest descriptor. Standard streams are detached but
// the host files stay open.
func (t *FileTable) Remove(fd int) error {
	d := t.fds[fd]
	if d == nil {
		return fmt.Errorf("bad file descriptor %d", fd)
	}
	delete(t.fds, fd)
	if d.Kind == FileStd {
		return nil
	}
	err := d.file.Close()
	if d.tempPath != "" {
		os.Remove(d.tempPath)
	}
	return err
}

// Descriptors returns the open guest descriptors in ascending order.
func (t *FileTable) Descriptors() []int {
	out := make([]int, 0, len(t.fds))
	for fd := range t.fds {
		out = append(out, fd)
	}
	slices.Sort(out)
	return out
}
