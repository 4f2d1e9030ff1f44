package emu

import "strings"

// State is the context state bitmap. Flags are orthogonal; Running is
// derived by UpdateState and never set directly.
type State uint32

const (
	StateRunning    State = 0x00001
	StateSpecMode   State = 0x00002
	StateSuspended  State = 0x00004
	StateFinished   State = 0x00008
	StateExclusive  State = 0x00010
	StateLocked     State = 0x00020
	StateHandler    State = 0x00040
	StateSigsuspend State = 0x00080
	StateNanosleep  State = 0x00100
	StatePoll       State = 0x00200
	StateRead       State = 0x00400
	StateWrite      State = 0x00800
	StateWaitpid    State = 0x01000
	StateZombie     State = 0x02000
	StateFutex      State = 0x04000
	StateAlloc      State = 0x08000
	StateCallback   State = 0x10000
	StateMapped     State = 0x20000
)

var StateMap = []struct {
	Name  string
	State State
}{
	{"running", StateRunning},
	{"specmode", StateSpecMode},
	{"suspended", StateSuspended},
	{"finished", StateFinished},
	{"exclusive", StateExclusive},
	{"locked", StateLocked},
	{"handler", StateHandler},
	{"sigsuspend", StateSigsuspend},
	{"nanosleep", StateNanosleep},
	{"poll", StatePoll},
	{"read", StateRead},
	{"write", StateWrite},
	{"waitpid", StateWaitpid},
	{"zombie", StateZombie},
	{"futex", StateFutex},
	{"alloc", StateAlloc},
	{"callback", StateCallback},
	{"mapped", StateMapped},
}

// String renders the set flags as "{running|alloc}".
func (s State) String() string {
	var names []string
	for _, e := range StateMap {
		if s&e.State != 0 {
			names = append(names, e.Name)
		}
	}
	return "{" + strings.Join(names, "|") + "}"
}

// normalize applies the terminal-state masks and derives Running.
func (s State) normalize() State {
	if s&StateFinished != 0 {
		s = StateFinished | s&(StateAlloc|StateMapped)
	}
	if s&StateZombie != 0 {
		s = StateZombie | s&(StateAlloc|StateMapped)
	}
	if s&(StateSuspended|StateFinished|StateZombie|StateLocked) == 0 {
		s |= StateRunning
	} else {
		s &^= StateRunning
	}
	return s
}
