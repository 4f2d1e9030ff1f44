package timing

import "github.com/jam-duna/x86emu/uop"

// Consumer matches the emulator's micro-op sink.
type Consumer interface {
	Consume(pid int, eip uint32, uops []*uop.Uop)
}

// MultiSink fans every instruction out to each consumer in order.
type MultiSink []Consumer

func (m MultiSink) Consume(pid int, eip uint32, uops []*uop.Uop) {
	for _, c := range m {
		c.Consume(pid, eip, uops)
	}
}
