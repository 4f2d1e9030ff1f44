package timing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jam-duna/x86emu/emu"
	"github.com/jam-duna/x86emu/uop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ emu.UopSink = (*Recorder)(nil)
	_ emu.UopSink = (*WebsocketSink)(nil)
	_ emu.UopSink = MultiSink(nil)
)

func memAdd() []*uop.Uop {
	return []*uop.Uop{
		{Opcode: uop.Effaddr},
		{Opcode: uop.Load, Address: 0x1000, Size: 4},
		{Opcode: uop.Add},
		{Opcode: uop.Store, Address: 0x1000, Size: 4},
	}
}

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder(2)
	r.Consume(100, 0x8048000, memAdd())
	r.Consume(101, 0x8048002, []*uop.Uop{{Opcode: uop.Jump}})
	r.Consume(100, 0x8048004, []*uop.Uop{{Opcode: uop.Nop}})

	assert.Equal(t, uint64(3), r.Instructions())
	assert.Equal(t, uint64(6), r.Uops())
	assert.Equal(t, map[int]uint64{100: 2, 101: 1}, r.PerContext())
	assert.Equal(t, map[string]uint64{"int": 2, "mem": 2, "ctrl": 1, "other": 1}, r.ClassTotals())

	rows := r.Snapshot()
	require.Len(t, rows, 6)
	assert.Equal(t, Row{Name: "add", Class: "int", Count: 1}, rows[0])

	samples := r.Samples()
	require.Len(t, samples, 1)
	assert.Equal(t, uint64(2), samples[0].Inst)
	assert.Equal(t, map[string]uint64{"int": 2, "mem": 2, "ctrl": 1}, samples[0].Classes)
}

func TestRecorderDump(t *testing.T) {
	r := NewRecorder(0)
	r.Consume(100, 0, memAdd())
	r.Consume(100, 0, []*uop.Uop{{Opcode: uop.Load}})

	var buf bytes.Buffer
	r.Dump(&buf)
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "[ timing ]\n"))
	assert.Contains(t, out, "Instructions = 2\n")
	assert.Contains(t, out, "Class.mem = 3\n")
	assert.Contains(t, out, "Uop.load = 2\n")
	assert.Less(t, strings.Index(out, "Uop.load"), strings.Index(out, "Uop.add"))
	assert.Empty(t, r.Samples())
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := NewRecorder(0), NewRecorder(0)
	MultiSink{a, b}.Consume(1, 0, memAdd())
	assert.Equal(t, uint64(4), a.Uops())
	assert.Equal(t, uint64(4), b.Uops())
}

func TestRecorderAsEmulatorSink(t *testing.T) {
	e := emu.NewEmulator(emu.Config{UopActive: true})
	r := NewRecorder(1)
	e.Sink = r
	// mov eax, 1; mov ebx, 0; int 0x80
	_, err := e.LoadFlat([]byte{0xb8, 0x01, 0x00, 0x00, 0x00, 0xbb, 0x00, 0x00, 0x00, 0x00, 0xcd, 0x80}, 0x08048000)
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, uint64(3), r.Instructions())
	assert.Len(t, r.Samples(), 3)
	assert.NotZero(t, r.ClassTotals()["other"])
}

func TestChartRendersHTML(t *testing.T) {
	r := NewRecorder(1)
	r.Consume(100, 0, memAdd())
	r.Consume(100, 0, []*uop.Uop{{Opcode: uop.Branch}})

	var buf bytes.Buffer
	require.NoError(t, WriteChart(&buf, r))
	html := buf.String()
	assert.Contains(t, html, "<html")
	assert.Contains(t, html, "Micro-ops by class")
	assert.Contains(t, html, "Micro-op mix over time")

	path := filepath.Join(t.TempDir(), "uops.html")
	require.NoError(t, WriteChartFile(path, r))
	assert.FileExists(t, path)
}

func TestWebsocketSinkDropsWhenFull(t *testing.T) {
	s := NewWebsocketSink(1)
	for i := 0; i < 3; i++ {
		s.Consume(100, 0, memAdd())
	}
	assert.Equal(t, uint64(2), s.Dropped())
}

func TestWebsocketSinkStreamsRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewWebsocketSink(16)
	go s.Run(ctx)

	srv := httptest.NewServer(s)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.Consume(100, 0x8048000, memAdd())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	line, _, _ := bytes.Cut(msg, []byte{'\n'})
	var rec Record
	require.NoError(t, json.Unmarshal(line, &rec))
	assert.Equal(t, 100, rec.Pid)
	assert.Equal(t, "0x8048000", rec.Eip)
	require.Len(t, rec.Uops, 4)
	assert.Equal(t, "load -/- [0x1000,4]", rec.Uops[1])

	conn.Close()
	require.Eventually(t, func() bool { return s.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
