package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleGating(t *testing.T) {
	var buf bytes.Buffer
	prev := Root()
	defer SetDefault(prev)
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace, false)))

	DisableModule(SyscallMonitoring)
	Debug(SyscallMonitoring, "hidden")
	assert.Empty(t, buf.String())

	EnableModules("sys_mod, ctx_mod")
	defer DisableModule(SyscallMonitoring)
	defer DisableModule(ContextMonitoring)
	Debug(SyscallMonitoring, "shown", "pid", 100)
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "pid=100")
	assert.True(t, IsModuleEnabled(ContextMonitoring))
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestTerminalHandlerLevelNames(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace, false))
	l.Trace(EmuMonitoring, "tick")
	assert.True(t, strings.Contains(buf.String(), "level=TRACE"), buf.String())
}

func TestEventWriter(t *testing.T) {
	var buf bytes.Buffer
	SetEventWriter(&buf)
	defer SetEventWriter(nil)

	Event("finish", "ctx-100", map[string]int{"code": 3}, "inst", uint64(42), "metadata", "zombie")

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &got))
	assert.Equal(t, "finish", got["msg_type"])
	assert.Equal(t, "ctx-100", got["sender_id"])
	assert.Equal(t, "zombie", got["metadata"])
	assert.EqualValues(t, 42, got["inst"])
}

func TestMirrorLogger(t *testing.T) {
	var term, plain bytes.Buffer
	prev := Root()
	defer SetDefault(prev)
	SetDefault(NewMirrorLogger(NewTerminalHandlerWithLevel(&term, LevelInfo, false), &plain))

	Info(CheckpointMonitoring, "saved", "name", "start", "pages", 3)
	Root().With("pid", 100).Warn(EmuMonitoring, "deadlock")
	Root().Debug(EmuMonitoring, "below level")

	assert.Equal(t, "INFO |ckpt_mod|saved|name=start pages=3\nWARN |emu_mod|deadlock|\n", plain.String())
	assert.Contains(t, term.String(), "pid=100")
	assert.NotContains(t, term.String(), "below level")
}
