package log

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

// StructuredLog is one machine-readable emulator event, written as a JSON
// line to the event writer (see SetEventWriter). Field order is the wire
// order.
type StructuredLog struct {
	Time     time.Time       `json:"time"`
	Sender   string          `json:"sender_id"`
	MsgType  string          `json:"msg_type"`
	MsgJSON  json.RawMessage `json:"json_encoded"`
	Metadata *string         `json:"metadata,omitempty"`
	Inst     uint64          `json:"inst,omitempty"`
}

var (
	eventMu     sync.Mutex
	eventWriter io.Writer
)

// SetEventWriter installs the destination for Event records. A nil writer
// disables event output.
func SetEventWriter(w io.Writer) {
	eventMu.Lock()
	eventWriter = w
	eventMu.Unlock()
}

// Event writes one StructuredLog line. kv may carry "metadata" and "inst".
func Event(msgType string, senderID string, msg interface{}, kv ...interface{}) {
	eventMu.Lock()
	defer eventMu.Unlock()
	if eventWriter == nil {
		return
	}
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		Error(EmuMonitoring, "Event: failed to marshal msg", "err", err)
		return
	}
	rec := StructuredLog{
		Time:    time.Now().UTC(),
		Sender:  senderID,
		MsgType: msgType,
		MsgJSON: msgJSON,
	}
	kvMap := toMap(kv...)
	if v, ok := kvMap["metadata"]; ok && v != nil {
		meta := fmt.Sprint(v)
		rec.Metadata = &meta
	}
	if v, ok := kvMap["inst"]; ok {
		rec.Inst = parseUint64(v)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		Error(EmuMonitoring, "Event: failed to marshal record", "err", err)
		return
	}
	eventWriter.Write(append(line, '\n'))
}

func toMap(kv ...interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			m[k] = kv[i+1]
		}
	}
	return m
}

func parseUint64(v interface{}) uint64 {
	switch t := v.(type) {
	case int:
		return uint64(t)
	case int64:
		return uint64(t)
	case uint32:
		return uint64(t)
	case uint64:
		return t
	case string:
		if n, err := strconv.ParseUint(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
