package sse

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Event names written by the adapter.
const (
	EventConnected    = "connected"
	EventHeartbeat    = "heartbeat"
	EventMCPResponse  = "mcp-response"
	EventNotification = "mcp-notification"
)

// Envelope is the JSON carried in every event's data field.
type Envelope struct {
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// FormatEvent renders one event frame. payload may span several lines; each
// line gets its own data field. retryMS is omitted when not positive.
func FormatEvent(id int64, event string, retryMS int, payload []byte) []byte {
	var b bytes.Buffer
	b.WriteString("id: ")
	b.WriteString(strconv.FormatInt(id, 10))
	b.WriteByte('\n')
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteByte('\n')
	if retryMS > 0 {
		b.WriteString("retry: ")
		b.WriteString(strconv.Itoa(retryMS))
		b.WriteByte('\n')
	}
	for _, line := range bytes.Split(payload, []byte{'\n'}) {
		b.WriteString("data: ")
		b.Write(bytes.TrimSuffix(line, []byte{'\r'}))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}

func encodeEnvelope(data any, now time.Time) ([]byte, error) {
	return json.Marshal(Envelope{Data: data, Timestamp: now.UTC().Format(time.RFC3339Nano)})
}
