package websocket

import (
	"bytes"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Clock supplies the current time so tests can drive keepalive and schedules
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// newSessionID returns the id attached to every log record of a session
func newSessionID() string {
	return uuid.NewString()
}

// prettyJSON indents a frame for trace output, returning it unchanged if it
// does not parse
func prettyJSON(data []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data)
	}
	return buf.String()
}
