package websocket

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap/zaptest"
)

// fakeClock is a manually advanced Clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingSender records every frame handed to the transport
type recordingSender struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *recordingSender) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordingSender) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

// Decoded returns frame i as a generic object
func (s *recordingSender) Decoded(t *testing.T, i int) map[string]interface{} {
	t.Helper()
	frames := s.Frames()
	if i >= len(frames) {
		t.Fatalf("Expected at least %d frames, got %d", i+1, len(frames))
	}
	var out map[string]interface{}
	if err := json.Unmarshal(frames[i], &out); err != nil {
		t.Fatalf("frame %d is not a JSON object: %v: %s", i, err, frames[i])
	}
	return out
}

// countFrames counts the frames containing substr
func (s *recordingSender) countFrames(substr string) int {
	n := 0
	for _, f := range s.Frames() {
		if strings.Contains(string(f), substr) {
			n++
		}
	}
	return n
}

// newTestEngine returns an engine whose transport is open, with the login
// request already recorded as frame 0
func newTestEngine(t *testing.T, cfg EngineConfig) (*Engine, *recordingSender, *fakeClock) {
	t.Helper()
	if cfg.AppID == "" {
		cfg.AppID = "256"
	}
	if cfg.Position == "" {
		cfg.Position = "10.0.0.1"
	}
	if cfg.User == "" {
		cfg.User = "alice"
	}

	clock := newFakeClock()
	engine := NewEngine(cfg, clock, zaptest.NewLogger(t))
	sender := &recordingSender{}
	if err := engine.OnTransportOpen(sender); err != nil {
		t.Fatalf("OnTransportOpen failed: %v", err)
	}
	return engine, sender, clock
}

func loginRefreshFrame(id, pingTimeout int) []byte {
	return []byte(fmt.Sprintf(
		`[{"ID":%d,"Type":"Refresh","Domain":"Login","Key":{"Name":"alice"},"Elements":{"PingTimeout":%d,"MaxMsgSize":61430},"State":{"Stream":"Open","Data":"Ok"}}]`,
		id, pingTimeout))
}
