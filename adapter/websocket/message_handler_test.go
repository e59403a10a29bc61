package websocket

import (
	"errors"
	"testing"
	"time"
)

func TestDispatch_Counters(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Counters
	}{
		{
			name:  "refresh without Complete counts",
			frame: `[{"ID":2,"Type":"Refresh","Fields":{"BID":1.5}}]`,
			want:  Counters{Requested: 1, Refreshed: 1},
		},
		{
			name:  "refresh with Complete true counts",
			frame: `[{"ID":2,"Type":"Refresh","Complete":true}]`,
			want:  Counters{Requested: 1, Refreshed: 1},
		},
		{
			name:  "partial refresh does not count",
			frame: `[{"ID":2,"Type":"Refresh","Complete":false}]`,
			want:  Counters{Requested: 1},
		},
		{
			name:  "update",
			frame: `[{"ID":2,"Type":"Update"},{"ID":2,"Type":"Update"}]`,
			want:  Counters{Requested: 1, Updated: 2},
		},
		{
			name:  "status closed suspect",
			frame: `[{"ID":2,"Type":"Status","State":{"Stream":"Closed","Data":"Suspect"}}]`,
			want:  Counters{Requested: 1, StatusReceived: 1, ClosedWithSuspect: 1},
		},
		{
			name:  "status open suspect",
			frame: `[{"ID":2,"Type":"Status","State":{"Stream":"Open","Data":"Suspect"}}]`,
			want:  Counters{Requested: 1, StatusReceived: 1},
		},
		{
			name:  "status closed ok",
			frame: `[{"ID":2,"Type":"Status","State":{"Stream":"Closed","Data":"Ok"}}]`,
			want:  Counters{Requested: 1, StatusReceived: 1},
		},
		{
			name:  "status without state is skipped",
			frame: `[{"ID":2,"Type":"Status"}]`,
			want:  Counters{Requested: 1},
		},
		{
			name:  "unknown type ignored",
			frame: `[{"ID":2,"Type":"Ack"}]`,
			want:  Counters{Requested: 1},
		},
		{
			name:  "malformed element skipped",
			frame: `[{"ID":2},{"ID":"x","Type":1},{"ID":2,"Type":"Update"}]`,
			want:  Counters{Requested: 1, Updated: 1},
		},
		{
			name:  "single object frame",
			frame: `{"ID":2,"Type":"Update"}`,
			want:  Counters{Requested: 1, Updated: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _, _ := newTestEngine(t, EngineConfig{Items: []string{"VOD.L"}})
			engine.HandleFrame(loginRefreshFrame(1, 30))

			engine.HandleFrame([]byte(tt.frame))

			if got := engine.Stats().Counters; got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
			if isDone(engine) {
				t.Error("Expected session to continue")
			}
		})
	}
}

func TestDispatch_PingAnsweredWithPong(t *testing.T) {
	engine, sender, _ := newTestEngine(t, EngineConfig{
		Items: []string{"VOD.L"},
		Trace: TraceOptions{ShowPingPong: true, ShowSent: true},
	})

	engine.HandleFrame([]byte(`{"Type":"Ping"}`))
	engine.HandleFrame([]byte(`[{"Type":"Ping"}]`))

	if got := engine.Stats().Pings; got != 2 {
		t.Errorf("Expected 2 pings, got %d", got)
	}
	if got := sender.countFrames(`{"Type":"Pong"}`); got != 2 {
		t.Errorf("Expected 2 pong frames, got %d", got)
	}
	frames := sender.Frames()
	if string(frames[len(frames)-1]) != `{"Type":"Pong"}` {
		t.Errorf("unexpected pong frame: %s", frames[len(frames)-1])
	}
}

func TestDispatch_ErrorShutsDown(t *testing.T) {
	engine, sender, _ := newTestEngine(t, EngineConfig{Items: []string{"VOD.L"}})
	engine.HandleFrame(loginRefreshFrame(1, 30))

	engine.HandleFrame([]byte(`[{"ID":2,"Type":"Error","Text":"JSON Unexpected Key. Received 'Kee'","Debug":{"File":"x"}},{"ID":2,"Type":"Update"}]`))

	if !isDone(engine) {
		t.Fatal("Expected shutdown on Error")
	}
	if !errors.Is(engine.Err(), ErrProtocolError) {
		t.Errorf("Expected ErrProtocolError, got %v", engine.Err())
	}
	if sender.countFrames(logoutFrame) != 1 {
		t.Error("Expected logout before close")
	}
	if engine.Stats().Updated != 0 {
		t.Error("Expected messages after the error to be dropped")
	}
}

func TestDispatch_UnparsableFrameResetsKeepalive(t *testing.T) {
	engine, _, clock := newTestEngine(t, EngineConfig{Items: []string{"VOD.L"}})
	engine.HandleFrame(loginRefreshFrame(1, 30))

	clock.Advance(25 * time.Second)
	engine.HandleFrame([]byte(`not json`))
	clock.Advance(25 * time.Second)

	if engine.KeepaliveTimedOut() {
		t.Error("Expected any inbound frame to reset the keepalive")
	}
	if isDone(engine) {
		t.Error("Expected session to continue after a malformed frame")
	}
}

func TestDispatch_StatusCountsTowardAutoExit(t *testing.T) {
	engine, _, _ := newTestEngine(t, EngineConfig{
		Items:    []string{"A", "B"},
		AutoExit: true,
	})
	engine.HandleFrame(loginRefreshFrame(1, 30))

	engine.HandleFrame([]byte(`[{"ID":2,"Type":"Status","State":{"Stream":"Closed","Data":"Suspect"}},{"ID":3,"Type":"Status","State":{"Stream":"Closed","Data":"Suspect"}}]`))

	if !isDone(engine) || engine.Reason() != ReasonAutoExit {
		t.Errorf("Expected auto exit after closed statuses, got %v", engine.Reason())
	}
}

func TestDispatch_AutoExitNeedsRequests(t *testing.T) {
	engine, _, _ := newTestEngine(t, EngineConfig{AutoExit: true})

	// before login nothing was requested, so 0 == 0 must not end the session
	engine.HandleFrame([]byte(`[{"Type":"Ping"}]`))

	if isDone(engine) {
		t.Error("Expected no auto exit before any request")
	}
}

func TestDispatch_NumericServiceInKey(t *testing.T) {
	engine, _, _ := newTestEngine(t, EngineConfig{
		Items:    []string{"VOD.L", "BT.L"},
		AutoExit: true,
	})
	engine.HandleFrame(loginRefreshFrame(1, 20))

	// servers report the numeric service ID when the name is unknown
	engine.HandleFrame([]byte(`[{"ID":2,"Type":"Refresh","Key":{"Service":257,"Name":"VOD.L"},"Fields":{"BID":1.5}}]`))
	engine.HandleFrame([]byte(`[{"ID":3,"Type":"Status","Key":{"Service":257,"Name":"BT.L"},"State":{"Stream":"Closed","Data":"Suspect","Code":"NotFound"}}]`))

	want := Counters{Requested: 2, Refreshed: 1, StatusReceived: 1, ClosedWithSuspect: 1}
	if got := engine.Stats().Counters; got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
	if !isDone(engine) || engine.Reason() != ReasonAutoExit {
		t.Errorf("Expected auto exit, got %v", engine.Reason())
	}
}
