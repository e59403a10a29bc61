package mocktesting

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// Subprotocol is the only subprotocol the mock server accepts
const Subprotocol = "tr_json2"

// MockMarketDataServer is a test websocket server speaking the JSON market
// data protocol. It answers the login, answers every batch request with one
// frame per item and records every frame it receives.
type MockMarketDataServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	// per connection write lock; gorilla allows one concurrent writer
	clients   map[*websocket.Conn]*sync.Mutex
	clientsMu sync.RWMutex

	received   [][]byte
	receivedMu sync.Mutex
	frameCh    chan []byte

	pingTimeout   int
	loginStreamID int
	rejectLogin   bool
	rejectedItems map[string]bool
	pingOnLogin   bool
	incomplete    map[string]bool
}

// Option customizes the mock server
type Option func(*MockMarketDataServer)

// WithPingTimeout sets the PingTimeout announced in the login refresh
func WithPingTimeout(seconds int) Option {
	return func(m *MockMarketDataServer) { m.pingTimeout = seconds }
}

// WithLoginStreamID sets the ID of the login refresh
func WithLoginStreamID(id int) Option {
	return func(m *MockMarketDataServer) { m.loginStreamID = id }
}

// WithLoginRejected answers logins with a closed suspect login status
func WithLoginRejected() Option {
	return func(m *MockMarketDataServer) { m.rejectLogin = true }
}

// WithRejectedItems answers the given items with a closed suspect status
func WithRejectedItems(items ...string) Option {
	return func(m *MockMarketDataServer) {
		for _, item := range items {
			m.rejectedItems[item] = true
		}
	}
}

// WithIncompleteRefresh answers the given items with a partial refresh
// ("Complete": false) followed by the final refresh
func WithIncompleteRefresh(items ...string) Option {
	return func(m *MockMarketDataServer) {
		for _, item := range items {
			m.incomplete[item] = true
		}
	}
}

// WithPingOnLogin sends a Ping right after the login refresh
func WithPingOnLogin() Option {
	return func(m *MockMarketDataServer) { m.pingOnLogin = true }
}

// NewMockMarketDataServer starts a mock server on a local port
func NewMockMarketDataServer(opts ...Option) *MockMarketDataServer {
	m := &MockMarketDataServer{
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		clients:       make(map[*websocket.Conn]*sync.Mutex),
		frameCh:       make(chan []byte, 256),
		pingTimeout:   30,
		loginStreamID: 1,
		rejectedItems: make(map[string]bool),
		incomplete:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/WebSocket", m.handleWebSocket)
	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the ws:// endpoint of the server
func (m *MockMarketDataServer) URL() string {
	return strings.Replace(m.server.URL, "http://", "ws://", 1) + "/WebSocket"
}

// Close disconnects all clients and stops the server
func (m *MockMarketDataServer) Close() {
	m.clientsMu.Lock()
	for conn := range m.clients {
		conn.Close()
	}
	m.clients = make(map[*websocket.Conn]*sync.Mutex)
	m.clientsMu.Unlock()
	m.server.Close()
}

// Received returns every frame received so far
func (m *MockMarketDataServer) Received() [][]byte {
	m.receivedMu.Lock()
	defer m.receivedMu.Unlock()
	out := make([][]byte, len(m.received))
	copy(out, m.received)
	return out
}

// WaitForFrames waits until n frames have been received in total
func (m *MockMarketDataServer) WaitForFrames(n int, timeout time.Duration) ([][]byte, error) {
	deadline := time.After(timeout)
	for {
		if frames := m.Received(); len(frames) >= n {
			return frames, nil
		}
		select {
		case <-m.frameCh:
		case <-deadline:
			return m.Received(), fmt.Errorf("timeout waiting for %d frames, got %d", n, len(m.Received()))
		}
	}
}

// Broadcast sends a raw frame to every connected client
func (m *MockMarketDataServer) Broadcast(frame string) error {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	for conn, mu := range m.clients {
		if err := writeFrame(conn, mu, []byte(frame)); err != nil {
			return err
		}
	}
	return nil
}

// DisconnectAll closes every client connection without a close handshake
func (m *MockMarketDataServer) DisconnectAll() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for conn := range m.clients {
		conn.Close()
	}
}

// ClientCount returns the number of connected clients
func (m *MockMarketDataServer) ClientCount() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// request is the part of a client frame the mock server acts on
type request struct {
	ID      int             `json:"ID"`
	Type    string          `json:"Type"`
	Domain  json.RawMessage `json:"Domain"`
	Refresh *bool           `json:"Refresh"`
	Key     struct {
		Name    json.RawMessage `json:"Name"`
		Service string          `json:"Service"`
	} `json:"Key"`
}

func (m *MockMarketDataServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	mu := &sync.Mutex{}
	m.clientsMu.Lock()
	m.clients[conn] = mu
	m.clientsMu.Unlock()

	defer func() {
		m.clientsMu.Lock()
		delete(m.clients, conn)
		m.clientsMu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.record(data)

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		for _, frame := range m.respond(req) {
			if err := writeFrame(conn, mu, frame); err != nil {
				return
			}
		}
	}
}

func (m *MockMarketDataServer) record(data []byte) {
	m.receivedMu.Lock()
	m.received = append(m.received, data)
	m.receivedMu.Unlock()

	select {
	case m.frameCh <- data:
	default:
	}
}

// respond builds the frames answering one client request
func (m *MockMarketDataServer) respond(req request) [][]byte {
	if req.Type == "Pong" || req.Type == "Close" {
		return nil
	}

	if string(req.Domain) == `"Login"` {
		return m.respondLogin(req)
	}

	var items []string
	if err := json.Unmarshal(req.Key.Name, &items); err != nil {
		var single string
		if err := json.Unmarshal(req.Key.Name, &single); err != nil {
			return nil
		}
		items = []string{single}
	}

	var frames [][]byte
	for i, item := range items {
		id := req.ID + i
		switch {
		case m.rejectedItems[item]:
			frames = append(frames, m.itemMessage(id, req.Domain, map[string]interface{}{
				"Type":  "Status",
				"Key":   map[string]string{"Name": item},
				"State": map[string]string{"Stream": "Closed", "Data": "Suspect", "Code": "NotFound", "Text": "**The record could not be found"},
			}))
		case m.incomplete[item]:
			frames = append(frames,
				m.itemMessage(id, req.Domain, refreshBody(item, false)),
				m.itemMessage(id, req.Domain, refreshBody(item, true)))
		default:
			frames = append(frames, m.itemMessage(id, req.Domain, refreshBody(item, true)))
		}
	}
	return frames
}

func (m *MockMarketDataServer) respondLogin(req request) [][]byte {
	if m.rejectLogin {
		return [][]byte{mustFrame(map[string]interface{}{
			"ID":     req.ID,
			"Type":   "Status",
			"Domain": "Login",
			"State":  map[string]string{"Stream": "Closed", "Data": "Suspect", "Text": "Login denied"},
		})}
	}

	// a token reissue is acknowledged silently
	if req.Refresh != nil && !*req.Refresh {
		return nil
	}

	frames := [][]byte{mustFrame(map[string]interface{}{
		"ID":       m.loginStreamID,
		"Type":     "Refresh",
		"Domain":   "Login",
		"Elements": map[string]interface{}{"PingTimeout": m.pingTimeout, "MaxMsgSize": 61430},
		"State":    map[string]string{"Stream": "Open", "Data": "Ok", "Text": "Login accepted"},
	})}
	if m.pingOnLogin {
		frames = append(frames, []byte(`{"Type":"Ping"}`))
	}
	return frames
}

func refreshBody(item string, complete bool) map[string]interface{} {
	body := map[string]interface{}{
		"Type":   "Refresh",
		"Key":    map[string]string{"Name": item},
		"State":  map[string]string{"Stream": "Open", "Data": "Ok"},
		"Fields": map[string]interface{}{"DSPLY_NAME": item, "BID": 101.5, "ASK": 101.6},
	}
	if !complete {
		body["Complete"] = false
	}
	return body
}

// itemMessage wraps one item message in a frame, echoing the request domain
func (m *MockMarketDataServer) itemMessage(id int, domain json.RawMessage, body map[string]interface{}) []byte {
	body["ID"] = id
	if len(domain) > 0 && string(domain) != "null" {
		body["Domain"] = domain
	}
	return mustFrame(body)
}

func mustFrame(msg map[string]interface{}) []byte {
	data, err := json.Marshal([]interface{}{msg})
	if err != nil {
		panic(err)
	}
	return data
}

func writeFrame(conn *websocket.Conn, mu *sync.Mutex, frame []byte) error {
	mu.Lock()
	defer mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}
