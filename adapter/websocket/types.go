package websocket

import (
	"errors"
	"time"

	"github.com/goccy/go-json"

	marketdata "github.com/bjoelf/wsmarketdata/adapter"
)

// LoginStreamID is the fixed stream of the login request and logout
const LoginStreamID = 1

// Message types on the wire
const (
	TypeRefresh = "Refresh"
	TypeUpdate  = "Update"
	TypeStatus  = "Status"
	TypePing    = "Ping"
	TypePong    = "Pong"
	TypeError   = "Error"
	TypeClose   = "Close"
)

// Stream and data states carried by Status and Refresh messages
const (
	StreamOpen   = "Open"
	StreamClosed = "Closed"
	DataOk       = "Ok"
	DataSuspect  = "Suspect"
)

var (
	ErrLoginRejected    = errors.New("login rejected")
	ErrProtocolError    = errors.New("protocol error from server")
	ErrTokenRefresh     = errors.New("token refresh failed")
	ErrTransportClosed  = errors.New("transport closed")
	ErrSessionClosed    = errors.New("session closed")
	ErrMalformedMessage = errors.New("malformed message")
	ErrSendQueueFull    = errors.New("send queue full")
)

// websocketMessage wraps a frame read by the reader goroutine
type websocketMessage struct {
	MessageType int
	Data        []byte
	ReceivedAt  time.Time
}

// ============================================================================
// OUTBOUND
// ============================================================================

type loginRequest struct {
	ID      int      `json:"ID"`
	Domain  string   `json:"Domain"`
	Key     loginKey `json:"Key"`
	Refresh *bool    `json:"Refresh,omitempty"`
}

type loginKey struct {
	Elements loginElements `json:"Elements"`
	Name     string        `json:"Name,omitempty"`
	NameType string        `json:"NameType,omitempty"`
}

type loginElements struct {
	ApplicationID       string `json:"ApplicationId"`
	Position            string `json:"Position"`
	AuthenticationToken string `json:"AuthenticationToken,omitempty"`
}

type closeRequest struct {
	Domain string `json:"Domain"`
	ID     int    `json:"ID"`
	Type   string `json:"Type"`
}

type pongMessage struct {
	Type string `json:"Type"`
}

// SubscriptionRequest is one batched item request. The server assigns the
// stream IDs [StreamID, StreamID+len(Items)) to the items in order.
type SubscriptionRequest struct {
	StreamID  int
	Domain    marketdata.DomainModel // zero lets the server default to MarketPrice
	Service   string
	Items     []string
	View      marketdata.View
	Streaming bool
}

type subscriptionWire struct {
	ID        int                     `json:"ID"`
	Key       subscriptionKey         `json:"Key"`
	View      *marketdata.View        `json:"View,omitempty"`
	Domain    *marketdata.DomainModel `json:"Domain,omitempty"`
	Streaming *bool                   `json:"Streaming,omitempty"`
}

type subscriptionKey struct {
	Name    []string `json:"Name"`
	Service string   `json:"Service,omitempty"`
}

// MarshalJSON omits the optional members that were not set
func (r SubscriptionRequest) MarshalJSON() ([]byte, error) {
	wire := subscriptionWire{
		ID:  r.StreamID,
		Key: subscriptionKey{Name: r.Items, Service: r.Service},
	}
	if !r.View.IsZero() {
		view := r.View
		wire.View = &view
	}
	if !r.Domain.IsZero() {
		domain := r.Domain
		wire.Domain = &domain
	}
	if !r.Streaming {
		streaming := false
		wire.Streaming = &streaming
	}
	return json.Marshal(wire)
}

// ============================================================================
// INBOUND
// ============================================================================

// Message is one element of an inbound frame. Only the members the client
// acts on are decoded; Key and Fields are left to the trace output.
type Message struct {
	ID       *int                   `json:"ID"`
	Type     string                 `json:"Type"`
	Domain   marketdata.DomainModel `json:"Domain"`
	Complete *bool                  `json:"Complete"`
	State    *State                 `json:"State"`
	Elements *LoginResponseElements `json:"Elements"`
	Text     string                 `json:"Text"`
}

// StreamID returns the message ID, 0 when absent
func (m Message) StreamID() int {
	if m.ID == nil {
		return 0
	}
	return *m.ID
}

// IsLogin reports whether the message belongs to the login stream
func (m Message) IsLogin() bool {
	return m.Domain.IsLogin()
}

// IsComplete reports whether a refresh is final; absent means complete
func (m Message) IsComplete() bool {
	return m.Complete == nil || *m.Complete
}

type State struct {
	Stream string `json:"Stream"`
	Data   string `json:"Data"`
	Code   string `json:"Code,omitempty"`
	Text   string `json:"Text,omitempty"`
}

// ClosedSuspect reports whether the server closed the stream, e.g. item not found
func (s State) ClosedSuspect() bool {
	return s.Stream == StreamClosed && s.Data == DataSuspect
}

// OpenOk reports whether the stream is open with good data
func (s State) OpenOk() bool {
	return s.Stream == StreamOpen && s.Data == DataOk
}

// LoginResponseElements carries the login refresh parameters
type LoginResponseElements struct {
	PingTimeout *int `json:"PingTimeout"`
	MaxMsgSize  int  `json:"MaxMsgSize,omitempty"`
}

// ============================================================================
// ACCOUNTING
// ============================================================================

// Counters are the per-session request and response counts. They never decrease.
type Counters struct {
	Requested         int
	Refreshed         int
	Updated           int
	StatusReceived    int
	Pings             int
	ClosedWithSuspect int
}

// Responded is the number of items that reached a terminal state
func (c Counters) Responded() int {
	return c.Refreshed + c.ClosedWithSuspect
}

// AllResponded reports whether every requested item has reached a terminal state
func (c Counters) AllResponded() bool {
	return c.Requested > 0 && c.Responded() == c.Requested
}

// Stats is a snapshot of the session for display
type Stats struct {
	Counters
	Elapsed      time.Duration // since the first data request, 0 before login
	LoggedIn     bool
	NextStreamID int
}

// ShutdownReason records why a session ended
type ShutdownReason int

const (
	ReasonNone ShutdownReason = iota
	ReasonAutoExit
	ReasonLoginRejected
	ReasonProtocolError
	ReasonKeepaliveTimeout
	ReasonTokenRefreshFailed
	ReasonRunDurationElapsed
	ReasonInterrupted
	ReasonTransportClosed
)

func (r ShutdownReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonAutoExit:
		return "all items responded"
	case ReasonLoginRejected:
		return "login rejected"
	case ReasonProtocolError:
		return "protocol error"
	case ReasonKeepaliveTimeout:
		return "no ping from server"
	case ReasonTokenRefreshFailed:
		return "token refresh failed"
	case ReasonRunDurationElapsed:
		return "run duration elapsed"
	case ReasonInterrupted:
		return "interrupted"
	case ReasonTransportClosed:
		return "transport closed"
	default:
		return "unknown"
	}
}
