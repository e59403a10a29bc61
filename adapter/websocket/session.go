package websocket

import (
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	marketdata "github.com/bjoelf/wsmarketdata/adapter"
)

// FrameSender accepts outbound text frames. Send must not block on the network.
type FrameSender interface {
	Send(frame []byte) error
}

// TraceOptions switch on frame dumps in the log
type TraceOptions struct {
	DumpReceived bool
	ShowSent     bool
	ShowPingPong bool
	ShowStatus   bool
}

// EngineConfig holds the login credentials and what to request after login.
// Exactly one of Items and DomainItems is used; DomainItems wins when set.
type EngineConfig struct {
	User      string
	AppID     string
	Position  string
	TokenMode bool

	Service     string
	Domain      marketdata.DomainModel
	Items       []string
	DomainItems []marketdata.DomainItem
	View        marketdata.View
	Snapshot    bool
	AutoExit    bool

	Trace TraceOptions
}

// Engine is the session protocol engine: it sends the login, dispatches
// inbound messages, issues the item requests, counts responses and owns the
// keepalive deadline. All state is guarded by mu, which serializes the frame
// processing path and the driver.
type Engine struct {
	mu        sync.Mutex
	cfg       EngineConfig
	clock     Clock
	logger    *zap.Logger
	sessionID string

	sender        FrameSender
	transportOpen bool
	token         string

	loggedIn     bool
	nextStreamID int
	startedAt    time.Time
	counters     Counters
	keepalive    KeepaliveMonitor
	autoExited   bool

	closing bool
	reason  ShutdownReason
	err     error
	done    chan struct{}
}

// NewEngine creates an engine. clock may be nil for the system clock.
func NewEngine(cfg EngineConfig, clock Clock, logger *zap.Logger) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	sessionID := newSessionID()
	return &Engine{
		cfg:       cfg,
		clock:     clock,
		logger:    logger.With(zap.String("session", sessionID)),
		sessionID: sessionID,
		done:      make(chan struct{}),
	}
}

// SessionID returns the id attached to the engine's log records
func (e *Engine) SessionID() string { return e.sessionID }

// ============================================================================
// TRANSPORT EVENTS
// ============================================================================

// OnTransportOpen binds the opened transport and sends the login request
func (e *Engine) OnTransportOpen(sender FrameSender) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closing {
		return ErrSessionClosed
	}
	e.sender = sender
	e.transportOpen = true

	e.logger.Info("WebSocket successfully connected, sending login",
		zap.String("function", "OnTransportOpen"),
		zap.Bool("token_mode", e.cfg.TokenMode))
	return e.sendLogin(false)
}

// OnTransportClosed ends the session without a logout. cause is nil for a
// normal closure initiated by the server.
func (e *Engine) OnTransportClosed(cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.transportOpen = false
	e.sender = nil
	if e.closing {
		return
	}

	err := ErrTransportClosed
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrTransportClosed, cause)
	}
	e.logger.Warn("WebSocket closed by server",
		zap.String("function", "OnTransportClosed"),
		zap.Error(cause))
	e.shutdownLocked(ReasonTransportClosed, err)
}

// HandleFrame processes one inbound text frame. Malformed messages are
// skipped; the keepalive deadline is reset once per frame.
func (e *Engine) HandleFrame(frame []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closing {
		return
	}

	if e.cfg.Trace.DumpReceived {
		e.logger.Info("RCVD",
			zap.String("function", "HandleFrame"),
			zap.String("frame", prettyJSON(frame)))
	}

	e.keepalive.Reset(e.clock.Now())

	batch, err := parseFrame(frame)
	if err != nil {
		e.logger.Error("Skipping unparsable frame",
			zap.String("function", "HandleFrame"),
			zap.Error(err),
			zap.ByteString("frame", frame))
		return
	}

	for _, raw := range batch {
		msg, err := decodeMessage(raw)
		if err != nil {
			e.logger.Error("Skipping malformed message",
				zap.String("function", "HandleFrame"),
				zap.Error(err),
				zap.ByteString("message", raw))
			continue
		}

		if err := e.dispatch(msg, raw); err != nil {
			e.logger.Error("Message handling error",
				zap.String("function", "HandleFrame"),
				zap.String("type", msg.Type),
				zap.Error(err))
		}
		e.checkAutoExit()

		if e.closing {
			return
		}
	}
}

// ============================================================================
// LOGIN
// ============================================================================

// ApplyToken stores a fresh access token. A token without an access token
// or past its expiry is refused with ErrTokenRefresh. When logged in, the login is
// reissued with the new token and reissued is true; otherwise the token is
// kept for the first login.
func (e *Engine) ApplyToken(token marketdata.TokenInfo) (reissued bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closing {
		return false, ErrSessionClosed
	}
	if !token.Valid(e.clock.Now()) {
		return false, fmt.Errorf("%w: token has no access token or has expired", ErrTokenRefresh)
	}
	e.token = token.AccessToken

	if !e.loggedIn || !e.transportOpen {
		return false, nil
	}
	e.logger.Info("Reissuing login with refreshed token",
		zap.String("function", "ApplyToken"))
	if err := e.sendLogin(true); err != nil {
		return false, err
	}
	return true, nil
}

// onLoginRefresh handles a successful login: it arms the keepalive, sets the
// stream ID cursor and sends the item requests. A repeated login refresh
// after a token reissue only updates the ping interval.
func (e *Engine) onLoginRefresh(msg Message) error {
	if msg.ID == nil || msg.Elements == nil || msg.Elements.PingTimeout == nil {
		return fmt.Errorf("%w: login refresh without ID or PingTimeout", ErrMalformedMessage)
	}

	now := e.clock.Now()
	interval := time.Duration(*msg.Elements.PingTimeout) * time.Second
	e.keepalive.SetInterval(interval, now)

	if e.loggedIn {
		e.logger.Info("Login refreshed",
			zap.String("function", "onLoginRefresh"),
			zap.Duration("ping_timeout", interval))
		return nil
	}

	e.nextStreamID = *msg.ID + 1
	e.startedAt = now
	e.loggedIn = true

	e.logger.Info("Login successful",
		zap.String("function", "onLoginRefresh"),
		zap.Duration("ping_timeout", interval),
		zap.Int("max_msg_size", msg.Elements.MaxMsgSize),
		zap.Int("next_stream_id", e.nextStreamID))

	return e.sendInitialRequests()
}

// onLoginStatus treats anything but an open stream with good data as a rejection
func (e *Engine) onLoginStatus(msg Message, raw json.RawMessage) {
	e.logger.Warn("LOGIN STATUS",
		zap.String("function", "onLoginStatus"),
		zap.String("message", prettyJSON(raw)))

	if msg.State.OpenOk() {
		return
	}

	e.logger.Error("Login request rejected / failed",
		zap.String("function", "onLoginStatus"),
		zap.String("stream", msg.State.Stream),
		zap.String("data", msg.State.Data),
		zap.String("text", msg.State.Text))
	e.shutdownLocked(ReasonLoginRejected,
		fmt.Errorf("%w: %s/%s %s", ErrLoginRejected, msg.State.Stream, msg.State.Data, msg.State.Text))
}

func (e *Engine) sendLogin(reissue bool) error {
	req := loginRequest{
		ID:     LoginStreamID,
		Domain: marketdata.DomainLogin,
		Key: loginKey{
			Elements: loginElements{
				ApplicationID: e.cfg.AppID,
				Position:      e.cfg.Position,
			},
		},
	}

	if e.cfg.TokenMode {
		req.Key.NameType = "AuthnToken"
		req.Key.Elements.AuthenticationToken = e.token
		if reissue {
			refresh := false
			req.Refresh = &refresh
		}
	} else {
		req.Key.Name = e.cfg.User
	}

	return e.sendJSON("Login Request", req)
}

func (e *Engine) sendLogout() error {
	return e.sendJSON("Logout Request", closeRequest{
		Domain: marketdata.DomainLogin,
		ID:     LoginStreamID,
		Type:   TypeClose,
	})
}

// ============================================================================
// SHUTDOWN
// ============================================================================

// Shutdown ends the session: a logout is sent while the transport is open
// and Done is closed. Only the first call has an effect. cause is nil for
// orderly endings.
func (e *Engine) Shutdown(reason ShutdownReason, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdownLocked(reason, cause)
}

func (e *Engine) shutdownLocked(reason ShutdownReason, cause error) {
	if e.closing {
		return
	}
	e.closing = true
	e.reason = reason
	e.err = cause

	logger := e.logger.With(zap.String("function", "shutdown"), zap.Stringer("reason", reason))
	if cause != nil {
		logger.Error("Shutting down session", zap.Error(cause))
	} else {
		logger.Info("Shutting down session")
	}

	if e.transportOpen && e.sender != nil {
		if err := e.sendLogout(); err != nil {
			logger.Warn("Failed to send logout", zap.Error(err))
		}
	}
	close(e.done)
}

// Done is closed once the session has shut down
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns the fatal cause of the shutdown, nil for orderly endings
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Reason returns why the session ended, ReasonNone while it is running
func (e *Engine) Reason() ShutdownReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

// ============================================================================
// STATE FOR THE DRIVER
// ============================================================================

// Stats returns the counters and elapsed time since the first data request
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var elapsed time.Duration
	if !e.startedAt.IsZero() {
		elapsed = e.clock.Now().Sub(e.startedAt)
	}
	return Stats{
		Counters:     e.counters,
		Elapsed:      elapsed,
		LoggedIn:     e.loggedIn,
		NextStreamID: e.nextStreamID,
	}
}

// KeepaliveTimedOut reports whether the server has been silent past the ping deadline
func (e *Engine) KeepaliveTimedOut() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keepalive.TimedOut(e.clock.Now())
}

// KeepaliveDeadline returns the current ping deadline, zero before login
func (e *Engine) KeepaliveDeadline() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keepalive.Deadline()
}

// LoggedIn reports whether a login refresh has been received
func (e *Engine) LoggedIn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loggedIn
}

// NextStreamID returns the first stream ID the next batch would use
func (e *Engine) NextStreamID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextStreamID
}

// ============================================================================
// SENDING
// ============================================================================

// sendJSON encodes v, hands it to the transport and resets the keepalive
func (e *Engine) sendJSON(what string, v interface{}) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", what, err)
	}
	return e.sendFrame(what, frame)
}

func (e *Engine) sendFrame(what string, frame []byte) error {
	if err := e.transmit(what, frame); err != nil {
		return err
	}
	if e.cfg.Trace.ShowSent {
		e.logger.Info("SENT "+what,
			zap.String("function", "sendFrame"),
			zap.String("frame", prettyJSON(frame)))
	}
	return nil
}

func (e *Engine) transmit(what string, frame []byte) error {
	if !e.transportOpen || e.sender == nil {
		return fmt.Errorf("cannot send %s: %w", what, ErrTransportClosed)
	}
	if err := e.sender.Send(frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", what, err)
	}
	e.keepalive.Reset(e.clock.Now())
	return nil
}
