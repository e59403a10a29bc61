package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultUserAgent is sent on the websocket handshake
	DefaultUserAgent = "Go"

	sendQueueSize     = 256
	incomingQueueSize = 100
	writeWait         = 10 * time.Second
)

// ClientConfig configures the websocket transport
type ClientConfig struct {
	URL           string
	Subprotocol   string
	UserAgent     string
	TLSSkipVerify bool
	TLSConfig     *tls.Config // overrides TLSSkipVerify when set
}

// Client is the websocket transport of one session. A reader goroutine only
// reads frames, a processor goroutine feeds them to the engine and a writer
// goroutine owns all data writes. Engine sends are queued, so the engine
// never blocks on the network.
type Client struct {
	engine *Engine
	cfg    ClientConfig
	logger *zap.Logger

	connectionManager *ConnectionManager

	incomingMessages chan websocketMessage
	connectionErrors chan error
	outgoing         chan []byte
}

// NewClient creates a transport for engine
func NewClient(engine *Engine, cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Subprotocol == "" {
		cfg.Subprotocol = "tr_json2"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	c := &Client{
		engine:           engine,
		cfg:              cfg,
		logger:           logger.With(zap.String("session", engine.SessionID())),
		incomingMessages: make(chan websocketMessage, incomingQueueSize),
		connectionErrors: make(chan error, 1),
		outgoing:         make(chan []byte, sendQueueSize),
	}
	c.connectionManager = NewConnectionManager(c)
	return c
}

// Connect performs the websocket handshake
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connectionManager.EstablishConnection(ctx)
	return err
}

// Run starts the reader, processor and writer, signals the engine that the
// transport is open and blocks until the session has ended and the
// connection is closed. Session failures are reported by Engine.Err.
func (c *Client) Run(ctx context.Context) error {
	if !c.connectionManager.IsConnected() {
		return fmt.Errorf("run before connect: %w", ErrTransportClosed)
	}
	// the goroutines keep this reference; CloseConnection clears the manager's
	conn := c.connectionManager.Connection()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readMessages(conn) })
	g.Go(func() error { return c.processMessages() })
	g.Go(func() error { return c.writeMessages(gctx, conn) })

	if err := c.engine.OnTransportOpen(c); err != nil {
		c.logger.Error("Failed to send login",
			zap.String("function", "Run"),
			zap.Error(err))
		c.engine.Shutdown(ReasonTransportClosed, err)
	}

	return g.Wait()
}

// Send queues a frame for the writer goroutine. It never blocks.
func (c *Client) Send(frame []byte) error {
	select {
	case c.outgoing <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// readMessages only reads from the websocket and hands frames to the
// processor. It exits on the first read error, which is reported to the
// processor after all frames read before it.
func (c *Client) readMessages(conn *websocket.Conn) error {
	defer c.logger.Debug("Reader goroutine exiting",
		zap.String("function", "readMessages"))

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case c.connectionErrors <- err:
			default:
			}
			return nil
		}

		msg := websocketMessage{
			MessageType: messageType,
			Data:        data,
			ReceivedAt:  time.Now(),
		}
		select {
		case c.incomingMessages <- msg:
			if queueLen := len(c.incomingMessages); queueLen > 10 {
				c.logger.Warn("Queue backpressure detected",
					zap.String("function", "readMessages"),
					zap.Int("pending_messages", queueLen))
			}
		case <-c.engine.Done():
			// session over, frames are no longer processed
		}
	}
}

// processMessages feeds frames to the engine until the reader fails
func (c *Client) processMessages() error {
	defer c.logger.Debug("Processor goroutine exiting",
		zap.String("function", "processMessages"))

	for {
		select {
		case msg := <-c.incomingMessages:
			c.processOneMessage(msg)

		case err := <-c.connectionErrors:
			c.drainIncoming()
			c.handleConnectionError(err)
			return nil
		}
	}
}

// drainIncoming processes the frames the reader queued before it failed
func (c *Client) drainIncoming() {
	for {
		select {
		case msg := <-c.incomingMessages:
			c.processOneMessage(msg)
		default:
			return
		}
	}
}

func (c *Client) processOneMessage(msg websocketMessage) {
	switch msg.MessageType {
	case websocket.TextMessage:
		c.engine.HandleFrame(msg.Data)
	case websocket.BinaryMessage:
		c.logger.Warn("Received unexpected binary message",
			zap.String("function", "processOneMessage"),
			zap.Int("size", len(msg.Data)))
		c.engine.HandleFrame(msg.Data)
	default:
		c.logger.Warn("Unknown message type",
			zap.String("function", "processOneMessage"),
			zap.Int("message_type", msg.MessageType))
	}
}

// handleConnectionError ends the session when the server closed the
// connection. After a local shutdown the engine ignores it.
func (c *Client) handleConnectionError(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info("WebSocket Closed",
			zap.String("function", "handleConnectionError"))
		c.engine.OnTransportClosed(nil)
		return
	}

	select {
	case <-c.engine.Done():
		c.logger.Debug("Reader stopped after shutdown",
			zap.String("function", "handleConnectionError"),
			zap.Error(err))
	default:
		c.logger.Error("WebSocket read error",
			zap.String("function", "handleConnectionError"),
			zap.Error(err))
	}
	c.engine.OnTransportClosed(err)
}

// writeMessages writes queued frames. When the session ends it flushes the
// queue, which holds the logout, and closes the connection.
func (c *Client) writeMessages(ctx context.Context, conn *websocket.Conn) error {
	defer func() {
		if err := c.connectionManager.CloseConnection(); err != nil {
			c.logger.Debug("Error closing connection",
				zap.String("function", "writeMessages"),
				zap.Error(err))
		}
	}()

	for {
		select {
		case frame := <-c.outgoing:
			c.writeFrame(conn, frame)
		case <-ctx.Done():
			c.engine.Shutdown(ReasonInterrupted, nil)
			c.flushOutgoing(conn)
			return nil
		case <-c.engine.Done():
			c.flushOutgoing(conn)
			return nil
		}
	}
}

func (c *Client) flushOutgoing(conn *websocket.Conn) {
	for {
		select {
		case frame := <-c.outgoing:
			c.writeFrame(conn, frame)
		default:
			return
		}
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, frame []byte) {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("Failed to set write deadline",
			zap.String("function", "writeFrame"),
			zap.Error(err))
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Error("Write failed",
			zap.String("function", "writeFrame"),
			zap.Error(err))
		c.engine.OnTransportClosed(err)
	}
}
