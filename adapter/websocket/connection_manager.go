package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 30 * time.Second
	closeWriteWait   = 5 * time.Second
)

// ConnectionManager dials the websocket and closes it with a close handshake
type ConnectionManager struct {
	client *Client

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

func NewConnectionManager(client *Client) *ConnectionManager {
	return &ConnectionManager{client: client}
}

// EstablishConnection performs the websocket handshake with the configured
// subprotocol and User-Agent
func (cm *ConnectionManager) EstablishConnection(ctx context.Context) (*websocket.Conn, error) {
	cfg := cm.client.cfg
	logger := cm.client.logger

	cm.mu.Lock()
	if cm.connected {
		cm.mu.Unlock()
		return nil, fmt.Errorf("connection already established")
	}
	cm.mu.Unlock()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		Subprotocols:     []string{cfg.Subprotocol},
		TLSClientConfig:  cfg.TLSConfig,
	}
	if dialer.TLSClientConfig == nil && cfg.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	headers := http.Header{}
	headers.Set("User-Agent", cfg.UserAgent)

	logger.Info("Connecting to WebSocket",
		zap.String("function", "EstablishConnection"),
		zap.String("url", cfg.URL),
		zap.String("subprotocol", cfg.Subprotocol))

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		if resp != nil {
			logger.Error("WebSocket handshake failed",
				zap.String("function", "EstablishConnection"),
				zap.Int("status", resp.StatusCode))
		}
		return nil, fmt.Errorf("failed to establish WebSocket connection: %w", err)
	}

	if conn.Subprotocol() != cfg.Subprotocol {
		logger.Warn("Server did not accept subprotocol",
			zap.String("function", "EstablishConnection"),
			zap.String("requested", cfg.Subprotocol),
			zap.String("negotiated", conn.Subprotocol()))
	}

	cm.mu.Lock()
	cm.conn = conn
	cm.connected = true
	cm.mu.Unlock()

	logger.Info("WebSocket connection established",
		zap.String("function", "EstablishConnection"),
		zap.Stringer("local_addr", conn.LocalAddr()),
		zap.Stringer("remote_addr", conn.RemoteAddr()))
	return conn, nil
}

// CloseConnection sends a close frame and closes the socket. It is a no-op
// when already closed.
func (cm *ConnectionManager) CloseConnection() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.connected || cm.conn == nil {
		return nil
	}

	logger := cm.client.logger
	err := cm.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWriteWait),
	)
	if err != nil {
		logger.Debug("Error sending close message",
			zap.String("function", "CloseConnection"),
			zap.Error(err))
	}

	closeErr := cm.conn.Close()
	cm.conn = nil
	cm.connected = false

	logger.Info("WebSocket connection closed",
		zap.String("function", "CloseConnection"))
	return closeErr
}

// Connection returns the established connection, nil when not connected
func (cm *ConnectionManager) Connection() *websocket.Conn {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.conn
}

// IsConnected returns current connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.connected
}
