package websocket

import (
	"fmt"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

var pongFrame = mustMarshal(pongMessage{Type: TypePong})

// dispatch routes one decoded message. Called with e.mu held.
func (e *Engine) dispatch(msg Message, raw json.RawMessage) error {
	switch msg.Type {
	case TypeRefresh:
		if msg.IsLogin() {
			return e.onLoginRefresh(msg)
		}
		if msg.IsComplete() {
			e.counters.Refreshed++
		}

	case TypeUpdate:
		e.counters.Updated++

	case TypeStatus:
		if msg.State == nil {
			return fmt.Errorf("%w: status without State", ErrMalformedMessage)
		}
		if msg.IsLogin() {
			e.onLoginStatus(msg, raw)
			return nil
		}
		e.handleItemStatus(msg, raw)

	case TypePing:
		e.counters.Pings++
		if err := e.transmit("Pong", pongFrame); err != nil {
			return err
		}
		if e.cfg.Trace.ShowPingPong {
			e.logger.Info("RCVD Ping, SENT Pong",
				zap.String("function", "dispatch"),
				zap.ByteString("ping", raw),
				zap.ByteString("pong", pongFrame))
		}

	case TypeError:
		e.logger.Error("ERR from server",
			zap.String("function", "dispatch"),
			zap.String("message", prettyJSON(raw)))
		e.shutdownLocked(ReasonProtocolError, fmt.Errorf("%w: %s", ErrProtocolError, msg.Text))

	default:
		e.logger.Debug("Ignoring message type",
			zap.String("function", "dispatch"),
			zap.String("type", msg.Type))
	}
	return nil
}

// handleItemStatus counts a data item status; a closed suspect stream is a
// terminal answer for the item
func (e *Engine) handleItemStatus(msg Message, raw json.RawMessage) {
	e.counters.StatusReceived++
	if msg.State.ClosedSuspect() {
		e.counters.ClosedWithSuspect++
	}

	// with DumpReceived the whole frame is already in the log
	if e.cfg.Trace.ShowStatus && !e.cfg.Trace.DumpReceived {
		e.logger.Info("Status",
			zap.String("function", "handleItemStatus"),
			zap.Int("id", msg.StreamID()),
			zap.String("stream", msg.State.Stream),
			zap.String("data", msg.State.Data),
			zap.String("text", msg.State.Text),
			zap.ByteString("message", raw))
	}
}

// checkAutoExit shuts down once every requested item has a terminal answer.
// Called with e.mu held after each dispatched message.
func (e *Engine) checkAutoExit() {
	if !e.cfg.AutoExit || e.autoExited || e.closing {
		return
	}
	if !e.counters.AllResponded() {
		return
	}
	e.autoExited = true
	e.logger.Info("All requested items responded",
		zap.String("function", "checkAutoExit"),
		zap.Int("requested", e.counters.Requested),
		zap.Int("refreshed", e.counters.Refreshed),
		zap.Int("closed", e.counters.ClosedWithSuspect))
	e.shutdownLocked(ReasonAutoExit, nil)
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
