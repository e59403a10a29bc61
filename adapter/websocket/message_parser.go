package websocket

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// parseFrame splits an inbound text frame into its messages. Servers send an
// array of message objects; a lone object is accepted as a one element batch.
func parseFrame(frame []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}

	switch trimmed[0] {
	case '[':
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return batch, nil
	case '{':
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("%w: invalid JSON object", ErrMalformedMessage)
		}
		return []json.RawMessage{json.RawMessage(trimmed)}, nil
	default:
		return nil, fmt.Errorf("%w: frame is neither array nor object", ErrMalformedMessage)
	}
}

// decodeMessage decodes one batch element. A message without a Type is malformed.
func decodeMessage(raw json.RawMessage) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing Type", ErrMalformedMessage)
	}
	return msg, nil
}
