package models

import (
	"encoding/json"
	"fmt"
)

// ParseWSMessage parses a raw WebSocket frame.
func ParseWSMessage(data []byte) (*WSMessage, error) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse ws message: %w", err)
	}
	if msg.Op == "" {
		return nil, fmt.Errorf("parse ws message: missing op")
	}
	msg.Raw = append(json.RawMessage(nil), data...)
	return &msg, nil
}

// ParseMessageData decodes the typed payload based on message op.
func ParseMessageData(msg *WSMessage) (interface{}, error) {
	switch msg.Op {
	case WSTypeSubscribe:
		var data SubscribeMessage
		if err := json.Unmarshal(msg.Raw, &data); err != nil {
			return nil, fmt.Errorf("parse subscribe message: %w", err)
		}
		return &data, nil

	case WSTypeUnsubscribe:
		var data UnsubscribeMessage
		if err := json.Unmarshal(msg.Raw, &data); err != nil {
			return nil, fmt.Errorf("parse unsubscribe message: %w", err)
		}
		return &data, nil

	case WSTypeSnapshot:
		var data SnapshotMessage
		if err := json.Unmarshal(msg.Raw, &data); err != nil {
			return nil, fmt.Errorf("parse snapshot message: %w", err)
		}
		return &data, nil

	case WSTypeError:
		var data ErrorMessage
		if err := json.Unmarshal(msg.Raw, &data); err != nil {
			return nil, fmt.Errorf("parse error message: %w", err)
		}
		return &data, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", msg.Op)
	}
}
