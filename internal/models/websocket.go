package models

import (
	"encoding/json"
)

// WSMessageType defines WebSocket frame types.
type WSMessageType string

const (
	// Client to Server
	WSTypeSubscribe   WSMessageType = "subscribe"
	WSTypeUnsubscribe WSMessageType = "unsubscribe"

	// Server to Client
	WSTypeSnapshot WSMessageType = "snapshot"
	WSTypeError    WSMessageType = "error"
)

// WSMessage is the envelope of every subscription frame. Raw holds the whole
// frame so typed payloads can be decoded after dispatch on Op.
type WSMessage struct {
	Op             WSMessageType   `json:"op"`
	SubscriptionID string          `json:"subscription_id"`
	Raw            json.RawMessage `json:"-"`
}

// SubscribeMessage opens a subscription for a source query.
type SubscribeMessage struct {
	Op             WSMessageType `json:"op"` // "subscribe"
	SubscriptionID string        `json:"subscription_id"`
	Collection     Collection    `json:"collection"`
	Where          []Condition   `json:"where,omitempty"`
}

// UnsubscribeMessage cancels a subscription.
type UnsubscribeMessage struct {
	Op             WSMessageType `json:"op"` // "unsubscribe"
	SubscriptionID string        `json:"subscription_id"`
}

// SnapshotMessage carries the full current result set of a subscription.
type SnapshotMessage struct {
	Op             WSMessageType `json:"op"` // "snapshot"
	SubscriptionID string        `json:"subscription_id"`
	Items          []Item        `json:"items"`
}

// ErrorMessage terminates a subscription, or the whole connection when
// SubscriptionID is empty.
type ErrorMessage struct {
	Op             WSMessageType `json:"op"` // "error"
	SubscriptionID string        `json:"subscription_id,omitempty"`
	Code           string        `json:"code"`
	Message        string        `json:"message"`
}

// WriteRequest is the HTTP body of a remote write.
type WriteRequest struct {
	RequestID string          `json:"request_id"`
	Kind      OperationKind   `json:"kind"`
	TargetID  string          `json:"target_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// WriteResponse acknowledges an applied write.
type WriteResponse struct {
	ID       string `json:"id"`
	Revision string `json:"revision"`
}
