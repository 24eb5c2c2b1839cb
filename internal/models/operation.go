package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OperationKind enumerates write kinds.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// ParseOperationKind validates a kind string.
func ParseOperationKind(s string) (OperationKind, error) {
	switch k := OperationKind(strings.ToLower(strings.TrimSpace(s))); k {
	case OperationCreate, OperationUpdate, OperationDelete:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, s)
	}
}

// Mutation is a single write against a remote collection.
type Mutation struct {
	Collection Collection      `json:"collection"`
	Kind       OperationKind   `json:"kind"`
	TargetID   string          `json:"target_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Validate checks that the mutation is well formed.
func (m Mutation) Validate() error {
	if !m.Collection.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, m.Collection)
	}

	switch m.Kind {
	case OperationCreate:
		if len(m.Data) == 0 {
			return fmt.Errorf("%w: create requires data", ErrInvalidOperation)
		}
	case OperationUpdate:
		if m.TargetID == "" {
			return fmt.Errorf("%w: update requires target id", ErrInvalidOperation)
		}
		if len(m.Data) == 0 {
			return fmt.Errorf("%w: update requires data", ErrInvalidOperation)
		}
	case OperationDelete:
		if m.TargetID == "" {
			return fmt.Errorf("%w: delete requires target id", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidOperation, m.Kind)
	}

	if len(m.Data) > 0 && !json.Valid(m.Data) {
		return fmt.Errorf("%w: data is not valid JSON", ErrInvalidOperation)
	}

	return nil
}

// TargetKey identifies the document history a mutation belongs to.
// Creates without a client-assigned id have no shared history.
func (m Mutation) TargetKey() string {
	if m.TargetID == "" {
		return ""
	}
	return string(m.Collection) + "/" + m.TargetID
}

// PendingOperation is a mutation waiting in the queue.
type PendingOperation struct {
	ID string `json:"id"`
	Mutation
	Identity   string    `json:"identity"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
}

// Clone returns an independent copy.
func (op *PendingOperation) Clone() *PendingOperation {
	clone := *op
	if op.Data != nil {
		clone.Data = append(json.RawMessage(nil), op.Data...)
	}
	return &clone
}

func (op *PendingOperation) String() string {
	if op.TargetID == "" {
		return fmt.Sprintf("%s %s %s", op.ID, op.Kind, op.Collection)
	}
	return fmt.Sprintf("%s %s %s/%s", op.ID, op.Kind, op.Collection, op.TargetID)
}

// QueueSnapshot is the persisted form of one identity's mutation queue.
type QueueSnapshot struct {
	Identity    string              `json:"identity"`
	Pending     []*PendingOperation `json:"pending"`
	DeadLetters []*PendingOperation `json:"dead_letters,omitempty"`
	SavedAt     time.Time           `json:"saved_at"`
}

// Len returns the number of pending operations.
func (s *QueueSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Pending)
}
