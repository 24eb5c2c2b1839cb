package models

import "time"

// Status is the coarse lifecycle state of a sync session.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusSyncing      Status = "syncing"
	StatusActive       Status = "active"
	StatusError        Status = "error"
)

// SessionState is a point-in-time view of a sync session.
type SessionState struct {
	Status            Status       `json:"status"`
	IsOffline         bool         `json:"is_offline"`
	Identity          string       `json:"identity,omitempty"`
	ActiveCollections []Collection `json:"active_collections"`
	PendingWrites     int          `json:"pending_writes"`
	DeadLetters       int          `json:"dead_letters"`
	LastError         string       `json:"last_error,omitempty"`
	ChangedAt         time.Time    `json:"changed_at"`
}

// WriteStatus reports what happened to a write request.
type WriteStatus string

const (
	WriteSent     WriteStatus = "sent"
	WriteQueued   WriteStatus = "queued"
	WriteRejected WriteStatus = "rejected"
)

// WriteReceipt is returned by the session write path.
type WriteReceipt struct {
	Status      WriteStatus `json:"status"`
	OperationID string      `json:"operation_id,omitempty"`
	Err         error       `json:"-"`
}
