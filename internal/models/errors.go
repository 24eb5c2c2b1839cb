package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeInitialization = "INITIALIZATION_ERROR"
	ErrCodeSubscription   = "SUBSCRIPTION_ERROR"
	ErrCodeWrite          = "WRITE_ERROR"
	ErrCodeQueueExhausted = "QUEUE_EXHAUSTED"
	ErrCodeCache          = "CACHE_ERROR"
	ErrCodeAuth           = "AUTH_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeInvalid        = "INVALID_REQUEST"
	ErrCodeServerError    = "SERVER_ERROR"
)

// Sentinel errors
var (
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrSessionClosed     = errors.New("session closed")
	ErrSessionStarted    = errors.New("session already started")
	ErrConnectionLost    = errors.New("connection lost")
	ErrSubscriptionEnded = errors.New("subscription ended")
	ErrWriteTimeout      = errors.New("write timed out")
	ErrOperationNotFound = errors.New("operation not found")
)

// APIError represents a non-success response from the remote store.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// InitializationError is fatal: the session cannot wire its pipeline.
type InitializationError struct {
	Phase string
	Err   error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize %s: %v", e.Phase, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// SubscriptionError reports a terminated remote subscription.
type SubscriptionError struct {
	Collection Collection
	QueryID    string
	Err        error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s/%s: %v", e.Collection, e.QueryID, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// WriteError reports a failed single write attempt.
type WriteError struct {
	Mutation Mutation
	Err      error
}

func (e *WriteError) Error() string {
	if e.Mutation.TargetID != "" {
		return fmt.Sprintf("write %s %s/%s: %v", e.Mutation.Kind, e.Mutation.Collection, e.Mutation.TargetID, e.Err)
	}
	return fmt.Sprintf("write %s %s: %v", e.Mutation.Kind, e.Mutation.Collection, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// QueueExhaustedError reports an operation moved to the dead-letter list.
type QueueExhaustedError struct {
	Operation *PendingOperation
	Attempts  int
	Err       error
}

func (e *QueueExhaustedError) Error() string {
	return fmt.Sprintf("operation %s dead-lettered after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *QueueExhaustedError) Unwrap() error {
	return e.Err
}

// IsUserVisible reports whether err must be surfaced to the user rather than
// absorbed and retried.
func IsUserVisible(err error) bool {
	var initErr *InitializationError
	var exhausted *QueueExhaustedError
	return errors.As(err, &initErr) || errors.As(err, &exhausted)
}
