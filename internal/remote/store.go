// Package remote talks to the remote document store.
package remote

import (
	"context"

	"github.com/TheMichaelB/tasksync/internal/models"
)

// Emission is one full snapshot of a subscription's matching items. A
// non-nil Err terminates the subscription and is always the last value.
type Emission struct {
	Items []models.Item
	Err   error
}

// Store is the remote source of truth.
type Store interface {
	// Subscribe streams full snapshots for q until ctx is done or the
	// subscription fails. The channel is closed afterwards.
	Subscribe(ctx context.Context, q models.SourceQuery) (<-chan Emission, error)

	// Write applies one mutation. It makes a single attempt.
	Write(ctx context.Context, m models.Mutation) error

	// Close releases connections.
	Close() error
}
