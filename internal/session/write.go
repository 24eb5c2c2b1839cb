package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/TheMichaelB/tasksync/internal/events"
	"github.com/TheMichaelB/tasksync/internal/models"
	"github.com/TheMichaelB/tasksync/internal/queue"
)

// Write applies m for the signed-in identity. Online, it tries the remote
// store once and queues the mutation if that fails. Offline, or when earlier
// writes to the same document are still queued, it queues directly.
// Failures are reported in the receipt, never returned.
func (s *Session) Write(ctx context.Context, m models.Mutation) models.WriteReceipt {
	if err := m.Validate(); err != nil {
		return rejected(err)
	}

	s.mu.RLock()
	closed := s.closed
	q := s.queue
	offline := s.offline
	subject := ""
	if s.identity != nil {
		subject = s.identity.Subject
	}
	s.mu.RUnlock()

	switch {
	case closed:
		return rejected(models.ErrSessionClosed)
	case q == nil:
		return rejected(models.ErrNotAuthenticated)
	}

	ctx = events.WithIdentity(events.WithLogger(ctx, s.logger), subject)
	ctx = events.WithCollection(ctx, string(m.Collection))
	logger := events.FromContext(ctx).WithFields(map[string]interface{}{
		"kind":   m.Kind,
		"target": m.TargetID,
	})

	if offline {
		logger.Debug("Offline, queueing write")
		return s.enqueue(q, m, false, nil)
	}

	if q.HasTarget(m.TargetKey()) {
		logger.Debug("Earlier writes to target are queued, queueing behind them")
		return s.enqueue(q, m, true, nil)
	}

	if err := s.writeRemote(ctx, m); err != nil {
		logger.WithError(err).Warn("Direct write failed, queueing")
		return s.enqueue(q, m, true, err)
	}

	logger.Debug("Write sent")
	return models.WriteReceipt{Status: models.WriteSent}
}

func (s *Session) enqueue(q *queue.Queue, m models.Mutation, online bool, cause error) models.WriteReceipt {
	op, err := q.Enqueue(m)
	if err != nil {
		return rejected(err)
	}

	if online {
		s.drain(q)
	}
	s.publishState()

	return models.WriteReceipt{
		Status:      models.WriteQueued,
		OperationID: op.ID,
		Err:         cause,
	}
}

func rejected(err error) models.WriteReceipt {
	return models.WriteReceipt{Status: models.WriteRejected, Err: err}
}

// Pending returns the signed-in identity's queued operations.
func (s *Session) Pending() []*models.PendingOperation {
	if q := s.currentQueue(); q != nil {
		return q.Pending()
	}
	return nil
}

// DeadLetters returns the signed-in identity's dead-lettered operations.
func (s *Session) DeadLetters() []*models.PendingOperation {
	if q := s.currentQueue(); q != nil {
		return q.DeadLetters()
	}
	return nil
}

// RetryDeadLetter requeues a dead-lettered operation and drains if online.
func (s *Session) RetryDeadLetter(id string) error {
	q := s.currentQueue()
	if q == nil {
		return models.ErrNotAuthenticated
	}
	if err := q.RetryDeadLetter(id); err != nil {
		return err
	}

	if !s.IsOffline() {
		s.drain(q)
	}
	s.publishState()
	return nil
}

// DiscardDeadLetter drops a dead-lettered operation.
func (s *Session) DiscardDeadLetter(id string) error {
	q := s.currentQueue()
	if q == nil {
		return models.ErrNotAuthenticated
	}
	if err := q.DiscardDeadLetter(id); err != nil {
		return err
	}

	s.publishState()
	return nil
}

// DiscardPending drops every queued and dead-lettered operation of subject,
// whether or not it is signed in.
func (s *Session) DiscardPending(subject string) error {
	if subject == "" {
		return errors.New("discard pending: identity is required")
	}

	s.mu.RLock()
	q, ok := s.queues[subject]
	s.mu.RUnlock()

	switch {
	case ok:
		q.Reset()
	case s.cache != nil:
		if err := s.cache.DeleteQueue(subject); err != nil {
			return fmt.Errorf("discard pending: %w", err)
		}
	}

	s.logger.WithField("identity", subject).Info("Discarded pending operations")
	s.publishState()
	return nil
}

func (s *Session) currentQueue() *queue.Queue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue
}
