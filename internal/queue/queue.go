// Package queue buffers writes that could not be sent and replays them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/TheMichaelB/tasksync/internal/cache"
	"github.com/TheMichaelB/tasksync/internal/events"
	"github.com/TheMichaelB/tasksync/internal/models"
)

const (
	// DefaultMaxAttempts bounds how often one operation is tried before it
	// is dead-lettered.
	DefaultMaxAttempts = 5

	// DefaultRetryDelay is the pause before the first retry pass. It
	// doubles after every retry pass up to maxRetryDelay.
	DefaultRetryDelay = 500 * time.Millisecond

	maxRetryDelay = 30 * time.Second
)

// Sender makes one attempt at an operation.
type Sender func(ctx context.Context, op *models.PendingOperation) error

// DeadLetterHandler receives operations that ran out of attempts.
type DeadLetterHandler func(err *models.QueueExhaustedError)

// Options configures a queue.
type Options struct {
	Identity    string
	MaxAttempts int
	RetryDelay  time.Duration

	// Adapter persists the queue after every change. Nil keeps it in memory.
	Adapter *cache.Adapter

	OnDeadLetter DeadLetterHandler
}

// Stats summarizes one Drain call.
type Stats struct {
	Passes       int
	Sent         int
	Failed       int
	Requeued     int
	Deferred     int
	DeadLettered int
	Coalesced    bool
}

// Queue is an ordered, identity-scoped list of pending operations.
type Queue struct {
	identity    string
	maxAttempts int
	retryDelay  time.Duration
	adapter     *cache.Adapter
	logger      *events.Logger
	clock       func() time.Time

	mu           sync.Mutex
	pending      []*models.PendingOperation
	dead         []*models.PendingOperation
	onDeadLetter DeadLetterHandler

	draining  bool
	requested bool // Drain was called while a drain was running
	modified  bool // the queue changed while a drain was running

	// The newest coalesced request. Follow-up passes run under it.
	reqCtx  context.Context
	reqSend Sender
	wake    chan struct{}
}

// New creates an empty queue.
func New(opts Options, logger *events.Logger) *Queue {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}

	return &Queue{
		identity:     opts.Identity,
		maxAttempts:  opts.MaxAttempts,
		retryDelay:   opts.RetryDelay,
		wake:         make(chan struct{}, 1),
		adapter:      opts.Adapter,
		onDeadLetter: opts.OnDeadLetter,
		clock:        time.Now,
		logger: logger.WithFields(map[string]interface{}{
			"component": "mutation_queue",
			"identity":  opts.Identity,
		}),
	}
}

// Restore creates a queue holding the identity's persisted operations.
// A missing or unreadable snapshot yields an empty queue.
func Restore(opts Options, logger *events.Logger) (*Queue, error) {
	q := New(opts, logger)
	if q.adapter == nil {
		return q, nil
	}

	snapshot, err := q.adapter.LoadQueue(q.identity)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrNotFound):
		return q, nil
	case errors.Is(err, cache.ErrCorrupt), errors.Is(err, cache.ErrInvalid):
		q.logger.WithError(err).Warn("Discarding unreadable persisted queue")
		return q, nil
	default:
		return nil, fmt.Errorf("restore queue: %w", err)
	}

	q.pending = snapshot.Pending
	q.dead = snapshot.DeadLetters

	q.logger.WithFields(map[string]interface{}{
		"pending":      len(q.pending),
		"dead_letters": len(q.dead),
	}).Info("Restored persisted queue")

	return q, nil
}

// Identity returns the identity the queue belongs to.
func (q *Queue) Identity() string {
	return q.identity
}

// SetDeadLetterHandler replaces the dead-letter callback.
func (q *Queue) SetDeadLetterHandler(fn DeadLetterHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDeadLetter = fn
}

// Enqueue appends m to the tail.
func (q *Queue) Enqueue(m models.Mutation) (*models.PendingOperation, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	op := (&models.PendingOperation{
		ID:         ulid.Make().String(),
		Mutation:   m,
		Identity:   q.identity,
		EnqueuedAt: q.clock().UTC(),
	}).Clone()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, op)
	q.touch()

	q.logger.WithFields(map[string]interface{}{
		"operation": op.String(),
		"pending":   len(q.pending),
	}).Debug("Enqueued operation")

	return op.Clone(), nil
}

// Len returns the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns the pending operations in replay order.
func (q *Queue) Pending() []*models.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.pending)
}

// HasTarget reports whether an operation for the target key is pending.
func (q *Queue) HasTarget(key string) bool {
	if key == "" {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, op := range q.pending {
		if op.TargetKey() == key {
			return true
		}
	}
	return false
}

// DeadLetters returns operations removed from automatic replay.
func (q *Queue) DeadLetters() []*models.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.dead)
}

// RetryDeadLetter moves a dead-lettered operation back to the tail with a
// fresh attempt budget.
func (q *Queue) RetryDeadLetter(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := indexOf(q.dead, id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", models.ErrOperationNotFound, id)
	}

	op := q.dead[idx]
	q.dead = append(q.dead[:idx], q.dead[idx+1:]...)
	op.Attempts = 0
	op.LastError = ""
	q.pending = append(q.pending, op)
	q.touch()

	q.logger.WithField("operation", op.String()).Info("Dead letter requeued")
	return nil
}

// DiscardDeadLetter drops a dead-lettered operation.
func (q *Queue) DiscardDeadLetter(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := indexOf(q.dead, id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", models.ErrOperationNotFound, id)
	}

	q.dead = append(q.dead[:idx], q.dead[idx+1:]...)
	q.touch()
	return nil
}

// Discard drops a pending operation.
func (q *Queue) Discard(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := indexOf(q.pending, id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", models.ErrOperationNotFound, id)
	}

	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	q.touch()
	return nil
}

// Reset drops every pending and dead-lettered operation.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = nil
	q.dead = nil
	q.touch()
}

// Snapshot returns the persisted form of the queue.
func (q *Queue) Snapshot() *models.QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshot()
}

// Draining reports whether a drain is running.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Drain replays pending operations head to tail through send.
//
// Only one drain runs at a time. A call made while another drain runs
// returns at once with Coalesced set; the running drain then makes one more
// pass under the caller's context if the queue changed in the meantime. If
// the running drain's context ends first, it hands over to the caller's
// context instead of stopping.
//
// A pass visits the operations present when it starts. A failed operation
// moves to the tail together with the later operations for its target, in
// their order, and those are not attempted again in the same pass. Passes
// repeat with a growing delay while failed operations have attempts left.
func (q *Queue) Drain(ctx context.Context, send Sender) Stats {
	q.mu.Lock()
	if q.draining {
		q.requested = true
		q.reqCtx, q.reqSend = ctx, send
		select {
		case q.wake <- struct{}{}:
		default:
		}
		q.mu.Unlock()
		return Stats{Coalesced: true}
	}
	q.draining = true
	q.mu.Unlock()

	var stats Stats
	delay := q.retryDelay
	for {
		if ctx.Err() == nil {
			pass := q.pass(ctx, send)
			stats.Passes++
			stats.Sent += pass.Sent
			stats.Failed += pass.Failed
			stats.Requeued += pass.Requeued
			stats.Deferred += pass.Deferred
			stats.DeadLettered += pass.DeadLettered
		}

		// Deciding and releasing the drain happen under one lock so a
		// concurrent request is either seen here or starts its own drain.
		q.mu.Lock()
		if ctx.Err() != nil {
			if !q.requested || q.reqCtx.Err() != nil {
				q.release()
				q.mu.Unlock()
				break
			}
			ctx, send = q.reqCtx, q.reqSend
			q.clearRequest()
			q.mu.Unlock()
			q.logger.Debug("Drain context ended, continuing under the pending request")
			continue
		}

		retry := q.hasRetriesLocked()
		requested := q.requested
		followUp := requested && q.modified
		if requested && q.reqCtx.Err() == nil {
			ctx, send = q.reqCtx, q.reqSend
		}
		q.clearRequest()
		if len(q.pending) == 0 || (!followUp && !retry) {
			q.release()
			q.mu.Unlock()
			break
		}
		q.mu.Unlock()

		// A request made during the pass retries at once.
		if retry && !requested {
			q.wait(ctx, delay)
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}
	}

	q.logger.WithFields(map[string]interface{}{
		"passes":        stats.Passes,
		"sent":          stats.Sent,
		"failed":        stats.Failed,
		"deferred":      stats.Deferred,
		"dead_lettered": stats.DeadLettered,
		"remaining":     q.Len(),
	}).Info("Drain finished")

	return stats
}

// wait sleeps for d, returning early when ctx ends or another drain is
// requested.
func (q *Queue) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-q.wake:
	}
}

// hasRetriesLocked reports whether a pending operation failed before and
// still has attempts left. Caller holds q.mu.
func (q *Queue) hasRetriesLocked() bool {
	for _, op := range q.pending {
		if op.Attempts > 0 && op.Attempts < q.maxAttempts {
			return true
		}
	}
	return false
}

// clearRequest forgets a coalesced request. Caller holds q.mu.
func (q *Queue) clearRequest() {
	q.requested = false
	q.modified = false
	q.reqCtx = nil
	q.reqSend = nil
	select {
	case <-q.wake:
	default:
	}
}

// release ends the running drain. Caller holds q.mu.
func (q *Queue) release() {
	q.clearRequest()
	q.draining = false
}

func (q *Queue) pass(ctx context.Context, send Sender) Stats {
	var stats Stats

	q.mu.Lock()
	ids := make([]string, 0, len(q.pending))
	for _, op := range q.pending {
		ids = append(ids, op.ID)
	}
	q.mu.Unlock()

	blocked := make(map[string]bool)

	for _, id := range ids {
		if ctx.Err() != nil {
			return stats
		}

		q.mu.Lock()
		idx := indexOf(q.pending, id)
		if idx < 0 {
			// Discarded, or moved out by an earlier failure's requeue.
			q.mu.Unlock()
			continue
		}
		op := q.pending[idx]
		key := op.TargetKey()

		if key != "" && blocked[key] {
			q.mu.Unlock()
			stats.Deferred++
			continue
		}
		attempt := op.Clone()
		q.mu.Unlock()

		err := send(ctx, attempt)

		if err != nil && ctx.Err() != nil {
			// Cancelled mid-send; the attempt does not count.
			return stats
		}

		q.mu.Lock()
		idx = indexOf(q.pending, id)
		if idx < 0 {
			// Discarded while in flight.
			q.mu.Unlock()
			continue
		}
		op = q.pending[idx]

		if err == nil {
			q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
			q.persist()
			q.mu.Unlock()
			stats.Sent++
			q.logger.WithField("operation", op.String()).Debug("Replayed operation")
			continue
		}

		stats.Failed++
		op.Attempts++
		op.LastError = err.Error()
		if key != "" {
			blocked[key] = true
		}

		var exhausted *models.QueueExhaustedError
		if op.Attempts >= q.maxAttempts {
			q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
			q.dead = append(q.dead, op)
			exhausted = &models.QueueExhaustedError{Operation: op.Clone(), Attempts: op.Attempts, Err: err}
			stats.DeadLettered++
		} else {
			q.requeue(idx)
			stats.Requeued++
		}
		q.persist()
		handler := q.onDeadLetter
		q.mu.Unlock()

		if exhausted != nil {
			q.logger.WithError(err).WithField("operation", op.String()).Error("Operation dead-lettered")
			if handler != nil {
				handler(exhausted)
			}
			continue
		}

		q.logger.WithError(err).WithFields(map[string]interface{}{
			"operation": op.String(),
			"attempts":  op.Attempts,
		}).Warn("Replay failed, requeued at tail")
	}

	return stats
}

// requeue moves the operation at idx to the tail, followed by every later
// operation for the same target in their current order. Caller holds q.mu.
func (q *Queue) requeue(idx int) {
	key := q.pending[idx].TargetKey()

	kept := make([]*models.PendingOperation, 0, len(q.pending))
	moved := []*models.PendingOperation{q.pending[idx]}
	for i, op := range q.pending {
		switch {
		case i == idx:
		case i > idx && key != "" && op.TargetKey() == key:
			moved = append(moved, op)
		default:
			kept = append(kept, op)
		}
	}
	q.pending = append(kept, moved...)
}

// touch records a change made outside a drain pass and persists it.
// Caller holds q.mu.
func (q *Queue) touch() {
	if q.draining {
		q.modified = true
	}
	q.persist()
}

// persist saves the queue. Caller holds q.mu.
func (q *Queue) persist() {
	if q.adapter == nil || q.identity == "" {
		return
	}
	if err := q.adapter.SaveQueue(q.snapshot()); err != nil {
		q.logger.WithError(err).Warn("Failed to persist queue")
	}
}

func (q *Queue) snapshot() *models.QueueSnapshot {
	return &models.QueueSnapshot{
		Identity:    q.identity,
		Pending:     cloneAll(q.pending),
		DeadLetters: cloneAll(q.dead),
		SavedAt:     q.clock().UTC(),
	}
}

func cloneAll(ops []*models.PendingOperation) []*models.PendingOperation {
	out := make([]*models.PendingOperation, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Clone())
	}
	return out
}

func indexOf(ops []*models.PendingOperation, id string) int {
	for i, op := range ops {
		if op.ID == id {
			return i
		}
	}
	return -1
}
