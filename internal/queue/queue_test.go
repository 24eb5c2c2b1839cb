package queue_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/tasksync/internal/cache"
	"github.com/TheMichaelB/tasksync/internal/events"
	"github.com/TheMichaelB/tasksync/internal/models"
	"github.com/TheMichaelB/tasksync/internal/queue"
)

func testLogger() *events.Logger {
	return events.NewTestLogger(events.DebugLevel, "json", &bytes.Buffer{})
}

func newQueue(opts queue.Options) *queue.Queue {
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	return queue.New(opts, testLogger())
}

func update(target string) models.Mutation {
	return models.Mutation{
		Collection: models.CollectionTasks,
		Kind:       models.OperationUpdate,
		TargetID:   target,
		Data:       json.RawMessage(`{"status":"done"}`),
	}
}

// recorder is a Sender that records calls and fails on demand.
type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  func(op *models.PendingOperation, attempt int) error
}

func (r *recorder) send(ctx context.Context, op *models.PendingOperation) error {
	r.mu.Lock()
	r.calls = append(r.calls, op.TargetID)
	attempt := 0
	for _, c := range r.calls {
		if c == op.TargetID {
			attempt++
		}
	}
	fail := r.fail
	r.mu.Unlock()

	if fail != nil {
		return fail(op, attempt)
	}
	return nil
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestEnqueue(t *testing.T) {
	q := newQueue(queue.Options{Identity: "u1"})

	op, err := q.Enqueue(update("7"))
	require.NoError(t, err)

	assert.NotEmpty(t, op.ID)
	assert.Equal(t, "u1", op.Identity)
	assert.False(t, op.EnqueuedAt.IsZero())
	assert.Zero(t, op.Attempts)
	assert.Equal(t, 1, q.Len())
	assert.True(t, q.HasTarget("tasks/7"))
	assert.False(t, q.HasTarget("tasks/8"))

	_, err = q.Enqueue(models.Mutation{Collection: models.CollectionTasks, Kind: models.OperationDelete})
	assert.ErrorIs(t, err, models.ErrInvalidOperation)
	assert.Equal(t, 1, q.Len())
}

func TestDrainInOrder(t *testing.T) {
	q := newQueue(queue.Options{Identity: "u1"})
	for _, target := range []string{"1", "2", "3", "4"} {
		_, err := q.Enqueue(update(target))
		require.NoError(t, err)
	}

	rec := &recorder{}
	stats := q.Drain(context.Background(), rec.send)

	assert.Equal(t, []string{"1", "2", "3", "4"}, rec.Calls())
	assert.Equal(t, 4, stats.Sent)
	assert.Equal(t, 1, stats.Passes)
	assert.Zero(t, q.Len())
}

func TestDrainFailOnceRequeuesAtTail(t *testing.T) {
	q := newQueue(queue.Options{Identity: "u1"})
	for _, target := range []string{"1", "2", "3"} {
		_, err := q.Enqueue(update(target))
		require.NoError(t, err)
	}

	rec := &recorder{fail: func(op *models.PendingOperation, attempt int) error {
		if op.TargetID == "2" && attempt == 1 {
			return errors.New("timeout")
		}
		return nil
	}}

	stats := q.Drain(context.Background(), rec.send)

	assert.Equal(t, []string{"1", "2", "3", "2"}, rec.Calls())
	assert.Equal(t, 3, stats.Sent)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.Passes)
	assert.Zero(t, q.Len())
}

func TestDrainKeepsTargetOrder(t *testing.T) {
	q := newQueue(queue.Options{Identity: "u1"})

	first, err := q.Enqueue(update("1"))
	require.NoError(t, err)
	_, err = q.Enqueue(update("2"))
	require.NoError(t, err)
	second, err := q.Enqueue(models.Mutation{Collection: models.CollectionTasks, Kind: models.OperationDelete, TargetID: "1"})
	require.NoError(t, err)

	var order []string
	var mu sync.Mutex
	failed := false
	send := func(ctx context.Context, op *models.PendingOperation) error {
		mu.Lock()
		defer mu.Unlock()
		if op.ID == first.ID && !failed {
			failed = true
			return errors.New("conflict")
		}
		order = append(order, op.ID)
		return nil
	}

	stats := q.Drain(context.Background(), send)

	assert.Equal(t, 1, stats.Deferred, "later op for the failed target is not attempted")
	assert.Equal(t, 2, stats.Passes)
	require.Len(t, order, 3)
	assert.Equal(t, first.ID, order[1])
	assert.Equal(t, second.ID, order[2])
	assert.Zero(t, q.Len())
}

func TestDrainKeepsTargetOrderWhenEnqueuedDuringSend(t *testing.T) {
	q := newQueue(queue.Options{Identity: "u1"})

	a1, err := q.Enqueue(update("a"))
	require.NoError(t, err)
	a2, err := q.Enqueue(update("a"))
	require.NoError(t, err)

	var a3 *models.PendingOperation
	var sent []string
	send := func(ctx context.Context, op *models.PendingOperation) error {
		if op.ID == a1.ID && a3 == nil {
			a3, err = q.Enqueue(update("a"))
			require.NoError(t, err)
			return errors.New("unavailable")
		}
		sent = append(sent, op.ID)
		return nil
	}

	stats := q.Drain(context.Background(), send)

	require.NotNil(t, a3)
	assert.Equal(t, []string{a1.ID, a2.ID, a3.ID}, sent)
	assert.Equal(t, 1, stats.Deferred)
	assert.Zero(t, q.Len())
}

func TestFailedTargetMovesToTailAsBlock(t *testing.T) {
	q := newQueue(queue.Options{Identity: "u1"})
	for _, target := range []string{"a", "b", "a", "c"} {
		_, err := q.Enqueue(update(target))
		require.NoError(t, err)
	}

	rec := &recorder{fail: func(op *models.PendingOperation, attempt int) error {
		if op.TargetID == "a" && attempt == 1 {
			return errors.New("unavailable")
		}
		return nil
	}}

	q.Drain(context.Background(), rec.send)

	assert.Equal(t, []string{"a", "b", "c", "a", "a"}, rec.Calls())
	assert.Zero(t, q.Len())
}

func TestDrainRetriesLoneFailure(t *testing.T) {
	q := newQueue(queue.Options{Identity: "u1"})
	_, err := q.Enqueue(update("k"))
	require.NoError(t, err)

	rec := &recorder{fail: func(op *models.PendingOperation, attempt int) error {
		if attempt == 1 {
			return errors.New("unavailable")
		}
		return nil
	}}
	stats := q.Drain(context.Background(), rec.send)

	assert.Equal(t, []string{"k", "k"}, rec.Calls())
	assert.Equal(t, 2, stats.Passes)
	assert.Equal(t, 1, stats.Sent)
	assert.Zero(t, q.Len())
}

func TestDrainRetriesUntilDeadLetter(t *testing.T) {
	q := newQueue(queue.Options{Identity: "u1", MaxAttempts: 3})
	_, err := q.Enqueue(update("1"))
	require.NoError(t, err)

	rec := &recorder{fail: func(*models.PendingOperation, int) error { return errors.New("down") }}
	stats := q.Drain(context.Background(), rec.send)

	assert.Equal(t, 3, stats.Passes)
	assert.Len(t, rec.Calls(), 3)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Zero(t, q.Len())

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Equal(t, "down", dead[0].LastError)
}

func TestDrainRequestCutsRetryWaitShort(t *testing.T) {
	q := newQueue(queue.Options{Identity: "u1", RetryDelay: time.Hour})
	_, err := q.Enqueue(update("1"))
	require.NoError(t, err)

	rec := &recorder{fail: func(op *models.PendingOperation, attempt int) error {
		if attempt == 1 {
			return errors.New("unavailable")
		}
		return nil
	}}

	result := make(chan queue.Stats, 1)
	go func() { result <- q.Drain(context.Background(), rec.send) }()

	require.Eventually(t, func() bool { return len(rec.Calls()) == 1 }, time.Second, time.Millisecond)
	assert.True(t, q.Drain(context.Background(), rec.send).Coalesced)

	select {
	case stats := <-result:
		assert.Equal(t, 1, stats.Sent)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not run")
	}
	assert.Zero(t, q.Len())
}

func TestDeadLetter(t *testing.T) {
	var exhausted []*models.QueueExhaustedError
	q := newQueue(queue.Options{
		Identity:    "u1",
		MaxAttempts: 2,
		OnDeadLetter: func(err *models.QueueExhaustedError) {
			exhausted = append(exhausted, err)
		},
	})

	op, err := q.Enqueue(update("9"))
	require.NoError(t, err)

	boom := errors.New("rejected")
	rec := &recorder{fail: func(*models.PendingOperation, int) error { return boom }}

	stats := q.Drain(context.Background(), rec.send)
	assert.Len(t, rec.Calls(), 2)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Zero(t, q.Len())

	require.Len(t, exhausted, 1)
	assert.Equal(t, op.ID, exhausted[0].Operation.ID)
	assert.Equal(t, 2, exhausted[0].Attempts)
	assert.ErrorIs(t, exhausted[0], boom)
	assert.True(t, models.IsUserVisible(exhausted[0]))

	dead := q.DeadLetters()
	require.Len(t, dead, 1)

	t.Run("retry", func(t *testing.T) {
		require.NoError(t, q.RetryDeadLetter(op.ID))
		assert.Empty(t, q.DeadLetters())

		pending := q.Pending()
		require.Len(t, pending, 1)
		assert.Zero(t, pending[0].Attempts)

		q.Drain(context.Background(), func(context.Context, *models.PendingOperation) error { return nil })
		assert.Zero(t, q.Len())
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.ErrorIs(t, q.RetryDeadLetter("nope"), models.ErrOperationNotFound)
		assert.ErrorIs(t, q.DiscardDeadLetter("nope"), models.ErrOperationNotFound)
		assert.ErrorIs(t, q.Discard("nope"), models.ErrOperationNotFound)
	})
}

func TestDiscardDeadLetter(t *testing.T) {
	q := newQueue(queue.Options{Identity: "u1", MaxAttempts: 1})
	op, err := q.Enqueue(update("1"))
	require.NoError(t, err)

	q.Drain(context.Background(), func(context.Context, *models.PendingOperation) error { return errors.New("no") })
	require.Len(t, q.DeadLetters(), 1)

	require.NoError(t, q.DiscardDeadLetter(op.ID))
	assert.Empty(t, q.DeadLetters())
	assert.Zero(t, q.Len())
}

// blockingSender blocks its first call until released.
type blockingSender struct {
	entered  chan struct{}
	release  chan struct{}
	once     sync.Once
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	sent     atomic.Int32
}

func newBlockingSender() *blockingSender {
	return &blockingSender{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingSender) send(ctx context.Context, op *models.PendingOperation) error {
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	if n > b.maxSeen.Load() {
		b.maxSeen.Store(n)
	}

	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
	}
	b.sent.Add(1)
	return nil
}

func TestDrainCoalescesConcurrentCalls(t *testing.T) {
	q := newQueue(queue.Options{Identity: "u1"})
	_, err := q.Enqueue(update("1"))
	require.NoError(t, err)

	sender := newBlockingSender()
	result := make(chan queue.Stats, 1)
	go func() { result <- q.Drain(context.Background(), sender.send) }()

	<-sender.entered
	assert.True(t, q.Draining())

	_, err = q.Enqueue(update("2"))
	require.NoError(t, err)

	second := q.Drain(context.Background(), sender.send)
	assert.True(t, second.Coalesced)
	assert.Zero(t, second.Passes)

	close(sender.release)

	select {
	case stats := <-result:
		assert.Equal(t, 2, stats.Passes, "exactly one follow-up pass")
		assert.Equal(t, 2, stats.Sent)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not finish")
	}

	assert.Zero(t, q.Len())
	assert.Equal(t, int32(1), sender.maxSeen.Load(), "passes never overlap")
	assert.False(t, q.Draining())
}

func TestDrainCoalescedWithoutChangesSkipsFollowUp(t *testing.T) {
	q := newQueue(queue.Options{Identity: "u1"})
	_, err := q.Enqueue(update("1"))
	require.NoError(t, err)

	sender := newBlockingSender()
	result := make(chan queue.Stats, 1)
	go func() { result <- q.Drain(context.Background(), sender.send) }()

	<-sender.entered
	assert.True(t, q.Drain(context.Background(), sender.send).Coalesced)
	close(sender.release)

	stats := <-result
	assert.Equal(t, 1, stats.Passes)
}

func TestDrainCancelledDoesNotCountAttempt(t *testing.T) {
	q := newQueue(queue.Options{Identity: "u1"})
	_, err := q.Enqueue(update("1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	q.Drain(ctx, func(ctx context.Context, op *models.PendingOperation) error {
		cancel()
		return ctx.Err()
	})

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].Attempts)
	assert.False(t, q.Draining())
}

func TestCancelledDrainHandsOverToPendingRequest(t *testing.T) {
	q := newQueue(queue.Options{Identity: "u1"})
	_, err := q.Enqueue(update("1"))
	require.NoError(t, err)

	entered := make(chan struct{})
	var calls atomic.Int32
	send := func(ctx context.Context, op *models.PendingOperation) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan queue.Stats, 1)
	go func() { result <- q.Drain(ctx, send) }()
	<-entered

	assert.True(t, q.Drain(context.Background(), send).Coalesced)
	cancel()

	select {
	case stats := <-result:
		assert.Equal(t, 1, stats.Sent)
		assert.Zero(t, stats.Failed, "the cancelled attempt does not count")
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not finish")
	}
	assert.Zero(t, q.Len())
	assert.False(t, q.Draining())
}

func TestPersistence(t *testing.T) {
	store := cache.NewMemoryStore()
	adapter := cache.NewAdapter(store, testLogger())
	opts := queue.Options{Identity: "u1", Adapter: adapter, MaxAttempts: 1}

	q := newQueue(opts)
	first, err := q.Enqueue(update("1"))
	require.NoError(t, err)
	second, err := q.Enqueue(update("2"))
	require.NoError(t, err)

	q.Drain(context.Background(), func(ctx context.Context, op *models.PendingOperation) error {
		if op.ID == first.ID {
			return errors.New("rejected")
		}
		return errors.New("rejected again")
	})
	require.Len(t, q.DeadLetters(), 2)
	require.NoError(t, q.RetryDeadLetter(second.ID))

	restored, err := queue.Restore(opts, testLogger())
	require.NoError(t, err)

	pending := restored.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
	assert.JSONEq(t, `{"status":"done"}`, string(pending[0].Data))

	dead := restored.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, first.ID, dead[0].ID)

	t.Run("other identity starts empty", func(t *testing.T) {
		other, err := queue.Restore(queue.Options{Identity: "u2", Adapter: adapter}, testLogger())
		require.NoError(t, err)
		assert.Zero(t, other.Len())
	})

	t.Run("reset clears persisted state", func(t *testing.T) {
		restored.Reset()
		again, err := queue.Restore(opts, testLogger())
		require.NoError(t, err)
		assert.Zero(t, again.Len())
		assert.Empty(t, again.DeadLetters())
	})
}

func TestPersistFailureDoesNotFailEnqueue(t *testing.T) {
	store := cache.NewMemoryStore()
	store.FailSaves(errors.New("read-only"))

	q := newQueue(queue.Options{Identity: "u1", Adapter: cache.NewAdapter(store, testLogger())})
	_, err := q.Enqueue(update("1"))

	assert.NoError(t, err)
	assert.Equal(t, 1, q.Len())
}

func TestRestoreUnavailableCache(t *testing.T) {
	store := cache.NewMemoryStore()
	store.FailLoads(cache.ErrClosed)

	_, err := queue.Restore(queue.Options{Identity: "u1", Adapter: cache.NewAdapter(store, testLogger())}, testLogger())
	assert.ErrorIs(t, err, cache.ErrClosed)
}
