// Package watcher materializes one logical collection from several remote
// subscriptions.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TheMichaelB/tasksync/internal/cache"
	"github.com/TheMichaelB/tasksync/internal/events"
	"github.com/TheMichaelB/tasksync/internal/models"
	"github.com/TheMichaelB/tasksync/internal/remote"
)

// ErrorHandler receives terminated subscriptions. It runs on the watcher's
// event loop and must not block or call back into the watcher.
type ErrorHandler func(err *models.SubscriptionError)

// Watcher owns the subscriptions of one collection and merges their
// snapshots into a single CollectionState.
type Watcher struct {
	collection models.Collection
	remote     remote.Store
	cache      *cache.Adapter
	logger     *events.Logger
	updates    *events.Broadcaster[*models.CollectionState]
	clock      func() time.Time

	mu         sync.Mutex
	state      *models.CollectionState
	owner      string
	queries    []models.SourceQuery
	latest     map[string]emission
	failed     map[string]models.SourceQuery
	seq        uint64
	generation uint64
	onError    ErrorHandler
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// emission is the latest snapshot of one subscription. seq orders
// emissions across subscriptions by arrival.
type emission struct {
	seq   uint64
	items []models.Item
}

type event struct {
	query      models.SourceQuery
	generation uint64
	emission   remote.Emission
	closed     bool
}

// New creates a stopped watcher. adapter may be nil to disable write-through.
func New(collection models.Collection, store remote.Store, adapter *cache.Adapter, logger *events.Logger) *Watcher {
	return &Watcher{
		collection: collection,
		remote:     store,
		cache:      adapter,
		logger: logger.WithFields(map[string]interface{}{
			"component":  "watcher",
			"collection": collection,
		}),
		updates: events.NewBroadcaster[*models.CollectionState](1),
		clock:   time.Now,
		state:   models.NewCollectionState(collection),
		latest:  make(map[string]emission),
		failed:  make(map[string]models.SourceQuery),
	}
}

// Collection returns the watched collection.
func (w *Watcher) Collection() models.Collection {
	return w.collection
}

// SetErrorHandler installs the subscription error callback.
func (w *Watcher) SetErrorHandler(fn ErrorHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = fn
}

// Hydrate loads the cached snapshot. A missing or corrupt snapshot yields an
// empty state; any other cache failure is returned.
func (w *Watcher) Hydrate() error {
	if w.cache == nil {
		return nil
	}

	state, err := w.cache.LoadCollection(w.collection)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrNotFound):
		return nil
	case errors.Is(err, cache.ErrCorrupt), errors.Is(err, cache.ErrInvalid):
		w.logger.WithError(err).Warn("Discarding unreadable cached snapshot")
		return nil
	default:
		return fmt.Errorf("hydrate %s: %w", w.collection, err)
	}

	w.mu.Lock()
	w.state = state
	w.mu.Unlock()

	w.logger.WithFields(map[string]interface{}{
		"items": state.Len(),
		"owner": state.Owner,
	}).Debug("Hydrated from cache")

	w.updates.Publish(state.Clone())
	return nil
}

// Start (re)opens one subscription per query. Running subscriptions are
// cancelled first and their in-flight results discarded. Subscriptions that
// fail to open are reported and left terminated.
func (w *Watcher) Start(ctx context.Context, owner string, queries []models.SourceQuery) error {
	for _, q := range queries {
		if err := q.Validate(); err != nil {
			return err
		}
		if q.Collection != w.collection {
			return fmt.Errorf("query %s belongs to %s, not %s", q.ID, q.Collection, w.collection)
		}
	}

	w.Stop()

	ctx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.generation++
	gen := w.generation
	w.cancel = cancel
	w.owner = owner
	w.queries = append([]models.SourceQuery(nil), queries...)
	w.latest = make(map[string]emission)
	w.failed = make(map[string]models.SourceQuery)
	w.mu.Unlock()

	in := make(chan event)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx, in)
	}()

	for _, q := range queries {
		stream, err := w.remote.Subscribe(ctx, q)
		if err != nil {
			w.terminate(gen, q, err)
			continue
		}

		w.wg.Add(1)
		go func(q models.SourceQuery) {
			defer w.wg.Done()
			w.forward(ctx, gen, q, stream, in)
		}(q)
	}

	w.logger.WithFields(map[string]interface{}{
		"queries":    len(queries),
		"generation": gen,
	}).Info("Watcher started")

	return nil
}

// Stop cancels all subscriptions. The current state is kept.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.generation++
	w.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	w.wg.Wait()
	w.logger.Debug("Watcher stopped")
}

// Clear empties the in-memory state.
func (w *Watcher) Clear() {
	w.mu.Lock()
	w.state = models.NewCollectionState(w.collection)
	w.state.LastUpdated = w.clock()
	w.latest = make(map[string]emission)
	state := w.state.Clone()
	w.mu.Unlock()

	w.updates.Publish(state)
}

// State returns a copy of the current state.
func (w *Watcher) State() *models.CollectionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Clone()
}

// Running reports whether subscriptions are open.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// Queries returns the queries of the last Start.
func (w *Watcher) Queries() []models.SourceQuery {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]models.SourceQuery(nil), w.queries...)
}

// Failed returns the queries whose subscriptions terminated.
func (w *Watcher) Failed() []models.SourceQuery {
	w.mu.Lock()
	defer w.mu.Unlock()

	failed := make([]models.SourceQuery, 0, len(w.failed))
	for _, q := range w.failed {
		failed = append(failed, q)
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].ID < failed[j].ID })
	return failed
}

// Watch streams every committed state. Slow readers only see the newest.
func (w *Watcher) Watch(ctx context.Context) (<-chan *models.CollectionState, func()) {
	return w.updates.Subscribe(ctx)
}

// Close stops the watcher and closes all Watch streams.
func (w *Watcher) Close() {
	w.Stop()
	w.updates.Close()
}

func (w *Watcher) forward(ctx context.Context, gen uint64, q models.SourceQuery, stream <-chan remote.Emission, in chan<- event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-stream:
			ev := event{query: q, generation: gen, emission: e, closed: !ok}
			select {
			case in <- ev:
			case <-ctx.Done():
				return
			}
			if !ok || e.Err != nil {
				return
			}
		}
	}
}

// loop applies events one at a time so merges never interleave.
func (w *Watcher) loop(ctx context.Context, in <-chan event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-in:
			switch {
			case ev.closed:
				w.terminate(ev.generation, ev.query, models.ErrSubscriptionEnded)
			case ev.emission.Err != nil:
				w.terminate(ev.generation, ev.query, ev.emission.Err)
			default:
				w.apply(ev.generation, ev.query, ev.emission.Items)
			}
		}
	}
}

func (w *Watcher) apply(gen uint64, q models.SourceQuery, items []models.Item) {
	w.mu.Lock()
	if gen != w.generation {
		w.mu.Unlock()
		return
	}

	w.seq++
	w.latest[q.ID] = emission{seq: w.seq, items: items}

	state := &models.CollectionState{
		Collection:  w.collection,
		Owner:       w.owner,
		Items:       merge(w.latest),
		LastUpdated: w.clock(),
	}
	w.state = state
	snapshot := state.Clone()
	w.mu.Unlock()

	w.logger.WithFields(map[string]interface{}{
		"query": q.ID,
		"items": len(snapshot.Items),
	}).Debug("Merged emission")

	w.updates.Publish(snapshot)
	w.persist(snapshot)
}

func (w *Watcher) persist(state *models.CollectionState) {
	if w.cache == nil {
		return
	}
	if err := w.cache.SaveCollection(state); err != nil {
		w.logger.WithError(err).Warn("Failed to cache snapshot")
	}
}

func (w *Watcher) terminate(gen uint64, q models.SourceQuery, err error) {
	w.mu.Lock()
	if gen != w.generation {
		w.mu.Unlock()
		return
	}
	w.failed[q.ID] = q
	handler := w.onError
	w.mu.Unlock()

	subErr := &models.SubscriptionError{Collection: w.collection, QueryID: q.ID, Err: err}
	w.logger.WithError(err).WithField("query", q.ID).Warn("Subscription terminated")

	if handler != nil {
		handler(subErr)
	}
}

// merge combines the latest snapshot of every subscription. For each id the
// item comes from the subscription that emitted it most recently. The result
// is ordered by id.
func merge(latest map[string]emission) []models.Item {
	ordered := make([]emission, 0, len(latest))
	for _, e := range latest {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	byID := make(map[string]models.Item)
	for _, e := range ordered {
		for _, item := range e.items {
			byID[item.ID] = item
		}
	}

	items := make([]models.Item, 0, len(byID))
	for _, item := range byID {
		items = append(items, item.Clone())
	}
	models.SortItems(items)
	return items
}
