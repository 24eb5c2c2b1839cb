package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/tasksync/internal/cache"
	"github.com/TheMichaelB/tasksync/internal/events"
	"github.com/TheMichaelB/tasksync/internal/models"
	"github.com/TheMichaelB/tasksync/internal/remote"
)

func item(id, v string) models.Item {
	return models.Item{ID: id, Payload: json.RawMessage(`{"v":"` + v + `"}`)}
}

func values(state *models.CollectionState) map[string]string {
	out := make(map[string]string, len(state.Items))
	for _, it := range state.Items {
		var p struct {
			V string `json:"v"`
		}
		_ = json.Unmarshal(it.Payload, &p)
		out[it.ID] = p.V
	}
	return out
}

var (
	createdQuery  = models.SourceQuery{ID: "created", Collection: models.CollectionTasks, Where: []models.Condition{{Field: "created_by", Op: models.OpEqual, Value: "u1"}}}
	assignedQuery = models.SourceQuery{ID: "assigned", Collection: models.CollectionTasks, Where: []models.Condition{{Field: "assignees", Op: models.OpArrayContains, Value: "u1"}}}
)

type fixture struct {
	remote  *remote.MockStore
	store   *cache.MemoryStore
	adapter *cache.Adapter
	watcher *Watcher

	mu     sync.Mutex
	errors []*models.SubscriptionError
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := events.NewTestLogger(events.DebugLevel, "json", &bytes.Buffer{})
	f := &fixture{
		remote: remote.NewMockStore(),
		store:  cache.NewMemoryStore(),
	}
	f.adapter = cache.NewAdapter(f.store, logger)
	f.watcher = New(models.CollectionTasks, f.remote, f.adapter, logger)
	f.watcher.SetErrorHandler(func(err *models.SubscriptionError) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.errors = append(f.errors, err)
	})

	t.Cleanup(f.watcher.Close)
	return f
}

func (f *fixture) reported() []*models.SubscriptionError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.SubscriptionError(nil), f.errors...)
}

func (f *fixture) waitFor(t *testing.T, want map[string]string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, values(f.watcher.State()))
	}, 2*time.Second, 5*time.Millisecond, "want %v, have %v", want, values(f.watcher.State()))
}

func TestMergeLatestEmissionWins(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.watcher.Start(context.Background(), "u1", []models.SourceQuery{createdQuery, assignedQuery}))

	f.remote.Emit("created", item("1", "a"))
	f.waitFor(t, map[string]string{"1": "a"})

	f.remote.Emit("created", item("1", "b"), item("2", "c"))
	f.waitFor(t, map[string]string{"1": "b", "2": "c"})

	f.remote.Emit("assigned", item("1", "x"))
	f.waitFor(t, map[string]string{"1": "x", "2": "c"})

	state := f.watcher.State()
	assert.Equal(t, []string{"1", "2"}, state.IDs())
	assert.Equal(t, "u1", state.Owner)
	assert.NoError(t, state.Validate())
}

func TestMergeReplacesWholesale(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.watcher.Start(context.Background(), "u1", []models.SourceQuery{createdQuery}))

	f.remote.Emit("created", item("1", "a"), item("2", "b"))
	f.waitFor(t, map[string]string{"1": "a", "2": "b"})

	// An item leaving the query result disappears.
	f.remote.Emit("created", item("2", "b"))
	f.waitFor(t, map[string]string{"2": "b"})
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name   string
		latest map[string]emission
		want   map[string]string
	}{
		{
			name:   "empty",
			latest: map[string]emission{},
			want:   map[string]string{},
		},
		{
			name: "higher sequence wins shared ids",
			latest: map[string]emission{
				"a": {seq: 2, items: []models.Item{item("1", "b"), item("2", "c")}},
				"b": {seq: 3, items: []models.Item{item("1", "x")}},
			},
			want: map[string]string{"1": "x", "2": "c"},
		},
		{
			name: "older emission loses regardless of map order",
			latest: map[string]emission{
				"a": {seq: 9, items: []models.Item{item("3", "new")}},
				"b": {seq: 1, items: []models.Item{item("3", "old"), item("4", "d")}},
			},
			want: map[string]string{"3": "new", "4": "d"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := merge(tt.latest)
			state := &models.CollectionState{Collection: models.CollectionTasks, Items: items}

			assert.Equal(t, tt.want, values(state))
			assert.NoError(t, state.Validate())
		})
	}
}

func TestWriteThroughCache(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.watcher.Start(context.Background(), "u1", []models.SourceQuery{createdQuery}))

	f.remote.Emit("created", item("1", "a"))
	f.waitFor(t, map[string]string{"1": "a"})

	assert.Eventually(t, func() bool {
		cached, err := f.adapter.LoadCollection(models.CollectionTasks)
		return err == nil && len(cached.Items) == 1 && cached.Owner == "u1"
	}, time.Second, 5*time.Millisecond)
}

func TestCacheFailureDoesNotFailMerge(t *testing.T) {
	f := newFixture(t)
	f.store.FailSaves(errors.New("disk full"))
	require.NoError(t, f.watcher.Start(context.Background(), "u1", []models.SourceQuery{createdQuery}))

	f.remote.Emit("created", item("1", "a"))
	f.waitFor(t, map[string]string{"1": "a"})

	f.remote.Emit("created", item("1", "b"))
	f.waitFor(t, map[string]string{"1": "b"})

	assert.Zero(t, f.store.SaveCount(cache.CollectionKey(models.CollectionTasks)))
}

func TestSubscriptionErrorLeavesSiblingsRunning(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.watcher.Start(context.Background(), "u1", []models.SourceQuery{createdQuery, assignedQuery}))

	f.remote.Emit("created", item("1", "a"))
	f.waitFor(t, map[string]string{"1": "a"})

	boom := errors.New("permission denied")
	f.remote.Fail("created", boom)

	assert.Eventually(t, func() bool { return len(f.reported()) == 1 }, time.Second, 5*time.Millisecond)

	subErr := f.reported()[0]
	assert.Equal(t, models.CollectionTasks, subErr.Collection)
	assert.Equal(t, "created", subErr.QueryID)
	assert.ErrorIs(t, subErr, boom)

	// The terminated subscription's last snapshot stays in the merge.
	f.remote.Emit("assigned", item("2", "b"))
	f.waitFor(t, map[string]string{"1": "a", "2": "b"})

	assert.Equal(t, []models.SourceQuery{createdQuery}, f.watcher.Failed())
	assert.Equal(t, 1, f.remote.SubscribeCount("created"), "no automatic resubscribe")
	assert.True(t, f.watcher.Running())
}

func TestSubscribeFailureReported(t *testing.T) {
	f := newFixture(t)
	f.remote.SubscribeError = errors.New("offline")

	require.NoError(t, f.watcher.Start(context.Background(), "u1", []models.SourceQuery{createdQuery}))

	require.Len(t, f.reported(), 1)
	assert.Equal(t, []models.SourceQuery{createdQuery}, f.watcher.Failed())
}

func TestRestartClearsFailures(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.watcher.Start(context.Background(), "u1", []models.SourceQuery{createdQuery}))

	f.remote.Fail("created", errors.New("dropped"))
	assert.Eventually(t, func() bool { return len(f.watcher.Failed()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.watcher.Start(context.Background(), "u1", f.watcher.Queries()))
	assert.Empty(t, f.watcher.Failed())
	assert.Equal(t, 2, f.remote.SubscribeCount("created"))

	f.remote.Emit("created", item("5", "e"))
	f.waitFor(t, map[string]string{"5": "e"})
}

func TestStopKeepsStateAndDiscardsLateEmissions(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.watcher.Start(context.Background(), "u1", []models.SourceQuery{createdQuery}))

	f.remote.Emit("created", item("1", "a"))
	f.waitFor(t, map[string]string{"1": "a"})

	f.watcher.Stop()
	assert.False(t, f.watcher.Running())
	assert.Eventually(t, func() bool { return f.remote.Active("") == 0 }, time.Second, 5*time.Millisecond)

	assert.Zero(t, f.remote.Emit("created", item("1", "late")))
	assert.Equal(t, map[string]string{"1": "a"}, values(f.watcher.State()))
	assert.Empty(t, f.reported(), "cancellation is not a subscription error")
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.watcher.Start(context.Background(), "u1", []models.SourceQuery{createdQuery}))

	f.remote.Emit("created", item("1", "a"))
	f.waitFor(t, map[string]string{"1": "a"})

	f.watcher.Stop()
	f.watcher.Clear()

	assert.Zero(t, f.watcher.State().Len())
}

func TestHydrate(t *testing.T) {
	t.Run("restores cached snapshot", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.adapter.SaveCollection(&models.CollectionState{
			Collection:  models.CollectionTasks,
			Owner:       "u1",
			Items:       []models.Item{item("1", "cached")},
			LastUpdated: time.Now().UTC(),
		}))

		require.NoError(t, f.watcher.Hydrate())

		state := f.watcher.State()
		assert.Equal(t, "u1", state.Owner)
		assert.Equal(t, map[string]string{"1": "cached"}, values(state))
	})

	t.Run("missing snapshot is empty", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.watcher.Hydrate())
		assert.Zero(t, f.watcher.State().Len())
	})

	t.Run("corrupt snapshot is discarded", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.Save(cache.CollectionKey(models.CollectionTasks), []byte(`{"schema_version":1}`)))

		require.NoError(t, f.watcher.Hydrate())
		assert.Zero(t, f.watcher.State().Len())
	})

	t.Run("unavailable cache fails", func(t *testing.T) {
		f := newFixture(t)
		f.store.FailLoads(cache.ErrClosed)

		err := f.watcher.Hydrate()
		assert.ErrorIs(t, err, cache.ErrClosed)
	})
}

func TestWatch(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states, _ := f.watcher.Watch(ctx)
	require.NoError(t, f.watcher.Start(ctx, "u1", []models.SourceQuery{createdQuery}))

	f.remote.Emit("created", item("1", "a"))

	select {
	case state := <-states:
		assert.Equal(t, map[string]string{"1": "a"}, values(state))
	case <-time.After(2 * time.Second):
		t.Fatal("no state published")
	}
}

func TestStartRejectsForeignQuery(t *testing.T) {
	f := newFixture(t)
	err := f.watcher.Start(context.Background(), "u1", []models.SourceQuery{{ID: "all", Collection: models.CollectionUsers}})
	assert.Error(t, err)
	assert.False(t, f.watcher.Running())
}
