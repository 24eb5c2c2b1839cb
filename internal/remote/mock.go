package remote

import (
	"context"
	"sync"

	"github.com/TheMichaelB/tasksync/internal/models"
)

// MockStore provides a mock implementation for testing.
type MockStore struct {
	mu sync.Mutex

	// Error injection
	SubscribeError error
	WriteFunc      func(ctx context.Context, m models.Mutation) error

	// Request tracking
	writes []models.Mutation
	subs   []*mockSubscription
	token  string
	closed bool
}

type mockSubscription struct {
	query  models.SourceQuery
	ch     chan Emission
	ctx    context.Context
	mu     sync.Mutex
	closed bool
}

// NewMockStore creates a mock remote store.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// Subscribe records the query and returns a stream driven by Emit.
func (m *MockStore) Subscribe(ctx context.Context, q models.SourceQuery) (<-chan Emission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubscribeError != nil {
		return nil, m.SubscribeError
	}

	sub := &mockSubscription{query: q, ch: make(chan Emission, 16), ctx: ctx}
	m.subs = append(m.subs, sub)

	go func() {
		<-ctx.Done()
		sub.close()
	}()

	return sub.ch, nil
}

// Write records the mutation and delegates to WriteFunc if set.
func (m *MockStore) Write(ctx context.Context, mut models.Mutation) error {
	m.mu.Lock()
	fn := m.WriteFunc
	m.writes = append(m.writes, mut)
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, mut)
	}
	return nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SetToken records the bearer token. Like Client, a changed token ends
// every open subscription with ErrConnectionLost.
func (m *MockStore) SetToken(token string) {
	m.mu.Lock()
	if m.token == token {
		m.mu.Unlock()
		return
	}
	m.token = token
	open := append([]*mockSubscription(nil), m.subs...)
	m.mu.Unlock()

	for _, sub := range open {
		sub.send(Emission{Err: models.ErrConnectionLost})
		sub.close()
	}
}

// Helper methods for testing

// Token returns the last token set.
func (m *MockStore) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// SetWriteFunc replaces the write behavior.
func (m *MockStore) SetWriteFunc(fn func(ctx context.Context, m models.Mutation) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteFunc = fn
}

// Writes returns every attempted write in order.
func (m *MockStore) Writes() []models.Mutation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Mutation(nil), m.writes...)
}

// WriteCount returns the number of attempted writes.
func (m *MockStore) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

// Active returns the number of open subscriptions, optionally for one
// collection.
func (m *MockStore) Active(collection models.Collection) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, sub := range m.subs {
		if sub.isOpen() && (collection == "" || sub.query.Collection == collection) {
			n++
		}
	}
	return n
}

// SubscribeCount returns how many subscriptions were ever opened for query id.
func (m *MockStore) SubscribeCount(queryID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, sub := range m.subs {
		if sub.query.ID == queryID {
			n++
		}
	}
	return n
}

// Emit delivers a snapshot to every open subscription of query id.
func (m *MockStore) Emit(queryID string, items ...models.Item) int {
	if items == nil {
		items = []models.Item{}
	}
	return m.deliver(queryID, Emission{Items: items}, false)
}

// Fail terminates every open subscription of query id with err.
func (m *MockStore) Fail(queryID string, err error) int {
	return m.deliver(queryID, Emission{Err: err}, true)
}

func (m *MockStore) deliver(queryID string, e Emission, terminal bool) int {
	m.mu.Lock()
	targets := make([]*mockSubscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.query.ID == queryID {
			targets = append(targets, sub)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, sub := range targets {
		if sub.send(e) {
			n++
		}
		if terminal {
			sub.close()
		}
	}
	return n
}

func (s *mockSubscription) send(e Emission) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- e:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *mockSubscription) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *mockSubscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
