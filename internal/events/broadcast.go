package events

import (
	"context"
	"sync"
)

// Broadcaster fans values out to subscribers over buffered channels.
// Publishing never blocks: when a subscriber's buffer is full the oldest
// value is dropped, so a buffer of one gives latest-value semantics.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber[T]
	nextID      int64
	bufferSize  int
	closed      bool
}

type subscriber[T any] struct {
	mu     sync.Mutex
	stream chan T
	done   chan struct{}
	closed bool
	once   sync.Once
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster[T any](bufferSize int) *Broadcaster[T] {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Broadcaster[T]{
		subscribers: make(map[int64]*subscriber[T]),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new subscriber. The stream is closed when ctx is
// done, when cancel is called, or when the broadcaster closes.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	sub := &subscriber[T]{
		stream: make(chan T, b.bufferSize),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.stream)
		return sub.stream, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subscribers[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		sub.close()
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()

	return sub.stream, cancel
}

// Publish delivers v to every subscriber without blocking.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	subs := make([]*subscriber[T], 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.send(v)
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes every subscriber stream. Later subscriptions get a closed stream.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subscribers
	b.subscribers = make(map[int64]*subscriber[T])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (s *subscriber[T]) send(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.stream <- v:
		return
	default:
	}

	// Full: drop the oldest value.
	select {
	case <-s.stream:
	default:
	}
	select {
	case s.stream <- v:
	default:
	}
}

func (s *subscriber[T]) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.stream)
		close(s.done)
		s.mu.Unlock()
	})
}
