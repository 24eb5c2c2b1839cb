// Package connectivity turns an external reachability signal into a single
// online/offline boolean.
package connectivity

import (
	"context"
	"sync"
)

// Reading is one observation from a Monitor.
type Reading struct {
	Online bool
	Err    error
}

// Monitor is the external connectivity source.
type Monitor interface {
	// Current returns the present reachability.
	Current(ctx context.Context) (bool, error)

	// Subscribe streams readings until ctx is done.
	Subscribe(ctx context.Context) (<-chan Reading, error)
}

// ManualMonitor is driven by explicit Set calls. Hosts that already know
// their connectivity (and tests) use it.
type ManualMonitor struct {
	mu     sync.Mutex
	online bool
	err    error
	subs   []chan Reading
}

// NewManualMonitor creates a monitor with an initial value.
func NewManualMonitor(online bool) *ManualMonitor {
	return &ManualMonitor{online: online}
}

// Current returns the last value set.
func (m *ManualMonitor) Current(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online, m.err
}

// Subscribe streams every subsequent Set or Fail.
func (m *ManualMonitor) Subscribe(ctx context.Context) (<-chan Reading, error) {
	ch := make(chan Reading, 16)

	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}()

	return ch, nil
}

// Set reports a new connectivity value.
func (m *ManualMonitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
	m.err = nil
	m.publish(Reading{Online: online})
}

// Fail reports a monitor error.
func (m *ManualMonitor) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.publish(Reading{Err: err})
}

func (m *ManualMonitor) publish(r Reading) {
	for _, sub := range m.subs {
		select {
		case sub <- r:
		default:
		}
	}
}
