package connectivity

import (
	"context"
	"sync"

	"github.com/TheMichaelB/tasksync/internal/events"
)

// Gate relays a Monitor as one boolean plus a stream of transitions.
// Monitor errors read as offline.
type Gate struct {
	monitor Monitor
	logger  *events.Logger
	changes *events.Broadcaster[bool]

	mu      sync.RWMutex
	online  bool
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewGate wraps monitor. The gate reports offline until Start.
func NewGate(monitor Monitor, logger *events.Logger) *Gate {
	return &Gate{
		monitor: monitor,
		logger:  logger.WithField("component", "connectivity_gate"),
		changes: events.NewBroadcaster[bool](8),
	}
}

// Start reads the initial value and begins relaying transitions.
func (g *Gate) Start(ctx context.Context) {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	ctx, g.cancel = context.WithCancel(ctx)
	g.done = make(chan struct{})
	g.mu.Unlock()

	online, err := g.monitor.Current(ctx)
	g.apply(Reading{Online: online, Err: err})

	readings, err := g.monitor.Subscribe(ctx)
	if err != nil {
		g.logger.WithError(err).Warn("Connectivity monitor subscription failed, treating as offline")
		g.apply(Reading{Err: err})
		close(g.done)
		return
	}

	go func() {
		defer close(g.done)
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-readings:
				if !ok {
					return
				}
				g.apply(r)
			}
		}
	}()
}

// Stop ends relaying and closes all OnChange streams.
func (g *Gate) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	g.changes.Close()
}

// Current returns the last known connectivity.
func (g *Gate) Current() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.online
}

// OnChange streams connectivity transitions. Repeated equal readings are
// not re-published.
func (g *Gate) OnChange(ctx context.Context) (<-chan bool, func()) {
	return g.changes.Subscribe(ctx)
}

func (g *Gate) apply(r Reading) {
	online := r.Online
	if r.Err != nil {
		g.logger.WithError(r.Err).Debug("Connectivity monitor error")
		online = false
	}

	g.mu.Lock()
	changed := online != g.online
	g.online = online
	g.mu.Unlock()

	if !changed {
		return
	}

	g.logger.WithField("online", online).Info("Connectivity changed")
	g.changes.Publish(online)
}
