// Package identity supplies the signed-in user to the sync session.
package identity

import (
	"context"
	"sync"
	"time"
)

// Identity is a signed-in user. A nil *Identity means signed out.
type Identity struct {
	Subject   string    `json:"subject"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the identity's token has expired at now.
func (i *Identity) IsExpired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Same reports whether a and b denote the same signed-in state.
func Same(a, b *Identity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Subject == b.Subject && a.Token == b.Token
}

// Provider streams identity transitions. The current identity is delivered
// first; nil values mean signed out.
type Provider interface {
	Subscribe(ctx context.Context) (<-chan *Identity, error)
}

// ManualProvider is driven by explicit SignIn/SignOut calls.
type ManualProvider struct {
	mu      sync.Mutex
	current *Identity
	subs    []chan *Identity
}

// NewManualProvider creates a provider with an optional initial identity.
func NewManualProvider(initial *Identity) *ManualProvider {
	return &ManualProvider{current: initial}
}

// Subscribe delivers the current identity followed by every transition.
func (p *ManualProvider) Subscribe(ctx context.Context) (<-chan *Identity, error) {
	ch := make(chan *Identity, 16)

	p.mu.Lock()
	ch <- p.current
	p.subs = append(p.subs, ch)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, sub := range p.subs {
			if sub == ch {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}()

	return ch, nil
}

// SignIn publishes a signed-in identity.
func (p *ManualProvider) SignIn(id *Identity) {
	p.set(id)
}

// SignOut publishes the signed-out state.
func (p *ManualProvider) SignOut() {
	p.set(nil)
}

// Current returns the last published identity.
func (p *ManualProvider) Current() *Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *ManualProvider) set(id *Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = id
	for _, sub := range p.subs {
		select {
		case sub <- id:
		default:
		}
	}
}
