package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TheMichaelB/tasksync/internal/events"
)

// TokenFileProvider watches a file holding a bearer token. A missing,
// invalid or expired token reads as signed out.
type TokenFileProvider struct {
	path      string
	interval  time.Duration
	validator *TokenIssuer // nil = parse without verifying
	clock     func() time.Time
	logger    *events.Logger
}

// NewTokenFileProvider creates a polling provider. validator may be nil.
func NewTokenFileProvider(path string, interval time.Duration, validator *TokenIssuer, logger *events.Logger) *TokenFileProvider {
	return &TokenFileProvider{
		path:      path,
		interval:  interval,
		validator: validator,
		clock:     time.Now,
		logger:    logger.WithField("component", "token_file_provider"),
	}
}

// Read returns the identity currently in the token file, or nil.
func (p *TokenFileProvider) Read() (*Identity, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return nil, nil
	}

	var id *Identity
	if p.validator != nil {
		id, err = p.validator.Validate(token)
	} else {
		id, err = ParseUnverified(token)
	}
	if err != nil {
		return nil, err
	}

	if id.IsExpired(p.clock()) {
		return nil, ErrExpiredToken
	}

	return id, nil
}

// Subscribe polls the file and emits on every change of signed-in state.
func (p *TokenFileProvider) Subscribe(ctx context.Context) (<-chan *Identity, error) {
	ch := make(chan *Identity, 1)

	current := p.readOrNil()
	ch <- current

	go func() {
		defer close(ch)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			next := p.readOrNil()
			if Same(current, next) {
				continue
			}
			current = next

			select {
			case ch <- next:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (p *TokenFileProvider) readOrNil() *Identity {
	id, err := p.Read()
	if err != nil {
		p.logger.WithError(err).Warn("Token unusable, treating as signed out")
		return nil
	}
	return id
}

// WriteTokenFile stores token at path with owner-only permissions.
func WriteTokenFile(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}
