package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/TheMichaelB/tasksync/internal/cache"
	"github.com/TheMichaelB/tasksync/internal/config"
	"github.com/TheMichaelB/tasksync/internal/connectivity"
	"github.com/TheMichaelB/tasksync/internal/events"
	"github.com/TheMichaelB/tasksync/internal/identity"
	"github.com/TheMichaelB/tasksync/internal/models"
	"github.com/TheMichaelB/tasksync/internal/queue"
	"github.com/TheMichaelB/tasksync/internal/remote"
	"github.com/TheMichaelB/tasksync/internal/session"
)

// Client provides the high-level API for tasksync operations.
type Client struct {
	Session  *session.Session
	Remote   *remote.Client
	Cache    *cache.Adapter
	Gate     *connectivity.Gate
	Identity identity.Provider

	config *config.Config
	logger *events.Logger
}

// New wires a sync session from cfg.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	// Create remote client
	remoteClient := remote.NewClient(&cfg.Remote, logger)

	// Create cache
	store, err := cache.OpenStore(&cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	adapter := cache.NewAdapter(store, logger)

	// Create connectivity gate
	probe := connectivity.NewHTTPProbe(
		cfg.ProbeURL(),
		cfg.Connectivity.ProbeInterval,
		cfg.Connectivity.ProbeTimeout,
		remoteClient.HTTP().HTTP(),
		logger,
	)
	gate := connectivity.NewGate(probe, logger)

	// Create identity provider
	provider, err := newProvider(cfg, logger)
	if err != nil {
		_ = adapter.Close()
		return nil, err
	}

	sess := session.New(session.Options{
		Remote:       remoteClient,
		Cache:        adapter,
		Gate:         gate,
		Identity:     provider,
		WriteTimeout: cfg.Remote.WriteTimeout,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RetryDelay:   cfg.Queue.RetryDelay,
		PersistQueue: cfg.Queue.Persist,
	}, logger)

	return &Client{
		Session:  sess,
		Remote:   remoteClient,
		Cache:    adapter,
		Gate:     gate,
		Identity: provider,
		config:   cfg,
		logger:   logger,
	}, nil
}

// newProvider picks the identity source. A static remote token wins over
// the token file.
func newProvider(cfg *config.Config, logger *events.Logger) (identity.Provider, error) {
	if cfg.Remote.Token != "" {
		id, err := identity.ParseUnverified(cfg.Remote.Token)
		if err != nil {
			return nil, fmt.Errorf("parse static token: %w", err)
		}
		return identity.NewManualProvider(id), nil
	}

	var validator *identity.TokenIssuer
	if cfg.Identity.SigningSecret != "" {
		validator = identity.NewTokenIssuer(identity.TokenConfig{
			SigningSecret: []byte(cfg.Identity.SigningSecret),
			Issuer:        cfg.Identity.Issuer,
		})
	}

	return identity.NewTokenFileProvider(TokenFile(cfg), cfg.Identity.PollInterval, validator, logger), nil
}

// TokenFile returns the configured token path with tilde expansion.
func TokenFile(cfg *config.Config) string {
	tokenFile := cfg.Identity.TokenFile
	if tokenFile == "" {
		tokenFile = filepath.Join(filepath.Dir(cfg.Cache.Dir), "token")
	}

	// Expand tilde in path
	if strings.HasPrefix(tokenFile, "~/") {
		homeDir, _ := os.UserHomeDir()
		tokenFile = filepath.Join(homeDir, tokenFile[2:])
	}

	return tokenFile
}

// Queue loads the persisted queue of subject for inspection outside a
// running session. Changes are saved immediately.
func (c *Client) Queue(subject string) (*queue.Queue, error) {
	return queue.Restore(queue.Options{
		Identity:    subject,
		MaxAttempts: c.config.Queue.MaxAttempts,
		RetryDelay:  c.config.Queue.RetryDelay,
		Adapter:     c.Cache,
	}, c.logger)
}

// QueueIdentities lists identities with a persisted queue.
func (c *Client) QueueIdentities() ([]string, error) {
	return c.Cache.QueueIdentities()
}

// CachedCollection returns the cached snapshot of a collection.
func (c *Client) CachedCollection(collection models.Collection) (*models.CollectionState, error) {
	return c.Cache.LoadCollection(collection)
}

// Close releases the session, connections and cache.
func (c *Client) Close() error {
	var firstErr error
	if err := c.Session.Close(); err != nil {
		firstErr = err
	}
	if err := c.Remote.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.Cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
