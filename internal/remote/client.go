package remote

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/tasksync/internal/config"
	"github.com/TheMichaelB/tasksync/internal/events"
	"github.com/TheMichaelB/tasksync/internal/models"
)

// Client is the Store backed by HTTP writes and WebSocket subscriptions.
type Client struct {
	http   *HTTPClient
	ws     *WSClient
	logger *events.Logger
}

// NewClient creates a remote store client.
func NewClient(cfg *config.RemoteConfig, logger *events.Logger) *Client {
	httpClient := NewHTTPClient(cfg, logger)
	return &Client{
		http:   httpClient,
		ws:     NewWSClient(cfg.BaseURL, cfg.WSPath, httpClient.Token, logger),
		logger: logger,
	}
}

// Subscribe opens a WebSocket subscription.
func (c *Client) Subscribe(ctx context.Context, q models.SourceQuery) (<-chan Emission, error) {
	return c.ws.Subscribe(ctx, q)
}

// Write applies a mutation over HTTP.
func (c *Client) Write(ctx context.Context, m models.Mutation) error {
	resp, err := c.http.Write(ctx, m)
	if err != nil {
		return err
	}

	c.logger.WithFields(map[string]interface{}{
		"collection": m.Collection,
		"id":         resp.ID,
		"revision":   resp.Revision,
	}).Debug("Write applied")

	return nil
}

// SetToken changes the bearer token. An open subscription connection
// authenticated with a different token is dropped.
func (c *Client) SetToken(token string) {
	if c.http.Token() == token {
		return
	}
	c.http.SetToken(token)
	c.ws.Disconnect()
}

// Health checks remote reachability.
func (c *Client) Health(ctx context.Context) error {
	if err := c.http.Health(ctx); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// HTTP returns the HTTP half of the client.
func (c *Client) HTTP() *HTTPClient {
	return c.http
}

// Close closes all connections.
func (c *Client) Close() error {
	return c.ws.Close()
}
