package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"github.com/TheMichaelB/tasksync/internal/config"
	"github.com/TheMichaelB/tasksync/internal/events"
	"github.com/TheMichaelB/tasksync/internal/models"
)

// HTTPClient handles request/response calls to the remote store.
type HTTPClient struct {
	client  *http.Client
	baseURL string
	logger  *events.Logger

	mu    sync.RWMutex
	token string
}

// NewHTTPClient creates an HTTP client.
func NewHTTPClient(cfg *config.RemoteConfig, logger *events.Logger) *HTTPClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	// Configure HTTP/2
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		logger:  logger.WithField("component", "http_client"),
	}
}

// SetToken sets the authentication token.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current authentication token.
func (c *HTTPClient) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the configured base URL.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Write posts one mutation. There is no retry; callers queue on failure.
func (c *HTTPClient) Write(ctx context.Context, m models.Mutation) (*models.WriteResponse, error) {
	endpoint := fmt.Sprintf("%s/v1/collections/%s/write", c.baseURL, url.PathEscape(string(m.Collection)))

	requestID := events.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	body, err := json.Marshal(models.WriteRequest{
		RequestID: requestID,
		Kind:      m.Kind,
		TargetID:  m.TargetID,
		Data:      m.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal write: %w", err)
	}

	logger := c.logger.WithFields(map[string]interface{}{
		"request_id": requestID,
		"identity":   events.GetIdentity(ctx),
	})
	logger.WithFields(map[string]interface{}{
		"url":    endpoint,
		"kind":   m.Kind,
		"target": m.TargetID,
		"size":   len(body),
	}).Debug("Sending write")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"status": resp.StatusCode,
		"size":   len(respBody),
	}).Debug("Received response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeAPIError(resp.StatusCode, respBody)
	}

	var result models.WriteResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	return &result, nil
}

// Health checks the remote store's health endpoint.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, body)
	}

	return nil
}

// HTTP exposes the underlying client, e.g. for the connectivity probe.
func (c *HTTPClient) HTTP() *http.Client {
	return c.client
}

func decodeAPIError(status int, body []byte) error {
	var apiErr models.APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != "" {
		apiErr.StatusCode = status
		return &apiErr
	}
	return &models.APIError{
		Code:       models.ErrCodeServerError,
		Message:    strings.TrimSpace(string(body)),
		StatusCode: status,
	}
}
