package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/TheMichaelB/tasksync/internal/events"
)

// HTTPProbe polls a health endpoint. Any response below 500 counts as online.
type HTTPProbe struct {
	url      string
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	logger   *events.Logger
}

// NewHTTPProbe creates a probe monitor.
func NewHTTPProbe(url string, interval, timeout time.Duration, client *http.Client, logger *events.Logger) *HTTPProbe {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProbe{
		url:      url,
		interval: interval,
		timeout:  timeout,
		client:   client,
		logger:   logger.WithField("component", "connectivity_probe"),
	}
}

// Current performs one probe.
func (p *HTTPProbe) Current(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false, fmt.Errorf("create probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", p.url, err)
	}
	resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError, nil
}

// Subscribe probes every interval until ctx is done.
func (p *HTTPProbe) Subscribe(ctx context.Context) (<-chan Reading, error) {
	ch := make(chan Reading, 1)

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

			online, err := p.Current(ctx)
			if err != nil {
				p.logger.WithError(err).Debug("Probe failed")
			}

			select {
			case ch <- Reading{Online: online, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
