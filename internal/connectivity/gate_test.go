package connectivity_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/tasksync/internal/connectivity"
	"github.com/TheMichaelB/tasksync/internal/events"
)

func receive(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "stream closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transition")
		return false
	}
}

func assertQuiet(t *testing.T, ch <-chan bool) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected transition %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGateRelaysTransitions(t *testing.T) {
	monitor := connectivity.NewManualMonitor(true)
	gate := connectivity.NewGate(monitor, events.NewNopLogger())

	changes, cancel := gate.OnChange(context.Background())
	defer cancel()

	gate.Start(context.Background())
	defer gate.Stop()

	assert.True(t, gate.Current())
	assert.True(t, receive(t, changes))

	monitor.Set(false)
	assert.False(t, receive(t, changes))
	assert.False(t, gate.Current())

	monitor.Set(true)
	assert.True(t, receive(t, changes))
}

func TestGateDeduplicates(t *testing.T) {
	monitor := connectivity.NewManualMonitor(false)
	gate := connectivity.NewGate(monitor, events.NewNopLogger())
	gate.Start(context.Background())
	defer gate.Stop()

	changes, cancel := gate.OnChange(context.Background())
	defer cancel()

	monitor.Set(false)
	monitor.Set(false)
	assertQuiet(t, changes)

	monitor.Set(true)
	monitor.Set(true)
	assert.True(t, receive(t, changes))
	assertQuiet(t, changes)
}

func TestGateTreatsErrorsAsOffline(t *testing.T) {
	monitor := connectivity.NewManualMonitor(true)
	gate := connectivity.NewGate(monitor, events.NewNopLogger())
	gate.Start(context.Background())
	defer gate.Stop()

	changes, cancel := gate.OnChange(context.Background())
	defer cancel()

	require.True(t, gate.Current())

	monitor.Fail(errors.New("netlink unavailable"))
	assert.False(t, receive(t, changes))
	assert.False(t, gate.Current())
}

func TestGateInitialErrorIsOffline(t *testing.T) {
	monitor := connectivity.NewManualMonitor(true)
	monitor.Fail(errors.New("no permission"))

	gate := connectivity.NewGate(monitor, events.NewNopLogger())
	gate.Start(context.Background())
	defer gate.Stop()

	assert.False(t, gate.Current())
}

func TestGateStopClosesStreams(t *testing.T) {
	gate := connectivity.NewGate(connectivity.NewManualMonitor(true), events.NewNopLogger())
	gate.Start(context.Background())

	changes, _ := gate.OnChange(context.Background())
	gate.Stop()

	for range changes {
	}
}

func TestHTTPProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	probe := connectivity.NewHTTPProbe(server.URL, 10*time.Millisecond, time.Second, server.Client(), events.NewNopLogger())

	online, err := probe.Current(context.Background())
	require.NoError(t, err)
	assert.True(t, online)

	healthy.Store(false)
	online, err = probe.Current(context.Background())
	require.NoError(t, err)
	assert.False(t, online)

	t.Run("gate over probe", func(t *testing.T) {
		healthy.Store(true)
		gate := connectivity.NewGate(probe, events.NewNopLogger())
		gate.Start(context.Background())
		defer gate.Stop()

		require.True(t, gate.Current())

		healthy.Store(false)
		assert.Eventually(t, func() bool { return !gate.Current() }, time.Second, 5*time.Millisecond)
	})
}

func TestHTTPProbeUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	probe := connectivity.NewHTTPProbe(url, time.Second, 100*time.Millisecond, nil, events.NewNopLogger())
	online, err := probe.Current(context.Background())
	assert.Error(t, err)
	assert.False(t, online)
}
