package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/tasksync/internal/config"
	"github.com/TheMichaelB/tasksync/internal/devserver"
	"github.com/TheMichaelB/tasksync/internal/identity"
)

// TestSigningSecret signs every token issued by TestServer.
const TestSigningSecret = "tasksync-test-secret"

// TestServer runs the dev server behind httptest. SetOffline makes it
// unreachable without changing its address.
type TestServer struct {
	*httptest.Server

	Dev    *devserver.Server
	Store  *devserver.Store
	Issuer *identity.TokenIssuer

	offline atomic.Bool
}

// NewTestServer starts a dev server with a fresh database.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()

	store, err := devserver.OpenStore(filepath.Join(t.TempDir(), "devserver.db"), NewTestLogger())
	require.NoError(t, err)

	issuer := identity.NewTokenIssuer(identity.TokenConfig{
		SigningSecret: []byte(TestSigningSecret),
		Issuer:        "tasksync",
	})

	dev, err := devserver.New(devserver.Dependencies{
		Store:  store,
		Tokens: issuer,
		Logger: NewTestLogger(),
	})
	require.NoError(t, err)

	ts := &TestServer{Dev: dev, Store: store, Issuer: issuer}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.serve))

	t.Cleanup(func() {
		dev.Close()
		ts.Server.Close()
		_ = store.Close()
	})

	return ts
}

func (ts *TestServer) serve(w http.ResponseWriter, r *http.Request) {
	if ts.offline.Load() {
		http.Error(w, "offline", http.StatusServiceUnavailable)
		return
	}
	ts.Dev.Handler().ServeHTTP(w, r)
}

// SetOffline toggles reachability. Going offline also drops open
// subscription connections.
func (ts *TestServer) SetOffline(offline bool) {
	ts.offline.Store(offline)
	if offline {
		ts.Dev.DropConnections()
	}
}

// Token issues a signed token for subject.
func (ts *TestServer) Token(t *testing.T, subject string) string {
	t.Helper()
	token, _, err := ts.Issuer.Issue(subject)
	require.NoError(t, err)
	return token
}

// Document returns the stored payload of a document, or nil if missing.
func (ts *TestServer) Document(t *testing.T, collection, id string) map[string]interface{} {
	t.Helper()

	doc, err := ts.Store.Get(context.Background(), Collection(collection), id)
	if err != nil {
		return nil
	}

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(doc.Payload), &fields))
	return fields
}

// TestConfigWithDir returns a client config pointed at baseURL that keeps
// its cache and token file under dataDir and probes quickly.
func TestConfigWithDir(dataDir, baseURL string) *config.Config {
	cfg := config.DefaultConfig()

	cfg.Remote.BaseURL = strings.TrimRight(baseURL, "/")
	cfg.Remote.Timeout = 5 * time.Second
	cfg.Remote.WriteTimeout = 2 * time.Second

	cfg.Cache.Backend = "file"
	cfg.Cache.Dir = filepath.Join(dataDir, "cache")
	cfg.Cache.SQLitePath = filepath.Join(dataDir, "cache.db")

	cfg.Queue.RetryDelay = 20 * time.Millisecond

	cfg.Connectivity.ProbeInterval = 50 * time.Millisecond
	cfg.Connectivity.ProbeTimeout = time.Second

	cfg.Identity.TokenFile = filepath.Join(dataDir, "token")
	cfg.Identity.SigningSecret = TestSigningSecret
	cfg.Identity.PollInterval = 50 * time.Millisecond

	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"

	return cfg
}

// TestContext creates a test context with reasonable timeout.
func TestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// Eventually waits for condition with a default timeout.
func Eventually(t *testing.T, condition func() bool, message string) {
	t.Helper()
	WaitForCondition(t, condition, 10*time.Second, message)
}

// WaitForCondition waits for a condition to be true with timeout.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-timer.C:
			t.Fatalf("Timeout waiting for condition: %s", message)
		case <-ticker.C:
		}
	}
}

// LogOutput captures JSON log lines for assertions.
type LogOutput struct {
	mu      sync.RWMutex
	entries []map[string]interface{}
}

// NewLogOutput creates a new log output capturer.
func NewLogOutput() *LogOutput {
	return &LogOutput{}
}

// Write implements io.Writer.
func (lo *LogOutput) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimSpace(string(p)), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err == nil {
			lo.mu.Lock()
			lo.entries = append(lo.entries, entry)
			lo.mu.Unlock()
		}
	}
	return len(p), nil
}

// HasMessage checks if any entry's message contains message.
func (lo *LogOutput) HasMessage(message string) bool {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	for _, entry := range lo.entries {
		if msg, _ := entry["msg"].(string); strings.Contains(msg, message) {
			return true
		}
	}
	return false
}

// Len returns the number of captured entries.
func (lo *LogOutput) Len() int {
	lo.mu.RLock()
	defer lo.mu.RUnlock()
	return len(lo.entries)
}

// SkipIfShort skips test if testing.Short() is true.
func SkipIfShort(t *testing.T, reason string) {
	if testing.Short() {
		t.Skipf("Skipping test in short mode: %s", reason)
	}
}
