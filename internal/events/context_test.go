package events_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/tasksync/internal/events"
)

func TestFromContext(t *testing.T) {
	ctx := context.Background()

	logger := events.FromContext(ctx)
	assert.NotNil(t, logger)
}

func TestWithLogger(t *testing.T) {
	ctx := context.Background()
	logger := events.NewNopLogger()

	ctx = events.WithLogger(ctx, logger)
	retrieved := events.FromContext(ctx)

	assert.Same(t, logger, retrieved)
}

func TestWithRequestID(t *testing.T) {
	ctx := context.Background()
	requestID := "req-123"

	ctx = events.WithRequestID(ctx, requestID)
	assert.Equal(t, requestID, events.GetRequestID(ctx))
	assert.NotNil(t, events.FromContext(ctx))
}

func TestWithIdentity(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithIdentity(ctx, "user-1")
	ctx = events.WithCollection(ctx, "tasks")

	assert.Equal(t, "user-1", events.GetIdentity(ctx))

	events.FromContext(ctx).Info("scoped")
	assert.Contains(t, buf.String(), `"identity":"user-1"`)
	assert.Contains(t, buf.String(), `"collection":"tasks"`)
}

func TestContextGettersEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, events.GetRequestID(ctx))
	assert.Empty(t, events.GetIdentity(ctx))
}

func TestSetDefault(t *testing.T) {
	customLogger := events.NewNopLogger()
	events.SetDefault(customLogger)

	retrieved := events.FromContext(context.Background())

	assert.Same(t, customLogger, retrieved)
}
