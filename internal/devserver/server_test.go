package devserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/tasksync/internal/config"
	"github.com/TheMichaelB/tasksync/internal/devserver"
	"github.com/TheMichaelB/tasksync/internal/events"
	"github.com/TheMichaelB/tasksync/internal/identity"
	"github.com/TheMichaelB/tasksync/internal/models"
	"github.com/TheMichaelB/tasksync/internal/remote"
)

type fixture struct {
	server *devserver.Server
	http   *httptest.Server
	issuer *identity.TokenIssuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := devserver.OpenStore(filepath.Join(t.TempDir(), "devserver.db"), events.NewNopLogger())
	require.NoError(t, err)

	issuer := identity.NewTokenIssuer(identity.TokenConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "tasksync-test",
	})

	server, err := devserver.New(devserver.Dependencies{
		Store:  store,
		Tokens: issuer,
		Logger: events.NewNopLogger(),
	})
	require.NoError(t, err)

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.Close()
		httpServer.Close()
		_ = store.Close()
	})

	return &fixture{server: server, http: httpServer, issuer: issuer}
}

func (f *fixture) token(t *testing.T, subject string) string {
	t.Helper()
	token, _, err := f.issuer.Issue(subject)
	require.NoError(t, err)
	return token
}

func (f *fixture) client(t *testing.T, subject string) *remote.Client {
	t.Helper()
	client := remote.NewClient(&config.RemoteConfig{
		BaseURL:      f.http.URL,
		WSPath:       "/v1/subscribe",
		Timeout:      5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, events.NewNopLogger())
	client.SetToken(f.token(t, subject))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func (f *fixture) post(t *testing.T, token, collection string, body models.WriteRequest) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.http.URL+"/v1/collections/"+collection+"/write", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func nextEmission(t *testing.T, ch <-chan remote.Emission) remote.Emission {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return remote.Emission{}
	}
}

func ids(items []models.Item) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	client := f.client(t, "alice")
	assert.NoError(t, client.Health(context.Background()))
}

func TestWriteRequiresToken(t *testing.T) {
	f := newFixture(t)

	client := remote.NewHTTPClient(&config.RemoteConfig{BaseURL: f.http.URL, Timeout: 5 * time.Second}, events.NewNopLogger())
	client.SetToken("not-a-token")

	_, err := client.Write(context.Background(), models.Mutation{
		Collection: models.CollectionTasks,
		Kind:       models.OperationCreate,
		Data:       json.RawMessage(`{}`),
	})

	var apiErr *models.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, models.ErrCodeAuth, apiErr.Code)

	resp := f.post(t, "", "tasks", models.WriteRequest{RequestID: "r1", Kind: models.OperationCreate, Data: json.RawMessage(`{}`)})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWriteErrors(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "alice")

	tests := []struct {
		name       string
		collection string
		body       models.WriteRequest
		status     int
		code       string
	}{
		{
			name:       "unknown collection",
			collection: "widgets",
			body:       models.WriteRequest{RequestID: "r1", Kind: models.OperationCreate, Data: json.RawMessage(`{}`)},
			status:     http.StatusNotFound,
			code:       models.ErrCodeNotFound,
		},
		{
			name:       "missing request id",
			collection: "tasks",
			body:       models.WriteRequest{Kind: models.OperationCreate, Data: json.RawMessage(`{}`)},
			status:     http.StatusBadRequest,
			code:       models.ErrCodeInvalid,
		},
		{
			name:       "update of missing document",
			collection: "tasks",
			body:       models.WriteRequest{RequestID: "r2", Kind: models.OperationUpdate, TargetID: "nope", Data: json.RawMessage(`{"a":1}`)},
			status:     http.StatusNotFound,
			code:       models.ErrCodeNotFound,
		},
		{
			name:       "unknown kind",
			collection: "tasks",
			body:       models.WriteRequest{RequestID: "r3", Kind: "upsert", Data: json.RawMessage(`{}`)},
			status:     http.StatusBadRequest,
			code:       models.ErrCodeInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, token, tt.collection, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)

			var apiErr models.APIError
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.status, apiErr.StatusCode)
		})
	}
}

func TestWriteIsIdempotentPerRequestID(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "alice")

	body := models.WriteRequest{
		RequestID: "req-1",
		Kind:      models.OperationCreate,
		TargetID:  "t1",
		Data:      json.RawMessage(`{"title":"a"}`),
	}

	var first, second models.WriteResponse
	resp := f.post(t, token, "tasks", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))

	resp = f.post(t, token, "tasks", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))
	assert.Equal(t, first, second)

	body.RequestID = "req-2"
	resp = f.post(t, token, "tasks", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSubscriptionStreamsSnapshots(t *testing.T) {
	f := newFixture(t)
	alice := f.client(t, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	created, err := alice.Subscribe(ctx, models.SourceQuery{
		ID:         "created",
		Collection: models.CollectionTasks,
		Where:      []models.Condition{{Field: "created_by", Op: models.OpEqual, Value: "alice"}},
	})
	require.NoError(t, err)
	assert.Empty(t, nextEmission(t, created).Items)

	require.NoError(t, alice.Write(ctx, models.Mutation{
		Collection: models.CollectionTasks,
		Kind:       models.OperationCreate,
		TargetID:   "t1",
		Data:       json.RawMessage(`{"title":"first"}`),
	}))

	e := nextEmission(t, created)
	require.NoError(t, e.Err)
	require.Len(t, e.Items, 1)
	assert.Equal(t, "t1", e.Items[0].ID)
	assert.Equal(t, "1", e.Items[0].Revision)
	assert.JSONEq(t, `{"title":"first","created_by":"alice"}`, string(e.Items[0].Payload))

	bob := f.client(t, "bob")
	require.NoError(t, bob.Write(ctx, models.Mutation{
		Collection: models.CollectionTasks,
		Kind:       models.OperationCreate,
		TargetID:   "t0",
		Data:       json.RawMessage(`{"title":"bob's"}`),
	}))
	require.NoError(t, bob.Write(ctx, models.Mutation{
		Collection: models.CollectionTasks,
		Kind:       models.OperationUpdate,
		TargetID:   "t1",
		Data:       json.RawMessage(`{"title":"renamed"}`),
	}))

	// Bob's create re-emits an unchanged snapshot; skip to the update.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e = <-created:
		case <-deadline:
			t.Fatal("timed out waiting for update")
		}
		require.NoError(t, e.Err)
		if len(e.Items) == 1 && e.Items[0].Revision == "2" {
			break
		}
	}
	assert.Equal(t, []string{"t1"}, ids(e.Items))
	assert.JSONEq(t, `{"title":"renamed","created_by":"alice"}`, string(e.Items[0].Payload))
}

func TestSubscriptionArrayContains(t *testing.T) {
	f := newFixture(t)
	alice := f.client(t, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, w := range []struct{ id, data string }{
		{"core", `{"members":["alice","bob"]}`},
		{"infra", `{"members":["carol"]}`},
		{"web", `{"members":["alice"]}`},
	} {
		require.NoError(t, alice.Write(ctx, models.Mutation{
			Collection: models.CollectionTeams,
			Kind:       models.OperationCreate,
			TargetID:   w.id,
			Data:       json.RawMessage(w.data),
		}))
	}

	ch, err := alice.Subscribe(ctx, models.SourceQuery{
		ID:         "member",
		Collection: models.CollectionTeams,
		Where:      []models.Condition{{Field: "members", Op: models.OpArrayContains, Value: "alice"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"core", "web"}, ids(nextEmission(t, ch).Items))
}

func TestSubscribeRejectsInvalidQuery(t *testing.T) {
	f := newFixture(t)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token(t, "alice"))
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/v1/subscribe"

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(models.SubscribeMessage{
		Op:             models.WSTypeSubscribe,
		SubscriptionID: "bad",
		Collection:     models.CollectionTasks,
		Where:          []models.Condition{{Field: "a", Op: "<", Value: "1"}},
	}))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame models.ErrorMessage
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, models.WSTypeError, frame.Op)
	assert.Equal(t, "bad", frame.SubscriptionID)
	assert.Equal(t, models.ErrCodeInvalid, frame.Code)

	require.NoError(t, conn.WriteJSON(models.SubscribeMessage{
		Op:             models.WSTypeSubscribe,
		SubscriptionID: "good",
		Collection:     models.CollectionUsers,
	}))

	var snapshot models.SnapshotMessage
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, models.WSTypeSnapshot, snapshot.Op)
	assert.Equal(t, "good", snapshot.SubscriptionID)
	assert.Empty(t, snapshot.Items)
}

func TestSubscribeRequiresToken(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/v1/subscribe"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := devserver.New(devserver.Dependencies{})
	assert.Error(t, err)
}
