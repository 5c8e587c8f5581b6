package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andrewpaige1/ideaflow-api/client"
	"github.com/andrewpaige1/ideaflow-api/metrics"
	"github.com/andrewpaige1/ideaflow-api/models"
	"github.com/andrewpaige1/ideaflow-api/protocol"
	"github.com/andrewpaige1/ideaflow-api/registry"
	"github.com/andrewpaige1/ideaflow-api/store"
	"github.com/andrewpaige1/ideaflow-api/transport"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type app struct {
	server *httptest.Server
	reg    *registry.Registry
}

func newApp(t *testing.T, s store.Store) app {
	t.Helper()
	if s == nil {
		s = store.NewMemoryStore()
	}
	reg, err := registry.New(registry.WithStore(s))
	require.NoError(t, err)
	m := metrics.NewCollector("test")
	hub := transport.NewHub(nil)
	proto := protocol.NewHandler(reg, hub, protocol.WithMetrics(m))
	ws := transport.NewServer(proto, transport.WithMetrics(m))
	srv := httptest.NewServer(Routes(NewSessionHandler(reg, proto, nil), ws, m))
	t.Cleanup(func() {
		ws.Close()
		srv.Close()
	})
	return app{server: srv, reg: reg}
}

func (a app) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestSessionLifecycle(t *testing.T) {
	a := newApp(t, nil)

	resp := a.do(t, http.MethodPost, "/api/sessions", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created protocol.SessionCreatedPayload
	decode(t, resp, &created)
	require.Len(t, created.SessionID, registry.DefaultIDLength)

	resp = a.do(t, http.MethodPut, "/api/sessions/"+created.SessionID,
		`{"nodes":[{"id":"n1","x":10,"y":10,"text":"idea"},{"id":"n2"}],"connections":[{"from":"n1","to":"n2"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var put SnapshotResponse
	decode(t, resp, &put)
	assert.Equal(t, uint64(2), put.Version)
	assert.Equal(t, store.ModeMemory, put.Storage)

	resp = a.do(t, http.MethodGet, "/api/sessions/"+created.SessionID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got SnapshotResponse
	decode(t, resp, &got)
	assert.Equal(t, put.Version, got.Version)
	require.Len(t, got.Board.Nodes, 2)
	assert.Equal(t, models.DefaultColor, got.Board.Nodes[0].Color)
	require.Len(t, got.Board.Connections, 1)
	assert.NotEmpty(t, got.Board.Connections[0].ID)

	resp = a.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []models.SessionSummary
	decode(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].NodeCount)

	resp = a.do(t, http.MethodDelete, "/api/sessions/"+created.SessionID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = a.do(t, http.MethodDelete, "/api/sessions/"+created.SessionID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestGetAbsentSessionIsEmpty(t *testing.T) {
	a := newApp(t, nil)
	resp := a.do(t, http.MethodGet, "/api/sessions/unknown1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got SnapshotResponse
	decode(t, resp, &got)
	assert.Equal(t, uint64(0), got.Version)
	assert.NotNil(t, got.Board.Nodes)
	assert.Empty(t, got.Board.Nodes)
}

func TestBadRequests(t *testing.T) {
	a := newApp(t, nil)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/api/sessions/abc", "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPut, "/api/sessions/room1", "{").StatusCode)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPut, "/api/sessions/room1", `{"nodes":[{"id":"n1","shape":"blob"}]}`).StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, a.do(t, http.MethodPatch, "/api/sessions/room1", "").StatusCode)
}

type downStore struct{}

func (downStore) Load(context.Context, string) (models.Snapshot, error) {
	return models.Snapshot{}, errors.New("connection refused")
}
func (downStore) Save(context.Context, models.Snapshot) error {
	return errors.New("connection refused")
}
func (downStore) Delete(context.Context, string) error { return errors.New("connection refused") }
func (downStore) List(context.Context) ([]models.SessionSummary, error) {
	return nil, errors.New("connection refused")
}

func TestDurableOutage(t *testing.T) {
	a := newApp(t, store.NewFallbackStore(downStore{}, store.WithTimeout(time.Second)))

	resp := a.do(t, http.MethodGet, "/api/sessions/room1", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = a.do(t, http.MethodPut, "/api/sessions/room1", `{"nodes":[{"id":"n1"}],"connections":[]}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "a board that cannot be read must not be replaced")

	resp = a.do(t, http.MethodPost, "/api/sessions", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created protocol.SessionCreatedPayload
	decode(t, resp, &created)

	resp = a.do(t, http.MethodGet, "/api/sessions/"+created.SessionID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got SnapshotResponse
	decode(t, resp, &got)
	assert.Equal(t, store.ModeMemory, got.Storage)
	assert.Equal(t, uint64(1), got.Version)

	resp = a.do(t, http.MethodGet, "/healthz", "")
	var health map[string]string
	decode(t, resp, &health)
	assert.Equal(t, "memory", health["storage"])
}

func TestClientsConvergeThroughServer(t *testing.T) {
	a := newApp(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := func(mode client.Mode) *client.Session {
		s, err := client.NewSession(a.server.URL, "shared1", client.WithAdapter(
			client.WithMode(mode),
			client.WithDebounceWindow(10*time.Millisecond),
		))
		require.NoError(t, err)
		go func() { _ = s.Run(ctx) }()
		return s
	}
	alice := start(client.ModeImmediate)
	bob := start(client.ModeDebounced)

	// A session-data reply means the server has added the client to the room.
	require.Eventually(t, func() bool {
		return alice.Adapter().Version() >= 1 && bob.Adapter().Version() >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Adapter().AddNode(models.Node{ID: "n1", X: 10, Y: 10}))
	require.Eventually(t, func() bool { return len(bob.Adapter().Board().Nodes) == 1 }, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, bob.Adapter().MoveNode("n1", float64(100+i), 20))
	}
	require.Eventually(t, func() bool {
		nodes := alice.Adapter().Board().Nodes
		return len(nodes) == 1 && nodes[0].X == 104
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Adapter().DeleteNode("n1"))
	require.Eventually(t, func() bool { return len(bob.Adapter().Board().Nodes) == 0 }, 5*time.Second, 10*time.Millisecond)

	snap, err := a.reg.Snapshot(context.Background(), "shared1")
	require.NoError(t, err)
	assert.Empty(t, snap.Board.Nodes)
	assert.Equal(t, snap.Version, alice.Adapter().Version())
}
