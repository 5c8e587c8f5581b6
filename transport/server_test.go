package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andrewpaige1/ideaflow-api/metrics"
	"github.com/andrewpaige1/ideaflow-api/models"
	"github.com/andrewpaige1/ideaflow-api/protocol"
	"github.com/andrewpaige1/ideaflow-api/registry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	url string
	hub *Hub
	reg *registry.Registry
	srv *Server
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	reg, err := registry.New()
	require.NoError(t, err)
	hub := NewHub(nil)
	m := metrics.NewCollector("test")
	handler := protocol.NewHandler(reg, hub, protocol.WithMetrics(m))
	srv := NewServer(handler, WithMetrics(m))
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return testServer{
		url: "ws" + strings.TrimPrefix(ts.URL, "http"),
		hub: hub,
		reg: reg,
		srv: srv,
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, et protocol.EventType, sessionID string, payload interface{}) {
	t.Helper()
	env, err := protocol.NewEnvelope(et, sessionID, 0, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))
}

func recv(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env protocol.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func TestTwoClientsConverge(t *testing.T) {
	s := newTestServer(t)
	a, b := dial(t, s.url), dial(t, s.url)

	send(t, a, protocol.EventJoinSession, "room1", nil)
	assert.Equal(t, protocol.EventSessionData, recv(t, a).Type)
	send(t, b, protocol.EventJoinSession, "room1", nil)
	assert.Equal(t, protocol.EventSessionData, recv(t, b).Type)

	send(t, a, protocol.EventAddNode, "room1", protocol.NodePayload{Node: models.Node{ID: "n1", X: 10, Y: 10}})
	got := recv(t, b)
	require.Equal(t, protocol.EventAddNode, got.Type)
	var p protocol.NodePayload
	require.NoError(t, got.Decode(&p))
	assert.Equal(t, "n1", p.Node.ID)

	// The next frame A sees is the all-inclusive delete, so no addNode echo was sent.
	send(t, b, protocol.EventDeleteNode, "room1", protocol.DeleteNodePayload{NodeID: "n1"})
	assert.Equal(t, protocol.EventDeleteNode, recv(t, a).Type)
	assert.Equal(t, protocol.EventDeleteNode, recv(t, b).Type)

	snap, err := s.reg.Snapshot(context.Background(), "room1")
	require.NoError(t, err)
	assert.Empty(t, snap.Board.Nodes)
	assert.Equal(t, uint64(3), snap.Version)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	s := newTestServer(t)
	a := dial(t, s.url)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("not json")))
	send(t, a, protocol.EventJoinSession, "room1", nil)
	assert.Equal(t, protocol.EventSessionData, recv(t, a).Type)
}

func TestDisconnectLeavesRoom(t *testing.T) {
	s := newTestServer(t)
	a := dial(t, s.url)
	send(t, a, protocol.EventJoinSession, "room1", nil)
	recv(t, a)
	require.Equal(t, 1, s.hub.RoomSize("room1"))

	require.NoError(t, a.Close())
	assert.Eventually(t, func() bool {
		return s.hub.RoomSize("room1") == 0 && s.srv.ConnCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
