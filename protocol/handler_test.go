package protocol

import (
	"context"
	"sync"
	"testing"

	"github.com/andrewpaige1/ideaflow-api/metrics"
	"github.com/andrewpaige1/ideaflow-api/models"
	"github.com/andrewpaige1/ideaflow-api/registry"
	"github.com/andrewpaige1/ideaflow-api/store"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	id  string
	mu  sync.Mutex
	got []Envelope
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, env)
	return nil
}

func (r *recorder) take() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.got
	r.got = nil
	return out
}

type memRooms struct {
	mu    sync.Mutex
	rooms map[string]map[Subscriber]struct{}
}

func newMemRooms() *memRooms {
	return &memRooms{rooms: make(map[string]map[Subscriber]struct{})}
}

func (m *memRooms) Join(id string, s Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[id] == nil {
		m.rooms[id] = make(map[Subscriber]struct{})
	}
	m.rooms[id][s] = struct{}{}
}

func (m *memRooms) Leave(id string, s Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms[id], s)
}

func (m *memRooms) LeaveAll(s Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, members := range m.rooms {
		delete(members, s)
	}
}

func (m *memRooms) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, id)
}

func (m *memRooms) Broadcast(id string, env Envelope, except Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.rooms[id] {
		if s != except {
			_ = s.Send(env)
		}
	}
}

type fixture struct {
	handler *Handler
	rooms   *memRooms
	reg     *registry.Registry
}

func newFixture(t *testing.T, cfgs ...registry.Cfg) fixture {
	t.Helper()
	reg, err := registry.New(cfgs...)
	require.NoError(t, err)
	rooms := newMemRooms()
	return fixture{
		handler: NewHandler(reg, rooms, WithMetrics(metrics.NewCollector("test"))),
		rooms:   rooms,
		reg:     reg,
	}
}

func envelope(t *testing.T, et EventType, sessionID string, payload interface{}) Envelope {
	t.Helper()
	env, err := NewEnvelope(et, sessionID, 0, payload)
	require.NoError(t, err)
	return env
}

func (f fixture) joined(t *testing.T, sessionID string, subs ...*recorder) {
	t.Helper()
	for _, s := range subs {
		f.handler.Handle(context.Background(), s, envelope(t, EventJoinSession, sessionID, nil))
		got := s.take()
		require.Len(t, got, 1)
		require.Equal(t, EventSessionData, got[0].Type)
	}
}

func TestAddNodeIsSenderExcluded(t *testing.T) {
	f := newFixture(t)
	a, b := &recorder{id: "a"}, &recorder{id: "b"}
	f.joined(t, "room1", a, b)

	f.handler.Handle(context.Background(), a, envelope(t, EventAddNode, "room1", NodePayload{Node: models.Node{ID: "n1", X: 10, Y: 10}}))

	assert.Empty(t, a.take(), "sender must not receive its own echo")
	got := b.take()
	require.Len(t, got, 1)
	assert.Equal(t, EventAddNode, got[0].Type)
	assert.Equal(t, uint64(2), got[0].Version)
	var p NodePayload
	require.NoError(t, got[0].Decode(&p))
	assert.Equal(t, "n1", p.Node.ID)
	assert.Equal(t, models.DefaultColor, p.Node.Color)

	snap, err := f.reg.Snapshot(context.Background(), "room1")
	require.NoError(t, err)
	require.Len(t, snap.Board.Nodes, 1)
	assert.Equal(t, "n1", snap.Board.Nodes[0].ID)
}

func TestDeleteNodeIsAllInclusive(t *testing.T) {
	f := newFixture(t)
	a, b := &recorder{id: "a"}, &recorder{id: "b"}
	f.joined(t, "room1", a, b)
	ctx := context.Background()

	f.handler.Handle(ctx, a, envelope(t, EventAddNode, "room1", NodePayload{Node: models.Node{ID: "n1", X: 10, Y: 10}}))
	f.handler.Handle(ctx, a, envelope(t, EventAddNode, "room1", NodePayload{Node: models.Node{ID: "n2", X: 50, Y: 50}}))
	f.handler.Handle(ctx, a, envelope(t, EventAddConnection, "room1", ConnectionPayload{Connection: models.Connection{From: "n1", To: "n2"}}))
	a.take()
	b.take()

	f.handler.Handle(ctx, a, envelope(t, EventDeleteNode, "room1", DeleteNodePayload{NodeID: "n1"}))

	for _, s := range []*recorder{a, b} {
		got := s.take()
		require.Len(t, got, 1, s.id)
		assert.Equal(t, EventDeleteNode, got[0].Type)
		assert.Equal(t, uint64(5), got[0].Version)
	}
	snap, err := f.reg.Snapshot(ctx, "room1")
	require.NoError(t, err)
	require.Len(t, snap.Board.Nodes, 1)
	assert.Equal(t, "n2", snap.Board.Nodes[0].ID)
	assert.Empty(t, snap.Board.Connections)
}

func TestDuplicateConnectionIsDroppedSilently(t *testing.T) {
	f := newFixture(t)
	a, b := &recorder{id: "a"}, &recorder{id: "b"}
	f.joined(t, "room1", a, b)
	ctx := context.Background()

	f.handler.Handle(ctx, a, envelope(t, EventAddNode, "room1", NodePayload{Node: models.Node{ID: "x"}}))
	f.handler.Handle(ctx, a, envelope(t, EventAddNode, "room1", NodePayload{Node: models.Node{ID: "y"}}))
	f.handler.Handle(ctx, a, envelope(t, EventAddConnection, "room1", ConnectionPayload{Connection: models.Connection{From: "x", To: "y"}}))
	got := b.take()
	require.Len(t, got, 3)
	var added ConnectionPayload
	require.NoError(t, got[2].Decode(&added))
	assert.NotEmpty(t, added.Connection.ID)

	f.handler.Handle(ctx, b, envelope(t, EventAddConnection, "room1", ConnectionPayload{Connection: models.Connection{From: "y", To: "x"}}))

	assert.Empty(t, a.take())
	assert.Empty(t, b.take())
	snap, err := f.reg.Snapshot(ctx, "room1")
	require.NoError(t, err)
	assert.Len(t, snap.Board.Connections, 1)
	assert.Equal(t, uint64(4), snap.Version)
}

func TestDeleteConnectionIsAllInclusive(t *testing.T) {
	f := newFixture(t)
	a, b := &recorder{id: "a"}, &recorder{id: "b"}
	f.joined(t, "room1", a, b)
	ctx := context.Background()

	f.handler.Handle(ctx, a, envelope(t, EventAddNode, "room1", NodePayload{Node: models.Node{ID: "x"}}))
	f.handler.Handle(ctx, a, envelope(t, EventAddNode, "room1", NodePayload{Node: models.Node{ID: "y"}}))
	f.handler.Handle(ctx, a, envelope(t, EventAddConnection, "room1", ConnectionPayload{Connection: models.Connection{From: "x", To: "y"}}))
	a.take()
	b.take()

	f.handler.Handle(ctx, b, envelope(t, EventDeleteConnection, "room1", EdgePayload{From: "y", To: "x"}))
	assert.Len(t, a.take(), 1)
	assert.Len(t, b.take(), 1)
}

func TestUnknownSessionIsDropped(t *testing.T) {
	f := newFixture(t)
	a := &recorder{id: "a"}

	f.handler.Handle(context.Background(), a, envelope(t, EventAddNode, "nowhere", NodePayload{Node: models.Node{ID: "n1"}}))

	assert.Empty(t, a.take())
	ok, err := f.reg.Exists(context.Background(), "nowhere")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMalformedAndUnknownEventsAreDropped(t *testing.T) {
	f := newFixture(t)
	a, b := &recorder{id: "a"}, &recorder{id: "b"}
	f.joined(t, "room1", a, b)
	ctx := context.Background()

	f.handler.Handle(ctx, a, Envelope{Type: EventAddNode, SessionID: "room1", Data: []byte(`{"node":`)})
	f.handler.Handle(ctx, a, envelope(t, EventAddNode, "room1", NodePayload{Node: models.Node{X: 1}}))
	f.handler.Handle(ctx, a, envelope(t, EventAddNode, "room1", NodePayload{Node: models.Node{ID: "n1", NodeStyle: models.NodeStyle{Shape: "blob"}}}))
	f.handler.Handle(ctx, a, Envelope{Type: "launchRocket", SessionID: "room1"})

	assert.Empty(t, a.take())
	assert.Empty(t, b.take())
	snap, err := f.reg.Snapshot(ctx, "room1")
	require.NoError(t, err)
	assert.Empty(t, snap.Board.Nodes)
}

func TestJoinUnknownSessionAutoCreates(t *testing.T) {
	f := newFixture(t)
	a := &recorder{id: "a"}
	ctx := context.Background()

	f.handler.Handle(ctx, a, envelope(t, EventJoin, "fresh1", nil))
	got := a.take()
	require.Len(t, got, 1)
	assert.Equal(t, EventBoardLoad, got[0].Type)
	var data SessionData
	require.NoError(t, got[0].Decode(&data))
	assert.True(t, data.Exists)
	assert.Empty(t, data.Nodes)
	assert.Equal(t, store.ModeMemory, data.Storage)

	f.handler.Handle(ctx, a, envelope(t, EventAddNode, "fresh1", NodePayload{Node: models.Node{ID: "n1"}}))
	snap, err := f.reg.Snapshot(ctx, "fresh1")
	require.NoError(t, err)
	assert.Len(t, snap.Board.Nodes, 1)
}

func TestJoinUnknownSessionStrict(t *testing.T) {
	f := newFixture(t, registry.WithPolicy(registry.PolicyStrict))
	a := &recorder{id: "a"}
	ctx := context.Background()

	f.handler.Handle(ctx, a, envelope(t, EventJoinSession, "fresh1", nil))
	got := a.take()
	require.Len(t, got, 1)
	var data SessionData
	require.NoError(t, got[0].Decode(&data))
	assert.False(t, data.Exists)
	assert.Empty(t, data.Nodes)
	assert.Equal(t, uint64(0), got[0].Version)

	f.handler.Handle(ctx, a, envelope(t, EventAddNode, "fresh1", NodePayload{Node: models.Node{ID: "n1"}}))
	ok, err := f.reg.Exists(ctx, "fresh1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateSessionRepliesWithIDAndSnapshot(t *testing.T) {
	f := newFixture(t, registry.WithPolicy(registry.PolicyStrict))
	a := &recorder{id: "a"}

	f.handler.Handle(context.Background(), a, Envelope{Type: EventCreateSession})
	got := a.take()
	require.Len(t, got, 2)
	assert.Equal(t, EventSessionCreated, got[0].Type)
	var created SessionCreatedPayload
	require.NoError(t, got[0].Decode(&created))
	assert.Len(t, created.SessionID, registry.DefaultIDLength)
	assert.Equal(t, EventSessionData, got[1].Type)
	assert.Equal(t, uint64(1), got[1].Version)

	b := &recorder{id: "b"}
	f.joined(t, created.SessionID, b)
	f.handler.Handle(context.Background(), b, envelope(t, EventAddNode, created.SessionID, NodePayload{Node: models.Node{ID: "n1"}}))
	assert.Len(t, a.take(), 1, "creator is in the room")
}

func TestReplaceBoardIsAllInclusive(t *testing.T) {
	f := newFixture(t)
	a, b := &recorder{id: "a"}, &recorder{id: "b"}
	f.joined(t, "room1", a, b)

	board := models.Board{
		Nodes:       []models.Node{{ID: "p", X: 1}, {ID: "q", X: 2}},
		Connections: []models.Connection{{ID: "c", From: "p", To: "q"}, {From: "p", To: "gone"}},
	}
	f.handler.Handle(context.Background(), a, envelope(t, EventReplaceBoard, "room1", board))

	for _, s := range []*recorder{a, b} {
		got := s.take()
		require.Len(t, got, 1, s.id)
		assert.Equal(t, EventBoardUpdated, got[0].Type)
		var out models.Board
		require.NoError(t, got[0].Decode(&out))
		assert.Len(t, out.Nodes, 2)
		assert.Len(t, out.Connections, 1)
	}
}

func TestLabelEvents(t *testing.T) {
	f := newFixture(t)
	a, b := &recorder{id: "a"}, &recorder{id: "b"}
	f.joined(t, "room1", a, b)
	ctx := context.Background()

	f.handler.Handle(ctx, a, envelope(t, EventAddNode, "room1", NodePayload{Node: models.Node{ID: "x"}}))
	f.handler.Handle(ctx, a, envelope(t, EventAddNode, "room1", NodePayload{Node: models.Node{ID: "y"}}))
	f.handler.Handle(ctx, a, envelope(t, EventAddConnection, "room1", ConnectionPayload{Connection: models.Connection{ID: "c1", From: "x", To: "y"}}))
	b.take()

	f.handler.Handle(ctx, a, envelope(t, EventAddLabel, "room1", LabelPayload{ConnectionID: "c1", Label: models.Label{Text: "causes"}}))
	got := b.take()
	require.Len(t, got, 1)
	var added LabelPayload
	require.NoError(t, got[0].Decode(&added))
	require.NotEmpty(t, added.Label.ID)

	added.Label.OffsetX = 20
	f.handler.Handle(ctx, a, envelope(t, EventUpdateLabel, "room1", added))
	f.handler.Handle(ctx, a, envelope(t, EventDeleteLabel, "room1", DeleteLabelPayload{ConnectionID: "c1", LabelID: added.Label.ID}))
	assert.Len(t, b.take(), 2)
	assert.Empty(t, a.take())

	snap, err := f.reg.Snapshot(ctx, "room1")
	require.NoError(t, err)
	require.Len(t, snap.Board.Connections, 1)
	assert.Empty(t, snap.Board.Connections[0].Labels)
}

func TestPersistBroadcastsToRoom(t *testing.T) {
	f := newFixture(t)
	a := &recorder{id: "a"}
	f.joined(t, "room1", a)

	snap, err := f.handler.Persist(context.Background(), "room1", models.Board{Nodes: []models.Node{{ID: "n1"}}})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Version)

	got := a.take()
	require.Len(t, got, 1)
	assert.Equal(t, EventBoardUpdated, got[0].Type)
	assert.Equal(t, snap.Version, got[0].Version)
}

func TestDisconnectLeavesRooms(t *testing.T) {
	f := newFixture(t)
	a, b := &recorder{id: "a"}, &recorder{id: "b"}
	f.joined(t, "room1", a, b)
	f.handler.Disconnect(b)

	f.handler.Handle(context.Background(), a, envelope(t, EventDeleteNode, "room1", DeleteNodePayload{NodeID: "missing"}))
	f.handler.Handle(context.Background(), a, envelope(t, EventAddNode, "room1", NodePayload{Node: models.Node{ID: "n1"}}))
	assert.Empty(t, b.take())
}

func TestRemoveNotifiesAndClosesRoom(t *testing.T) {
	f := newFixture(t)
	a, b := &recorder{id: "a"}, &recorder{id: "b"}
	f.joined(t, "room1", a, b)

	require.NoError(t, f.handler.Remove(context.Background(), "room1"))
	for _, r := range []*recorder{a, b} {
		got := r.take()
		require.Len(t, got, 1)
		assert.Equal(t, EventSessionDeleted, got[0].Type)
		assert.Equal(t, "room1", got[0].SessionID)
	}
	assert.Empty(t, f.rooms.rooms["room1"])

	ok, err := f.reg.Exists(context.Background(), "room1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConnectionIDCollisionIsDropped(t *testing.T) {
	f := newFixture(t)
	a, b := &recorder{id: "a"}, &recorder{id: "b"}
	f.joined(t, "room1", a, b)
	ctx := context.Background()
	for _, id := range []string{"n1", "n2", "n3"} {
		f.handler.Handle(ctx, a, envelope(t, EventAddNode, "room1", NodePayload{Node: models.Node{ID: id}}))
	}
	f.handler.Handle(ctx, a, envelope(t, EventAddConnection, "room1", ConnectionPayload{Connection: models.Connection{ID: "c1", From: "n1", To: "n2"}}))
	b.take()

	f.handler.Handle(ctx, a, envelope(t, EventAddConnection, "room1", ConnectionPayload{Connection: models.Connection{ID: "c1", From: "n2", To: "n3"}}))
	assert.Empty(t, b.take())
	snap, err := f.reg.Snapshot(ctx, "room1")
	require.NoError(t, err)
	assert.Len(t, snap.Board.Connections, 1)
}

type unreachableStore struct{}

var errUnreachable = errors.New("connection refused")

func (unreachableStore) Load(context.Context, string) (models.Snapshot, error) {
	return models.Snapshot{}, errUnreachable
}
func (unreachableStore) Save(context.Context, models.Snapshot) error { return errUnreachable }
func (unreachableStore) Delete(context.Context, string) error        { return errUnreachable }
func (unreachableStore) List(context.Context) ([]models.SessionSummary, error) {
	return nil, errUnreachable
}

func TestJoinDuringOutageIsTentative(t *testing.T) {
	f := newFixture(t, registry.WithStore(store.NewFallbackStore(unreachableStore{})))
	a, b := &recorder{id: "a"}, &recorder{id: "b"}
	ctx := context.Background()

	f.handler.Handle(ctx, a, envelope(t, EventJoinSession, "sess1", nil))
	got := a.take()
	require.Len(t, got, 1)
	assert.Equal(t, EventSessionData, got[0].Type)
	assert.Equal(t, uint64(0), got[0].Version)
	var data SessionData
	require.NoError(t, got[0].Decode(&data))
	assert.True(t, data.Tentative)
	assert.False(t, data.Exists)
	assert.Equal(t, store.ModeMemory, data.Storage)

	f.handler.Handle(ctx, b, envelope(t, EventJoinSession, "sess1", nil))
	b.take()
	f.handler.Handle(ctx, b, envelope(t, EventAddNode, "sess1", NodePayload{Node: models.Node{ID: "n1"}}))
	assert.Empty(t, a.take(), "a tentative join does not enter the room")
}

func TestScopeTable(t *testing.T) {
	for et, want := range map[EventType]Scope{
		EventAddNode:          ScopeSenderExcluded,
		EventUpdateNode:       ScopeSenderExcluded,
		EventAddConnection:    ScopeSenderExcluded,
		EventDeleteNode:       ScopeAllInclusive,
		EventDeleteConnection: ScopeAllInclusive,
		EventReplaceBoard:     ScopeAllInclusive,
	} {
		got, ok := ScopeOf(et)
		require.True(t, ok, et)
		assert.Equal(t, want, got, et)
	}
	_, ok := ScopeOf(EventJoinSession)
	assert.False(t, ok)
}
