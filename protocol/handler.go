package protocol

import (
	"context"

	"github.com/andrewpaige1/ideaflow-api/metrics"
	"github.com/andrewpaige1/ideaflow-api/models"
	"github.com/andrewpaige1/ideaflow-api/registry"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Subscriber is one connected client.
type Subscriber interface {
	ID() string
	Send(Envelope) error
}

// Rooms groups subscribers by session id.
type Rooms interface {
	Join(sessionID string, s Subscriber)
	Leave(sessionID string, s Subscriber)
	LeaveAll(s Subscriber)
	// Close removes every member from the room.
	Close(sessionID string)
	// Broadcast delivers env to every member of the room except except, which may be nil.
	Broadcast(sessionID string, env Envelope, except Subscriber)
}

// Drop reasons reported to metrics.
const (
	reasonMalformed      = "malformed"
	reasonUnknownEvent   = "unknown-event"
	reasonUnknownSession = "unknown-session"
	reasonUnavailable    = "storage-unavailable"
	reasonInvalidSession = "invalid-session-id"
	reasonDuplicate      = "duplicate"
	reasonDuplicateID    = "duplicate-id"
	reasonDangling       = "dangling"
	reasonSelfLoop       = "self-loop"
	reasonNoChange       = "no-change"
	reasonInternal       = "internal"
)

// Handler applies inbound envelopes to the registry and fans results out to rooms.
type Handler struct {
	registry *registry.Registry
	rooms    Rooms
	validate *validator.Validate
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// HandlerCfg configures a Handler.
type HandlerCfg func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) HandlerCfg {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) HandlerCfg {
	return func(h *Handler) {
		h.metrics = m
	}
}

// NewHandler creates a Handler.
func NewHandler(reg *registry.Registry, rooms Rooms, cfgs ...HandlerCfg) *Handler {
	h := &Handler{
		registry: reg,
		rooms:    rooms,
		validate: validator.New(),
		logger:   zap.NewNop(),
	}
	for _, cfg := range cfgs {
		cfg(h)
	}
	return h
}

// Handle applies one inbound envelope. Failures are logged and counted, never sent back.
func (h *Handler) Handle(ctx context.Context, from Subscriber, env Envelope) {
	t := Canonical(env.Type)
	var err error
	switch t {
	case EventCreateSession:
		err = h.createSession(ctx, from)
	case EventJoinSession:
		err = h.join(ctx, from, env)
	case EventLeaveSession:
		h.rooms.Leave(env.SessionID, from)
	case EventAddNode:
		err = h.addNode(ctx, from, env)
	case EventUpdateNode:
		err = h.updateNode(ctx, from, env)
	case EventDeleteNode:
		err = h.deleteNode(ctx, from, env)
	case EventAddConnection:
		err = h.addConnection(ctx, from, env)
	case EventDeleteConnection:
		err = h.deleteConnection(ctx, from, env)
	case EventAddLabel:
		err = h.addLabel(ctx, from, env)
	case EventUpdateLabel:
		err = h.updateLabel(ctx, from, env)
	case EventDeleteLabel:
		err = h.deleteLabel(ctx, from, env)
	case EventUpdateBoard:
		err = h.updateBoard(ctx, from, env)
	default:
		h.drop(from, env, reasonUnknownEvent, nil)
		return
	}
	if err != nil {
		h.drop(from, env, dropReason(err), err)
		return
	}
	h.metrics.EventHandled(string(t))
}

// Disconnect removes the subscriber from every room.
func (h *Handler) Disconnect(from Subscriber) {
	h.rooms.LeaveAll(from)
}

// Persist replaces a session's board from outside the realtime channel and
// tells the room so live subscribers converge on it.
func (h *Handler) Persist(ctx context.Context, sessionID string, board models.Board) (models.Snapshot, error) {
	return h.registry.Put(ctx, sessionID, board, func(snap models.Snapshot) {
		h.broadcast(snap.SessionID, EventBoardUpdated, snap.Version, snap.Board, nil)
	})
}

// Remove deletes a session and tells its room, then empties the room.
func (h *Handler) Remove(ctx context.Context, sessionID string) error {
	return h.registry.Delete(ctx, sessionID, func() {
		h.broadcast(sessionID, EventSessionDeleted, 0, nil, nil)
		h.rooms.Close(sessionID)
	})
}

func (h *Handler) createSession(ctx context.Context, from Subscriber) error {
	id, err := h.registry.Create(ctx)
	if err != nil {
		return err
	}
	_, err = h.registry.Join(ctx, id, func(snap models.Snapshot) {
		h.rooms.Join(id, from)
		h.send(from, EventSessionCreated, id, snap.Version, SessionCreatedPayload{SessionID: id})
		h.send(from, EventSessionData, id, snap.Version, h.sessionData(snap, true))
	})
	return err
}

// join adds the subscriber to the room and replies with the snapshot while the
// session lock is held, so no broadcast for a later version can overtake the reply.
func (h *Handler) join(ctx context.Context, from Subscriber, env Envelope) error {
	reply := EventSessionData
	if env.Type == EventJoin {
		reply = EventBoardLoad
	}
	_, err := h.registry.Join(ctx, env.SessionID, func(snap models.Snapshot) {
		h.rooms.Join(env.SessionID, from)
		h.send(from, reply, env.SessionID, snap.Version, h.sessionData(snap, true))
	})
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		h.logger.Info("join of unknown session",
			zap.String("sessionId", env.SessionID),
			zap.String("connectionId", from.ID()),
		)
		empty := models.Snapshot{SessionID: env.SessionID, Board: models.EmptyBoard()}
		h.send(from, reply, env.SessionID, 0, h.sessionData(empty, false))
		return nil
	case errors.Is(err, registry.ErrSessionUnavailable):
		empty := models.Snapshot{SessionID: env.SessionID, Board: models.EmptyBoard()}
		data := h.sessionData(empty, false)
		data.Tentative = true
		h.send(from, reply, env.SessionID, 0, data)
		return err
	}
	return err
}

func (h *Handler) addNode(ctx context.Context, from Subscriber, env Envelope) error {
	var p NodePayload
	if err := h.decode(env, &p); err != nil {
		return err
	}
	var stored models.Node
	return h.update(ctx, from, env, func(b models.Board) (models.Board, bool) {
		stored = p.Node.WithDefaults()
		return b.AddNode(p.Node)
	}, func() interface{} { return NodePayload{Node: stored} })
}

func (h *Handler) updateNode(ctx context.Context, from Subscriber, env Envelope) error {
	var p NodePayload
	if err := h.decode(env, &p); err != nil {
		return err
	}
	return h.update(ctx, from, env, func(b models.Board) (models.Board, bool) {
		return b.UpdateNode(p.Node)
	}, func() interface{} { return NodePayload{Node: p.Node.WithDefaults()} })
}

func (h *Handler) deleteNode(ctx context.Context, from Subscriber, env Envelope) error {
	var p DeleteNodePayload
	if err := h.decode(env, &p); err != nil {
		return err
	}
	return h.update(ctx, from, env, func(b models.Board) (models.Board, bool) {
		return b.DeleteNode(p.NodeID)
	}, func() interface{} { return p })
}

func (h *Handler) addConnection(ctx context.Context, from Subscriber, env Envelope) error {
	var p ConnectionPayload
	if err := h.decode(env, &p); err != nil {
		return err
	}
	var (
		added  models.Connection
		addErr error
	)
	err := h.update(ctx, from, env, func(b models.Board) (models.Board, bool) {
		out, c, err := b.AddConnection(p.Connection)
		addErr = err
		if err != nil {
			return b, false
		}
		added = c
		return out, true
	}, func() interface{} { return ConnectionPayload{Connection: added} })
	if addErr != nil {
		return addErr
	}
	return err
}

func (h *Handler) deleteConnection(ctx context.Context, from Subscriber, env Envelope) error {
	var p EdgePayload
	if err := h.decode(env, &p); err != nil {
		return err
	}
	return h.update(ctx, from, env, func(b models.Board) (models.Board, bool) {
		return b.DeleteConnection(p.From, p.To)
	}, func() interface{} { return p })
}

func (h *Handler) addLabel(ctx context.Context, from Subscriber, env Envelope) error {
	var p LabelPayload
	if err := h.decode(env, &p); err != nil {
		return err
	}
	return h.update(ctx, from, env, func(b models.Board) (models.Board, bool) {
		out, l, ok := b.AddLabel(p.ConnectionID, p.Label)
		p.Label = l
		return out, ok
	}, func() interface{} { return p })
}

func (h *Handler) updateLabel(ctx context.Context, from Subscriber, env Envelope) error {
	var p LabelPayload
	if err := h.decode(env, &p); err != nil {
		return err
	}
	if p.Label.ID == "" {
		return errors.Wrap(ErrMalformedPayload, "updateLabel without label id")
	}
	return h.update(ctx, from, env, func(b models.Board) (models.Board, bool) {
		return b.UpdateLabel(p.ConnectionID, p.Label)
	}, func() interface{} { return p })
}

func (h *Handler) deleteLabel(ctx context.Context, from Subscriber, env Envelope) error {
	var p DeleteLabelPayload
	if err := h.decode(env, &p); err != nil {
		return err
	}
	return h.update(ctx, from, env, func(b models.Board) (models.Board, bool) {
		return b.DeleteLabel(p.ConnectionID, p.LabelID)
	}, func() interface{} { return p })
}

func (h *Handler) updateBoard(ctx context.Context, from Subscriber, env Envelope) error {
	var p models.Board
	if err := h.decode(env, &p); err != nil {
		return err
	}
	var stored models.Board
	return h.update(ctx, from, env, func(models.Board) (models.Board, bool) {
		out, dropped := p.Normalize()
		if dropped > 0 {
			h.logger.Info("dropped invalid board entries",
				zap.String("sessionId", env.SessionID),
				zap.Int("dropped", dropped),
			)
		}
		stored = out
		return out, true
	}, func() interface{} { return stored })
}

// update runs mutate under the session lock and broadcasts the payload built by
// outbound with the event's fan-out scope once the new snapshot is saved.
func (h *Handler) update(ctx context.Context, from Subscriber, env Envelope, mutate registry.Mutation, outbound func() interface{}) error {
	t := Canonical(env.Type)
	reply := t
	if t == EventUpdateBoard {
		reply = EventBoardUpdated
	}
	scope := fanOut[t]
	_, err := h.registry.Update(ctx, env.SessionID, mutate, func(snap models.Snapshot) {
		var except Subscriber
		if scope == ScopeSenderExcluded {
			except = from
		}
		h.broadcast(snap.SessionID, reply, snap.Version, outbound(), except)
	})
	return err
}

func (h *Handler) broadcast(sessionID string, t EventType, version uint64, payload interface{}, except Subscriber) {
	env, err := NewEnvelope(t, sessionID, version, payload)
	if err != nil {
		h.logger.Error("encode broadcast failed", zap.String("event", string(t)), zap.Error(err))
		return
	}
	h.rooms.Broadcast(sessionID, env, except)
	scope := ScopeAllInclusive
	if except != nil {
		scope = ScopeSenderExcluded
	}
	h.metrics.Broadcast(string(scope))
}

func (h *Handler) send(to Subscriber, t EventType, sessionID string, version uint64, payload interface{}) {
	env, err := NewEnvelope(t, sessionID, version, payload)
	if err != nil {
		h.logger.Error("encode reply failed", zap.String("event", string(t)), zap.Error(err))
		return
	}
	if err := to.Send(env); err != nil {
		h.logger.Debug("reply not delivered",
			zap.String("connectionId", to.ID()),
			zap.String("event", string(t)),
			zap.Error(err),
		)
	}
}

func (h *Handler) sessionData(snap models.Snapshot, exists bool) SessionData {
	return SessionData{
		Board:   snap.Board,
		Storage: h.registry.Mode(),
		Exists:  exists,
	}
}

func (h *Handler) decode(env Envelope, v interface{}) error {
	if err := env.Decode(v); err != nil {
		return err
	}
	if err := h.validate.Struct(v); err != nil {
		return errors.Wrapf(ErrMalformedPayload, "%s: %v", env.Type, err)
	}
	return nil
}

func (h *Handler) drop(from Subscriber, env Envelope, reason string, err error) {
	fields := []zap.Field{
		zap.String("event", string(env.Type)),
		zap.String("sessionId", env.SessionID),
		zap.String("connectionId", from.ID()),
		zap.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if reason == reasonInternal {
		h.logger.Error("event dropped", fields...)
	} else {
		h.logger.Info("event dropped", fields...)
	}
	h.metrics.EventDropped(string(env.Type), reason)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedPayload):
		return reasonMalformed
	case errors.Is(err, registry.ErrSessionNotFound):
		return reasonUnknownSession
	case errors.Is(err, registry.ErrSessionUnavailable):
		return reasonUnavailable
	case errors.Is(err, registry.ErrInvalidSessionID):
		return reasonInvalidSession
	case errors.Is(err, registry.ErrNoChange):
		return reasonNoChange
	case errors.Is(err, models.ErrDuplicateConnection):
		return reasonDuplicate
	case errors.Is(err, models.ErrDuplicateConnectionID):
		return reasonDuplicateID
	case errors.Is(err, models.ErrDanglingConnection):
		return reasonDangling
	case errors.Is(err, models.ErrSelfConnection):
		return reasonSelfLoop
	}
	return reasonInternal
}
