// Package transport carries protocol envelopes over websockets.
package transport

import (
	"sync"

	"github.com/andrewpaige1/ideaflow-api/protocol"
	"go.uber.org/zap"
)

// Hub keeps the members of each session room.
type Hub struct {
	rooms  map[string]map[protocol.Subscriber]struct{}
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:  make(map[string]map[protocol.Subscriber]struct{}),
		logger: logger,
	}
}

func (h *Hub) Join(sessionID string, s protocol.Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[sessionID]
	if !ok {
		members = make(map[protocol.Subscriber]struct{})
		h.rooms[sessionID] = members
	}
	members[s] = struct{}{}
	h.logger.Debug("joined room",
		zap.String("sessionId", sessionID),
		zap.String("connectionId", s.ID()),
		zap.Int("members", len(members)),
	)
}

func (h *Hub) Leave(sessionID string, s protocol.Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(sessionID, s)
}

func (h *Hub) LeaveAll(s protocol.Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sessionID := range h.rooms {
		h.leave(sessionID, s)
	}
}

func (h *Hub) Close(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := len(h.rooms[sessionID])
	delete(h.rooms, sessionID)
	h.logger.Debug("closed room",
		zap.String("sessionId", sessionID),
		zap.Int("members", members),
	)
}

func (h *Hub) leave(sessionID string, s protocol.Subscriber) {
	members, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	if _, ok := members[s]; !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(h.rooms, sessionID)
	}
	h.logger.Debug("left room",
		zap.String("sessionId", sessionID),
		zap.String("connectionId", s.ID()),
	)
}

// Broadcast sends env to every member of the room other than except.
// Delivery failures only affect the failing member.
func (h *Hub) Broadcast(sessionID string, env protocol.Envelope, except protocol.Subscriber) {
	h.mu.RLock()
	targets := make([]protocol.Subscriber, 0, len(h.rooms[sessionID]))
	for s := range h.rooms[sessionID] {
		if s != except {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(env); err != nil {
			h.logger.Warn("broadcast delivery failed",
				zap.String("sessionId", sessionID),
				zap.String("connectionId", s.ID()),
				zap.String("event", string(env.Type)),
				zap.Error(err),
			)
		}
	}
}

// RoomSize returns the number of members in the room.
func (h *Hub) RoomSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// RoomCount returns the number of non-empty rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
