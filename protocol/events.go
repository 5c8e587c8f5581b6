// Package protocol defines the realtime wire format and applies inbound events
// to sessions.
//
// Every frame is a JSON Envelope. Mutating events are applied through the
// registry and fanned out to the session's room according to the scope table:
// additive and editing events skip the sender, which already applied them
// locally, while deletions and wholesale replacements reach everyone.
package protocol

import (
	"encoding/json"

	"github.com/andrewpaige1/ideaflow-api/models"
	"github.com/andrewpaige1/ideaflow-api/store"
	"github.com/pkg/errors"
)

// EventType names a wire event.
type EventType string

const (
	EventCreateSession  EventType = "createSession"
	EventSessionCreated EventType = "session-created"
	EventJoinSession    EventType = "join-session"
	EventLeaveSession   EventType = "leave-session"
	EventSessionData    EventType = "session-data"
	EventSessionDeleted EventType = "session-deleted"

	EventAddNode          EventType = "addNode"
	EventUpdateNode       EventType = "updateNode"
	EventDeleteNode       EventType = "deleteNode"
	EventAddConnection    EventType = "addConnection"
	EventDeleteConnection EventType = "deleteConnection"
	EventAddLabel         EventType = "addLabel"
	EventUpdateLabel      EventType = "updateLabel"
	EventDeleteLabel      EventType = "deleteLabel"
	EventUpdateBoard      EventType = "update-board"
	EventBoardUpdated     EventType = "board-updated"

	// Older clients send these names.
	EventJoin         EventType = "join"
	EventBoardLoad    EventType = "board_load"
	EventReplaceBoard EventType = "replaceBoard"
)

var aliases = map[EventType]EventType{
	EventJoin:         EventJoinSession,
	EventBoardLoad:    EventSessionData,
	EventReplaceBoard: EventUpdateBoard,
}

// Canonical maps alias event names to their current name.
func Canonical(t EventType) EventType {
	if c, ok := aliases[t]; ok {
		return c
	}
	return t
}

// Scope says which members of a room receive a broadcast.
type Scope string

const (
	// ScopeSenderExcluded delivers to every member except the originator.
	ScopeSenderExcluded Scope = "sender-excluded"
	// ScopeAllInclusive delivers to every member, the originator included.
	ScopeAllInclusive Scope = "all-inclusive"
)

var fanOut = map[EventType]Scope{
	EventAddNode:          ScopeSenderExcluded,
	EventUpdateNode:       ScopeSenderExcluded,
	EventDeleteNode:       ScopeAllInclusive,
	EventAddConnection:    ScopeSenderExcluded,
	EventDeleteConnection: ScopeAllInclusive,
	EventAddLabel:         ScopeSenderExcluded,
	EventUpdateLabel:      ScopeSenderExcluded,
	EventDeleteLabel:      ScopeSenderExcluded,
	EventUpdateBoard:      ScopeAllInclusive,
	EventBoardUpdated:     ScopeAllInclusive,
	EventSessionDeleted:   ScopeAllInclusive,
}

// ScopeOf returns the fan-out scope of a mutating event.
func ScopeOf(t EventType) (Scope, bool) {
	s, ok := fanOut[Canonical(t)]
	return s, ok
}

// Envelope is one wire frame.
type Envelope struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Version   uint64          `json:"version,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload as the envelope's data.
func NewEnvelope(t EventType, sessionID string, version uint64, payload interface{}) (Envelope, error) {
	env := Envelope{Type: t, SessionID: sessionID, Version: version}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "encode %s payload failed", t)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope's data into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return errors.Wrapf(ErrMalformedPayload, "%s has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.Wrapf(ErrMalformedPayload, "%s: %v", e.Type, err)
	}
	return nil
}

// NodePayload carries addNode and updateNode.
type NodePayload struct {
	Node models.Node `json:"node"`
}

// DeleteNodePayload carries deleteNode.
type DeleteNodePayload struct {
	NodeID string `json:"nodeId" validate:"required"`
}

// ConnectionPayload carries addConnection.
type ConnectionPayload struct {
	Connection models.Connection `json:"connection"`
}

// EdgePayload carries deleteConnection.
type EdgePayload struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to" validate:"required"`
}

// LabelPayload carries addLabel and updateLabel.
type LabelPayload struct {
	ConnectionID string       `json:"connectionId" validate:"required"`
	Label        models.Label `json:"label"`
}

// DeleteLabelPayload carries deleteLabel.
type DeleteLabelPayload struct {
	ConnectionID string `json:"connectionId" validate:"required"`
	LabelID      string `json:"labelId" validate:"required"`
}

// SessionCreatedPayload answers createSession.
type SessionCreatedPayload struct {
	SessionID string `json:"sessionId"`
}

// SessionData is the snapshot delivered on join. A tentative snapshot is an
// empty stand-in sent while session storage is unreachable; clients should not
// apply it and should join again later.
type SessionData struct {
	models.Board
	Storage   store.Mode `json:"storage"`
	Exists    bool       `json:"exists"`
	Tentative bool       `json:"tentative,omitempty"`
}
