package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/andrewpaige1/ideaflow-api/models"
	"github.com/andrewpaige1/ideaflow-api/protocol"
	"github.com/andrewpaige1/ideaflow-api/registry"
	"github.com/andrewpaige1/ideaflow-api/store"
	"github.com/andrewpaige1/ideaflow-api/utils"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// maxBoardBytes caps PUT bodies.
const maxBoardBytes = 8 << 20

// SessionHandler serves the REST side of board sessions.
type SessionHandler struct {
	Registry *registry.Registry
	Protocol *protocol.Handler
	Logger   *zap.Logger

	validate *validator.Validate
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(reg *registry.Registry, proto *protocol.Handler, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		Registry: reg,
		Protocol: proto,
		Logger:   logger,
		validate: validator.New(),
	}
}

// SnapshotResponse is a stored snapshot plus the storage mode it was served from.
type SnapshotResponse struct {
	models.Snapshot
	Storage store.Mode `json:"storage"`
}

// GET /api/sessions
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Registry.List(r.Context())
	if err != nil {
		h.Logger.Error("ListSessions: list failed", zap.Error(err))
		h.fail(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, sessions)
}

// POST /api/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.Registry.Create(r.Context())
	if err != nil {
		h.Logger.Error("CreateSession: create failed", zap.Error(err))
		h.fail(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, protocol.SessionCreatedPayload{SessionID: id})
}

// GET /api/sessions/{sessionID}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := utils.SessionID(r)
	if !ok {
		http.Error(w, "Invalid session id", http.StatusBadRequest)
		return
	}
	snap, err := h.Registry.Snapshot(r.Context(), sessionID)
	if err != nil {
		h.Logger.Warn("GetSession: snapshot failed", zap.String("sessionId", sessionID), zap.Error(err))
		h.fail(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, SnapshotResponse{Snapshot: snap, Storage: h.Registry.Mode()})
}

// PUT /api/sessions/{sessionID}
func (h *SessionHandler) PutSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := utils.SessionID(r)
	if !ok {
		http.Error(w, "Invalid session id", http.StatusBadRequest)
		return
	}

	var board models.Board
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBoardBytes)).Decode(&board); err != nil {
		h.Logger.Info("PutSession: invalid request body", zap.String("sessionId", sessionID), zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(board); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if board.Nodes == nil {
		board.Nodes = []models.Node{}
	}
	if board.Connections == nil {
		board.Connections = []models.Connection{}
	}

	snap, err := h.Protocol.Persist(r.Context(), sessionID, board)
	if err != nil {
		h.Logger.Error("PutSession: persist failed", zap.String("sessionId", sessionID), zap.Error(err))
		h.fail(w, err)
		return
	}
	h.Logger.Info("PutSession: stored snapshot",
		zap.String("sessionId", sessionID),
		zap.Uint64("version", snap.Version),
		zap.Int("nodes", len(snap.Board.Nodes)),
	)
	utils.WriteJSON(w, http.StatusOK, SnapshotResponse{Snapshot: snap, Storage: h.Registry.Mode()})
}

// DELETE /api/sessions/{sessionID}
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := utils.SessionID(r)
	if !ok {
		http.Error(w, "Invalid session id", http.StatusBadRequest)
		return
	}
	if err := h.Protocol.Remove(r.Context(), sessionID); err != nil {
		h.Logger.Error("DeleteSession: delete failed", zap.String("sessionId", sessionID), zap.Error(err))
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /healthz
func (h *SessionHandler) Health(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"storage": string(h.Registry.Mode()),
	})
}

func (h *SessionHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidSessionID):
		http.Error(w, "Invalid session id", http.StatusBadRequest)
	case errors.Is(err, store.ErrPersistenceUnavailable), errors.Is(err, registry.ErrSessionUnavailable):
		http.Error(w, "Session storage unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
