package store

import (
	"context"
	"sort"
	"sync"

	"github.com/andrewpaige1/ideaflow-api/models"
)

// MemoryStore keeps snapshots in a map.
type MemoryStore struct {
	sessions map[string]models.Snapshot
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]models.Snapshot),
	}
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.sessions[sessionID]
	if !ok {
		return models.Snapshot{}, ErrSessionNotFound
	}
	snap.Board = snap.Board.Clone()
	return snap, nil
}

func (m *MemoryStore) Save(_ context.Context, snap models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.Board = snap.Board.Clone()
	m.sessions[snap.SessionID] = snap
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]models.SessionSummary, error) {
	m.mu.RLock()
	out := make([]models.SessionSummary, 0, len(m.sessions))
	for _, snap := range m.sessions {
		out = append(out, snap.Summary())
	}
	m.mu.RUnlock()
	SortSummaries(out)
	return out, nil
}

// Mode reports ModeMemory.
func (m *MemoryStore) Mode() Mode {
	return ModeMemory
}

// SortSummaries orders summaries by most recently updated first, then by id.
func SortSummaries(s []models.SessionSummary) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].UpdatedAt.Equal(s[j].UpdatedAt) {
			return s[i].UpdatedAt.After(s[j].UpdatedAt)
		}
		return s[i].SessionID < s[j].SessionID
	})
}
