// Package store holds per-session board snapshots.
//
// A Store only reads and writes snapshots; ordering and versioning are the
// registry's job. MemoryStore keeps everything in process, GormStore writes
// to a relational table, and FallbackStore combines the two so a durable
// outage degrades to in-memory state instead of failing the session.
package store

import (
	"context"

	"github.com/andrewpaige1/ideaflow-api/models"
)

// Store persists session snapshots keyed by session id.
type Store interface {
	// Load returns the stored snapshot or ErrSessionNotFound.
	Load(ctx context.Context, sessionID string) (models.Snapshot, error)
	// Save upserts the snapshot.
	Save(ctx context.Context, snap models.Snapshot) error
	// Delete removes the snapshot. Deleting an absent session is not an error.
	Delete(ctx context.Context, sessionID string) error
	// List returns summaries ordered by most recently updated first.
	List(ctx context.Context) ([]models.SessionSummary, error)
}

// Mode names where writes currently land.
type Mode string

const (
	ModeMemory  Mode = "memory"
	ModeDurable Mode = "durable"
)

// ModeReporter is implemented by stores that can report their storage mode.
type ModeReporter interface {
	Mode() Mode
}

// ModeOf returns the storage mode of s, defaulting to memory.
func ModeOf(s Store) Mode {
	if r, ok := s.(ModeReporter); ok {
		return r.Mode()
	}
	return ModeMemory
}
