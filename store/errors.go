package store

import "github.com/pkg/errors"

// ErrSessionNotFound is returned when no snapshot exists for the session id.
var ErrSessionNotFound = errors.New("session not found")

// ErrPersistenceUnavailable is returned when the durable store cannot be reached
// and no in-memory copy exists.
var ErrPersistenceUnavailable = errors.New("persistence unavailable")

// ErrStaleVersion is returned when a save carries a version not newer than the stored one.
var ErrStaleVersion = errors.New("stale snapshot version")
