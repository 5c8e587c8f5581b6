package registry

import "github.com/pkg/errors"

// ErrSessionNotFound is returned when a session id is unknown and the policy does not create it.
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidSessionID is returned for ids that are too short, too long, or use unsupported characters.
var ErrInvalidSessionID = errors.New("invalid session id")

// ErrNoChange is returned by Update when the mutation left the board as it was.
var ErrNoChange = errors.New("mutation did not change the board")

// ErrSessionUnavailable is returned when session storage cannot say whether the session exists.
var ErrSessionUnavailable = errors.New("session storage unavailable")
