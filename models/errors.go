package models

import "github.com/pkg/errors"

// ErrDuplicateConnection is returned when an equivalent edge already exists in either direction.
var ErrDuplicateConnection = errors.New("duplicate connection")

// ErrDanglingConnection is returned when a connection endpoint is not on the board.
var ErrDanglingConnection = errors.New("connection endpoint not found")

// ErrSelfConnection is returned when a connection starts and ends on the same node.
var ErrSelfConnection = errors.New("connection loops on a single node")

// ErrDuplicateConnectionID is returned when another connection already uses the id.
var ErrDuplicateConnectionID = errors.New("connection id already in use")
