package client

import "github.com/pkg/errors"

var (
	// ErrUnknownNode is returned by local edits that name a node the board does not hold.
	ErrUnknownNode = errors.New("unknown node")
	// ErrUnknownConnection is returned by label edits on a connection the board does not hold.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrUnknownLabel is returned by label edits that name a label the connection does not hold.
	ErrUnknownLabel = errors.New("unknown label")
	// ErrNotConnected is returned when emitting while the transport is down.
	ErrNotConnected = errors.New("not connected")
	// ErrReconnectExhausted is returned when every reconnection attempt failed.
	// The session cannot continue without a manual restart.
	ErrReconnectExhausted = errors.New("reconnection attempts exhausted")
	// ErrClosed is returned by operations on a closed adapter.
	ErrClosed = errors.New("adapter closed")
)
