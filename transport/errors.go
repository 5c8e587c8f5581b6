package transport

import "github.com/pkg/errors"

// ErrConnClosed is returned when sending on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// ErrSlowConsumer is returned when a connection's send buffer is full. The connection is closed.
var ErrSlowConsumer = errors.New("send buffer full")
