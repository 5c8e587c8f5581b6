package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/andrewpaige1/ideaflow-api/metrics"
	"github.com/andrewpaige1/ideaflow-api/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Dispatcher receives decoded envelopes. protocol.Handler implements it.
type Dispatcher interface {
	Handle(ctx context.Context, from protocol.Subscriber, env protocol.Envelope)
	Disconnect(from protocol.Subscriber)
}

// Server upgrades HTTP requests to websocket connections and runs their pumps.
type Server struct {
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	metrics    *metrics.Collector

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// ServerCfg configures a Server.
type ServerCfg func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ServerCfg {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) ServerCfg {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithCheckOrigin sets the origin check applied on upgrade.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerCfg {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// NewServer creates a Server dispatching to d.
func NewServer(d Dispatcher, cfgs ...ServerCfg) *Server {
	s := &Server{
		dispatcher: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: zap.NewNop(),
		conns:  make(map[*Conn]struct{}),
	}
	for _, cfg := range cfgs {
		cfg(s)
	}
	return s
}

// GET /ws
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := newConn(ws, s.logger)
	s.track(c)
	s.metrics.ConnectionOpened()
	c.logger.Info("websocket connected", zap.String("remoteAddr", r.RemoteAddr))

	go c.writePump()

	ctx := context.WithoutCancel(r.Context())
	c.readPump(func(env protocol.Envelope) {
		s.dispatcher.Handle(ctx, c, env)
	}, func(err error) {
		c.logger.Info("event dropped", zap.String("reason", "malformed"), zap.Error(err))
		s.metrics.EventDropped("", "malformed")
	})

	s.dispatcher.Disconnect(c)
	c.Close()
	s.untrack(c)
	s.metrics.ConnectionClosed()
	c.logger.Info("websocket disconnected")
}

// Close disconnects every open connection.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
