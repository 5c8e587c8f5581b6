package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andrewpaige1/ideaflow-api/protocol"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Session wires an Adapter to the realtime channel and the REST API of one server.
type Session struct {
	adapter   *Adapter
	conn      *Conn
	snapshots *SnapshotClient
	logger    *zap.Logger
}

type sessionOptions struct {
	logger      *zap.Logger
	httpClient  *http.Client
	adapterCfgs []AdapterCfg
	connCfgs    []ConnCfg
}

// SessionCfg configures a Session.
type SessionCfg func(*sessionOptions)

// WithSessionLogger sets the logger shared by the session's parts.
func WithSessionLogger(l *zap.Logger) SessionCfg {
	return func(o *sessionOptions) {
		o.logger = l
	}
}

// WithHTTPClient sets the client used for snapshot fetches.
func WithHTTPClient(hc *http.Client) SessionCfg {
	return func(o *sessionOptions) {
		o.httpClient = hc
	}
}

// WithAdapter passes options to the session's Adapter.
func WithAdapter(cfgs ...AdapterCfg) SessionCfg {
	return func(o *sessionOptions) {
		o.adapterCfgs = append(o.adapterCfgs, cfgs...)
	}
}

// WithConn passes options to the session's Conn.
func WithConn(cfgs ...ConnCfg) SessionCfg {
	return func(o *sessionOptions) {
		o.connCfgs = append(o.connCfgs, cfgs...)
	}
}

// NewSession prepares a session against the server at serverURL, for example http://localhost:8080.
func NewSession(serverURL, sessionID string, cfgs ...SessionCfg) (*Session, error) {
	opts := sessionOptions{logger: zap.NewNop()}
	for _, cfg := range cfgs {
		cfg(&opts)
	}
	wsURL, err := websocketURL(serverURL)
	if err != nil {
		return nil, err
	}
	logger := opts.logger.With(zap.String("sessionId", sessionID))
	conn := NewConn(wsURL, logger, opts.connCfgs...)
	adapterCfgs := append([]AdapterCfg{WithLogger(logger)}, opts.adapterCfgs...)
	return &Session{
		adapter:   NewAdapter(sessionID, conn, adapterCfgs...),
		conn:      conn,
		snapshots: NewSnapshotClient(serverURL, opts.httpClient),
		logger:    logger,
	}, nil
}

// Adapter returns the session's board adapter.
func (s *Session) Adapter() *Adapter {
	return s.adapter
}

// Run connects and keeps the adapter in sync until ctx is done or reconnection gives up.
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		if err := s.adapter.Close(); err != nil {
			s.logger.Debug("final flush failed", zap.Error(err))
		}
	}()
	return s.conn.Run(ctx, func() { s.resync(ctx) }, func(env protocol.Envelope) { s.receive(ctx, env) })
}

// resync rejoins the room and refetches the stored snapshot. Whichever reply
// carries the newer version wins in the adapter; a fetch that completes after
// a later rejoin is dropped.
func (s *Session) resync(ctx context.Context) {
	if err := s.adapter.Join(); err != nil {
		s.logger.Warn("join failed", zap.Error(err))
	}
	epoch := s.adapter.joinEpoch()
	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		snap, err := s.snapshots.Fetch(fetchCtx, s.adapter.SessionID())
		if err != nil {
			s.logger.Warn("snapshot fetch failed", zap.Error(err))
			return
		}
		s.adapter.applyFetched(epoch, snap)
	}()
}

func (s *Session) receive(ctx context.Context, env protocol.Envelope) {
	if tentative(env) {
		s.logger.Warn("session storage unavailable, joining again later", zap.Duration("after", s.conn.delay))
		time.AfterFunc(s.conn.delay, func() {
			if ctx.Err() == nil && s.conn.Connected() {
				s.resync(ctx)
			}
		})
		return
	}
	if _, err := s.adapter.Apply(env); err != nil {
		s.logger.Debug("ignoring event",
			zap.String("event", string(env.Type)),
			zap.Error(err),
		)
	}
}

func tentative(env protocol.Envelope) bool {
	if protocol.Canonical(env.Type) != protocol.EventSessionData {
		return false
	}
	var data protocol.SessionData
	return env.Decode(&data) == nil && data.Tentative
}

func websocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", errors.Wrap(err, "parse server url failed")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
