package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/andrewpaige1/ideaflow-api/protocol"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultReconnectAttempts is how many dials are made before giving up.
	DefaultReconnectAttempts = 5
	// DefaultReconnectDelay is the fixed pause between dials.
	DefaultReconnectDelay = time.Second

	writeWait = 10 * time.Second
)

// Conn is the client end of the realtime channel. It redials with a fixed
// delay and a bounded number of attempts whenever the connection drops.
type Conn struct {
	url      string
	dialer   *websocket.Dialer
	attempts int
	delay    time.Duration
	logger   *zap.Logger

	mu sync.Mutex
	ws *websocket.Conn
}

// ConnCfg configures a Conn.
type ConnCfg func(*Conn)

// WithRetry sets the number of dial attempts and the delay between them.
func WithRetry(attempts int, delay time.Duration) ConnCfg {
	return func(c *Conn) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if delay > 0 {
			c.delay = delay
		}
	}
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) ConnCfg {
	return func(c *Conn) {
		c.dialer = d
	}
}

// NewConn creates a Conn for the websocket endpoint at url.
func NewConn(url string, logger *zap.Logger, cfgs ...ConnCfg) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Conn{
		url:      url,
		dialer:   websocket.DefaultDialer,
		attempts: DefaultReconnectAttempts,
		delay:    DefaultReconnectDelay,
		logger:   logger,
	}
	for _, cfg := range cfgs {
		cfg(c)
	}
	return c
}

// Emit writes env to the server.
func (c *Conn) Emit(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

// Connected reports whether the channel is currently up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Run keeps the channel open until ctx is done. onConnect runs after every
// successful dial; onMessage receives inbound envelopes in order. It returns
// ErrReconnectExhausted when the attempts run out.
func (c *Conn) Run(ctx context.Context, onConnect func(), onMessage func(protocol.Envelope)) error {
	first := true
	for {
		if !first {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.delay):
			}
		}
		first = false

		ws, err := c.dial(ctx)
		if err != nil {
			return err
		}
		c.set(ws)
		c.logger.Info("connected", zap.String("url", c.url))
		onConnect()

		err = c.read(ctx, ws, onMessage)
		c.set(nil)
		_ = ws.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("connection lost, reconnecting", zap.Error(err))
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	var (
		ws      *websocket.Conn
		attempt int
	)
	op := func() error {
		attempt++
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			return err
		}
		ws = conn
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.delay), uint64(c.attempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		c.logger.Info("dial failed",
			zap.Int("attempt", attempt),
			zap.Duration("retryIn", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(ErrReconnectExhausted, "%d attempts: %v", attempt, err)
	}
	return ws, nil
}

func (c *Conn) read(ctx context.Context, ws *websocket.Conn, onMessage func(protocol.Envelope)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-stop:
		}
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Debug("ignoring malformed frame", zap.Error(err))
			continue
		}
		onMessage(env)
	}
}

func (c *Conn) set(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}
