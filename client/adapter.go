// Package client keeps a local copy of a shared board in sync with the server.
//
// An Adapter applies local edits immediately and propagates them either as
// discrete events or as a debounced wholesale board update. Remote events are
// merged with the same rules the server uses. Snapshots carry the session
// version; a snapshot older than the one already held is ignored, so the room
// join reply and the REST fetch may arrive in either order. Every Join resets
// the held version, since the server may have restarted or recreated the
// session while the client was away.
package client

import (
	"sync"
	"time"

	"github.com/andrewpaige1/ideaflow-api/models"
	"github.com/andrewpaige1/ideaflow-api/protocol"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Mode selects how local edits are propagated.
type Mode int

const (
	// ModeDebounced coalesces edits into one update-board event per quiet window.
	ModeDebounced Mode = iota
	// ModeImmediate sends every edit as its discrete event.
	ModeImmediate
)

// DefaultDebounceWindow is the quiet period before a debounced board update is sent.
const DefaultDebounceWindow = 50 * time.Millisecond

// Emitter sends envelopes to the server.
type Emitter interface {
	Emit(protocol.Envelope) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(protocol.Envelope) error

func (f EmitterFunc) Emit(env protocol.Envelope) error {
	return f(env)
}

// ChangeFunc observes the board after every applied change.
type ChangeFunc func(board models.Board, version uint64)

// Adapter holds one client's view of a session.
type Adapter struct {
	sessionID string
	emitter   Emitter
	mode      Mode
	window    time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	board    models.Board
	version  uint64
	epoch    uint64
	timer    *time.Timer
	gen      uint64
	pending  bool
	closed   bool
	onChange ChangeFunc
}

// AdapterCfg configures an Adapter.
type AdapterCfg func(*Adapter)

// WithMode sets the propagation mode.
func WithMode(m Mode) AdapterCfg {
	return func(a *Adapter) {
		a.mode = m
	}
}

// WithDebounceWindow sets the debounce window used in ModeDebounced.
func WithDebounceWindow(d time.Duration) AdapterCfg {
	return func(a *Adapter) {
		if d > 0 {
			a.window = d
		}
	}
}

// WithOnChange registers a change observer.
func WithOnChange(fn ChangeFunc) AdapterCfg {
	return func(a *Adapter) {
		a.onChange = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) AdapterCfg {
	return func(a *Adapter) {
		a.logger = l
	}
}

// NewAdapter creates an Adapter for sessionID starting from an empty board.
func NewAdapter(sessionID string, emitter Emitter, cfgs ...AdapterCfg) *Adapter {
	a := &Adapter{
		sessionID: sessionID,
		emitter:   emitter,
		mode:      ModeDebounced,
		window:    DefaultDebounceWindow,
		logger:    zap.NewNop(),
		board:     models.EmptyBoard(),
	}
	for _, cfg := range cfgs {
		cfg(a)
	}
	return a
}

// SessionID returns the session this adapter follows.
func (a *Adapter) SessionID() string {
	return a.sessionID
}

// Board returns a copy of the current board.
func (a *Adapter) Board() models.Board {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.board.Clone()
}

// Version returns the newest session version applied.
func (a *Adapter) Version() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

// OnChange replaces the change observer.
func (a *Adapter) OnChange(fn ChangeFunc) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// Join asks the server to add this client to the session room and send its
// snapshot. The next snapshot applies whatever its version.
func (a *Adapter) Join() error {
	a.mu.Lock()
	a.version = 0
	a.epoch++
	a.mu.Unlock()
	env, err := protocol.NewEnvelope(protocol.EventJoinSession, a.sessionID, 0, nil)
	if err != nil {
		return err
	}
	return a.emitter.Emit(env)
}

// joinEpoch counts the joins issued so far.
func (a *Adapter) joinEpoch() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}

func (a *Adapter) AddNode(n models.Node) error {
	n = n.WithDefaults()
	return a.local(protocol.EventAddNode, func(b models.Board) (models.Board, bool, error) {
		out, changed := b.AddNode(n)
		return out, changed, nil
	}, func() interface{} { return protocol.NodePayload{Node: n} })
}

func (a *Adapter) MoveNode(id string, x, y float64) error {
	return a.editNode(id, func(n *models.Node) {
		n.X, n.Y = x, y
	})
}

func (a *Adapter) EditNodeText(id, text string) error {
	return a.editNode(id, func(n *models.Node) {
		n.Text = text
	})
}

// StyleNode overwrites the style fields that are set in style.
func (a *Adapter) StyleNode(id string, style models.NodeStyle) error {
	return a.editNode(id, func(n *models.Node) {
		if style.Color != "" {
			n.Color = style.Color
		}
		if style.Shape != "" {
			n.Shape = style.Shape
		}
		if style.Size != "" {
			n.Size = style.Size
		}
		if style.BorderStyle != "" {
			n.BorderStyle = style.BorderStyle
		}
		if style.FontSize != "" {
			n.FontSize = style.FontSize
		}
	})
}

func (a *Adapter) editNode(id string, edit func(*models.Node)) error {
	var updated models.Node
	return a.local(protocol.EventUpdateNode, func(b models.Board) (models.Board, bool, error) {
		n, ok := b.Node(id)
		if !ok {
			return b, false, ErrUnknownNode
		}
		edit(&n)
		updated = n
		out, changed := b.UpdateNode(n)
		return out, changed, nil
	}, func() interface{} { return protocol.NodePayload{Node: updated} })
}

func (a *Adapter) DeleteNode(id string) error {
	return a.local(protocol.EventDeleteNode, func(b models.Board) (models.Board, bool, error) {
		out, changed := b.DeleteNode(id)
		return out, changed, nil
	}, func() interface{} { return protocol.DeleteNodePayload{NodeID: id} })
}

// Connect links two nodes and returns the new connection.
func (a *Adapter) Connect(from, to string) (models.Connection, error) {
	var added models.Connection
	err := a.local(protocol.EventAddConnection, func(b models.Board) (models.Board, bool, error) {
		out, c, err := b.AddConnection(models.Connection{From: from, To: to})
		if err != nil {
			return b, false, err
		}
		added = c
		return out, true, nil
	}, func() interface{} { return protocol.ConnectionPayload{Connection: added} })
	return added, err
}

func (a *Adapter) Disconnect(from, to string) error {
	return a.local(protocol.EventDeleteConnection, func(b models.Board) (models.Board, bool, error) {
		out, changed := b.DeleteConnection(from, to)
		return out, changed, nil
	}, func() interface{} { return protocol.EdgePayload{From: from, To: to} })
}

// AddLabel attaches a new label to the connection and returns it.
func (a *Adapter) AddLabel(connectionID, text string) (models.Label, error) {
	var added models.Label
	err := a.local(protocol.EventAddLabel, func(b models.Board) (models.Board, bool, error) {
		out, l, ok := b.AddLabel(connectionID, models.Label{Text: text})
		if !ok {
			return b, false, ErrUnknownConnection
		}
		added = l
		return out, true, nil
	}, func() interface{} { return protocol.LabelPayload{ConnectionID: connectionID, Label: added} })
	return added, err
}

func (a *Adapter) EditLabel(connectionID, labelID, text string) error {
	return a.editLabel(connectionID, labelID, func(l *models.Label) {
		l.Text = text
	})
}

func (a *Adapter) MoveLabel(connectionID, labelID string, offsetX, offsetY float64) error {
	return a.editLabel(connectionID, labelID, func(l *models.Label) {
		l.OffsetX, l.OffsetY = offsetX, offsetY
	})
}

func (a *Adapter) editLabel(connectionID, labelID string, edit func(*models.Label)) error {
	var updated models.Label
	return a.local(protocol.EventUpdateLabel, func(b models.Board) (models.Board, bool, error) {
		c, ok := b.Connection(connectionID)
		if !ok {
			return b, false, ErrUnknownConnection
		}
		for _, l := range c.Labels {
			if l.ID == labelID {
				edit(&l)
				updated = l
				out, changed := b.UpdateLabel(connectionID, l)
				return out, changed, nil
			}
		}
		return b, false, ErrUnknownLabel
	}, func() interface{} { return protocol.LabelPayload{ConnectionID: connectionID, Label: updated} })
}

func (a *Adapter) DeleteLabel(connectionID, labelID string) error {
	return a.local(protocol.EventDeleteLabel, func(b models.Board) (models.Board, bool, error) {
		out, changed := b.DeleteLabel(connectionID, labelID)
		return out, changed, nil
	}, func() interface{} { return protocol.DeleteLabelPayload{ConnectionID: connectionID, LabelID: labelID} })
}

// local applies an edit to the held board and propagates it according to the mode.
func (a *Adapter) local(t protocol.EventType, mutate func(models.Board) (models.Board, bool, error), payload func() interface{}) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	next, changed, err := mutate(a.board)
	if err != nil || !changed {
		a.mu.Unlock()
		return err
	}
	a.board = next

	if a.mode == ModeDebounced {
		a.schedule()
	} else {
		env, encErr := protocol.NewEnvelope(t, a.sessionID, a.version, payload())
		if encErr == nil {
			err = a.emitter.Emit(env)
		} else {
			err = encErr
		}
	}
	notify := a.changed()
	a.mu.Unlock()
	notify()
	if err != nil {
		return errors.Wrapf(err, "emit %s failed", t)
	}
	return nil
}

// schedule restarts the debounce timer. Callers hold a.mu.
func (a *Adapter) schedule() {
	a.pending = true
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = time.AfterFunc(a.window, func() {
		a.flushScheduled(gen)
	})
}

// flushScheduled runs from the debounce timer. A timer that fired after being
// replaced finds a newer generation and does nothing.
func (a *Adapter) flushScheduled(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen {
		return
	}
	if err := a.flush(); err != nil {
		a.logger.Warn("debounced board update failed",
			zap.String("sessionId", a.sessionID),
			zap.Error(err),
		)
	}
}

// cancel drops any scheduled board update. Callers hold a.mu.
func (a *Adapter) cancel() {
	a.pending = false
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Flush sends a pending debounced board update now.
func (a *Adapter) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flush()
}

func (a *Adapter) flush() error {
	if !a.pending {
		return nil
	}
	a.cancel()
	env, err := protocol.NewEnvelope(protocol.EventUpdateBoard, a.sessionID, a.version, a.board)
	if err != nil {
		return err
	}
	if err := a.emitter.Emit(env); err != nil {
		return errors.Wrap(err, "emit update-board failed")
	}
	return nil
}

// Close flushes any pending update and stops the adapter.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	err := a.flush()
	a.cancel()
	a.closed = true
	return err
}

// Apply merges an envelope received from the server and reports whether it changed anything.
func (a *Adapter) Apply(env protocol.Envelope) (bool, error) {
	if env.SessionID != "" && env.SessionID != a.sessionID {
		return false, nil
	}
	switch protocol.Canonical(env.Type) {
	case protocol.EventSessionData, protocol.EventBoardUpdated:
		var data protocol.SessionData
		if err := env.Decode(&data); err != nil {
			return false, err
		}
		if data.Tentative {
			return false, nil
		}
		return a.replace(data.Board, env.Version, nil), nil
	case protocol.EventSessionDeleted:
		a.mu.Lock()
		a.cancel()
		a.board = models.EmptyBoard()
		a.version = 0
		notify := a.changed()
		a.mu.Unlock()
		notify()
		return true, nil
	case protocol.EventSessionCreated:
		return false, nil
	}

	mutate, err := remoteMutation(env)
	if err != nil {
		return false, err
	}
	a.mu.Lock()
	if env.Version != 0 && env.Version <= a.version {
		a.mu.Unlock()
		return false, nil
	}
	if env.Version > a.version {
		a.version = env.Version
	}
	next, changed := mutate(a.board)
	if changed {
		a.board = next
	}
	notify := a.changed()
	a.mu.Unlock()
	if changed {
		notify()
	}
	return changed, nil
}

// ApplySnapshot installs a snapshot fetched outside the realtime channel.
func (a *Adapter) ApplySnapshot(snap models.Snapshot) bool {
	if snap.SessionID != "" && snap.SessionID != a.sessionID {
		return false
	}
	return a.replace(snap.Board, snap.Version, nil)
}

// applyFetched installs a snapshot fetched after join number epoch. It is
// dropped if the adapter has joined again since.
func (a *Adapter) applyFetched(epoch uint64, snap models.Snapshot) bool {
	if snap.SessionID != "" && snap.SessionID != a.sessionID {
		return false
	}
	return a.replace(snap.Board, snap.Version, func() bool { return a.epoch == epoch })
}

// replace installs a snapshot unless it is older than the held version. A
// non-nil current is checked with a.mu held and vetoes the install.
func (a *Adapter) replace(board models.Board, version uint64, current func() bool) bool {
	a.mu.Lock()
	if current != nil && !current() {
		a.mu.Unlock()
		return false
	}
	if version < a.version {
		a.mu.Unlock()
		a.logger.Debug("ignoring stale snapshot",
			zap.String("sessionId", a.sessionID),
			zap.Uint64("version", version),
		)
		return false
	}
	a.cancel()
	normalized, _ := board.Normalize()
	a.board = normalized
	a.version = version
	notify := a.changed()
	a.mu.Unlock()
	notify()
	return true
}

// changed captures the observer call for the current state. Callers hold a.mu.
func (a *Adapter) changed() func() {
	fn := a.onChange
	if fn == nil {
		return func() {}
	}
	board, version := a.board.Clone(), a.version
	return func() { fn(board, version) }
}

func remoteMutation(env protocol.Envelope) (func(models.Board) (models.Board, bool), error) {
	switch protocol.Canonical(env.Type) {
	case protocol.EventAddNode:
		var p protocol.NodePayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return func(b models.Board) (models.Board, bool) { return b.AddNode(p.Node) }, nil
	case protocol.EventUpdateNode:
		var p protocol.NodePayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return func(b models.Board) (models.Board, bool) { return b.UpdateNode(p.Node) }, nil
	case protocol.EventDeleteNode:
		var p protocol.DeleteNodePayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return func(b models.Board) (models.Board, bool) { return b.DeleteNode(p.NodeID) }, nil
	case protocol.EventAddConnection:
		var p protocol.ConnectionPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return func(b models.Board) (models.Board, bool) {
			out, _, err := b.AddConnection(p.Connection)
			return out, err == nil
		}, nil
	case protocol.EventDeleteConnection:
		var p protocol.EdgePayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return func(b models.Board) (models.Board, bool) { return b.DeleteConnection(p.From, p.To) }, nil
	case protocol.EventAddLabel:
		var p protocol.LabelPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return func(b models.Board) (models.Board, bool) {
			out, _, ok := b.AddLabel(p.ConnectionID, p.Label)
			return out, ok
		}, nil
	case protocol.EventUpdateLabel:
		var p protocol.LabelPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return func(b models.Board) (models.Board, bool) { return b.UpdateLabel(p.ConnectionID, p.Label) }, nil
	case protocol.EventDeleteLabel:
		var p protocol.DeleteLabelPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return func(b models.Board) (models.Board, bool) { return b.DeleteLabel(p.ConnectionID, p.LabelID) }, nil
	}
	return nil, errors.Errorf("unsupported event %q", env.Type)
}
