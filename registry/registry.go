// Package registry maps session identifiers to stored boards.
//
// The registry is the only writer of the session store. Every write for a
// session runs under that session's lock: load, mutate, bump the version,
// save, then run the caller's commit callback. Broadcasting from the commit
// callback therefore happens in the same order the mutations were accepted.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/andrewpaige1/ideaflow-api/models"
	"github.com/andrewpaige1/ideaflow-api/store"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Policy decides what joining an unknown session id does.
type Policy string

const (
	// PolicyAutoCreate materializes an empty session on first join.
	PolicyAutoCreate Policy = "auto-create"
	// PolicyStrict requires an explicit create before a join succeeds.
	PolicyStrict Policy = "strict"
)

const (
	// DefaultIDLength matches the nine character ids handed out by the landing page.
	DefaultIDLength = 9
	// MinIDLength is the shortest id a client may join.
	MinIDLength = 4
	// MaxIDLength is the longest id a client may join.
	MaxIDLength = 64

	idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

	maxCommitAttempts = 3
)

// Mutation derives a new board from the current one and reports whether anything changed.
type Mutation func(models.Board) (models.Board, bool)

// CommitFunc runs after a snapshot has been saved, still under the session lock.
type CommitFunc func(models.Snapshot)

// Registry creates, joins, mutates and deletes sessions.
type Registry struct {
	store    store.Store
	policy   Policy
	idLength int
	now      func() time.Time
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Cfg configures a Registry.
type Cfg func(*Registry) error

// WithStore sets the backing session store.
func WithStore(s store.Store) Cfg {
	return func(r *Registry) error {
		if s == nil {
			return errors.New("store is nil")
		}
		r.store = s
		return nil
	}
}

// WithPolicy sets the join policy for unknown sessions.
func WithPolicy(p Policy) Cfg {
	return func(r *Registry) error {
		switch p {
		case PolicyAutoCreate, PolicyStrict:
			r.policy = p
			return nil
		}
		return errors.Errorf("unknown session policy %q", p)
	}
}

// WithIDLength sets the length of generated session ids.
func WithIDLength(n int) Cfg {
	return func(r *Registry) error {
		if n < MinIDLength || n > MaxIDLength {
			return errors.Errorf("session id length %d out of range [%d, %d]", n, MinIDLength, MaxIDLength)
		}
		r.idLength = n
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Cfg {
	return func(r *Registry) error {
		r.logger = l
		return nil
	}
}

// WithClock overrides the time source used for snapshot timestamps.
func WithClock(now func() time.Time) Cfg {
	return func(r *Registry) error {
		r.now = now
		return nil
	}
}

// New creates a Registry. Without WithStore it keeps sessions in memory.
func New(cfgs ...Cfg) (*Registry, error) {
	r := &Registry{
		store:    store.NewMemoryStore(),
		policy:   PolicyAutoCreate,
		idLength: DefaultIDLength,
		now:      time.Now,
		logger:   zap.NewNop(),
		locks:    make(map[string]*sessionLock),
	}
	for _, cfg := range cfgs {
		if err := cfg(r); err != nil {
			return nil, errors.Wrap(err, "apply Registry cfg failed")
		}
	}
	return r, nil
}

// Policy returns the join policy in effect.
func (r *Registry) Policy() Policy {
	return r.policy
}

// Mode reports where the backing store currently writes.
func (r *Registry) Mode() store.Mode {
	return store.ModeOf(r.store)
}

// Create generates a fresh id and stores an empty board under it.
func (r *Registry) Create(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		id, err := gonanoid.Generate(idAlphabet, r.idLength)
		if err != nil {
			return "", errors.Wrap(err, "generate session id failed")
		}
		created, err := r.createIfAbsent(ctx, id)
		if err != nil {
			return "", err
		}
		if created {
			r.logger.Info("session created", zap.String("sessionId", id))
			return id, nil
		}
	}
	return "", errors.New("could not generate an unused session id")
}

// createIfAbsent stores an empty board under a freshly generated id. The id is
// new, so a durable outage does not hide an existing board: the store keeps the
// session in memory and writes it back once the durable store answers again.
func (r *Registry) createIfAbsent(ctx context.Context, id string) (bool, error) {
	unlock := r.lock(id)
	defer unlock()
	_, err := r.store.Load(ctx, id)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, store.ErrSessionNotFound), errors.Is(err, store.ErrPersistenceUnavailable):
	default:
		return false, errors.Wrap(err, "check session failed")
	}
	if err := r.store.Save(ctx, r.initial(id)); err != nil {
		return false, errors.Wrap(err, "save new session failed")
	}
	return true, nil
}

// Join returns the current snapshot and passes it to commit, if set, before the
// session lock is released. An unknown id is created under PolicyAutoCreate and
// reported as ErrSessionNotFound under PolicyStrict. When the store cannot tell
// whether the session exists, Join returns ErrSessionUnavailable and stores nothing.
func (r *Registry) Join(ctx context.Context, id string, commit CommitFunc) (models.Snapshot, error) {
	if err := ValidateID(id); err != nil {
		return models.Snapshot{}, err
	}
	unlock := r.lock(id)
	defer unlock()

	snap, err := r.store.Load(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrPersistenceUnavailable):
		r.logger.Warn("join while session storage is unavailable", zap.String("sessionId", id), zap.Error(err))
		return models.Snapshot{}, ErrSessionUnavailable
	case !errors.Is(err, store.ErrSessionNotFound):
		return models.Snapshot{}, errors.Wrap(err, "load session failed")
	case r.policy == PolicyStrict:
		return models.Snapshot{}, ErrSessionNotFound
	default:
		snap = r.initial(id)
		if err := r.store.Save(ctx, snap); err != nil {
			return models.Snapshot{}, errors.Wrap(err, "save joined session failed")
		}
		r.logger.Info("session created on join", zap.String("sessionId", id))
	}
	if commit != nil {
		commit(snap)
	}
	return snap, nil
}

// Exists reports whether the session is stored.
func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	_, err := r.store.Load(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrSessionNotFound) {
		return false, nil
	}
	return false, err
}

// Snapshot returns the stored snapshot, or an empty version zero snapshot when the session is absent.
func (r *Registry) Snapshot(ctx context.Context, id string) (models.Snapshot, error) {
	if err := ValidateID(id); err != nil {
		return models.Snapshot{}, err
	}
	snap, err := r.store.Load(ctx, id)
	if errors.Is(err, store.ErrSessionNotFound) {
		return models.Snapshot{SessionID: id, Board: models.EmptyBoard()}, nil
	}
	if err != nil {
		return models.Snapshot{}, err
	}
	return snap, nil
}

// Update applies mutate to the session's board. It returns ErrSessionNotFound for
// unknown sessions and ErrNoChange when mutate reports no change; in both cases
// nothing is saved and commit is not called. When another process saved the
// session first, mutate runs again against the newer board.
func (r *Registry) Update(ctx context.Context, id string, mutate Mutation, commit CommitFunc) (models.Snapshot, error) {
	if err := ValidateID(id); err != nil {
		return models.Snapshot{}, err
	}
	unlock := r.lock(id)
	defer unlock()

	for attempt := 1; ; attempt++ {
		cur, err := r.store.Load(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) || errors.Is(err, store.ErrPersistenceUnavailable) {
				return models.Snapshot{}, ErrSessionNotFound
			}
			return models.Snapshot{}, errors.Wrap(err, "load session failed")
		}
		board, changed := mutate(cur.Board)
		if !changed {
			return cur, ErrNoChange
		}
		next, err := r.commit(ctx, cur, board, commit)
		if r.retry(err, id, attempt) {
			continue
		}
		return next, err
	}
}

// Put replaces the session's board wholesale, creating the session if needed.
// It returns ErrSessionUnavailable when the store cannot load the current snapshot.
func (r *Registry) Put(ctx context.Context, id string, board models.Board, commit CommitFunc) (models.Snapshot, error) {
	if err := ValidateID(id); err != nil {
		return models.Snapshot{}, err
	}
	unlock := r.lock(id)
	defer unlock()

	normalized, dropped := board.Normalize()
	if dropped > 0 {
		r.logger.Info("dropped invalid board entries on replace",
			zap.String("sessionId", id),
			zap.Int("dropped", dropped),
		)
	}
	for attempt := 1; ; attempt++ {
		cur, err := r.store.Load(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrSessionNotFound):
			cur = models.Snapshot{SessionID: id}
		case errors.Is(err, store.ErrPersistenceUnavailable):
			return models.Snapshot{}, ErrSessionUnavailable
		default:
			return models.Snapshot{}, errors.Wrap(err, "load session failed")
		}
		next, err := r.commit(ctx, cur, normalized, commit)
		if r.retry(err, id, attempt) {
			continue
		}
		return next, err
	}
}

// retry reports whether a commit lost a race with another writer and should run again.
func (r *Registry) retry(err error, id string, attempt int) bool {
	if !errors.Is(err, store.ErrStaleVersion) || attempt >= maxCommitAttempts {
		return false
	}
	r.logger.Info("session saved elsewhere, retrying",
		zap.String("sessionId", id),
		zap.Int("attempt", attempt),
	)
	return true
}

// commit saves the next version and runs the callback. A save rejected as stale
// is returned as store.ErrStaleVersion and nothing is committed.
func (r *Registry) commit(ctx context.Context, cur models.Snapshot, board models.Board, commit CommitFunc) (models.Snapshot, error) {
	next := models.Snapshot{
		SessionID: cur.SessionID,
		Version:   cur.Version + 1,
		Board:     board,
		UpdatedAt: r.timestamp(),
	}
	if err := r.store.Save(ctx, next); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return models.Snapshot{}, ErrSessionNotFound
		}
		return models.Snapshot{}, errors.Wrap(err, "save session failed")
	}
	if commit != nil {
		commit(next)
	}
	return next, nil
}

// Delete removes the session and runs deleted, if set, under the session lock.
// Deleting an unknown session succeeds.
func (r *Registry) Delete(ctx context.Context, id string, deleted func()) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	unlock := r.lock(id)
	defer unlock()
	if err := r.store.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "delete session failed")
	}
	if deleted != nil {
		deleted()
	}
	r.logger.Info("session deleted", zap.String("sessionId", id))
	return nil
}

// List returns session summaries, most recently updated first.
func (r *Registry) List(ctx context.Context) ([]models.SessionSummary, error) {
	out, err := r.store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions failed")
	}
	return out, nil
}

func (r *Registry) initial(id string) models.Snapshot {
	return models.Snapshot{
		SessionID: id,
		Version:   1,
		Board:     models.EmptyBoard(),
		UpdatedAt: r.timestamp(),
	}
}

func (r *Registry) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// lock takes the per-session lock and returns its release func. Locks are
// reference counted so idle sessions do not keep an entry.
func (r *Registry) lock(id string) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &sessionLock{}
		r.locks[id] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.mu.Unlock()
	}
}

// ValidateID checks the shape of a client supplied session id.
func ValidateID(id string) error {
	if len(id) < MinIDLength || len(id) > MaxIDLength {
		return ErrInvalidSessionID
	}
	for _, ch := range id {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
		default:
			return ErrInvalidSessionID
		}
	}
	return nil
}
