package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrewpaige1/ideaflow-api/models"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// DefaultTimeout bounds each call to the durable store.
const DefaultTimeout = 2 * time.Second

// FallbackStore writes through an in-memory copy to a durable store. The
// durable store is the source of truth while it answers. When it fails, the
// memory copy keeps the session alive and the store reports ModeMemory until a
// durable call succeeds again. Durable calls go through a circuit breaker so an
// outage does not stall every event.
//
// Snapshots saved while the durable store is failing are provisional. The next
// successful durable read keeps whichever of the two copies has the higher
// version and writes a winning provisional copy back.
type FallbackStore struct {
	durable Store
	memory  *MemoryStore
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *zap.Logger

	degraded   atomic.Bool
	onFallback func(op string)

	mu          sync.Mutex
	provisional map[string]struct{}
}

// FallbackCfg configures a FallbackStore.
type FallbackCfg func(*FallbackStore)

// WithTimeout sets the per-call timeout for the durable store.
func WithTimeout(d time.Duration) FallbackCfg {
	return func(f *FallbackStore) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) FallbackCfg {
	return func(f *FallbackStore) {
		f.logger = l
	}
}

// WithFallbackHook registers a callback run every time a durable operation fails.
func WithFallbackHook(fn func(op string)) FallbackCfg {
	return func(f *FallbackStore) {
		f.onFallback = fn
	}
}

// NewFallbackStore wraps durable with an in-memory fallback.
func NewFallbackStore(durable Store, cfgs ...FallbackCfg) *FallbackStore {
	f := &FallbackStore{
		durable:     durable,
		memory:      NewMemoryStore(),
		timeout:     DefaultTimeout,
		logger:      zap.NewNop(),
		provisional: make(map[string]struct{}),
	}
	for _, cfg := range cfgs {
		cfg(f)
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "durable-store",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrStaleVersion)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return f
}

// Load reads the durable store and falls back to the memory copy when it fails.
// Without a memory copy an outage surfaces as ErrPersistenceUnavailable, never
// as ErrSessionNotFound.
func (f *FallbackStore) Load(ctx context.Context, sessionID string) (models.Snapshot, error) {
	local, localErr := f.memory.Load(ctx, sessionID)
	hasLocal := localErr == nil

	v, err := f.call(ctx, "load", func(ctx context.Context) (interface{}, error) {
		return f.durable.Load(ctx, sessionID)
	})
	switch {
	case err == nil:
		return f.reconcile(ctx, local, hasLocal, v.(models.Snapshot))
	case errors.Is(err, ErrSessionNotFound):
		if hasLocal && f.isProvisional(sessionID) {
			f.writeBack(ctx, local)
			return local, nil
		}
		if hasLocal {
			// removed by another process
			_ = f.memory.Delete(ctx, sessionID)
		}
		return models.Snapshot{}, ErrSessionNotFound
	}
	if hasLocal {
		return local, nil
	}
	return models.Snapshot{}, errors.Wrapf(ErrPersistenceUnavailable, "load %s: %v", sessionID, err)
}

// reconcile picks between the memory copy and the durable copy of a session.
func (f *FallbackStore) reconcile(ctx context.Context, local models.Snapshot, hasLocal bool, durable models.Snapshot) (models.Snapshot, error) {
	if hasLocal && f.isProvisional(local.SessionID) && local.Version > durable.Version {
		f.writeBack(ctx, local)
		return local, nil
	}
	if hasLocal && f.isProvisional(local.SessionID) {
		f.logger.Warn("discarding provisional snapshot older than the durable one",
			zap.String("sessionId", local.SessionID),
			zap.Uint64("provisionalVersion", local.Version),
			zap.Uint64("durableVersion", durable.Version),
		)
	}
	if err := f.memory.Save(ctx, durable); err != nil {
		return models.Snapshot{}, errors.Wrap(err, "cache snapshot failed")
	}
	f.setProvisional(durable.SessionID, false)
	return durable, nil
}

// writeBack copies a provisional snapshot to the durable store. It stays
// provisional if the write fails.
func (f *FallbackStore) writeBack(ctx context.Context, snap models.Snapshot) {
	_, err := f.call(ctx, "save", func(ctx context.Context) (interface{}, error) {
		return nil, f.durable.Save(ctx, snap)
	})
	if err != nil {
		f.logger.Warn("provisional snapshot not written back",
			zap.String("sessionId", snap.SessionID),
			zap.Uint64("version", snap.Version),
			zap.Error(err),
		)
		return
	}
	f.setProvisional(snap.SessionID, false)
	f.logger.Info("provisional snapshot written back",
		zap.String("sessionId", snap.SessionID),
		zap.Uint64("version", snap.Version),
	)
}

// Save writes the memory copy and then the durable store. A durable outage is
// logged, marks the copy provisional and is not returned. ErrStaleVersion is
// returned after the memory copy is refreshed from the durable store, so the
// caller can retry against the newer snapshot.
func (f *FallbackStore) Save(ctx context.Context, snap models.Snapshot) error {
	if err := f.memory.Save(ctx, snap); err != nil {
		return errors.Wrap(err, "save memory snapshot failed")
	}
	_, err := f.call(ctx, "save", func(ctx context.Context) (interface{}, error) {
		return nil, f.durable.Save(ctx, snap)
	})
	switch {
	case err == nil:
		f.setProvisional(snap.SessionID, false)
		return nil
	case errors.Is(err, ErrStaleVersion):
		f.logger.Warn("durable store holds a newer snapshot",
			zap.String("sessionId", snap.SessionID),
			zap.Uint64("version", snap.Version),
		)
		f.setProvisional(snap.SessionID, false)
		if _, err := f.refresh(ctx, snap.SessionID); err != nil {
			return err
		}
		return ErrStaleVersion
	}
	f.setProvisional(snap.SessionID, true)
	return nil
}

// refresh replaces the memory copy with the durable snapshot.
func (f *FallbackStore) refresh(ctx context.Context, sessionID string) (models.Snapshot, error) {
	v, err := f.call(ctx, "load", func(ctx context.Context) (interface{}, error) {
		return f.durable.Load(ctx, sessionID)
	})
	if err != nil {
		_ = f.memory.Delete(ctx, sessionID)
		if errors.Is(err, ErrSessionNotFound) {
			return models.Snapshot{}, ErrSessionNotFound
		}
		return models.Snapshot{}, errors.Wrapf(ErrPersistenceUnavailable, "reload %s: %v", sessionID, err)
	}
	snap := v.(models.Snapshot)
	if err := f.memory.Save(ctx, snap); err != nil {
		return models.Snapshot{}, errors.Wrap(err, "cache snapshot failed")
	}
	return snap, nil
}

func (f *FallbackStore) Delete(ctx context.Context, sessionID string) error {
	if err := f.memory.Delete(ctx, sessionID); err != nil {
		return errors.Wrap(err, "delete memory snapshot failed")
	}
	f.setProvisional(sessionID, false)
	if _, err := f.call(ctx, "delete", func(ctx context.Context) (interface{}, error) {
		return nil, f.durable.Delete(ctx, sessionID)
	}); err != nil {
		return errors.Wrapf(ErrPersistenceUnavailable, "delete %s: %v", sessionID, err)
	}
	return nil
}

// List merges durable and in-memory summaries, keeping the newer version of each session.
func (f *FallbackStore) List(ctx context.Context) ([]models.SessionSummary, error) {
	local, err := f.memory.List(ctx)
	if err != nil {
		return nil, err
	}
	v, err := f.call(ctx, "list", func(ctx context.Context) (interface{}, error) {
		return f.durable.List(ctx)
	})
	if err != nil {
		return local, nil
	}

	merged := make(map[string]models.SessionSummary)
	for _, s := range v.([]models.SessionSummary) {
		merged[s.SessionID] = s
	}
	for _, s := range local {
		if cur, ok := merged[s.SessionID]; !ok || s.Version > cur.Version {
			merged[s.SessionID] = s
		}
	}
	out := make([]models.SessionSummary, 0, len(merged))
	for _, s := range merged {
		out = append(out, s)
	}
	SortSummaries(out)
	return out, nil
}

// Mode reports ModeMemory while the durable store is failing.
func (f *FallbackStore) Mode() Mode {
	if f.degraded.Load() || f.breaker.State() == gobreaker.StateOpen {
		return ModeMemory
	}
	return ModeDurable
}

func (f *FallbackStore) isProvisional(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.provisional[sessionID]
	return ok
}

func (f *FallbackStore) setProvisional(sessionID string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		f.provisional[sessionID] = struct{}{}
	} else {
		delete(f.provisional, sessionID)
	}
}

func (f *FallbackStore) call(ctx context.Context, op string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	v, err := f.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		return fn(ctx)
	})
	if err == nil || errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrStaleVersion) {
		f.degraded.Store(false)
		return v, err
	}
	f.degraded.Store(true)
	f.logger.Warn("durable store unavailable, using in-memory state",
		zap.String("op", op),
		zap.Error(err),
	)
	if f.onFallback != nil {
		f.onFallback(op)
	}
	return v, err
}
