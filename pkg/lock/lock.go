// Package lock provides named, expiring locks stored in a StateStore.
//
// A lock guarantees that at most one orchestrator tick of a kind runs at a
// time. Records expire on their own so a crashed holder cannot block the
// pipeline forever.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autoscribe/autoscribe/pkg/stores"
	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

const keyPrefix = "lock:"

// Record is the persisted form of a held lock.
type Record struct {
	Owner      string    `json:"owner" yaml:"owner"`
	AcquiredAt time.Time `json:"acquired_at" yaml:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at" yaml:"expires_at"`
}

// HeldAt reports whether the record is still valid at t.
func (r Record) HeldAt(t time.Time) bool {
	return t.Before(r.ExpiresAt)
}

// Manager acquires and releases locks on behalf of a single owner id.
type Manager struct {
	store  stores.StateStore
	owner  string
	now    func() time.Time
	logger *telemetry.Logger

	// serialises read-check-write on the store within this process
	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithOwner sets the owner id. By default every Manager gets a random one.
func WithOwner(owner string) Option {
	return func(m *Manager) { m.owner = owner }
}

// WithLogger sets the logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(m *Manager) { m.logger = logger.NewComponentLogger("lock") }
}

// NewManager creates a lock manager on top of store.
func NewManager(store stores.StateStore, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		owner:  uuid.New().String(),
		now:    time.Now,
		logger: telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Owner returns the owner id used for records written by this manager.
func (m *Manager) Owner() string {
	return m.owner
}

func key(name string) string {
	return keyPrefix + name
}

// Acquire takes the named lock for ttl. It succeeds when the lock is free,
// expired, or already held by this manager's owner.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	var rec Record
	found, err := m.store.Get(ctx, key(name), &rec)
	if err != nil {
		return false, fmt.Errorf("failed to read lock %s: %w", name, err)
	}
	if found && rec.HeldAt(now) && rec.Owner != m.owner {
		m.logger.WithField("lock", name).
			WithField("holder", rec.Owner).
			WithField("expires_at", rec.ExpiresAt).
			Debug("Lock is held by another owner")
		return false, nil
	}

	next := Record{
		Owner:      m.owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := m.store.Set(ctx, key(name), next); err != nil {
		return false, fmt.Errorf("failed to write lock %s: %w", name, err)
	}

	return true, nil
}

// Renew extends a lock held by this owner. It reports false when the lock is
// no longer ours or has already expired.
func (m *Manager) Renew(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	var rec Record
	found, err := m.store.Get(ctx, key(name), &rec)
	if err != nil {
		return false, fmt.Errorf("failed to read lock %s: %w", name, err)
	}
	if !found || rec.Owner != m.owner || !rec.HeldAt(now) {
		return false, nil
	}

	rec.ExpiresAt = now.Add(ttl)
	if err := m.store.Set(ctx, key(name), rec); err != nil {
		return false, fmt.Errorf("failed to renew lock %s: %w", name, err)
	}

	return true, nil
}

// Release drops the named lock if this owner holds it. Releasing a lock held
// by someone else is a no-op.
func (m *Manager) Release(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rec Record
	found, err := m.store.Get(ctx, key(name), &rec)
	if err != nil {
		return fmt.Errorf("failed to read lock %s: %w", name, err)
	}
	if !found {
		return nil
	}
	if rec.Owner != m.owner {
		m.logger.WithField("lock", name).WithField("holder", rec.Owner).Warn("Not releasing lock held by another owner")
		return nil
	}

	if err := m.store.Delete(ctx, key(name)); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}

	return nil
}

// ForceRelease deletes the named lock regardless of its owner.
func (m *Manager) ForceRelease(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, key(name)); err != nil {
		return fmt.Errorf("failed to force release lock %s: %w", name, err)
	}
	return nil
}

// Inspect returns the stored record for name, if any.
func (m *Manager) Inspect(ctx context.Context, name string) (Record, bool, error) {
	var rec Record
	found, err := m.store.Get(ctx, key(name), &rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read lock %s: %w", name, err)
	}
	return rec, found, nil
}

// Result is the outcome of WithLock.
type Result[T any] struct {
	// Skipped is true when the lock was busy and fn did not run.
	Skipped bool
	Value   T
}

// WithLock runs fn while holding the named lock. When the lock is busy fn is
// not called and the result is marked Skipped. The lock is released on every
// exit path, including a panic in fn, which is then propagated.
func WithLock[T any](ctx context.Context, m *Manager, name string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (Result[T], error) {
	ok, err := m.Acquire(ctx, name, ttl)
	if err != nil {
		return Result[T]{}, err
	}
	if !ok {
		return Result[T]{Skipped: true}, nil
	}

	defer func() {
		// Release must succeed even when ctx is already cancelled.
		if rerr := m.Release(context.WithoutCancel(ctx), name); rerr != nil {
			m.logger.WithError(rerr).WithField("lock", name).Error("Failed to release lock")
		}
	}()

	value, err := fn(ctx)
	return Result[T]{Value: value}, err
}
