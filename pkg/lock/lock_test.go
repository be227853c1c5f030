package lock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/autoscribe/autoscribe/pkg/stores"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newStore(t *testing.T) stores.StateStore {
	t.Helper()
	fs, err := stores.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return fs
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	clock := &fakeClock{t: time.Date(2026, 6, 26, 9, 0, 0, 0, time.UTC)}

	a := NewManager(store, WithOwner("a"), WithClock(clock.Now))
	b := NewManager(store, WithOwner("b"), WithClock(clock.Now))

	ok, err := a.Acquire(ctx, "primary", time.Minute)
	if err != nil || !ok {
		t.Fatalf("a.Acquire() = %v, %v; want true", ok, err)
	}

	ok, err = b.Acquire(ctx, "primary", time.Minute)
	if err != nil || ok {
		t.Fatalf("b.Acquire() = %v, %v; want false while held", ok, err)
	}

	// Re-acquire by the same owner succeeds
	ok, err = a.Acquire(ctx, "primary", time.Minute)
	if err != nil || !ok {
		t.Fatalf("a.Acquire() again = %v, %v; want true", ok, err)
	}

	// b cannot release a's lock
	if err := b.Release(ctx, "primary"); err != nil {
		t.Fatalf("b.Release() error = %v", err)
	}
	if rec, found, _ := a.Inspect(ctx, "primary"); !found || rec.Owner != "a" {
		t.Fatalf("lock should still be held by a, got %+v found=%v", rec, found)
	}

	if err := a.Release(ctx, "primary"); err != nil {
		t.Fatalf("a.Release() error = %v", err)
	}

	ok, err = b.Acquire(ctx, "primary", time.Minute)
	if err != nil || !ok {
		t.Fatalf("b.Acquire() after release = %v, %v; want true", ok, err)
	}
}

func TestAcquireAfterExpiry(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	clock := &fakeClock{t: time.Date(2026, 6, 26, 9, 0, 0, 0, time.UTC)}

	a := NewManager(store, WithOwner("a"), WithClock(clock.Now))
	b := NewManager(store, WithOwner("b"), WithClock(clock.Now))

	if ok, _ := a.Acquire(ctx, "primary", 10*time.Minute); !ok {
		t.Fatal("a.Acquire() should succeed")
	}

	clock.Advance(10*time.Minute - time.Second)
	if ok, _ := b.Acquire(ctx, "primary", time.Minute); ok {
		t.Fatal("b.Acquire() should fail before expiry")
	}

	// Held only while now < ExpiresAt
	clock.Advance(time.Second)
	if ok, _ := b.Acquire(ctx, "primary", time.Minute); !ok {
		t.Fatal("b.Acquire() should succeed at expiry")
	}
}

func TestRenew(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	clock := &fakeClock{t: time.Date(2026, 6, 26, 9, 0, 0, 0, time.UTC)}

	a := NewManager(store, WithOwner("a"), WithClock(clock.Now))
	b := NewManager(store, WithOwner("b"), WithClock(clock.Now))

	if ok, _ := a.Renew(ctx, "primary", time.Minute); ok {
		t.Fatal("Renew() of a missing lock should fail")
	}

	_, _ = a.Acquire(ctx, "primary", time.Minute)
	clock.Advance(50 * time.Second)

	if ok, err := a.Renew(ctx, "primary", time.Minute); err != nil || !ok {
		t.Fatalf("a.Renew() = %v, %v; want true", ok, err)
	}
	if ok, _ := b.Renew(ctx, "primary", time.Minute); ok {
		t.Fatal("b.Renew() should fail for a's lock")
	}

	clock.Advance(55 * time.Second)
	if ok, _ := b.Acquire(ctx, "primary", time.Minute); ok {
		t.Fatal("renewed lock should still be held")
	}
}

func TestWithLockSkipsWhenBusy(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	a := NewManager(store, WithOwner("a"))
	b := NewManager(store, WithOwner("b"))

	_, _ = a.Acquire(ctx, "primary", time.Minute)

	called := false
	res, err := WithLock(ctx, b, "primary", time.Minute, func(context.Context) (int, error) {
		called = true
		return 1, nil
	})
	if err != nil {
		t.Fatalf("WithLock() error = %v", err)
	}
	if !res.Skipped || called {
		t.Fatalf("expected skipped result without calling fn, got %+v called=%v", res, called)
	}
}

func TestWithLockReleasesOnError(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := NewManager(store)

	wantErr := errors.New("tick failed")
	res, err := WithLock(ctx, m, "primary", time.Minute, func(context.Context) (string, error) {
		return "partial", wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithLock() error = %v, want %v", err, wantErr)
	}
	if res.Skipped || res.Value != "partial" {
		t.Errorf("unexpected result: %+v", res)
	}

	if _, found, _ := m.Inspect(ctx, "primary"); found {
		t.Error("lock should be released after fn returns an error")
	}
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := NewManager(store)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_, _ = WithLock(ctx, m, "primary", time.Minute, func(context.Context) (int, error) {
			panic("boom")
		})
	}()

	if _, found, _ := m.Inspect(ctx, "primary"); found {
		t.Error("lock should be released after panic")
	}
}

func TestWithLockReleasesAfterCancel(t *testing.T) {
	store := newStore(t)
	m := NewManager(store)

	ctx, cancel := context.WithCancel(context.Background())
	_, _ = WithLock(ctx, m, "primary", time.Minute, func(context.Context) (int, error) {
		cancel()
		return 0, context.Canceled
	})

	if _, found, _ := m.Inspect(context.Background(), "primary"); found {
		t.Error("lock should be released even when ctx is cancelled")
	}
}

func TestAcquireRejectsNonPositiveTTL(t *testing.T) {
	m := NewManager(newStore(t))
	if _, err := m.Acquire(context.Background(), "primary", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}
