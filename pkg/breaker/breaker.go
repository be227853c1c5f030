// Package breaker implements a per-partition circuit breaker.
//
// Each partition (a target language) has its own gobreaker circuit so one
// failing upstream route does not stop the others. Calls go through Execute,
// which never fails: when the primary cannot run or fails, the fallback
// supplies the value.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

// ErrOpen is passed to the fallback when a call is short-circuited.
var ErrOpen = errors.New("circuit breaker is open")

// Defaults used when no option overrides them.
const (
	DefaultThreshold = 3
	DefaultCooldown  = 5 * time.Minute
)

// State is the breaker state of one partition.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case HalfOpen:
		return "HALF_OPEN"
	case Open:
		return "OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return HalfOpen
	case gobreaker.StateOpen:
		return Open
	default:
		return Closed
	}
}

// Snapshot is a point-in-time view of one partition.
type Snapshot struct {
	State           State     `json:"state" yaml:"state"`
	FailureCount    int       `json:"failure_count" yaml:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time" yaml:"last_failure_time"`
}

// StateChangeFunc is called after every transition.
type StateChangeFunc func(partition string, from, to State)

// neutral marks an error that says nothing about the upstream's health.
type neutral struct{ err error }

func (n neutral) Error() string { return n.err.Error() }
func (n neutral) Unwrap() error { return n.err }

// Neutral wraps err so Execute hands it to the fallback without counting a
// failure. Use it for calls that never reached the upstream.
func Neutral(err error) error {
	return neutral{err: err}
}

type partition struct {
	cb          *gobreaker.CircuitBreaker[any]
	failures    int
	lastFailure time.Time
}

// Breaker tracks circuit state per partition.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  StateChangeFunc
	logger    *telemetry.Logger

	mu    sync.Mutex
	parts map[string]*partition
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the number of consecutive failures that opens the circuit.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown sets how long an open circuit waits before a trial call.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithClock overrides the clock used for LastFailureTime. Cooldowns run on
// the wall clock.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(b *Breaker) { b.logger = logger.NewComponentLogger("breaker") }
}

// WithStateChangeHook registers fn to observe transitions.
func WithStateChangeHook(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a breaker with every partition CLOSED.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		threshold: DefaultThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
		logger:    telemetry.NewNopLogger(),
		parts:     make(map[string]*partition),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) newCircuit(name string) *gobreaker.CircuitBreaker[any] {
	threshold := uint32(b.threshold)
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     b.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.notify(name, fromGobreaker(from), fromGobreaker(to))
		},
		IsSuccessful: func(err error) bool {
			var n neutral
			return err == nil || errors.As(err, &n)
		},
	})
}

// get returns the partition, creating a closed circuit on first use.
func (b *Breaker) get(name string) *partition {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.parts[name]
	if !ok {
		p = &partition{cb: b.newCircuit(name)}
		b.parts[name] = p
	}
	return p
}

func (b *Breaker) snapshot(name string, p *partition) Snapshot {
	// State may move OPEN to HALF_OPEN, which calls notify. Never hold mu here.
	state := fromGobreaker(p.cb.State())

	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{State: state, FailureCount: p.failures, LastFailureTime: p.lastFailure}
}

// State returns the current snapshot of partition.
func (b *Breaker) State(partition string) Snapshot {
	return b.snapshot(partition, b.get(partition))
}

// Partitions returns snapshots of every partition seen so far.
func (b *Breaker) Partitions() map[string]Snapshot {
	b.mu.Lock()
	parts := make(map[string]*partition, len(b.parts))
	for name, p := range b.parts {
		parts[name] = p
	}
	b.mu.Unlock()

	out := make(map[string]Snapshot, len(parts))
	for name, p := range parts {
		out[name] = b.snapshot(name, p)
	}
	return out
}

// Reset closes the circuit of partition and clears its failure count.
func (b *Breaker) Reset(name string) {
	from := fromGobreaker(b.get(name).cb.State())

	b.mu.Lock()
	b.parts[name] = &partition{cb: b.newCircuit(name)}
	b.mu.Unlock()

	b.notify(name, from, Closed)
}

func (b *Breaker) record(name string, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.parts[name]
	if !ok {
		return
	}
	if failed {
		p.failures++
		p.lastFailure = b.now()
		return
	}
	p.failures = 0
}

func (b *Breaker) notify(partition string, from, to State) {
	if from == to {
		return
	}
	b.logger.WithPartition(partition).
		WithField("from", from.String()).
		WithField("to", to.String()).
		Warn("Circuit breaker state changed")
	if b.onChange != nil {
		b.onChange(partition, from, to)
	}
}

// Execute runs primary for partition unless the circuit is open, in which
// case fallback receives ErrOpen. A primary error (or panic) is counted as a
// failure and handed to fallback. Cancellation of ctx and Neutral errors are
// passed to fallback without counting as a failure. Execute never panics.
func Execute[T any](ctx context.Context, b *Breaker, partition string, primary func(ctx context.Context) (T, error), fallback func(err error) T) T {
	if err := ctx.Err(); err != nil {
		return fallback(err)
	}

	p := b.get(partition)
	out, err := p.cb.Execute(func() (any, error) {
		value, err := safeCall(ctx, primary)
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, neutral{err: err}
		}
		return value, err
	})

	var n neutral
	switch {
	case err == nil:
		b.record(partition, false)
		value, _ := out.(T)
		return value
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fallback(ErrOpen)
	case errors.As(err, &n):
		return fallback(n.err)
	default:
		b.record(partition, true)
		return fallback(err)
	}
}

func safeCall[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in guarded call: %v", r)
		}
	}()
	return fn(ctx)
}
