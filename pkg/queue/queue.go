// Package queue implements a resumable, day-scoped work queue persisted in a
// StateStore.
//
// Consumers peek the item at the cursor, do their work, then commit the index.
// A crash between peek and commit re-delivers the same item; the cursor never
// skips an item or advances twice.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autoscribe/autoscribe/pkg/stores"
	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

// DayLayout is the layout of queue day keys.
const DayLayout = "2006-01-02"

const keyPrefix = "queue:"

// WorkItem is one unit of prioritized generation work. It is immutable once
// enqueued.
type WorkItem struct {
	Partition     string  `json:"partition" yaml:"partition"`
	CategoryID    int64   `json:"category_id" yaml:"category_id"`
	CategorySlug  string  `json:"category_slug" yaml:"category_slug"`
	CategoryName  string  `json:"category_name" yaml:"category_name"`
	Topic         string  `json:"topic" yaml:"topic"`
	WorkType      string  `json:"work_type" yaml:"work_type"`
	Complexity    string  `json:"complexity" yaml:"complexity"`
	PriorityScore float64 `json:"priority_score" yaml:"priority_score"`
	EstimatedCost int64   `json:"estimated_cost" yaml:"estimated_cost"`
}

// State is the persisted queue.
type State struct {
	DayKey string     `json:"day_key" yaml:"day_key"`
	Items  []WorkItem `json:"items" yaml:"items"`
	Cursor int        `json:"cursor" yaml:"cursor"`
}

// Remaining returns the number of uncommitted items.
func (s State) Remaining() int {
	return len(s.Items) - s.Cursor
}

// normalize clamps the cursor into [0, len(Items)].
func (s *State) normalize() {
	s.Cursor = min(max(s.Cursor, 0), len(s.Items))
}

// Peek is the result of PeekNext. When Done is true Item and Index are unset.
type Peek struct {
	Done  bool
	Item  WorkItem
	Index int
}

// Queue is a named persistent queue.
type Queue struct {
	store  stores.StateStore
	name   string
	now    func() time.Time
	loc    *time.Location
	logger *telemetry.Logger

	mu sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLocation sets the time zone day keys are computed in.
func WithLocation(loc *time.Location) Option {
	return func(q *Queue) {
		if loc != nil {
			q.loc = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(q *Queue) { q.logger = logger.NewComponentLogger("queue") }
}

// New creates the queue called name on top of store.
func New(store stores.StateStore, name string, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		name:   name,
		now:    time.Now,
		loc:    time.UTC,
		logger: telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) key() string {
	return keyPrefix + q.name
}

func (q *Queue) today() string {
	return q.now().In(q.loc).Format(DayLayout)
}

func (q *Queue) load(ctx context.Context) (State, bool, error) {
	var s State
	found, err := q.store.Get(ctx, q.key(), &s)
	if err != nil {
		return State{}, false, fmt.Errorf("failed to load queue %s: %w", q.name, err)
	}
	s.normalize()
	return s, found, nil
}

func (q *Queue) save(ctx context.Context, s State) error {
	if err := q.store.Set(ctx, q.key(), s); err != nil {
		return fmt.Errorf("failed to save queue %s: %w", q.name, err)
	}
	return nil
}

// Init loads the queue, writing an empty queue stamped today when none is
// stored. A stored queue is left untouched whatever its day.
func (q *Queue) Init(ctx context.Context) (State, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, found, err := q.load(ctx)
	if err != nil {
		return State{}, err
	}
	if found {
		return s, nil
	}

	s = State{DayKey: q.today(), Items: []WorkItem{}}
	if err := q.save(ctx, s); err != nil {
		return State{}, err
	}
	return s, nil
}

// Reset replaces the queue with items, cursor 0, stamped today.
func (q *Queue) Reset(ctx context.Context, items []WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := State{
		DayKey: q.today(),
		Items:  append([]WorkItem{}, items...),
	}
	if err := q.save(ctx, s); err != nil {
		return err
	}

	q.logger.WithField("queue", q.name).
		WithField("day", s.DayKey).
		WithField("items", len(s.Items)).
		Info("Queue reset")
	return nil
}

// Snapshot returns the stored queue state.
func (q *Queue) Snapshot(ctx context.Context) (State, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, _, err := q.load(ctx)
	return s, err
}

// PeekNext returns the item at the cursor without advancing it.
func (q *Queue) PeekNext(ctx context.Context) (Peek, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, _, err := q.load(ctx)
	if err != nil {
		return Peek{}, err
	}
	if s.Cursor >= len(s.Items) {
		return Peek{Done: true}, nil
	}
	return Peek{Item: s.Items[s.Cursor], Index: s.Cursor}, nil
}

// CommitIndex marks the item at index as consumed. Committing a stale index
// is a no-op; the cursor never moves backwards or past the end.
func (q *Queue) CommitIndex(ctx context.Context, index int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, found, err := q.load(ctx)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("failed to commit index %d: queue %s is not initialised", index, q.name)
	}

	next := min(max(s.Cursor, index+1), len(s.Items))
	if next == s.Cursor {
		return nil
	}
	s.Cursor = next
	return q.save(ctx, s)
}

// IsForToday reports whether the stored queue was built for the current day.
func (q *Queue) IsForToday(ctx context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, found, err := q.load(ctx)
	if err != nil {
		return false, err
	}
	return found && s.DayKey == q.today(), nil
}

// Remaining returns the number of uncommitted items.
func (q *Queue) Remaining(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, _, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	return s.Remaining(), nil
}

// Clear deletes the stored queue.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Delete(ctx, q.key()); err != nil {
		return fmt.Errorf("failed to clear queue %s: %w", q.name, err)
	}
	return nil
}
