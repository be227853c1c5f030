package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted by the orchestrator.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// TickID is the associated tick, if applicable.
	TickID string `json:"tick_id,omitempty"`

	// Partition is the associated partition (language), if applicable.
	Partition string `json:"partition,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeTickStarted         = "tick.started"
	EventTypeTickCompleted       = "tick.completed"
	EventTypeTickFailed          = "tick.failed"
	EventTypeItemGenerated       = "item.generated"
	EventTypeItemSkipped         = "item.skipped"
	EventTypeBreakerStateChanged = "breaker.state_changed"
	EventTypeBudgetEmergency     = "budget.emergency"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishTickStarted publishes a tick started event.
func (ep *EventPublisher) PublishTickStarted(tickID, kind string) error {
	return ep.Publish(Event{
		Type:    EventTypeTickStarted,
		Source:  "orchestrator",
		TickID:  tickID,
		Message: fmt.Sprintf("%s tick %s started", kind, tickID),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"kind": kind,
		},
	})
}

// PublishTickCompleted publishes a tick completed event carrying its report fields.
func (ep *EventPublisher) PublishTickCompleted(tickID, status string, data map[string]interface{}) error {
	return ep.Publish(Event{
		Type:    EventTypeTickCompleted,
		Source:  "orchestrator",
		TickID:  tickID,
		Message: fmt.Sprintf("Tick %s completed with status: %s", tickID, status),
		Level:   EventLevelInfo,
		Data:    data,
	})
}

// PublishTickFailed publishes a tick failed event.
func (ep *EventPublisher) PublishTickFailed(tickID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeTickFailed,
		Source:  "orchestrator",
		TickID:  tickID,
		Message: fmt.Sprintf("Tick %s failed: %s", tickID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishItemGenerated publishes an event for a persisted document.
func (ep *EventPublisher) PublishItemGenerated(tickID, partition, slug string, tokens int64) error {
	return ep.Publish(Event{
		Type:      EventTypeItemGenerated,
		Source:    "orchestrator",
		TickID:    tickID,
		Partition: partition,
		Message:   fmt.Sprintf("Generated %s (%s)", slug, partition),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"slug":   slug,
			"tokens": tokens,
		},
	})
}

// PublishItemSkipped publishes an event for a skipped work item.
func (ep *EventPublisher) PublishItemSkipped(tickID, partition, topic, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeItemSkipped,
		Source:    "orchestrator",
		TickID:    tickID,
		Partition: partition,
		Message:   fmt.Sprintf("Skipped %q (%s): %s", topic, partition, reason),
		Level:     EventLevelWarning,
		Data: map[string]interface{}{
			"topic":  topic,
			"reason": reason,
		},
	})
}

// PublishBreakerStateChanged publishes a circuit breaker transition.
func (ep *EventPublisher) PublishBreakerStateChanged(partition, from, to string) error {
	return ep.Publish(Event{
		Type:      EventTypeBreakerStateChanged,
		Source:    "breaker",
		Partition: partition,
		Message:   fmt.Sprintf("Breaker for %s changed from %s to %s", partition, from, to),
		Level:     EventLevelWarning,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishBudgetEmergency publishes a change of the budget emergency latch.
func (ep *EventPublisher) PublishBudgetEmergency(active bool, utilization float64) error {
	level := EventLevelInfo
	message := "Budget emergency mode cleared"
	if active {
		level = EventLevelError
		message = "Budget emergency mode activated"
	}
	return ep.Publish(Event{
		Type:    EventTypeBudgetEmergency,
		Source:  "budget",
		Message: message,
		Level:   level,
		Data: map[string]interface{}{
			"active":      active,
			"utilization": utilization,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Deliver as soon as the buffer is drained or the batch is full
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers in registration order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// LogSink returns a subscriber that writes each event to logger at the
// event's level.
func LogSink(logger *Logger) EventSubscriber {
	logger = logger.NewComponentLogger("events")
	return func(event Event) {
		l := logger.WithField("event_type", event.Type).WithField("source", event.Source)
		if event.TickID != "" {
			l = l.WithTickID(event.TickID)
		}
		if event.Partition != "" {
			l = l.WithPartition(event.Partition)
		}
		if len(event.Data) > 0 {
			l = l.WithFields(event.Data)
		}

		switch event.Level {
		case EventLevelError:
			l.Error(event.Message)
		case EventLevelWarning:
			l.Warn(event.Message)
		default:
			l.Info(event.Message)
		}
	}
}

// Common event filters.

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

