package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes one event. A returned error triggers the bus's retry
// policy; after the final attempt it is recorded to the DLQ sink (if
// enabled) and otherwise swallowed — handlers never propagate failures back
// to Publish's caller.
type Handler func(ctx context.Context, evt Event) error

type subscription struct {
	name    string
	handler Handler
}

// BusConfig configures retry/DLQ behavior. The zero value makes a single
// attempt per handler with dead-lettering off; DefaultBusConfig returns the
// documented defaults.
type BusConfig struct {
	// MaxRetries is the number of *additional* attempts after the first,
	// i.e. a handler is invoked up to MaxRetries+1 times total.
	MaxRetries int
	// RetryDelay is the constant wait between attempts. A constant-delay
	// retry keeps dispatch timing predictable under load; callers wanting
	// backoff should do so in their own handler logic instead.
	RetryDelay time.Duration
	// DLQEnabled turns on dead-letter recording for exhausted handlers.
	DLQEnabled bool
}

// DefaultBusConfig mirrors the documented source defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
		DLQEnabled: true,
	}
}

// EventBus routes events to subscribers with per-handler retry and a
// dead-letter sink for handlers whose retries are exhausted. Dispatch to
// distinct subscribers of the same event runs concurrently; attempts for a
// single (event, subscriber) pair run sequentially. A subscriber's failure
// never affects other subscribers or subsequent events, and Publish itself
// never returns an error.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription

	config BusConfig
	dlq    DLQSink
	logger Logger

	wg      sync.WaitGroup
	stopped atomic.Bool

	metrics BusMetrics
}

// BusMetrics is the optional telemetry hook a bus records dispatch
// outcomes and DLQ volume against. Kept as a narrow interface here (rather
// than importing a concrete Prometheus type) so core stays free of
// third-party dependencies; telemetry.Metrics satisfies it.
type BusMetrics interface {
	RecordDispatch(eventType, handlerName, outcome string, durationSeconds float64)
	RecordDLQ(eventType, handlerName string)
}

// SetMetrics attaches a BusMetrics recorder. Safe to call before Start;
// not safe for concurrent use with in-flight Publish calls.
func (b *EventBus) SetMetrics(m BusMetrics) {
	b.metrics = m
}

// NewEventBus constructs a bus with the given configuration and DLQ sink.
// A nil dlq disables dead-lettering regardless of config.DLQEnabled; a nil
// logger falls back to NoOpLogger.
func NewEventBus(config BusConfig, dlq DLQSink, logger Logger) *EventBus {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &EventBus{
		subscribers: make(map[string][]subscription),
		config:      config,
		dlq:         dlq,
		logger:      logger,
	}
}

// Start marks the bus ready to accept dispatches by clearing the stopped
// flag, so a bus halted by Stop accepts publishes again. A new bus already
// accepts publishes without it; the bus has no other warm-up work.
func (b *EventBus) Start() {
	b.stopped.Store(false)
}

// Stop signals the bus to reject new Publish calls and blocks until every
// in-flight dispatch (across all subscribers, all events) has completed.
// No forced cancellation is applied; in-flight attempts run to completion.
func (b *EventBus) Stop() {
	b.stopped.Store(true)
	b.wg.Wait()
}

// Subscribe registers handler under name for eventType. Registering the
// same (eventType, name) pair twice is a no-op — idempotent per the bus
// contract — so callers may call Subscribe unconditionally during agent
// (re)start without accumulating duplicate dispatches.
func (b *EventBus) Subscribe(eventType, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers[eventType] {
		if sub.name == name {
			return
		}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{name: name, handler: handler})
}

// Unsubscribe removes the (eventType, name) registration. Removing an
// entry that does not exist is a no-op.
func (b *EventBus) Unsubscribe(eventType, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, sub := range subs {
		if sub.name == name {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish dispatches evt to every subscriber registered for evt.EventType
// at call time. Ordering across distinct events is not guaranteed, and
// within one Publish call the order in which subscribers are invoked is
// unspecified — only the correlation id, not delivery order, is the
// caller's identity for a logical flow. Publish returns as soon as dispatch
// has been scheduled for every current subscriber; it does not wait for
// handlers to finish (use Stop to drain before shutdown).
func (b *EventBus) Publish(ctx context.Context, evt Event) {
	if b.stopped.Load() {
		b.logger.Warn("event bus stopped, dropping publish", map[string]interface{}{
			"event_type":     evt.EventType,
			"event_id":       evt.EventID,
			"correlation_id": evt.CorrelationID,
		})
		return
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers[evt.EventType]))
	copy(subs, b.subscribers[evt.EventType])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.wg.Add(1)
		go b.dispatch(ctx, evt, sub)
	}
}

// dispatch runs one subscriber's attempts sequentially, retrying on error
// up to MaxRetries+1 total attempts, and records a DLQ entry if every
// attempt fails.
func (b *EventBus) dispatch(ctx context.Context, evt Event, sub subscription) {
	defer b.wg.Done()

	start := time.Now()
	var lastErr error
	attempts := b.config.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = b.invoke(ctx, evt, sub)
		if lastErr == nil {
			b.recordDispatch(evt.EventType, sub.name, "success", start)
			return
		}

		b.logger.Warn("handler attempt failed", map[string]interface{}{
			"event_type":     evt.EventType,
			"handler_name":   sub.name,
			"attempt":        attempt,
			"max_attempts":   attempts,
			"correlation_id": evt.CorrelationID,
			"error":          lastErr.Error(),
		})

		if attempt < attempts {
			time.Sleep(b.config.RetryDelay)
		}
	}

	b.recordDispatch(evt.EventType, sub.name, "failure", start)

	if b.config.DLQEnabled && b.dlq != nil {
		b.dlq.Record(DLQRecord{
			EventType:   evt.EventType,
			HandlerName: sub.name,
			Error:       lastErr.Error(),
			EventData:   serializeForDLQ(evt),
			Timestamp:   time.Now().UTC(),
		})
		if b.metrics != nil {
			b.metrics.RecordDLQ(evt.EventType, sub.name)
		}
	}
}

func (b *EventBus) recordDispatch(eventType, handlerName, outcome string, start time.Time) {
	if b.metrics == nil {
		return
	}
	b.metrics.RecordDispatch(eventType, handlerName, outcome, time.Since(start).Seconds())
}

// invoke calls the handler once, converting a panic into an error so one
// misbehaving handler can never crash the bus or stall other subscribers.
func (b *EventBus) invoke(ctx context.Context, evt Event, sub subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = AgentProcessingError("bus.dispatch", sub.name, panicToError(r))
		}
	}()
	return sub.handler(ctx, evt)
}
