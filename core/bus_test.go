package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type testDLQSink struct {
	mu      sync.Mutex
	records []DLQRecord
}

func (s *testDLQSink) Record(rec DLQRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *testDLQSink) snapshot() []DLQRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DLQRecord, len(s.records))
	copy(out, s.records)
	return out
}

type testBusMetrics struct {
	mu         sync.Mutex
	dispatches []string
	dlqs       []string
}

func (m *testBusMetrics) RecordDispatch(eventType, handlerName, outcome string, durationSeconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches = append(m.dispatches, eventType+"|"+handlerName+"|"+outcome)
}

func (m *testBusMetrics) RecordDLQ(eventType, handlerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlqs = append(m.dlqs, eventType+"|"+handlerName)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEventBus_PublishDispatchesToAllSubscribers(t *testing.T) {
	bus := NewEventBus(DefaultBusConfig(), nil, nil)

	var mu sync.Mutex
	var received []string
	bus.Subscribe("widget.created", "subA", func(ctx context.Context, evt Event) error {
		mu.Lock()
		received = append(received, "A")
		mu.Unlock()
		return nil
	})
	bus.Subscribe("widget.created", "subB", func(ctx context.Context, evt Event) error {
		mu.Lock()
		received = append(received, "B")
		mu.Unlock()
		return nil
	})

	bus.Publish(context.Background(), NewEvent("widget.created", "corr-1", "payload"))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	})
}

func TestEventBus_RetriesUntilSuccess(t *testing.T) {
	cfg := BusConfig{MaxRetries: 2, RetryDelay: time.Millisecond, DLQEnabled: true}
	bus := NewEventBus(cfg, nil, nil)

	var attempts int32
	var mu sync.Mutex
	done := make(chan struct{})
	bus.Subscribe("retry.me", "flaky", func(ctx context.Context, evt Event) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return errors.New("not yet")
		}
		close(done)
		return nil
	})

	bus.Publish(context.Background(), NewEvent("retry.me", "corr-2", nil))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never succeeded within the retry budget")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 initial + 2 retries)", attempts)
	}
}

func TestEventBus_RecordsDLQAfterRetriesExhausted(t *testing.T) {
	cfg := BusConfig{MaxRetries: 1, RetryDelay: time.Millisecond, DLQEnabled: true}
	dlq := &testDLQSink{}
	bus := NewEventBus(cfg, dlq, nil)

	bus.Subscribe("always.fails", "broken", func(ctx context.Context, evt Event) error {
		return errors.New("boom")
	})
	bus.Publish(context.Background(), NewEvent("always.fails", "corr-3", nil))

	waitFor(t, time.Second, func() bool { return len(dlq.snapshot()) == 1 })

	rec := dlq.snapshot()[0]
	if rec.EventType != "always.fails" || rec.HandlerName != "broken" {
		t.Errorf("unexpected DLQ record: %+v", rec)
	}
	if rec.Error != "boom" {
		t.Errorf("DLQ record error = %q, want boom", rec.Error)
	}
}

func TestEventBus_OneSubscriberFailureDoesNotAffectAnother(t *testing.T) {
	cfg := BusConfig{MaxRetries: 0, RetryDelay: time.Millisecond, DLQEnabled: true}
	bus := NewEventBus(cfg, &testDLQSink{}, nil)

	var mu sync.Mutex
	healthyRan := false
	bus.Subscribe("shared.event", "unhealthy", func(ctx context.Context, evt Event) error {
		return errors.New("always breaks")
	})
	bus.Subscribe("shared.event", "healthy", func(ctx context.Context, evt Event) error {
		mu.Lock()
		healthyRan = true
		mu.Unlock()
		return nil
	})

	bus.Publish(context.Background(), NewEvent("shared.event", "corr-4", nil))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return healthyRan
	})
}

func TestEventBus_HandlerPanicIsRecoveredAndTreatedAsFailure(t *testing.T) {
	cfg := BusConfig{MaxRetries: 0, RetryDelay: time.Millisecond, DLQEnabled: true}
	dlq := &testDLQSink{}
	bus := NewEventBus(cfg, dlq, nil)

	bus.Subscribe("panics", "oops", func(ctx context.Context, evt Event) error {
		panic("handler exploded")
	})
	bus.Publish(context.Background(), NewEvent("panics", "corr-5", nil))

	waitFor(t, time.Second, func() bool { return len(dlq.snapshot()) == 1 })
}

func TestEventBus_MetricsRecordDispatchOutcomesAndDLQ(t *testing.T) {
	cfg := BusConfig{MaxRetries: 0, RetryDelay: time.Millisecond, DLQEnabled: true}
	bus := NewEventBus(cfg, &testDLQSink{}, nil)
	metrics := &testBusMetrics{}
	bus.SetMetrics(metrics)

	bus.Subscribe("metered.ok", "ok-handler", func(ctx context.Context, evt Event) error { return nil })
	bus.Subscribe("metered.fail", "fail-handler", func(ctx context.Context, evt Event) error { return errors.New("fail") })

	bus.Publish(context.Background(), NewEvent("metered.ok", "corr-6", nil))
	bus.Publish(context.Background(), NewEvent("metered.fail", "corr-7", nil))

	waitFor(t, time.Second, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		return len(metrics.dispatches) == 2 && len(metrics.dlqs) == 1
	})

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	foundSuccess, foundFailure := false, false
	for _, d := range metrics.dispatches {
		if d == "metered.ok|ok-handler|success" {
			foundSuccess = true
		}
		if d == "metered.fail|fail-handler|failure" {
			foundFailure = true
		}
	}
	if !foundSuccess {
		t.Errorf("expected a success dispatch record, got %v", metrics.dispatches)
	}
	if !foundFailure {
		t.Errorf("expected a failure dispatch record, got %v", metrics.dispatches)
	}
	if len(metrics.dlqs) != 1 || metrics.dlqs[0] != "metered.fail|fail-handler" {
		t.Errorf("expected one DLQ record for metered.fail|fail-handler, got %v", metrics.dlqs)
	}
}

func TestEventBus_StopDrainsInFlightDispatchesAndRejectsNewPublishes(t *testing.T) {
	bus := NewEventBus(DefaultBusConfig(), nil, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	bus.Subscribe("slow", "slow-handler", func(ctx context.Context, evt Event) error {
		close(started)
		<-release
		return nil
	})

	bus.Publish(context.Background(), NewEvent("slow", "corr-8", nil))
	<-started

	stopped := make(chan struct{})
	go func() {
		bus.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop() returned before the in-flight handler finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return after the in-flight handler finished")
	}

	var ran bool
	bus.Subscribe("after.stop", "late", func(ctx context.Context, evt Event) error {
		ran = true
		return nil
	})
	bus.Publish(context.Background(), NewEvent("after.stop", "corr-9", nil))
	time.Sleep(20 * time.Millisecond)
	if ran {
		t.Error("a stopped bus must not dispatch new publishes")
	}
}

func TestEventBus_SubscribeIsIdempotentPerNameAndUnsubscribeRemoves(t *testing.T) {
	bus := NewEventBus(DefaultBusConfig(), nil, nil)

	var mu sync.Mutex
	calls := 0
	handler := func(ctx context.Context, evt Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}
	bus.Subscribe("dup.check", "same-name", handler)
	bus.Subscribe("dup.check", "same-name", handler) // re-registering is a no-op

	bus.Publish(context.Background(), NewEvent("dup.check", "corr-10", nil))
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})

	bus.Unsubscribe("dup.check", "same-name")
	bus.Publish(context.Background(), NewEvent("dup.check", "corr-11", nil))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls after unsubscribe = %d, want still 1", calls)
	}
}
