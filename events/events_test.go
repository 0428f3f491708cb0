package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestEventBus_Subscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	handler := &mockHandler{}
	id := eb.Subscribe("test_event", handler)
	if id == 0 {
		t.Fatal("Expected a non-zero subscription id")
	}

	eb.mu.RLock()
	handlers, ok := eb.handlers["test_event"]
	eb.mu.RUnlock()

	if !ok {
		t.Fatal("Expected handlers for test_event, but none found")
	}

	if len(handlers) != 1 {
		t.Fatalf("Expected 1 handler, got %d", len(handlers))
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	id1 := eb.SubscribeFunc("test_event", func(ctx context.Context, event Event) error { return nil })
	id2 := eb.SubscribeFunc("test_event", func(ctx context.Context, event Event) error { return nil })
	if id1 == id2 {
		t.Fatal("Subscription ids must be unique")
	}

	eb.mu.RLock()
	if len(eb.handlers["test_event"]) != 2 {
		t.Fatalf("Expected 2 handlers, got %d", len(eb.handlers["test_event"]))
	}
	eb.mu.RUnlock()

	if !eb.Unsubscribe("test_event", id1) {
		t.Fatal("Unsubscribe should return true for existing subscription")
	}

	eb.mu.RLock()
	remaining := eb.handlers["test_event"]
	eb.mu.RUnlock()
	if len(remaining) != 1 || remaining[0].id != id2 {
		t.Fatalf("Expected only subscription %d to remain, got %+v", id2, remaining)
	}

	if eb.Unsubscribe("test_event", id1) {
		t.Fatal("Unsubscribe should return false for a removed subscription")
	}
	if eb.Unsubscribe("other_event", id2) {
		t.Fatal("Unsubscribe should return false for the wrong event type")
	}
}

func TestEventBus_Publish(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	var wg sync.WaitGroup
	wg.Add(1)

	handler := &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			defer wg.Done()
			if event.Type != ExecutionFinished {
				t.Errorf("Expected event type %q, got %q", ExecutionFinished, event.Type)
			}
			if event.Subject != "exec-123" {
				t.Errorf("Expected subject exec-123, got %s", event.Subject)
			}
			return nil
		},
	}

	eb.Subscribe(ExecutionFinished, handler)

	event := Event{
		Type:    ExecutionFinished,
		Subject: "exec-123",
		Data:    map[string]interface{}{"status": "success"},
	}

	if err := eb.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if !waitWithTimeout(&wg, 1*time.Second) {
		t.Fatal("Handler was not called")
	}
}

func TestEventBus_PublishSync(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe("test_event", &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			return errors.New("test error")
		},
	})

	errs := eb.PublishSync(context.Background(), Event{Type: "test_event", Subject: "123"})
	if len(errs) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(errs))
	}

	if errs[0].Error() != "test error" {
		t.Errorf("Expected 'test error', got '%v'", errs[0])
	}
}

func TestEventBus_PublishSyncTimeout(t *testing.T) {
	eb := NewEventBus(WithSyncTimeout(20 * time.Millisecond))
	defer eb.Stop()

	eb.SubscribeFunc("slow", func(ctx context.Context, event Event) error {
		<-ctx.Done()
		return ctx.Err()
	})

	errs := eb.PublishSync(context.Background(), Event{Type: "slow"})
	if len(errs) != 1 || !errors.Is(errs[0], context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", errs)
	}
}

func TestEventBus_PublishNoHandlers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	err := eb.Publish(context.Background(), Event{Type: "unknown_event"})
	if err != ErrNoHandler {
		t.Fatalf("Expected ErrNoHandler, got %v", err)
	}
}

func TestEventBus_PublishAfterStop(t *testing.T) {
	eb := NewEventBus()
	eb.Stop()

	err := eb.Publish(context.Background(), Event{Type: "test_event"})
	if err != ErrBusClosed {
		t.Fatalf("Expected ErrBusClosed, got %v", err)
	}
}

func TestEventBus_HasSubscribers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	if eb.HasSubscribers("test_event") {
		t.Fatal("HasSubscribers should return false for non-existent event type")
	}

	id := eb.Subscribe("test_event", &mockHandler{})

	if !eb.HasSubscribers("test_event") {
		t.Fatal("HasSubscribers should return true after subscription")
	}

	eb.Unsubscribe("test_event", id)

	if eb.HasSubscribers("test_event") {
		t.Fatal("HasSubscribers should return false after unsubscribe")
	}
}

func TestEventBus_TriggerEventType(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	var wg sync.WaitGroup
	wg.Add(1)

	var mu sync.Mutex
	var got map[string]interface{}
	eb.SubscribeFunc(TriggerEventType("invoice_uploaded"), func(ctx context.Context, event Event) error {
		defer wg.Done()
		mu.Lock()
		got = event.Data
		mu.Unlock()
		return nil
	})

	err := eb.Publish(context.Background(), Event{
		Type: TriggerEventType("invoice_uploaded"),
		Data: map[string]interface{}{"file": "march.pdf"},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if !waitWithTimeout(&wg, 1*time.Second) {
		t.Fatal("Handler function was not called")
	}

	mu.Lock()
	defer mu.Unlock()
	if got["file"] != "march.pdf" {
		t.Fatalf("Expected event data to be delivered, got %v", got)
	}
}

func TestEventBus_WithOptions(t *testing.T) {
	var customErrorCalled bool
	var customErrorMu sync.Mutex

	customErrorHandler := func(event Event, err error) {
		customErrorMu.Lock()
		customErrorCalled = true
		customErrorMu.Unlock()
	}

	eb := NewEventBus(
		WithBufferSize(200),
		WithErrorHandler(customErrorHandler),
	)
	defer eb.Stop()

	if cap(eb.eventCh) != 200 {
		t.Fatalf("Expected buffer size 200, got %d", cap(eb.eventCh))
	}

	var wg sync.WaitGroup
	wg.Add(1)

	eb.Subscribe("test_event", &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			defer wg.Done()
			return errors.New("test error")
		},
	})

	if err := eb.Publish(context.Background(), Event{Type: "test_event"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitWithTimeout(&wg, 1*time.Second)
	time.Sleep(100 * time.Millisecond) // Give time for error handler to be called

	customErrorMu.Lock()
	if !customErrorCalled {
		t.Fatal("Custom error handler was not called")
	}
	customErrorMu.Unlock()
}

func TestEventBus_DefaultErrorHandlerLogs(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	eb := NewEventBus(WithLogger(zap.New(core)))

	eb.SubscribeFunc("failing", func(ctx context.Context, event Event) error {
		return errors.New("boom")
	})

	if err := eb.Publish(context.Background(), Event{Type: "failing", Subject: "wf-1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for logs.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	eb.Stop()

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 logged error, got %d", len(entries))
	}
	if entries[0].ContextMap()["subject"] != "wf-1" {
		t.Errorf("Expected subject field wf-1, got %v", entries[0].ContextMap())
	}
}

func TestEventBus_CancelledContext(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe("test_event", &mockHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := eb.Publish(ctx, Event{Type: "test_event"})
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled error, got %v", err)
	}
}

// Helper types and functions

type mockHandler struct {
	handleFunc func(ctx context.Context, event Event) error
}

func (m *mockHandler) Handle(ctx context.Context, event Event) error {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, event)
	}
	return nil
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
