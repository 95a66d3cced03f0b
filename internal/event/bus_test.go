package event

import (
	"sync"
	"testing"
	"time"
)

type recordingReporter struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingReporter) Error(msg string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func TestBus_Publish(t *testing.T) {
	bus := NewBus(nil)

	var received Event
	bus.Subscribe(TypeJobPolled, func(e Event) {
		received = e
	})

	bus.Publish(NewJobPolledEvent("batches/1", "pending", "running", time.Minute))

	polled, ok := received.(JobPolledEvent)
	if !ok {
		t.Fatalf("handler received %T, want JobPolledEvent", received)
	}
	if polled.JobID != "batches/1" || !polled.Changed() {
		t.Errorf("unexpected event %+v", polled)
	}
}

func TestBus_PublishNoMatchingHandlers(t *testing.T) {
	bus := NewBus(nil)

	bus.Subscribe(TypeChunkFailed, func(e Event) {
		t.Error("handler should not be called for non-matching event type")
	})

	bus.Publish(NewChunkSubmittedEvent(1, "batches/1", 10))
}

func TestBus_SpecificBeforeWildcard(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(e Event) {
		order = append(order, "wildcard:"+e.EventType())
	})
	bus.Subscribe(TypePhaseChanged, func(e Event) {
		order = append(order, "specific:"+e.EventType())
	})

	bus.Publish(NewPhaseChangedEvent("r1", "staged", "submitted"))

	want := []string{"specific:" + TypePhaseChanged, "wildcard:" + TypePhaseChanged}
	if len(order) != 2 || order[0] != want[0] || order[1] != want[1] {
		t.Errorf("dispatch order = %v, want %v", order, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := map[string]int{}
	id1 := bus.Subscribe(TypeApplyProgress, func(e Event) { calls["first"]++ })
	bus.Subscribe(TypeApplyProgress, func(e Event) { calls["second"]++ })

	if !bus.Unsubscribe(id1) {
		t.Fatal("Unsubscribe() = false for existing subscription")
	}
	if bus.Unsubscribe("sub-unknown") {
		t.Error("Unsubscribe() = true for unknown subscription")
	}

	bus.Publish(NewApplyProgressEvent(1, 0, 0))

	if calls["first"] != 0 || calls["second"] != 1 {
		t.Errorf("calls = %v", calls)
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", bus.SubscriptionCount())
	}

	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() after Clear = %d", bus.SubscriptionCount())
	}
}

func TestBus_HandlerPanicRecovery(t *testing.T) {
	reporter := &recordingReporter{}
	bus := NewBus(reporter)

	calls := 0
	bus.Subscribe(TypeIntegrity, func(e Event) {
		calls++
		panic("handler panic")
	})
	bus.Subscribe(TypeIntegrity, func(e Event) {
		calls++
	})

	bus.Publish(NewIntegrityEvent("results-001.jsonl", 1, 0, 0))

	if calls != 2 {
		t.Errorf("expected both handlers to run despite panic, got %d", calls)
	}
	if len(reporter.msgs) != 1 {
		t.Errorf("reporter received %d messages, want 1", len(reporter.msgs))
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	calls := 0
	bus.Subscribe(TypeDownloadProgress, func(e Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() {
			bus.Publish(NewDownloadProgressEvent("batches/1", 1024, false))
		})
	}
	wg.Wait()

	if calls != 100 {
		t.Errorf("expected 100 calls, got %d", calls)
	}
}

func TestBus_UniqueIDs(t *testing.T) {
	bus := NewBus(nil)

	ids := make(map[string]bool)
	for range 100 {
		id := bus.Subscribe(TypeJobPolled, func(e Event) {})
		if ids[id] {
			t.Errorf("duplicate subscription ID: %s", id)
		}
		ids[id] = true
	}
}
