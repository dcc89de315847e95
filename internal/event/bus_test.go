package event

import (
	"sync"
	"testing"
	"time"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := NewBus()

	var received Event
	id := bus.Subscribe(TypeTaskBlocked, func(e Event) {
		received = e
	})
	if id == "" {
		t.Fatal("Subscribe should return a non-empty ID")
	}

	bus.Publish(NewTaskBlockedEvent("web", "fm-1", 6, "priority ceiling reached"))

	blocked, ok := received.(TaskBlockedEvent)
	if !ok {
		t.Fatalf("expected TaskBlockedEvent, got %T", received)
	}
	if blocked.TaskID != "fm-1" || blocked.Attempts != 6 {
		t.Errorf("unexpected event: %+v", blocked)
	}
	if blocked.Timestamp().IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestBus_SpecificBeforeWildcard(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "wildcard") })
	bus.Subscribe(TypeAgentStarted, func(e Event) { order = append(order, "specific") })

	bus.Publish(NewAgentStartedEvent("web", "fm-1", "coder", 10, "/wt", 1, false))

	if len(order) != 2 || order[0] != "specific" || order[1] != "wildcard" {
		t.Errorf("dispatch order = %v", order)
	}
}

func TestBus_OtherTypesNotDelivered(t *testing.T) {
	bus := NewBus()

	called := false
	bus.Subscribe(TypeTaskMerged, func(e Event) { called = true })
	bus.Publish(NewSchedulerIdleEvent("web", 0, 1, 0))

	if called {
		t.Error("handler for task.merged received scheduler.idle")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	count := 0
	id := bus.Subscribe(TypeTaskUpdated, func(e Event) { count++ })
	bus.Subscribe(TypeTaskUpdated, func(e Event) { count += 10 })

	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe should find the subscription")
	}
	if bus.Unsubscribe(id) {
		t.Error("second Unsubscribe should report false")
	}

	bus.Publish(NewTaskUpdatedEvent("web", "fm-1", "open", 1, "idle", "requeued"))
	if count != 10 {
		t.Errorf("count = %d, want 10", count)
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", bus.SubscriptionCount())
	}
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus()

	delivered := false
	bus.Subscribe(TypeTaskFailed, func(e Event) { panic("boom") })
	bus.Subscribe(TypeTaskFailed, func(e Event) { delivered = true })

	bus.Publish(NewTaskFailedEvent("web", "fm-1", "timeout", true, 2, "no output"))

	if !delivered {
		t.Error("second handler should still run after a panic")
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus()
	bus.Subscribe("a.b", func(Event) {})
	bus.SubscribeAll(func(Event) {})
	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after Clear", bus.SubscriptionCount())
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(NewSchedulerIdleEvent("web", 0, 0, 0))
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.Subscribe(TypeAgentOutput, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(NewAgentOutputEvent("web", "fm-1", "coder", []byte("line\n")))
			}
		}()
	}
	wg.Wait()

	if count != 1000 {
		t.Errorf("count = %d, want 1000", count)
	}
}

func TestAgentOutputEventCopiesChunk(t *testing.T) {
	buf := []byte("hello")
	e := NewAgentOutputEvent("web", "fm-1", "coder", buf)
	buf[0] = 'j'
	if string(e.Chunk) != "hello" {
		t.Errorf("Chunk = %q, want copy of original", e.Chunk)
	}
}

func TestAgentCompletedEvent(t *testing.T) {
	e := NewAgentCompletedEvent("web", "fm-1", "reviewer", 5, 0, "approved", false, 3*time.Second)
	if e.EventType() != TypeAgentCompleted {
		t.Errorf("EventType() = %q", e.EventType())
	}
	if e.Duration != 3*time.Second || e.Status != "approved" {
		t.Errorf("unexpected event: %+v", e)
	}
}
