package event

import (
	"sync"
	"testing"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus(nil)

	called := false
	id := bus.Subscribe(TypeStepStarted, func(e Event) {
		called = true
	})

	if id == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("Expected 1 subscription, got %d", bus.SubscriptionCount())
	}
	if called {
		t.Error("Handler should not be called until an event is published")
	}
}

func TestBus_Publish(t *testing.T) {
	bus := NewBus(nil)

	var received Event
	bus.Subscribe(TypeStepVerified, func(e Event) {
		received = e
	})

	bus.Publish(NewStepVerifiedEvent("run-1", 3, "implementer", false))

	if received == nil {
		t.Fatal("Handler should have received the event")
	}
	v, ok := received.(StepVerifiedEvent)
	if !ok {
		t.Fatalf("received %T, want StepVerifiedEvent", received)
	}
	if v.RunID != "run-1" || v.Step != 3 || v.Timestamp().IsZero() {
		t.Errorf("event = %+v", v)
	}
}

func TestBus_NilBusDropsEvents(t *testing.T) {
	var bus *Bus
	bus.Publish(NewRunStartedEvent("run-1", "goal", 1, nil, false))
}

func TestBus_PublishNoMatchingHandlers(t *testing.T) {
	bus := NewBus(nil)

	bus.Subscribe(TypeWaveStarted, func(e Event) {
		t.Error("Handler should not be called for non-matching event type")
	})

	bus.Publish(newBaseEvent(TypeWaveCompleted, "run-1"))
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(nil)

	var events []string
	bus.SubscribeAll(func(e Event) {
		events = append(events, e.EventType())
	})

	bus.Publish(NewRunStartedEvent("r", "g", 2, [][]int{{1, 2}}, false))
	bus.Publish(NewWaveStartedEvent("r", 0, 1, []int{1, 2}))
	bus.Publish(NewRunFinishedEvent("r", "done", 2, 0, ""))

	expected := []string{TypeRunStarted, TypeWaveStarted, TypeRunFinished}
	if len(events) != len(expected) {
		t.Fatalf("Expected %d events, got %d", len(expected), len(events))
	}
	for i, e := range expected {
		if events[i] != e {
			t.Errorf("Expected event %d to be '%s', got '%s'", i, e, events[i])
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := make(map[string]int)
	id1 := bus.Subscribe(TypeStepFailed, func(e Event) { calls["handler1"]++ })
	bus.Subscribe(TypeStepFailed, func(e Event) { calls["handler2"]++ })

	if !bus.Unsubscribe(id1) {
		t.Error("Unsubscribe should return true when subscription exists")
	}
	if bus.Unsubscribe(id1) {
		t.Error("Unsubscribe should return false the second time")
	}

	bus.Publish(newBaseEvent(TypeStepFailed, "r"))

	if calls["handler1"] != 0 {
		t.Error("handler1 should not be called after unsubscribing")
	}
	if calls["handler2"] != 1 {
		t.Error("handler2 should still be called")
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus(nil)

	bus.Subscribe(TypeRunStarted, func(e Event) {})
	bus.Subscribe(TypeRunFinished, func(e Event) {})
	bus.SubscribeAll(func(e Event) {})

	if bus.SubscriptionCount() != 3 {
		t.Errorf("Expected 3 subscriptions before clear, got %d", bus.SubscriptionCount())
	}

	bus.Clear()

	if bus.SubscriptionCount() != 0 {
		t.Errorf("Expected 0 subscriptions after clear, got %d", bus.SubscriptionCount())
	}
}

func TestBus_HandlerPanicRecovery(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	bus.Subscribe(TypeConflictOpened, func(e Event) {
		calls++
		panic("handler panic")
	})
	bus.Subscribe(TypeConflictOpened, func(e Event) {
		calls++
	})
	bus.SubscribeAll(func(e Event) {
		calls++
	})

	bus.Publish(NewConflictOpenedEvent("r", "c1", "verification", 3, "tests failed"))

	if calls != 3 {
		t.Errorf("Expected all handlers to be called despite panic, got %d calls", calls)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	calls := 0
	bus.Subscribe(TypeStepCompleted, func(e Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() {
			bus.Publish(newBaseEvent(TypeStepCompleted, "r"))
		})
	}
	wg.Wait()

	if calls != 100 {
		t.Errorf("Expected 100 calls, got %d", calls)
	}
}

func TestBus_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	bus := NewBus(nil)

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			id := bus.Subscribe(TypeStepStarted, func(e Event) {})
			bus.Unsubscribe(id)
		})
	}
	wg.Wait()

	if bus.SubscriptionCount() != 0 {
		t.Errorf("Expected 0 subscriptions after concurrent add/remove, got %d", bus.SubscriptionCount())
	}
}

func TestBus_SpecificBeforeWildcard(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "wildcard") })
	bus.Subscribe(TypePlanRevised, func(e Event) { order = append(order, "specific") })

	bus.Publish(NewPlanRevisedEvent("r", 1, 3, "rework", "reworked step 3"))

	if len(order) != 2 || order[0] != "specific" || order[1] != "wildcard" {
		t.Errorf("order = %v", order)
	}
}

func TestBus_UniqueIDs(t *testing.T) {
	bus := NewBus(nil)

	ids := make(map[string]bool)
	for range 1000 {
		id := bus.Subscribe(TypeStepStarted, func(e Event) {})
		if ids[id] {
			t.Errorf("Duplicate subscription ID: %s", id)
		}
		ids[id] = true
	}
}
