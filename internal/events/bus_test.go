package events

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	event := TaskStartedEvent{
		ID:        "task-1",
		Name:      "Test Task",
		AgentRef:  "summarise",
		Timestamp: time.Now(),
	}

	bus.Publish(TopicTask, event)

	select {
	case received := <-ch:
		if received.TaskID() != "task-1" {
			t.Errorf("expected task ID 'task-1', got '%s'", received.TaskID())
		}
		if received.EventType() != EventTypeTaskStarted {
			t.Errorf("expected event type '%s', got '%s'", EventTypeTaskStarted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	event := TaskCompletedEvent{
		ID:        "task-2",
		Strategy:  "exponential_backoff_retry",
		Duration:  100 * time.Millisecond,
		Timestamp: time.Now(),
	}

	bus.Publish(TopicTask, event)

	// Both channels should receive the event
	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.TaskID() != "task-2" {
				t.Errorf("subscriber %d: expected task ID 'task-2', got '%s'", i+1, received.TaskID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestNonBlockingSendCountsDrops verifies a full subscriber never blocks the
// publisher and every skipped delivery is counted.
func TestNonBlockingSendCountsDrops(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)
	roomy := bus.Subscribe(TopicTask, 20)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(TaskStartedEvent{ID: fmt.Sprintf("task-%d", i), Timestamp: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked on a full subscriber")
	}

	if got := bus.Dropped(); got != 9 {
		t.Errorf("Dropped() = %d, want 9", got)
	}
	if len(ch) != 1 || len(roomy) != 10 {
		t.Errorf("buffered = %d/%d, want 1/10", len(ch), len(roomy))
	}
}

// TestCloseSignalsSubscribers verifies that closing the bus closes subscriber channels.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()

	ch := bus.Subscribe(TopicTask, 10)

	// Close the bus
	bus.Close()

	// Channel should be closed (range loop should exit immediately)
	received := 0
	for range ch {
		received++
	}

	if received != 0 {
		t.Errorf("expected 0 events after close, got %d", received)
	}
}

// TestPublishAfterClose verifies publishing after close doesn't panic.
func TestPublishAfterClose(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)

	bus.Close()

	// This should not panic
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()

	event := TaskStartedEvent{
		ID:        "task-1",
		Name:      "Test",
		AgentRef:  "summarise",
		Timestamp: time.Now(),
	}
	bus.Publish(TopicTask, event)

	// Channel is closed, so we shouldn't receive anything
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event after bus was closed")
		}
	default:
		// Expected - channel closed, no data
	}
}

// TestSubscriptionRouting verifies which subscriptions receive which events
func TestSubscriptionRouting(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	subs := map[string]<-chan Event{
		"task":     bus.Subscribe(TopicTask, 10),
		"recovery": bus.Subscribe(TopicRecovery, 10),
		"dag":      bus.Subscribe(TopicDAG, 10),
		"all":      bus.SubscribeAll(10),
	}

	bus.Emit(TaskStartedEvent{ID: "task-1", AgentRef: "summarise"})
	bus.Emit(RecoveryAttemptedEvent{ID: "task-1", Strategy: "checkpoint_rollback"})
	bus.Emit(DAGProgressEvent{Total: 10, Completed: 5, Running: 2, Pending: 3})

	want := map[string][]string{
		"task":     {EventTypeTaskStarted},
		"recovery": {EventTypeRecoveryAttempted},
		"dag":      {EventTypeDAGProgress},
		"all":      {EventTypeTaskStarted, EventTypeRecoveryAttempted, EventTypeDAGProgress},
	}
	for name, ch := range subs {
		var got []string
		for len(ch) > 0 {
			got = append(got, (<-ch).EventType())
		}
		if fmt.Sprint(got) != fmt.Sprint(want[name]) {
			t.Errorf("%s received %v, want %v", name, got, want[name])
		}
	}
}

func TestTopicOf(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{TaskStartedEvent{ID: "a"}, TopicTask},
		{TaskCompletedEvent{ID: "a"}, TopicTask},
		{TaskFailedEvent{ID: "a"}, TopicTask},
		{RecoveryAttemptedEvent{ID: "a"}, TopicRecovery},
		{RecoverySucceededEvent{ID: "a"}, TopicRecovery},
		{RecoveryExhaustedEvent{ID: "a"}, TopicRecovery},
		{DAGProgressEvent{}, TopicDAG},
	}

	for _, tt := range tests {
		t.Run(tt.event.EventType(), func(t *testing.T) {
			if got := TopicOf(tt.event); got != tt.want {
				t.Errorf("TopicOf(%s) = %q, want %q", tt.event.EventType(), got, tt.want)
			}
		})
	}
}

// TestEmitRoutesByType verifies Emit publishes under the topic of the event type.
func TestEmitRoutesByType(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	recCh := bus.Subscribe(TopicRecovery, 10)
	taskCh := bus.Subscribe(TopicTask, 10)

	bus.Emit(RecoveryExhaustedEvent{
		WorkflowID: "wf-1",
		ID:         "fetch",
		Strategies: []string{"exponential_backoff_retry"},
		Err:        errors.New("boom"),
		Timestamp:  time.Now(),
	})

	select {
	case received := <-recCh:
		ev, ok := received.(RecoveryExhaustedEvent)
		if !ok {
			t.Fatalf("expected RecoveryExhaustedEvent, got %T", received)
		}
		if ev.WorkflowID != "wf-1" || ev.ID != "fetch" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("recovery channel: timeout waiting for event")
	}

	select {
	case <-taskCh:
		t.Error("task channel received recovery event")
	case <-time.After(10 * time.Millisecond):
	}
}

// TestSubscribeWorkflow verifies workflow subscriptions only see their own run
func TestSubscribeWorkflow(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ingest := bus.SubscribeWorkflow("ingest", 10)

	bus.Emit(TaskStartedEvent{WorkflowID: "ingest", ID: "fetch"})
	bus.Emit(TaskStartedEvent{WorkflowID: "report", ID: "render"})
	bus.Emit(DAGProgressEvent{WorkflowID: "ingest", Total: 3, Running: 1})
	bus.Emit(RecoverySucceededEvent{WorkflowID: "report", ID: "render"})

	var got []string
	for len(ingest) > 0 {
		e := <-ingest
		if e.Workflow() != "ingest" {
			t.Errorf("received event of workflow %q", e.Workflow())
		}
		got = append(got, e.EventType())
	}
	want := []string{EventTypeTaskStarted, EventTypeDAGProgress}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if bus.Dropped() != 0 {
		t.Errorf("Dropped() = %d, filtered events must not count as drops", bus.Dropped())
	}
}

// TestSubscribeAfterClose verifies late subscribers get a closed channel
func TestSubscribeAfterClose(t *testing.T) {
	bus := NewEventBus()
	bus.Close()
	bus.Close()

	for name, ch := range map[string]<-chan Event{
		"topic":    bus.Subscribe(TopicDAG, 0),
		"all":      bus.SubscribeAll(0),
		"workflow": bus.SubscribeWorkflow("wf", 0),
	} {
		if _, ok := <-ch; ok {
			t.Errorf("%s: expected closed channel", name)
		}
	}
}
