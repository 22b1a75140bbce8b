package events

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBusTopicSubscription(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 4)
	runCh := bus.Subscribe(TopicRun, 4)

	bus.Publish(TopicTask, TaskCompletedEvent{TaskID: "A"})

	ev := recv(t, taskCh)
	tc, ok := ev.(TaskCompletedEvent)
	if !ok {
		t.Fatalf("event type = %T, want TaskCompletedEvent", ev)
	}
	if tc.TaskID != "A" {
		t.Errorf("TaskID = %q, want A", tc.TaskID)
	}

	select {
	case ev := <-runCh:
		t.Errorf("run subscriber received task event %v", ev)
	default:
	}
}

func TestBusFirehose(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(8)

	bus.Publish(TopicTask, TaskStartedEvent{TaskID: "A"})
	bus.Publish(TopicRun, RunStartedEvent{RunID: "r1"})

	if _, ok := recv(t, all).(TaskStartedEvent); !ok {
		t.Error("firehose missed task event")
	}
	if _, ok := recv(t, all).(RunStartedEvent); !ok {
		t.Error("firehose missed run event")
	}
}

func TestBusSlowSubscriberDropsEvents(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	bus.Publish(TopicTask, TaskStartedEvent{TaskID: "first"})
	bus.Publish(TopicTask, TaskStartedEvent{TaskID: "dropped"})

	ev := recv(t, ch).(TaskStartedEvent)
	if ev.TaskID != "first" {
		t.Errorf("got %q, want first", ev.TaskID)
	}
	select {
	case ev := <-ch:
		t.Errorf("expected the second event to be dropped, got %v", ev)
	default:
	}
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicTask, 1)

	bus.Close()
	bus.Close() // idempotent

	if _, open := <-ch; open {
		t.Error("subscriber channel still open after Close")
	}

	// Publishing and subscribing after Close are safe no-ops.
	bus.Publish(TopicTask, TaskStartedEvent{TaskID: "A"})
	late := bus.Subscribe(TopicTask, 1)
	if _, open := <-late; open {
		t.Error("post-Close subscription returned an open channel")
	}
}
