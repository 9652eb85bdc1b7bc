package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/devpipeline/internal/task"
)

func transition(id string, from, to task.State) TransitionEvent {
	return TransitionEvent{ID: id, From: from, To: to, Timestamp: time.Now()}
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func assertEmpty(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Errorf("unexpected event %s", e.EventType())
	case <-time.After(10 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)
	bus.Publish(TopicTask, transition("task-1", task.StatePending, task.StateReady))

	received := receive(t, ch)
	assert.Equal(t, "task-1", received.TaskID())
	assert.Equal(t, EventTypeTaskTransition, received.EventType())
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)
	bus.Publish(TopicTask, transition("task-2", task.StateRunning, task.StateQualityCheck))

	for _, ch := range []<-chan Event{ch1, ch2} {
		assert.Equal(t, "task-2", receive(t, ch).TaskID())
	}
}

func TestNonBlockingSend(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicTask, transition("task", task.StatePending, task.StateReady))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked")
	}
	require.NotNil(t, receive(t, ch))
	assertEmpty(t, ch)
}

func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)
	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)
	_, ok = <-all
	assert.False(t, ok)

	assert.NotPanics(t, func() {
		bus.Publish(TopicTask, transition("task-1", task.StatePending, task.StateReady))
	})

	late := bus.Subscribe(TopicTask, 1)
	_, ok = <-late
	assert.False(t, ok, "subscribing to a closed bus yields a closed channel")
}

func TestTopicIsolation(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	gateCh := bus.Subscribe(TopicGate, 10)
	allCh := bus.SubscribeAll(10)

	bus.Publish(TopicTask, transition("t", task.StatePending, task.StateReady))
	bus.Publish(TopicGate, GateEvent{ID: "t"})

	assert.Equal(t, EventTypeTaskTransition, receive(t, taskCh).EventType())
	assert.Equal(t, EventTypeGateVerdict, receive(t, gateCh).EventType())
	assertEmpty(t, taskCh)
	assertEmpty(t, gateCh)

	types := map[string]bool{}
	types[receive(t, allCh).EventType()] = true
	types[receive(t, allCh).EventType()] = true
	assert.Equal(t, map[string]bool{EventTypeTaskTransition: true, EventTypeGateVerdict: true}, types)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	keep := bus.Subscribe(TopicStage, 10)
	drop := bus.Subscribe(TopicStage, 10)
	all := bus.SubscribeAll(10)

	bus.Unsubscribe(drop)
	bus.Unsubscribe(all)
	_, ok := <-drop
	assert.False(t, ok)
	_, ok = <-all
	assert.False(t, ok)

	bus.Publish(TopicStage, StageEvent{Result: task.StageResult{TaskID: "t"}})
	assert.Equal(t, "t", receive(t, keep).TaskID())
}

func TestTopicOf(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{TaskCreatedEvent{}, TopicTask},
		{TransitionEvent{}, TopicTask},
		{StageEvent{}, TopicStage},
		{RoutingEvent{}, TopicRouting},
		{GateEvent{}, TopicGate},
		{PatternEvent{}, TopicPattern},
		{BreakerEvent{}, TopicBreaker},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TopicOf(tt.event), tt.event.EventType())
	}
}
