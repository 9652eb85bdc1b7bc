package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aristath/devpipeline/internal/task"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestSubject(t *testing.T) {
	f := NewNATSForwarder(nil, "", nil)
	assert.Equal(t, "devpipe.task.transition.abc", f.Subject(transition("abc", task.StatePending, task.StateReady)))
	assert.Equal(t, "devpipe.breaker.state._", f.Subject(BreakerEvent{Stage: "lint"}))
	assert.Equal(t, "devpipe.task.created.a_b_c", f.Subject(TaskCreatedEvent{ID: "a.b c"}))
}

func TestNATSForwarderPublishesRecords(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	msgs := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe("ci.task.>", msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	bus := NewBus()
	defer bus.Close()
	log := NewLog(bus)
	forwarder := NewNATSForwarder(nc, "ci", zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	ch := bus.SubscribeAll(0)
	go func() { done <- forwarder.Run(ctx, ch) }()

	log.Append(transition("t-1", task.StateRunning, task.StateBlocked))

	select {
	case msg := <-msgs:
		assert.Equal(t, "ci.task.transition.t-1", msg.Subject)
		var got struct {
			Seq   uint64          `json:"seq"`
			Type  string          `json:"type"`
			Event TransitionEvent `json:"event"`
		}
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, uint64(1), got.Seq)
		assert.Equal(t, EventTypeTaskTransition, got.Type)
		assert.Equal(t, task.StateBlocked, got.Event.To)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for forwarded event")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop")
	}
}

func TestNATSForwarderStopsWhenBusCloses(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	bus := NewBus()
	ch := bus.SubscribeAll(0)
	done := make(chan error, 1)
	go func() { done <- NewNATSForwarder(nc, "", nil).Run(context.Background(), ch) }()

	bus.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop")
	}
}
