package subutils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/diagramhub/pkg/diagramhub/bus"
	"go.uber.org/zap/zaptest"
)

type callRecorder struct {
	mu     sync.Mutex
	calls  []string
	gate   chan struct{}
	events []any
}

func (c *callRecorder) record(call string) {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *callRecorder) OnSubscribe(ctx context.Context, topic string) error {
	c.record("sub:" + topic)
	return nil
}

func (c *callRecorder) OnUnsubscribe(ctx context.Context, topic string) error {
	c.record("unsub:" + topic)
	return nil
}

func (c *callRecorder) OnEvent(ctx context.Context, topic string, message any, fields map[string]string) error {
	c.record("event:" + topic)
	c.mu.Lock()
	c.events = append(c.events, message)
	c.mu.Unlock()
	return nil
}

func (c *callRecorder) PassThrough(msg bus.EventBusMessage) error {
	c.record("pass:" + msg.Topic)
	return nil
}

func (c *callRecorder) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func TestAsyncQueueingSubscriber_PreservesOrder(t *testing.T) {
	rec := &callRecorder{}
	async := NewAsyncQueueingSubscriber(rec, 10).WithLogger(zaptest.NewLogger(t)).Start()
	ctx := context.Background()

	require.NoError(t, async.OnSubscribe(ctx, "diagrams/#"))
	require.NoError(t, async.OnEvent(ctx, "diagrams/a/pong", []byte("{}"), nil))
	require.NoError(t, async.PassThrough(bus.EventBusMessage{MsgType: bus.MessageTypeTick, Topic: "tick"}))
	require.NoError(t, async.OnUnsubscribe(ctx, "diagrams/#"))
	require.NoError(t, async.Close())

	assert.Equal(t, []string{
		"sub:diagrams/#",
		"event:diagrams/a/pong",
		"pass:tick",
		"unsub:diagrams/#",
	}, rec.Calls())
}

func TestAsyncQueueingSubscriber_QueueFull(t *testing.T) {
	rec := &callRecorder{gate: make(chan struct{})}
	async := NewAsyncQueueingSubscriber(rec, 1).Start()
	ctx := context.Background()

	// first call is picked up and blocks on the gate
	require.NoError(t, async.OnEvent(ctx, "a", nil, nil))
	require.Eventually(t, func() bool { return async.QueueSize() == 0 }, time.Second, time.Millisecond)

	require.NoError(t, async.OnEvent(ctx, "b", nil, nil))
	assert.ErrorIs(t, async.OnEvent(ctx, "c", nil, nil), ErrQueueFull)
	assert.Equal(t, 1, async.QueueCapacity())

	close(rec.gate)
	require.NoError(t, async.Close())
	assert.Equal(t, []string{"event:a", "event:b"}, rec.Calls())
}

func TestAsyncQueueingSubscriber_Closed(t *testing.T) {
	async := NewAsyncQueueingSubscriber(&callRecorder{}, 0).Start()
	assert.Equal(t, 100, async.QueueCapacity())

	require.NoError(t, async.Close())
	require.NoError(t, async.Close())
	assert.True(t, async.IsClosed())
	assert.ErrorIs(t, async.OnEvent(context.Background(), "x", nil, nil), ErrSubscriberClosed)
}

func TestAsyncQueueingSubscriber_OnBus(t *testing.T) {
	eb, err := bus.NewEventBus().WithLogger(zaptest.NewLogger(t)).Build()
	require.NoError(t, err)
	require.NoError(t, eb.Start())
	defer eb.Stop()

	rec := &callRecorder{}
	async := NewAsyncQueueingSubscriber(rec, 10).Start()
	defer async.Close()

	ctx := context.Background()
	require.NoError(t, eb.Subscribe(ctx, async, bus.DiagramTopicPattern))
	require.NoError(t, eb.Publish(ctx, bus.DiagramTopic("d1", "user_joined"), "payload"))

	require.Eventually(t, func() bool { return len(rec.Calls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "event:diagrams/d1/user_joined", rec.Calls()[1])
}

func TestAsyncQueueingSubscriber_Ticker(t *testing.T) {
	rec := &callRecorder{}
	async := NewAsyncQueueingSubscriber(rec, 10).WithTicker(5 * time.Millisecond).Start()

	require.Eventually(t, func() bool { return len(rec.Calls()) >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, async.Close())

	for _, call := range rec.Calls() {
		assert.Equal(t, "pass:", call)
	}
}
