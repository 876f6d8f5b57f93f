package subutils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tsarna/diagramhub/pkg/diagramhub/bus"
	"go.uber.org/zap"
)

var (
	ErrQueueFull        = errors.New("subscriber queue is full")
	ErrSubscriberClosed = errors.New("subscriber is closed")
)

type asyncMessage struct {
	bus.EventBusMessage
	Fields map[string]string
}

// AsyncQueueingSubscriber decouples a slow subscriber (one doing network
// I/O, like the cluster relay) from the bus dispatch goroutine. Calls are
// queued and replayed in order on a background goroutine; when the queue is
// full the call fails with ErrQueueFull instead of blocking the bus.
type AsyncQueueingSubscriber struct {
	wrapped   bus.Subscriber
	queue     chan asyncMessage
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    *zap.Logger
	ticker    *time.Ticker
}

// NewAsyncQueueingSubscriber wraps a subscriber. Start must be called before
// queued messages are processed, and Close to drain and stop.
func NewAsyncQueueingSubscriber(wrapped bus.Subscriber, queueSize int) *AsyncQueueingSubscriber {
	if queueSize <= 0 {
		queueSize = 100
	}

	return &AsyncQueueingSubscriber{
		wrapped: wrapped,
		queue:   make(chan asyncMessage, queueSize),
		done:    make(chan struct{}),
		logger:  zap.NewNop(),
	}
}

// WithLogger sets the logger used to report errors returned by the wrapped
// subscriber, which otherwise have nowhere to go.
func (a *AsyncQueueingSubscriber) WithLogger(logger *zap.Logger) *AsyncQueueingSubscriber {
	if logger != nil {
		a.logger = logger
	}
	return a
}

// WithTicker makes the background goroutine deliver a MessageTypeTick to the
// wrapped subscriber's PassThrough every interval. Connections use it to
// send keepalive pings. Must be called before Start.
func (a *AsyncQueueingSubscriber) WithTicker(interval time.Duration) *AsyncQueueingSubscriber {
	if interval > 0 && a.ticker == nil {
		a.ticker = time.NewTicker(interval)
	}
	return a
}

func (a *AsyncQueueingSubscriber) Start() *AsyncQueueingSubscriber {
	a.wg.Add(1)
	go a.processQueue()
	return a
}

func (a *AsyncQueueingSubscriber) processMessage(msg asyncMessage) {
	var err error

	switch msg.MsgType {
	case bus.MessageTypeOnSubscribe:
		err = a.wrapped.OnSubscribe(msg.Ctx, msg.Topic)
	case bus.MessageTypeOnUnsubscribe:
		err = a.wrapped.OnUnsubscribe(msg.Ctx, msg.Topic)
	case bus.MessageTypeEvent:
		err = a.wrapped.OnEvent(msg.Ctx, msg.Topic, msg.Payload, msg.Fields)
	default:
		err = a.wrapped.PassThrough(msg.EventBusMessage)
	}

	if err != nil {
		a.logger.Warn("Async subscriber call failed", zap.String("topic", msg.Topic), zap.Error(err))
	}
}

func (a *AsyncQueueingSubscriber) processQueue() {
	defer a.wg.Done()

	var tick <-chan time.Time
	if a.ticker != nil {
		tick = a.ticker.C
	}

	for {
		select {
		case msg := <-a.queue:
			a.processMessage(msg)
		case <-tick:
			a.processMessage(asyncMessage{EventBusMessage: bus.EventBusMessage{
				Ctx:     context.Background(),
				MsgType: bus.MessageTypeTick,
			}})
		case <-a.done:
			a.drainQueue()
			return
		}
	}
}

func (a *AsyncQueueingSubscriber) drainQueue() {
	for {
		select {
		case msg := <-a.queue:
			a.processMessage(msg)
		default:
			return
		}
	}
}

func (a *AsyncQueueingSubscriber) enqueue(msg asyncMessage) error {
	if a.IsClosed() {
		return ErrSubscriberClosed
	}

	select {
	case a.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *AsyncQueueingSubscriber) OnSubscribe(ctx context.Context, topic string) error {
	return a.enqueue(asyncMessage{EventBusMessage: bus.EventBusMessage{
		Ctx:     ctx,
		MsgType: bus.MessageTypeOnSubscribe,
		Topic:   topic,
	}})
}

func (a *AsyncQueueingSubscriber) OnUnsubscribe(ctx context.Context, topic string) error {
	return a.enqueue(asyncMessage{EventBusMessage: bus.EventBusMessage{
		Ctx:     ctx,
		MsgType: bus.MessageTypeOnUnsubscribe,
		Topic:   topic,
	}})
}

func (a *AsyncQueueingSubscriber) OnEvent(ctx context.Context, topic string, message any, fields map[string]string) error {
	return a.enqueue(asyncMessage{
		EventBusMessage: bus.EventBusMessage{
			Ctx:     ctx,
			MsgType: bus.MessageTypeEvent,
			Topic:   topic,
			Payload: message,
		},
		Fields: fields,
	})
}

// PassThrough queues msg for the wrapped subscriber's PassThrough. It is not
// meant for event or subscription messages, which have their own methods.
func (a *AsyncQueueingSubscriber) PassThrough(msg bus.EventBusMessage) error {
	return a.enqueue(asyncMessage{EventBusMessage: msg})
}

// Close stops accepting calls, processes whatever is still queued, and waits
// for the background goroutine to exit. Safe to call more than once.
func (a *AsyncQueueingSubscriber) Close() error {
	a.closeOnce.Do(func() {
		if a.ticker != nil {
			a.ticker.Stop()
		}
		close(a.done)
		a.wg.Wait()
	})
	return nil
}

func (a *AsyncQueueingSubscriber) QueueSize() int {
	return len(a.queue)
}

func (a *AsyncQueueingSubscriber) QueueCapacity() int {
	return cap(a.queue)
}

func (a *AsyncQueueingSubscriber) IsClosed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}
