package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/tsarna/diagramhub/pkg/diagramhub/o11y"
	"go.uber.org/zap"
)

// EventBus is an in-process publish/subscribe broker. Rooms publish every
// event they fan out locally; observers (the cluster relay, loggers) subscribe
// with topic patterns.
type EventBus interface {
	Start() error
	Stop() error

	Subscribe(ctx context.Context, subscriber Subscriber, topic string) error
	Unsubscribe(ctx context.Context, subscriber Subscriber, topic string) error
	UnsubscribeAll(ctx context.Context, subscriber Subscriber) error

	Publish(ctx context.Context, topic string, payload any) error
}

type MessageType int

const (
	MessageTypeEvent MessageType = iota
	MessageTypeSubscribe
	MessageTypeSubscribeWithExtraction
	MessageTypeUnsubscribe
	MessageTypeUnsubscribeAll

	MessageTypeOnSubscribe
	MessageTypeOnUnsubscribe
	MessageTypePassThrough
	MessageTypeTick
)

// EventBusMessage is the unit carried on the bus channel.
type EventBusMessage struct {
	Ctx     context.Context
	MsgType MessageType
	Topic   string
	Payload any
}

type subscriptionRequest struct {
	subscriber Subscriber
	responseCh chan error
}

// basicEventBus serializes every operation through one channel and one
// dispatch goroutine, so the subscription table needs no lock and events are
// delivered in publish order.
type basicEventBus struct {
	ch            chan EventBusMessage
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	started       int32
	subscriptions map[Subscriber]map[string]matcher
	logger        *zap.Logger
	busName       string

	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider

	publishCounter     o11y.Counter
	subscribeCounter   o11y.Counter
	unsubscribeCounter o11y.Counter
	errorCounter       o11y.Counter
	subscriberGauge    o11y.Gauge
}

func (b *basicEventBus) setupObservability(config *o11y.Config) {
	if config.MetricsProvider == nil {
		return
	}
	m := config.MetricsProvider
	b.publishCounter = m.Counter("eventbus_messages_published_total")
	b.subscribeCounter = m.Counter("eventbus_subscriptions_total")
	b.unsubscribeCounter = m.Counter("eventbus_unsubscriptions_total")
	b.errorCounter = m.Counter("eventbus_errors_total")
	b.subscriberGauge = m.Gauge("eventbus_active_subscribers")
}

// Start launches the dispatch goroutine.
func (b *basicEventBus) Start() error {
	if !atomic.CompareAndSwapInt32(&b.started, 0, 1) {
		return fmt.Errorf("event bus already started")
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.logger.Info("EventBus started", zap.String("bus", b.busName))

		for {
			select {
			case msg := <-b.ch:
				b.dispatch(msg)
			case <-b.ctx.Done():
				b.logger.Info("EventBus stopping", zap.String("bus", b.busName))
				return
			}
		}
	}()

	return nil
}

func (b *basicEventBus) dispatch(msg EventBusMessage) {
	var err error
	var operation string

	switch msg.MsgType {
	case MessageTypeEvent:
		b.deliver(msg)
		return
	case MessageTypeSubscribe, MessageTypeSubscribeWithExtraction:
		operation = "subscribe"
		err = b.doSubscribe(msg)
	case MessageTypeUnsubscribe:
		operation = "unsubscribe"
		err = b.doUnsubscribe(msg)
	case MessageTypeUnsubscribeAll:
		operation = "unsubscribe_all"
		err = b.doUnsubscribeAll(msg)
	default:
		b.logger.Debug("EventBus received unknown message type", zap.Int("msgType", int(msg.MsgType)))
		return
	}

	if err != nil {
		b.logger.Error("EventBus operation failed", zap.String("operation", operation), zap.Error(err))
		b.countError(msg.Ctx, operation, msg.Topic)
	}
}

func (b *basicEventBus) deliver(msg EventBusMessage) {
	for subscriber, matchers := range b.subscriptions {
		for _, match := range matchers {
			ok, fields := match(msg.Topic)
			if !ok {
				continue
			}
			if err := subscriber.OnEvent(msg.Ctx, msg.Topic, msg.Payload, fields); err != nil {
				b.logger.Error("Error in OnEvent", zap.String("topic", msg.Topic), zap.Error(err))
				b.countError(msg.Ctx, "on_event", msg.Topic)
			}
			// one delivery per subscriber even when several patterns match
			break
		}
	}
}

func (b *basicEventBus) countError(ctx context.Context, operation, topic string) {
	if b.errorCounter != nil {
		b.errorCounter.Add(ctx, 1,
			o11y.Label{Key: "operation", Value: operation},
			o11y.Label{Key: "topic", Value: topic},
		)
	}
}

// Publish queues an event for asynchronous delivery. Delivery order across
// calls matches the order in which Publish returned.
func (b *basicEventBus) Publish(ctx context.Context, topic string, payload any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if b.tracingProvider != nil {
		var span o11y.Span
		ctx, span = b.tracingProvider.StartSpan(ctx, "eventbus.publish")
		span.SetAttributes(o11y.Label{Key: "topic", Value: topic})
		defer span.End()
	}

	if b.publishCounter != nil {
		b.publishCounter.Add(ctx, 1, o11y.Label{Key: "topic", Value: topic})
	}

	return b.accept(EventBusMessage{
		Ctx:     ctx,
		MsgType: MessageTypeEvent,
		Topic:   topic,
		Payload: payload,
	})
}

func (b *basicEventBus) Subscribe(ctx context.Context, subscriber Subscriber, topic string) error {
	msgType := MessageTypeSubscribe
	if mqttpattern.HasExtractions(topic) {
		msgType = MessageTypeSubscribeWithExtraction
	}
	return b.request(ctx, "eventbus.subscribe", b.subscribeCounter, msgType, subscriber, topic)
}

func (b *basicEventBus) Unsubscribe(ctx context.Context, subscriber Subscriber, topic string) error {
	return b.request(ctx, "eventbus.unsubscribe", b.unsubscribeCounter, MessageTypeUnsubscribe, subscriber, topic)
}

func (b *basicEventBus) UnsubscribeAll(ctx context.Context, subscriber Subscriber) error {
	return b.request(ctx, "eventbus.unsubscribe_all", b.unsubscribeCounter, MessageTypeUnsubscribeAll, subscriber, "*")
}

// request sends a subscription change through the dispatch goroutine and
// waits for its result.
func (b *basicEventBus) request(ctx context.Context, spanName string, counter o11y.Counter, msgType MessageType, subscriber Subscriber, topic string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var span o11y.Span
	if b.tracingProvider != nil {
		ctx, span = b.tracingProvider.StartSpan(ctx, spanName)
		span.SetAttributes(o11y.Label{Key: "topic", Value: topic})
	}

	responseCh := make(chan error, 1)
	err := b.accept(EventBusMessage{
		Ctx:     ctx,
		MsgType: msgType,
		Topic:   topic,
		Payload: subscriptionRequest{subscriber: subscriber, responseCh: responseCh},
	})
	if err == nil {
		select {
		case err = <-responseCh:
		case <-b.ctx.Done():
			err = fmt.Errorf("event bus stopped")
		}
	}

	if counter != nil {
		counter.Add(ctx, 1, o11y.Label{Key: "topic", Value: topic}, o11y.StatusLabel(err))
	}
	o11y.EndSpan(span, err)

	return err
}

func (b *basicEventBus) doSubscribe(msg EventBusMessage) error {
	req := msg.Payload.(subscriptionRequest)

	current, ok := b.subscriptions[req.subscriber]
	if !ok {
		current = make(map[string]matcher)
		b.subscriptions[req.subscriber] = current
	}
	current[msg.Topic] = makeMatcher(msg.MsgType, msg.Topic)
	b.updateSubscriberGauge(msg.Ctx)

	err := req.subscriber.OnSubscribe(msg.Ctx, msg.Topic)
	req.responseCh <- err
	return err
}

func (b *basicEventBus) doUnsubscribe(msg EventBusMessage) error {
	req := msg.Payload.(subscriptionRequest)

	current, ok := b.subscriptions[req.subscriber]
	if !ok {
		// not subscribed is not an error
		req.responseCh <- nil
		return nil
	}

	delete(current, msg.Topic)
	if len(current) == 0 {
		delete(b.subscriptions, req.subscriber)
	}
	b.updateSubscriberGauge(msg.Ctx)

	err := req.subscriber.OnUnsubscribe(msg.Ctx, msg.Topic)
	req.responseCh <- err
	return err
}

func (b *basicEventBus) doUnsubscribeAll(msg EventBusMessage) error {
	req := msg.Payload.(subscriptionRequest)

	count := len(b.subscriptions[req.subscriber])
	delete(b.subscriptions, req.subscriber)
	b.updateSubscriberGauge(msg.Ctx)
	b.logger.Debug("UnsubscribeAll completed", zap.Int("subscription_count", count))

	err := req.subscriber.OnUnsubscribe(msg.Ctx, "")
	req.responseCh <- err
	return err
}

func (b *basicEventBus) updateSubscriberGauge(ctx context.Context) {
	if b.subscriberGauge != nil {
		b.subscriberGauge.Set(ctx, float64(len(b.subscriptions)))
	}
}

func (b *basicEventBus) accept(msg EventBusMessage) error {
	if atomic.LoadInt32(&b.started) == 0 {
		b.logger.Warn("Event bus not started, message ignored", zap.String("topic", msg.Topic))
		return fmt.Errorf("event bus not started")
	}

	select {
	case b.ch <- msg:
		return nil
	case <-b.ctx.Done():
		return fmt.Errorf("event bus stopped")
	default:
		b.logger.Warn("Event bus channel full, message dropped", zap.String("topic", msg.Topic))
		return fmt.Errorf("event bus channel full")
	}
}

// Stop ends the dispatch goroutine. Queued messages are discarded.
func (b *basicEventBus) Stop() error {
	if !atomic.CompareAndSwapInt32(&b.started, 1, 0) {
		return fmt.Errorf("event bus not started")
	}

	b.cancel()
	b.wg.Wait()

	b.logger.Info("EventBus stopped", zap.String("bus", b.busName))
	return nil
}
