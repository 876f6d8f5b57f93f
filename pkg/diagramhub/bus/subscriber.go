package bus

import (
	"context"
	"strings"

	"github.com/amir-yaghoubi/mqttpattern"
)

// Subscriber receives events from an EventBus. OnEvent is called from the
// bus dispatch goroutine, so implementations that do I/O should be wrapped
// in a subutils.AsyncQueueingSubscriber.
type Subscriber interface {
	OnSubscribe(ctx context.Context, topic string) error
	OnUnsubscribe(ctx context.Context, topic string) error
	OnEvent(ctx context.Context, topic string, message any, fields map[string]string) error
	PassThrough(msg EventBusMessage) error
}

// BaseSubscriber implements every Subscriber method as a no-op so that
// concrete subscribers only override what they need.
type BaseSubscriber struct{}

func (b *BaseSubscriber) OnSubscribe(ctx context.Context, topic string) error {
	return nil
}

func (b *BaseSubscriber) OnUnsubscribe(ctx context.Context, topic string) error {
	return nil
}

func (b *BaseSubscriber) OnEvent(ctx context.Context, topic string, message any, fields map[string]string) error {
	return nil
}

func (b *BaseSubscriber) PassThrough(msg EventBusMessage) error {
	return nil
}

type matcher func(topic string) (bool, map[string]string)

func makeMatcher(msgType MessageType, pattern string) matcher {
	if msgType == MessageTypeSubscribeWithExtraction {
		return func(topic string) (bool, map[string]string) {
			if mqttpattern.Matches(pattern, topic) {
				return true, mqttpattern.Extract(pattern, topic)
			}
			return false, nil
		}
	}

	if !strings.ContainsAny(pattern, "+#") {
		return func(topic string) (bool, map[string]string) {
			return topic == pattern, nil
		}
	}

	return func(topic string) (bool, map[string]string) {
		return mqttpattern.Matches(pattern, topic), nil
	}
}

// Diagram topics have the form diagrams/<diagramID>/<eventType>.
const (
	DiagramTopicPrefix  = "diagrams/"
	DiagramTopicPattern = "diagrams/+diagramId/+eventType"
)

// DiagramTopic returns the bus topic for an event type in one diagram room.
func DiagramTopic(diagramID, eventType string) string {
	return DiagramTopicPrefix + diagramID + "/" + eventType
}
