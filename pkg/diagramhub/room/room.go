// Package room fans events out to the members of a diagram room and
// announces members joining and leaving.
package room

import (
	"context"
	"fmt"

	"github.com/tsarna/diagramhub/pkg/diagramhub/bus"
	"github.com/tsarna/diagramhub/pkg/diagramhub/o11y"
	"github.com/tsarna/diagramhub/pkg/diagramhub/protocol"
	"github.com/tsarna/diagramhub/pkg/diagramhub/registry"
	"go.uber.org/zap"
)

// Publisher receives every event after local fan-out. bus.EventBus
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Broadcaster delivers encoded events to the members of a room.
//
// Delivery is best effort and at most once per member registered when the
// broadcast starts. A member whose send fails is unregistered, closed, and
// announced as having left; the remaining members still receive the event.
type Broadcaster struct {
	registry   *registry.Registry
	publisher  Publisher
	instanceID string
	logger     *zap.Logger
	onEvict    func(ctx context.Context, m registry.Member)

	broadcastCounter o11y.Counter
	deliveryCounter  o11y.Counter
	failureCounter   o11y.Counter
	fanoutHistogram  o11y.Histogram
}

type BroadcasterBuilder struct {
	registry        *registry.Registry
	publisher       Publisher
	instanceID      string
	logger          *zap.Logger
	metricsProvider o11y.MetricsProvider
}

func NewBroadcaster(reg *registry.Registry) *BroadcasterBuilder {
	return &BroadcasterBuilder{registry: reg}
}

func (b *BroadcasterBuilder) WithLogger(logger *zap.Logger) *BroadcasterBuilder {
	b.logger = logger
	return b
}

// WithPublisher sets where events go after local delivery, tagged with the
// id of this hub instance. A nil publisher disables publishing.
func (b *BroadcasterBuilder) WithPublisher(publisher Publisher, instanceID string) *BroadcasterBuilder {
	b.publisher = publisher
	b.instanceID = instanceID
	return b
}

func (b *BroadcasterBuilder) WithMetricsProvider(provider o11y.MetricsProvider) *BroadcasterBuilder {
	b.metricsProvider = provider
	return b
}

func (b *BroadcasterBuilder) IsValid() error {
	if b.registry == nil {
		return fmt.Errorf("registry is required")
	}
	if b.publisher != nil && b.instanceID == "" {
		return fmt.Errorf("instance id is required when a publisher is set")
	}
	return nil
}

func (b *BroadcasterBuilder) Build() (*Broadcaster, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	br := &Broadcaster{
		registry:   b.registry,
		publisher:  b.publisher,
		instanceID: b.instanceID,
		logger:     logger.With(zap.String("component", "room")),
	}
	if m := b.metricsProvider; m != nil {
		br.broadcastCounter = m.Counter("room_broadcasts_total")
		br.deliveryCounter = m.Counter("room_deliveries_total")
		br.failureCounter = m.Counter("room_delivery_failures_total")
		br.fanoutHistogram = m.Histogram("room_broadcast_fanout")
	}

	return br, nil
}

// Broadcast encodes ev once and sends it to every member of the room except
// excludeConnectionID (pass "" to include everyone). It returns how many
// members the frame was handed to. The encoded event is then published for
// observers and other hub instances.
func (b *Broadcaster) Broadcast(ctx context.Context, diagramID string, ev protocol.Event, excludeConnectionID string) (int, error) {
	data, err := protocol.Encode(ev)
	if err != nil {
		return 0, fmt.Errorf("encoding %s event: %w", ev.EventType(), err)
	}

	delivered := b.deliver(ctx, diagramID, ev.EventType(), data, excludeConnectionID)

	if b.broadcastCounter != nil {
		b.broadcastCounter.Add(ctx, 1, o11y.Label{Key: "type", Value: ev.EventType()})
	}

	if b.publisher != nil {
		env := protocol.Envelope{
			Origin:    b.instanceID,
			DiagramID: diagramID,
			Type:      ev.EventType(),
			Data:      data,
		}
		if err := b.publisher.Publish(ctx, bus.DiagramTopic(diagramID, ev.EventType()), env); err != nil {
			b.logger.Warn("Failed to publish room event",
				zap.String("diagramId", diagramID),
				zap.String("type", ev.EventType()),
				zap.Error(err),
			)
		}
	}

	return delivered, nil
}

// DeliverLocal sends an already encoded frame to the local members of a
// room without publishing it again. Used for events relayed from other hub
// instances.
func (b *Broadcaster) DeliverLocal(ctx context.Context, diagramID, eventType string, data []byte) int {
	return b.deliver(ctx, diagramID, eventType, data, "")
}

// Unicast sends ev to a single connection. A failed send evicts the
// connection just like a failed broadcast delivery.
func (b *Broadcaster) Unicast(ctx context.Context, connectionID string, ev protocol.Event) error {
	m, ok := b.registry.Lookup(connectionID)
	if !ok {
		return fmt.Errorf("connection %s is not registered", connectionID)
	}

	data, err := protocol.Encode(ev)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.EventType(), err)
	}

	if err := m.Sink.Send(data); err != nil {
		b.evict(ctx, []registry.Member{m}, ev.EventType(), err)
		return err
	}
	return nil
}

func (b *Broadcaster) deliver(ctx context.Context, diagramID, eventType string, data []byte, exclude string) int {
	members := b.registry.ListMembers(diagramID)

	delivered := 0
	var failed []registry.Member
	var lastErr error

	for _, m := range members {
		if m.ConnectionID == exclude {
			continue
		}
		if err := m.Sink.Send(data); err != nil {
			failed = append(failed, m)
			lastErr = err
			continue
		}
		delivered++
	}

	if b.deliveryCounter != nil {
		b.deliveryCounter.Add(ctx, int64(delivered), o11y.Label{Key: "type", Value: eventType})
	}
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, float64(delivered), o11y.Label{Key: "type", Value: eventType})
	}

	if len(failed) > 0 {
		b.evict(ctx, failed, eventType, lastErr)
	}

	return delivered
}

// evict removes members whose send failed. Only members this call actually
// unregistered are closed and announced, so a connection that is already
// shutting down is not reported twice.
func (b *Broadcaster) evict(ctx context.Context, failed []registry.Member, eventType string, cause error) {
	var removed []registry.Member
	for _, m := range failed {
		b.logger.Warn("Delivery failed, evicting connection",
			zap.String("diagramId", m.DiagramID),
			zap.String("connectionId", m.ConnectionID),
			zap.String("sessionId", m.SessionID),
			zap.String("type", eventType),
			zap.Error(cause),
		)
		if b.failureCounter != nil {
			b.failureCounter.Add(ctx, 1, o11y.Label{Key: "type", Value: eventType})
		}

		if gone, ok := b.registry.Unregister(m.ConnectionID); ok {
			gone.Sink.Close("delivery failed")
			removed = append(removed, gone)
		}
	}

	if b.onEvict != nil {
		for _, m := range removed {
			b.onEvict(ctx, m)
		}
	}
}
