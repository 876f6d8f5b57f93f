// Package relay links hub instances through Redis pub/sub so members of one
// room connected to different instances see the same events.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/tsarna/diagramhub/pkg/diagramhub/bus"
	"github.com/tsarna/diagramhub/pkg/diagramhub/protocol"
	"go.uber.org/zap"
)

const DefaultChannelPrefix = "diagramhub:room:"

// LocalDeliverer hands an encoded frame to the members of a room on this
// instance only. room.Broadcaster satisfies it.
type LocalDeliverer interface {
	DeliverLocal(ctx context.Context, diagramID, eventType string, data []byte) int
}

// Relay is a bus subscriber that publishes every local room event to the
// Redis channel of its diagram, and a Redis subscriber that delivers events
// published by other instances to local members. Events carrying this
// instance's id are never delivered twice.
//
// OnEvent does network I/O; subscribe the relay through a
// subutils.AsyncQueueingSubscriber so the bus is never blocked on Redis.
type Relay struct {
	bus.BaseSubscriber

	rdb           *redis.Client
	deliverer     LocalDeliverer
	instanceID    string
	channelPrefix string
	logger        *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

type RelayBuilder struct {
	rdb           *redis.Client
	deliverer     LocalDeliverer
	instanceID    string
	channelPrefix string
	logger        *zap.Logger
}

func NewRelay(rdb *redis.Client, deliverer LocalDeliverer, instanceID string) *RelayBuilder {
	return &RelayBuilder{
		rdb:           rdb,
		deliverer:     deliverer,
		instanceID:    instanceID,
		channelPrefix: DefaultChannelPrefix,
	}
}

func (b *RelayBuilder) WithLogger(logger *zap.Logger) *RelayBuilder {
	b.logger = logger
	return b
}

// WithChannelPrefix namespaces the Redis channels, letting several
// deployments share one Redis.
func (b *RelayBuilder) WithChannelPrefix(prefix string) *RelayBuilder {
	if prefix != "" {
		b.channelPrefix = prefix
	}
	return b
}

func (b *RelayBuilder) IsValid() error {
	if b.rdb == nil {
		return fmt.Errorf("redis client is required")
	}
	if b.deliverer == nil {
		return fmt.Errorf("local deliverer is required")
	}
	if b.instanceID == "" {
		return fmt.Errorf("instance id is required")
	}
	return nil
}

func (b *RelayBuilder) Build() (*Relay, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Relay{
		rdb:           b.rdb,
		deliverer:     b.deliverer,
		instanceID:    b.instanceID,
		channelPrefix: b.channelPrefix,
		logger:        logger.With(zap.String("component", "relay"), zap.String("instance", b.instanceID)),
	}, nil
}

// Channel returns the Redis channel carrying events for a diagram.
func (r *Relay) Channel(diagramID string) string {
	return r.channelPrefix + diagramID
}

// Start subscribes to every room channel and begins delivering remote
// events. It returns once Redis has confirmed the subscription.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pubsub != nil {
		return fmt.Errorf("relay already started")
	}

	pubsub := r.rdb.PSubscribe(ctx, r.channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribing to %s*: %w", r.channelPrefix, err)
	}
	r.pubsub = pubsub

	r.wg.Add(1)
	go r.receive(pubsub.Channel())

	r.logger.Info("Relay started", zap.String("pattern", r.channelPrefix+"*"))
	return nil
}

// Stop unsubscribes and waits for the receive loop to exit.
func (r *Relay) Stop() error {
	r.mu.Lock()
	pubsub := r.pubsub
	r.pubsub = nil
	r.mu.Unlock()

	if pubsub == nil {
		return nil
	}

	err := pubsub.Close()
	r.wg.Wait()
	return err
}

func (r *Relay) receive(messages <-chan *redis.Message) {
	defer r.wg.Done()

	for msg := range messages {
		var env protocol.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.logger.Warn("Dropping undecodable relay message", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		if env.Origin == r.instanceID {
			continue
		}
		if env.DiagramID == "" {
			env.DiagramID = strings.TrimPrefix(msg.Channel, r.channelPrefix)
		}

		n := r.deliverer.DeliverLocal(context.Background(), env.DiagramID, env.Type, env.Data)
		r.logger.Debug("Delivered relayed event", zap.Object("envelope", env), zap.Int("delivered", n))
	}
}

// OnEvent publishes a locally originated envelope to Redis. Anything else
// on the bus is ignored.
func (r *Relay) OnEvent(ctx context.Context, topic string, message any, fields map[string]string) error {
	env, ok := message.(protocol.Envelope)
	if !ok || env.Origin != r.instanceID {
		return nil
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	// The originating request may be gone by the time the queue gets here.
	ctx = context.WithoutCancel(ctx)
	if err := r.rdb.Publish(ctx, r.Channel(env.DiagramID), payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", r.Channel(env.DiagramID), err)
	}
	return nil
}
