package server

import (
	"context"
	"fmt"
	"time"

	"github.com/tsarna/diagramhub/pkg/diagramhub/o11y"
	"github.com/tsarna/diagramhub/pkg/diagramhub/protocol"
	"github.com/tsarna/diagramhub/pkg/diagramhub/registry"
	"github.com/tsarna/diagramhub/pkg/diagramhub/session"
	"github.com/tsarna/diagramhub/pkg/diagramhub/store"
	"go.uber.org/zap"
)

// MessageHandler processes one inbound frame from a registered connection.
type MessageHandler interface {
	OnMessage(ctx context.Context, connectionID string, raw []byte) error
}

// PresenceTracker announces joins and leaves and lists who is in a room.
type PresenceTracker interface {
	OnJoin(ctx context.Context, m registry.Member) int
	OnLeave(ctx context.Context, m registry.Member) int
	Participants(diagramID string) []protocol.Participant
}

// Snapshotter hands the current document to send with updates to the
// diagram held back until send returns.
type Snapshotter interface {
	SendSnapshot(ctx context.Context, diagramID string, send func(store.Document) error) error
}

// ListenerConfig holds the configuration for creating a WebSocket Listener.
// Use NewListenerConfig() to create a new configuration and chain methods
// to set the required parameters before calling Build().
type ListenerConfig struct {
	registry        *registry.Registry
	resolver        *session.Resolver
	handler         MessageHandler
	presence        PresenceTracker
	snapshotter     Snapshotter
	logger          *zap.Logger
	metricsProvider o11y.MetricsProvider
	queueSize       int
	pingInterval    time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	maxMessageBytes int64
	originPatterns  []string
}

const (
	// DefaultQueueSize is the number of outbound frames buffered per
	// connection. A member whose queue overflows is evicted.
	DefaultQueueSize = 256

	// DefaultPingInterval is the interval between WebSocket ping frames.
	DefaultPingInterval = 30 * time.Second

	// DefaultReadTimeout disables the idle read timeout; pings detect dead
	// peers instead.
	DefaultReadTimeout = time.Duration(0)

	// DefaultWriteTimeout bounds every frame and ping write.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultMaxMessageBytes is the largest inbound frame accepted. Diagram
	// content travels inline, so this is well above a chat-sized limit.
	DefaultMaxMessageBytes = 1 << 20
)

// NewListenerConfig creates a new ListenerConfig.
//
// Example:
//
//	listener, err := server.NewListenerConfig().
//	    WithRegistry(reg).
//	    WithResolver(session.NewResolver()).
//	    WithMessageHandler(dispatcher).
//	    WithPresence(presence).
//	    WithSnapshotter(bridge).
//	    WithLogger(logger).
//	    Build()
func NewListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		queueSize:       DefaultQueueSize,
		pingInterval:    DefaultPingInterval,
		readTimeout:     DefaultReadTimeout,
		writeTimeout:    DefaultWriteTimeout,
		maxMessageBytes: DefaultMaxMessageBytes,
	}
}

func (c *ListenerConfig) WithRegistry(reg *registry.Registry) *ListenerConfig {
	c.registry = reg
	return c
}

func (c *ListenerConfig) WithResolver(resolver *session.Resolver) *ListenerConfig {
	c.resolver = resolver
	return c
}

func (c *ListenerConfig) WithMessageHandler(handler MessageHandler) *ListenerConfig {
	c.handler = handler
	return c
}

func (c *ListenerConfig) WithPresence(presence PresenceTracker) *ListenerConfig {
	c.presence = presence
	return c
}

func (c *ListenerConfig) WithSnapshotter(snapshotter Snapshotter) *ListenerConfig {
	c.snapshotter = snapshotter
	return c
}

func (c *ListenerConfig) WithLogger(logger *zap.Logger) *ListenerConfig {
	c.logger = logger
	return c
}

// WithMetricsProvider enables connection and frame metrics. Without one no
// metrics are recorded.
func (c *ListenerConfig) WithMetricsProvider(provider o11y.MetricsProvider) *ListenerConfig {
	c.metricsProvider = provider
	return c
}

// WithQueueSize sets how many outbound frames are buffered per connection.
// Must be positive.
//
// Default: 256
func (c *ListenerConfig) WithQueueSize(size int) *ListenerConfig {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

// WithPingInterval sets the interval for sending WebSocket ping frames.
// Set to 0 to disable pings.
//
// Default: 30 seconds
func (c *ListenerConfig) WithPingInterval(interval time.Duration) *ListenerConfig {
	if interval >= 0 {
		c.pingInterval = interval
	}
	return c
}

// WithReadTimeout closes connections that send nothing for this long.
// Set to 0 to disable.
//
// Default: disabled
func (c *ListenerConfig) WithReadTimeout(timeout time.Duration) *ListenerConfig {
	if timeout >= 0 {
		c.readTimeout = timeout
	}
	return c
}

// WithWriteTimeout sets the deadline for each frame written to a client.
//
// Default: 10 seconds
func (c *ListenerConfig) WithWriteTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithMaxMessageBytes limits the size of inbound frames. Larger frames
// close the connection.
//
// Default: 1 MiB
func (c *ListenerConfig) WithMaxMessageBytes(limit int64) *ListenerConfig {
	if limit > 0 {
		c.maxMessageBytes = limit
	}
	return c
}

// WithOriginPatterns lists the host patterns allowed to connect from a
// browser in addition to the request's own host, e.g. "*.example.com".
func (c *ListenerConfig) WithOriginPatterns(patterns ...string) *ListenerConfig {
	c.originPatterns = append([]string(nil), patterns...)
	return c
}

// IsValid checks if the configuration has all required parameters set.
// Returns nil if the configuration is valid, or an error describing what's missing.
func (c *ListenerConfig) IsValid() error {
	var missing []string
	if c.registry == nil {
		missing = append(missing, "Registry")
	}
	if c.resolver == nil {
		missing = append(missing, "Resolver")
	}
	if c.handler == nil {
		missing = append(missing, "MessageHandler")
	}
	if c.presence == nil {
		missing = append(missing, "Presence")
	}
	if c.snapshotter == nil {
		missing = append(missing, "Snapshotter")
	}
	if c.logger == nil {
		missing = append(missing, "Logger")
	}

	if len(missing) > 0 {
		return fmt.Errorf("invalid listener configuration, missing: %v", missing)
	}

	return nil
}

// Build creates a new WebSocket Listener from the configuration.
func (c *ListenerConfig) Build() (*Listener, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	return newListener(c), nil
}
