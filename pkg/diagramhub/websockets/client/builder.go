package client

import (
	"fmt"
	"time"

	"github.com/tsarna/diagramhub/pkg/diagramhub/bus"
	"github.com/tsarna/diagramhub/pkg/diagramhub/session"
	"go.uber.org/zap"
)

// ClientBuilder provides a fluent interface for building WebSocket clients.
type ClientBuilder struct {
	url              string
	logger           *zap.Logger
	dialTimeout      time.Duration
	subscriber       bus.Subscriber
	writeChannelSize int
	headers          map[string][]string
}

// NewClient creates a new WebSocket client builder.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		dialTimeout:      30 * time.Second,
		logger:           zap.NewNop(),
		writeChannelSize: 100,
	}
}

// WithURL sets the room URL, e.g. ws://host/ws/diagrams/d1/.
func (b *ClientBuilder) WithURL(url string) *ClientBuilder {
	b.url = url
	return b
}

func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *ClientBuilder) WithDialTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithSubscriber sets the subscriber that receives every frame from the
// server. The topic is diagrams/<diagram>/<type> and the message is the raw
// frame as json.RawMessage.
func (b *ClientBuilder) WithSubscriber(subscriber bus.Subscriber) *ClientBuilder {
	b.subscriber = subscriber
	return b
}

// WithWriteChannelSize sets how many outbound frames may be queued.
// Default is 100.
func (b *ClientBuilder) WithWriteChannelSize(size int) *ClientBuilder {
	if size > 0 {
		b.writeChannelSize = size
	}
	return b
}

// WithSessionID presents id in the X-Session-ID handshake header, for URLs
// that don't carry the session in their path.
func (b *ClientBuilder) WithSessionID(id string) *ClientBuilder {
	return b.WithHeader(session.HeaderName, id)
}

// WithHeader sets a single HTTP header for the WebSocket handshake.
func (b *ClientBuilder) WithHeader(key, value string) *ClientBuilder {
	if b.headers == nil {
		b.headers = make(map[string][]string)
	}
	b.headers[key] = []string{value}
	return b
}

// Build creates and returns a new WebSocket client with the configured options.
func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	return &Client{
		url:              b.url,
		logger:           b.logger,
		dialTimeout:      b.dialTimeout,
		subscriber:       b.subscriber,
		writeChannelSize: b.writeChannelSize,
		headers:          b.headers,
	}, nil
}

// IsValid checks that all required configuration is present.
func (b *ClientBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}

	if b.subscriber == nil {
		return fmt.Errorf("subscriber is required")
	}

	return nil
}
