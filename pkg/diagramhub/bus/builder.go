package bus

import (
	"context"
	"fmt"

	"github.com/tsarna/diagramhub/pkg/diagramhub/o11y"
	"go.uber.org/zap"
)

const DefaultBufferSize = 1000

// EventBusBuilder configures an EventBus.
type EventBusBuilder struct {
	logger          *zap.Logger
	bufferSize      int
	busName         string
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
}

func NewEventBus() *EventBusBuilder {
	return &EventBusBuilder{
		bufferSize: DefaultBufferSize,
		busName:    "main",
	}
}

func (b *EventBusBuilder) WithLogger(logger *zap.Logger) *EventBusBuilder {
	b.logger = logger
	return b
}

func (b *EventBusBuilder) WithName(name string) *EventBusBuilder {
	b.busName = name
	return b
}

// WithBufferSize sets how many messages may wait for the dispatch goroutine
// before Publish starts dropping.
func (b *EventBusBuilder) WithBufferSize(size int) *EventBusBuilder {
	b.bufferSize = size
	return b
}

func (b *EventBusBuilder) WithObservability(config o11y.Config) *EventBusBuilder {
	b.metricsProvider = config.MetricsProvider
	b.tracingProvider = config.TracingProvider
	return b
}

func (b *EventBusBuilder) IsValid() error {
	if b.bufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", b.bufferSize)
	}
	return nil
}

// Build returns an EventBus that still has to be started.
func (b *EventBusBuilder) Build() (EventBus, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	eb := &basicEventBus{
		ch:              make(chan EventBusMessage, b.bufferSize),
		ctx:             ctx,
		cancel:          cancel,
		subscriptions:   make(map[Subscriber]map[string]matcher),
		logger:          logger.With(zap.String("component", "eventbus")),
		busName:         b.busName,
		metricsProvider: b.metricsProvider,
		tracingProvider: b.tracingProvider,
	}
	eb.setupObservability(&o11y.Config{
		MetricsProvider: b.metricsProvider,
		TracingProvider: b.tracingProvider,
	})

	return eb, nil
}
