package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tsarna/diagramhub/pkg/diagramhub/bridge"
	"github.com/tsarna/diagramhub/pkg/diagramhub/bus"
	"github.com/tsarna/diagramhub/pkg/diagramhub/config"
	"github.com/tsarna/diagramhub/pkg/diagramhub/dispatch"
	"github.com/tsarna/diagramhub/pkg/diagramhub/httpapi"
	"github.com/tsarna/diagramhub/pkg/diagramhub/o11y"
	"github.com/tsarna/diagramhub/pkg/diagramhub/otel"
	"github.com/tsarna/diagramhub/pkg/diagramhub/registry"
	"github.com/tsarna/diagramhub/pkg/diagramhub/relay"
	"github.com/tsarna/diagramhub/pkg/diagramhub/room"
	"github.com/tsarna/diagramhub/pkg/diagramhub/session"
	"github.com/tsarna/diagramhub/pkg/diagramhub/stats"
	"github.com/tsarna/diagramhub/pkg/diagramhub/store"
	"github.com/tsarna/diagramhub/pkg/diagramhub/subutils"
	"github.com/tsarna/diagramhub/pkg/diagramhub/websockets/server"
	"go.uber.org/zap"
)

// relayQueueSize bounds events waiting to be published to Redis.
const relayQueueSize = 1024

// hub owns every running component of one server process.
type hub struct {
	logger     *zap.Logger
	instanceID string

	registry *registry.Registry
	bus      bus.EventBus
	listener *server.Listener
	handler  http.Handler
	reporter *stats.Reporter

	rdb        *redis.Client
	relay      *relay.Relay
	relayQueue *subutils.AsyncQueueingSubscriber

	httpServer *http.Server
	closers    []func() error
}

func newHub(cfg *config.Config, logger *zap.Logger) (*hub, error) {
	h := &hub{
		logger:     logger,
		instanceID: uuid.NewString(),
		registry:   registry.New(),
	}

	if err := h.build(cfg); err != nil {
		h.closeAll()
		return nil, err
	}
	return h, nil
}

func (h *hub) build(cfg *config.Config) error {
	provider := otel.NewProvider("diagramhub", version)
	obs := o11y.Config{
		MetricsProvider: provider,
		TracingProvider: provider,
		ServiceName:     "diagramhub",
		ServiceVersion:  version,
	}

	docs, err := h.openStore(cfg.Store)
	if err != nil {
		return err
	}

	h.bus, err = bus.NewEventBus().WithLogger(h.logger).WithName("rooms").WithObservability(obs).Build()
	if err != nil {
		return fmt.Errorf("building event bus: %w", err)
	}

	broadcaster, err := room.NewBroadcaster(h.registry).
		WithLogger(h.logger).
		WithPublisher(h.bus, h.instanceID).
		WithMetricsProvider(provider).
		Build()
	if err != nil {
		return fmt.Errorf("building broadcaster: %w", err)
	}
	presence := room.NewPresence(broadcaster)

	documents, err := bridge.NewBridge(docs, broadcaster, h.registry).
		WithLogger(h.logger).
		WithAutoCreate(cfg.Store.AutoCreateEnabled()).
		WithObservability(obs).
		Build()
	if err != nil {
		return fmt.Errorf("building document bridge: %w", err)
	}

	dispatcher, err := dispatch.NewDispatcher(broadcaster, documents, h.registry).
		WithLogger(h.logger).
		WithMetricsProvider(provider).
		Build()
	if err != nil {
		return fmt.Errorf("building dispatcher: %w", err)
	}

	ws := cfg.WebSocket
	h.listener, err = server.NewListenerConfig().
		WithRegistry(h.registry).
		WithResolver(session.NewResolver()).
		WithMessageHandler(dispatcher).
		WithPresence(presence).
		WithSnapshotter(documents).
		WithLogger(h.logger).
		WithMetricsProvider(provider).
		WithQueueSize(ws.QueueSize).
		WithPingInterval(ws.PingIntervalDuration()).
		WithReadTimeout(ws.ReadTimeoutDuration()).
		WithWriteTimeout(ws.WriteTimeoutDuration()).
		WithMaxMessageBytes(ws.MaxMessageBytes).
		WithOriginPatterns(ws.OriginPatterns...).
		Build()
	if err != nil {
		return fmt.Errorf("building websocket listener: %w", err)
	}

	h.handler, err = httpapi.NewHandler(h.listener, documents, h.registry).WithLogger(h.logger).Build()
	if err != nil {
		return fmt.Errorf("building http handler: %w", err)
	}

	if cfg.Cluster != nil {
		if err := h.buildRelay(cfg.Cluster, broadcaster); err != nil {
			return err
		}
	}

	if !cfg.Stats.Disabled {
		h.reporter, err = stats.NewReporter(h.registry).
			WithSchedule(cfg.Stats.Schedule).
			WithLogger(h.logger).
			WithMetricsProvider(provider).
			Build()
		if err != nil {
			return fmt.Errorf("building stats reporter: %w", err)
		}
	}

	h.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           h.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return nil
}

func (h *hub) openStore(cfg *config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "badger":
		db, err := store.OpenBadger(cfg.Path, h.logger)
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, db.Close)
		return db, nil
	default:
		return store.NewMemory(), nil
	}
}

func (h *hub) buildRelay(cfg *config.ClusterConfig, broadcaster *room.Broadcaster) error {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	h.rdb = redis.NewClient(opts)
	h.closers = append(h.closers, h.rdb.Close)

	h.relay, err = relay.NewRelay(h.rdb, broadcaster, h.instanceID).
		WithLogger(h.logger).
		WithChannelPrefix(cfg.ChannelPrefix).
		Build()
	if err != nil {
		return fmt.Errorf("building relay: %w", err)
	}
	return nil
}

// start brings up the bus and relay. The HTTP side is started by serve.
func (h *hub) start(ctx context.Context) error {
	if err := h.bus.Start(); err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}

	if h.relay != nil {
		if err := h.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		if err := h.relay.Start(ctx); err != nil {
			return err
		}

		h.relayQueue = subutils.NewAsyncQueueingSubscriber(h.relay, relayQueueSize).WithLogger(h.logger).Start()
		if err := h.bus.Subscribe(ctx, h.relayQueue, bus.DiagramTopicPattern); err != nil {
			return fmt.Errorf("subscribing relay: %w", err)
		}
	}

	if h.reporter != nil {
		h.reporter.Start()
	}

	h.logger.Info("Hub started", zap.String("instance", h.instanceID), zap.Bool("clustered", h.relay != nil))
	return nil
}

// serve accepts connections on l until shutdown is called.
func (h *hub) serve(l net.Listener) error {
	h.logger.Info("Listening", zap.String("addr", l.Addr().String()))
	err := h.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// shutdown closes every WebSocket with "going away", stops the HTTP server
// and tears down the rest in reverse start order.
func (h *hub) shutdown(ctx context.Context) error {
	var errs []error

	if err := h.listener.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing websockets: %w", err))
	}
	if err := h.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping http server: %w", err))
	}

	if h.reporter != nil {
		<-h.reporter.Stop().Done()
	}

	if h.relayQueue != nil {
		_ = h.bus.UnsubscribeAll(ctx, h.relayQueue)
		_ = h.relayQueue.Close()
	}
	if h.relay != nil {
		if err := h.relay.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping relay: %w", err))
		}
	}

	if err := h.bus.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping event bus: %w", err))
	}

	errs = append(errs, h.closeAll())

	h.logger.Info("Hub stopped")
	return errors.Join(errs...)
}

func (h *hub) closeAll() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		errs = append(errs, h.closers[i]())
	}
	h.closers = nil
	return errors.Join(errs...)
}
