package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/diagramhub/pkg/diagramhub"
	"github.com/tsarna/diagramhub/pkg/diagramhub/bus"
	"github.com/tsarna/diagramhub/pkg/diagramhub/protocol"
	"github.com/tsarna/diagramhub/pkg/diagramhub/registry"
	"github.com/tsarna/diagramhub/pkg/diagramhub/session"
	"github.com/tsarna/diagramhub/pkg/diagramhub/store"
	"github.com/tsarna/diagramhub/pkg/diagramhub/subutils"
	"go.uber.org/zap"
)

// Connection is one client WebSocket joined to one diagram room. It is the
// registry.Sink for its member: Send queues a frame for the writer
// goroutine, which also sends periodic pings.
type Connection struct {
	bus.BaseSubscriber

	ctx       context.Context
	conn      *websocket.Conn
	config    *ListenerConfig
	logger    *zap.Logger
	metrics   *WebSocketMetrics
	diagramID string
	identity  session.Identity
	startTime time.Time

	member registry.Member
	joined bool

	// Outbound queue and ping ticker
	asyncSubscriber *subutils.AsyncQueueingSubscriber

	cleanupOnce sync.Once
}

func newConnection(ctx context.Context, conn *websocket.Conn, config *ListenerConfig, metrics *WebSocketMetrics, diagramID string, identity session.Identity) *Connection {
	c := &Connection{
		ctx:       ctx,
		conn:      conn,
		config:    config,
		metrics:   metrics,
		diagramID: diagramID,
		identity:  identity,
		startTime: time.Now(),
		logger: config.logger.With(
			zap.String("diagramId", diagramID),
			zap.String("sessionId", identity.SessionID),
		),
	}

	async := subutils.NewAsyncQueueingSubscriber(c, config.queueSize).WithLogger(c.logger)
	if config.pingInterval > 0 {
		async = async.WithTicker(config.pingInterval)
	}
	c.asyncSubscriber = async.Start()

	return c
}

// Start joins the room and handles the connection until it closes. It
// blocks, running the reader in the calling goroutine.
func (c *Connection) Start() {
	if err := c.join(); err != nil {
		c.logger.Warn("Failed to join diagram", zap.Error(err))
		c.metrics.RecordConnectionError(c.ctx, diagramhub.ErrorCode(err))
		c.cleanup(websocket.StatusInternalError, "diagram unavailable")
		return
	}

	c.messageReader()
	c.cleanup(websocket.StatusNormalClosure, "Connection closed")
}

// join registers the member, queues its diagram_state and announces it. The
// snapshot is queued while updates to the diagram are held back, so no
// diagram_change the member receives is older than its snapshot. A change
// broadcast between Register and the snapshot carries the same version the
// snapshot holds.
func (c *Connection) join() error {
	c.member = c.config.registry.Register(c.diagramID, c.identity.SessionID, c.identity.Nickname, c)

	err := c.config.snapshotter.SendSnapshot(c.ctx, c.diagramID, func(doc store.Document) error {
		state := protocol.NewDiagramState(c.diagramID, doc.Content, doc.Version,
			c.member.SessionID, c.member.Nickname, c.config.presence.Participants(c.diagramID))
		data, err := protocol.Encode(state)
		if err != nil {
			return err
		}
		return c.Send(data)
	})
	if err != nil {
		c.sendError(err)
		return err
	}

	c.joined = true
	c.logger.Debug("Joined diagram",
		zap.String("connectionId", c.member.ConnectionID),
		zap.String("nickname", c.member.Nickname),
		zap.String("sessionSource", c.identity.Source),
	)
	c.config.presence.OnJoin(c.ctx, c.member)
	return nil
}

func (c *Connection) messageReader() {
	defer c.logger.Debug("Message reader stopped")

	c.conn.SetReadLimit(c.config.maxMessageBytes)

	for {
		readCtx, cancel := c.ctx, context.CancelFunc(func() {})
		if c.config.readTimeout > 0 {
			readCtx, cancel = context.WithTimeout(c.ctx, c.config.readTimeout)
		}
		_, data, err := c.conn.Read(readCtx)
		cancel()

		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			switch {
			case closeStatus != -1:
				c.logger.Debug("WebSocket connection closed by client", zap.Int("close_status", int(closeStatus)))
			case c.ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
				c.logger.Debug("WebSocket read ended", zap.Error(err))
			default:
				c.logger.Debug("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}

		c.metrics.RecordMessageReceived(c.ctx, len(data))

		// Errors are already reported to the client by the handler; the
		// connection stays open.
		if err := c.config.handler.OnMessage(c.ctx, c.member.ConnectionID, data); err != nil {
			c.metrics.RecordMessageError(c.ctx, diagramhub.ErrorCode(err))
			c.logger.Debug("Message rejected", zap.Error(err))
		}
	}
}

// sendError queues an error event for this client only.
func (c *Connection) sendError(cause error) {
	code := diagramhub.ErrorCode(cause)
	message := "the diagram could not be loaded"
	if code == diagramhub.CodeInternal {
		message = "internal error"
	}

	data, err := protocol.Encode(protocol.NewError(code, message, c.diagramID, c.identity.SessionID))
	if err == nil {
		err = c.Send(data)
	}
	if err != nil {
		c.logger.Warn("Failed to send error response", zap.Error(err))
	}
}

// cleanup leaves the room and closes the socket. Only the first call has an
// effect. A member already evicted by a failed broadcast was announced by
// the broadcaster, so leave is announced here only if this call removed it.
func (c *Connection) cleanup(code websocket.StatusCode, reason string) {
	c.cleanupOnce.Do(func() {
		c.metrics.RecordConnectionEnd(c.ctx, time.Since(c.startTime))

		if m, ok := c.config.registry.Unregister(c.member.ConnectionID); ok && c.joined {
			c.config.presence.OnLeave(context.WithoutCancel(c.ctx), m)
		}

		// Writes whatever is still queued, including a join failure reply.
		if err := c.asyncSubscriber.Close(); err != nil {
			c.logger.Warn("Failed to close async subscriber during cleanup", zap.Error(err))
		}

		if err := c.conn.Close(code, reason); err != nil {
			c.logger.Debug("WebSocket close error (may be expected)", zap.Error(err))
		}

		c.logger.Debug("WebSocket connection cleanup completed",
			zap.String("connectionId", c.member.ConnectionID),
		)
	})
}

// shutdownClose closes the socket with a specific code. The reader then
// fails and cleanup runs through the normal Start path.
func (c *Connection) shutdownClose(code websocket.StatusCode, reason string) {
	if err := c.conn.Close(code, reason); err != nil {
		c.logger.Debug("Error closing WebSocket during shutdown", zap.Error(err))
	}
}

// Send queues an encoded frame. A full queue fails with ErrDeliveryFailed
// and the caller evicts the member.
func (c *Connection) Send(data []byte) error {
	err := c.asyncSubscriber.PassThrough(bus.EventBusMessage{
		Ctx:     c.ctx,
		MsgType: bus.MessageTypePassThrough,
		Payload: data,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", diagramhub.ErrDeliveryFailed, err)
	}
	return nil
}

// Close is called after the member has been evicted from its room.
func (c *Connection) Close(reason string) {
	go c.shutdownClose(websocket.StatusPolicyViolation, reason)
}

// PassThrough runs on the writer goroutine. Ticks send a ping; anything
// else is a frame to write.
func (c *Connection) PassThrough(msg bus.EventBusMessage) error {
	var err error
	switch msg.MsgType {
	case bus.MessageTypeTick:
		err = c.handleTick(msg.Ctx)
	default:
		data, ok := msg.Payload.([]byte)
		if !ok {
			return fmt.Errorf("unexpected outbound payload %T", msg.Payload)
		}
		err = c.sendPacket(msg.Ctx, data)
	}

	if err != nil {
		// The reader fails once the socket is gone and cleanup follows.
		c.logger.Info("Connection write failed, closing connection", zap.Error(err))
		_ = c.conn.CloseNow()
	}

	return err
}

func (c *Connection) handleTick(ctx context.Context) error {
	if ctx == nil {
		ctx = c.ctx
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.config.writeTimeout)
	defer cancel()

	if err := c.conn.Ping(pingCtx); err != nil {
		c.metrics.RecordPingFailure(ctx)
		return err
	}

	c.metrics.RecordPingSent(ctx)
	return nil
}

func (c *Connection) sendPacket(ctx context.Context, data []byte) error {
	if ctx == nil {
		ctx = c.ctx
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.config.writeTimeout)
	defer cancel()

	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		if errors.Is(writeCtx.Err(), context.DeadlineExceeded) {
			c.metrics.RecordWriteTimeout(ctx)
		}
		c.metrics.RecordMessageError(ctx, "write_error")
		return err
	}

	c.metrics.RecordMessageSent(ctx, len(data))
	return nil
}
