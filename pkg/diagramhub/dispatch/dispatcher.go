// Package dispatch routes inbound client frames to the component that
// handles them.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tsarna/diagramhub/pkg/diagramhub"
	"github.com/tsarna/diagramhub/pkg/diagramhub/o11y"
	"github.com/tsarna/diagramhub/pkg/diagramhub/protocol"
	"github.com/tsarna/diagramhub/pkg/diagramhub/registry"
	"github.com/tsarna/diagramhub/pkg/diagramhub/session"
	"go.uber.org/zap"
)

// Room is the fan-out the dispatcher replies and relays through.
type Room interface {
	Broadcast(ctx context.Context, diagramID string, ev protocol.Event, excludeConnectionID string) (int, error)
	Unicast(ctx context.Context, connectionID string, ev protocol.Event) error
}

// Updater persists document updates.
type Updater interface {
	PersistAndBroadcast(ctx context.Context, diagramID string, content json.RawMessage, originConnectionID string) (int, error)
}

// Members is the slice of the registry the dispatcher reads and writes.
type Members interface {
	Lookup(connectionID string) (registry.Member, bool)
	SetNickname(connectionID, nickname string) (registry.Member, bool)
}

// Dispatcher holds no per-connection state; one instance serves every
// connection concurrently. A bad frame only ever produces a private error
// reply, never a disconnect.
type Dispatcher struct {
	room    Room
	updater Updater
	members Members
	logger  *zap.Logger

	messageCounter o11y.Counter
}

type DispatcherBuilder struct {
	room            Room
	updater         Updater
	members         Members
	logger          *zap.Logger
	metricsProvider o11y.MetricsProvider
}

func NewDispatcher(room Room, updater Updater, members Members) *DispatcherBuilder {
	return &DispatcherBuilder{room: room, updater: updater, members: members}
}

func (b *DispatcherBuilder) WithLogger(logger *zap.Logger) *DispatcherBuilder {
	b.logger = logger
	return b
}

func (b *DispatcherBuilder) WithMetricsProvider(provider o11y.MetricsProvider) *DispatcherBuilder {
	b.metricsProvider = provider
	return b
}

func (b *DispatcherBuilder) IsValid() error {
	if b.room == nil || b.updater == nil || b.members == nil {
		return fmt.Errorf("room, updater and members are all required")
	}
	return nil
}

func (b *DispatcherBuilder) Build() (*Dispatcher, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		room:    b.room,
		updater: b.updater,
		members: b.members,
		logger:  logger.With(zap.String("component", "dispatch")),
	}
	if b.metricsProvider != nil {
		d.messageCounter = b.metricsProvider.Counter("dispatch_messages_total")
	}
	return d, nil
}

// OnMessage handles one text frame from a connection. Any failure is
// reported back to that connection alone and returned for logging.
func (d *Dispatcher) OnMessage(ctx context.Context, connectionID string, raw []byte) error {
	m, ok := d.members.Lookup(connectionID)
	if !ok {
		return fmt.Errorf("connection %s is not registered", connectionID)
	}

	msg, err := protocol.DecodeInbound(raw)
	if err == nil {
		err = d.route(ctx, m, msg)
	}

	d.count(ctx, msg.Type, err)
	if err != nil {
		d.replyError(ctx, m, err)
	}
	return err
}

func (d *Dispatcher) route(ctx context.Context, m registry.Member, msg protocol.Inbound) error {
	switch msg.Type {
	case protocol.TypeUpdateDiagram:
		if len(msg.Content) == 0 {
			return fmt.Errorf("%w: content is required", diagramhub.ErrMalformedMessage)
		}
		_, err := d.updater.PersistAndBroadcast(ctx, m.DiagramID, msg.Content, m.ConnectionID)
		return err

	case protocol.TypePing:
		return d.room.Unicast(ctx, m.ConnectionID, protocol.NewPong(m.SessionID, msg.Timestamp))

	case protocol.TypeCursorPosition:
		if len(msg.Position) == 0 {
			return fmt.Errorf("%w: position is required", diagramhub.ErrMalformedMessage)
		}
		if !protocol.IsJSONObject(msg.Position) {
			return fmt.Errorf("%w: position must be a JSON object", diagramhub.ErrValidationFailed)
		}
		_, err := d.room.Broadcast(ctx, m.DiagramID,
			protocol.NewCursorPosition(m.SessionID, m.Nickname, msg.Position), m.ConnectionID)
		return err

	case protocol.TypeElementSelect:
		if msg.ElementID == "" {
			return fmt.Errorf("%w: element_id is required", diagramhub.ErrValidationFailed)
		}
		selected := msg.Selected == nil || *msg.Selected
		_, err := d.room.Broadcast(ctx, m.DiagramID,
			protocol.NewElementSelect(m.SessionID, m.Nickname, msg.ElementID, selected), m.ConnectionID)
		return err

	case protocol.TypeSetNickname:
		return d.setNickname(ctx, m, msg.Nickname)

	case protocol.TypeChatMessage:
		text := strings.TrimSpace(msg.Message)
		if text == "" || utf8.RuneCountInString(text) > protocol.MaxChatMessageLength {
			return fmt.Errorf("%w: message must be 1 to %d characters", diagramhub.ErrValidationFailed, protocol.MaxChatMessageLength)
		}
		_, err := d.room.Broadcast(ctx, m.DiagramID,
			protocol.NewChatMessage(uuid.NewString(), m.SessionID, m.Nickname, text), "")
		return err

	case protocol.TypeTypingIndicator:
		_, err := d.room.Broadcast(ctx, m.DiagramID,
			protocol.NewTypingIndicator(m.SessionID, m.Nickname, msg.IsTyping), m.ConnectionID)
		return err

	default:
		return fmt.Errorf("%w: %q", diagramhub.ErrUnknownMessageType, msg.Type)
	}
}

func (d *Dispatcher) setNickname(ctx context.Context, m registry.Member, requested string) error {
	nickname, ok := session.NormalizeNickname(requested)
	if !ok {
		return fmt.Errorf("%w: nickname must be 1 to %d characters", diagramhub.ErrValidationFailed, protocol.MaxNicknameLength)
	}

	before, ok := d.members.SetNickname(m.ConnectionID, nickname)
	if !ok {
		return fmt.Errorf("connection %s is not registered", m.ConnectionID)
	}

	_, err := d.room.Broadcast(ctx, m.DiagramID,
		protocol.NewNicknameChanged(m.SessionID, before.Nickname, nickname), "")
	return err
}

func (d *Dispatcher) replyError(ctx context.Context, m registry.Member, cause error) {
	code := diagramhub.ErrorCode(cause)
	message := cause.Error()
	// store and transport details stay in the server log
	switch code {
	case diagramhub.CodePersistFailed:
		message = "the update could not be saved"
	case diagramhub.CodeInternal:
		message = "internal error"
	}

	d.logger.Debug("Replying with error",
		zap.String("connectionId", m.ConnectionID),
		zap.String("code", code),
		zap.Error(cause),
	)

	if err := d.room.Unicast(ctx, m.ConnectionID, protocol.NewError(code, message, m.DiagramID, m.SessionID)); err != nil {
		d.logger.Debug("Error reply not delivered", zap.String("connectionId", m.ConnectionID), zap.Error(err))
	}
}

func (d *Dispatcher) count(ctx context.Context, msgType string, err error) {
	if d.messageCounter == nil {
		return
	}
	switch {
	case msgType == "":
		msgType = "invalid"
	case errors.Is(err, diagramhub.ErrUnknownMessageType):
		msgType = "unknown"
	}
	code := "ok"
	if err != nil {
		code = diagramhub.ErrorCode(err)
	}
	d.messageCounter.Add(ctx, 1,
		o11y.Label{Key: "type", Value: msgType},
		o11y.Label{Key: "code", Value: code},
	)
}
