package room

import (
	"context"

	"github.com/samber/lo"
	"github.com/tsarna/diagramhub/pkg/diagramhub/protocol"
	"github.com/tsarna/diagramhub/pkg/diagramhub/registry"
	"go.uber.org/zap"
)

// Presence announces joins and leaves. Presence is per connection: two tabs
// of one session are two members and produce two join events.
type Presence struct {
	broadcaster *Broadcaster
	registry    *registry.Registry
	logger      *zap.Logger
}

// NewPresence returns a tracker bound to b. Members evicted by b after a
// failed delivery are announced through OnLeave.
func NewPresence(b *Broadcaster) *Presence {
	p := &Presence{
		broadcaster: b,
		registry:    b.registry,
		logger:      b.logger.With(zap.String("component", "presence")),
	}
	b.onEvict = func(ctx context.Context, m registry.Member) {
		p.OnLeave(ctx, m)
	}
	return p
}

// OnJoin tells the room, including the new member, that m has joined. It
// must be called after m is registered.
func (p *Presence) OnJoin(ctx context.Context, m registry.Member) int {
	count := p.registry.Count(m.DiagramID)
	n, err := p.broadcaster.Broadcast(ctx, m.DiagramID,
		protocol.NewUserJoined(m.DiagramID, m.SessionID, m.Nickname, count), "")
	if err != nil {
		p.logger.Error("Failed to announce join", zap.String("connectionId", m.ConnectionID), zap.Error(err))
	}
	return n
}

// OnLeave tells the remaining members that m has left. It must be called
// after m is unregistered. An empty room gets no local delivery but the
// event is still published for other instances.
func (p *Presence) OnLeave(ctx context.Context, m registry.Member) int {
	count := p.registry.Count(m.DiagramID)
	n, err := p.broadcaster.Broadcast(ctx, m.DiagramID,
		protocol.NewUserLeft(m.DiagramID, m.SessionID, m.Nickname, count), "")
	if err != nil {
		p.logger.Error("Failed to announce leave", zap.String("connectionId", m.ConnectionID), zap.Error(err))
	}
	return n
}

// Participants lists the current members of a room for a diagram_state
// snapshot.
func (p *Presence) Participants(diagramID string) []protocol.Participant {
	return lo.Map(p.registry.ListMembers(diagramID), func(m registry.Member, _ int) protocol.Participant {
		return protocol.Participant{
			SessionID:   m.SessionID,
			Nickname:    m.Nickname,
			ConnectedAt: m.ConnectedAt,
		}
	})
}
