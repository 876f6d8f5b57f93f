// Package bridge connects document persistence to room fan-out: an update
// is broadcast only after the store has accepted it.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/tsarna/diagramhub/pkg/diagramhub"
	"github.com/tsarna/diagramhub/pkg/diagramhub/o11y"
	"github.com/tsarna/diagramhub/pkg/diagramhub/protocol"
	"github.com/tsarna/diagramhub/pkg/diagramhub/registry"
	"github.com/tsarna/diagramhub/pkg/diagramhub/store"
	"go.uber.org/zap"
)

const sequencerStripes = 64

// Broadcaster is the part of room.Broadcaster the bridge needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, diagramID string, ev protocol.Event, excludeConnectionID string) (int, error)
}

// MemberLookup resolves the connection an update came from.
type MemberLookup interface {
	Lookup(connectionID string) (registry.Member, bool)
}

// Bridge persists diagram updates and broadcasts them, last write wins.
//
// Writes to one diagram are serialized by a striped mutex held across both
// the store call and the broadcast, so members see changes in the order the
// store committed them. No registry lock is ever held during a store call.
type Bridge struct {
	store       store.Store
	broadcaster Broadcaster
	members     MemberLookup
	autoCreate  bool
	logger      *zap.Logger

	stripes [sequencerStripes]sync.Mutex

	updateCounter   o11y.Counter
	persistDuration o11y.Histogram
	tracer          o11y.TracingProvider
}

type BridgeBuilder struct {
	store       store.Store
	broadcaster Broadcaster
	members     MemberLookup
	autoCreate  bool
	logger      *zap.Logger
	o11y        o11y.Config
}

func NewBridge(s store.Store, b Broadcaster, members MemberLookup) *BridgeBuilder {
	return &BridgeBuilder{store: s, broadcaster: b, members: members}
}

func (b *BridgeBuilder) WithLogger(logger *zap.Logger) *BridgeBuilder {
	b.logger = logger
	return b
}

// WithAutoCreate makes Snapshot create missing diagrams with empty content
// instead of failing.
func (b *BridgeBuilder) WithAutoCreate(autoCreate bool) *BridgeBuilder {
	b.autoCreate = autoCreate
	return b
}

func (b *BridgeBuilder) WithObservability(config o11y.Config) *BridgeBuilder {
	b.o11y = config
	return b
}

func (b *BridgeBuilder) IsValid() error {
	if b.store == nil {
		return fmt.Errorf("store is required")
	}
	if b.broadcaster == nil {
		return fmt.Errorf("broadcaster is required")
	}
	if b.members == nil {
		return fmt.Errorf("member lookup is required")
	}
	return nil
}

func (b *BridgeBuilder) Build() (*Bridge, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	br := &Bridge{
		store:       b.store,
		broadcaster: b.broadcaster,
		members:     b.members,
		autoCreate:  b.autoCreate,
		logger:      logger.With(zap.String("component", "bridge")),
		tracer:      b.o11y.TracingProvider,
	}
	if m := b.o11y.MetricsProvider; m != nil {
		br.updateCounter = m.Counter("bridge_updates_total")
		br.persistDuration = m.Histogram("bridge_persist_duration_seconds")
	}

	return br, nil
}

func (br *Bridge) sequencer(diagramID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(diagramID))
	return &br.stripes[h.Sum32()%sequencerStripes]
}

// PersistAndBroadcast stores content as the new version of a diagram and
// then sends diagram_change to every member of the room, the originating
// connection included. Invalid content fails with ErrValidationFailed
// without touching the store; a store failure wraps ErrPersistFailed and
// nothing is broadcast. It returns the number of members reached.
func (br *Bridge) PersistAndBroadcast(ctx context.Context, diagramID string, content json.RawMessage, originConnectionID string) (delivered int, err error) {
	ctx, span := br.startSpan(ctx, "bridge.persist_and_broadcast", diagramID)
	defer func() {
		br.countUpdate(ctx, protocol.SourceClient, err)
		o11y.EndSpan(span, err)
	}()

	if !protocol.IsJSONObject(content) {
		return 0, fmt.Errorf("%w: content must be a JSON object", diagramhub.ErrValidationFailed)
	}

	origin, ok := br.members.Lookup(originConnectionID)
	if !ok {
		return 0, fmt.Errorf("%w: connection %s is not registered", diagramhub.ErrValidationFailed, originConnectionID)
	}

	mu := br.sequencer(diagramID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	doc, err := br.store.UpdateDocument(ctx, diagramID, content, origin.SessionID)
	if br.persistDuration != nil {
		br.persistDuration.Record(ctx, time.Since(start).Seconds(), o11y.StatusLabel(err))
	}
	if err != nil {
		br.logger.Warn("Persist failed",
			zap.String("diagramId", diagramID),
			zap.String("sessionId", origin.SessionID),
			zap.Error(err),
		)
		return 0, fmt.Errorf("%w: %w", diagramhub.ErrPersistFailed, err)
	}

	ev := protocol.NewDiagramChange(diagramID, origin.SessionID, origin.Nickname, doc.Content, doc.Version, protocol.SourceClient)
	return br.broadcaster.Broadcast(ctx, diagramID, ev, "")
}

// RelayExternalUpdate pushes content that something else already persisted
// (an AI or import job, say) to the members of a room. A room with no
// members is not an error.
func (br *Bridge) RelayExternalUpdate(ctx context.Context, diagramID string, content json.RawMessage) (delivered int, err error) {
	ctx, span := br.startSpan(ctx, "bridge.relay_external_update", diagramID)
	defer func() {
		br.countUpdate(ctx, protocol.SourceExternal, err)
		o11y.EndSpan(span, err)
	}()

	if !protocol.IsJSONObject(content) {
		return 0, fmt.Errorf("%w: content must be a JSON object", diagramhub.ErrValidationFailed)
	}

	mu := br.sequencer(diagramID)
	mu.Lock()
	defer mu.Unlock()

	// The version is informational; a store outage must not block the relay.
	var version int64
	if doc, err := br.store.GetDocument(ctx, diagramID); err == nil {
		version = doc.Version
	}

	ev := protocol.NewDiagramChange(diagramID, "", "", content, version, protocol.SourceExternal)
	return br.broadcaster.Broadcast(ctx, diagramID, ev, "")
}

// Snapshot returns the current document for a diagram, creating an empty
// one first when auto-create is enabled. Failures wrap ErrPersistFailed.
func (br *Bridge) Snapshot(ctx context.Context, diagramID string) (store.Document, error) {
	mu := br.sequencer(diagramID)
	mu.Lock()
	defer mu.Unlock()

	return br.snapshot(ctx, diagramID)
}

// SendSnapshot reads the current document and hands it to send while
// updates to the diagram are held back. A connection that registered before
// calling it therefore sees every later diagram_change after its snapshot,
// never before.
func (br *Bridge) SendSnapshot(ctx context.Context, diagramID string, send func(store.Document) error) error {
	mu := br.sequencer(diagramID)
	mu.Lock()
	defer mu.Unlock()

	doc, err := br.snapshot(ctx, diagramID)
	if err != nil {
		return err
	}
	return send(doc)
}

func (br *Bridge) snapshot(ctx context.Context, diagramID string) (store.Document, error) {
	doc, err := br.store.GetDocument(ctx, diagramID)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, store.ErrNotFound) || !br.autoCreate {
		return store.Document{}, fmt.Errorf("%w: %w", diagramhub.ErrPersistFailed, err)
	}

	doc, err = br.store.CreateDocument(ctx, diagramID, store.EmptyContent)
	if errors.Is(err, store.ErrAlreadyExists) {
		// created by another hub instance sharing the store
		doc, err = br.store.GetDocument(ctx, diagramID)
	}
	if err != nil {
		return store.Document{}, fmt.Errorf("%w: %w", diagramhub.ErrPersistFailed, err)
	}

	br.logger.Info("Created diagram", zap.String("diagramId", diagramID))
	return doc, nil
}

func (br *Bridge) startSpan(ctx context.Context, name, diagramID string) (context.Context, o11y.Span) {
	if br.tracer == nil {
		return ctx, nil
	}
	ctx, span := br.tracer.StartSpan(ctx, name)
	span.SetAttributes(o11y.Label{Key: "diagram_id", Value: diagramID})
	return ctx, span
}

func (br *Bridge) countUpdate(ctx context.Context, source string, err error) {
	if br.updateCounter != nil {
		br.updateCounter.Add(ctx, 1,
			o11y.Label{Key: "source", Value: source},
			o11y.Label{Key: "code", Value: codeLabel(err)},
		)
	}
}

func codeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return diagramhub.ErrorCode(err)
}
