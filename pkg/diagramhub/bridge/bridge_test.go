package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/diagramhub/pkg/diagramhub"
	"github.com/tsarna/diagramhub/pkg/diagramhub/protocol"
	"github.com/tsarna/diagramhub/pkg/diagramhub/registry"
	"github.com/tsarna/diagramhub/pkg/diagramhub/store"
	"go.uber.org/zap/zaptest"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []protocol.DiagramChange
}

func (r *recordingBroadcaster) Broadcast(ctx context.Context, diagramID string, ev protocol.Event, exclude string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.(protocol.DiagramChange))
	return 2, nil
}

func (r *recordingBroadcaster) Events() []protocol.DiagramChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.DiagramChange(nil), r.events...)
}

// failingStore wraps a Store and can be switched into an outage.
type failingStore struct {
	store.Store
	mu     sync.Mutex
	down   bool
	writes int
}

func (f *failingStore) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *failingStore) UpdateDocument(ctx context.Context, id string, content json.RawMessage, editor string) (store.Document, error) {
	f.mu.Lock()
	f.writes++
	down := f.down
	f.mu.Unlock()
	if down {
		return store.Document{}, errors.New("connection refused")
	}
	return f.Store.UpdateDocument(ctx, id, content, editor)
}

func (f *failingStore) GetDocument(ctx context.Context, id string) (store.Document, error) {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return store.Document{}, errors.New("connection refused")
	}
	return f.Store.GetDocument(ctx, id)
}

type fixture struct {
	bridge *Bridge
	store  *failingStore
	events *recordingBroadcaster
	reg    *registry.Registry
	origin registry.Member
}

type nopSink struct{}

func (nopSink) Send([]byte) error { return nil }
func (nopSink) Close(string)      {}

func newFixture(t *testing.T, autoCreate bool) *fixture {
	t.Helper()
	f := &fixture{
		store:  &failingStore{Store: store.NewMemory()},
		events: &recordingBroadcaster{},
		reg:    registry.New(),
	}
	b, err := NewBridge(f.store, f.events, f.reg).
		WithLogger(zaptest.NewLogger(t)).
		WithAutoCreate(autoCreate).
		Build()
	require.NoError(t, err)
	f.bridge = b
	f.origin = f.reg.Register("d1", "s1", "Guest_0001", nopSink{})
	return f
}

func TestBridgeBuilder_IsValid(t *testing.T) {
	_, err := NewBridge(nil, &recordingBroadcaster{}, registry.New()).Build()
	assert.Error(t, err)
	_, err = NewBridge(store.NewMemory(), nil, registry.New()).Build()
	assert.Error(t, err)
	_, err = NewBridge(store.NewMemory(), &recordingBroadcaster{}, nil).Build()
	assert.Error(t, err)
}

func TestPersistAndBroadcast(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.bridge.Snapshot(ctx, "d1")
	require.NoError(t, err)

	n, err := f.bridge.PersistAndBroadcast(ctx, "d1", json.RawMessage(`{"nodes":[{"id":"a"}]}`), f.origin.ConnectionID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "d1", events[0].DiagramID)
	assert.Equal(t, "s1", events[0].SessionID)
	assert.Equal(t, "Guest_0001", events[0].Nickname)
	assert.EqualValues(t, 2, events[0].Version)
	assert.Equal(t, protocol.SourceClient, events[0].Source)
	assert.JSONEq(t, `{"nodes":[{"id":"a"}]}`, string(events[0].Content))

	doc, err := f.store.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, doc.Version)
	assert.Equal(t, "s1", doc.LastEditor)
}

func TestPersistAndBroadcast_InvalidContent(t *testing.T) {
	f := newFixture(t, true)

	for _, raw := range []string{`null`, `[1,2]`, `"text"`, `42`, ``} {
		_, err := f.bridge.PersistAndBroadcast(context.Background(), "d1", json.RawMessage(raw), f.origin.ConnectionID)
		assert.ErrorIs(t, err, diagramhub.ErrValidationFailed, raw)
	}

	assert.Zero(t, f.store.writes, "invalid content never reaches the store")
	assert.Empty(t, f.events.Events())
}

func TestPersistAndBroadcast_StoreDown(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.bridge.Snapshot(ctx, "d1")
	require.NoError(t, err)

	f.store.setDown(true)
	_, err = f.bridge.PersistAndBroadcast(ctx, "d1", json.RawMessage(`{}`), f.origin.ConnectionID)
	assert.ErrorIs(t, err, diagramhub.ErrPersistFailed)
	assert.Equal(t, diagramhub.CodePersistFailed, diagramhub.ErrorCode(err))
	assert.Empty(t, f.events.Events(), "nothing is broadcast when persistence fails")
}

func TestPersistAndBroadcast_MissingDiagram(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.bridge.PersistAndBroadcast(context.Background(), "d1", json.RawMessage(`{}`), f.origin.ConnectionID)
	assert.ErrorIs(t, err, diagramhub.ErrPersistFailed)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPersistAndBroadcast_UnknownConnection(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.bridge.PersistAndBroadcast(context.Background(), "d1", json.RawMessage(`{}`), "gone")
	assert.ErrorIs(t, err, diagramhub.ErrValidationFailed)
	assert.Zero(t, f.store.writes)
}

func TestBroadcastOrderMatchesPersistOrder(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.bridge.Snapshot(ctx, "d1")
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.bridge.PersistAndBroadcast(ctx, "d1", json.RawMessage(fmt.Sprintf(`{"w":%d}`, i)), f.origin.ConnectionID)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	events := f.events.Events()
	require.Len(t, events, writers)
	for i, ev := range events {
		assert.EqualValues(t, i+2, ev.Version, "broadcasts arrive in commit order")
	}

	// last write wins: the stored content is whatever was broadcast last
	doc, err := f.store.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.JSONEq(t, string(events[writers-1].Content), string(doc.Content))
}

func TestRelayExternalUpdate(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.bridge.Snapshot(ctx, "d1")
	require.NoError(t, err)

	n, err := f.bridge.RelayExternalUpdate(ctx, "d1", json.RawMessage(`{"nodes":["ai"]}`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.SourceExternal, events[0].Source)
	assert.Empty(t, events[0].SessionID)
	assert.EqualValues(t, 1, events[0].Version)
	assert.Zero(t, f.store.writes, "external updates are already persisted")

	_, err = f.bridge.RelayExternalUpdate(ctx, "d1", json.RawMessage(`[]`))
	assert.ErrorIs(t, err, diagramhub.ErrValidationFailed)

	f.store.setDown(true)
	_, err = f.bridge.RelayExternalUpdate(ctx, "unknown", json.RawMessage(`{}`))
	assert.NoError(t, err)
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, true)
	doc, err := f.bridge.Snapshot(ctx, "fresh")
	require.NoError(t, err)
	assert.EqualValues(t, 1, doc.Version)
	assert.JSONEq(t, `{"nodes":[],"edges":[]}`, string(doc.Content))

	again, err := f.bridge.Snapshot(ctx, "fresh")
	require.NoError(t, err)
	assert.EqualValues(t, 1, again.Version)

	noCreate := newFixture(t, false)
	_, err = noCreate.bridge.Snapshot(ctx, "fresh")
	assert.ErrorIs(t, err, diagramhub.ErrPersistFailed)
	assert.ErrorIs(t, err, store.ErrNotFound)

	f.store.setDown(true)
	_, err = f.bridge.Snapshot(ctx, "fresh")
	assert.ErrorIs(t, err, diagramhub.ErrPersistFailed)
}

func TestSnapshotConcurrentAutoCreate(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := f.bridge.Snapshot(ctx, "race")
			assert.NoError(t, err)
			assert.EqualValues(t, 1, doc.Version)
		}()
	}
	wg.Wait()
}

func TestSendSnapshot(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	var got store.Document
	require.NoError(t, f.bridge.SendSnapshot(ctx, "d1", func(doc store.Document) error {
		got = doc
		return nil
	}))
	assert.EqualValues(t, 1, got.Version)

	sendErr := errors.New("queue full")
	err := f.bridge.SendSnapshot(ctx, "d1", func(store.Document) error { return sendErr })
	assert.ErrorIs(t, err, sendErr)

	noCreate := newFixture(t, false)
	called := false
	err = noCreate.bridge.SendSnapshot(ctx, "absent", func(store.Document) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, diagramhub.ErrPersistFailed)
	assert.False(t, called)
}
