package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Both backends must behave identically.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("badger", func(t *testing.T) {
		b, err := OpenBadger("", zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		fn(t, b)
	})
}

func TestCreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetDocument(ctx, "d1")
		assert.ErrorIs(t, err, ErrNotFound)

		doc, err := s.CreateDocument(ctx, "d1", EmptyContent)
		require.NoError(t, err)
		assert.EqualValues(t, 1, doc.Version)
		assert.Equal(t, "d1", doc.DiagramID)

		_, err = s.CreateDocument(ctx, "d1", EmptyContent)
		assert.ErrorIs(t, err, ErrAlreadyExists)

		got, err := s.GetDocument(ctx, "d1")
		require.NoError(t, err)
		assert.JSONEq(t, string(EmptyContent), string(got.Content))
		assert.EqualValues(t, 1, got.Version)
	})
}

func TestUpdateBumpsVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.UpdateDocument(ctx, "missing", json.RawMessage(`{}`), "s1")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.CreateDocument(ctx, "d1", EmptyContent)
		require.NoError(t, err)

		doc, err := s.UpdateDocument(ctx, "d1", json.RawMessage(`{"nodes":[{"id":"a"}]}`), "s1")
		require.NoError(t, err)
		assert.EqualValues(t, 2, doc.Version)
		assert.Equal(t, "s1", doc.LastEditor)

		doc, err = s.UpdateDocument(ctx, "d1", json.RawMessage(`{"nodes":[]}`), "s2")
		require.NoError(t, err)
		assert.EqualValues(t, 3, doc.Version)

		got, err := s.GetDocument(ctx, "d1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"nodes":[]}`, string(got.Content))
		assert.Equal(t, "s2", got.LastEditor)
	})
}

func TestConcurrentUpdatesLoseNoVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateDocument(ctx, "d1", EmptyContent)
		require.NoError(t, err)

		const writers = 4
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.UpdateDocument(ctx, "d1", json.RawMessage(fmt.Sprintf(`{"w":%d}`, i)), "s")
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := s.GetDocument(ctx, "d1")
		require.NoError(t, err)
		assert.EqualValues(t, 1+writers, got.Version)
	})
}

func TestCanceledContext(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.GetDocument(ctx, "d1")
		assert.ErrorIs(t, err, context.Canceled)
		_, err = s.CreateDocument(ctx, "d1", EmptyContent)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryReturnsCopies(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	content := json.RawMessage(`{"a":1}`)

	_, err := s.CreateDocument(ctx, "d1", content)
	require.NoError(t, err)
	content[2] = 'b'

	got, err := s.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got.Content))
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := OpenBadger(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = b.CreateDocument(ctx, "d1", EmptyContent)
	require.NoError(t, err)
	_, err = b.UpdateDocument(ctx, "d1", json.RawMessage(`{"x":true}`), "s1")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b, err = OpenBadger(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close()

	got, err := b.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Version)
	assert.JSONEq(t, `{"x":true}`, string(got.Content))
}

func TestBadgerCreateReturnsReadErrors(t *testing.T) {
	logger := zaptest.NewLogger(t)
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithNamespaceOffset(0).
		WithLogger(badgerLogger{logger.Sugar()})
	db, err := badger.Open(opts)
	require.NoError(t, err)
	b := &Badger{db: db, logger: logger, now: time.Now}
	defer b.Close()

	// every diagram key shares the 8-byte prefix, so banning it fails every read
	require.NoError(t, db.BanNamespace(binary.BigEndian.Uint64([]byte(keyPrefix))))

	_, err = b.CreateDocument(context.Background(), "d1", EmptyContent)
	assert.ErrorIs(t, err, badger.ErrBannedKey)
	assert.NotErrorIs(t, err, ErrAlreadyExists)
}
