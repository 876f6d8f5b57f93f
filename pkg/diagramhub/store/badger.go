package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const keyPrefix = "diagram:"

// Badger is a Store backed by an embedded BadgerDB. Each diagram is one key
// holding its JSON-encoded Document; updates run in a read-modify-write
// transaction so concurrent writers to one diagram never lose a version.
type Badger struct {
	db     *badger.DB
	logger *zap.Logger
	now    func() time.Time
}

// OpenBadger opens (or creates) a database at path. An empty path opens an
// in-memory database, which is what the tests use.
func OpenBadger(path string, logger *zap.Logger) (*Badger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{logger.Sugar()})
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", path, err)
	}

	return &Badger{db: db, logger: logger, now: time.Now}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func key(diagramID string) []byte {
	return []byte(keyPrefix + diagramID)
}

func readDocument(txn *badger.Txn, diagramID string) (Document, error) {
	var doc Document

	item, err := txn.Get(key(diagramID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return doc, ErrNotFound
	}
	if err != nil {
		return doc, err
	}

	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &doc)
	})
	return doc, err
}

func writeDocument(txn *badger.Txn, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}
	return txn.Set(key(doc.DiagramID), data)
}

func (b *Badger) GetDocument(ctx context.Context, diagramID string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	var doc Document
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = readDocument(txn, diagramID)
		return err
	})
	return doc, err
}

func (b *Badger) UpdateDocument(ctx context.Context, diagramID string, content json.RawMessage, editor string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	var doc Document
	err := b.update(func(txn *badger.Txn) error {
		var err error
		doc, err = readDocument(txn, diagramID)
		if err != nil {
			return err
		}
		doc.Content = content
		doc.Version++
		doc.UpdatedAt = b.now().UTC()
		doc.LastEditor = editor
		return writeDocument(txn, doc)
	})
	return doc, err
}

func (b *Badger) CreateDocument(ctx context.Context, diagramID string, content json.RawMessage) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	doc := Document{
		DiagramID: diagramID,
		Content:   content,
		Version:   1,
		UpdatedAt: b.now().UTC(),
	}
	err := b.update(func(txn *badger.Txn) error {
		_, err := txn.Get(key(diagramID))
		switch {
		case err == nil:
			return ErrAlreadyExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return writeDocument(txn, doc)
	})
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

// update retries transactions that lost an optimistic conflict with a
// concurrent writer.
func (b *Badger) update(fn func(txn *badger.Txn) error) error {
	const attempts = 5

	var err error
	for i := 0; i < attempts; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		b.logger.Debug("Badger transaction conflict, retrying", zap.Int("attempt", i+1))
	}
	return err
}

// badgerLogger routes badger's internal logging into zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
