package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Memory is a process-local Store, the default when no durable backend is
// configured.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]Document
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]Document),
		now:  time.Now,
	}
}

func (m *Memory) GetDocument(ctx context.Context, diagramID string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[diagramID]
	if !ok {
		return Document{}, ErrNotFound
	}
	doc.Content = cloneRaw(doc.Content)
	return doc, nil
}

func (m *Memory) UpdateDocument(ctx context.Context, diagramID string, content json.RawMessage, editor string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[diagramID]
	if !ok {
		return Document{}, ErrNotFound
	}
	doc.Content = cloneRaw(content)
	doc.Version++
	doc.UpdatedAt = m.now().UTC()
	doc.LastEditor = editor
	m.docs[diagramID] = doc

	doc.Content = cloneRaw(doc.Content)
	return doc, nil
}

func (m *Memory) CreateDocument(ctx context.Context, diagramID string, content json.RawMessage) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[diagramID]; ok {
		return Document{}, ErrAlreadyExists
	}
	doc := Document{
		DiagramID: diagramID,
		Content:   cloneRaw(content),
		Version:   1,
		UpdatedAt: m.now().UTC(),
	}
	m.docs[diagramID] = doc

	doc.Content = cloneRaw(doc.Content)
	return doc, nil
}
