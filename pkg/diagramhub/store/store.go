// Package store holds the latest snapshot of each diagram. Only the newest
// content is durable; individual edits are never recorded.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("diagram not found")
	ErrAlreadyExists = errors.New("diagram already exists")
)

// Document is the stored state of one diagram.
type Document struct {
	DiagramID  string          `json:"diagram_id"`
	Content    json.RawMessage `json:"content"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
	LastEditor string          `json:"last_editor,omitempty"`
}

// Store is the document persistence collaborator.
type Store interface {
	GetDocument(ctx context.Context, diagramID string) (Document, error)

	// UpdateDocument replaces the content of an existing diagram and bumps
	// its version by one. Missing diagrams fail with ErrNotFound.
	UpdateDocument(ctx context.Context, diagramID string, content json.RawMessage, editor string) (Document, error)

	// CreateDocument stores version 1 of a new diagram. Existing diagrams
	// fail with ErrAlreadyExists.
	CreateDocument(ctx context.Context, diagramID string, content json.RawMessage) (Document, error)
}

// EmptyContent is the content of a freshly created diagram.
var EmptyContent = json.RawMessage(`{"nodes":[],"edges":[]}`)

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
