package protocol

import (
	"encoding/json"

	"go.uber.org/zap/zapcore"
)

// Envelope carries an already encoded event for one room across the
// in-process bus and between hub instances. Data is exactly the frame that
// local members received, so remote instances forward it without
// re-encoding.
type Envelope struct {
	Origin    string          `json:"origin"` // instance id of the publishing hub
	DiagramID string          `json:"diagram_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

func (e Envelope) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("origin", e.Origin)
	enc.AddString("diagramId", e.DiagramID)
	enc.AddString("type", e.Type)
	enc.AddInt("bytes", len(e.Data))
	return nil
}
