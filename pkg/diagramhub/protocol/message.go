// Package protocol defines the JSON wire format spoken over diagram
// WebSocket connections: inbound client messages, outbound room events,
// and the envelope used to carry encoded events between hub instances.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tsarna/diagramhub/pkg/diagramhub"
)

// Client to server message types.
const (
	TypeUpdateDiagram   = "update_diagram"
	TypePing            = "ping"
	TypeCursorPosition  = "cursor_position" // also relayed outbound
	TypeElementSelect   = "element_select"  // also relayed outbound
	TypeSetNickname     = "set_nickname"
	TypeChatMessage     = "chat_message"     // also relayed outbound
	TypeTypingIndicator = "typing_indicator" // also relayed outbound
)

// Server to client event types.
const (
	TypeDiagramChange   = "diagram_change"
	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
	TypePong            = "pong"
	TypeDiagramState    = "diagram_state"
	TypeNicknameChanged = "nickname_changed"
	TypeError           = "error"
)

const (
	MaxNicknameLength    = 20
	MaxChatMessageLength = 500
)

// Inbound is a decoded client message. Only the fields relevant to Type are
// populated; the rest stay zero.
type Inbound struct {
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content,omitempty"`   // update_diagram
	Timestamp json.RawMessage `json:"timestamp,omitempty"` // ping, echoed back verbatim
	Position  json.RawMessage `json:"position,omitempty"`  // cursor_position
	ElementID string          `json:"element_id,omitempty"`
	Selected  *bool           `json:"selected,omitempty"`
	Nickname  string          `json:"nickname,omitempty"` // set_nickname
	Message   string          `json:"message,omitempty"`  // chat_message
	IsTyping  bool            `json:"is_typing,omitempty"`
}

// DecodeInbound parses one client frame. Frames that are not a JSON object,
// or that lack a string "type", fail with an error wrapping
// diagramhub.ErrMalformedMessage.
func DecodeInbound(raw []byte) (Inbound, error) {
	var msg Inbound

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return msg, fmt.Errorf("%w: expected a JSON object", diagramhub.ErrMalformedMessage)
	}
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", diagramhub.ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", diagramhub.ErrMalformedMessage)
	}

	return msg, nil
}

// IsJSONObject reports whether raw holds a JSON object (and not null, an
// array, or a scalar). Surrounding whitespace is ignored.
func IsJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
