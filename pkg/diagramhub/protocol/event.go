package protocol

import (
	"encoding/json"
	"time"
)

// Event is any server to client message.
type Event interface {
	EventType() string
}

// Sources of a diagram_change.
const (
	SourceClient   = "client"
	SourceExternal = "external"
)

// Participant describes one connected member in a diagram_state snapshot.
type Participant struct {
	SessionID   string    `json:"session_id"`
	Nickname    string    `json:"nickname"`
	ConnectedAt time.Time `json:"connected_at"`
}

type DiagramChange struct {
	Type      string          `json:"type"`
	DiagramID string          `json:"diagram_id"`
	SessionID string          `json:"session_id,omitempty"`
	Nickname  string          `json:"nickname,omitempty"`
	Content   json.RawMessage `json:"content"`
	Version   int64           `json:"version,omitempty"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}

func (DiagramChange) EventType() string { return TypeDiagramChange }

// UserPresence is the payload of both user_joined and user_left.
type UserPresence struct {
	Type      string    `json:"type"`
	DiagramID string    `json:"diagram_id"`
	SessionID string    `json:"session_id"`
	Nickname  string    `json:"nickname"`
	UserCount int       `json:"user_count"`
	Timestamp time.Time `json:"timestamp"`
}

func (e UserPresence) EventType() string { return e.Type }

type Pong struct {
	Type            string          `json:"type"`
	SessionID       string          `json:"session_id,omitempty"`
	ClientTimestamp json.RawMessage `json:"client_timestamp,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

func (Pong) EventType() string { return TypePong }

// DiagramState is sent privately to a connection right after it joins.
type DiagramState struct {
	Type         string          `json:"type"`
	DiagramID    string          `json:"diagram_id"`
	Content      json.RawMessage `json:"content"`
	Version      int64           `json:"version"`
	SessionID    string          `json:"session_id"`
	Nickname     string          `json:"nickname"`
	Participants []Participant   `json:"participants"`
	Timestamp    time.Time       `json:"timestamp"`
}

func (DiagramState) EventType() string { return TypeDiagramState }

type CursorPosition struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Nickname  string          `json:"nickname"`
	Position  json.RawMessage `json:"position"`
	Timestamp time.Time       `json:"timestamp"`
}

func (CursorPosition) EventType() string { return TypeCursorPosition }

type ElementSelect struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Nickname  string    `json:"nickname"`
	ElementID string    `json:"element_id"`
	Selected  bool      `json:"selected"`
	Timestamp time.Time `json:"timestamp"`
}

func (ElementSelect) EventType() string { return TypeElementSelect }

// ChatMessage is a room chat line. MessageID is assigned by the server.
type ChatMessage struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Nickname  string    `json:"nickname"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (ChatMessage) EventType() string { return TypeChatMessage }

type TypingIndicator struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Nickname  string    `json:"nickname"`
	IsTyping  bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}

func (TypingIndicator) EventType() string { return TypeTypingIndicator }

type NicknameChanged struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"session_id"`
	OldNickname string    `json:"old_nickname"`
	NewNickname string    `json:"new_nickname"`
	Timestamp   time.Time `json:"timestamp"`
}

func (NicknameChanged) EventType() string { return TypeNicknameChanged }

type Error struct {
	Type      string    `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	DiagramID string    `json:"diagram_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (Error) EventType() string { return TypeError }

// Now returns the timestamp used on outbound events. Millisecond precision
// in UTC keeps the encoding ISO 8601 compatible for browser clients.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Encode marshals an event into a single text frame.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

func NewDiagramChange(diagramID, sessionID, nickname string, content json.RawMessage, version int64, source string) DiagramChange {
	return DiagramChange{
		Type:      TypeDiagramChange,
		DiagramID: diagramID,
		SessionID: sessionID,
		Nickname:  nickname,
		Content:   content,
		Version:   version,
		Source:    source,
		Timestamp: Now(),
	}
}

func NewUserJoined(diagramID, sessionID, nickname string, userCount int) UserPresence {
	return UserPresence{
		Type:      TypeUserJoined,
		DiagramID: diagramID,
		SessionID: sessionID,
		Nickname:  nickname,
		UserCount: userCount,
		Timestamp: Now(),
	}
}

func NewUserLeft(diagramID, sessionID, nickname string, userCount int) UserPresence {
	ev := NewUserJoined(diagramID, sessionID, nickname, userCount)
	ev.Type = TypeUserLeft
	return ev
}

func NewPong(sessionID string, clientTimestamp json.RawMessage) Pong {
	return Pong{
		Type:            TypePong,
		SessionID:       sessionID,
		ClientTimestamp: clientTimestamp,
		Timestamp:       Now(),
	}
}

func NewDiagramState(diagramID string, content json.RawMessage, version int64, sessionID, nickname string, participants []Participant) DiagramState {
	if participants == nil {
		participants = []Participant{}
	}
	return DiagramState{
		Type:         TypeDiagramState,
		DiagramID:    diagramID,
		Content:      content,
		Version:      version,
		SessionID:    sessionID,
		Nickname:     nickname,
		Participants: participants,
		Timestamp:    Now(),
	}
}

func NewCursorPosition(sessionID, nickname string, position json.RawMessage) CursorPosition {
	return CursorPosition{
		Type:      TypeCursorPosition,
		SessionID: sessionID,
		Nickname:  nickname,
		Position:  position,
		Timestamp: Now(),
	}
}

func NewElementSelect(sessionID, nickname, elementID string, selected bool) ElementSelect {
	return ElementSelect{
		Type:      TypeElementSelect,
		SessionID: sessionID,
		Nickname:  nickname,
		ElementID: elementID,
		Selected:  selected,
		Timestamp: Now(),
	}
}

func NewChatMessage(messageID, sessionID, nickname, message string) ChatMessage {
	return ChatMessage{
		Type:      TypeChatMessage,
		MessageID: messageID,
		SessionID: sessionID,
		Nickname:  nickname,
		Message:   message,
		Timestamp: Now(),
	}
}

func NewTypingIndicator(sessionID, nickname string, isTyping bool) TypingIndicator {
	return TypingIndicator{
		Type:      TypeTypingIndicator,
		SessionID: sessionID,
		Nickname:  nickname,
		IsTyping:  isTyping,
		Timestamp: Now(),
	}
}

func NewNicknameChanged(sessionID, oldNickname, newNickname string) NicknameChanged {
	return NicknameChanged{
		Type:        TypeNicknameChanged,
		SessionID:   sessionID,
		OldNickname: oldNickname,
		NewNickname: newNickname,
		Timestamp:   Now(),
	}
}

func NewError(code, message, diagramID, sessionID string) Error {
	return Error{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		DiagramID: diagramID,
		SessionID: sessionID,
		Timestamp: Now(),
	}
}
