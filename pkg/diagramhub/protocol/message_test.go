package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/diagramhub/pkg/diagramhub"
)

func TestDecodeInbound(t *testing.T) {
	msg, err := DecodeInbound([]byte(` {"type":"update_diagram","content":{"nodes":[]}} `))
	require.NoError(t, err)
	assert.Equal(t, TypeUpdateDiagram, msg.Type)
	assert.JSONEq(t, `{"nodes":[]}`, string(msg.Content))

	msg, err = DecodeInbound([]byte(`{"type":"ping","timestamp":"2024-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, `"2024-01-01T00:00:00Z"`, string(msg.Timestamp))

	msg, err = DecodeInbound([]byte(`{"type":"element_select","element_id":"n1"}`))
	require.NoError(t, err)
	assert.Nil(t, msg.Selected)
}

func TestDecodeInbound_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":     `hello`,
		"array":        `[1,2]`,
		"empty":        ``,
		"missing type": `{"content":{}}`,
		"numeric type": `{"type":7}`,
		"truncated":    `{"type":"ping"`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(raw))
			assert.ErrorIs(t, err, diagramhub.ErrMalformedMessage)
			assert.Equal(t, diagramhub.CodeMalformedMessage, diagramhub.ErrorCode(err))
		})
	}
}

func TestIsJSONObject(t *testing.T) {
	assert.True(t, IsJSONObject(json.RawMessage(`{}`)))
	assert.True(t, IsJSONObject(json.RawMessage(` {"a":[1]} `)))
	assert.False(t, IsJSONObject(json.RawMessage(`null`)))
	assert.False(t, IsJSONObject(json.RawMessage(`[]`)))
	assert.False(t, IsJSONObject(json.RawMessage(`"x"`)))
	assert.False(t, IsJSONObject(json.RawMessage(`{"a":`)))
	assert.False(t, IsJSONObject(nil))
}

func TestEncodeDiagramChange(t *testing.T) {
	ev := NewDiagramChange("d1", "s1", "Guest_0001", json.RawMessage(`{"nodes":[1]}`), 3, SourceClient)
	data, err := Encode(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "diagram_change", decoded["type"])
	assert.Equal(t, "d1", decoded["diagram_id"])
	assert.Equal(t, "s1", decoded["session_id"])
	assert.Equal(t, map[string]any{"nodes": []any{float64(1)}}, decoded["content"])
	assert.EqualValues(t, 3, decoded["version"])
	assert.Equal(t, "client", decoded["source"])

	ts, err := time.Parse(time.RFC3339, decoded["timestamp"].(string))
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ts.Location())
}

func TestPresenceEventTypes(t *testing.T) {
	joined := NewUserJoined("d", "s", "n", 2)
	left := NewUserLeft("d", "s", "n", 1)

	assert.Equal(t, TypeUserJoined, joined.EventType())
	assert.Equal(t, TypeUserLeft, left.EventType())

	data, err := Encode(left)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"user_count":1`)
	assert.Contains(t, string(data), `"type":"user_left"`)
}

func TestTypingIndicatorEncodesFalse(t *testing.T) {
	data, err := Encode(NewTypingIndicator("s", "n", false))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"is_typing":false`)

	msg, err := DecodeInbound([]byte(`{"type":"chat_message","message":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Message)
}

func TestDiagramStateEmptyParticipants(t *testing.T) {
	data, err := Encode(NewDiagramState("d", json.RawMessage(`{}`), 1, "s", "n", nil))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"participants":[]`)
}

func TestEncodeError(t *testing.T) {
	data, err := Encode(NewError(diagramhub.CodeUnknownType, "unknown message type \"x\"", "d", "s"))
	require.NoError(t, err)

	var decoded Error
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeError, decoded.Type)
	assert.Equal(t, "unknown_type", decoded.Code)
}
