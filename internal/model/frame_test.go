package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientFrame_Join(t *testing.T) {
	frame, err := DecodeClientFrame([]byte(`{"type":"join","conversation_id":"conv-1"}`))
	require.NoError(t, err)

	join, ok := frame.(*JoinFrame)
	require.True(t, ok)
	assert.Equal(t, "conv-1", join.ConversationID)
}

func TestDecodeClientFrame_Message(t *testing.T) {
	frame, err := DecodeClientFrame([]byte(`{"type":"message","conversation_id":"conv-1","content":"hello"}`))
	require.NoError(t, err)

	msg, ok := frame.(*MessageFrame)
	require.True(t, ok)
	assert.Equal(t, "conv-1", msg.ConversationID)
	assert.Equal(t, "hello", msg.Content)
}

func TestDecodeClientFrame_Typing(t *testing.T) {
	frame, err := DecodeClientFrame([]byte(`{"type":"typing","conversation_id":"conv-1","is_typing":true}`))
	require.NoError(t, err)

	typing, ok := frame.(*TypingFrame)
	require.True(t, ok)
	assert.True(t, typing.IsTyping)
}

func TestDecodeClientFrame_UnknownType(t *testing.T) {
	_, err := DecodeClientFrame([]byte(`{"type":"shutdown"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown frame type")
}

func TestDecodeClientFrame_Malformed(t *testing.T) {
	_, err := DecodeClientFrame([]byte(`{`))
	assert.Error(t, err)
}

func TestServerFrame_OmitsForeignFields(t *testing.T) {
	frame := NewErrorFrame("no_active_handoff", "no active handoff for conversation")

	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","code":"no_active_handoff","reason":"no active handoff for conversation"}`, string(data))
}
