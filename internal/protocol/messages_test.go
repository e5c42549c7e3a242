package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Inbound parsing
// ---------------------------------------------------------------------------

func TestParseClientMessage_Register(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"register","user":"alice"}`))
	require.NoError(t, err)
	require.Equal(t, TypeRegister, msgType)

	reg, ok := msg.(RegisterMsg)
	require.True(t, ok, "expected RegisterMsg, got %T", msg)
	require.Equal(t, "alice", reg.User)
}

func TestParseClientMessage_ChatMsg(t *testing.T) {
	input := []byte(`{"type":"message","sender":"bob","recipient":"alice","message":"hi","timestamp":"10/1/2026, 9:00:00 AM"}`)

	msgType, msg, err := ParseClientMessage(input)
	require.NoError(t, err)
	require.Equal(t, TypeMessage, msgType)

	cm, ok := msg.(ChatMsg)
	require.True(t, ok, "expected ChatMsg, got %T", msg)
	require.Equal(t, "bob", cm.Sender)
	require.Equal(t, "alice", cm.Recipient)
	require.Equal(t, "hi", cm.Message)
	require.Equal(t, "10/1/2026, 9:00:00 AM", cm.Timestamp)
}

func TestParseClientMessage_EmptyBodyAllowed(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"message","sender":"bob","recipient":"alice","message":""}`))
	require.NoError(t, err)
	require.Equal(t, "", msg.(ChatMsg).Message)
}

func TestParseClientMessage_Typing(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"typing","sender":"bob","recipient":"alice"}`))
	require.NoError(t, err)
	require.Equal(t, TypeTyping, msgType)
	require.Equal(t, TypingMsg{Type: TypeTyping, Sender: "bob", Recipient: "alice"}, msg)
}

func TestParseClientMessage_UnknownKind(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"wave","sender":"bob"}`))
	require.ErrorIs(t, err, ErrUnknownKind)
	require.Nil(t, msg)
	require.Equal(t, "wave", msgType)
}

func TestParseClientMessage_ServerOnlyKindIsUnknown(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"onlineUsers","users":[]}`))
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestParseClientMessage_Malformed(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"not json", `hello there`},
		{"truncated", `{"type":"register","user":"al`},
		{"array", `["register","alice"]`},
		{"null", `null`},
		{"no type", `{"user":"alice"}`},
		{"empty type", `{"type":"","user":"alice"}`},
		{"wrong field type", `{"type":"register","user":42}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tc.input))
			require.Error(t, err)
			require.ErrorIs(t, err, ErrMalformed)
			require.Nil(t, msg)
		})
	}
}

func TestParseClientMessage_MissingFields(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"register without user", `{"type":"register"}`, TypeRegister},
		{"register empty user", `{"type":"register","user":""}`, TypeRegister},
		{"message without recipient", `{"type":"message","sender":"bob","message":"x"}`, TypeMessage},
		{"message without sender", `{"type":"message","recipient":"alice","message":"x"}`, TypeMessage},
		{"typing without recipient", `{"type":"typing","sender":"bob"}`, TypeTyping},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			require.ErrorIs(t, err, ErrMissingField)
			require.False(t, errors.Is(err, ErrMalformed))
			require.Nil(t, msg)
			require.Equal(t, tc.wantType, msgType)
		})
	}
}

// ---------------------------------------------------------------------------
// Outbound construction
// ---------------------------------------------------------------------------

func TestNewServerMessage_Message(t *testing.T) {
	data, err := NewServerMessage(TypeMessage, ServerChatMsg{
		Message:   "hi",
		Sender:    "bob",
		Timestamp: "2026-10-15T09:00:00Z",
		Status:    StatusSent,
	})
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))
	require.Equal(t, map[string]interface{}{
		"type":      "message",
		"message":   "hi",
		"sender":    "bob",
		"timestamp": "2026-10-15T09:00:00Z",
		"status":    "sent",
	}, result)
}

func TestNewServerMessage_TypingCarriesOnlySender(t *testing.T) {
	data, err := NewServerMessage(TypeTyping, ServerTypingMsg{Sender: "bob"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"typing","sender":"bob"}`, string(data))
}

func TestNewServerMessage_OverridesType(t *testing.T) {
	data, err := NewServerMessage(TypeTyping, ServerTypingMsg{Type: "bogus", Sender: "bob"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"typing","sender":"bob"}`, string(data))
}

func TestNewOnlineUsers(t *testing.T) {
	data, err := NewOnlineUsers([]string{"alice", "bob"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"onlineUsers","users":["alice","bob"]}`, string(data))
}

func TestNewOnlineUsers_EmptyIsArray(t *testing.T) {
	data, err := NewOnlineUsers(nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"onlineUsers","users":[]}`, string(data))
}

// ---------------------------------------------------------------------------
// Envelope edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_KeepsRawFrame(t *testing.T) {
	input := []byte(`{"type":"typing","sender":"bob","recipient":"alice"}`)
	var env Envelope
	require.NoError(t, json.Unmarshal(input, &env))
	require.Equal(t, TypeTyping, env.Type)
	require.JSONEq(t, string(input), string(env.Raw))
}

func TestEnvelope_MissingType(t *testing.T) {
	var env Envelope
	err := json.Unmarshal([]byte(`{"data":"no type field"}`), &env)
	require.ErrorIs(t, err, ErrMalformed)
}
