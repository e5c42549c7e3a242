// Package protocol defines the envelopes exchanged between relay clients and
// the relay server. Every frame carries exactly one JSON object whose "type"
// field selects the kind-specific payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Envelope kinds
// ---------------------------------------------------------------------------

// Client -> Server kinds.
const (
	TypeRegister = "register"
	TypeMessage  = "message"
	TypeTyping   = "typing"
)

// Server -> Client kinds. TypeMessage and TypeTyping are reused outbound.
const (
	TypeOnlineUsers = "onlineUsers"
)

// Delivery status values carried by outbound message envelopes.
const (
	StatusSent   = "sent"   // routed live to an online recipient
	StatusQueued = "queued" // replayed from the offline queue on registration
)

var (
	// ErrMalformed is returned when a frame is not a JSON object with a
	// non-empty "type" field, or when its payload does not decode.
	ErrMalformed = errors.New("protocol: malformed envelope")

	// ErrUnknownKind is returned for a well-formed envelope whose type is
	// not an inbound kind.
	ErrUnknownKind = errors.New("protocol: unknown envelope kind")

	// ErrMissingField is returned when a required field is absent or empty.
	ErrMissingField = errors.New("protocol: missing required field")
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the type discriminator and the raw frame for deferred
// decoding into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the whole frame and extracts only "type".
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if partial.Type == "" {
		return fmt.Errorf("%w: missing or empty \"type\" field", ErrMalformed)
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// RegisterMsg binds the sending connection to a username.
type RegisterMsg struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// ChatMsg is a direct text message. Timestamp is whatever the sending client
// supplied; it is kept verbatim when the message has to be queued.
type ChatMsg struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

// TypingMsg is an ephemeral "sender is typing" notice.
type TypingMsg struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// OnlineUsersMsg carries the full set of registered usernames.
type OnlineUsersMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// ServerChatMsg is a message delivered to its recipient, either live or
// replayed from the offline queue.
type ServerChatMsg struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
}

// ServerTypingMsg tells the recipient who is typing.
type ServerTypingMsg struct {
	Type   string `json:"type"`
	Sender string `json:"sender"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage decodes one inbound frame into RegisterMsg, ChatMsg or
// TypingMsg. The returned type string is set whenever the envelope itself
// was readable, including for unknown kinds, so callers can log it.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, ErrMalformed) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRegister:
		var m RegisterMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil && m.User == "" {
			err = fmt.Errorf("%w: user", ErrMissingField)
		}
		msg = m
	case TypeMessage:
		var m ChatMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = requireFields("sender", m.Sender, "recipient", m.Recipient)
		}
		msg = m
	case TypeTyping:
		var m TypingMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = requireFields("sender", m.Sender, "recipient", m.Recipient)
		}
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}

	if err != nil {
		if errors.Is(err, ErrMissingField) {
			return env.Type, nil, fmt.Errorf("protocol: %q envelope: %w", env.Type, err)
		}
		return env.Type, nil, fmt.Errorf("%w: decode %q payload: %v", ErrMalformed, env.Type, err)
	}
	return env.Type, msg, nil
}

// requireFields takes name/value pairs and reports the first empty value.
func requireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, pairs[i])
		}
	}
	return nil
}

// NewServerMessage marshals payload and forces its "type" key to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewOnlineUsers builds the presence envelope. A nil slice is sent as [].
func NewOnlineUsers(users []string) ([]byte, error) {
	if users == nil {
		users = []string{}
	}
	return NewServerMessage(TypeOnlineUsers, OnlineUsersMsg{Users: users})
}
