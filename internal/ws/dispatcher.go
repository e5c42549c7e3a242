package ws

import (
	"errors"
	"log"

	"github.com/courier/relay/internal/metrics"
	"github.com/courier/relay/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (protocol.RegisterMsg, protocol.ChatMsg or protocol.TypingMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. Malformed frames and unsupported types are
// logged and counted; nothing is ever written back to the client.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced. Handlers
// must be registered before the server starts.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message and routes it to the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownKind):
		d.drop(conn, "other", metrics.OutcomeUnknown, err)
		return
	case err != nil:
		kind := msgType
		if kind == "" {
			kind = "frame"
		}
		d.drop(conn, kind, metrics.OutcomeMalformed, err)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.drop(conn, "other", metrics.OutcomeUnknown, errors.New("no handler for "+msgType))
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) drop(conn *Connection, kind, outcome string, err error) {
	metrics.EnvelopesTotal.WithLabelValues(kind, outcome).Inc()
	log.Printf("ws: dropping envelope conn=%s outcome=%s: %v", conn.ID(), outcome, err)
}
