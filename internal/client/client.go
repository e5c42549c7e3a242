// Package client is a WebSocket client for the relay protocol. It connects
// with gobwas/ws (the same library the server uses), reads frames in the
// background and hands decoded envelopes to handlers or an inbox channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/courier/relay/internal/protocol"
)

// ErrClosed is returned by Next once the connection has gone away.
var ErrClosed = errors.New("client: connection closed")

// Envelope is any server -> client frame, decoded into the union of the
// outbound fields.
type Envelope struct {
	Type      string   `json:"type"`
	Users     []string `json:"users,omitempty"`
	Message   string   `json:"message,omitempty"`
	Sender    string   `json:"sender,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Status    string   `json:"status,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Dropped          int64 // envelopes discarded because the inbox was full
	Errors           int64
}

// Client is a single relay connection.
type Client struct {
	conn   net.Conn
	source io.Reader

	writeMu sync.Mutex // serializes frames, including pongs from the read loop

	hmu      sync.RWMutex
	handlers map[string]func(Envelope)

	inbox     chan Envelope
	done      chan struct{}
	closeOnce sync.Once

	connectLatency time.Duration
	received       int64
	sent           int64
	dropped        int64
	errs           int64
}

// Dial connects to a relay endpoint such as ws://localhost:8081/ws and starts
// the background read loop.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}

	// Frames that arrived together with the handshake response sit in br.
	var source io.Reader = conn
	if br != nil {
		source = br
	}

	c := &Client{
		conn:           conn,
		source:         source,
		handlers:       make(map[string]func(Envelope)),
		inbox:          make(chan Envelope, 1024),
		done:           make(chan struct{}),
		connectLatency: time.Since(start),
	}

	go c.readLoop()

	return c, nil
}

// Send marshals msg and writes it as one text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes data as one text frame without inspecting it.
func (c *Client) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		atomic.AddInt64(&c.errs, 1)
		return fmt.Errorf("client: write: %w", err)
	}
	atomic.AddInt64(&c.sent, 1)
	return nil
}

// Register binds this connection to user.
func (c *Client) Register(user string) error {
	return c.Send(protocol.RegisterMsg{Type: protocol.TypeRegister, User: user})
}

// Message sends body from sender to recipient. timestamp may be empty.
func (c *Client) Message(sender, recipient, body, timestamp string) error {
	return c.Send(protocol.ChatMsg{
		Type:      protocol.TypeMessage,
		Sender:    sender,
		Recipient: recipient,
		Message:   body,
		Timestamp: timestamp,
	})
}

// Typing tells recipient that sender is typing.
func (c *Client) Typing(sender, recipient string) error {
	return c.Send(protocol.TypingMsg{Type: protocol.TypeTyping, Sender: sender, Recipient: recipient})
}

// On registers a handler for one envelope type. Handled envelopes do not
// reach the inbox. Handlers run on the read loop goroutine and must not block.
func (c *Client) On(msgType string, handler func(Envelope)) {
	c.hmu.Lock()
	c.handlers[msgType] = handler
	c.hmu.Unlock()
}

// Next returns the next unhandled envelope.
func (c *Client) Next(ctx context.Context) (Envelope, error) {
	select {
	case env := <-c.inbox:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-c.done:
		// Drain anything read before the close.
		select {
		case env := <-c.inbox:
			return env, nil
		default:
			return Envelope{}, ErrClosed
		}
	}
}

// WaitFor discards envelopes until match accepts one.
func (c *Client) WaitFor(ctx context.Context, match func(Envelope) bool) (Envelope, error) {
	for {
		env, err := c.Next(ctx)
		if err != nil {
			return Envelope{}, err
		}
		if match(env) {
			return env, nil
		}
	}
}

// WaitForUsers waits for an onlineUsers envelope listing exactly users.
func (c *Client) WaitForUsers(ctx context.Context, users ...string) (Envelope, error) {
	return c.WaitFor(ctx, func(env Envelope) bool {
		if env.Type != protocol.TypeOnlineUsers || len(env.Users) != len(users) {
			return false
		}
		for i := range users {
			if env.Users[i] != users[i] {
				return false
			}
		}
		return true
	})
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a snapshot of the client's counters.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: atomic.LoadInt64(&c.received),
		MessagesSent:     atomic.LoadInt64(&c.sent),
		Dropped:          atomic.LoadInt64(&c.dropped),
		Errors:           atomic.LoadInt64(&c.errs),
	}
}

// readLoop reads frames until the connection fails. Control frames are
// answered under the write mutex so pongs never interleave with Send.
func (c *Client) readLoop() {
	defer c.Close()

	reply := wsutil.ControlFrameHandler(c.conn, ws.StateClientSide)
	control := func(hdr ws.Header, r io.Reader) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return reply(hdr, r)
	}
	rd := &wsutil.Reader{
		Source:         c.source,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			c.readFailed()
			return
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				c.readFailed()
				return
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := rd.Discard(); err != nil {
				c.readFailed()
				return
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			c.readFailed()
			return
		}
		atomic.AddInt64(&c.received, 1)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			atomic.AddInt64(&c.errs, 1)
			continue
		}
		env.Raw = data

		c.hmu.RLock()
		handler, ok := c.handlers[env.Type]
		c.hmu.RUnlock()
		if ok {
			handler(env)
			continue
		}

		select {
		case c.inbox <- env:
		default:
			atomic.AddInt64(&c.dropped, 1)
		}
	}
}

func (c *Client) readFailed() {
	select {
	case <-c.done:
		// Closed on purpose; not an error.
	default:
		atomic.AddInt64(&c.errs, 1)
	}
}
