package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/courier/relay/internal/session"
)

// ErrConnectionClosed is returned when writing to a connection that has
// already been closed.
var ErrConnectionClosed = errors.New("ws: connection closed")

// ErrSendBufferFull is returned when a connection's outbound buffer has no
// room left, which means the peer is not reading fast enough.
var ErrSendBufferFull = errors.New("ws: send buffer full")

// Connection represents a single WebSocket client connection. Outbound text
// frames go through a buffered channel drained by writePump, so callers never
// block on the network. A write mutex serializes the pump with control frames.
type Connection struct {
	id           string        // connection ID (UUID)
	Conn         net.Conn      // underlying TCP connection
	CreatedAt    time.Time     // when the connection was established
	writeTimeout time.Duration // per-frame write deadline, 0 for none
	lastSeen     int64         // unix nanos of the last frame read, atomic
	closed       int32         // atomic flag: 1 once Close has run
	processing   int32         // atomic flag: 0 = idle, 1 = being read by handleConn
	writeMu      sync.Mutex    // serializes writes to this connection
	send         chan []byte   // outbound text frames, in enqueue order
	done         chan struct{} // closed by Close
}

func newConnection(id string, conn net.Conn, writeTimeout time.Duration, sendBuffer int) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = 1
	}
	now := time.Now()
	return &Connection{
		id:           id,
		Conn:         conn,
		CreatedAt:    now,
		writeTimeout: writeTimeout,
		lastSeen:     now.UnixNano(),
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
	}
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string {
	return c.id
}

// WriteMessage queues a text frame for the connection's writer. It never
// blocks: a closed connection yields ErrConnectionClosed and a full buffer
// yields ErrSendBufferFull. Frames queued by one goroutine are written in
// the order they were queued.
func (c *Connection) WriteMessage(data []byte) error {
	if c.Closed() {
		return ErrConnectionClosed
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Closed reports whether Close has run.
func (c *Connection) Closed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// writePump writes queued frames until the connection closes or a write
// fails. onError, if set, runs once after a failed write.
func (c *Connection) writePump(onError func(*Connection, error)) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.writeText(data); err != nil {
				if onError != nil && !errors.Is(err, ErrConnectionClosed) {
					onError(c, err)
				}
				return
			}
		}
	}
}

func (c *Connection) writeText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.Closed() {
		return ErrConnectionClosed
	}
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// writeFrame writes a single control frame under the write mutex, bypassing
// the outbound buffer.
func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.Closed() {
		return ErrConnectionClosed
	}
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, f)
}

// LastSeen returns when a frame was last read from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastSeen))
}

func (c *Connection) touch() {
	atomic.StoreInt64(&c.lastSeen, time.Now().UnixNano())
}

// Close closes the underlying network connection. Only the first call has
// any effect.
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	close(c.done)
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// the underlying net.Conn values to their respective Connection objects.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection ID -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection, for readiness events
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping the given net.Conn, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// Open returns every open connection as a session.Conn, for presence
// broadcasts that must reach anonymous connections too.
func (cm *ConnectionManager) Open() []session.Conn {
	all := cm.All()
	conns := make([]session.Conn, len(all))
	for i, c := range all {
		conns[i] = c
	}
	return conns
}
