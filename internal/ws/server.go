// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client connections, and dispatching
// incoming frames to the relay.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/courier/relay/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr        string        // address to listen on, e.g. ":8081"
	WorkerPoolSize    int           // max concurrent read-worker goroutines
	MaxConnections    int           // hard cap on total connections
	ReadTimeout       time.Duration // timeout for WebSocket read operations
	WriteTimeout      time.Duration // timeout for WebSocket write operations
	HeartbeatInterval time.Duration // ping period, 0 disables the heartbeat
	HeartbeatTimeout  time.Duration // grace period after a missed ping
	MaxFrameBytes     int64         // larger data frames are discarded, 0 for no limit
	SendBufferSize    int           // outbound frames queued per connection
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	hb := DefaultHeartbeatConfig()
	return ServerConfig{
		ListenAddr:        ":8081",
		WorkerPoolSize:    256,
		MaxConnections:    10000,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: hb.Interval,
		HeartbeatTimeout:  hb.Timeout,
		MaxFrameBytes:     64 << 10,
		SendBufferSize:    256,
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	onlineCount  func() int                          // registered users, for /health
	mu           sync.Mutex                          // guards epoll and httpServer between Serve and Shutdown
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine whenever
// a complete WebSocket data frame is received from a client. Frames from one
// connection are delivered one at a time, in the order they were sent.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = DefaultServerConfig().SendBufferSize
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve initializes the epoll instance, starts the event loop and heartbeat,
// and blocks serving HTTP on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	epoll, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		_ = epoll.Close()
		_ = ln.Close()
		return nil
	default:
	}
	s.epoll = epoll
	s.httpServer = httpServer
	s.startedAt = time.Now()
	s.mu.Unlock()

	// Start the epoll event loop in the background.
	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, HeartbeatConfig{
		Interval: s.config.HeartbeatInterval,
		Timeout:  s.config.HeartbeatTimeout,
	})

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		ln.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using
// gobwas/ws zero-copy upgrader. On success it creates a Connection, registers
// it with the connection manager and epoll instance.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, s.config.WriteTimeout, s.config.SendBufferSize)

	// Register the connection in the manager before epoll can report it.
	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for conn %s: %v", c.id, err)
		s.conns.Remove(c.id)
		return
	}
	metrics.Connections.Set(float64(s.conns.Count()))
	go c.writePump(s.writeFailed)

	log.Printf("ws: new connection conn=%s remote=%s (total=%d)", c.id, conn.RemoteAddr(), s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	online := 0
	if s.onlineCount != nil {
		online = s.onlineCount()
	}

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Online      int    `json:"online"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Online:      online,
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection and
// re-arms it for the next readiness event unless the connection was closed.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against a duplicate dispatch racing an in-flight read.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}

	keep := s.readFrame(c)
	atomic.StoreInt32(&c.processing, 0)

	if !keep || s.conns.Get(c.id) == nil {
		return
	}
	if err := s.epoll.Rearm(netConn); err != nil {
		log.Printf("ws: rearm failed conn=%s: %v", c.id, err)
		s.RemoveConnection(c)
	}
}

// readFrame reads one frame using wsutil.NextReader so that control frames
// (ping, pong, close) are handled without blocking on a data frame that may
// never arrive. It reports whether the connection is still usable.
func (s *Server) readFrame(c *Connection) bool {
	netConn := c.Conn

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (spurious wakeup).
		// Don't kill the connection; the heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return true
		}
		s.RemoveConnection(c)
		return false
	}

	// Any frame proves the connection is alive.
	c.touch()

	if header.OpCode.IsControl() {
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return false
		}
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
			return false
		case ws.OpPing:
			if err := c.writeFrame(ws.NewPongFrame(payload)); err != nil {
				s.RemoveConnection(c)
				return false
			}
		}
		return true
	}

	if limit := s.config.MaxFrameBytes; limit > 0 && header.Length > limit {
		if _, err := io.CopyN(io.Discard, reader, header.Length); err != nil {
			s.RemoveConnection(c)
			return false
		}
		metrics.EnvelopesTotal.WithLabelValues("frame", metrics.OutcomeDropped).Inc()
		log.Printf("ws: dropping oversized frame conn=%s len=%d max=%d", c.id, header.Length, limit)
		return true
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return false
		}
	}

	if len(data) == 0 {
		return true
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
	return true
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetOnlineCounter sets the function /health uses to report registered users.
func (s *Server) SetOnlineCounter(fn func() int) {
	s.onlineCount = fn
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, and closes the underlying network connection. It is exported so
// that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.id) {
		return
	}
	metrics.Connections.Set(float64(s.conns.Count()))

	if s.onDisconnect != nil {
		s.onDisconnect(c.id)
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.id, s.conns.Count())
}

// writeFailed tears down a connection whose writer could not deliver a frame.
func (s *Server) writeFailed(c *Connection, err error) {
	metrics.SendFailures.WithLabelValues(metrics.KindSocket).Inc()
	log.Printf("ws: write failed conn=%s: %v", c.id, err)
	s.RemoveConnection(c)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat or the presence broadcaster).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	s.mu.Lock()
	s.stopOnce.Do(func() { close(s.done) })
	httpServer, epoll := s.httpServer, s.epoll
	s.mu.Unlock()

	var err error
	if httpServer != nil {
		if err = httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		if epoll != nil {
			_ = epoll.Remove(c.Conn)
		}
		s.conns.Remove(c.id)
	}
	metrics.Connections.Set(0)

	if epoll != nil {
		_ = epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return err
}
