//go:build !linux

package ws

import (
	"errors"
	"net"
	"sync"
)

// Epoll provides a readiness fallback for non-Linux platforms so the server
// runs on developer machines. It has no way to wait for readability without
// consuming bytes, so every armed connection is reported ready and the
// worker blocks in its read until a frame or the read timeout arrives.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 1024),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and reports it ready.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()
	return e.Rearm(conn)
}

// Rearm reports conn ready again once the previous read has finished.
func (e *Epoll) Rearm(conn net.Conn) error {
	e.mu.RLock()
	_, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return errors.New("ws: connection not registered")
	}

	go func() {
		select {
		case e.readyCh <- conn:
		case <-e.done:
		}
	}()
	return nil
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading. It
// collects all currently ready connections from the channel and returns them.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]struct{})
	e.mu.Unlock()
	return nil
}

func isEINTR(err error) bool {
	return false
}
