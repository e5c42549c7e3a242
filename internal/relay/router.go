// Package relay interprets inbound envelopes against the session registry
// and the offline queue. It delivers messages to online users, queues them
// for offline ones, forwards typing notices and keeps every connection's
// view of the online set current.
package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/courier/relay/internal/metrics"
	"github.com/courier/relay/internal/offline"
	"github.com/courier/relay/internal/protocol"
	"github.com/courier/relay/internal/session"
)

// backendTimeout bounds each call to an optional backend (Redis, NATS).
const backendTimeout = 2 * time.Second

// EventPublisher receives relay events for outside observers.
type EventPublisher interface {
	PublishPresence(users []string) error
	PublishQueued(recipient, sender string, depth int) error
}

// PresenceMirror copies registry changes to an external store.
type PresenceMirror interface {
	Online(ctx context.Context, username, connID string) error
	Offline(ctx context.Context, username, connID string) (bool, error)
}

// RateLimiter decides whether identifier may send another message.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
}

// Router is the single dispatch point for parsed client envelopes. It also
// tracks which username each connection registered, so a closing connection
// can be unregistered.
type Router struct {
	registry    *session.Registry
	queue       *offline.Store
	broadcaster *Broadcaster
	lanes       *lanes

	mu    sync.Mutex
	bound map[string]string // connID -> username

	publisher EventPublisher
	mirror    PresenceMirror
	limiter   RateLimiter
	now       func() time.Time
}

// NewRouter creates a Router over the given registry, offline queue and
// broadcaster.
func NewRouter(registry *session.Registry, queue *offline.Store, broadcaster *Broadcaster) *Router {
	return &Router{
		registry:    registry,
		queue:       queue,
		broadcaster: broadcaster,
		lanes:       newLanes(),
		bound:       make(map[string]string),
		now:         time.Now,
	}
}

// SetPublisher enables event publishing.
func (r *Router) SetPublisher(p EventPublisher) { r.publisher = p }

// SetMirror enables the external presence mirror.
func (r *Router) SetMirror(m PresenceMirror) { r.mirror = m }

// SetLimiter enables per-user message rate limiting.
func (r *Router) SetLimiter(l RateLimiter) { r.limiter = l }

// Handle routes one parsed envelope from conn. msg is the value returned by
// protocol.ParseClientMessage for kind.
func (r *Router) Handle(conn session.Conn, kind string, msg interface{}) {
	start := time.Now()
	defer func() { metrics.RouteLatency.Observe(time.Since(start).Seconds()) }()

	switch m := msg.(type) {
	case protocol.RegisterMsg:
		r.HandleRegister(conn, m)
	case protocol.ChatMsg:
		r.HandleMessage(conn, m)
	case protocol.TypingMsg:
		r.HandleTyping(conn, m)
	default:
		metrics.EnvelopesTotal.WithLabelValues(kind, metrics.OutcomeUnknown).Inc()
		log.Printf("relay: dropping unhandled envelope type=%q conn=%s", kind, conn.ID())
	}
}

// HandleRegister binds msg.User to conn, broadcasts the new online set and
// then replays anything queued for that user in arrival order. The user's
// lane is held from registration through the replay, so a message routed to
// the user concurrently lands after the replayed ones. A connection that was
// registered under another name gives that name up first.
func (r *Router) HandleRegister(conn session.Conn, msg protocol.RegisterMsg) {
	username := msg.User
	connID := conn.ID()

	if conn.Closed() {
		log.Printf("relay: register ignored on closed conn=%s user=%s", connID, username)
		return
	}

	r.mu.Lock()
	previous, wasBound := r.bound[connID]
	r.mu.Unlock()

	if wasBound && previous != username {
		log.Printf("relay: conn=%s re-registering %q as %q", connID, previous, username)
		r.unregister(previous, connID)
	}

	release := r.lanes.lock(username)
	replaced, err := r.registry.Register(username, conn)
	if err != nil {
		release()
		metrics.EnvelopesTotal.WithLabelValues(protocol.TypeRegister, metrics.OutcomeMalformed).Inc()
		log.Printf("relay: register rejected conn=%s: %v", connID, err)
		return
	}

	r.mu.Lock()
	r.bound[connID] = username
	if replaced != nil {
		delete(r.bound, replaced.ID())
	}
	r.mu.Unlock()

	// Disconnect may have run for conn before the binding above existed, in
	// which case it found nothing to release. Closed is set before Disconnect
	// runs, so checking it after binding catches that order.
	if conn.Closed() {
		r.registry.Unregister(username, connID)
		r.mu.Lock()
		delete(r.bound, connID)
		r.mu.Unlock()
		release()

		log.Printf("relay: conn=%s closed during register, user=%s not bound", connID, username)
		if replaced != nil {
			r.displaced(username, replaced)
		}
		return
	}

	users := r.broadcaster.Broadcast()
	pending := r.queue.Drain(username)
	for _, m := range pending {
		r.deliver(conn, username, protocol.ServerChatMsg{
			Message:   m.Body,
			Sender:    m.Sender,
			Timestamp: m.Timestamp,
			Status:    protocol.StatusQueued,
		})
	}
	release()

	if replaced != nil {
		log.Printf("relay: user=%s moved from conn=%s to conn=%s", username, replaced.ID(), connID)
	}
	if len(pending) > 0 {
		metrics.EnvelopesTotal.WithLabelValues(protocol.TypeMessage, metrics.OutcomeReplayed).Add(float64(len(pending)))
		metrics.OfflineQueued.Set(float64(r.queue.Total()))
		log.Printf("relay: replayed %d queued message(s) to user=%s", len(pending), username)
	}
	metrics.EnvelopesTotal.WithLabelValues(protocol.TypeRegister, metrics.OutcomeRegistered).Inc()
	log.Printf("relay: registered user=%s conn=%s", username, connID)

	if r.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		if err := r.mirror.Online(ctx, username, connID); err != nil {
			log.Printf("relay: presence mirror online user=%s: %v", username, err)
		}
		cancel()
	}

	r.publishPresence(users)
}

// displaced reports that replaced lost username to a registration that was
// then abandoned, leaving the name offline.
func (r *Router) displaced(username string, replaced session.Conn) {
	log.Printf("relay: user=%s released by conn=%s", username, replaced.ID())
	if r.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		if _, err := r.mirror.Offline(ctx, username, replaced.ID()); err != nil {
			log.Printf("relay: presence mirror offline user=%s: %v", username, err)
		}
		cancel()
	}
	r.broadcast()
}

// HandleMessage delivers msg live when the recipient is online and queues it
// otherwise. Nothing is reported back to the sender in either case.
func (r *Router) HandleMessage(conn session.Conn, msg protocol.ChatMsg) {
	if !r.allow(conn, msg.Sender) {
		metrics.EnvelopesTotal.WithLabelValues(protocol.TypeMessage, metrics.OutcomeRateLimited).Inc()
		log.Printf("relay: rate limited message sender=%s conn=%s", msg.Sender, conn.ID())
		return
	}

	release := r.lanes.lock(msg.Recipient)
	if target, ok := r.registry.Lookup(msg.Recipient); ok {
		r.deliver(target, msg.Recipient, protocol.ServerChatMsg{
			Message:   msg.Message,
			Sender:    msg.Sender,
			Timestamp: r.now().UTC().Format(time.RFC3339),
			Status:    protocol.StatusSent,
		})
		release()
		metrics.EnvelopesTotal.WithLabelValues(protocol.TypeMessage, metrics.OutcomeDelivered).Inc()
		return
	}

	evicted := r.queue.Enqueue(msg.Recipient, offline.Message{
		Body:      msg.Message,
		Sender:    msg.Sender,
		Timestamp: msg.Timestamp,
	})
	depth := r.queue.Len(msg.Recipient)
	release()

	if evicted {
		metrics.QueueEvictions.Inc()
		log.Printf("relay: offline queue full for user=%s, oldest message evicted", msg.Recipient)
	}
	metrics.EnvelopesTotal.WithLabelValues(protocol.TypeMessage, metrics.OutcomeQueued).Inc()
	metrics.OfflineQueued.Set(float64(r.queue.Total()))
	log.Printf("relay: queued message for offline user=%s from=%s (depth=%d)", msg.Recipient, msg.Sender, depth)

	if r.publisher != nil {
		if err := r.publisher.PublishQueued(msg.Recipient, msg.Sender, depth); err != nil {
			log.Printf("relay: publish queued event user=%s: %v", msg.Recipient, err)
		}
	}
}

// HandleTyping forwards a typing notice to an online recipient. Notices for
// offline users are dropped and never queued.
func (r *Router) HandleTyping(conn session.Conn, msg protocol.TypingMsg) {
	target, ok := r.registry.Lookup(msg.Recipient)
	if !ok {
		metrics.EnvelopesTotal.WithLabelValues(protocol.TypeTyping, metrics.OutcomeDropped).Inc()
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeTyping, protocol.ServerTypingMsg{Sender: msg.Sender})
	if err != nil {
		log.Printf("relay: failed to build typing notice conn=%s: %v", conn.ID(), err)
		return
	}
	if err := target.WriteMessage(data); err != nil {
		metrics.SendFailures.WithLabelValues(protocol.TypeTyping).Inc()
		log.Printf("relay: typing send failed user=%s conn=%s: %v", msg.Recipient, target.ID(), err)
		return
	}
	metrics.EnvelopesTotal.WithLabelValues(protocol.TypeTyping, metrics.OutcomeDelivered).Inc()
}

// Disconnect releases whatever username connID registered. It is safe to call
// for anonymous connections and for connections whose username has since
// been taken over by a newer registration.
func (r *Router) Disconnect(connID string) {
	r.mu.Lock()
	username, ok := r.bound[connID]
	delete(r.bound, connID)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.unregister(username, connID)
}

// Username returns the name connID is registered under, if any.
func (r *Router) Username(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	username, ok := r.bound[connID]
	return username, ok
}

// unregister removes username if connID still owns it and broadcasts the
// change. A stale owner leaves the registry and everyone's view unchanged.
func (r *Router) unregister(username, connID string) {
	release := r.lanes.lock(username)
	removed := r.registry.Unregister(username, connID)
	release()

	if !removed {
		log.Printf("relay: stale disconnect ignored user=%s conn=%s", username, connID)
		return
	}
	log.Printf("relay: unregistered user=%s conn=%s", username, connID)

	if r.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		if _, err := r.mirror.Offline(ctx, username, connID); err != nil {
			log.Printf("relay: presence mirror offline user=%s: %v", username, err)
		}
		cancel()
	}

	r.broadcast()
}

func (r *Router) broadcast() {
	r.publishPresence(r.broadcaster.Broadcast())
}

func (r *Router) publishPresence(users []string) {
	if r.publisher != nil {
		if err := r.publisher.PublishPresence(users); err != nil {
			log.Printf("relay: publish presence: %v", err)
		}
	}
}

// deliver sends one message envelope to conn. Failures are logged and
// counted, never retried.
func (r *Router) deliver(conn session.Conn, username string, msg protocol.ServerChatMsg) {
	data, err := protocol.NewServerMessage(protocol.TypeMessage, msg)
	if err != nil {
		log.Printf("relay: failed to build message for user=%s: %v", username, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		metrics.SendFailures.WithLabelValues(protocol.TypeMessage).Inc()
		log.Printf("relay: send failed user=%s conn=%s status=%s: %v", username, conn.ID(), msg.Status, err)
	}
}

// allow applies the rate limiter, keyed by the connection's registered name
// and falling back to the claimed sender. Limiter errors let the message through.
func (r *Router) allow(conn session.Conn, sender string) bool {
	if r.limiter == nil {
		return true
	}
	identifier, ok := r.Username(conn.ID())
	if !ok {
		identifier = sender
	}

	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	allowed, err := r.limiter.Allow(ctx, identifier)
	if err != nil {
		log.Printf("relay: rate limiter error id=%s: %v", identifier, err)
		return true
	}
	return allowed
}
