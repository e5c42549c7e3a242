package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courier/relay/internal/offline"
	"github.com/courier/relay/internal/protocol"
	"github.com/courier/relay/internal/session"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	id   string
	fail bool

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) WriteMessage(data []byte) error {
	if c.fail || c.Closed() {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

// received decodes every frame written so far.
func (c *fakeConn) received(t *testing.T) []map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]map[string]interface{}, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

// ofType returns the decoded frames whose "type" is kind.
func (c *fakeConn) ofType(t *testing.T, kind string) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, m := range c.received(t) {
		if m["type"] == kind {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// closingConn is torn down the first time the router asks whether it is
// closed, which is how a register frame races the server removing its
// connection. teardown runs at that moment and the answer is still false.
type closingConn struct {
	*fakeConn
	teardown func()
	checks   int
}

func (c *closingConn) Closed() bool {
	c.checks++
	if c.checks == 1 {
		c.fakeConn.close()
		c.teardown()
		return false
	}
	return c.fakeConn.Closed()
}

type fakeRoster struct {
	mu    sync.Mutex
	conns []session.Conn
}

func (r *fakeRoster) add(c session.Conn) {
	r.mu.Lock()
	r.conns = append(r.conns, c)
	r.mu.Unlock()
}

func (r *fakeRoster) Open() []session.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Conn(nil), r.conns...)
}

type fakePublisher struct {
	mu       sync.Mutex
	presence [][]string
	queued   []string
}

func (p *fakePublisher) PublishPresence(users []string) error {
	p.mu.Lock()
	p.presence = append(p.presence, users)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) PublishQueued(recipient, sender string, depth int) error {
	p.mu.Lock()
	p.queued = append(p.queued, fmt.Sprintf("%s<-%s#%d", recipient, sender, depth))
	p.mu.Unlock()
	return nil
}

type fakeMirror struct {
	mu     sync.Mutex
	online map[string]string
}

func (m *fakeMirror) Online(_ context.Context, username, connID string) error {
	m.mu.Lock()
	m.online[username] = connID
	m.mu.Unlock()
	return nil
}

func (m *fakeMirror) Offline(_ context.Context, username, connID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online[username] != connID {
		return false, nil
	}
	delete(m.online, username)
	return true, nil
}

type fakeLimiter struct {
	allowed int
	err     error

	mu   sync.Mutex
	hits map[string]int
}

func (l *fakeLimiter) Allow(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hits[id]++
	if l.err != nil {
		return false, l.err
	}
	return l.hits[id] <= l.allowed, nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

var fixedNow = time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

type harness struct {
	router   *Router
	registry *session.Registry
	queue    *offline.Store
	roster   *fakeRoster
}

func newHarness(capacity int) *harness {
	registry := session.NewRegistry()
	queue := offline.NewStore(capacity)
	roster := &fakeRoster{}
	router := NewRouter(registry, queue, NewBroadcaster(registry, roster))
	router.now = func() time.Time { return fixedNow }
	return &harness{router: router, registry: registry, queue: queue, roster: roster}
}

// connect opens an anonymous connection.
func (h *harness) connect(id string) *fakeConn {
	c := &fakeConn{id: id}
	h.roster.add(c)
	return c
}

func (h *harness) register(c *fakeConn, user string) {
	h.router.Handle(c, protocol.TypeRegister, protocol.RegisterMsg{Type: protocol.TypeRegister, User: user})
}

func (h *harness) send(c *fakeConn, from, to, body, ts string) {
	h.router.Handle(c, protocol.TypeMessage, protocol.ChatMsg{
		Type: protocol.TypeMessage, Sender: from, Recipient: to, Message: body, Timestamp: ts,
	})
}

func (h *harness) typing(c *fakeConn, from, to string) {
	h.router.Handle(c, protocol.TypeTyping, protocol.TypingMsg{Type: protocol.TypeTyping, Sender: from, Recipient: to})
}

func users(m map[string]interface{}) []string {
	raw := m["users"].([]interface{})
	out := make([]string, 0, len(raw))
	for _, u := range raw {
		out = append(out, u.(string))
	}
	return out
}

func lastOnline(t *testing.T, c *fakeConn) []string {
	t.Helper()
	frames := c.ofType(t, protocol.TypeOnlineUsers)
	require.NotEmpty(t, frames, "conn %s got no onlineUsers", c.id)
	return users(frames[len(frames)-1])
}

// ---------------------------------------------------------------------------
// Presence
// ---------------------------------------------------------------------------

func TestAliceSeesBobAndReceivesMessage(t *testing.T) {
	h := newHarness(0)
	a := h.connect("c-a")
	b := h.connect("c-b")

	h.register(a, "alice")
	require.Equal(t, []string{"alice"}, lastOnline(t, a))

	h.register(b, "bob")
	require.Equal(t, []string{"alice", "bob"}, lastOnline(t, a))
	require.Equal(t, []string{"alice", "bob"}, lastOnline(t, b))

	h.send(b, "bob", "alice", "hi", "")

	msgs := a.ofType(t, protocol.TypeMessage)
	require.Len(t, msgs, 1)
	require.Equal(t, map[string]interface{}{
		"type":      "message",
		"sender":    "bob",
		"message":   "hi",
		"timestamp": "2026-10-15T09:30:00Z",
		"status":    "sent",
	}, msgs[0])
	require.Zero(t, h.queue.Len("alice"))
	require.Empty(t, b.ofType(t, protocol.TypeMessage), "sender gets no acknowledgment")
}

func TestAnonymousConnectionsReceivePresence(t *testing.T) {
	h := newHarness(0)
	watcher := h.connect("c-w")
	a := h.connect("c-a")

	h.register(a, "alice")
	require.Equal(t, []string{"alice"}, lastOnline(t, watcher))
}

func TestDisconnectBroadcastsRemoval(t *testing.T) {
	h := newHarness(0)
	a := h.connect("c-a")
	b := h.connect("c-b")
	h.register(a, "alice")
	h.register(b, "bob")

	h.router.Disconnect(a.id)

	_, online := h.registry.Lookup("alice")
	require.False(t, online)
	require.Equal(t, []string{"bob"}, lastOnline(t, b))
}

func TestDisconnectAnonymousIsSilent(t *testing.T) {
	h := newHarness(0)
	a := h.connect("c-a")
	b := h.connect("c-b")
	h.register(a, "alice")
	a.reset()

	h.router.Disconnect(b.id)
	require.Empty(t, a.received(t))
}

func TestStaleDisconnectKeepsNewerBinding(t *testing.T) {
	h := newHarness(0)
	old := h.connect("c-old")
	fresh := h.connect("c-new")

	h.register(old, "alice")
	h.register(fresh, "alice")
	fresh.reset()

	h.router.Disconnect(old.id)

	conn, ok := h.registry.Lookup("alice")
	require.True(t, ok)
	require.Equal(t, "c-new", conn.ID())
	require.Empty(t, fresh.ofType(t, protocol.TypeOnlineUsers), "no registry change, no broadcast")

	h.send(fresh, "bob", "alice", "still here", "")
	require.Len(t, fresh.ofType(t, protocol.TypeMessage), 1)
	require.Empty(t, old.ofType(t, protocol.TypeMessage))
}

func TestDisconnectBeforeRegisterLeavesUserOffline(t *testing.T) {
	h := newHarness(0)
	a := h.connect("c-a")
	b := h.connect("c-b")
	h.register(b, "bob")

	// The server closes the connection and reports it gone while the
	// register frame is still being handled.
	a.close()
	h.router.Disconnect(a.id)
	h.register(a, "alice")

	_, online := h.registry.Lookup("alice")
	require.False(t, online)
	require.Equal(t, []string{"bob"}, h.registry.Snapshot())
	_, bound := h.router.Username(a.id)
	require.False(t, bound)

	h.send(b, "bob", "alice", "hi", "")
	require.Equal(t, 1, h.queue.Len("alice"), "message for alice is queued, not lost")
	require.Zero(t, h.router.lanes.size())
}

func TestDisconnectDuringRegisterLeavesUserOffline(t *testing.T) {
	h := newHarness(0)
	b := h.connect("c-b")
	h.register(b, "bob")
	b.reset()

	a := &closingConn{fakeConn: &fakeConn{id: "c-a"}}
	a.teardown = func() { h.router.Disconnect(a.id) }
	h.router.Handle(a, protocol.TypeRegister, protocol.RegisterMsg{Type: protocol.TypeRegister, User: "alice"})

	_, online := h.registry.Lookup("alice")
	require.False(t, online)
	_, bound := h.router.Username(a.id)
	require.False(t, bound)
	require.Empty(t, b.ofType(t, protocol.TypeOnlineUsers), "no presence change to announce")

	h.send(b, "bob", "alice", "hi", "")
	require.Equal(t, 1, h.queue.Len("alice"))
	require.Zero(t, h.router.lanes.size())
}

func TestDisconnectDuringRegisterReleasesDisplacedOwner(t *testing.T) {
	h := newHarness(0)
	mirror := &fakeMirror{online: make(map[string]string)}
	h.router.SetMirror(mirror)

	a1 := h.connect("c-a1")
	h.register(a1, "alice")
	a1.reset()

	a2 := &closingConn{fakeConn: &fakeConn{id: "c-a2"}}
	a2.teardown = func() { h.router.Disconnect(a2.id) }
	h.router.Handle(a2, protocol.TypeRegister, protocol.RegisterMsg{Type: protocol.TypeRegister, User: "alice"})

	_, online := h.registry.Lookup("alice")
	require.False(t, online)
	require.Equal(t, []string{}, lastOnline(t, a1))
	require.NotContains(t, mirror.online, "alice")
}

func TestRegisterOnClosedConnectionKeepsExistingOwner(t *testing.T) {
	h := newHarness(0)
	a1 := h.connect("c-a1")
	h.register(a1, "alice")

	a2 := h.connect("c-a2")
	a2.close()
	h.register(a2, "alice")

	owner, online := h.registry.Lookup("alice")
	require.True(t, online)
	require.Equal(t, a1.id, owner.ID())
	_, bound := h.router.Username(a1.id)
	require.True(t, bound)
}

func TestReRegisterUnderNewName(t *testing.T) {
	h := newHarness(0)
	a := h.connect("c-a")

	h.register(a, "alice")
	h.register(a, "alicia")

	require.Equal(t, []string{"alicia"}, h.registry.Snapshot())
	require.Equal(t, []string{"alicia"}, lastOnline(t, a))

	name, ok := h.router.Username(a.id)
	require.True(t, ok)
	require.Equal(t, "alicia", name)

	h.router.Disconnect(a.id)
	require.Empty(t, h.registry.Snapshot())
}

func TestBroadcastSurvivesFailingConnection(t *testing.T) {
	h := newHarness(0)
	broken := &fakeConn{id: "c-broken", fail: true}
	h.roster.add(broken)
	a := h.connect("c-a")
	b := h.connect("c-b")

	h.register(a, "alice")
	h.register(b, "bob")

	require.Equal(t, []string{"alice", "bob"}, lastOnline(t, a))
	require.Equal(t, []string{"alice", "bob"}, lastOnline(t, b))
}

// ---------------------------------------------------------------------------
// Offline queue
// ---------------------------------------------------------------------------

func TestCarolReceivesQueuedMessageOnRegister(t *testing.T) {
	h := newHarness(0)
	d := h.connect("c-d")
	h.register(d, "dave")
	d.reset()

	h.send(d, "dave", "carol", "are you there?", "10/15/2026, 9:00:00 AM")

	require.Empty(t, d.received(t), "no error or acknowledgment to dave")
	require.Equal(t, 1, h.queue.Len("carol"))

	c := h.connect("c-c")
	h.register(c, "carol")

	msgs := c.ofType(t, protocol.TypeMessage)
	require.Len(t, msgs, 1)
	require.Equal(t, "dave", msgs[0]["sender"])
	require.Equal(t, "are you there?", msgs[0]["message"])
	require.Equal(t, "10/15/2026, 9:00:00 AM", msgs[0]["timestamp"])
	require.Equal(t, protocol.StatusQueued, msgs[0]["status"])
	require.Zero(t, h.queue.Len("carol"))
}

func TestQueuedMessagesReplayInOrderAfterPresence(t *testing.T) {
	h := newHarness(0)
	b := h.connect("c-b")
	h.register(b, "bob")

	const n = 25
	for i := 0; i < n; i++ {
		h.send(b, "bob", "carol", fmt.Sprintf("m%02d", i), "")
	}

	c := h.connect("c-c")
	h.register(c, "carol")

	frames := c.received(t)
	require.Len(t, frames, n+1)
	require.Equal(t, protocol.TypeOnlineUsers, frames[0]["type"])
	require.Equal(t, []string{"bob", "carol"}, users(frames[0]))
	for i := 0; i < n; i++ {
		require.Equal(t, fmt.Sprintf("m%02d", i), frames[i+1]["message"])
		require.Equal(t, "", frames[i+1]["timestamp"], "no timestamp is fabricated for queued messages")
	}
	require.Zero(t, h.queue.Total())
}

func TestQueueCapEvictsOldest(t *testing.T) {
	h := newHarness(2)
	b := h.connect("c-b")
	h.register(b, "bob")

	h.send(b, "bob", "carol", "one", "")
	h.send(b, "bob", "carol", "two", "")
	h.send(b, "bob", "carol", "three", "")

	c := h.connect("c-c")
	h.register(c, "carol")

	msgs := c.ofType(t, protocol.TypeMessage)
	require.Len(t, msgs, 2)
	require.Equal(t, "two", msgs[0]["message"])
	require.Equal(t, "three", msgs[1]["message"])
}

func TestLiveDeliveryDoesNotQueue(t *testing.T) {
	h := newHarness(0)
	a := h.connect("c-a")
	b := h.connect("c-b")
	h.register(a, "alice")
	h.register(b, "bob")

	h.send(b, "bob", "alice", "hello", "client-ts")

	msgs := a.ofType(t, protocol.TypeMessage)
	require.Len(t, msgs, 1)
	require.Equal(t, protocol.StatusSent, msgs[0]["status"])
	require.NotEmpty(t, msgs[0]["timestamp"])
	require.NotEqual(t, "client-ts", msgs[0]["timestamp"])
	require.Zero(t, h.queue.Len("alice"))
	require.Zero(t, h.queue.Recipients())
}

func TestFailedLiveDeliveryIsNotQueued(t *testing.T) {
	h := newHarness(0)
	broken := &fakeConn{id: "c-broken", fail: true}
	h.roster.add(broken)
	b := h.connect("c-b")

	h.register(&fakeConn{id: broken.id, fail: true}, "alice")
	h.register(b, "bob")
	h.send(b, "bob", "alice", "lost", "")

	require.Zero(t, h.queue.Total())
}

func TestConcurrentSendsDuringRegisterDeliverEachOnce(t *testing.T) {
	h := newHarness(0)

	const senders, perSender = 8, 50
	var wg sync.WaitGroup
	start := make(chan struct{})

	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			c := &fakeConn{id: fmt.Sprintf("c-s%d", s)}
			<-start
			for i := 0; i < perSender; i++ {
				h.send(c, fmt.Sprintf("s%d", s), "carol", fmt.Sprintf("%d", i), "")
			}
		}(s)
	}

	carol := h.connect("c-carol")
	close(start)
	time.Sleep(time.Millisecond)
	h.register(carol, "carol")
	wg.Wait()

	seen := make(map[string][]string)
	for _, m := range carol.ofType(t, protocol.TypeMessage) {
		sender := m["sender"].(string)
		seen[sender] = append(seen[sender], m["message"].(string))
	}
	for _, m := range h.queue.Drain("carol") {
		seen[m.Sender] = append(seen[m.Sender], m.Body)
	}

	require.Len(t, seen, senders)
	for s := 0; s < senders; s++ {
		got := seen[fmt.Sprintf("s%d", s)]
		require.Len(t, got, perSender)
		for i, body := range got {
			require.Equal(t, fmt.Sprintf("%d", i), body, "per-sender order")
		}
	}
}

// ---------------------------------------------------------------------------
// Typing
// ---------------------------------------------------------------------------

func TestTypingForwardedToOnlineRecipient(t *testing.T) {
	h := newHarness(0)
	a := h.connect("c-a")
	b := h.connect("c-b")
	h.register(a, "alice")
	h.register(b, "bob")

	h.typing(b, "bob", "alice")

	notices := a.ofType(t, protocol.TypeTyping)
	require.Len(t, notices, 1)
	require.Equal(t, map[string]interface{}{"type": "typing", "sender": "bob"}, notices[0])
}

func TestTypingToOfflineRecipientHasNoEffect(t *testing.T) {
	h := newHarness(0)
	b := h.connect("c-b")
	h.register(b, "bob")
	b.reset()

	h.typing(b, "bob", "carol")

	require.Empty(t, b.received(t))
	require.Zero(t, h.queue.Total())

	c := h.connect("c-c")
	h.register(c, "carol")
	require.Empty(t, c.ofType(t, protocol.TypeTyping))
}

// ---------------------------------------------------------------------------
// Dispatch and optional collaborators
// ---------------------------------------------------------------------------

func TestHandleDropsUnknownPayload(t *testing.T) {
	h := newHarness(0)
	a := h.connect("c-a")
	h.register(a, "alice")
	a.reset()

	h.router.Handle(a, "wave", nil)
	require.Empty(t, a.received(t))
}

func TestPublisherAndMirror(t *testing.T) {
	h := newHarness(0)
	pub := &fakePublisher{}
	mirror := &fakeMirror{online: make(map[string]string)}
	h.router.SetPublisher(pub)
	h.router.SetMirror(mirror)

	a := h.connect("c-a")
	h.register(a, "alice")
	h.send(a, "alice", "carol", "x", "")
	h.send(a, "alice", "carol", "y", "")

	require.Equal(t, "c-a", mirror.online["alice"])
	require.Equal(t, [][]string{{"alice"}}, pub.presence)
	require.Equal(t, []string{"carol<-alice#1", "carol<-alice#2"}, pub.queued)

	h.router.Disconnect(a.id)
	require.NotContains(t, mirror.online, "alice")
	require.Equal(t, []string{}, pub.presence[len(pub.presence)-1])
}

func TestRateLimiterDropsExcessMessages(t *testing.T) {
	h := newHarness(0)
	limiter := &fakeLimiter{allowed: 2, hits: make(map[string]int)}
	h.router.SetLimiter(limiter)

	a := h.connect("c-a")
	b := h.connect("c-b")
	h.register(a, "alice")
	h.register(b, "bob")

	for i := 0; i < 5; i++ {
		h.send(b, "bob", "alice", fmt.Sprintf("%d", i), "")
	}

	require.Len(t, a.ofType(t, protocol.TypeMessage), 2)
	require.Equal(t, 5, limiter.hits["bob"])
}

func TestRateLimiterErrorFailsOpen(t *testing.T) {
	h := newHarness(0)
	h.router.SetLimiter(&fakeLimiter{err: errors.New("redis down"), hits: make(map[string]int)})

	a := h.connect("c-a")
	b := h.connect("c-b")
	h.register(a, "alice")
	h.register(b, "bob")
	h.send(b, "bob", "alice", "hi", "")

	require.Len(t, a.ofType(t, protocol.TypeMessage), 1)
}

func TestLanesReleased(t *testing.T) {
	h := newHarness(0)
	a := h.connect("c-a")
	h.register(a, "alice")
	h.send(a, "alice", "carol", "x", "")
	h.router.Disconnect(a.id)

	require.Zero(t, h.router.lanes.size())
}
