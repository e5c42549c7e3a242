package relay

import (
	"log"
	"sync"

	"github.com/courier/relay/internal/metrics"
	"github.com/courier/relay/internal/protocol"
	"github.com/courier/relay/internal/session"
)

// Roster lists every open connection, registered or anonymous.
type Roster interface {
	Open() []session.Conn
}

// Broadcaster pushes the full online set to every open connection.
type Broadcaster struct {
	mu       sync.Mutex // one broadcast at a time so clients never see an older set last
	registry *session.Registry
	roster   Roster
}

// NewBroadcaster creates a Broadcaster reading presence from registry and
// delivering to every connection listed by roster.
func NewBroadcaster(registry *session.Registry, roster Roster) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		roster:   roster,
	}
}

// Broadcast snapshots the registry and sends an onlineUsers envelope to all
// open connections. A failed send is logged and counted; the remaining
// connections still receive the envelope. It returns the snapshot sent.
func (b *Broadcaster) Broadcast() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	users := b.registry.Snapshot()
	data, err := protocol.NewOnlineUsers(users)
	if err != nil {
		log.Printf("relay: failed to build onlineUsers: %v", err)
		return users
	}

	failed := 0
	conns := b.roster.Open()
	for _, c := range conns {
		if err := c.WriteMessage(data); err != nil {
			failed++
			metrics.SendFailures.WithLabelValues(protocol.TypeOnlineUsers).Inc()
			log.Printf("relay: presence send failed conn=%s: %v", c.ID(), err)
		}
	}

	metrics.PresenceBroadcasts.Inc()
	metrics.OnlineUsers.Set(float64(len(users)))
	if failed > 0 {
		log.Printf("relay: presence broadcast users=%d conns=%d failed=%d", len(users), len(conns), failed)
	}
	return users
}
