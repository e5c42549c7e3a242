package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestPublisher connects to a local NATS server. Tests that call it are
// skipped when nothing is listening on the default URL.
func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	p, err := NewPublisher(cfg, "relay-test")
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestPublishPresence(t *testing.T) {
	p := newTestPublisher(t)

	got := make(chan PresenceEvent, 1)
	require.NoError(t, p.Subscribe(SubjectPresence, func(data []byte) {
		var ev PresenceEvent
		if err := json.Unmarshal(data, &ev); err == nil {
			got <- ev
		}
	}))
	require.NoError(t, p.Flush())

	require.NoError(t, p.PublishPresence([]string{"alice", "bob"}))

	select {
	case ev := <-got:
		require.Equal(t, "relay-test", ev.Server)
		require.Equal(t, []string{"alice", "bob"}, ev.Users)
	case <-time.After(2 * time.Second):
		t.Fatal("presence event not received")
	}
}

func TestPublishQueued(t *testing.T) {
	p := newTestPublisher(t)

	got := make(chan QueuedEvent, 1)
	require.NoError(t, p.Subscribe(SubjectQueued+".carol", func(data []byte) {
		var ev QueuedEvent
		if err := json.Unmarshal(data, &ev); err == nil {
			got <- ev
		}
	}))
	require.NoError(t, p.Flush())

	require.NoError(t, p.PublishQueued("carol", "dave", 3))

	select {
	case ev := <-got:
		require.Equal(t, "carol", ev.Recipient)
		require.Equal(t, "dave", ev.Sender)
		require.Equal(t, 3, ev.Depth)
	case <-time.After(2 * time.Second):
		t.Fatal("queued event not received")
	}
}
