package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for mirrored presence hashes.
	PresencePrefix = "presence:"

	// PresenceTTL bounds how long a mirrored entry outlives a crashed relay.
	PresenceTTL = 1 * time.Hour
)

// Presence is one mirrored registration as stored in Redis.
type Presence struct {
	Username    string `redis:"username"`
	ConnID      string `redis:"conn_id"`
	Server      string `redis:"server"`
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
}

// Mirror copies registry changes into Redis so dashboards and other tools
// can see who is online without talking to the relay. The relay itself
// never reads the mirror back.
type Mirror struct {
	client       *redis.Client
	serverName   string
	offlineGuard *redis.Script
}

// NewMirror connects to Redis and verifies the connection.
func NewMirror(redisAddr string, serverName string) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return newMirror(client, serverName), nil
}

func newMirror(client *redis.Client, serverName string) *Mirror {
	return &Mirror{
		client:       client,
		serverName:   serverName,
		offlineGuard: redis.NewScript(offlineIfOwnerLua),
	}
}

// Online records username as bound to connID on this server.
func (m *Mirror) Online(ctx context.Context, username, connID string) error {
	key := PresencePrefix + username

	pipe := m.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"username":     username,
		"conn_id":      connID,
		"server":       m.serverName,
		"connected_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: mirror online %s: %w", username, err)
	}
	return nil
}

// Offline deletes the entry for username if it still belongs to connID.
// It reports whether an entry was deleted.
func (m *Mirror) Offline(ctx context.Context, username, connID string) (bool, error) {
	key := PresencePrefix + username
	n, err := m.offlineGuard.Run(ctx, m.client, []string{key}, connID).Int()
	if err != nil {
		return false, fmt.Errorf("session: mirror offline %s: %w", username, err)
	}
	return n == 1, nil
}

// Get returns the mirrored entry for username, or nil if there is none.
func (m *Mirror) Get(ctx context.Context, username string) (*Presence, error) {
	var p Presence
	if err := m.client.HGetAll(ctx, PresencePrefix+username).Scan(&p); err != nil {
		return nil, err
	}
	if p.Username == "" {
		return nil, nil
	}
	return &p, nil
}

// Close closes the Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}

// Client returns the underlying Redis client so the rate limiter can share it.
func (m *Mirror) Client() *redis.Client {
	return m.client
}

// offlineIfOwnerLua deletes KEYS[1] only when its conn_id equals ARGV[1].
const offlineIfOwnerLua = `
local owner = redis.call('HGET', KEYS[1], 'conn_id')
if owner == ARGV[1] then
    redis.call('DEL', KEYS[1])
    return 1
end
return 0
`
