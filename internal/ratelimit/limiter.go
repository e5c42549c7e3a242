// Package ratelimit throttles inbound relay traffic with a Redis fixed
// window counter (INCR, then EXPIRE on the first hit of each window).
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one rate policy: the Redis key prefix, how many hits a window
// allows, and the window length.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:msg:"
	Limit  int           // max hits per window
	Window time.Duration // window length
}

// MessageRule builds the per-username rule for message envelopes.
func MessageRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:msg:", Limit: limit, Window: window}
}

// Limiter runs rate checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one hit for identifier under rule and reports whether it is
// within the limit. Redis errors fail open: the hit is allowed and the error
// is returned for logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// Without a TTL the key would throttle identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many hits identifier has left in the current window.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		return rule.Limit, err
	}

	if remaining := rule.Limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// Gate binds a Limiter to a single Rule.
type Gate struct {
	limiter *Limiter
	rule    Rule
}

// NewGate returns a Gate applying rule through limiter.
func NewGate(limiter *Limiter, rule Rule) *Gate {
	return &Gate{limiter: limiter, rule: rule}
}

// Allow reports whether identifier may proceed under the gate's rule.
func (g *Gate) Allow(ctx context.Context, identifier string) (bool, error) {
	return g.limiter.Allow(ctx, identifier, g.rule)
}
