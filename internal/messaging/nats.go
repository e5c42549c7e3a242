// Package messaging publishes relay events to NATS so other services can
// follow presence and offline-queue activity. The relay never consumes these
// subjects itself; routing stays in-process.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects published by the relay.
const (
	SubjectPresence = "relay.presence" // full online set after each change
	SubjectQueued   = "relay.queued"   // + .<recipient>
)

// PresenceEvent is published on SubjectPresence.
type PresenceEvent struct {
	Server string   `json:"server"`
	Users  []string `json:"users"`
	Ts     int64    `json:"ts"`
}

// QueuedEvent is published on SubjectQueued.<recipient> whenever a message is
// held for an offline user.
type QueuedEvent struct {
	Server    string `json:"server"`
	Recipient string `json:"recipient"`
	Sender    string `json:"sender"`
	Depth     int    `json:"depth"`
	Ts        int64  `json:"ts"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // -1 for infinite
}

// DefaultNATSConfig returns the defaults used by cmd/relayserver.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Publisher wraps a NATS connection with typed publish helpers.
type Publisher struct {
	conn   *nats.Conn
	server string
	mu     sync.Mutex
	subs   []*nats.Subscription
}

// NewPublisher connects to NATS. server identifies this relay instance in
// published events.
func NewPublisher(config NATSConfig, server string) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Publisher{conn: nc, server: server}, nil
}

// PublishPresence publishes the current online set.
func (p *Publisher) PublishPresence(users []string) error {
	if users == nil {
		users = []string{}
	}
	return p.publishJSON(SubjectPresence, PresenceEvent{
		Server: p.server,
		Users:  users,
		Ts:     time.Now().Unix(),
	})
}

// PublishQueued announces that a message for recipient was queued.
func (p *Publisher) PublishQueued(recipient, sender string, depth int) error {
	return p.publishJSON(SubjectQueued+"."+recipient, QueuedEvent{
		Server:    p.server,
		Recipient: recipient,
		Sender:    sender,
		Depth:     depth,
		Ts:        time.Now().Unix(),
	})
}

// Subscribe registers handler for subject. Subscriptions are drained on Close.
func (p *Publisher) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := p.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	return nil
}

// Flush waits until the server has processed everything published so far.
func (p *Publisher) Flush() error {
	return p.conn.Flush()
}

// Close drains subscriptions and the connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	for _, sub := range p.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	p.subs = nil
	p.mu.Unlock()

	if err := p.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] publisher closed")
}

func (p *Publisher) publishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats marshal %s: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}
