// Package offline holds messages for users who are not connected. Messages
// are kept per recipient in arrival order and handed over in one batch when
// the recipient next registers.
package offline

import "sync"

// Message is one undelivered message. Timestamp is the sender-supplied value
// and may be empty.
type Message struct {
	Body      string `json:"message"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
}

// Store is a goroutine-safe set of per-recipient queues. A capacity of zero
// means queues are unbounded; a positive capacity turns each queue into a
// ring that overwrites its oldest entry when full.
type Store struct {
	mu       sync.Mutex
	queues   map[string]*queue // recipient -> pending messages
	capacity int
	total    int
}

// NewStore creates an empty Store. Negative capacities are treated as zero.
func NewStore(capacity int) *Store {
	if capacity < 0 {
		capacity = 0
	}
	return &Store{
		queues:   make(map[string]*queue),
		capacity: capacity,
	}
}

// Enqueue appends msg to recipient's queue, creating the queue if needed.
// It reports whether an older message was evicted to make room.
func (s *Store) Enqueue(recipient string, msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[recipient]
	if !ok {
		q = newQueue(s.capacity)
		s.queues[recipient] = q
	}

	evicted := q.push(msg)
	if !evicted {
		s.total++
	}
	return evicted
}

// Drain removes and returns everything queued for recipient, oldest first.
// The returned slice is empty, never nil, when nothing was queued. An
// Enqueue racing with Drain lands either in the returned batch or in a fresh
// queue, never in both.
func (s *Store) Drain(recipient string) []Message {
	s.mu.Lock()
	q, ok := s.queues[recipient]
	if ok {
		delete(s.queues, recipient)
		s.total -= q.count
	}
	s.mu.Unlock()

	if !ok {
		return []Message{}
	}
	return q.items()
}

// Len returns the number of messages queued for recipient.
func (s *Store) Len(recipient string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[recipient]; ok {
		return q.count
	}
	return 0
}

// Total returns the number of queued messages across all recipients.
func (s *Store) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Recipients returns how many users have at least one queued message.
func (s *Store) Recipients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}
