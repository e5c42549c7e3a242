package offline

// queue is either a growable FIFO (limit == 0) or a fixed-size circular
// buffer that overwrites its oldest entry. It is not goroutine-safe; Store
// guards it.
type queue struct {
	buf   []Message
	limit int
	pos   int // next write slot when bounded
	count int
}

func newQueue(limit int) *queue {
	q := &queue{limit: limit}
	if limit > 0 {
		q.buf = make([]Message, limit)
	}
	return q
}

// push appends msg and reports whether the oldest entry was overwritten.
func (q *queue) push(msg Message) bool {
	if q.limit == 0 {
		q.buf = append(q.buf, msg)
		q.count++
		return false
	}

	q.buf[q.pos] = msg
	q.pos = (q.pos + 1) % q.limit
	if q.count < q.limit {
		q.count++
		return false
	}
	return true
}

// items returns the queued messages oldest first.
func (q *queue) items() []Message {
	if q.limit == 0 {
		out := make([]Message, q.count)
		copy(out, q.buf)
		return out
	}

	out := make([]Message, q.count)
	// The oldest message sits count slots behind the write position.
	start := (q.pos - q.count + q.limit) % q.limit
	for i := 0; i < q.count; i++ {
		out[i] = q.buf[(start+i)%q.limit]
	}
	return out
}
