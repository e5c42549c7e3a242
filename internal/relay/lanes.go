package relay

import "sync"

// lanes is a keyed mutex. Holding the lane for a username serializes every
// delivery decision for that user: registration plus queue replay, live
// routing, enqueueing and unregistration. Entries are reference counted and
// removed once nobody holds or waits on them.
type lanes struct {
	mu sync.Mutex
	m  map[string]*lane
}

type lane struct {
	mu   sync.Mutex
	refs int
}

func newLanes() *lanes {
	return &lanes{m: make(map[string]*lane)}
}

// lock acquires the lane for key and returns its release func.
func (l *lanes) lock(key string) func() {
	l.mu.Lock()
	ln, ok := l.m[key]
	if !ok {
		ln = &lane{}
		l.m[key] = ln
	}
	ln.refs++
	l.mu.Unlock()

	ln.mu.Lock()

	return func() {
		ln.mu.Unlock()

		l.mu.Lock()
		ln.refs--
		if ln.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}

// size returns the number of live lanes.
func (l *lanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
