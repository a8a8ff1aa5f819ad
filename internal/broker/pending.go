package broker

import (
	"sync"
	"time"
)

// pendingTTL bounds how long an unanswered correlation entry lives.
const pendingTTL = 5 * time.Minute

type pendingEntry struct {
	userID string
	ch     chan any
	at     time.Time
}

// Correlator matches request ids on gateway replies back to their
// origin: an HTTP handler blocked on a channel, or a user whose client
// sockets get the reply forwarded.
type Correlator struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func NewCorrelator() *Correlator {
	return &Correlator{entries: make(map[string]*pendingEntry)}
}

// Await registers a blocking waiter. The caller must either receive on
// the channel or call Cancel.
func (p *Correlator) Await(requestID string) <-chan any {
	ch := make(chan any, 1)
	p.mu.Lock()
	p.entries[requestID] = &pendingEntry{ch: ch, at: time.Now()}
	p.mu.Unlock()
	return ch
}

// Expect registers a fire-and-forget origin: the reply gets forwarded
// to the user's client sockets.
func (p *Correlator) Expect(requestID, userID string) {
	p.mu.Lock()
	p.entries[requestID] = &pendingEntry{userID: userID, at: time.Now()}
	p.mu.Unlock()
}

// Cancel drops a pending entry.
func (p *Correlator) Cancel(requestID string) {
	p.mu.Lock()
	delete(p.entries, requestID)
	p.mu.Unlock()
}

// Resolve consumes the entry for requestID. When a waiter channel is
// registered the value is delivered there and userID is empty;
// otherwise the registered userID is returned for forwarding. ok is
// false for unknown (or expired) ids.
func (p *Correlator) Resolve(requestID string, v any) (userID string, ok bool) {
	p.mu.Lock()
	e, found := p.entries[requestID]
	if found {
		delete(p.entries, requestID)
	}
	p.mu.Unlock()
	if !found {
		return "", false
	}
	if e.ch != nil {
		e.ch <- v
		return "", true
	}
	return e.userID, true
}

// Sweep drops entries older than the TTL and returns how many.
func (p *Correlator) Sweep(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	dropped := 0
	for id, e := range p.entries {
		if now.Sub(e.at) >= pendingTTL {
			delete(p.entries, id)
			dropped++
		}
	}
	return dropped
}

// Size returns the number of pending entries.
func (p *Correlator) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
