package routing

import (
	"sync"
	"time"
)

// ChainTTL is how long a conversation's visited set is retained after
// its last touch. Maintenance calls Purge on this cadence.
const ChainTTL = 30 * time.Minute

type chainState struct {
	visited map[string]struct{}
	touched time.Time
}

// ChainTracker records which agents have already taken part in a
// conversation so agent relays cannot loop back (A -> B -> A).
type ChainTracker struct {
	mu     sync.Mutex
	chains map[string]*chainState
}

func NewChainTracker() *ChainTracker {
	return &ChainTracker{chains: make(map[string]*chainState)}
}

// Visited reports whether the agent is already in the conversation's
// visited set.
func (t *ChainTracker) Visited(conversationID, agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.chains[conversationID]
	if !ok {
		return false
	}
	_, seen := st.visited[agentID]
	return seen
}

// Mark adds agents to the conversation's visited set and refreshes its
// retention clock.
func (t *ChainTracker) Mark(conversationID string, agentIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.chains[conversationID]
	if !ok {
		st = &chainState{visited: make(map[string]struct{})}
		t.chains[conversationID] = st
	}
	for _, id := range agentIDs {
		st.visited[id] = struct{}{}
	}
	st.touched = time.Now()
}

// Purge drops conversations idle longer than ChainTTL and returns how
// many were removed.
func (t *ChainTracker) Purge(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, st := range t.chains {
		if now.Sub(st.touched) >= ChainTTL {
			delete(t.chains, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live conversations.
func (t *ChainTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chains)
}
