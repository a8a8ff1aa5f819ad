// Package bus is the in-process event fabric of the broker. Components
// publish named events; subscribers filter by name. In standalone mode it
// also carries token-revocation fan-out, which managed mode moves to
// Postgres LISTEN/NOTIFY.
package bus

import "sync"

// Well-known event names.
const (
	EventRevocation     = "auth.revocation"
	EventSettingChanged = "settings.changed"
	EventAgentStatus    = "agents.status"
)

// Event represents a broker-side event broadcast to subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Handler handles a broadcast event.
type Handler func(Event)

// Publisher abstracts event broadcast + subscription.
// Components depend on this interface so tests can swap in a recorder.
type Publisher interface {
	Subscribe(id string, handler Handler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// InvalidatePayload signals cache layers to evict stale entries.
type InvalidatePayload struct {
	Kind string `json:"kind"` // "settings", "room_context", "agents"
	Key  string `json:"key"`  // setting key, room id, etc. Empty = invalidate all
}

// Bus is the in-memory Publisher. Delivery is synchronous and in
// subscription order; handlers must not block.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	order    []string
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string]Handler)}
}

// Subscribe registers a handler under id, replacing any previous handler
// with the same id.
func (b *Bus) Subscribe(id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[id]; !exists {
		b.order = append(b.order, id)
	}
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[id]; !exists {
		return
	}
	delete(b.handlers, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Broadcast delivers the event to every subscriber. The handler snapshot is
// taken under the read lock so handlers may themselves (un)subscribe.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		snapshot = append(snapshot, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		h(event)
	}
}
