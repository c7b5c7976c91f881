package session

import "sync"

// EventType names a session state change.
type EventType string

const (
	EventTasksChanged  EventType = "tasks-changed"
	EventFenceChanged  EventType = "fence-changed"
	EventMessagePosted EventType = "message-posted"
	EventSchemaChanged EventType = "schema-changed"
	EventCIChanged     EventType = "ci-changed"
)

// Event is published by the store after every successful mutation. Payload
// carries the new value: []Task, AgentRole, Message, json.RawMessage or string
// depending on Type.
type Event struct {
	Type      EventType
	SessionID string
	Payload   any
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing events rather than stalling mutations.
const subscriberBuffer = 64

// Bus fans out store events to subscribers keyed by session id. Each
// subscriber only sees events for the session it registered for, in the
// order the store published them.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Event
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan Event)}
}

// Subscribe registers for events on one session. Cancel removes the
// subscription and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(sessionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan Event, subscriberBuffer)
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan Event)
	}
	b.subs[sessionID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[sessionID]; ok {
			if c, ok := set[id]; ok {
				delete(set, id)
				close(c)
			}
			if len(set) == 0 {
				delete(b.subs, sessionID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its session. Delivery is
// non-blocking: a full subscriber buffer drops the event for that subscriber
// only.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[evt.SessionID] {
		select {
		case ch <- evt:
		default:
		}
	}
}
