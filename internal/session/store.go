package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by every store operation given an unknown session id.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("session %s not found", e.ID)
}

// state is the live, mutable form of one session. Its mutex serializes all
// read-modify-write sequences against the same session; different sessions
// proceed in parallel.
type state struct {
	mu sync.Mutex
	s  Session
}

// Store holds every session in the process and publishes an event after each
// successful mutation. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*state
	bus      *Bus

	// now is swappable in tests.
	now func() int64
}

// NewStore returns an empty store with its own event bus.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*state),
		bus:      NewBus(),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Bus exposes the store's event bus for push-channel subscribers.
func (st *Store) Bus() *Bus { return st.bus }

// Create registers a new session and returns its id. An empty id gets a
// generated one. Creating an id that already exists resets that session.
func (st *Store) Create(id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[id] = st.newState(id)
	return id
}

// Ensure returns the session id, creating the session first if it is unknown.
// The HTTP transport uses this to materialize sessions on demand. Unlike
// Create, an existing session is left untouched, and the check and insert
// share one critical section so concurrent first requests cannot reset
// each other's state.
func (st *Store) Ensure(id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		st.sessions[id] = st.newState(id)
	}
	return id
}

func (st *Store) newState(id string) *state {
	return &state{s: Session{
		ID:          id,
		Todos:       []Task{},
		WriteFence:  RoleImplementer,
		CommsLog:    []Message{},
		LastUpdated: st.now(),
	}}
}

func (st *Store) lookup(id string) (*state, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	return s, nil
}

// Get returns a copy of the session.
func (st *Store) Get(id string) (Session, error) {
	s, err := st.lookup(id)
	if err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(&s.s), nil
}

// UpdateTasks applies a diff to the task board and returns the resulting
// task list. Operations apply in order, so later entries in the same call
// observe the effects of earlier ones. Updates and deletes against unknown
// task ids are silently ignored.
func (st *Store) UpdateTasks(id string, diff []TaskOp) ([]Task, error) {
	s, err := st.lookup(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	now := st.now()
	for _, op := range diff {
		switch op.Operation {
		case OpCreate:
			t := Task{
				ID:        op.ID,
				Status:    StatusPending,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if t.ID == "" {
				t.ID = uuid.NewString()
			}
			if op.Desc != nil {
				t.Desc = *op.Desc
			}
			if op.Assignee != nil {
				t.Assignee = *op.Assignee
			}
			if op.Status != nil {
				t.Status = *op.Status
			}
			s.s.Todos = append(s.s.Todos, t)

		case OpUpdate:
			for i := range s.s.Todos {
				if s.s.Todos[i].ID != op.ID {
					continue
				}
				if op.Desc != nil {
					s.s.Todos[i].Desc = *op.Desc
				}
				if op.Assignee != nil {
					s.s.Todos[i].Assignee = *op.Assignee
				}
				if op.Status != nil {
					s.s.Todos[i].Status = *op.Status
				}
				s.s.Todos[i].UpdatedAt = now
				break
			}

		case OpDelete:
			for i := range s.s.Todos {
				if s.s.Todos[i].ID == op.ID {
					s.s.Todos = append(s.s.Todos[:i], s.s.Todos[i+1:]...)
					break
				}
			}
		}
	}
	s.s.LastUpdated = now
	todos := append([]Task(nil), s.s.Todos...)
	s.mu.Unlock()

	st.bus.Publish(Event{Type: EventTasksChanged, SessionID: id, Payload: todos})
	return todos, nil
}

// SetFence moves the write fence to owner. The transition always succeeds;
// only mutation under the fence is gated, not flipping it.
func (st *Store) SetFence(id string, owner AgentRole) error {
	s, err := st.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.s.WriteFence = owner
	s.s.LastUpdated = st.now()
	s.mu.Unlock()

	st.bus.Publish(Event{Type: EventFenceChanged, SessionID: id, Payload: owner})
	return nil
}

// AppendMessage adds an entry to the communication log, evicting the oldest
// entries beyond MaxCommsLog, and returns the stored entry.
func (st *Store) AppendMessage(id string, agent AgentRole, text string, tags []string) (Message, error) {
	s, err := st.lookup(id)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:        uuid.NewString(),
		Agent:     agent,
		Text:      text,
		Timestamp: st.now(),
		Tags:      tags,
	}

	s.mu.Lock()
	s.s.CommsLog = append(s.s.CommsLog, msg)
	if n := len(s.s.CommsLog); n > MaxCommsLog {
		s.s.CommsLog = append([]Message(nil), s.s.CommsLog[n-MaxCommsLog:]...)
	}
	s.s.LastUpdated = msg.Timestamp
	s.mu.Unlock()

	st.bus.Publish(Event{Type: EventMessagePosted, SessionID: id, Payload: msg})
	return msg, nil
}

// SetSchema replaces the session's schema snapshot.
func (st *Store) SetSchema(id string, schema json.RawMessage) error {
	s, err := st.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.s.DBSchema = schema
	s.s.LastUpdated = st.now()
	s.mu.Unlock()

	st.bus.Publish(Event{Type: EventSchemaChanged, SessionID: id, Payload: schema})
	return nil
}

// SetCIStatus records the latest CI verdict for the session.
func (st *Store) SetCIStatus(id string, status string) error {
	s, err := st.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.s.CIStatus = status
	s.s.LastUpdated = st.now()
	s.mu.Unlock()

	st.bus.Publish(Event{Type: EventCIChanged, SessionID: id, Payload: status})
	return nil
}

func snapshot(s *Session) Session {
	out := *s
	out.Todos = append([]Task(nil), s.Todos...)
	out.CommsLog = append([]Message(nil), s.CommsLog...)
	return out
}
