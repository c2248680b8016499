package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// entry guards one session's state. Updates lock only the entry, so
// sessions never contend with each other beyond the map lookup. removed is
// set by Delete so an Update racing with it becomes a no-op.
type entry struct {
	mu      sync.Mutex
	state   *State
	removed bool
}

// Store is the concurrency-safe registry of live sessions. No method does
// I/O or blocks on anything but in-memory locks.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	active   atomic.Int64
	now      func() time.Time

	events        chan<- Event
	eventsDropped atomic.Int64
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
}

// SetEvents configures a channel for lifecycle events. Sends never block;
// events are dropped when the channel is full. Pass nil to disable. Must be
// called before the store is shared.
func (s *Store) SetEvents(ch chan<- Event) {
	s.events = ch
}

// Dropped returns how many lifecycle events were dropped on a full channel.
func (s *Store) Dropped() int64 {
	return s.eventsDropped.Load()
}

// Create registers a new pending session.
func (s *Store) Create(id string) (*State, error) {
	s.mu.Lock()
	if _, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return nil, ErrSessionExists
	}
	st := newState(id, s.now())
	s.sessions[id] = &entry{state: st}
	s.active.Add(1)
	snap := st.Clone()
	s.mu.Unlock()

	s.emit(EventNew, snap)
	return snap, nil
}

func (s *Store) Get(id string) (*State, bool) {
	e := s.lookup(id)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, false
	}
	return e.state.Clone(), true
}

func (s *Store) Exists(id string) bool {
	return s.lookup(id) != nil
}

func (s *Store) GetAll() []*State {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	result := make([]*State, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			result = append(result, e.state.Clone())
		}
		e.mu.Unlock()
	}
	return result
}

// Update applies patch to the session atomically and returns the resulting
// snapshot. It returns false if the session does not exist (for example
// because its client disconnected). patch must not retain the pointer.
func (s *Store) Update(id string, patch func(*State)) (*State, bool) {
	e := s.lookup(id)
	if e == nil {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, false
	}

	wasTerminal := e.state.IsTerminal()
	patch(e.state)
	e.state.LastUpdate = s.now()
	snap := e.state.Clone()

	if !wasTerminal && snap.IsTerminal() {
		s.active.Add(-1)
		s.emit(EventTerminal, snap)
	} else {
		s.emit(EventUpdate, snap)
	}
	return snap, true
}

// Delete removes the session. Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	if !e.state.IsTerminal() {
		s.active.Add(-1)
	}
	s.emit(EventRemoved, e.state.Clone())
}

// ActiveCount returns the number of non-terminal sessions.
func (s *Store) ActiveCount() int {
	return int(s.active.Load())
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

func (s *Store) emit(t EventType, snap *State) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- Event{Type: t, State: snap, ActiveCount: s.ActiveCount()}:
	default:
		s.eventsDropped.Add(1)
	}
}
