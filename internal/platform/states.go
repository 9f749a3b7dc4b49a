package platform

import (
	"maps"
	"reflect"
	"sort"
	"sync"
	"time"

	"kasa-go-home/internal/clock"
)

// Well-known entity states.
const (
	StateOn          = "on"
	StateOff         = "off"
	StateUnavailable = "unavailable"
	StateUnknown     = "unknown"
)

// State is the last written value of an entity.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// StateChange is the payload of EventStateChanged. New is nil on removal.
type StateChange struct {
	EntityID string `json:"entity_id"`
	Old      *State `json:"old_state"`
	New      *State `json:"new_state"`
}

// StateMachine holds the current state of every loaded entity.
type StateMachine struct {
	mu     sync.RWMutex
	clock  clock.Clock
	bus    *EventBus
	states map[string]*State
}

func newStateMachine(c clock.Clock, bus *EventBus) *StateMachine {
	return &StateMachine{clock: c, bus: bus, states: make(map[string]*State)}
}

// Set writes a state. Writes that change nothing are dropped.
func (s *StateMachine) Set(entityID, state string, attrs map[string]any) {
	now := s.clock.Now()
	s.mu.Lock()
	old := s.states[entityID]
	if old != nil && old.State == state && reflect.DeepEqual(old.Attributes, attrs) {
		s.mu.Unlock()
		return
	}
	next := &State{
		EntityID:    entityID,
		State:       state,
		Attributes:  maps.Clone(attrs),
		LastChanged: now,
		LastUpdated: now,
	}
	if old != nil && old.State == state {
		next.LastChanged = old.LastChanged
	}
	s.states[entityID] = next
	s.mu.Unlock()

	s.bus.Emit(Event{Type: EventStateChanged, Data: StateChange{EntityID: entityID, Old: old, New: next}})
}

// Get returns the current state of an entity.
func (s *StateMachine) Get(entityID string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[entityID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// All returns every state sorted by entity id.
func (s *StateMachine) All() []State {
	s.mu.RLock()
	out := make([]State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Remove deletes an entity state.
func (s *StateMachine) Remove(entityID string) {
	s.mu.Lock()
	old, ok := s.states[entityID]
	delete(s.states, entityID)
	s.mu.Unlock()
	if ok {
		s.bus.Emit(Event{Type: EventStateChanged, Data: StateChange{EntityID: entityID, Old: old}})
	}
}
