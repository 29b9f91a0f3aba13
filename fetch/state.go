package fetch

import (
	"sync"
	"time"
)

// State captures the per-widget fetch outcome exposed to the rendering
// layer. A failed fetch keeps the previously cached Data so callers can
// keep displaying stale results next to the error message.
type State struct {
	Loading     bool
	Error       string
	Data        interface{}
	LastUpdated time.Time
}

type widgetState struct {
	state   State
	nextSeq uint64
	applied uint64
}

// StateStore tracks fetch state per widget.
//
// Every fetch attempt takes a sequence number from Begin; Complete only
// applies results whose sequence is not older than the last applied one,
// so a late response from a superseded fetch can never clobber newer data.
type StateStore struct {
	mu      sync.RWMutex
	widgets map[string]*widgetState
}

// NewStateStore builds an empty state store.
func NewStateStore() *StateStore {
	return &StateStore{widgets: make(map[string]*widgetState)}
}

// Begin marks the widget as loading and returns the sequence number for
// the fetch attempt.
func (s *StateStore) Begin(widgetID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.widgets[widgetID]
	if w == nil {
		w = &widgetState{}
		s.widgets[widgetID] = w
	}
	w.nextSeq++
	w.state.Loading = true
	return w.nextSeq
}

// Complete records the outcome of a fetch attempt. It reports false when a
// newer attempt already applied and the result was dropped.
func (s *StateStore) Complete(widgetID string, seq uint64, data interface{}, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.widgets[widgetID]
	if w == nil || seq < w.applied {
		return false
	}
	w.applied = seq
	w.state.Loading = w.nextSeq > seq
	if err != nil {
		w.state.Error = err.Error()
		return true
	}
	w.state.Error = ""
	w.state.Data = data
	w.state.LastUpdated = time.Now()
	return true
}

// Get returns the state of a single widget.
func (s *StateStore) Get(widgetID string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.widgets[widgetID]
	if !ok {
		return State{}, false
	}
	return w.state, true
}

// All returns a snapshot of every widget state.
func (s *StateStore) All() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]State, len(s.widgets))
	for id, w := range s.widgets {
		out[id] = w.state
	}
	return out
}
