package attempt

import (
	"fmt"
	"sync"
)

// =============================================================================
// ATTEMPT ISOLATION - NOTHING LEAKS FROM A FAILED TRY
// =============================================================================
// Each synthesis attempt runs against call-scoped state plus whatever
// registry mutations it performs along the way. A scope snapshots the state
// before the attempt, journals every side effect, and restores both exactly
// on rollback. Commit happens only after contract validation passes, so a
// sibling retry never observes a failed attempt's partial effects.

// State is the call-scoped key/value state shared with the host API.
type State struct {
	mu   sync.RWMutex
	data map[string]interface{}
}

// NewState creates empty call-scoped state.
func NewState() *State {
	return &State{data: make(map[string]interface{})}
}

// Get returns the value for key and whether it exists.
func (s *State) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores a value under key.
func (s *State) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Delete removes a key.
func (s *State) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Keys returns all keys present.
func (s *State) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// Export returns a deep copy of the state contents.
func (s *State) Export() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.data)
}

// Replace swaps the entire contents with a deep copy of data.
func (s *State) Replace(data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = deepCopyMap(data)
}

// Entry is one journaled side effect with its inverse.
type Entry struct {
	Description string
	Revert      func()
}

// Scope isolates one attempt. Exactly one of Commit or Rollback must be
// called; calling either twice is a programming error.
type Scope struct {
	state    *State
	snapshot map[string]interface{}
	journal  []Entry
	done     bool
}

// Begin snapshots the state and opens a new scope.
func Begin(state *State) *Scope {
	return &Scope{
		state:    state,
		snapshot: state.Export(),
	}
}

// Record journals a side effect performed during the attempt. The revert
// function must undo it exactly. Reverts run in reverse order on rollback.
func (sc *Scope) Record(description string, revert func()) {
	sc.journal = append(sc.journal, Entry{Description: description, Revert: revert})
}

// Journal returns the descriptions of recorded side effects, oldest first.
func (sc *Scope) Journal() []string {
	out := make([]string, len(sc.journal))
	for i, e := range sc.journal {
		out[i] = e.Description
	}
	return out
}

// Commit keeps the attempt's effects and discards the snapshot.
func (sc *Scope) Commit() error {
	if sc.done {
		return fmt.Errorf("scope already finished")
	}
	sc.done = true
	sc.journal = nil
	sc.snapshot = nil
	return nil
}

// Rollback restores the pre-attempt state exactly and reverts journaled
// mutations newest first.
func (sc *Scope) Rollback() error {
	if sc.done {
		return fmt.Errorf("scope already finished")
	}
	sc.done = true
	sc.state.Replace(sc.snapshot)
	for i := len(sc.journal) - 1; i >= 0; i-- {
		if sc.journal[i].Revert != nil {
			sc.journal[i].Revert()
		}
	}
	sc.journal = nil
	sc.snapshot = nil
	return nil
}

// deepCopyMap copies nested maps and slices. Scalar values and anything
// outside the JSON-ish shape set are copied by reference; state values are
// expected to stay within that shape because they cross the worker boundary
// as JSON anyway.
func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
