package selection

import (
	"sync"

	"layer-editor/internal/entity"
)

// State is the local selection for one entity.
type State struct {
	Current  string `json:"current,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// Tracker keeps the current and last-known selected layer per entity.
type Tracker struct {
	mu     sync.RWMutex
	states map[entity.Ref]*State
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[entity.Ref]*State)}
}

// Select records layerID as the current selection. The old current
// selection becomes the previous one. Selecting the same layer again keeps
// the previous selection, and an empty id clears the current selection.
func (t *Tracker) Select(ref entity.Ref, layerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[ref]
	if !ok {
		st = &State{}
		t.states[ref] = st
	}
	if st.Current == layerID {
		return
	}
	if st.Current != "" {
		st.Previous = st.Current
	}
	st.Current = layerID
}

// Selection returns the current and previous selection for ref.
func (t *Tracker) Selection(ref entity.Ref) (current, previous string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if st, ok := t.states[ref]; ok {
		return st.Current, st.Previous
	}
	return "", ""
}

// Apply stores a reconciled result as the new selection.
func (t *Tracker) Apply(ref entity.Ref, r Result) {
	t.Select(ref, r.LayerID)
}

// Remove forgets the selection of an entity, e.g. when its editor unmounts.
func (t *Tracker) Remove(ref entity.Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.states, ref)
}
