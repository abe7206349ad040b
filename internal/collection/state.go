package collection

import (
	"fmt"
	"sync"

	"layer-editor/internal/broadcast"
)

// State is an immutable snapshot of the collections a session knows about.
// Reduce and the With methods return new states and never modify the
// receiver's slices.
type State struct {
	Collections []Collection
	Items       map[string][]Item
}

// Collection returns the collection with id.
func (s State) Collection(id string) (Collection, bool) {
	if i := indexCollection(s.Collections, id); i >= 0 {
		return s.Collections[i], true
	}
	return Collection{}, false
}

// Item returns the item with id in collectionID and its position.
func (s State) Item(collectionID, id string) (Item, int, bool) {
	items := s.Items[collectionID]
	if i := indexItem(items, id); i >= 0 {
		return items[i], i, true
	}
	return Item{}, -1, false
}

// Count returns the item count of collectionID, or 0 when it is not loaded.
func (s State) Count(collectionID string) int {
	c, _ := s.Collection(collectionID)
	return c.ItemCount
}

// WithCollection adds c, or replaces the collection with the same id.
func (s State) WithCollection(c Collection) State {
	cols := append([]Collection(nil), s.Collections...)
	if i := indexCollection(cols, c.ID); i >= 0 {
		cols[i] = c
	} else {
		cols = append(cols, c)
	}
	s.Collections = cols
	return s
}

// WithoutCollection removes the collection with id and its items.
func (s State) WithoutCollection(id string) State {
	i := indexCollection(s.Collections, id)
	if i < 0 {
		return s
	}
	cols := make([]Collection, 0, len(s.Collections)-1)
	cols = append(cols, s.Collections[:i]...)
	s.Collections = append(cols, s.Collections[i+1:]...)

	if _, ok := s.Items[id]; ok {
		items := s.copyItems()
		delete(items, id)
		s.Items = items
	}
	return s
}

// WithItems replaces the items of collectionID.
func (s State) WithItems(collectionID string, items []Item) State {
	all := s.copyItems()
	all[collectionID] = append([]Item(nil), items...)
	s.Items = all
	return s
}

// WithItemAt inserts it at index, or appends it when index is out of range.
// An item with the same id is replaced in place instead.
func (s State) WithItemAt(it Item, index int) (State, bool) {
	old := s.Items[it.CollectionID]
	if i := indexItem(old, it.ID); i >= 0 {
		items := append([]Item(nil), old...)
		items[i] = it
		return s.WithItems(it.CollectionID, items), false
	}
	if index < 0 || index > len(old) {
		index = len(old)
	}
	items := make([]Item, 0, len(old)+1)
	items = append(items, old[:index]...)
	items = append(items, it)
	items = append(items, old[index:]...)
	return s.WithItems(it.CollectionID, items), true
}

// WithItem adds it at the end, or replaces the item with the same id.
func (s State) WithItem(it Item) (State, bool) {
	return s.WithItemAt(it, -1)
}

// ReplaceItem swaps the item with id for it, keeping its position. The
// replacement may carry a different id.
func (s State) ReplaceItem(collectionID, id string, it Item) (State, bool) {
	old := s.Items[collectionID]
	i := indexItem(old, id)
	if i < 0 {
		return s, false
	}
	items := append([]Item(nil), old...)
	items[i] = it
	return s.WithItems(collectionID, items), true
}

// WithoutItem removes the item with id from collectionID.
func (s State) WithoutItem(collectionID, id string) (State, bool) {
	old := s.Items[collectionID]
	i := indexItem(old, id)
	if i < 0 {
		return s, false
	}
	items := make([]Item, 0, len(old)-1)
	items = append(items, old[:i]...)
	items = append(items, old[i+1:]...)
	return s.WithItems(collectionID, items), true
}

// AddCount shifts the item count of collectionID by delta.
func (s State) AddCount(collectionID string, delta int) State {
	c, ok := s.Collection(collectionID)
	if !ok {
		return s
	}
	c.ItemCount += delta
	if c.ItemCount < 0 {
		c.ItemCount = 0
	}
	return s.WithCollection(c)
}

func (s State) copyItems() map[string][]Item {
	out := make(map[string][]Item, len(s.Items)+1)
	for k, v := range s.Items {
		out[k] = v
	}
	return out
}

func indexCollection(cols []Collection, id string) int {
	for i := range cols {
		if cols[i].ID == id {
			return i
		}
	}
	return -1
}

func indexItem(items []Item, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// Reduce applies a foreign broadcast to s. Created and updated events carry
// the full record, which replaces the local one. Events for other aggregates
// leave s unchanged.
func Reduce(s State, env broadcast.Envelope) (State, error) {
	p := env.Payload
	switch env.Event {
	case broadcast.CollectionCreated, broadcast.CollectionUpdated:
		var c Collection
		if err := p.Decode(&c); err != nil {
			return s, fmt.Errorf("%s: %w", env.Event, err)
		}
		if c.ID == "" {
			c.ID = p.ID
		}
		return s.WithCollection(c), nil

	case broadcast.CollectionDeleted:
		return s.WithoutCollection(p.ID), nil

	case broadcast.ItemCreated, broadcast.ItemUpdated:
		var it Item
		if err := p.Decode(&it); err != nil {
			return s, fmt.Errorf("%s: %w", env.Event, err)
		}
		if it.ID == "" {
			it.ID = p.ID
		}
		if it.CollectionID == "" {
			it.CollectionID = p.ParentID
		}
		if err := it.Validate(); err != nil {
			return s, fmt.Errorf("%s: %w", env.Event, err)
		}
		var added bool
		s, added = s.WithItem(it)
		if added {
			s = s.AddCount(it.CollectionID, 1)
		}
		return s, nil

	case broadcast.ItemDeleted:
		var removed bool
		s, removed = s.WithoutItem(p.ParentID, p.ID)
		if removed {
			s = s.AddCount(p.ParentID, -1)
		}
		return s, nil
	}
	return s, nil
}

// Local is the mutable holder of a session's State.
type Local struct {
	mu    sync.RWMutex
	state State
}

// NewLocal creates a Local holding s.
func NewLocal(s State) *Local {
	return &Local{state: s}
}

// State returns the current snapshot.
func (l *Local) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Items returns the items of collectionID in display order.
func (l *Local) Items(collectionID string) []Item {
	return l.State().Items[collectionID]
}

// Load replaces the items of a collection with a freshly fetched list.
func (l *Local) Load(c Collection, items []Item) {
	l.Update(func(s State) State {
		return s.WithCollection(c).WithItems(c.ID, items)
	})
}

// Apply reduces env into the held state.
func (l *Local) Apply(env broadcast.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next, err := Reduce(l.state, env)
	if err != nil {
		return err
	}
	l.state = next
	return nil
}

// Update replaces the state with fn's result.
func (l *Local) Update(fn func(State) State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = fn(l.state)
}
