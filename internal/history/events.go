package history

import "sync"

// VersionSaved is emitted after a record has been persisted.
type VersionSaved struct {
	Record *VersionRecord
}

// Events fans out VersionSaved notifications to subscribers. Handlers run
// synchronously on the recording goroutine and must not block.
type Events struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(VersionSaved)
}

// NewEvents creates an event hub with no subscribers.
func NewEvents() *Events {
	return &Events{subs: make(map[int]func(VersionSaved))}
}

// Subscribe registers fn and returns a function that removes it.
func (e *Events) Subscribe(fn func(VersionSaved)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.next
	e.next++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Events) publish(ev VersionSaved) {
	e.mu.RLock()
	handlers := make([]func(VersionSaved), 0, len(e.subs))
	for _, fn := range e.subs {
		handlers = append(handlers, fn)
	}
	e.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
