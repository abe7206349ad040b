package history

import (
	"sync"

	"layer-editor/internal/entity"
)

// History is the in-memory list of versions recorded by this process.
type History struct {
	mu       sync.RWMutex
	versions map[entity.Ref][]*VersionRecord
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{versions: make(map[entity.Ref][]*VersionRecord)}
}

// Append adds a stored record.
func (h *History) Append(rec *VersionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ref := rec.Ref()
	h.versions[ref] = append(h.versions[ref], rec)
}

// Versions returns the records of ref newest first.
func (h *History) Versions(ref entity.Ref) []*VersionRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	all := h.versions[ref]
	out := make([]*VersionRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
	}
	return out
}

