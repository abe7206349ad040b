package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"layer-editor/internal/entity"
	"layer-editor/internal/selection"
	"layer-editor/pkg/patch"
)

// ActionUpdate is the action type of every recorded change.
const ActionUpdate = "update"

var ErrInvalidRecord = errors.New("invalid version record")

// Metadata is UI state captured with a version.
type Metadata struct {
	Selection selection.Result `json:"selection"`
}

// VersionRecord is one committed change of an entity. It is never modified
// after it has been stored.
type VersionRecord struct {
	ID           string      `json:"id,omitempty"`
	EntityType   entity.Type `json:"entityType"`
	EntityID     string      `json:"entityId"`
	ActionType   string      `json:"actionType"`
	Description  string      `json:"description"`
	RedoPatch    patch.Patch `json:"redoPatch"`
	UndoPatch    patch.Patch `json:"undoPatch"`
	PreviousHash string      `json:"previousHash"`
	CurrentHash  string      `json:"currentHash"`
	SessionID    string      `json:"sessionId"`
	Metadata     *Metadata   `json:"metadata,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Ref returns the entity the record belongs to.
func (r *VersionRecord) Ref() entity.Ref {
	return entity.NewRef(r.EntityType, r.EntityID)
}

// Validate checks the fields a store requires.
func (r *VersionRecord) Validate() error {
	if r == nil {
		return ErrInvalidRecord
	}
	if err := r.Ref().Validate(); err != nil {
		return errors.Join(ErrInvalidRecord, err)
	}
	if patch.IsEmpty(r.RedoPatch) {
		return errors.Join(ErrInvalidRecord, errors.New("empty redo patch"))
	}
	return nil
}

// Store persists version records. SaveVersion assigns the id and creation
// time; ListVersions returns records newest first, at most limit when limit > 0.
type Store interface {
	SaveVersion(ctx context.Context, rec *VersionRecord) (*VersionRecord, error)
	ListVersions(ctx context.Context, ref entity.Ref, limit int) ([]*VersionRecord, error)
}

// NewVersionID returns a new record id. ULIDs sort by creation time.
func NewVersionID() string {
	return ulid.Make().String()
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[entity.Ref][]*VersionRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[entity.Ref][]*VersionRecord)}
}

func (s *MemoryStore) SaveVersion(ctx context.Context, rec *VersionRecord) (*VersionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	stored := *rec
	stored.ID = NewVersionID()
	stored.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[stored.Ref()] = append(s.versions[stored.Ref()], &stored)
	out := stored
	return &out, nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, ref entity.Ref, limit int) ([]*VersionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.versions[ref]
	out := make([]*VersionRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		rec := *all[i]
		out = append(out, &rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SortNewestFirst orders records by id, which is creation order for ULIDs.
func SortNewestFirst(recs []*VersionRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].ID > recs[j].ID
	})
}
