package collection

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"layer-editor/internal/clock"
)

// MemoryRepository keeps items in memory in insertion order.
type MemoryRepository struct {
	mu    sync.RWMutex
	clock clock.Clock
	items map[string]Item
	order map[string][]string
}

// NewMemoryRepository creates an empty MemoryRepository. A nil clock uses
// the wall clock.
func NewMemoryRepository(clk clock.Clock) *MemoryRepository {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryRepository{
		clock: clk,
		items: make(map[string]Item),
		order: make(map[string][]string),
	}
}

func (r *MemoryRepository) CreateItem(ctx context.Context, collectionID string, values Values) (Item, error) {
	if collectionID == "" {
		return Item{}, fmt.Errorf("%w: missing collection id", ErrInvalidItem)
	}
	now := r.clock.Now().UTC()
	it := Item{
		ID:           uuid.NewString(),
		CollectionID: collectionID,
		Values:       values.Clone(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[it.ID] = it
	r.order[collectionID] = append(r.order[collectionID], it.ID)
	return it, nil
}

func (r *MemoryRepository) UpdateItem(ctx context.Context, id string, values Values) (Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, ok := r.items[id]
	if !ok {
		return Item{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	it.Values = it.Values.Merge(values)
	it.UpdatedAt = r.clock.Now().UTC()
	r.items[id] = it
	return it, nil
}

func (r *MemoryRepository) DeleteItem(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, ok := r.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	delete(r.items, id)
	ids := r.order[it.CollectionID]
	for i, other := range ids {
		if other == id {
			r.order[it.CollectionID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (r *MemoryRepository) GetItem(ctx context.Context, id string) (Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	it, ok := r.items[id]
	if !ok {
		return Item{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	it.Values = it.Values.Clone()
	return it, nil
}

func (r *MemoryRepository) ListItems(ctx context.Context, collectionID string) ([]Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.order[collectionID]
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		it := r.items[id]
		it.Values = it.Values.Clone()
		items = append(items, it)
	}
	return items, nil
}
