package collection

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"layer-editor/internal/clock"
)

var rollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "layer_editor_optimistic_rollbacks_total",
	Help: "Optimistic item mutations rolled back after a failed request",
}, []string{"op"})

// MutatorConfig configures a Mutator. Channel is optional; without it
// mutations are not broadcast.
type MutatorConfig struct {
	API     API
	Local   *Local
	Channel *Channel
	Clock   clock.Clock
	Logger  zerolog.Logger
}

// Mutator applies item edits to local state before the request that
// persists them completes, and restores the captured prior state when the
// request fails.
type Mutator struct {
	api     API
	local   *Local
	channel *Channel
	clock   clock.Clock
	logger  zerolog.Logger
}

func NewMutator(cfg MutatorConfig) *Mutator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Mutator{
		api:     cfg.API,
		local:   cfg.Local,
		channel: cfg.Channel,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With().Str("component", "optimistic").Logger(),
	}
}

// CreateOptimistic shows a new item under a temporary id right away and then
// creates it. On success the temporary item is replaced in place by the
// server's record, which is returned. On failure the item is removed, the
// collection count restored and the error returned.
func (m *Mutator) CreateOptimistic(ctx context.Context, collectionID string, values Values) (Item, error) {
	now := m.clock.Now()
	temp := Item{
		ID:           tempPrefix + uuid.NewString(),
		CollectionID: collectionID,
		Values:       values.Clone(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.local.Update(func(s State) State {
		s, _ = s.WithItem(temp)
		return s.AddCount(collectionID, 1)
	})

	created, err := m.api.CreateItem(ctx, collectionID, values)
	if err != nil {
		m.local.Update(func(s State) State {
			var removed bool
			if s, removed = s.WithoutItem(collectionID, temp.ID); removed {
				s = s.AddCount(collectionID, -1)
			}
			return s
		})
		rollbacksTotal.WithLabelValues("create").Inc()
		m.logger.Warn().Err(err).Str("collection", collectionID).Msg("create failed, rolled back")
		return Item{}, fmt.Errorf("create item in %s: %w", collectionID, err)
	}

	m.local.Update(func(s State) State {
		if _, _, exists := s.Item(collectionID, created.ID); exists {
			// another session's broadcast of the same record got here first
			s, _ = s.WithoutItem(collectionID, temp.ID)
			return s.AddCount(collectionID, -1)
		}
		if next, ok := s.ReplaceItem(collectionID, temp.ID, created); ok {
			return next
		}
		s, _ = s.WithItem(created)
		return s
	})

	if m.channel != nil {
		m.channel.BroadcastItemCreate(ctx, created)
	}
	return created, nil
}

// UpdateOptimistic merges values into the item right away and then updates
// it. On failure the captured item is put back.
func (m *Mutator) UpdateOptimistic(ctx context.Context, collectionID, id string, values Values) (Item, error) {
	if IsTemp(id) {
		return Item{}, ErrPendingWrite
	}

	var before Item
	var found bool
	m.local.Update(func(s State) State {
		before, _, found = s.Item(collectionID, id)
		if !found {
			return s
		}
		next := before
		next.Values = before.Values.Merge(values)
		next.UpdatedAt = m.clock.Now()
		s, _ = s.ReplaceItem(collectionID, id, next)
		return s
	})
	if !found {
		return Item{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}

	updated, err := m.api.UpdateItem(ctx, id, values)
	if err != nil {
		m.local.Update(func(s State) State {
			s, _ = s.ReplaceItem(collectionID, id, before)
			return s
		})
		rollbacksTotal.WithLabelValues("update").Inc()
		m.logger.Warn().Err(err).Str("item", id).Msg("update failed, rolled back")
		return Item{}, fmt.Errorf("update item %s: %w", id, err)
	}

	m.local.Update(func(s State) State {
		s, _ = s.ReplaceItem(collectionID, id, updated)
		return s
	})
	if m.channel != nil {
		m.channel.BroadcastItemUpdate(ctx, updated)
	}
	return updated, nil
}

// DeleteOptimistic removes the item right away and then deletes it. On
// failure the captured item is reinserted at its old position.
func (m *Mutator) DeleteOptimistic(ctx context.Context, collectionID, id string) error {
	if IsTemp(id) {
		return ErrPendingWrite
	}

	var before Item
	var index int
	var found bool
	m.local.Update(func(s State) State {
		before, index, found = s.Item(collectionID, id)
		if !found {
			return s
		}
		s, _ = s.WithoutItem(collectionID, id)
		return s.AddCount(collectionID, -1)
	})
	if !found {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}

	if err := m.api.DeleteItem(ctx, id); err != nil {
		m.local.Update(func(s State) State {
			var added bool
			if s, added = s.WithItemAt(before, index); added {
				s = s.AddCount(collectionID, 1)
			}
			return s
		})
		rollbacksTotal.WithLabelValues("delete").Inc()
		m.logger.Warn().Err(err).Str("item", id).Msg("delete failed, rolled back")
		return fmt.Errorf("delete item %s: %w", id, err)
	}

	if m.channel != nil {
		m.channel.BroadcastItemDelete(ctx, collectionID, id)
	}
	return nil
}
