package history

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"layer-editor/internal/entity"
	"layer-editor/pkg/patch"
)

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
	ErrStaleHistory  = errors.New("document changed since the version was recorded")
)

// SaveFunc persists a document through the normal save path, which ends in
// Recorder.Record.
type SaveFunc func(ctx context.Context, ref entity.Ref, doc any) error

// UndoConfig configures an UndoController.
type UndoConfig struct {
	Store   Store
	Guard   *Guard
	Events  *Events
	Hashers Hashers
	Save    SaveFunc

	// StrictHashes rejects undo and redo with ErrStaleHistory when the
	// current document does not hash to what the version expects. Otherwise
	// a mismatch is only logged.
	StrictHashes bool

	// Limit bounds how many versions Load reads. Zero means 100.
	Limit  int
	Logger zerolog.Logger
}

// UndoController replays version records. New forward versions arrive
// through Events and drop whatever was undone before them.
type UndoController struct {
	mu          sync.Mutex
	cfg         UndoConfig
	stacks      map[entity.Ref]*undoStack
	unsubscribe func()
	logger      zerolog.Logger
}

// undoStack holds records oldest first; the first pos of them are applied.
type undoStack struct {
	records []*VersionRecord
	pos     int
}

// NewUndoController creates a controller and subscribes it to cfg.Events.
func NewUndoController(cfg UndoConfig) *UndoController {
	if cfg.Hashers == nil {
		cfg.Hashers = DefaultHashers()
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	c := &UndoController{
		cfg:    cfg,
		stacks: make(map[entity.Ref]*undoStack),
		logger: cfg.Logger.With().Str("component", "undo").Logger(),
	}
	if cfg.Events != nil {
		c.unsubscribe = cfg.Events.Subscribe(c.onVersionSaved)
	}
	return c
}

// Close stops listening for new versions.
func (c *UndoController) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// Load replaces the stack of ref with its persisted history.
func (c *UndoController) Load(ctx context.Context, ref entity.Ref) error {
	recs, err := c.cfg.Store.ListVersions(ctx, ref, c.cfg.Limit)
	if err != nil {
		return fmt.Errorf("load history of %s: %w", ref, err)
	}
	st := &undoStack{records: make([]*VersionRecord, 0, len(recs))}
	for i := len(recs) - 1; i >= 0; i-- {
		st.records = append(st.records, recs[i])
	}
	st.pos = len(st.records)

	c.mu.Lock()
	c.stacks[ref] = st
	c.mu.Unlock()
	return nil
}

func (c *UndoController) onVersionSaved(ev VersionSaved) {
	ref := ev.Record.Ref()

	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.stacks[ref]
	if !ok {
		st = &undoStack{}
		c.stacks[ref] = st
	}
	st.records = append(st.records[:st.pos], ev.Record)
	st.pos = len(st.records)
}

// CanUndo reports whether ref has an applied version.
func (c *UndoController) CanUndo(ref entity.Ref) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.stacks[ref]
	return ok && st.pos > 0
}

// CanRedo reports whether ref has an undone version.
func (c *UndoController) CanRedo(ref entity.Ref) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.stacks[ref]
	return ok && st.pos < len(st.records)
}

// Undo applies the undo patch of the latest applied version to current,
// saves the result with recording suppressed and returns it.
func (c *UndoController) Undo(ctx context.Context, ref entity.Ref, current any) (any, *VersionRecord, error) {
	c.mu.Lock()
	st, ok := c.stacks[ref]
	if !ok || st.pos == 0 {
		c.mu.Unlock()
		return nil, nil, ErrNothingToUndo
	}
	rec := st.records[st.pos-1]
	c.mu.Unlock()

	doc, err := c.replay(ref, current, rec, rec.CurrentHash, rec.UndoPatch)
	if err != nil {
		return nil, nil, err
	}
	if !c.move(ref, rec, -1) {
		return nil, nil, ErrStaleHistory
	}
	if err := c.save(ctx, ref, doc); err != nil {
		c.move(ref, rec, +1)
		return nil, nil, err
	}
	return doc, rec, nil
}

// Redo reapplies the earliest undone version.
func (c *UndoController) Redo(ctx context.Context, ref entity.Ref, current any) (any, *VersionRecord, error) {
	c.mu.Lock()
	st, ok := c.stacks[ref]
	if !ok || st.pos >= len(st.records) {
		c.mu.Unlock()
		return nil, nil, ErrNothingToRedo
	}
	rec := st.records[st.pos]
	c.mu.Unlock()

	doc, err := c.replay(ref, current, rec, rec.PreviousHash, rec.RedoPatch)
	if err != nil {
		return nil, nil, err
	}
	if !c.move(ref, rec, +1) {
		return nil, nil, ErrStaleHistory
	}
	if err := c.save(ctx, ref, doc); err != nil {
		c.move(ref, rec, -1)
		return nil, nil, err
	}
	return doc, rec, nil
}

func (c *UndoController) replay(ref entity.Ref, current any, rec *VersionRecord, expected string, p patch.Patch) (any, error) {
	if expected != "" {
		if got := c.cfg.Hashers.Hash(ref.Type, current); got != expected {
			if c.cfg.StrictHashes {
				return nil, fmt.Errorf("%w: version %s expects %s, document is %s", ErrStaleHistory, rec.ID, expected, got)
			}
			c.logger.Warn().
				Str("entity", ref.String()).
				Str("version", rec.ID).
				Str("expected", expected).
				Str("actual", got).
				Msg("document hash does not match version, replaying anyway")
		}
	}

	doc, err := patch.Apply(current, p)
	if err != nil {
		return nil, fmt.Errorf("replay version %s: %w", rec.ID, err)
	}
	return doc, nil
}

// move shifts the stack position by delta if rec is still the record at
// the edge being moved over.
func (c *UndoController) move(ref entity.Ref, rec *VersionRecord, delta int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.stacks[ref]
	if !ok {
		return false
	}
	switch delta {
	case -1:
		if st.pos == 0 || st.records[st.pos-1] != rec {
			return false
		}
	case +1:
		if st.pos >= len(st.records) || st.records[st.pos] != rec {
			return false
		}
	}
	st.pos += delta
	return true
}

func (c *UndoController) save(ctx context.Context, ref entity.Ref, doc any) error {
	if c.cfg.Guard != nil {
		c.cfg.Guard.Mark(ref)
	}
	if c.cfg.Save == nil {
		return nil
	}
	if err := c.cfg.Save(ctx, ref, doc); err != nil {
		// the mark stays until its timeout releases it
		return fmt.Errorf("save %s: %w", ref, err)
	}
	return nil
}
