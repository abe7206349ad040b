package layers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"layer-editor/internal/clock"
	"layer-editor/internal/debounce"
	"layer-editor/internal/entity"
	"layer-editor/internal/history"
	"layer-editor/internal/selection"
	"layer-editor/pkg/patch"
)

// DefaultDebounce is the quiet period before a debounced property edit is
// committed.
const DefaultDebounce = 300 * time.Millisecond

// EditorConfig configures an Editor. Channel and Undo are optional.
type EditorConfig struct {
	Document  *Document
	Recorder  *history.Recorder
	Undo      *history.UndoController
	Channel   *Channel
	Selection *selection.Tracker
	Clock     clock.Clock
	Debounce  time.Duration
	Logger    zerolog.Logger
}

// Editor is the mutation path of one page: every local edit updates the
// document, is recorded as a version and is broadcast to other sessions.
type Editor struct {
	doc       *Document
	recorder  *history.Recorder
	undo      *history.UndoController
	channel   *Channel
	selection *selection.Tracker
	debouncer *debounce.Debouncer
	logger    zerolog.Logger

	pendingMu     sync.Mutex
	pendingID     string
	pendingFields map[string]any
}

// NewEditor creates an Editor and seeds the recorder with the current tree.
func NewEditor(cfg EditorConfig) *Editor {
	if cfg.Selection == nil {
		cfg.Selection = selection.NewTracker()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	e := &Editor{
		doc:       cfg.Document,
		recorder:  cfg.Recorder,
		undo:      cfg.Undo,
		channel:   cfg.Channel,
		selection: cfg.Selection,
		debouncer: debounce.New(cfg.Clock, cfg.Debounce),
		logger:    cfg.Logger.With().Str("component", "editor").Str("page", cfg.Document.pageID).Logger(),
	}
	e.doc.OnRemote(e.recorder.Seed)
	e.recorder.Seed(e.doc.Ref(), e.doc.Tree())
	return e
}

// Ref returns the page entity.
func (e *Editor) Ref() entity.Ref { return e.doc.Ref() }

// Document returns the edited document.
func (e *Editor) Document() *Document { return e.doc }

// Mutate applies fn to the tree, records the result and broadcasts it. It
// returns the recorded version, which is nil when nothing was persisted.
func (e *Editor) Mutate(ctx context.Context, fn func(tree []any) ([]any, error)) (*history.VersionRecord, error) {
	var rec *history.VersionRecord
	var changes []Change
	_, _, err := e.doc.Update(func(tree []any) ([]any, error) {
		before := cloneTree(tree)
		after, err := fn(tree)
		if err != nil {
			return nil, err
		}
		rec = e.recorder.Record(ctx, e.Ref(), after)
		changes = e.changes(before, after)
		return after, nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, changes)
	return rec, nil
}

// AddLayer inserts layer under parentID at index and selects it.
func (e *Editor) AddLayer(ctx context.Context, parentID string, layer Layer, index int) error {
	_, err := e.Mutate(ctx, func(tree []any) ([]any, error) {
		return InsertLayer(tree, parentID, layer, index)
	})
	if err != nil {
		return err
	}
	e.Select(LayerID(layer))
	return nil
}

// UpdateLayer sets fields on the layer with id.
func (e *Editor) UpdateLayer(ctx context.Context, id string, fields map[string]any) error {
	_, err := e.Mutate(ctx, func(tree []any) ([]any, error) {
		layer, _, ok := FindLayer(tree, id)
		if !ok {
			return nil, fmt.Errorf("%s: %w", id, ErrLayerNotFound)
		}
		for k, v := range fields {
			if k == "id" {
				continue
			}
			layer[k] = v
		}
		return tree, nil
	})
	return err
}

// UpdateLayerDebounced coalesces property edits on one layer and commits
// them once edits stop for the debounce delay. Edits queued for a layer are
// dropped when another layer is edited or selected first.
func (e *Editor) UpdateLayerDebounced(ctx context.Context, id string, fields map[string]any) {
	e.pendingMu.Lock()
	if e.pendingID != id || e.pendingFields == nil {
		e.pendingID = id
		e.pendingFields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		e.pendingFields[k] = v
	}
	e.pendingMu.Unlock()

	e.debouncer.Call(id, func() {
		e.pendingMu.Lock()
		queued := e.pendingFields
		e.pendingFields = nil
		e.pendingMu.Unlock()

		if len(queued) == 0 {
			return
		}
		if err := e.UpdateLayer(ctx, id, queued); err != nil {
			e.logger.Warn().Err(err).Str("layer", id).Msg("debounced update failed")
		}
	})
}

// FlushPending commits a queued debounced edit now.
func (e *Editor) FlushPending() {
	e.debouncer.Flush()
}

// RemoveLayer deletes the layer with id and its descendants.
func (e *Editor) RemoveLayer(ctx context.Context, id string) error {
	_, err := e.Mutate(ctx, func(tree []any) ([]any, error) {
		out, _, err := RemoveLayer(tree, id)
		return out, err
	})
	return err
}

// Select focuses the layer with id; "" clears the selection.
func (e *Editor) Select(id string) {
	e.pendingMu.Lock()
	if e.pendingID != id {
		e.pendingFields = nil
	}
	e.pendingMu.Unlock()
	e.debouncer.Focus(id)
	e.selection.Select(e.Ref(), id)
}

// Selected returns the selected layer id.
func (e *Editor) Selected() string {
	current, _ := e.selection.Selection(e.Ref())
	return current
}

// Undo reverts the latest version of the page.
func (e *Editor) Undo(ctx context.Context) (*history.VersionRecord, error) {
	return e.replay(ctx, e.undo.Undo, func(rec *history.VersionRecord) patch.Patch { return rec.UndoPatch })
}

// Redo reapplies the latest undone version of the page.
func (e *Editor) Redo(ctx context.Context) (*history.VersionRecord, error) {
	return e.replay(ctx, e.undo.Redo, func(rec *history.VersionRecord) patch.Patch { return rec.RedoPatch })
}

type replayFunc func(ctx context.Context, ref entity.Ref, current any) (any, *history.VersionRecord, error)

func (e *Editor) replay(ctx context.Context, step replayFunc, applied func(*history.VersionRecord) patch.Patch) (*history.VersionRecord, error) {
	if e.undo == nil {
		return nil, history.ErrNothingToUndo
	}
	e.dropPending()

	var rec *history.VersionRecord
	var changes []Change
	_, after, err := e.doc.Update(func(tree []any) ([]any, error) {
		doc, r, err := step(ctx, e.Ref(), tree)
		if err != nil {
			return nil, err
		}
		next, _ := doc.([]any)
		rec = r
		// the undo controller marked the guard, so this only moves the baseline
		e.recorder.Record(ctx, e.Ref(), next)
		changes = e.changes(tree, next)
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, changes)

	current, previous := e.selection.Selection(e.Ref())
	e.selection.Apply(e.Ref(), selection.Capture(applied(rec), after, current, previous))
	return rec, nil
}

// CreateComponent stores a new component and starts its history.
func (e *Editor) CreateComponent(ctx context.Context, id string, doc any) {
	ref := entity.NewRef(entity.Component, id)
	e.doc.SetComponent(id, doc)
	e.recorder.Seed(ref, doc)
	if e.channel != nil {
		e.channel.BroadcastComponentCreate(ctx, id, doc)
	}
}

// UpdateComponent replaces the component with id and records the change.
func (e *Editor) UpdateComponent(ctx context.Context, id string, doc any) *history.VersionRecord {
	ref := entity.NewRef(entity.Component, id)
	e.doc.SetComponent(id, doc)
	rec := e.recorder.Record(ctx, ref, doc)
	if e.channel != nil {
		e.channel.BroadcastComponentUpdate(ctx, id, doc)
	}
	return rec
}

// DeleteComponent removes the component with id and drops its baseline.
func (e *Editor) DeleteComponent(ctx context.Context, id string) {
	if !e.doc.DeleteComponent(id) {
		return
	}
	e.recorder.Forget(entity.NewRef(entity.Component, id))
	if e.channel != nil {
		e.channel.BroadcastComponentDelete(ctx, id)
	}
}

// Close drops pending edits, the diff baseline and the selection of the page.
func (e *Editor) Close() {
	e.dropPending()
	e.doc.OnRemote(nil)
	e.recorder.Forget(e.Ref())
	e.selection.Remove(e.Ref())
}

func (e *Editor) dropPending() {
	e.debouncer.Cancel()
	e.pendingMu.Lock()
	e.pendingFields = nil
	e.pendingMu.Unlock()
}

func (e *Editor) changes(before, after []any) []Change {
	if e.channel == nil {
		return nil
	}
	changes, err := Changes(before, patch.Diff(before, after))
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to derive broadcasts")
		return nil
	}
	return changes
}

func (e *Editor) publish(ctx context.Context, changes []Change) {
	if e.channel == nil || len(changes) == 0 {
		return
	}
	// failures are logged by the bridge
	e.channel.Publish(ctx, changes)
}
