package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"layer-editor/internal/entity"
	"layer-editor/internal/selection"
	"layer-editor/internal/session"
	"layer-editor/pkg/patch"
)

// SelectionSource reports the caller's selection for an entity.
type SelectionSource interface {
	Selection(ref entity.Ref) (current, previous string)
}

// RecorderConfig holds the collaborators of a Recorder. Nil fields get
// fresh in-memory defaults, except Store which is required.
type RecorderConfig struct {
	Store     Store
	Cache     *Cache
	Guard     *Guard
	History   *History
	Events    *Events
	Hashers   Hashers
	Selection SelectionSource
	Session   session.Session
	Logger    zerolog.Logger
}

// Recorder turns document snapshots into version records.
type Recorder struct {
	store     Store
	cache     *Cache
	guard     *Guard
	history   *History
	events    *Events
	hashers   Hashers
	selection SelectionSource
	session   session.Session
	logger    zerolog.Logger

	locks refLocks
}

// NewRecorder creates a Recorder.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Cache == nil {
		cfg.Cache = NewCache()
	}
	if cfg.Guard == nil {
		cfg.Guard = NewGuard(GuardConfig{Logger: cfg.Logger})
	}
	if cfg.History == nil {
		cfg.History = NewHistory()
	}
	if cfg.Events == nil {
		cfg.Events = NewEvents()
	}
	if cfg.Hashers == nil {
		cfg.Hashers = DefaultHashers()
	}
	return &Recorder{
		store:     cfg.Store,
		cache:     cfg.Cache,
		guard:     cfg.Guard,
		history:   cfg.History,
		events:    cfg.Events,
		hashers:   cfg.Hashers,
		selection: cfg.Selection,
		session:   cfg.Session,
		logger:    cfg.Logger.With().Str("component", "recorder").Logger(),
		locks:     refLocks{locks: make(map[entity.Ref]*refLock)},
	}
}

func (r *Recorder) Cache() *Cache { return r.cache }
func (r *Recorder) Guard() *Guard { return r.guard }
func (r *Recorder) History() *History { return r.history }
func (r *Recorder) Events() *Events { return r.events }
func (r *Recorder) Hashers() Hashers { return r.hashers }
func (r *Recorder) Session() session.Session { return r.session }

// Seed sets the diff baseline for an entity that has just been loaded.
func (r *Recorder) Seed(ref entity.Ref, doc any) {
	unlock := r.locks.lock(ref)
	defer unlock()
	r.cache.Set(ref, doc)
}

// Forget drops the baseline and in-flight suppression of an entity.
func (r *Recorder) Forget(ref entity.Ref) {
	unlock := r.locks.lock(ref)
	defer unlock()
	r.cache.Delete(ref)
	r.guard.Consume(ref)
}

// Record diffs current against the cached baseline of ref and persists a
// version when something changed. It returns the stored record, or nil when
// nothing was persisted. Failures are logged and never returned: a lost
// history entry must not block the edit that produced it.
//
// Calls for the same entity are serialised.
func (r *Recorder) Record(ctx context.Context, ref entity.Ref, current any) (stored *VersionRecord) {
	unlock := r.locks.lock(ref)
	defer unlock()

	snapshot := patch.Clone(current)
	log := r.logger.With().Str("entity", ref.String()).Logger()

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("version recording failed")
			r.cache.Set(ref, snapshot)
			stored = nil
		}
	}()

	// An undo or redo triggered this save. Any mark, live or expired, is
	// consumed by the first observation.
	if r.guard.Consume(ref) {
		r.cache.Set(ref, snapshot)
		versionsSuppressedTotal.Inc()
		log.Debug().Msg("save suppressed by undo/redo guard")
		return nil
	}

	previous, ok := r.cache.Get(ref)
	if !ok {
		r.cache.Set(ref, snapshot)
		return nil
	}

	redo := patch.Diff(previous, snapshot)
	if patch.IsEmpty(redo) || !patch.ChangesState(previous, redo) {
		return nil
	}

	// From here on the baseline advances whatever happens to the record.
	defer r.cache.Set(ref, snapshot)

	rec, err := r.build(ref, previous, snapshot, redo)
	if err != nil {
		log.Warn().Err(err).Msg("failed to build version record")
		return nil
	}

	stored, err = r.store.SaveVersion(ctx, rec)
	if err != nil {
		versionPersistFailuresTotal.Inc()
		log.Warn().Err(err).Msg("failed to persist version")
		return nil
	}

	versionsRecordedTotal.Inc()
	r.history.Append(stored)
	r.events.publish(VersionSaved{Record: stored})
	log.Debug().Str("version", stored.ID).Str("description", stored.Description).Msg("version recorded")
	return stored
}

func (r *Recorder) build(ref entity.Ref, previous, current any, redo patch.Patch) (*VersionRecord, error) {
	undo, err := patch.Invert(previous, redo)
	if err != nil {
		return nil, fmt.Errorf("invert patch: %w", err)
	}

	var cur, prev string
	if r.selection != nil {
		cur, prev = r.selection.Selection(ref)
	}

	return &VersionRecord{
		EntityType:   ref.Type,
		EntityID:     ref.ID,
		ActionType:   ActionUpdate,
		Description:  patch.Describe(redo),
		RedoPatch:    redo,
		UndoPatch:    undo,
		PreviousHash: r.hashers.Hash(ref.Type, previous),
		CurrentHash:  r.hashers.Hash(ref.Type, current),
		SessionID:    r.session.ID,
		Metadata: &Metadata{
			Selection: selection.Capture(redo, current, cur, prev),
		},
	}, nil
}

// refLocks hands out one mutex per entity and drops it when unused.
type refLocks struct {
	mu    sync.Mutex
	locks map[entity.Ref]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (l *refLocks) lock(ref entity.Ref) func() {
	l.mu.Lock()
	rl, ok := l.locks[ref]
	if !ok {
		rl = &refLock{}
		l.locks[ref] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, ref)
		}
		l.mu.Unlock()
	}
}
