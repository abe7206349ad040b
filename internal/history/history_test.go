package history

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"

	"layer-editor/internal/clock"
	"layer-editor/internal/entity"
	"layer-editor/internal/selection"
	"layer-editor/internal/session"
	"layer-editor/pkg/patch"
)

var verbose = flag.Bool("history.verbose", false, "log recorder output")

func testLogger() zerolog.Logger {
	if *verbose {
		return zerolog.New(zerolog.NewConsoleWriter())
	}
	return zerolog.Nop()
}

func doc(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("bad fixture %q: %v", s, err)
	}
	return v
}

// flakyStore fails or panics on demand.
type flakyStore struct {
	*MemoryStore
	mu      sync.Mutex
	fail    bool
	panics  bool
	attempt int
}

func (s *flakyStore) SaveVersion(ctx context.Context, rec *VersionRecord) (*VersionRecord, error) {
	s.mu.Lock()
	s.attempt++
	fail, panics := s.fail, s.panics
	s.mu.Unlock()

	if panics {
		panic("store exploded")
	}
	if fail {
		return nil, errors.New("connection refused")
	}
	return s.MemoryStore.SaveVersion(ctx, rec)
}

func (s *flakyStore) set(fail, panics bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail, s.panics = fail, panics
}

type fixture struct {
	clock    *clock.Fake
	store    *flakyStore
	tracker  *selection.Tracker
	recorder *Recorder
	ref      entity.Ref
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:   clock.NewFake(time.Unix(1700000000, 0)),
		store:   &flakyStore{MemoryStore: NewMemoryStore()},
		tracker: selection.NewTracker(),
		ref:     entity.NewRef(entity.PageLayers, "home"),
	}
	logger := testLogger()
	f.recorder = NewRecorder(RecorderConfig{
		Store:     f.store,
		Guard:     NewGuard(GuardConfig{Clock: f.clock, Timeout: 10 * time.Second, Logger: logger}),
		Selection: f.tracker,
		Session:   session.Session{ID: "tab-1", UserID: "user-1"},
		Logger:    logger,
	})
	return f
}

func (f *fixture) versions(t *testing.T) []*VersionRecord {
	t.Helper()
	recs, err := f.store.ListVersions(context.Background(), f.ref, 0)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	return recs
}

func (f *fixture) cached(t *testing.T) any {
	t.Helper()
	v, ok := f.recorder.Cache().Get(f.ref)
	if !ok {
		t.Fatalf("no cached snapshot for %s", f.ref)
	}
	return v
}

func TestRecordFirstObservationSeeds(t *testing.T) {
	f := newFixture(t)
	rec := f.recorder.Record(context.Background(), f.ref, doc(t, `[{"id":"a"}]`))
	assert.Equal(t, rec == nil, true)
	assert.Equal(t, len(f.versions(t)), 0)
	assert.Equal(t, patch.Equal(f.cached(t), doc(t, `[{"id":"a"}]`)), true)
}

func TestRecordUnchangedPersistsNothing(t *testing.T) {
	f := newFixture(t)
	f.recorder.Seed(f.ref, doc(t, `[{"id":"a","name":"A"}]`))
	rec := f.recorder.Record(context.Background(), f.ref, doc(t, `[{"id":"a","name":"A"}]`))
	assert.Equal(t, rec == nil, true)
	assert.Equal(t, f.store.attempt, 0)
}

func TestRecordPersistsVersion(t *testing.T) {
	f := newFixture(t)
	saved := 0
	f.recorder.Events().Subscribe(func(ev VersionSaved) { saved++ })

	d0 := doc(t, `[]`)
	d1 := doc(t, `[{"id":"x","text":"hi"}]`)
	f.recorder.Seed(f.ref, d0)

	rec := f.recorder.Record(context.Background(), f.ref, d1)
	assert.NotEqual(t, rec, nil)
	assert.NotEqual(t, rec.ID, "")
	assert.Equal(t, rec.EntityType, entity.PageLayers)
	assert.Equal(t, rec.EntityID, "home")
	assert.Equal(t, rec.ActionType, ActionUpdate)
	assert.Equal(t, rec.SessionID, "tab-1")
	assert.Equal(t, rec.Description, "added 1 layer")
	assert.Equal(t, len(rec.RedoPatch), 1)
	assert.Equal(t, rec.RedoPatch[0].String(), "add /0")
	assert.Equal(t, patch.Equal(rec.RedoPatch[0].Value, doc(t, `{"id":"x","text":"hi"}`)), true)
	assert.Equal(t, len(rec.UndoPatch), 1)
	assert.Equal(t, rec.UndoPatch[0].String(), "remove /0")
	assert.Equal(t, rec.PreviousHash, TreeHash(d0))
	assert.Equal(t, rec.CurrentHash, TreeHash(d1))
	assert.Equal(t, rec.Metadata.Selection.LayerID, "x")

	assert.Equal(t, saved, 1)
	assert.Equal(t, len(f.versions(t)), 1)
	assert.Equal(t, len(f.recorder.History().Versions(f.ref)), 1)
	assert.Equal(t, patch.Equal(f.cached(t), d1), true)
}

func TestRecordDoesNotAliasCallerDocument(t *testing.T) {
	f := newFixture(t)
	current := map[string]any{"color": "red"}
	f.recorder.Seed(f.ref, current)
	current["color"] = "blue"

	rec := f.recorder.Record(context.Background(), f.ref, current)
	assert.NotEqual(t, rec, nil)
	assert.Equal(t, rec.RedoPatch[0].Value, "blue")
}

func TestGuardSuppressesUndoSave(t *testing.T) {
	f := newFixture(t)
	f.recorder.Seed(f.ref, doc(t, `{"title":"a"}`))

	f.recorder.Guard().Mark(f.ref)
	assert.Equal(t, f.recorder.Guard().IsSuppressed(f.ref), true)

	rec := f.recorder.Record(context.Background(), f.ref, doc(t, `{"title":"x"}`))
	assert.Equal(t, rec == nil, true)
	assert.Equal(t, len(f.versions(t)), 0)
	assert.Equal(t, patch.Equal(f.cached(t), doc(t, `{"title":"x"}`)), true)
	assert.Equal(t, f.recorder.Guard().IsSuppressed(f.ref), false)
	assert.Equal(t, f.clock.Pending(), 0)

	rec = f.recorder.Record(context.Background(), f.ref, doc(t, `{"title":"y"}`))
	assert.NotEqual(t, rec, nil)
	assert.Equal(t, rec.RedoPatch[0].Value, "y")
	assert.Equal(t, rec.UndoPatch[0].Value, "x")
}

func TestGuardTimeoutRestoresRecording(t *testing.T) {
	f := newFixture(t)
	f.recorder.Seed(f.ref, doc(t, `{"title":"a"}`))
	f.recorder.Guard().Mark(f.ref)

	f.clock.Advance(11 * time.Second)
	assert.Equal(t, f.recorder.Guard().IsSuppressed(f.ref), false)

	rec := f.recorder.Record(context.Background(), f.ref, doc(t, `{"title":"b"}`))
	assert.NotEqual(t, rec, nil)
	assert.Equal(t, len(f.versions(t)), 1)
}

func TestGuardRemarkRestartsDeadline(t *testing.T) {
	f := newFixture(t)
	g := f.recorder.Guard()
	g.Mark(f.ref)
	f.clock.Advance(8 * time.Second)
	g.Mark(f.ref)
	f.clock.Advance(8 * time.Second)
	assert.Equal(t, g.IsSuppressed(f.ref), true)
	assert.Equal(t, f.clock.Pending(), 1)

	f.clock.Advance(3 * time.Second)
	assert.Equal(t, g.IsSuppressed(f.ref), false)
	assert.Equal(t, g.Consume(f.ref), false)
}

func TestGuardIsPerEntity(t *testing.T) {
	f := newFixture(t)
	other := entity.NewRef(entity.Component, "button")
	f.recorder.Seed(f.ref, doc(t, `{"v":1}`))
	f.recorder.Seed(other, doc(t, `{"v":1}`))

	f.recorder.Guard().Mark(f.ref)
	rec := f.recorder.Record(context.Background(), other, doc(t, `{"v":2}`))
	assert.NotEqual(t, rec, nil)
	assert.Equal(t, f.recorder.Guard().IsSuppressed(f.ref), true)
}

func TestPersistFailureAdvancesBaseline(t *testing.T) {
	f := newFixture(t)
	f.recorder.Seed(f.ref, doc(t, `{"a":1}`))

	f.store.set(true, false)
	rec := f.recorder.Record(context.Background(), f.ref, doc(t, `{"a":2}`))
	assert.Equal(t, rec == nil, true)
	assert.Equal(t, patch.Equal(f.cached(t), doc(t, `{"a":2}`)), true)

	f.store.set(false, false)
	rec = f.recorder.Record(context.Background(), f.ref, doc(t, `{"a":3}`))
	assert.NotEqual(t, rec, nil)
	assert.Equal(t, rec.UndoPatch[0].Value, float64(2))
	assert.Equal(t, len(f.versions(t)), 1)
}

func TestRecordRecoversFromPanic(t *testing.T) {
	f := newFixture(t)
	f.recorder.Seed(f.ref, doc(t, `{"a":1}`))
	f.store.set(false, true)

	rec := f.recorder.Record(context.Background(), f.ref, doc(t, `{"a":2}`))
	assert.Equal(t, rec == nil, true)
	assert.Equal(t, patch.Equal(f.cached(t), doc(t, `{"a":2}`)), true)
}

func TestRecordSerializesPerEntity(t *testing.T) {
	f := newFixture(t)
	seed := doc(t, `{"items":[]}`)
	f.recorder.Seed(f.ref, seed)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			items := make([]any, i+1)
			for j := range items {
				items[j] = map[string]any{"id": string(rune('a' + j))}
			}
			f.recorder.Record(context.Background(), f.ref, map[string]any{"items": items})
		}(i)
	}
	wg.Wait()

	// Replaying every redo patch from the seed must land on the final baseline.
	versions := f.recorder.History().Versions(f.ref)
	state := seed
	for i := len(versions) - 1; i >= 0; i-- {
		var err error
		state, err = patch.Apply(state, versions[i].RedoPatch)
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, patch.Equal(state, f.cached(t)), true)
}

func TestSelectionMetadataUsesTracker(t *testing.T) {
	f := newFixture(t)
	f.recorder.Seed(f.ref, doc(t, `{"title":"a","layers":[{"id":"a"},{"id":"b"}]}`))
	f.tracker.Select(f.ref, "a")
	f.tracker.Select(f.ref, "b")

	rec := f.recorder.Record(context.Background(), f.ref, doc(t, `{"title":"b","layers":[{"id":"a"},{"id":"b"}]}`))
	assert.NotEqual(t, rec, nil)
	assert.Equal(t, rec.Metadata.Selection.LayerID, "b")
	assert.Equal(t, rec.Metadata.Selection.Reason, selection.ReasonCurrent)
}

func TestMemoryStoreNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ref := entity.NewRef(entity.LayerStyle, "s1")
	for i := 0; i < 3; i++ {
		_, err := s.SaveVersion(context.Background(), &VersionRecord{
			EntityType:  ref.Type,
			EntityID:    ref.ID,
			Description: string(rune('a' + i)),
			RedoPatch:   patch.Patch{{Op: patch.OpReplace, Path: patch.Pointer{}, Value: float64(i)}},
		})
		assert.Equal(t, err, nil)
	}
	recs, err := s.ListVersions(context.Background(), ref, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(recs), 2)
	assert.Equal(t, recs[0].Description, "c")
	assert.Equal(t, recs[1].Description, "b")
	assert.Equal(t, recs[0].ID > recs[1].ID, true)

	_, err = s.SaveVersion(context.Background(), &VersionRecord{EntityType: ref.Type, EntityID: ref.ID})
	assert.Equal(t, errors.Is(err, ErrInvalidRecord), true)
}

func TestHashers(t *testing.T) {
	a := doc(t, `[{"id":"a","name":"A","children":[{"id":"b"}]}]`)
	b := doc(t, `[{"name":"A","children":[{"id":"b"}],"id":"a"}]`)
	c := doc(t, `[{"id":"a","name":"A","children":[{"id":"c"}]}]`)

	assert.Equal(t, TreeHash(a), TreeHash(b))
	assert.NotEqual(t, TreeHash(a), TreeHash(c))
	assert.Equal(t, FlatHash(a), FlatHash(b))
	assert.NotEqual(t, FlatHash(a), TreeHash(a))

	h := DefaultHashers()
	assert.Equal(t, h.Hash(entity.PageLayers, a), TreeHash(a))
	assert.Equal(t, h.Hash(entity.CollectionItem, a), FlatHash(a))
	assert.Equal(t, h.Hash("unknown", a), FlatHash(a))
}

func TestForgetDropsBaselineAndMark(t *testing.T) {
	f := newFixture(t)
	f.recorder.Seed(f.ref, doc(t, `[{"id":"a"}]`))
	f.recorder.Guard().Mark(f.ref)

	f.recorder.Forget(f.ref)
	_, ok := f.recorder.Cache().Get(f.ref)
	assert.Equal(t, ok, false)
	assert.Equal(t, f.recorder.Guard().IsSuppressed(f.ref), false)

	// the next observation seeds again instead of diffing against stale state
	rec := f.recorder.Record(context.Background(), f.ref, doc(t, `[]`))
	assert.Equal(t, rec == nil, true)
	assert.Equal(t, len(f.versions(t)), 0)
}
