package collection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"

	"layer-editor/internal/broadcast"
	"layer-editor/internal/clock"
	"layer-editor/internal/session"
)

var errServerDown = errors.New("server down")

// stubAPI wraps a MemoryRepository, failing on demand and reporting what
// local state looked like while each request was in flight.
type stubAPI struct {
	*MemoryRepository
	fail     bool
	local    *Local
	inFlight []Item
}

func (a *stubAPI) observe(collectionID string) {
	if a.local != nil {
		a.inFlight = a.local.Items(collectionID)
	}
}

func (a *stubAPI) CreateItem(ctx context.Context, collectionID string, values Values) (Item, error) {
	a.observe(collectionID)
	if a.fail {
		return Item{}, errServerDown
	}
	return a.MemoryRepository.CreateItem(ctx, collectionID, values)
}

func (a *stubAPI) UpdateItem(ctx context.Context, id string, values Values) (Item, error) {
	a.observe("posts")
	if a.fail {
		return Item{}, errServerDown
	}
	return a.MemoryRepository.UpdateItem(ctx, id, values)
}

func (a *stubAPI) DeleteItem(ctx context.Context, id string) error {
	a.observe("posts")
	if a.fail {
		return errServerDown
	}
	return a.MemoryRepository.DeleteItem(ctx, id)
}

type fixture struct {
	clock *clock.Fake
	api   *stubAPI
	local *Local
	m     *Mutator
	seed  []Item
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	repo := NewMemoryRepository(clk)
	ctx := context.Background()

	var seed []Item
	for _, title := range []string{"first", "second", "third"} {
		it, err := repo.CreateItem(ctx, "posts", Values{"title": title})
		assert.Equal(t, err, nil)
		seed = append(seed, it)
	}

	local := NewLocal(State{})
	local.Load(Collection{ID: "posts", Name: "Posts", ItemCount: len(seed)}, seed)

	api := &stubAPI{MemoryRepository: repo, local: local}
	return &fixture{
		clock: clk,
		api:   api,
		local: local,
		m:     NewMutator(MutatorConfig{API: api, Local: local, Clock: clk}),
		seed:  seed,
	}
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestCreateOptimistic(t *testing.T) {
	f := newFixture(t)

	created, err := f.m.CreateOptimistic(context.Background(), "posts", Values{"title": "fourth"})
	assert.Equal(t, err, nil)
	assert.Equal(t, IsTemp(created.ID), false)

	// the temporary record was visible while the request ran
	assert.Equal(t, len(f.api.inFlight), 4)
	assert.Equal(t, IsTemp(f.api.inFlight[3].ID), true)
	assert.Equal(t, f.api.inFlight[3].Values["title"], "fourth")

	items := f.local.Items("posts")
	assert.Equal(t, ids(items), append(ids(f.seed), created.ID))
	assert.Equal(t, f.local.State().Count("posts"), 4)
}

func TestCreateOptimisticRollback(t *testing.T) {
	f := newFixture(t)
	f.api.fail = true
	before := f.local.State()

	_, err := f.m.CreateOptimistic(context.Background(), "posts", Values{"title": "lost"})
	assert.Equal(t, errors.Is(err, errServerDown), true)
	assert.Equal(t, len(f.api.inFlight), 4)

	after := f.local.State()
	assert.Equal(t, ids(after.Items["posts"]), ids(before.Items["posts"]))
	assert.Equal(t, after.Items["posts"], before.Items["posts"])
	assert.Equal(t, after.Count("posts"), 3)
}

func TestCreateOptimisticKeepsPosition(t *testing.T) {
	f := newFixture(t)
	clk := f.clock

	// a slow request during which another item lands after the temporary one
	api := &racingAPI{stubAPI: f.api, extra: Item{ID: "remote", CollectionID: "posts", CreatedAt: clk.Now()}}
	m := NewMutator(MutatorConfig{API: api, Local: f.local, Clock: clk})

	created, err := m.CreateOptimistic(context.Background(), "posts", Values{"title": "mine"})
	assert.Equal(t, err, nil)
	got := ids(f.local.Items("posts"))
	assert.Equal(t, got[3], created.ID)
	assert.Equal(t, got[4], "remote")
	assert.Equal(t, f.local.State().Count("posts"), 5)
}

type racingAPI struct {
	*stubAPI
	extra Item
}

func (a *racingAPI) CreateItem(ctx context.Context, collectionID string, values Values) (Item, error) {
	a.local.Update(func(s State) State {
		s, _ = s.WithItem(a.extra)
		return s.AddCount(collectionID, 1)
	})
	return a.stubAPI.CreateItem(ctx, collectionID, values)
}

func TestUpdateOptimistic(t *testing.T) {
	f := newFixture(t)
	target := f.seed[1]

	updated, err := f.m.UpdateOptimistic(context.Background(), "posts", target.ID, Values{"title": "edited"})
	assert.Equal(t, err, nil)
	assert.Equal(t, updated.Values["title"], "edited")
	assert.Equal(t, f.api.inFlight[1].Values["title"], "edited")

	it, idx, ok := f.local.State().Item("posts", target.ID)
	assert.Equal(t, ok, true)
	assert.Equal(t, idx, 1)
	assert.Equal(t, it.Values["title"], "edited")
}

func TestUpdateOptimisticRollback(t *testing.T) {
	f := newFixture(t)
	f.api.fail = true
	target := f.seed[1]

	_, err := f.m.UpdateOptimistic(context.Background(), "posts", target.ID, Values{"title": "edited"})
	assert.Equal(t, errors.Is(err, errServerDown), true)

	it, idx, _ := f.local.State().Item("posts", target.ID)
	assert.Equal(t, idx, 1)
	assert.Equal(t, it, target)

	_, err = f.m.UpdateOptimistic(context.Background(), "posts", "missing", Values{})
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
	_, err = f.m.UpdateOptimistic(context.Background(), "posts", "temp-1", Values{})
	assert.Equal(t, err, ErrPendingWrite)
}

func TestDeleteOptimistic(t *testing.T) {
	f := newFixture(t)

	err := f.m.DeleteOptimistic(context.Background(), "posts", f.seed[0].ID)
	assert.Equal(t, err, nil)
	assert.Equal(t, ids(f.api.inFlight), ids(f.seed[1:]))
	assert.Equal(t, ids(f.local.Items("posts")), ids(f.seed[1:]))
	assert.Equal(t, f.local.State().Count("posts"), 2)

	_, err = f.api.GetItem(context.Background(), f.seed[0].ID)
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
}

func TestDeleteOptimisticRollback(t *testing.T) {
	f := newFixture(t)
	f.api.fail = true
	before := f.local.State()

	err := f.m.DeleteOptimistic(context.Background(), "posts", f.seed[1].ID)
	assert.Equal(t, errors.Is(err, errServerDown), true)
	assert.Equal(t, len(f.api.inFlight), 2)

	after := f.local.State()
	assert.Equal(t, after.Items["posts"], before.Items["posts"])
	assert.Equal(t, after.Count("posts"), 3)
}

func envelope(t *testing.T, event broadcast.Event, user, id, parent string, data any) broadcast.Envelope {
	t.Helper()
	env, err := broadcast.NewEnvelope(event, user, time.Unix(1700000000, 0), id, parent, data)
	assert.Equal(t, err, nil)
	return env
}

func TestReduce(t *testing.T) {
	s := State{}
	var err error

	s, err = Reduce(s, envelope(t, broadcast.CollectionCreated, "u2", "posts", "", Collection{ID: "posts", Name: "Posts"}))
	assert.Equal(t, err, nil)
	s, err = Reduce(s, envelope(t, broadcast.ItemCreated, "u2", "a", "posts", Item{ID: "a", CollectionID: "posts", Values: Values{"n": 1.0}}))
	assert.Equal(t, err, nil)
	s, err = Reduce(s, envelope(t, broadcast.ItemCreated, "u2", "b", "posts", Item{ID: "b", CollectionID: "posts"}))
	assert.Equal(t, err, nil)
	assert.Equal(t, ids(s.Items["posts"]), []string{"a", "b"})
	assert.Equal(t, s.Count("posts"), 2)

	// updated replaces the whole record in place
	prev := s
	s, err = Reduce(s, envelope(t, broadcast.ItemUpdated, "u2", "a", "posts", Item{ID: "a", CollectionID: "posts", Values: Values{"m": 2.0}}))
	assert.Equal(t, err, nil)
	it, idx, _ := s.Item("posts", "a")
	assert.Equal(t, idx, 0)
	assert.Equal(t, it.Values, Values{"m": 2.0})
	assert.Equal(t, s.Count("posts"), 2)

	// the earlier snapshot is untouched
	old, _, _ := prev.Item("posts", "a")
	assert.Equal(t, old.Values, Values{"n": 1.0})

	s, err = Reduce(s, envelope(t, broadcast.ItemDeleted, "u2", "a", "posts", nil))
	assert.Equal(t, err, nil)
	assert.Equal(t, ids(s.Items["posts"]), []string{"b"})
	assert.Equal(t, s.Count("posts"), 1)

	s, err = Reduce(s, envelope(t, broadcast.CollectionDeleted, "u2", "posts", "", nil))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(s.Collections), 0)
	assert.Equal(t, len(s.Items["posts"]), 0)

	_, err = Reduce(s, broadcast.Envelope{Event: broadcast.ItemCreated, Payload: broadcast.Payload{ID: "x"}})
	assert.NotEqual(t, err, nil)

	same, err := Reduce(s, envelope(t, broadcast.LayerCreated, "u2", "l1", "", map[string]any{"id": "l1"}))
	assert.Equal(t, err, nil)
	assert.Equal(t, same, s)
}

func TestChannelIgnoresOwnBroadcasts(t *testing.T) {
	tr := broadcast.NewMemoryTransport()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	ctx := context.Background()

	newSide := func(user string) (*Local, *Channel, chan struct{}) {
		bridge := broadcast.NewBridge(broadcast.BridgeConfig{
			Transport: tr,
			Channel:   ChannelName,
			Session:   session.Session{ID: "tab-" + user, UserID: user},
			Clock:     clk,
		})
		local := NewLocal(State{})
		local.Load(Collection{ID: "posts"}, nil)
		ch := NewChannel(bridge, local, zerolog.Nop())

		applied := make(chan struct{}, 8)
		bridge.Handle(broadcast.ItemCreated, func(env broadcast.Envelope) {
			ch.apply(env)
			applied <- struct{}{}
		})
		assert.Equal(t, bridge.Open(ctx), nil)
		t.Cleanup(func() { bridge.Close() })
		return local, ch, applied
	}

	aliceLocal, aliceCh, aliceApplied := newSide("alice")
	bobLocal, _, bobApplied := newSide("bob")
	assert.Equal(t, aliceCh.Connected(), true)

	repo := NewMemoryRepository(clk)
	m := NewMutator(MutatorConfig{API: repo, Local: aliceLocal, Channel: aliceCh, Clock: clk})
	created, err := m.CreateOptimistic(ctx, "posts", Values{"title": "hello"})
	assert.Equal(t, err, nil)

	select {
	case <-bobApplied:
	case <-time.After(2 * time.Second):
		t.Fatal("bob never received the item")
	}
	assert.Equal(t, ids(bobLocal.Items("posts")), []string{created.ID})
	assert.Equal(t, bobLocal.State().Count("posts"), 1)

	select {
	case <-aliceApplied:
		t.Fatal("alice applied her own broadcast")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, ids(aliceLocal.Items("posts")), []string{created.ID})
	assert.Equal(t, aliceLocal.State().Count("posts"), 1)
}

func TestMemoryRepository(t *testing.T) {
	repo := NewMemoryRepository(clock.NewFake(time.Unix(1700000000, 0)))
	ctx := context.Background()

	a, _ := repo.CreateItem(ctx, "posts", Values{"title": "a"})
	b, _ := repo.CreateItem(ctx, "posts", Values{"title": "b"})
	_, err := repo.CreateItem(ctx, "", nil)
	assert.Equal(t, errors.Is(err, ErrInvalidItem), true)

	got, err := repo.UpdateItem(ctx, a.ID, Values{"draft": true})
	assert.Equal(t, err, nil)
	assert.Equal(t, got.Values, Values{"title": "a", "draft": true})

	assert.Equal(t, repo.DeleteItem(ctx, a.ID), nil)
	assert.Equal(t, errors.Is(repo.DeleteItem(ctx, a.ID), ErrNotFound), true)

	items, err := repo.ListItems(ctx, "posts")
	assert.Equal(t, err, nil)
	assert.Equal(t, ids(items), []string{b.ID})
}
