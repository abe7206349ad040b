package sqlstore

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/google/uuid"

	"layer-editor/internal/collection"
)

func TestFieldsValuer(t *testing.T) {
	v, err := Fields{"title": "a"}.Value()
	assert.Equal(t, err, nil)
	assert.Equal(t, string(v.([]byte)), `{"title":"a"}`)

	v, err = Fields(nil).Value()
	assert.Equal(t, err, nil)
	assert.Equal(t, string(v.([]byte)), `{}`)

	var f Fields
	assert.Equal(t, f.Scan([]byte(`{"n":1}`)), nil)
	assert.Equal(t, f["n"], 1.0)
	assert.Equal(t, f.Scan(`{"s":"x"}`), nil)
	assert.Equal(t, f["s"], "x")
	assert.NotEqual(t, f.Scan(42), nil)
}

// Runs against a real database when EDITOR_TEST_DATABASE_URL is set.
func TestRepositoryAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("EDITOR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("EDITOR_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	repo, err := Open(ctx, dsn)
	assert.Equal(t, err, nil)
	defer repo.Close()
	assert.Equal(t, repo.Migrate(ctx), nil)

	col := "test-" + uuid.NewString()
	a, err := repo.CreateItem(ctx, col, collection.Values{"title": "a"})
	assert.Equal(t, err, nil)
	b, err := repo.CreateItem(ctx, col, collection.Values{"title": "b"})
	assert.Equal(t, err, nil)

	updated, err := repo.UpdateItem(ctx, a.ID, collection.Values{"draft": true})
	assert.Equal(t, err, nil)
	assert.Equal(t, updated.Values["title"], "a")
	assert.Equal(t, updated.Values["draft"], true)

	items, err := repo.ListItems(ctx, col)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(items), 2)
	assert.Equal(t, items[0].ID, a.ID)
	assert.Equal(t, items[1].ID, b.ID)

	assert.Equal(t, repo.DeleteItem(ctx, a.ID), nil)
	assert.Equal(t, errors.Is(repo.DeleteItem(ctx, a.ID), collection.ErrNotFound), true)
	_, err = repo.GetItem(ctx, a.ID)
	assert.Equal(t, errors.Is(err, collection.ErrNotFound), true)
	_, err = repo.UpdateItem(ctx, a.ID, nil)
	assert.Equal(t, errors.Is(err, collection.ErrNotFound), true)
}
