// Package sqlstore keeps collection items in PostgreSQL through sqlx.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"layer-editor/internal/collection"
)

const schema = `
CREATE TABLE IF NOT EXISTS collection_items (
	id            TEXT PRIMARY KEY,
	collection_id TEXT NOT NULL,
	fields        JSONB NOT NULL DEFAULT '{}',
	position      BIGSERIAL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS collection_items_collection_idx ON collection_items (collection_id, position);
`

const columns = `id, collection_id, fields, created_at, updated_at`

// Fields stores item values as a jsonb column.
type Fields collection.Values

func (f Fields) Value() (driver.Value, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(f)
}

func (f *Fields) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*f = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scan fields: unsupported type %T", src)
	}
	*f = nil
	return json.Unmarshal(data, f)
}

type itemRow struct {
	ID           string    `db:"id"`
	CollectionID string    `db:"collection_id"`
	Fields       Fields    `db:"fields"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r itemRow) item() collection.Item {
	return collection.Item{
		ID:           r.ID,
		CollectionID: r.CollectionID,
		Values:       collection.Values(r.Fields),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

// Repository implements collection.Repository.
type Repository struct {
	db *sqlx.DB
}

var _ collection.Repository = (*Repository)(nil)

// Open connects to dsn with the lib/pq driver.
func Open(ctx context.Context, dsn string) (*Repository, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return New(db), nil
}

// New wraps an open database.
func New(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// Migrate creates the items table if it does not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate collection_items: %w", err)
	}
	return nil
}

func (r *Repository) CreateItem(ctx context.Context, collectionID string, values collection.Values) (collection.Item, error) {
	if collectionID == "" {
		return collection.Item{}, fmt.Errorf("%w: missing collection id", collection.ErrInvalidItem)
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	row := itemRow{
		ID:           uuid.NewString(),
		CollectionID: collectionID,
		Fields:       Fields(values),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO collection_items (id, collection_id, fields, created_at, updated_at)
		VALUES (:id, :collection_id, :fields, :created_at, :updated_at)`, row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return collection.Item{}, fmt.Errorf("%w: duplicate id %s", collection.ErrInvalidItem, row.ID)
		}
		return collection.Item{}, fmt.Errorf("insert item: %w", err)
	}
	if row.Fields == nil {
		row.Fields = Fields{}
	}
	return row.item(), nil
}

// UpdateItem merges values into the stored fields.
func (r *Repository) UpdateItem(ctx context.Context, id string, values collection.Values) (collection.Item, error) {
	var row itemRow
	err := r.db.GetContext(ctx, &row, `
		UPDATE collection_items
		SET fields = fields || $2::jsonb, updated_at = $3
		WHERE id = $1
		RETURNING `+columns,
		id, Fields(values), time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return collection.Item{}, fmt.Errorf("item %s: %w", id, collection.ErrNotFound)
	}
	if err != nil {
		return collection.Item{}, fmt.Errorf("update item %s: %w", id, err)
	}
	return row.item(), nil
}

func (r *Repository) DeleteItem(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM collection_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("item %s: %w", id, collection.ErrNotFound)
	}
	return nil
}

func (r *Repository) GetItem(ctx context.Context, id string) (collection.Item, error) {
	var row itemRow
	err := r.db.GetContext(ctx, &row, `SELECT `+columns+` FROM collection_items WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return collection.Item{}, fmt.Errorf("item %s: %w", id, collection.ErrNotFound)
	}
	if err != nil {
		return collection.Item{}, fmt.Errorf("get item %s: %w", id, err)
	}
	return row.item(), nil
}

func (r *Repository) ListItems(ctx context.Context, collectionID string) ([]collection.Item, error) {
	var rows []itemRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+columns+` FROM collection_items
		WHERE collection_id = $1
		ORDER BY position`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("list items of %s: %w", collectionID, err)
	}
	items := make([]collection.Item, len(rows))
	for i, row := range rows {
		items[i] = row.item()
	}
	return items, nil
}
