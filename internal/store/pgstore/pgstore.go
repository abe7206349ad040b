// Package pgstore keeps version history in PostgreSQL.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"layer-editor/internal/entity"
	"layer-editor/internal/history"
)

const schema = `
CREATE TABLE IF NOT EXISTS versions (
	id            TEXT PRIMARY KEY,
	entity_type   TEXT NOT NULL,
	entity_id     TEXT NOT NULL,
	action_type   TEXT NOT NULL,
	description   TEXT NOT NULL,
	redo_patch    JSONB NOT NULL,
	undo_patch    JSONB NOT NULL,
	previous_hash TEXT NOT NULL DEFAULT '',
	current_hash  TEXT NOT NULL DEFAULT '',
	session_id    TEXT NOT NULL DEFAULT '',
	metadata      JSONB,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS versions_entity_idx ON versions (entity_type, entity_id, id DESC);
`

// Store implements history.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ history.Store = (*Store)(nil)

// Connect opens a pool for url and checks it with a ping.
func Connect(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the versions table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate versions: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) SaveVersion(ctx context.Context, rec *history.VersionRecord) (*history.VersionRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	stored := *rec
	stored.ID = history.NewVersionID()
	stored.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)

	redo, err := json.Marshal(stored.RedoPatch)
	if err != nil {
		return nil, err
	}
	undo, err := json.Marshal(stored.UndoPatch)
	if err != nil {
		return nil, err
	}
	var meta *string
	if stored.Metadata != nil {
		data, err := json.Marshal(stored.Metadata)
		if err != nil {
			return nil, err
		}
		m := string(data)
		meta = &m
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO versions (id, entity_type, entity_id, action_type, description,
			redo_patch, undo_patch, previous_hash, current_hash, session_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		stored.ID, string(stored.EntityType), stored.EntityID, stored.ActionType, stored.Description,
		string(redo), string(undo), stored.PreviousHash, stored.CurrentHash, stored.SessionID, meta, stored.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert version of %s: %w", stored.Ref(), err)
	}
	return &stored, nil
}

func (s *Store) ListVersions(ctx context.Context, ref entity.Ref, limit int) ([]*history.VersionRecord, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, entity_type, entity_id, action_type, description, redo_patch, undo_patch,
			previous_hash, current_hash, session_id, metadata, created_at
		FROM versions
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY id DESC
		LIMIT $3`,
		string(ref.Type), ref.ID, lim,
	)
	if err != nil {
		return nil, fmt.Errorf("query versions of %s: %w", ref, err)
	}

	recs, err := pgx.CollectRows(rows, scanVersion)
	if err != nil {
		return nil, fmt.Errorf("scan versions of %s: %w", ref, err)
	}
	return recs, nil
}

func scanVersion(row pgx.CollectableRow) (*history.VersionRecord, error) {
	var rec history.VersionRecord
	var entityType string
	var redo, undo, meta []byte
	err := row.Scan(&rec.ID, &entityType, &rec.EntityID, &rec.ActionType, &rec.Description,
		&redo, &undo, &rec.PreviousHash, &rec.CurrentHash, &rec.SessionID, &meta, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.EntityType = entity.Type(entityType)
	if err := json.Unmarshal(redo, &rec.RedoPatch); err != nil {
		return nil, fmt.Errorf("decode redo patch of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(undo, &rec.UndoPatch); err != nil {
		return nil, fmt.Errorf("decode undo patch of %s: %w", rec.ID, err)
	}
	if len(meta) > 0 {
		rec.Metadata = &history.Metadata{}
		if err := json.Unmarshal(meta, rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}
