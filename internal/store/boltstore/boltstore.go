// Package boltstore keeps version history in an embedded bbolt file.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"layer-editor/internal/entity"
	"layer-editor/internal/history"
)

var versionsBucket = []byte("versions")

// Store implements history.Store. Records live in one sub-bucket per
// entity, keyed by their ULID so cursor order is creation order.
type Store struct {
	db     *bolt.DB
	logger zerolog.Logger
}

var _ history.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(versionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt %s: %w", path, err)
	}
	return &Store{db: db, logger: logger.With().Str("component", "boltstore").Logger()}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveVersion(ctx context.Context, rec *history.VersionRecord) (*history.VersionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	stored := *rec
	stored.ID = history.NewVersionID()
	stored.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("encode version: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(versionsBucket).CreateBucketIfNotExists([]byte(stored.Ref().String()))
		if err != nil {
			return err
		}
		return b.Put([]byte(stored.ID), data)
	})
	if err != nil {
		return nil, fmt.Errorf("save version of %s: %w", stored.Ref(), err)
	}
	return &stored, nil
}

func (s *Store) ListVersions(ctx context.Context, ref entity.Ref, limit int) ([]*history.VersionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*history.VersionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(versionsBucket).Bucket([]byte(ref.String()))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec history.VersionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				s.logger.Warn().Err(err).Str("key", string(k)).Msg("skipping undecodable version")
				continue
			}
			out = append(out, &rec)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", ref, err)
	}
	return out, nil
}
