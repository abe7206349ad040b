// Package collection holds the client-side state of CMS collections and
// their items, keeps it in sync with other sessions and applies local edits
// optimistically.
package collection

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidItem  = errors.New("invalid item")
	ErrPendingWrite = errors.New("item has not been persisted yet")
)

// Values are the field values of an item keyed by field name.
type Values map[string]any

// Clone returns a shallow copy of v.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Merge returns a copy of v with every field of other set on it.
func (v Values) Merge(other Values) Values {
	out := v.Clone()
	if out == nil {
		out = make(Values, len(other))
	}
	for k, val := range other {
		out[k] = val
	}
	return out
}

type Collection struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ItemCount int       `json:"itemCount"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Item struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collectionId"`
	Values       Values    `json:"values"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Validate checks the fields every stored item needs.
func (it Item) Validate() error {
	if it.ID == "" {
		return errors.Join(ErrInvalidItem, errors.New("missing id"))
	}
	if it.CollectionID == "" {
		return errors.Join(ErrInvalidItem, errors.New("missing collection id"))
	}
	return nil
}

const tempPrefix = "temp-"

// IsTemp reports whether id was assigned locally and not yet replaced by the
// server's id.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}

// API is the request/response persistence path for items.
type API interface {
	CreateItem(ctx context.Context, collectionID string, values Values) (Item, error)
	UpdateItem(ctx context.Context, id string, values Values) (Item, error)
	DeleteItem(ctx context.Context, id string) error
}

// Repository is the server side store of items.
type Repository interface {
	API
	GetItem(ctx context.Context, id string) (Item, error)
	ListItems(ctx context.Context, collectionID string) ([]Item, error)
}
