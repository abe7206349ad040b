// Package entity defines the key used for every independently versioned document.
package entity

import (
	"fmt"
	"strings"
)

// Type is the kind of versioned document.
type Type string

const (
	PageLayers     Type = "page_layers"
	Component      Type = "component"
	LayerStyle     Type = "layer_style"
	CollectionItem Type = "collection_item"
)

// Types lists every known entity type.
var Types = []Type{PageLayers, Component, LayerStyle, CollectionItem}

// Valid reports whether t is one of the known entity types.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Ref identifies one versioned document.
type Ref struct {
	Type Type   `json:"entityType"`
	ID   string `json:"entityId"`
}

// NewRef builds a Ref.
func NewRef(t Type, id string) Ref {
	return Ref{Type: t, ID: id}
}

func (r Ref) String() string {
	return string(r.Type) + ":" + r.ID
}

// Validate checks that the type is known and the id is set.
func (r Ref) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("unknown entity type %q", r.Type)
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("empty entity id for %s", r.Type)
	}
	return nil
}
