// Package layers keeps the layer tree and components of one editing context
// in sync between sessions and routes local edits through version history.
package layers

import (
	"errors"
	"fmt"
	"strconv"

	"layer-editor/pkg/patch"
)

var (
	ErrLayerNotFound  = errors.New("layer not found")
	ErrDuplicateLayer = errors.New("layer already exists")
	ErrInvalidLayer   = errors.New("layer has no id")
)

// Layer is one node of a layer tree. Child layers live under "children".
type Layer = map[string]any

const childrenKey = "children"

// LayerID returns the id of l.
func LayerID(l Layer) string {
	id, _ := l["id"].(string)
	return id
}

func cloneTree(tree []any) []any {
	out, _ := patch.Clone(tree).([]any)
	if out == nil {
		out = []any{}
	}
	return out
}

func cloneLayer(l Layer) Layer {
	out, _ := patch.Clone(l).(map[string]any)
	return out
}

// FindLayer returns the layer with id and the pointer to it.
func FindLayer(tree []any, id string) (Layer, patch.Pointer, bool) {
	return find(tree, id, nil)
}

func find(list []any, id string, at patch.Pointer) (Layer, patch.Pointer, bool) {
	for i, v := range list {
		node, ok := v.(map[string]any)
		if !ok {
			continue
		}
		path := at.Index(i)
		if LayerID(node) == id {
			return node, path, true
		}
		if children, ok := node[childrenKey].([]any); ok {
			if l, p, ok := find(children, id, path.Child(childrenKey)); ok {
				return l, p, true
			}
		}
	}
	return nil, nil, false
}

// InsertLayer returns a copy of tree with layer inserted under parentID, or
// at the root when parentID is empty. An index outside the child list
// appends.
func InsertLayer(tree []any, parentID string, layer Layer, index int) ([]any, error) {
	id := LayerID(layer)
	if id == "" {
		return nil, ErrInvalidLayer
	}
	if _, _, exists := FindLayer(tree, id); exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateLayer, id)
	}

	out := cloneTree(tree)
	layer = cloneLayer(layer)
	if parentID == "" {
		return insertAt(out, layer, index), nil
	}
	parent, _, ok := FindLayer(out, parentID)
	if !ok {
		return nil, fmt.Errorf("parent %s: %w", parentID, ErrLayerNotFound)
	}
	children, _ := parent[childrenKey].([]any)
	parent[childrenKey] = insertAt(children, layer, index)
	return out, nil
}

func insertAt(list []any, v any, index int) []any {
	if index < 0 || index > len(list) {
		index = len(list)
	}
	list = append(list, nil)
	copy(list[index+1:], list[index:])
	list[index] = v
	return list
}

// ReplaceLayer returns a copy of tree with the layer carrying the same id as
// layer replaced by it. The existing children are kept when layer has none.
func ReplaceLayer(tree []any, layer Layer) ([]any, error) {
	id := LayerID(layer)
	if id == "" {
		return nil, ErrInvalidLayer
	}
	out := cloneTree(tree)
	node, _, ok := FindLayer(out, id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrLayerNotFound)
	}
	children, hadChildren := node[childrenKey]
	for k := range node {
		delete(node, k)
	}
	for k, v := range cloneLayer(layer) {
		node[k] = v
	}
	if _, has := node[childrenKey]; !has && hadChildren {
		node[childrenKey] = children
	}
	return out, nil
}

// RemoveLayer returns a copy of tree without the layer with id and its
// descendants, and the removed layer.
func RemoveLayer(tree []any, id string) ([]any, Layer, error) {
	out := cloneTree(tree)
	out, removed := remove(out, id)
	if removed == nil {
		return nil, nil, fmt.Errorf("%s: %w", id, ErrLayerNotFound)
	}
	return out, removed, nil
}

func remove(list []any, id string) ([]any, Layer) {
	for i, v := range list {
		node, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if LayerID(node) == id {
			return append(list[:i], list[i+1:]...), node
		}
		if children, ok := node[childrenKey].([]any); ok {
			if rest, removed := remove(children, id); removed != nil {
				node[childrenKey] = rest
				return list, removed
			}
		}
	}
	return list, nil
}

// ParentOf returns the id of the layer holding id, "" for a root layer, and
// its index among its siblings.
func ParentOf(tree []any, id string) (string, int, bool) {
	_, path, ok := FindLayer(tree, id)
	if !ok {
		return "", -1, false
	}
	index, _ := strconv.Atoi(path.Last())
	if len(path) == 1 {
		return "", index, true
	}
	parent, err := patch.Get(tree, path.Parent().Parent())
	if err != nil {
		return "", index, true
	}
	pid, _ := patch.NodeID(parent)
	return pid, index, true
}
