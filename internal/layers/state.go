package layers

import (
	"errors"
	"fmt"
	"strconv"

	"layer-editor/internal/broadcast"
	"layer-editor/pkg/patch"
)

// LayerChange is the data of layer_created and layer_updated broadcasts.
// Index places a created layer among its siblings; -1 appends.
type LayerChange struct {
	Layer Layer `json:"layer"`
	Index int   `json:"index"`
}

// State is a snapshot of one editing context: its layer tree and the
// components it uses. Reduce never modifies the state it is given.
type State struct {
	Tree       []any
	Components map[string]any
}

// Reduce applies a foreign broadcast to s. Created and updated layers are
// matched by id, so a redelivered create is applied as an update.
func Reduce(s State, env broadcast.Envelope) (State, error) {
	p := env.Payload
	switch env.Event {
	case broadcast.LayerCreated, broadcast.LayerUpdated:
		var ch LayerChange
		if err := p.Decode(&ch); err != nil {
			return s, fmt.Errorf("%s: %w", env.Event, err)
		}
		if ch.Layer == nil {
			return s, fmt.Errorf("%s: %w", env.Event, ErrInvalidLayer)
		}
		if LayerID(ch.Layer) == "" {
			ch.Layer["id"] = p.ID
		}

		tree, err := ReplaceLayer(s.Tree, ch.Layer)
		if errors.Is(err, ErrLayerNotFound) {
			index := ch.Index
			if env.Event == broadcast.LayerUpdated {
				index = -1
			}
			tree, err = InsertLayer(s.Tree, p.ParentID, ch.Layer, index)
		}
		if err != nil {
			return s, fmt.Errorf("%s %s: %w", env.Event, p.ID, err)
		}
		s.Tree = tree
		return s, nil

	case broadcast.LayerDeleted:
		tree, _, err := RemoveLayer(s.Tree, p.ID)
		if errors.Is(err, ErrLayerNotFound) {
			return s, nil
		}
		if err != nil {
			return s, err
		}
		s.Tree = tree
		return s, nil

	case broadcast.ComponentCreated, broadcast.ComponentUpdated:
		var doc any
		if err := p.Decode(&doc); err != nil {
			return s, fmt.Errorf("%s: %w", env.Event, err)
		}
		comps := copyComponents(s.Components)
		comps[p.ID] = doc
		s.Components = comps
		return s, nil

	case broadcast.ComponentDeleted:
		if _, ok := s.Components[p.ID]; !ok {
			return s, nil
		}
		comps := copyComponents(s.Components)
		delete(comps, p.ID)
		s.Components = comps
		return s, nil
	}
	return s, nil
}

func copyComponents(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Change is one broadcast describing part of a local edit.
type Change struct {
	Event    broadcast.Event
	ID       string
	ParentID string
	Data     any
}

// Changes translates a patch over a layer tree into the layer broadcasts
// that reproduce it on another session: node additions become creates at
// the same position, node removals become deletes, and every other
// operation updates the nearest enclosing layer with its final state.
func Changes(before []any, p patch.Patch) ([]Change, error) {
	var out []Change
	var doc any = cloneTree(before)
	var updated []string
	seen := make(map[string]bool)

	for _, op := range p {
		if len(op.Path) == 0 {
			// whole tree replaced
			next, err := patch.Apply(doc, patch.Patch{op})
			if err != nil {
				return nil, err
			}
			out = append(out, resync(doc, next)...)
			doc = next
			continue
		}

		container := op.Path.Parent()
		isChildList := len(container) == 0 || container.Last() == childrenKey

		switch {
		case isChildList && op.Op == patch.OpAdd && isLayer(op.Value):
			layer := op.Value.(map[string]any)
			out = append(out, Change{
				Event:    broadcast.LayerCreated,
				ID:       LayerID(layer),
				ParentID: parentAt(doc, container),
				Data:     LayerChange{Layer: cloneLayer(layer), Index: listIndex(op.Path)},
			})

		case isChildList && op.Op == patch.OpReplace && isLayer(op.Value):
			old, err := patch.Get(doc, op.Path)
			if err != nil {
				return nil, err
			}
			layer := op.Value.(map[string]any)
			oldID, hadLayer := patch.NodeID(old)
			if hadLayer && oldID == LayerID(layer) {
				if !seen[oldID] {
					seen[oldID] = true
					updated = append(updated, oldID)
				}
				break
			}
			if hadLayer {
				out = append(out, Change{Event: broadcast.LayerDeleted, ID: oldID, ParentID: parentAt(doc, container)})
			}
			out = append(out, Change{
				Event:    broadcast.LayerCreated,
				ID:       LayerID(layer),
				ParentID: parentAt(doc, container),
				Data:     LayerChange{Layer: cloneLayer(layer), Index: listIndex(op.Path)},
			})

		case isChildList && op.Op == patch.OpRemove:
			old, err := patch.Get(doc, op.Path)
			if err != nil {
				return nil, err
			}
			if id, ok := patch.NodeID(old); ok {
				out = append(out, Change{
					Event:    broadcast.LayerDeleted,
					ID:       id,
					ParentID: parentAt(doc, container),
				})
				break
			}
			fallthrough

		default:
			if id := nearestLayer(doc, op.Path); id != "" && !seen[id] {
				seen[id] = true
				updated = append(updated, id)
			}
		}

		next, err := patch.Apply(doc, patch.Patch{op})
		if err != nil {
			return nil, err
		}
		doc = next
	}

	final, _ := doc.([]any)
	for _, id := range updated {
		layer, _, ok := FindLayer(final, id)
		if !ok {
			continue
		}
		parent, _, _ := ParentOf(final, id)
		out = append(out, Change{
			Event:    broadcast.LayerUpdated,
			ID:       id,
			ParentID: parent,
			Data:     LayerChange{Layer: cloneLayer(layer), Index: -1},
		})
	}
	return out, nil
}

// listIndex returns the array index addressed by path, or -1 for "-".
func listIndex(path patch.Pointer) int {
	i, err := strconv.Atoi(path.Last())
	if err != nil {
		return -1
	}
	return i
}

func isLayer(v any) bool {
	_, ok := patch.NodeID(v)
	return ok
}

// parentAt returns the id of the layer owning the child list at
// container, or "" for the root list.
func parentAt(doc any, container patch.Pointer) string {
	if len(container) == 0 {
		return ""
	}
	owner, err := patch.Get(doc, container.Parent())
	if err != nil {
		return ""
	}
	id, _ := patch.NodeID(owner)
	return id
}

// nearestLayer returns the deepest layer id on path, or the layer being
// addressed when path ends at it.
func nearestLayer(doc any, path patch.Pointer) string {
	found := ""
	cur := doc
	for _, seg := range path {
		next, err := patch.Get(cur, patch.Pointer{seg})
		if err != nil {
			break
		}
		cur = next
		if id, ok := patch.NodeID(cur); ok {
			found = id
		}
	}
	return found
}

func resync(before, after any) []Change {
	var out []Change
	if list, ok := before.([]any); ok {
		for _, v := range list {
			if id, ok := patch.NodeID(v); ok {
				out = append(out, Change{Event: broadcast.LayerDeleted, ID: id})
			}
		}
	}
	if list, ok := after.([]any); ok {
		for i, v := range list {
			if layer, ok := v.(map[string]any); ok && LayerID(layer) != "" {
				out = append(out, Change{
					Event: broadcast.LayerCreated,
					ID:    LayerID(layer),
					Data:  LayerChange{Layer: cloneLayer(layer), Index: i},
				})
			}
		}
	}
	return out
}
