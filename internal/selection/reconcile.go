// Package selection infers which layer the user should have focused after a
// patch is applied, and tracks the local selection history per entity.
package selection

import (
	"layer-editor/pkg/patch"
)

// Reason records which rule produced the selection.
type Reason string

const (
	ReasonAdded      Reason = "added"
	ReasonReferenced Reason = "referenced"
	ReasonCurrent    Reason = "current"
	ReasonPrevious   Reason = "previous"
	ReasonNone       Reason = "none"
)

// Result is the inferred selection.
type Result struct {
	LayerID string `json:"layerId,omitempty"`
	Reason  Reason `json:"reason"`
}

// Capture picks the layer to select after p has been applied and produced
// doc. The first rule that matches wins:
//
//  1. the last node introduced by an add operation
//  2. the first node referenced by the patch that still exists in doc
//  3. the current selection, if it still exists
//  4. the previous selection, if it still exists
func Capture(p patch.Patch, doc any, current, previous string) Result {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i].Op != patch.OpAdd {
			continue
		}
		if id, ok := patch.NodeID(p[i].Value); ok {
			return Result{LayerID: id, Reason: ReasonAdded}
		}
	}

	for _, id := range referencedIDs(p) {
		if Exists(doc, id) {
			return Result{LayerID: id, Reason: ReasonReferenced}
		}
	}

	if current != "" && Exists(doc, current) {
		return Result{LayerID: current, Reason: ReasonCurrent}
	}
	if previous != "" && Exists(doc, previous) {
		return Result{LayerID: previous, Reason: ReasonPrevious}
	}
	return Result{Reason: ReasonNone}
}

// referencedIDs lists node ids carried by add and remove values and by
// replacements of an id field, in operation order.
func referencedIDs(p patch.Patch) []string {
	var ids []string
	for _, op := range p {
		switch op.Op {
		case patch.OpAdd, patch.OpRemove:
			if id, ok := patch.NodeID(op.Value); ok {
				ids = append(ids, id)
			}
		case patch.OpReplace:
			if op.Path.Last() == "id" {
				if id, ok := op.Value.(string); ok && id != "" {
					ids = append(ids, id)
				}
			}
		}
	}
	return ids
}

// Exists reports whether a node with the given id appears anywhere in doc.
func Exists(doc any, id string) bool {
	if id == "" {
		return false
	}
	switch node := doc.(type) {
	case map[string]any:
		if nodeID, ok := node["id"].(string); ok && nodeID == id {
			return true
		}
		for _, v := range node {
			if Exists(v, id) {
				return true
			}
		}
	case []any:
		for _, v := range node {
			if Exists(v, id) {
				return true
			}
		}
	}
	return false
}
