package patch

import (
	"fmt"
	"strings"
)

// Describe returns a short human readable summary of the patch for history
// listings, e.g. "added 1 layer, updated 3 properties".
func Describe(p Patch) string {
	if IsEmpty(p) {
		return "no changes"
	}

	added := make(map[string]bool)
	removed := make(map[string]bool)
	var addOrder, removeOrder []string
	properties := make(map[string]bool)

	for _, op := range p {
		id, isNode := NodeID(op.Value)
		switch {
		case isNode && op.Op == OpAdd:
			if !added[id] {
				added[id] = true
				addOrder = append(addOrder, id)
			}
		case isNode && op.Op == OpRemove:
			if !removed[id] {
				removed[id] = true
				removeOrder = append(removeOrder, id)
			}
		default:
			properties[op.Path.String()] = true
		}
	}

	var moved, adds, removes int
	for _, id := range addOrder {
		if removed[id] {
			moved++
		} else {
			adds++
		}
	}
	for _, id := range removeOrder {
		if !added[id] {
			removes++
		}
	}

	var parts []string
	if adds > 0 {
		parts = append(parts, "added "+plural(adds, "layer"))
	}
	if removes > 0 {
		parts = append(parts, "removed "+plural(removes, "layer"))
	}
	if moved > 0 {
		parts = append(parts, "moved "+plural(moved, "layer"))
	}
	if n := len(properties); n > 0 {
		parts = append(parts, "updated "+plural(n, "property"))
	}
	return strings.Join(parts, ", ")
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	if strings.HasSuffix(noun, "y") {
		return fmt.Sprintf("%d %sies", n, strings.TrimSuffix(noun, "y"))
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
