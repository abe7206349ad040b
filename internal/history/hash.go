package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"layer-editor/internal/entity"
	"layer-editor/pkg/patch"
)

// HashFunc is a deterministic content hash of a document.
type HashFunc func(doc any) string

// Hashers maps entity types to their hash function.
type Hashers map[entity.Type]HashFunc

// DefaultHashers hashes layer trees and components structurally and flat
// documents by their canonical encoding.
func DefaultHashers() Hashers {
	return Hashers{
		entity.PageLayers:     TreeHash,
		entity.Component:      TreeHash,
		entity.LayerStyle:     FlatHash,
		entity.CollectionItem: FlatHash,
	}
}

// Hash hashes doc with the function registered for t, or FlatHash.
func (h Hashers) Hash(t entity.Type, doc any) string {
	if fn, ok := h[t]; ok && fn != nil {
		return fn(doc)
	}
	return FlatHash(doc)
}

// FlatHash hashes the canonical JSON encoding of doc. encoding/json writes
// object keys sorted, so equal documents hash equally.
func FlatHash(doc any) string {
	data, err := json.Marshal(patch.Clone(doc))
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// TreeHash hashes doc bottom-up: every node's hash combines its scalar
// fields with the hashes of its children, so two trees hash equally iff
// they have the same shape and content.
func TreeHash(doc any) string {
	return fmt.Sprintf("%016x", treeHash(patch.Clone(doc)))
}

func treeHash(v any) uint64 {
	d := xxhash.New()
	var buf [8]byte
	switch x := v.(type) {
	case map[string]any:
		d.WriteString("{")
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			d.WriteString(k)
			binary.LittleEndian.PutUint64(buf[:], treeHash(x[k]))
			d.Write(buf[:])
		}
		d.WriteString("}")
	case []any:
		d.WriteString("[")
		for _, child := range x {
			binary.LittleEndian.PutUint64(buf[:], treeHash(child))
			d.Write(buf[:])
		}
		d.WriteString("]")
	default:
		data, _ := json.Marshal(x)
		d.Write(data)
	}
	return d.Sum64()
}
