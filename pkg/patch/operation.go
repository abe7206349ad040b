// Package patch implements JSON-Patch style diffing, inversion and application
// over arbitrary JSON documents.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// OpType represents the type of operation
type OpType string

const (
	OpAdd     OpType = "add"
	OpRemove  OpType = "remove"
	OpReplace OpType = "replace"
)

var (
	ErrPathNotFound = errors.New("path not found")
	ErrInvalidIndex = errors.New("invalid array index")
	ErrInvalidOp    = errors.New("invalid operation")
)

// Pointer is a parsed JSON pointer. The empty pointer addresses the document root.
type Pointer []string

// ParsePointer parses an RFC 6901 pointer such as "/0/children/2".
func ParsePointer(s string) (Pointer, error) {
	if s == "" {
		return Pointer{}, nil
	}
	if !strings.HasPrefix(s, "/") {
		return nil, fmt.Errorf("pointer %q must start with '/'", s)
	}
	parts := strings.Split(s[1:], "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return Pointer(parts), nil
}

func (p Pointer) String() string {
	var b strings.Builder
	for _, seg := range p {
		b.WriteByte('/')
		seg = strings.ReplaceAll(seg, "~", "~0")
		b.WriteString(strings.ReplaceAll(seg, "/", "~1"))
	}
	return b.String()
}

// Child returns a new pointer with seg appended. The receiver is never aliased.
func (p Pointer) Child(seg string) Pointer {
	out := make(Pointer, len(p), len(p)+1)
	copy(out, p)
	return append(out, seg)
}

// Index returns a new pointer with the array index i appended.
func (p Pointer) Index(i int) Pointer {
	return p.Child(strconv.Itoa(i))
}

// Parent returns the pointer without its last segment.
func (p Pointer) Parent() Pointer {
	if len(p) == 0 {
		return p
	}
	return p[:len(p)-1]
}

// Last returns the final segment, or "" for the root.
func (p Pointer) Last() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

func (p Pointer) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Pointer) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePointer(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Operation represents a single patch operation. Remove operations carry the
// removed value when it is known, which is informational only.
type Operation struct {
	Op    OpType  `json:"op"`
	Path  Pointer `json:"path"`
	Value any     `json:"value,omitempty"`
}

func (o Operation) String() string {
	return fmt.Sprintf("%s %s", o.Op, o.Path)
}

// Patch is an ordered list of operations. Operations are not commutative.
type Patch []Operation

// IsEmpty reports whether the patch has no operations.
func IsEmpty(p Patch) bool {
	return len(p) == 0
}

// ChangesState applies p to a copy of before and reports whether the result
// differs from before. A patch that fails to apply changes nothing.
func ChangesState(before any, p Patch) bool {
	if IsEmpty(p) {
		return false
	}
	after, err := Apply(before, p)
	if err != nil {
		return false
	}
	return !Equal(before, after)
}

// Apply applies the patch to a deep copy of doc and returns the result.
// doc itself is never modified.
func Apply(doc any, p Patch) (any, error) {
	out := Clone(doc)
	for i, op := range p {
		var err error
		out, err = applyOp(out, op)
		if err != nil {
			return nil, fmt.Errorf("operation %d (%s): %w", i, op, err)
		}
	}
	return out, nil
}

func applyOp(doc any, op Operation) (any, error) {
	if len(op.Path) == 0 {
		switch op.Op {
		case OpAdd, OpReplace:
			return Clone(op.Value), nil
		case OpRemove:
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrInvalidOp, op.Op)
	}

	parent, err := resolve(doc, op.Path.Parent())
	if err != nil {
		return nil, err
	}
	key := op.Path.Last()

	switch container := parent.(type) {
	case map[string]any:
		switch op.Op {
		case OpAdd:
			container[key] = Clone(op.Value)
		case OpReplace:
			if _, ok := container[key]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrPathNotFound, op.Path)
			}
			container[key] = Clone(op.Value)
		case OpRemove:
			if _, ok := container[key]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrPathNotFound, op.Path)
			}
			delete(container, key)
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidOp, op.Op)
		}
		return doc, nil

	case []any:
		updated, err := applyToArray(container, key, op)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op.Path, err)
		}
		// Arrays change length, so the new slice has to be stored back
		// into its own parent.
		return setAt(doc, op.Path.Parent(), updated)

	default:
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, op.Path)
	}
}

func applyToArray(arr []any, key string, op Operation) ([]any, error) {
	if op.Op == OpAdd && key == "-" {
		return append(arr, Clone(op.Value)), nil
	}
	idx, err := strconv.Atoi(key)
	if err != nil || idx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIndex, key)
	}

	switch op.Op {
	case OpAdd:
		if idx > len(arr) {
			return nil, fmt.Errorf("%w: %d (length %d)", ErrInvalidIndex, idx, len(arr))
		}
		out := make([]any, 0, len(arr)+1)
		out = append(out, arr[:idx]...)
		out = append(out, Clone(op.Value))
		return append(out, arr[idx:]...), nil
	case OpReplace:
		if idx >= len(arr) {
			return nil, fmt.Errorf("%w: %d (length %d)", ErrInvalidIndex, idx, len(arr))
		}
		arr[idx] = Clone(op.Value)
		return arr, nil
	case OpRemove:
		if idx >= len(arr) {
			return nil, fmt.Errorf("%w: %d (length %d)", ErrInvalidIndex, idx, len(arr))
		}
		out := make([]any, 0, len(arr)-1)
		out = append(out, arr[:idx]...)
		return append(out, arr[idx+1:]...), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidOp, op.Op)
}

// Get returns the value addressed by ptr.
func Get(doc any, ptr Pointer) (any, error) {
	return resolve(doc, ptr)
}

func resolve(doc any, ptr Pointer) (any, error) {
	cur := doc
	for i, seg := range ptr {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrPathNotFound, ptr[:i+1])
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("%w: %s", ErrInvalidIndex, ptr[:i+1])
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, ptr[:i+1])
		}
	}
	return cur, nil
}

func setAt(doc any, ptr Pointer, value any) (any, error) {
	if len(ptr) == 0 {
		return value, nil
	}
	parent, err := resolve(doc, ptr.Parent())
	if err != nil {
		return nil, err
	}
	switch node := parent.(type) {
	case map[string]any:
		node[ptr.Last()] = value
	case []any:
		idx, err := strconv.Atoi(ptr.Last())
		if err != nil || idx < 0 || idx >= len(node) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidIndex, ptr)
		}
		node[idx] = value
	default:
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, ptr)
	}
	return doc, nil
}
