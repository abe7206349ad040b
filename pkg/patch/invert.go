package patch

import (
	"fmt"
	"strconv"
)

// Invert computes the patch that turns Apply(before, forward) back into before.
//
// Each forward operation is inverted against the document state it actually
// sees, so replaced and removed values are restored from before and adds into
// arrays become removals at the index they landed on. The per-operation
// inverses are then emitted in reverse order.
func Invert(before any, forward Patch) (Patch, error) {
	doc := Clone(before)
	inverse := make(Patch, 0, len(forward))

	for i, op := range forward {
		inv, err := invertOp(doc, op)
		if err != nil {
			return nil, fmt.Errorf("invert operation %d (%s): %w", i, op, err)
		}
		doc, err = applyOp(doc, op)
		if err != nil {
			return nil, fmt.Errorf("invert operation %d (%s): %w", i, op, err)
		}
		inverse = append(inverse, inv)
	}

	for l, r := 0, len(inverse)-1; l < r; l, r = l+1, r-1 {
		inverse[l], inverse[r] = inverse[r], inverse[l]
	}
	return inverse, nil
}

func invertOp(doc any, op Operation) (Operation, error) {
	if len(op.Path) == 0 {
		return Operation{Op: OpReplace, Path: Pointer{}, Value: Clone(doc)}, nil
	}

	switch op.Op {
	case OpAdd:
		parent, err := resolve(doc, op.Path.Parent())
		if err != nil {
			return Operation{}, err
		}
		switch container := parent.(type) {
		case []any:
			idx := len(container)
			if op.Path.Last() != "-" {
				idx, err = strconv.Atoi(op.Path.Last())
				if err != nil {
					return Operation{}, fmt.Errorf("%w: %q", ErrInvalidIndex, op.Path.Last())
				}
			}
			return Operation{Op: OpRemove, Path: op.Path.Parent().Index(idx), Value: Clone(op.Value)}, nil
		case map[string]any:
			// add on an existing key behaves like replace
			if old, ok := container[op.Path.Last()]; ok {
				return Operation{Op: OpReplace, Path: op.Path, Value: Clone(old)}, nil
			}
			return Operation{Op: OpRemove, Path: op.Path, Value: Clone(op.Value)}, nil
		}
		return Operation{}, fmt.Errorf("%w: %s", ErrPathNotFound, op.Path)

	case OpRemove:
		old, err := resolve(doc, op.Path)
		if err != nil {
			return Operation{}, err
		}
		return Operation{Op: OpAdd, Path: op.Path, Value: Clone(old)}, nil

	case OpReplace:
		old, err := resolve(doc, op.Path)
		if err != nil {
			return Operation{}, err
		}
		return Operation{Op: OpReplace, Path: op.Path, Value: Clone(old)}, nil
	}
	return Operation{}, fmt.Errorf("%w: %q", ErrInvalidOp, op.Op)
}
