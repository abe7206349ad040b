package patch

// maxLCSCells bounds the table used to match keyed arrays. Larger arrays fall
// back to removing and re-adding every element outside the common prefix and
// suffix, which is correct but not minimal.
const maxLCSCells = 1 << 22

// Diff generates the ordered operations that transform before into after.
// Inputs are not modified.
func Diff(before, after any) Patch {
	var out Patch
	diffValue(&out, Pointer{}, Clone(before), Clone(after))
	return out
}

func diffValue(out *Patch, path Pointer, a, b any) {
	if Equal(a, b) {
		return
	}
	switch x := a.(type) {
	case map[string]any:
		if y, ok := b.(map[string]any); ok {
			diffObject(out, path, x, y)
			return
		}
	case []any:
		if y, ok := b.([]any); ok {
			diffArray(out, path, x, y)
			return
		}
	}
	*out = append(*out, Operation{Op: OpReplace, Path: path, Value: b})
}

func diffObject(out *Patch, path Pointer, a, b map[string]any) {
	union := make(map[string]any, len(a)+len(b))
	for k := range a {
		union[k] = nil
	}
	for k := range b {
		union[k] = nil
	}
	for _, k := range sortedKeys(union) {
		av, inA := a[k]
		bv, inB := b[k]
		switch {
		case inA && !inB:
			*out = append(*out, Operation{Op: OpRemove, Path: path.Child(k), Value: av})
		case !inA && inB:
			*out = append(*out, Operation{Op: OpAdd, Path: path.Child(k), Value: bv})
		default:
			diffValue(out, path.Child(k), av, bv)
		}
	}
}

func diffArray(out *Patch, path Pointer, a, b []any) {
	aIDs, aKeyed := keyedIDs(a)
	bIDs, bKeyed := keyedIDs(b)
	if aKeyed && bKeyed {
		diffKeyed(out, path, a, b, aIDs, bIDs)
		return
	}
	diffIndexed(out, path, a, b)
}

func diffIndexed(out *Patch, path Pointer, a, b []any) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		diffValue(out, path.Index(i), a[i], b[i])
	}
	// Remove from the tail so earlier indices stay valid.
	for i := len(a) - 1; i >= n; i-- {
		*out = append(*out, Operation{Op: OpRemove, Path: path.Index(i), Value: a[i]})
	}
	for i := n; i < len(b); i++ {
		*out = append(*out, Operation{Op: OpAdd, Path: path.Index(i), Value: b[i]})
	}
}

// diffKeyed matches elements by id. Elements on the longest common
// subsequence of ids stay in place and are diffed recursively, everything
// else is removed from a and added at its position in b.
func diffKeyed(out *Patch, path Pointer, a, b []any, aIDs, bIDs []string) {
	stay := commonIDs(aIDs, bIDs)

	byID := make(map[string]any, len(a))
	for i := len(a) - 1; i >= 0; i-- {
		if stay[aIDs[i]] {
			byID[aIDs[i]] = a[i]
			continue
		}
		*out = append(*out, Operation{Op: OpRemove, Path: path.Index(i), Value: a[i]})
	}

	for j, bv := range b {
		id := bIDs[j]
		if stay[id] {
			diffValue(out, path.Index(j), byID[id], bv)
			continue
		}
		*out = append(*out, Operation{Op: OpAdd, Path: path.Index(j), Value: bv})
	}
}

// keyedIDs returns the element ids when every element is an object with a
// unique, non-empty string id.
func keyedIDs(arr []any) ([]string, bool) {
	if len(arr) == 0 {
		return nil, false
	}
	ids := make([]string, len(arr))
	seen := make(map[string]bool, len(arr))
	for i, v := range arr {
		id, ok := NodeID(v)
		if !ok || seen[id] {
			return nil, false
		}
		seen[id] = true
		ids[i] = id
	}
	return ids, true
}

// commonIDs returns the ids on a longest common subsequence of a and b.
func commonIDs(a, b []string) map[string]bool {
	stay := make(map[string]bool)

	// common prefix and suffix never need the table
	lo := 0
	for lo < len(a) && lo < len(b) && a[lo] == b[lo] {
		stay[a[lo]] = true
		lo++
	}
	ha, hb := len(a), len(b)
	for ha > lo && hb > lo && a[ha-1] == b[hb-1] {
		stay[a[ha-1]] = true
		ha--
		hb--
	}
	ma, mb := a[lo:ha], b[lo:hb]
	if len(ma) == 0 || len(mb) == 0 || len(ma)*len(mb) > maxLCSCells {
		return stay
	}

	// table[i][j] = LCS length of ma[i:] and mb[j:]
	table := make([][]int, len(ma)+1)
	for i := range table {
		table[i] = make([]int, len(mb)+1)
	}
	for i := len(ma) - 1; i >= 0; i-- {
		for j := len(mb) - 1; j >= 0; j-- {
			if ma[i] == mb[j] {
				table[i][j] = table[i+1][j+1] + 1
			} else if table[i+1][j] >= table[i][j+1] {
				table[i][j] = table[i+1][j]
			} else {
				table[i][j] = table[i][j+1]
			}
		}
	}
	for i, j := 0, 0; i < len(ma) && j < len(mb); {
		switch {
		case ma[i] == mb[j]:
			stay[ma[i]] = true
			i++
			j++
		case table[i+1][j] >= table[i][j+1]:
			i++
		default:
			j++
		}
	}
	return stay
}
