package selection

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"

	"layer-editor/internal/entity"
	"layer-editor/pkg/patch"
)

func doc(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return v
}

func TestCaptureSelectsLastAddedNode(t *testing.T) {
	before := doc(t, `[{"id":"a"},{"id":"b"}]`)
	p := patch.Patch{{Op: patch.OpAdd, Path: patch.Pointer{"2"}, Value: map[string]any{"id": "c"}}}
	after, err := patch.Apply(before, p)
	assert.Equal(t, err, nil)

	r := Capture(p, after, "a", "")
	assert.Equal(t, r.LayerID, "c")
	assert.Equal(t, r.Reason, ReasonAdded)

	p = append(p, patch.Operation{Op: patch.OpAdd, Path: patch.Pointer{"3"}, Value: map[string]any{"id": "d"}})
	assert.Equal(t, Capture(p, after, "", "").LayerID, "d")
}

func TestCaptureRemovedSelectionFallsBackToPrevious(t *testing.T) {
	before := doc(t, `[{"id":"a"},{"id":"b"}]`)
	p := patch.Diff(before, doc(t, `[{"id":"a"}]`))
	after, err := patch.Apply(before, p)
	assert.Equal(t, err, nil)

	r := Capture(p, after, "b", "a")
	assert.Equal(t, r.LayerID, "a")
	assert.Equal(t, r.Reason, ReasonPrevious)

	r = Capture(p, after, "b", "")
	assert.Equal(t, r.LayerID, "")
	assert.Equal(t, r.Reason, ReasonNone)
}

func TestCaptureReferencedNode(t *testing.T) {
	after := doc(t, `[{"id":"a"},{"id":"b2"}]`)
	p := patch.Patch{{Op: patch.OpReplace, Path: patch.Pointer{"1", "id"}, Value: "b2"}}

	r := Capture(p, after, "a", "")
	assert.Equal(t, r.LayerID, "b2")
	assert.Equal(t, r.Reason, ReasonReferenced)
}

func TestCapturePropertyReplaceKeepsCurrent(t *testing.T) {
	after := doc(t, `[{"id":"a"},{"id":"b","text":"new"}]`)
	p := patch.Patch{{Op: patch.OpReplace, Path: patch.Pointer{"1", "text"}, Value: "new"}}

	r := Capture(p, after, "a", "")
	assert.Equal(t, r.LayerID, "a")
	assert.Equal(t, r.Reason, ReasonCurrent)
}

func TestCaptureNestedRemoveFallsBackToPrevious(t *testing.T) {
	before := doc(t, `[{"id":"a","children":[{"id":"b"}]},{"id":"z"}]`)
	p := patch.Diff(before, doc(t, `[{"id":"a","children":[]},{"id":"z"}]`))
	assert.Equal(t, len(p), 1)
	assert.Equal(t, p[0].String(), "remove /0/children/0")
	after, err := patch.Apply(before, p)
	assert.Equal(t, err, nil)

	r := Capture(p, after, "b", "z")
	assert.Equal(t, r.LayerID, "z")
	assert.Equal(t, r.Reason, ReasonPrevious)

	r = Capture(p, after, "b", "")
	assert.Equal(t, r.Reason, ReasonNone)
}

func TestCaptureReplacedID(t *testing.T) {
	after := doc(t, `{"layers":[{"id":"renamed"}]}`)
	p := patch.Patch{{Op: patch.OpReplace, Path: patch.Pointer{"layers", "0", "id"}, Value: "renamed"}}
	assert.Equal(t, Capture(p, after, "", "").LayerID, "renamed")
}

func TestCaptureKeepsCurrentSelection(t *testing.T) {
	after := doc(t, `{"title":"new","layers":[{"id":"a"}]}`)
	p := patch.Patch{{Op: patch.OpReplace, Path: patch.Pointer{"title"}, Value: "new"}}
	r := Capture(p, after, "a", "")
	assert.Equal(t, r.LayerID, "a")
	assert.Equal(t, r.Reason, ReasonCurrent)
}

func TestExists(t *testing.T) {
	d := doc(t, `[{"id":"a","children":[{"id":"b","children":[{"id":"c"}]}]}]`)
	assert.Equal(t, Exists(d, "c"), true)
	assert.Equal(t, Exists(d, "z"), false)
	assert.Equal(t, Exists(d, ""), false)
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	ref := entity.NewRef(entity.PageLayers, "home")

	tr.Select(ref, "a")
	tr.Select(ref, "b")
	tr.Select(ref, "b")
	cur, prev := tr.Selection(ref)
	assert.Equal(t, cur, "b")
	assert.Equal(t, prev, "a")

	tr.Apply(ref, Result{Reason: ReasonNone})
	cur, prev = tr.Selection(ref)
	assert.Equal(t, cur, "")
	assert.Equal(t, prev, "b")

	tr.Remove(ref)
	_, prev = tr.Selection(ref)
	assert.Equal(t, prev, "")
}
