package layers

import (
	"sync"

	"layer-editor/internal/broadcast"
	"layer-editor/internal/entity"
	"layer-editor/pkg/patch"
)

// Document holds the live state of one page and notifies a hook whenever a
// foreign broadcast changes a versioned entity, so the diff baseline can
// follow without the foreign edit being recorded as a local version.
type Document struct {
	mu       sync.RWMutex
	pageID   string
	state    State
	onRemote func(ref entity.Ref, doc any)
}

// NewDocument creates the document of pageID with the given layer tree.
func NewDocument(pageID string, tree []any) *Document {
	return &Document{
		pageID: pageID,
		state:  State{Tree: cloneTree(tree), Components: make(map[string]any)},
	}
}

// Ref is the entity the layer tree is versioned under.
func (d *Document) Ref() entity.Ref {
	return entity.NewRef(entity.PageLayers, d.pageID)
}

// OnRemote sets the hook called after a foreign change was applied.
func (d *Document) OnRemote(fn func(ref entity.Ref, doc any)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRemote = fn
}

// Tree returns a copy of the layer tree.
func (d *Document) Tree() []any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return cloneTree(d.state.Tree)
}

// Component returns a copy of the component with id.
func (d *Document) Component(id string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.state.Components[id]
	return patch.Clone(c), ok
}

// Update replaces the tree with fn's result and returns both versions.
// Foreign broadcasts wait until fn returns.
func (d *Document) Update(fn func(tree []any) ([]any, error)) (before, after []any, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	before = cloneTree(d.state.Tree)
	after, err = fn(cloneTree(before))
	if err != nil {
		return before, nil, err
	}
	after = cloneTree(after)
	d.state.Tree = after
	return before, cloneTree(after), nil
}

// SetComponent stores doc as the component with id.
func (d *Document) SetComponent(id string, doc any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	comps := copyComponents(d.state.Components)
	comps[id] = patch.Clone(doc)
	d.state.Components = comps
}

// DeleteComponent removes the component with id.
func (d *Document) DeleteComponent(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.state.Components[id]; !ok {
		return false
	}
	comps := copyComponents(d.state.Components)
	delete(comps, id)
	d.state.Components = comps
	return true
}

// Apply reduces a foreign broadcast into the document. The remote hook runs
// before Apply returns and must not call back into the Document.
func (d *Document) Apply(env broadcast.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next, err := Reduce(d.state, env)
	if err != nil {
		return err
	}
	d.state = next
	if d.onRemote == nil {
		return nil
	}

	switch env.Event.Aggregate() {
	case "layer":
		d.onRemote(d.Ref(), cloneTree(next.Tree))
	case "component":
		if doc, ok := next.Components[env.Payload.ID]; ok {
			d.onRemote(entity.NewRef(entity.Component, env.Payload.ID), patch.Clone(doc))
		}
	}
	return nil
}
