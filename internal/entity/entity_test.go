package entity

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRef(t *testing.T) {
	ref := NewRef(PageLayers, "home")
	assert.Equal(t, ref.String(), "page_layers:home")
	assert.Equal(t, ref.Validate(), nil)

	assert.NotEqual(t, NewRef("widget", "x").Validate(), nil)
	assert.NotEqual(t, NewRef(Component, " ").Validate(), nil)
}
