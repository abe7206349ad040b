package layers

import (
	"context"

	"github.com/rs/zerolog"

	"layer-editor/internal/broadcast"
)

// ChannelName is the broadcast channel of one editing context.
func ChannelName(pageID string) string {
	return "layers:" + pageID
}

var channelEvents = []broadcast.Event{
	broadcast.LayerCreated,
	broadcast.LayerUpdated,
	broadcast.LayerDeleted,
	broadcast.ComponentCreated,
	broadcast.ComponentUpdated,
	broadcast.ComponentDeleted,
}

// Channel connects a Document to its broadcast channel.
type Channel struct {
	bridge *broadcast.Bridge
	doc    *Document
	logger zerolog.Logger
}

// NewChannel registers the layer and component handlers on bridge.
func NewChannel(bridge *broadcast.Bridge, doc *Document, logger zerolog.Logger) *Channel {
	ch := &Channel{
		bridge: bridge,
		doc:    doc,
		logger: logger.With().Str("component", "layer-channel").Str("page", doc.pageID).Logger(),
	}
	for _, ev := range channelEvents {
		bridge.Handle(ev, ch.apply)
	}
	return ch
}

func (ch *Channel) apply(env broadcast.Envelope) {
	if err := ch.doc.Apply(env); err != nil {
		ch.logger.Warn().Err(err).Str("event", string(env.Event)).Str("id", env.Payload.ID).Msg("failed to apply broadcast")
	}
}

// Connected reports whether the channel is live.
func (ch *Channel) Connected() bool {
	return ch.bridge.Connected()
}

// Publish sends every change, continuing past failures. It returns the
// first error.
func (ch *Channel) Publish(ctx context.Context, changes []Change) error {
	var first error
	for _, c := range changes {
		if err := ch.bridge.Publish(ctx, c.Event, c.ID, c.ParentID, c.Data); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (ch *Channel) BroadcastLayerCreate(ctx context.Context, parentID string, layer Layer, index int) error {
	return ch.bridge.Publish(ctx, broadcast.LayerCreated, LayerID(layer), parentID, LayerChange{Layer: layer, Index: index})
}

func (ch *Channel) BroadcastLayerUpdate(ctx context.Context, parentID string, layer Layer) error {
	return ch.bridge.Publish(ctx, broadcast.LayerUpdated, LayerID(layer), parentID, LayerChange{Layer: layer, Index: -1})
}

func (ch *Channel) BroadcastLayerDelete(ctx context.Context, parentID, id string) error {
	return ch.bridge.Publish(ctx, broadcast.LayerDeleted, id, parentID, nil)
}

func (ch *Channel) BroadcastComponentCreate(ctx context.Context, id string, doc any) error {
	return ch.bridge.Publish(ctx, broadcast.ComponentCreated, id, "", doc)
}

func (ch *Channel) BroadcastComponentUpdate(ctx context.Context, id string, doc any) error {
	return ch.bridge.Publish(ctx, broadcast.ComponentUpdated, id, "", doc)
}

func (ch *Channel) BroadcastComponentDelete(ctx context.Context, id string) error {
	return ch.bridge.Publish(ctx, broadcast.ComponentDeleted, id, "", nil)
}
