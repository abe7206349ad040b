package collection

import (
	"context"

	"github.com/rs/zerolog"

	"layer-editor/internal/broadcast"
)

// ChannelName is the broadcast channel shared by every collection view.
const ChannelName = "collections"

var channelEvents = []broadcast.Event{
	broadcast.CollectionCreated,
	broadcast.CollectionUpdated,
	broadcast.CollectionDeleted,
	broadcast.ItemCreated,
	broadcast.ItemUpdated,
	broadcast.ItemDeleted,
}

// Channel applies collection and item broadcasts from other users to a Local
// and publishes the local user's mutations.
type Channel struct {
	bridge *broadcast.Bridge
	local  *Local
	logger zerolog.Logger
}

// NewChannel registers the collection handlers on bridge. The bridge is
// opened and closed by the caller.
func NewChannel(bridge *broadcast.Bridge, local *Local, logger zerolog.Logger) *Channel {
	ch := &Channel{
		bridge: bridge,
		local:  local,
		logger: logger.With().Str("component", "collection-channel").Logger(),
	}
	for _, ev := range channelEvents {
		bridge.Handle(ev, ch.apply)
	}
	return ch
}

func (ch *Channel) apply(env broadcast.Envelope) {
	if err := ch.local.Apply(env); err != nil {
		ch.logger.Warn().Err(err).Str("event", string(env.Event)).Str("id", env.Payload.ID).Msg("failed to apply broadcast")
	}
}

// Connected reports whether the channel is live.
func (ch *Channel) Connected() bool {
	return ch.bridge.Connected()
}

func (ch *Channel) BroadcastCollectionCreate(ctx context.Context, c Collection) error {
	return ch.bridge.Publish(ctx, broadcast.CollectionCreated, c.ID, "", c)
}

func (ch *Channel) BroadcastCollectionUpdate(ctx context.Context, c Collection) error {
	return ch.bridge.Publish(ctx, broadcast.CollectionUpdated, c.ID, "", c)
}

func (ch *Channel) BroadcastCollectionDelete(ctx context.Context, id string) error {
	return ch.bridge.Publish(ctx, broadcast.CollectionDeleted, id, "", nil)
}

func (ch *Channel) BroadcastItemCreate(ctx context.Context, it Item) error {
	return ch.bridge.Publish(ctx, broadcast.ItemCreated, it.ID, it.CollectionID, it)
}

func (ch *Channel) BroadcastItemUpdate(ctx context.Context, it Item) error {
	return ch.bridge.Publish(ctx, broadcast.ItemUpdated, it.ID, it.CollectionID, it)
}

func (ch *Channel) BroadcastItemDelete(ctx context.Context, collectionID, id string) error {
	return ch.bridge.Publish(ctx, broadcast.ItemDeleted, id, collectionID, nil)
}
