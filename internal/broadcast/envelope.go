// Package broadcast propagates mutations between editor sessions over named
// publish/subscribe channels and drops the ones a session sent itself.
package broadcast

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event names one kind of mutation.
type Event string

const (
	CollectionCreated Event = "collection_created"
	CollectionUpdated Event = "collection_updated"
	CollectionDeleted Event = "collection_deleted"
	ItemCreated       Event = "item_created"
	ItemUpdated       Event = "item_updated"
	ItemDeleted       Event = "item_deleted"
	LayerCreated      Event = "layer_created"
	LayerUpdated      Event = "layer_updated"
	LayerDeleted      Event = "layer_deleted"
	ComponentCreated  Event = "component_created"
	ComponentUpdated  Event = "component_updated"
	ComponentDeleted  Event = "component_deleted"
)

var events = map[Event]bool{
	CollectionCreated: true, CollectionUpdated: true, CollectionDeleted: true,
	ItemCreated: true, ItemUpdated: true, ItemDeleted: true,
	LayerCreated: true, LayerUpdated: true, LayerDeleted: true,
	ComponentCreated: true, ComponentUpdated: true, ComponentDeleted: true,
}

// Valid reports whether e is a known event.
func (e Event) Valid() bool {
	return events[e]
}

// Aggregate returns the mutated aggregate, e.g. "item" for item_updated.
func (e Event) Aggregate() string {
	agg, _, _ := strings.Cut(string(e), "_")
	return agg
}

// Payload is the body of every broadcast. UserID and Timestamp are always
// set by the sender; Data carries the created or updated record.
type Payload struct {
	UserID    string          `json:"user_id"`
	Timestamp int64           `json:"timestamp"`
	ID        string          `json:"id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Time returns the send time.
func (p Payload) Time() time.Time {
	return time.UnixMilli(p.Timestamp)
}

// Decode unmarshals Data into v.
func (p Payload) Decode(v any) error {
	if len(p.Data) == 0 {
		return fmt.Errorf("payload %s has no data", p.ID)
	}
	return json.Unmarshal(p.Data, v)
}

// Envelope is the message published on a channel.
type Envelope struct {
	Event   Event   `json:"event"`
	Payload Payload `json:"payload"`
}

// NewEnvelope packages data for event with the sender's user id and time.
func NewEnvelope(event Event, userID string, sent time.Time, id, parentID string, data any) (Envelope, error) {
	env := Envelope{
		Event: event,
		Payload: Payload{
			UserID:    userID,
			Timestamp: sent.UnixMilli(),
			ID:        id,
			ParentID:  parentID,
		},
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
		}
		env.Payload.Data = raw
	}
	return env, nil
}

// IsSelfEcho reports whether env was sent by localUserID.
func IsSelfEcho(env Envelope, localUserID string) bool {
	return env.Payload.UserID != "" && env.Payload.UserID == localUserID
}
