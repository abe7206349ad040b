package editor

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"

	"layer-editor/internal/broadcast"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(broadcast.NewMemoryTransport(), zerolog.Nop())
	go h.run()
	t.Cleanup(h.stop)
	return h
}

func connless(h *Hub, userID string) *Client {
	return &Client{id: userID, userID: userID, hub: h, send: make(chan []byte, 4), channels: make(map[string]bool)}
}

func TestErrorFrameReachesRegisteredClient(t *testing.T) {
	h := newTestHub(t)
	c := connless(h, "alice")
	assert.Equal(t, h.enter(c), true)

	c.sendError("layers:p1", "invalid envelope")
	var f broadcast.Frame
	assert.Equal(t, json.Unmarshal(<-c.send, &f), nil)
	assert.Equal(t, f.Type, broadcast.FrameError)
	assert.Equal(t, f.Channel, "layers:p1")
	assert.Equal(t, f.Error, "invalid envelope")

	h.leave(c)
}

func TestErrorFrameAfterDropIsDiscarded(t *testing.T) {
	h := newTestHub(t)
	c := connless(h, "alice")
	assert.Equal(t, h.enter(c), true)
	h.leave(c)

	// send is closed by now; the reply must neither panic nor block
	c.sendError("layers:p1", "publish failed")
	_, open := <-c.send
	assert.Equal(t, open, false)
	assert.Equal(t, h.Stats().Clients, 0)
}
