package editor

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"layer-editor/internal/broadcast"
)

// Hub tracks relay clients and the channels they subscribe to. Published
// envelopes go through the backend transport, so several service instances
// sharing a redis backend reach each other's clients.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Local subscribers and the backend subscription of every channel
	channels map[string]*hubChannel

	register   chan *Client
	unregister chan *Client
	subscribe  chan subscription
	replies    chan direct
	inbound    chan delivery
	statsReq   chan chan Stats
	quit       chan struct{}
	done       chan struct{}

	backend broadcast.Transport
	logger  zerolog.Logger
}

type hubChannel struct {
	clients map[*Client]bool
	sub     broadcast.Subscription
}

type subscription struct {
	client  *Client
	channel string
	on      bool
}

// direct is a frame for one client, such as an error reply.
type direct struct {
	client *Client
	data   []byte
}

type delivery struct {
	channel string
	env     broadcast.Envelope
}

// Stats is a snapshot of the relay.
type Stats struct {
	Clients  int            `json:"clients"`
	Channels map[string]int `json:"channels"`
}

// NewHub creates a Hub on backend.
func NewHub(backend broadcast.Transport, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		channels:   make(map[string]*hubChannel),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscription),
		replies:    make(chan direct),
		inbound:    make(chan delivery, 256),
		statsReq:   make(chan chan Stats),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		backend:    backend,
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// run is the hub's main loop. It owns every map of the hub.
func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			connectionsActive.Inc()
			h.logger.Debug().Str("client", client.id).Str("user", client.userID).Int("clients", len(h.clients)).Msg("client registered")

		case client := <-h.unregister:
			h.drop(client)

		case s := <-h.subscribe:
			if s.on {
				h.handleSubscribe(s.client, s.channel)
			} else {
				h.handleUnsubscribe(s.client, s.channel)
			}

		case r := <-h.replies:
			h.sendTo(r.client, r.data)

		case d := <-h.inbound:
			h.deliver(d.channel, d.env)

		case reply := <-h.statsReq:
			reply <- h.stats()

		case <-h.quit:
			h.shutdown()
			return
		}
	}
}

func (h *Hub) handleSubscribe(c *Client, channel string) {
	if !h.clients[c] {
		return
	}
	ch := h.channels[channel]
	if ch == nil {
		sub, err := h.backend.Subscribe(context.Background(), channel)
		if err != nil {
			h.logger.Warn().Err(err).Str("channel", channel).Msg("backend subscribe failed")
			h.sendTo(c, errorFrame(channel, "subscribe failed"))
			return
		}
		ch = &hubChannel{clients: make(map[*Client]bool), sub: sub}
		h.channels[channel] = ch
		go h.forward(channel, sub)
	}
	ch.clients[c] = true
	c.channels[channel] = true
	h.logger.Debug().Str("client", c.id).Str("channel", channel).Int("subscribers", len(ch.clients)).Msg("subscribed")
}

func (h *Hub) handleUnsubscribe(c *Client, channel string) {
	ch := h.channels[channel]
	if ch == nil {
		return
	}
	delete(ch.clients, c)
	delete(c.channels, channel)
	if len(ch.clients) == 0 {
		ch.sub.Close()
		delete(h.channels, channel)
	}
}

// forward moves backend messages into the loop until the subscription closes.
func (h *Hub) forward(channel string, sub broadcast.Subscription) {
	for env := range sub.Messages() {
		select {
		case h.inbound <- delivery{channel: channel, env: env}:
		case <-h.quit:
			return
		}
	}
}

// deliver sends env to every local subscriber of channel except the
// sender's own connections.
func (h *Hub) deliver(channel string, env broadcast.Envelope) {
	ch := h.channels[channel]
	if ch == nil {
		return
	}
	data, err := json.Marshal(broadcast.Frame{Type: broadcast.FrameMessage, Channel: channel, Envelope: &env})
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to encode frame")
		return
	}

	sent := 0
	for client := range ch.clients {
		if client.userID == env.Payload.UserID {
			continue
		}
		select {
		case client.send <- data:
			sent++
		default:
			h.logger.Warn().Str("client", client.id).Msg("client buffer full, closing")
			h.drop(client)
		}
	}
	framesTotal.WithLabelValues(string(broadcast.FrameMessage)).Add(float64(sent))
}

// sendTo queues data for a registered client. Clients that were already
// dropped, or whose buffer is full, miss it.
func (h *Hub) sendTo(c *Client, data []byte) {
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) drop(client *Client) {
	if !h.clients[client] {
		return
	}
	delete(h.clients, client)
	close(client.send)
	connectionsActive.Dec()

	for channel := range client.channels {
		h.handleUnsubscribe(client, channel)
	}
	h.logger.Debug().Str("client", client.id).Int("clients", len(h.clients)).Msg("client unregistered")
}

func (h *Hub) stats() Stats {
	st := Stats{Clients: len(h.clients), Channels: make(map[string]int, len(h.channels))}
	for name, ch := range h.channels {
		st.Channels[name] = len(ch.clients)
	}
	return st
}

// Stats returns a snapshot of the relay.
func (h *Hub) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case h.statsReq <- reply:
		return <-reply
	case <-h.done:
		return Stats{Channels: map[string]int{}}
	}
}

// publish hands a client's envelope to the backend.
func (h *Hub) publish(ctx context.Context, channel string, env broadcast.Envelope) error {
	return h.backend.Publish(ctx, channel, env)
}

// shutdown closes every client connection and backend subscription.
func (h *Hub) shutdown() {
	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		connectionsActive.Dec()
	}
	h.clients = make(map[*Client]bool)
	for name, ch := range h.channels {
		ch.sub.Close()
		delete(h.channels, name)
	}
	h.logger.Info().Msg("hub shutdown complete")
}

func (h *Hub) stop() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
	<-h.done
}

// enter registers c. It reports false once the hub has stopped.
func (h *Hub) enter(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// join subscribes or unsubscribes c from channel.
func (h *Hub) join(c *Client, channel string, on bool) {
	select {
	case h.subscribe <- subscription{client: c, channel: channel, on: on}:
	case <-h.done:
	}
}

// reply queues a frame for c through the hub loop, which owns c.send.
func (h *Hub) reply(c *Client, data []byte) {
	select {
	case h.replies <- direct{client: c, data: data}:
	case <-h.done:
	}
}
