package editor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"layer-editor/internal/broadcast"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound frames buffered per client before it is dropped
	sendBuffer = 256
)

// Client is one relay websocket connection.
type Client struct {
	// Unique identifier
	id string

	// User the connection publishes as
	userID string

	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound frames
	send chan []byte

	// Subscribed channels, owned by the hub loop
	channels map[string]bool

	limits limits
	logger zerolog.Logger
}

type limits struct {
	maxMessageSize int64
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
}

// NewClient creates a client for conn publishing as userID.
func NewClient(hub *Hub, conn *websocket.Conn, userID string, l limits, logger zerolog.Logger) *Client {
	id := uuid.New().String()[:8]
	return &Client{
		id:       id,
		userID:   userID,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		channels: make(map[string]bool),
		limits:   l,
		logger:   logger.With().Str("client", id).Str("user", userID).Logger(),
	}
}

// readPump pumps frames from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.limits.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.limits.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.limits.pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket error")
			}
			break
		}
		c.processFrame(message)
	}
}

// writePump pumps frames from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.limits.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.limits.writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.limits.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processFrame handles one frame sent by the peer.
func (c *Client) processFrame(message []byte) {
	var f broadcast.Frame
	if err := json.Unmarshal(message, &f); err != nil {
		framesTotal.WithLabelValues("invalid").Inc()
		c.sendError("", "invalid frame")
		return
	}
	framesTotal.WithLabelValues(string(f.Type)).Inc()

	if f.Channel == "" {
		c.sendError("", "missing channel")
		return
	}

	switch f.Type {
	case broadcast.FrameSubscribe:
		c.hub.join(c, f.Channel, true)

	case broadcast.FrameUnsubscribe:
		c.hub.join(c, f.Channel, false)

	case broadcast.FramePublish:
		c.handlePublish(f)

	default:
		c.logger.Debug().Str("type", string(f.Type)).Msg("unknown frame type")
		c.sendError(f.Channel, "unknown frame type: "+string(f.Type))
	}
}

// handlePublish relays an envelope. A connection may only publish as its
// own user so receivers can trust the sender id for echo filtering.
func (c *Client) handlePublish(f broadcast.Frame) {
	if f.Envelope == nil || !f.Envelope.Event.Valid() {
		c.sendError(f.Channel, "invalid envelope")
		return
	}
	env := *f.Envelope
	if env.Payload.UserID != c.userID {
		c.sendError(f.Channel, "envelope user does not match connection")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.limits.writeWait)
	defer cancel()
	if err := c.hub.publish(ctx, f.Channel, env); err != nil {
		c.logger.Warn().Err(err).Str("channel", f.Channel).Msg("relay publish failed")
		c.sendError(f.Channel, "publish failed")
	}
}

// sendError asks the hub to queue an error frame for c.
func (c *Client) sendError(channel, msg string) {
	c.hub.reply(c, errorFrame(channel, msg))
}

func errorFrame(channel, msg string) []byte {
	data, _ := json.Marshal(broadcast.Frame{Type: broadcast.FrameError, Channel: channel, Error: msg})
	return data
}
