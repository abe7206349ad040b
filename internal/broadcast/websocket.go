package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// FrameType is the kind of a relay frame.
type FrameType string

const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePublish     FrameType = "publish"
	FrameMessage     FrameType = "message"
	FrameError       FrameType = "error"
)

// Frame is the unit exchanged with the websocket relay. Clients send
// subscribe, unsubscribe and publish frames; the relay answers with message
// frames for every envelope published on a subscribed channel.
type Frame struct {
	Type     FrameType `json:"type"`
	Channel  string    `json:"channel"`
	Envelope *Envelope `json:"envelope,omitempty"`
	Error    string    `json:"error,omitempty"`
}

const (
	// Time allowed to write a frame to the relay
	wsWriteWait = 10 * time.Second

	// Time allowed between messages from the relay; the relay pings more often
	wsPongWait = 60 * time.Second
)

// WebSocketConfig configures a WebSocketTransport.
type WebSocketConfig struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	// Reconnect backoff bounds. Zero values use 500ms and 30s.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	Logger zerolog.Logger
}

// WebSocketTransport talks to the editor-service relay over one websocket
// connection. It reconnects with exponential backoff and resubscribes every
// open channel after a reconnect. Publishing while disconnected fails.
type WebSocketTransport struct {
	cfg    WebSocketConfig
	logger zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]map[*wsSub]bool

	writeMu   sync.Mutex
	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type wsSub struct {
	t       *WebSocketTransport
	channel string
	ch      chan Envelope
	once    sync.Once
}

// DialWebSocket starts a transport that connects to cfg.URL in the background.
func DialWebSocket(cfg WebSocketConfig) *WebSocketTransport {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &WebSocketTransport{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "ws-transport").Logger(),
		subs:   make(map[string]map[*wsSub]bool),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

// Connected reports whether the relay connection is up.
func (t *WebSocketTransport) Connected() bool {
	return t.connected.Load()
}

func (t *WebSocketTransport) run() {
	defer close(t.done)

	for {
		conn, err := t.dial()
		if err != nil {
			// only a cancelled context stops the retries
			return
		}

		t.mu.Lock()
		t.conn = conn
		channels := make([]string, 0, len(t.subs))
		for ch := range t.subs {
			channels = append(channels, ch)
		}
		t.mu.Unlock()
		t.connected.Store(true)
		t.logger.Info().Str("url", t.cfg.URL).Int("channels", len(channels)).Msg("connected to relay")

		for _, ch := range channels {
			if err := t.write(Frame{Type: FrameSubscribe, Channel: ch}); err != nil {
				t.logger.Warn().Err(err).Str("channel", ch).Msg("resubscribe failed")
			}
		}

		t.readLoop(conn)

		t.connected.Store(false)
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		conn.Close()

		if t.ctx.Err() != nil {
			return
		}
		t.logger.Warn().Msg("relay connection lost, reconnecting")
	}
}

func (t *WebSocketTransport) dial() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.MinBackoff
	b.MaxInterval = t.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		if err := t.ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		c, _, err := t.cfg.Dialer.DialContext(t.ctx, t.cfg.URL, t.cfg.Header)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		t.logger.Debug().Err(err).Dur("retry_in", wait).Msg("relay dial failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, t.ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Debug().Err(err).Msg("relay read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		switch f.Type {
		case FrameMessage:
			if f.Envelope != nil {
				t.deliver(f.Channel, *f.Envelope)
			}
		case FrameError:
			t.logger.Warn().Str("channel", f.Channel).Str("error", f.Error).Msg("relay reported an error")
		}
	}
}

func (t *WebSocketTransport) deliver(channel string, env Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs[channel] {
		select {
		case sub.ch <- env:
		default:
			t.logger.Warn().Str("channel", channel).Msg("subscriber buffer full, dropping envelope")
		}
	}
}

func (t *WebSocketTransport) write(f Frame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocketTransport) Publish(ctx context.Context, channel string, env Envelope) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.write(Frame{Type: FramePublish, Channel: channel, Envelope: &env})
}

// Subscribe registers the channel locally. The subscribe frame is sent now
// when connected and again after every reconnect.
func (t *WebSocketTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &wsSub{t: t, channel: channel, ch: make(chan Envelope, subscriberBuffer)}
	t.mu.Lock()
	first := t.subs[channel] == nil
	if first {
		t.subs[channel] = make(map[*wsSub]bool)
	}
	t.subs[channel][sub] = true
	t.mu.Unlock()

	if first {
		if err := t.write(Frame{Type: FrameSubscribe, Channel: channel}); err != nil && err != ErrNotConnected {
			t.logger.Warn().Err(err).Str("channel", channel).Msg("subscribe failed, will retry on reconnect")
		}
	}
	return sub, nil
}

// Close disconnects and closes every subscription.
func (t *WebSocketTransport) Close() error {
	t.cancel()
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		t.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		t.writeMu.Unlock()
		conn.Close()
	}
	<-t.done

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, subs := range t.subs {
		for sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	t.subs = make(map[string]map[*wsSub]bool)
	return nil
}

func (s *wsSub) Messages() <-chan Envelope {
	return s.ch
}

func (s *wsSub) Close() error {
	t := s.t
	t.mu.Lock()
	last := false
	if subs := t.subs[s.channel]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(t.subs, s.channel)
			last = true
		}
	}
	s.once.Do(func() { close(s.ch) })
	t.mu.Unlock()

	if last {
		if err := t.write(Frame{Type: FrameUnsubscribe, Channel: s.channel}); err != nil && err != ErrNotConnected {
			return err
		}
	}
	return nil
}
