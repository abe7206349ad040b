package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"layer-editor/internal/clock"
	"layer-editor/internal/session"
)

var (
	envelopesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "layer_editor_broadcast_received_total",
		Help: "Envelopes received per event and outcome",
	}, []string{"event", "outcome"})

	envelopesPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "layer_editor_broadcast_published_total",
		Help: "Envelopes published per event and outcome",
	}, []string{"event", "outcome"})
)

// Handler applies a foreign envelope to local state.
type Handler func(env Envelope)

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	Transport Transport
	Channel   string
	Session   session.Session
	Clock     clock.Clock
	Logger    zerolog.Logger
}

// Bridge wraps one channel: it applies envelopes sent by other users and
// publishes local mutations tagged with the local user id.
type Bridge struct {
	transport Transport
	channel   string
	session   session.Session
	clock     clock.Clock
	logger    zerolog.Logger

	mu       sync.RWMutex
	handlers map[Event]Handler
	sub      Subscription
	done     chan struct{}
}

// NewBridge creates a Bridge. Handlers are registered with Handle before Open.
func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Bridge{
		transport: cfg.Transport,
		channel:   cfg.Channel,
		session:   cfg.Session,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With().Str("component", "bridge").Str("channel", cfg.Channel).Logger(),
		handlers:  make(map[Event]Handler),
	}
}

// Channel returns the channel name.
func (b *Bridge) Channel() string { return b.channel }

// Handle registers the handler for event, replacing any previous one.
func (b *Bridge) Handle(event Event, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = h
}

// Open subscribes to the channel. It requires an authenticated session.
// Opening an open bridge is a no-op.
func (b *Bridge) Open(ctx context.Context) error {
	if !b.session.Authenticated() {
		return ErrNoUser
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub != nil {
		return nil
	}
	sub, err := b.transport.Subscribe(ctx, b.channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.sub = sub
	b.done = make(chan struct{})
	go b.run(sub, b.done)

	b.logger.Info().Str("user", b.session.UserID).Msg("channel opened")
	return nil
}

// Close unsubscribes and waits for the receive loop to stop.
func (b *Bridge) Close() error {
	b.mu.Lock()
	sub, done := b.sub, b.done
	b.sub, b.done = nil, nil
	b.mu.Unlock()

	if sub == nil {
		return nil
	}
	err := sub.Close()
	<-done
	b.logger.Info().Msg("channel closed")
	return err
}

// Connected reports whether the bridge is subscribed and, when the
// transport tracks it, whether the connection is live.
func (b *Bridge) Connected() bool {
	b.mu.RLock()
	open := b.sub != nil
	b.mu.RUnlock()

	if !open {
		return false
	}
	if c, ok := b.transport.(Connectivity); ok {
		return c.Connected()
	}
	return true
}

func (b *Bridge) run(sub Subscription, done chan struct{}) {
	defer close(done)
	for env := range sub.Messages() {
		b.Dispatch(env)
	}
}

// Dispatch applies one received envelope. Unknown events and envelopes sent
// by the local user are dropped.
func (b *Bridge) Dispatch(env Envelope) bool {
	if !env.Event.Valid() {
		envelopesReceivedTotal.WithLabelValues("unknown", "dropped").Inc()
		b.logger.Debug().Str("event", string(env.Event)).Msg("dropping unknown event")
		return false
	}
	if IsSelfEcho(env, b.session.UserID) {
		envelopesReceivedTotal.WithLabelValues(string(env.Event), "self").Inc()
		return false
	}

	b.mu.RLock()
	h := b.handlers[env.Event]
	b.mu.RUnlock()

	if h == nil {
		envelopesReceivedTotal.WithLabelValues(string(env.Event), "unhandled").Inc()
		return false
	}
	h(env)
	envelopesReceivedTotal.WithLabelValues(string(env.Event), "applied").Inc()
	return true
}

// Publish announces a local mutation. Delivery is best effort: failures are
// logged and returned, but the persisted state stays authoritative.
func (b *Bridge) Publish(ctx context.Context, event Event, id, parentID string, data any) error {
	env, err := NewEnvelope(event, b.session.UserID, b.clock.Now(), id, parentID, data)
	if err != nil {
		envelopesPublishedTotal.WithLabelValues(string(event), "error").Inc()
		b.logger.Warn().Err(err).Str("event", string(event)).Msg("failed to encode broadcast")
		return err
	}
	if err := b.transport.Publish(ctx, b.channel, env); err != nil {
		envelopesPublishedTotal.WithLabelValues(string(event), "error").Inc()
		b.logger.Warn().Err(err).Str("event", string(event)).Str("id", id).Msg("failed to publish broadcast")
		return err
	}
	envelopesPublishedTotal.WithLabelValues(string(event), "sent").Inc()
	return nil
}
