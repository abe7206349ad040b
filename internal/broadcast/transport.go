package broadcast

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed       = errors.New("transport closed")
	ErrNotConnected = errors.New("transport not connected")
	ErrNoUser       = errors.New("no authenticated user")
)

// Transport is a named-channel publish/subscribe primitive. Delivery is at
// least once and unordered across channels.
type Transport interface {
	Publish(ctx context.Context, channel string, env Envelope) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription streams the envelopes published on one channel.
type Subscription interface {
	Messages() <-chan Envelope
	Close() error
}

// Connectivity is implemented by transports that keep a live connection.
type Connectivity interface {
	Connected() bool
}

const subscriberBuffer = 256

// MemoryTransport delivers envelopes between subscribers in one process.
// A subscriber whose buffer is full misses the envelope.
type MemoryTransport struct {
	mu       sync.RWMutex
	channels map[string]map[*memorySub]bool
	closed   bool
}

// NewMemoryTransport creates an empty MemoryTransport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{channels: make(map[string]map[*memorySub]bool)}
}

type memorySub struct {
	t       *MemoryTransport
	channel string
	ch      chan Envelope
	once    sync.Once
}

func (t *MemoryTransport) Publish(ctx context.Context, channel string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrClosed
	}
	for sub := range t.channels[channel] {
		select {
		case sub.ch <- env:
		default:
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{t: t, channel: channel, ch: make(chan Envelope, subscriberBuffer)}
	if t.channels[channel] == nil {
		t.channels[channel] = make(map[*memorySub]bool)
	}
	t.channels[channel][sub] = true
	return sub, nil
}

// Subscribers returns the number of open subscriptions on channel.
func (t *MemoryTransport) Subscribers(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.channels[channel])
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	for _, subs := range t.channels {
		for sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	t.channels = make(map[string]map[*memorySub]bool)
	return nil
}

func (s *memorySub) Messages() <-chan Envelope {
	return s.ch
}

func (s *memorySub) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	if subs := s.t.channels[s.channel]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.t.channels, s.channel)
		}
	}
	s.once.Do(func() { close(s.ch) })
	return nil
}
