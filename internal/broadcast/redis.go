package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisTransport carries envelopes over redis pub/sub. Channel names are
// prefixed so several deployments can share one redis.
type RedisTransport struct {
	client *redis.Client
	codec  Codec
	prefix string
	logger zerolog.Logger
}

// NewRedisTransport creates a RedisTransport. A nil codec uses JSON.
func NewRedisTransport(client *redis.Client, codec Codec, prefix string, logger zerolog.Logger) *RedisTransport {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &RedisTransport{
		client: client,
		codec:  codec,
		prefix: prefix,
		logger: logger.With().Str("component", "redis-transport").Logger(),
	}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, env Envelope) error {
	data, err := t.codec.Marshal(env)
	if err != nil {
		return err
	}
	if err := t.client.Publish(ctx, t.prefix+channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := t.client.Subscribe(ctx, t.prefix+channel)
	// wait for the subscription to be confirmed before reporting success
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	sub := &redisSub{
		ps:   ps,
		out:  make(chan Envelope, subscriberBuffer),
		stop: make(chan struct{}),
	}
	go sub.pump(t.codec, t.logger.With().Str("channel", channel).Logger())
	return sub, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	out  chan Envelope
	stop chan struct{}
	once sync.Once
}

func (s *redisSub) pump(codec Codec, logger zerolog.Logger) {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		env, err := codec.Unmarshal([]byte(msg.Payload))
		if err != nil {
			logger.Warn().Err(err).Msg("dropping undecodable message")
			continue
		}
		select {
		case s.out <- env:
		case <-s.stop:
			return
		}
	}
}

func (s *redisSub) Messages() <-chan Envelope {
	return s.out
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.ps.Close()
	})
	return err
}
