package broadcast

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestRedisTransport(t *testing.T) {
	addr := os.Getenv("EDITOR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("EDITOR_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	codec, err := NewCBORCodec()
	assert.Equal(t, err, nil)

	tr := NewRedisTransport(client, codec, "layer-editor-test:", zerolog.Nop())
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := tr.Subscribe(ctx, "layers:p1")
	assert.Equal(t, err, nil)
	defer sub.Close()

	env, err := NewEnvelope(LayerUpdated, "alice", time.Now(), "a", "", item{ID: "a", Name: "A"})
	assert.Equal(t, err, nil)
	assert.Equal(t, tr.Publish(ctx, "layers:p1", env), nil)

	got := receive(t, sub.Messages())
	assert.Equal(t, got.Event, LayerUpdated)
	assert.Equal(t, got.Payload.UserID, "alice")

	var decoded item
	assert.Equal(t, got.Payload.Decode(&decoded), nil)
	assert.Equal(t, decoded.Name, "A")
}
