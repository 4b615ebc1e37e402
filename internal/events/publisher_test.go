package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// setupTestRedis starts a miniredis instance that is torn down with the test
func setupTestRedis(t *testing.T) *miniredis.Miniredis {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr
}

func TestRedisPublisherDeliversEvents(t *testing.T) {
	mr := setupTestRedis(t)
	ctx := context.Background()

	pub, err := NewRedisPublisher(ctx, mr.Addr(), 0, "collab:events", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = sub.Close() })
	pubsub := sub.Subscribe(ctx, "collab:events")
	t.Cleanup(func() { _ = pubsub.Close() })
	_, err = pubsub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, Event{Type: RoomCreated, RoomID: "r1", ConnID: "c1"}))

	select {
	case msg := <-pubsub.Channel():
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, RoomCreated, ev.Type)
		assert.Equal(t, "r1", ev.RoomID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("expected event on channel")
	}
}

func TestNewRedisPublisherUnreachable(t *testing.T) {
	mr := setupTestRedis(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedisPublisher(ctx, addr, 0, "collab:events", zap.NewNop())
	assert.Error(t, err)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{Type: RoomLeft}))
}

func TestRedisPublisherPing(t *testing.T) {
	mr := setupTestRedis(t)
	ctx := context.Background()
	pub, err := NewRedisPublisher(ctx, mr.Addr(), 0, "collab:events", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	assert.NoError(t, pub.Ping(ctx))
	mr.Close()
	assert.Error(t, pub.Ping(ctx))
}
