// Package events publishes an observation feed of room and execution activity.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	RoomCreated        = "room.created"
	RoomJoined         = "room.joined"
	RoomLeft           = "room.left"
	ExecutionCompleted = "execution.completed"
)

// Event is one feed entry. Fields that do not apply to Type are omitted.
type Event struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"roomId,omitempty"`
	ConnID    string    `json:"connId,omitempty"`
	Members   int       `json:"members,omitempty"`
	Language  string    `json:"language,omitempty"`
	ElapsedMs float64   `json:"elapsedMs,omitempty"`
	Failed    bool      `json:"failed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event. Used when no Redis address is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// RedisPublisher publishes JSON events on a single pub/sub channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	log     *zap.Logger
}

// NewRedisPublisher connects to redis and verifies connectivity.
func NewRedisPublisher(ctx context.Context, addr string, db int, channel string, log *zap.Logger) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisPublisher{rdb: rdb, channel: channel, log: log}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		p.log.Warn("event publish failed", zap.String("type", ev.Type), zap.Error(err))
		return err
	}
	return nil
}

// Ping reports whether redis is reachable.
func (p *RedisPublisher) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

// Close shuts down the redis connection
func (p *RedisPublisher) Close() error { return p.rdb.Close() }
