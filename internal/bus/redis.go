package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "room:"

// envelope wraps a frame with the publishing instance id so an instance can
// ignore its own frames when Redis echoes them back.
type envelope struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// RedisBridge relays room frames over Redis pub/sub so several API instances
// can serve the same room.
type RedisBridge struct {
	client     *redis.Client
	instanceID string
}

// NewRedisBridge connects to Redis and verifies the connection.
func NewRedisBridge(redisURL string) (*RedisBridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisBridgeWithClient(client), nil
}

// NewRedisBridgeWithClient creates a bridge from an existing Redis client.
func NewRedisBridgeWithClient(client *redis.Client) *RedisBridge {
	return &RedisBridge{
		client:     client,
		instanceID: uuid.NewString(),
	}
}

func (b *RedisBridge) Publish(ctx context.Context, room string, data []byte) error {
	payload, err := json.Marshal(envelope{Origin: b.instanceID, Data: data})
	if err != nil {
		return fmt.Errorf("marshal bus envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+room, payload).Err(); err != nil {
		return fmt.Errorf("publish room frame: %w", err)
	}
	return nil
}

// Run subscribes to every room channel and feeds remote frames to deliver.
// It blocks until ctx is cancelled or the subscription fails.
func (b *RedisBridge) Run(ctx context.Context, deliver func(room string, data []byte)) error {
	sub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			if env.Origin == b.instanceID {
				continue
			}
			room := strings.TrimPrefix(msg.Channel, channelPrefix)
			deliver(room, env.Data)
		}
	}
}

func (b *RedisBridge) Close() error {
	return b.client.Close()
}

// Ping checks if Redis is reachable
func (b *RedisBridge) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
