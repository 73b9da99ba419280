package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/3leaps/gofleet/pkg/fleet"
)

// redisClient is the subset of *redis.Client used here.
type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// Redis publishes events with PUBLISH on "<prefix><topic>".
type Redis struct {
	client redisClient
	prefix string
}

// NewRedisClient creates a Redis client with conservative timeouts.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
	})
}

// NewRedis wraps a client. prefix defaults to "gofleet:".
func NewRedis(client redisClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "gofleet:"
	}
	return &Redis{client: client, prefix: prefix}
}

// Channel returns the pub/sub channel for a topic.
func (r *Redis) Channel(topic fleet.Topic) string {
	return r.prefix + string(topic)
}

// Publish sends the JSON-encoded event.
func (r *Redis) Publish(ctx context.Context, ev fleet.Event) error {
	body, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.Channel(ev.Topic), body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Topic, err)
	}
	return nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
