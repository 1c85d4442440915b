// Package statsmirror publishes network_stats.json snapshots to an
// external Redis instance, adapted from pkg/persistence/redis.go's
// RedisCache. It is optional: gateway.Gateway works with a nil
// StatsMirror.
package statsmirror

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mirror publishes gateway stats snapshots to Redis, both as a keyed
// value (for polling readers) and as a pub/sub channel (for live
// subscribers), per spec.md §4.5's "trigger an external mirror".
type Mirror struct {
	client  *redis.Client
	key     string
	channel string
	ttl     time.Duration
}

// Config holds the Redis connection and publication settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Channel  string
	TTL      time.Duration
}

// New connects to Redis and verifies reachability.
func New(cfg Config) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	return &Mirror{client: client, key: cfg.Key, channel: cfg.Channel, ttl: ttl}, nil
}

// Publish implements gateway.StatsMirror: stores the snapshot under a
// TTL'd key and publishes it to the live channel.
func (m *Mirror) Publish(ctx context.Context, snapshot []byte) error {
	if err := m.client.Set(ctx, m.key, snapshot, m.ttl).Err(); err != nil {
		return fmt.Errorf("set stats key: %w", err)
	}
	if err := m.client.Publish(ctx, m.channel, snapshot).Err(); err != nil {
		return fmt.Errorf("publish stats channel: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (m *Mirror) Close() error {
	return m.client.Close()
}
