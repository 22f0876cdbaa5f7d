package eventcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "pricekeeper:seen:"

// Options parameterise the Redis-backed event cache.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Cache remembers processed purchase events so the lookback overlap
// and daemon restarts do not re-trigger large-purchase checks. Entries
// expire after TTL; the lookback window is far shorter than that.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// New connects the event cache. The connection is verified eagerly so
// a misconfigured Redis surfaces at startup.
func New(ctx context.Context, opts Options, logger zerolog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}

	return &Cache{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "event_cache").Logger(),
	}, nil
}

// MarkSeen records the event key and reports whether it was new.
func (c *Cache) MarkSeen(ctx context.Context, key string) (bool, error) {
	fresh, err := c.client.SetNX(ctx, keyPrefix+key, "1", c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark event seen: %w", err)
	}
	return fresh, nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
