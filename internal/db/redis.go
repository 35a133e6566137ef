package db

import (
	"context"
	"fmt"
	"time"

	"agenthub/internal/config"
	"agenthub/internal/logging"

	"github.com/go-redis/redis/v8"
)

// RedisClient wraps the go-redis client used by the distributed broadcaster.
type RedisClient struct {
	client redis.UniversalClient
	done   chan struct{}
}

// NewRedisClient connects to Redis. Returns an error if no address is
// configured; callers treat Redis as optional.
func NewRedisClient(cfg *config.RedisConfig) (*RedisClient, error) {
	var opts *redis.Options

	switch {
	case cfg.URL != "":
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid Redis URL: %w", err)
		}
		opts = parsed
	case cfg.Host != "":
		opts = &redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	default:
		return nil, fmt.Errorf("redis not configured")
	}

	opts.PoolSize = 100
	opts.MinIdleConns = 10
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rc := &RedisClient{
		client: redis.NewClient(opts),
		done:   make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	go rc.runHealthCheck()

	logging.L().Info("redis connected")
	return rc, nil
}

func (rc *RedisClient) runHealthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := rc.client.Ping(ctx).Err(); err != nil {
				logging.S().Warnw("redis health check failed", "error", err)
			}
			cancel()
		case <-rc.done:
			return
		}
	}
}

// Client returns the underlying Redis client.
func (rc *RedisClient) Client() redis.UniversalClient {
	return rc.client
}

// Ping tests the Redis connection.
func (rc *RedisClient) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (rc *RedisClient) Close() error {
	close(rc.done)
	return rc.client.Close()
}
