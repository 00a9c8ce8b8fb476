// Package redis wraps go-redis with the typed, logged operations the rest of
// the gateway needs: plain key/value access for the cache-janitor lease,
// plus Pub/Sub for the WorkerBus.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/config"
)

type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewClient(cfg config.BusConnConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	client := &Client{rdb: rdb, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Debug("redis client connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return client, nil
}

func (c *Client) Ping(ctx context.Context) error {
	result, err := c.rdb.Ping(ctx).Result()
	if err != nil {
		c.logger.Error("redis ping failed", zap.Error(err))
		return err
	}
	if result != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", result)
	}
	return nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	start := time.Now().UTC()
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	c.logger.Debug("redis health check passed", zap.Duration("duration", time.Since(start)))
	return nil
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	result, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		c.logger.Error("redis GET failed", zap.String("key", key), zap.Error(err))
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return result, true, nil
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, expiration).Err(); err != nil {
		c.logger.Error("redis SET failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// SetNX acquires key (used as a leader lease by the cache-janitor) if absent.
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		c.logger.Error("redis SETNX failed", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.Error("redis DEL failed", zap.Strings("keys", keys), zap.Error(err))
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (c *Client) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if err := c.rdb.Expire(ctx, key, expiration).Err(); err != nil {
		c.logger.Error("redis EXPIRE failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis expire: %w", err)
	}
	return nil
}

func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	result, err := c.rdb.Eval(ctx, script, keys, args...).Result()
	if err != nil {
		c.logger.Error("redis EVAL failed", zap.Int("num_keys", len(keys)), zap.Error(err))
		return nil, fmt.Errorf("redis eval: %w", err)
	}
	return result, nil
}

// Publish publishes payload to channel, used by the WorkerBus to post RenderJobs.
func (c *Client) Publish(ctx context.Context, channel string, payload interface{}) error {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		c.logger.Error("redis PUBLISH failed", zap.String("channel", channel), zap.Error(err))
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe opens a Pub/Sub subscription to channel. Callers must Close it.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channel)
}

func (c *Client) Close() error {
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Close(); err != nil {
		c.logger.Error("failed to close redis client", zap.Error(err))
		return err
	}
	c.logger.Debug("redis client closed")
	return nil
}

func (c *Client) GetClient() *redis.Client {
	return c.rdb
}
