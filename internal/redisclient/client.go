package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/rate_window.lua
var rateWindowScript string

type Client struct {
	rdb          *redis.Client
	windowScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewClientFromRedis(rdb), nil
}

// NewClientFromRedis wraps an existing connection; used by tests.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:          rdb,
		windowScript: redis.NewScript(rateWindowScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// AllowEvent runs the sliding-window gate for a dedup key. Returns true
// only for the first hit within the window; the counter is shared across
// server instances so correctness holds under horizontal scale.
func (c *Client) AllowEvent(ctx context.Context, key string, window time.Duration) (bool, error) {
	redisKey := fmt.Sprintf("rate:%s", key)

	result, err := c.windowScript.Run(ctx, c.rdb, []string{redisKey}, window.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("rate window script failed: %w", err)
	}

	allowed, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}

	return allowed == 1, nil
}

// usageKey is the rolling monthly usage counter for a workspace.
func usageKey(workspaceID string, at time.Time) string {
	return fmt.Sprintf("usage:%s:%s", workspaceID, at.UTC().Format("200601"))
}

// GetUsage returns the workspace's event count for the current month.
// A missing key reads as zero.
func (c *Client) GetUsage(ctx context.Context, workspaceID string, at time.Time) (int64, error) {
	val, err := c.rdb.Get(ctx, usageKey(workspaceID, at)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get usage failed: %w", err)
	}
	return val, nil
}

// IncrUsage atomically bumps the workspace's monthly counter. The key
// expires well after the month rolls over so late events still land.
func (c *Client) IncrUsage(ctx context.Context, workspaceID string, at time.Time, n int64) (int64, error) {
	key := usageKey(workspaceID, at)

	pipe := c.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, key, n)
	pipe.Expire(ctx, key, 40*24*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr usage failed: %w", err)
	}
	return incr.Val(), nil
}
