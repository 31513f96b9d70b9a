package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewClientFromRedis(rdb), mr
}

func TestAllowEvent(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	allowed, err := client.AllowEvent(ctx, "sess1:link1:linkClick", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, allowed)

	// Second hit inside the window is suppressed.
	allowed, err = client.AllowEvent(ctx, "sess1:link1:linkClick", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, allowed)

	// A different key has its own budget.
	allowed, err = client.AllowEvent(ctx, "sess2:link1:linkClick", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, allowed)

	// After the window expires the key is live again.
	mr.FastForward(6 * time.Second)
	allowed, err = client.AllowEvent(ctx, "sess1:link1:linkClick", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestUsageCounters(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	// Missing key reads as zero.
	usage, err := client.GetUsage(ctx, "ws1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage)

	total, err := client.IncrUsage(ctx, "ws1", now, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	total, err = client.IncrUsage(ctx, "ws1", now, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), total)

	usage, err = client.GetUsage(ctx, "ws1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(6), usage)

	// A new month starts a fresh counter.
	nextMonth := now.AddDate(0, 1, 0)
	usage, err = client.GetUsage(ctx, "ws1", nextMonth)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage)
}

func TestUsageKeyFormat(t *testing.T) {
	at := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "usage:ws1:202608", usageKey("ws1", at))
}
