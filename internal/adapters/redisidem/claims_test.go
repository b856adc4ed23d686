package redisidem

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const isolatedTestRedisDB = 13

// testRedis connects to REDIS_ADDR (default localhost:6379) or skips.
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       isolatedTestRedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestClaimIsExclusive(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	prefix := "test:" + uuid.NewString()

	a := NewClaims(rdb, prefix)
	b := NewClaims(rdb, prefix)

	ok, err := a.Claim(ctx, "wallet_a:evt_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Claim(ctx, "wallet_a:evt_1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// b cannot release a's claim
	require.NoError(t, b.Release(ctx, "wallet_a:evt_1"))
	ok, err = b.Claim(ctx, "wallet_a:evt_1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx, "wallet_a:evt_1"))
	ok, err = b.Claim(ctx, "wallet_a:evt_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx, "wallet_a:evt_1"))
}

func TestClaimExpires(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	c := NewClaims(rdb, "test:"+uuid.NewString())

	ok, err := c.Claim(ctx, "evt", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		ok, err := NewClaims(rdb, c.prefix).Claim(ctx, "evt", time.Minute)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestClaimUnavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()

	_, err := NewClaims(rdb, "").Claim(context.Background(), "evt", time.Minute)
	assert.Error(t, err)
}
