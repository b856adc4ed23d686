// Package redisidem implements the cross-instance in-flight claim on webhook
// events with redis SET NX.
package redisidem

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Claims implements ports.InflightClaims.
type Claims struct {
	rdb    redis.UniversalClient
	prefix string
	owner  string
}

// NewClaims creates claims under "<prefix>:". Every Claims value gets its own
// owner token, so one instance cannot release another's claim.
func NewClaims(rdb redis.UniversalClient, prefix string) *Claims {
	if prefix == "" {
		prefix = "payments:inflight"
	}
	return &Claims{rdb: rdb, prefix: prefix, owner: uuid.NewString()}
}

func (c *Claims) key(k string) string {
	return c.prefix + ":" + k
}

// Claim returns false when another holder has the key.
func (c *Claims) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.key(key), c.owner, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (c *Claims) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, c.rdb, []string{c.key(key)}, c.owner).Err()
}

// Ping reports whether redis is reachable.
func (c *Claims) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
