package syncutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/ecollect/internal/idgen"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker is a KeyLocker shared by all replicas through Redis SET NX.
// The TTL bounds how long a crashed holder can block others.
type RedisLocker struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	pollEvery time.Duration
}

var _ KeyLocker = (*RedisLocker)(nil)

// NewRedisLocker creates a locker namespaced under prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:    client,
		prefix:    prefix,
		ttl:       ttl,
		pollEvery: 25 * time.Millisecond,
	}
}

// LockContext spins on SET NX until it wins or ctx ends.
func (l *RedisLocker) LockContext(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + key
	token := idgen.Hex(16)

	ticker := time.NewTicker(l.pollEvery)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func() {
				// Background ctx: release must happen even if the caller's ctx ended.
				_ = releaseScript.Run(context.Background(), l.client, []string{lockKey}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
