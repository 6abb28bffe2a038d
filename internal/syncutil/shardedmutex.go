// Package syncutil provides keyed locks for serializing work on a single
// entity: in-process sharded mutexes and a Redis-backed lock for deployments
// with more than one replica.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyLocker serializes callers that share a key.
// The returned unlock function must be called exactly once.
type KeyLocker interface {
	LockContext(ctx context.Context, key string) (unlock func(), err error)
}

// ShardedMutex is a fixed pool of mutexes keyed by string. Memory stays
// bounded regardless of key count; keys hashing to the same shard contend.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
