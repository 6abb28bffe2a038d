package syncutil

import (
	"context"
	"sync"
)

// ContextShardedMutex is a sharded mutex whose waiters can give up when
// their context ends.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

var _ KeyLocker = (*ContextShardedMutex)(nil)

// NewContextShardedMutex creates a new context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// LockContext acquires the shard for key or returns ctx.Err().
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	token := m.shards[shardIndex(key)]

	select {
	case <-token:
		var released sync.Once
		return func() { released.Do(func() { token <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
