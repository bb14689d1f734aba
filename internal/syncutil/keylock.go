// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the lock pool size used by NewKeyLock when n <= 0.
const DefaultShards = 64

// KeyLock serializes callers that share a key, using a fixed pool of
// channel-backed locks so memory stays bounded however many keys are seen.
// Distinct keys that hash to the same shard also wait on each other.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a KeyLock with n shards.
func NewKeyLock(n int) *KeyLock {
	if n <= 0 {
		n = DefaultShards
	}
	k := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
	}
	return k
}

// Acquire blocks until key's shard is free or ctx is done. On success the
// caller must invoke release exactly once.
func (k *KeyLock) Acquire(ctx context.Context, key string) (release func(), err error) {
	ch := k.shards[k.shard(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (k *KeyLock) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(k.shards)))
}
