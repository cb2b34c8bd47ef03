package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryBackend is a bounded in-process backend. Every entry lives for the TTL
// the backend was built with; the per-call ttl passed to Set is ignored.
type MemoryBackend struct {
	entries *expirable.LRU[string, []byte]
}

func NewMemoryBackend(size int, ttl time.Duration) *MemoryBackend {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryBackend{entries: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, ok := b.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	b.entries.Add(key, stored)
	return nil
}

func (b *MemoryBackend) Ping(context.Context) error {
	return nil
}

func (b *MemoryBackend) Len() int {
	return b.entries.Len()
}
