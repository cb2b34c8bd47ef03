package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const DefaultTTL = 6 * time.Hour

// Backend stores opaque values with an expiry. A miss is (nil, false, nil).
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Ping(ctx context.Context) error
}

type Cache struct {
	backend Backend
	prefix  string
	ttl     time.Duration
	logger  *zap.Logger
}

func New(backend Backend, prefix string, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{backend: backend, prefix: prefix, ttl: ttl, logger: logger}
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func (c *Cache) Ping(ctx context.Context) error {
	if c == nil || c.backend == nil {
		return fmt.Errorf("cache backend not configured")
	}
	return c.backend.Ping(ctx)
}

// Key derives the storage key for one invocation of the named operation.
func (c *Cache) Key(name string, args any) (string, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode cache args: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return c.prefix + name + ":" + hex.EncodeToString(sum[:]), nil
}

// Wrap returns fn memoized through c. Hits skip fn entirely, errors from fn are
// returned without being stored, and any backend failure degrades to calling fn.
func Wrap[A any, R any](c *Cache, name string, fn func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	if c == nil || c.backend == nil {
		return fn
	}
	return func(ctx context.Context, args A) (R, error) {
		key, err := c.Key(name, args)
		if err != nil {
			c.logger.Warn("cache key failed", zap.String("operation", name), zap.Error(err))
			return fn(ctx, args)
		}

		raw, ok, err := c.backend.Get(ctx, key)
		if err != nil {
			c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			var cached R
			decodeErr := json.Unmarshal(raw, &cached)
			if decodeErr == nil {
				c.logger.Debug("cache hit", zap.String("key", key))
				return cached, nil
			}
			c.logger.Warn("cache decode failed", zap.String("key", key), zap.Error(decodeErr))
		}

		result, err := fn(ctx, args)
		if err != nil {
			return result, err
		}

		encoded, err := json.Marshal(result)
		if err != nil {
			c.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
			return result, nil
		}
		if err := c.backend.Set(ctx, key, encoded, c.ttl); err != nil {
			c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		}
		return result, nil
	}
}
