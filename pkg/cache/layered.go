package cache

import (
	"context"
	"time"
)

var _ Broadcaster = (*LayeredCache)(nil)

// LayeredCache implements two-level cache (L1: Memory, L2: a remote
// Broadcaster such as RedisCache). Writes go through to L2 first.
type LayeredCache struct {
	memCache *MemoryCache
	remote   Broadcaster
}

// NewLayeredCache creates a layered cache in front of remote.
func NewLayeredCache(remote Broadcaster, opts ...MemoryOption) *LayeredCache {
	return &LayeredCache{
		memCache: NewMemoryCache(opts...),
		remote:   remote,
	}
}

func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := lc.remote.Set(ctx, key, value, expiration); err != nil {
		return err
	}
	_ = lc.memCache.Set(ctx, key, value, expiration)
	return nil
}

// SetAndPublish writes and publishes through L2, then fills L1.
func (lc *LayeredCache) SetAndPublish(ctx context.Context, key string, value interface{}, expiration time.Duration, channel string) error {
	if err := lc.remote.SetAndPublish(ctx, key, value, expiration, channel); err != nil {
		return err
	}
	_ = lc.memCache.Set(ctx, key, value, expiration)
	return nil
}

func (lc *LayeredCache) Get(ctx context.Context, key string, dest interface{}) error {
	if err := lc.memCache.Get(ctx, key, dest); err == nil {
		return nil
	}
	if err := lc.remote.Get(ctx, key, dest); err != nil {
		return err
	}
	if s, ok := dest.(*string); ok {
		_ = lc.memCache.Set(ctx, key, *s, 0)
	} else {
		_ = lc.memCache.Set(ctx, key, dest, 0)
	}
	return nil
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.memCache.Delete(ctx, keys...)
	return lc.remote.Delete(ctx, keys...)
}

// MGet serves what it can from L1 and asks L2 for the rest.
func (lc *LayeredCache) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	out, _ := lc.memCache.MGet(ctx, keys...)
	missing := make([]string, 0, len(keys)-len(out))
	for _, k := range keys {
		if _, ok := out[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	remote, err := lc.remote.MGet(ctx, missing...)
	if err != nil {
		return nil, err
	}
	for k, v := range remote {
		out[k] = v
		_ = lc.memCache.Set(ctx, k, v, 0)
	}
	return out, nil
}

// Close closes both cache layers.
func (lc *LayeredCache) Close() error {
	_ = lc.memCache.Close()
	return lc.remote.Close()
}
