package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// remoteCache stands in for Redis and records what reaches it.
type remoteCache struct {
	*MemoryCache
	published []string
	mgets     [][]string
	failSet   bool
}

func newRemoteCache(t *testing.T) *remoteCache {
	rc := &remoteCache{MemoryCache: NewMemoryCache()}
	t.Cleanup(func() { _ = rc.MemoryCache.Close() })
	return rc
}

func (r *remoteCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if r.failSet {
		return errors.New("remote down")
	}
	return r.MemoryCache.Set(ctx, key, value, ttl)
}

func (r *remoteCache) SetAndPublish(ctx context.Context, key string, value interface{}, ttl time.Duration, channel string) error {
	if err := r.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	r.published = append(r.published, channel)
	return nil
}

func (r *remoteCache) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	r.mgets = append(r.mgets, keys)
	return r.MemoryCache.MGet(ctx, keys...)
}

func TestLayeredCacheWritesThrough(t *testing.T) {
	remote := newRemoteCache(t)
	lc := NewLayeredCache(remote)
	t.Cleanup(func() { _ = lc.memCache.Close() })
	ctx := context.Background()

	require.NoError(t, lc.SetAndPublish(ctx, "k", sample{Name: "btc", Price: 1}, time.Minute, "events:k"))
	assert.Equal(t, []string{"events:k"}, remote.published)

	var fromRemote sample
	require.NoError(t, remote.Get(ctx, "k", &fromRemote))
	assert.Equal(t, "btc", fromRemote.Name)

	var fromL1 sample
	require.NoError(t, lc.memCache.Get(ctx, "k", &fromL1))
	assert.Equal(t, "btc", fromL1.Name)
}

func TestLayeredCacheRemoteFailureSkipsL1(t *testing.T) {
	remote := newRemoteCache(t)
	remote.failSet = true
	lc := NewLayeredCache(remote)
	t.Cleanup(func() { _ = lc.memCache.Close() })
	ctx := context.Background()

	assert.Error(t, lc.Set(ctx, "k", "v", 0))
	var v string
	assert.ErrorIs(t, lc.Get(ctx, "k", &v), ErrCacheMiss)
}

func TestLayeredCacheBackfillsFromRemote(t *testing.T) {
	remote := newRemoteCache(t)
	lc := NewLayeredCache(remote)
	t.Cleanup(func() { _ = lc.memCache.Close() })
	ctx := context.Background()

	require.NoError(t, remote.Set(ctx, "a", "one", 0))
	require.NoError(t, remote.Set(ctx, "b", sample{Name: "two"}, 0))
	require.NoError(t, lc.Set(ctx, "c", sample{Name: "three"}, 0))

	var s string
	require.NoError(t, lc.Get(ctx, "a", &s))
	assert.Equal(t, "one", s)
	require.NoError(t, lc.memCache.Get(ctx, "a", &s))
	assert.Equal(t, "one", s)

	got, err := MGetTyped[sample](ctx, lc, "b", "c", "missing")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "two", got["b"].Name)
	assert.Equal(t, "three", got["c"].Name)
	require.Len(t, remote.mgets, 1)
	assert.ElementsMatch(t, []string{"b", "missing"}, remote.mgets[0])

	require.NoError(t, lc.Delete(ctx, "c"))
	var gone sample
	assert.ErrorIs(t, lc.Get(ctx, "c", &gone), ErrCacheMiss)
}
