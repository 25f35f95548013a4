package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/cache"
)

var (
	testKey = models.SeriesKey{Source: "test", Instrument: models.ETHUSD, Timeframe: models.TF1m}
	base    = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
)

func candleAt(i int, price float64) models.Candle {
	return models.Candle{
		Source: testKey.Source, Instrument: testKey.Instrument, Timeframe: testKey.Timeframe,
		OpenTime: base.Add(time.Duration(i) * time.Minute),
		Open:     price, High: price + 1, Low: price - 1, Close: price, Volume: 2, TickCount: 3,
	}
}

func exerciseStore(t *testing.T, store domrepo.HistoryRepository) {
	t.Helper()
	ctx := context.Background()

	got, err := store.Load(ctx, testKey)
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, i := range []int{2, 0, 1, 3} {
		require.NoError(t, store.Append(ctx, testKey, candleAt(i, float64(100+i))))
	}
	require.NoError(t, store.Append(ctx, testKey, candleAt(3, 103)))

	other := testKey
	other.Timeframe = models.TF5m
	require.NoError(t, store.Append(ctx, other, candleAt(0, 1)))

	got, err = store.Load(ctx, testKey)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, c := range got {
		assert.Equal(t, base.Add(time.Duration(i+1)*time.Minute), c.OpenTime)
		assert.Equal(t, testKey, c.Key())
		assert.Equal(t, int64(3), c.TickCount)
		assert.NoError(t, c.Validate())
	}
}

func TestSQLiteCandleStore(t *testing.T) {
	store, err := NewSQLiteCandleStore(filepath.Join(t.TempDir(), "candles.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Health(context.Background()))
	exerciseStore(t, store)
}

func TestSQLiteCandleStoreInMemory(t *testing.T) {
	store, err := NewSQLiteCandleStore(":memory:", 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)
}

func TestMemoryCandleStore(t *testing.T) {
	exerciseStore(t, NewMemoryCandleStore(3))
}

func TestCacheSnapshotStore(t *testing.T) {
	mc := cache.NewMemoryCache()
	t.Cleanup(func() { _ = mc.Close() })
	store := NewCacheSnapshotStore(mc, time.Minute)
	ctx := context.Background()

	ev := models.CandleEvent{Key: testKey, Candle: candleAt(4, 50), Closed: true}
	require.NoError(t, store.Put(ctx, ev))

	got, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, ev.Key, got.Key)
	assert.True(t, got.Candle.OpenTime.Equal(ev.Candle.OpenTime))
	assert.Equal(t, 50.0, got.Candle.Close)

	missing := testKey
	missing.Instrument = models.XRPUSD
	_, err = store.Get(ctx, missing)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	many, err := store.GetMany(ctx, []models.SeriesKey{testKey, missing})
	require.NoError(t, err)
	assert.Len(t, many, 1)
	assert.Contains(t, many, testKey)
}

type broadcastCache struct {
	*cache.MemoryCache
	channels []string
}

func (b *broadcastCache) SetAndPublish(ctx context.Context, key string, value interface{}, ttl time.Duration, channel string) error {
	b.channels = append(b.channels, channel)
	return b.Set(ctx, key, value, ttl)
}

func TestCacheSnapshotStoreBroadcasts(t *testing.T) {
	bc := &broadcastCache{MemoryCache: cache.NewMemoryCache()}
	t.Cleanup(func() { _ = bc.Close() })
	store := NewCacheSnapshotStore(bc, time.Minute, WithBroadcast("events"))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, models.CandleEvent{Key: testKey, Candle: candleAt(1, 10)}))
	assert.Equal(t, []string{"events:" + string(testKey.Source) + ":" + string(testKey.Instrument) + ":" + string(testKey.Timeframe)}, bc.channels)

	got, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 10.0, got.Candle.Close)
}
