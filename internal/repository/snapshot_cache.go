package repository

import (
	"context"
	"fmt"
	"time"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/cache"
)

var _ domrepo.SnapshotCache = (*CacheSnapshotStore)(nil)

// CacheSnapshotStore keeps the latest event of every series in a cache
// under "candle:<source>:<instrument>:<timeframe>". With a broadcast
// channel and a cache.Broadcaster, every event is also published on
// "<channel>:<source>:<instrument>:<timeframe>".
type CacheSnapshotStore struct {
	c       cache.Service
	ttl     time.Duration
	channel string
}

type SnapshotOption func(*CacheSnapshotStore)

// WithBroadcast sets the channel prefix events are published under.
func WithBroadcast(channel string) SnapshotOption {
	return func(s *CacheSnapshotStore) { s.channel = channel }
}

func NewCacheSnapshotStore(c cache.Service, ttl time.Duration, opts ...SnapshotOption) *CacheSnapshotStore {
	s := &CacheSnapshotStore{c: c, ttl: ttl}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func snapshotKey(key models.SeriesKey) string {
	return cache.Key("candle", string(key.Source), string(key.Instrument), string(key.Timeframe))
}

func (s *CacheSnapshotStore) Put(ctx context.Context, ev models.CandleEvent) error {
	if b, ok := s.c.(cache.Broadcaster); ok && s.channel != "" {
		channel := cache.Key(s.channel, string(ev.Key.Source), string(ev.Key.Instrument), string(ev.Key.Timeframe))
		if err := b.SetAndPublish(ctx, snapshotKey(ev.Key), ev, s.ttl, channel); err != nil {
			return fmt.Errorf("broadcast snapshot %s: %w", ev.Key, err)
		}
		return nil
	}
	if err := s.c.Set(ctx, snapshotKey(ev.Key), ev, s.ttl); err != nil {
		return fmt.Errorf("cache snapshot %s: %w", ev.Key, err)
	}
	return nil
}

// Get returns the last cached event for key, or cache.ErrCacheMiss.
func (s *CacheSnapshotStore) Get(ctx context.Context, key models.SeriesKey) (models.CandleEvent, error) {
	var ev models.CandleEvent
	if err := s.c.Get(ctx, snapshotKey(key), &ev); err != nil {
		return models.CandleEvent{}, err
	}
	return ev, nil
}

// GetMany returns the cached events that exist among keys.
func (s *CacheSnapshotStore) GetMany(ctx context.Context, keys []models.SeriesKey) (map[models.SeriesKey]models.CandleEvent, error) {
	raw := make([]string, len(keys))
	for i, k := range keys {
		raw[i] = snapshotKey(k)
	}
	found, err := cache.MGetTyped[models.CandleEvent](ctx, s.c, raw...)
	if err != nil {
		return nil, fmt.Errorf("cache snapshots: %w", err)
	}
	out := make(map[models.SeriesKey]models.CandleEvent, len(found))
	for i, k := range keys {
		if ev, ok := found[raw[i]]; ok {
			out[k] = ev
		}
	}
	return out, nil
}
