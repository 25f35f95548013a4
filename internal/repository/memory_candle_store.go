package repository

import (
	"context"
	"sort"
	"sync"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
)

var _ domrepo.HistoryRepository = (*MemoryCandleStore)(nil)

// MemoryCandleStore keeps history in process. Used for dev runs and tests.
type MemoryCandleStore struct {
	mu    sync.RWMutex
	data  map[models.SeriesKey][]models.Candle
	limit int
}

func NewMemoryCandleStore(limit int) *MemoryCandleStore {
	return &MemoryCandleStore{data: make(map[models.SeriesKey][]models.Candle), limit: limit}
}

func (s *MemoryCandleStore) Load(_ context.Context, key models.SeriesKey) ([]models.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Candle(nil), s.data[key]...), nil
}

// Append inserts c in open-time order, replacing an existing candle with the
// same open time, and keeps at most limit candles per key.
func (s *MemoryCandleStore) Append(_ context.Context, key models.SeriesKey, c models.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.data[key]
	i := sort.Search(len(cs), func(i int) bool { return !cs[i].OpenTime.Before(c.OpenTime) })
	switch {
	case i < len(cs) && cs[i].OpenTime.Equal(c.OpenTime):
		cs[i] = c
	case i == len(cs):
		cs = append(cs, c)
	default:
		cs = append(cs, models.Candle{})
		copy(cs[i+1:], cs[i:])
		cs[i] = c
	}
	if s.limit > 0 && len(cs) > s.limit {
		cs = cs[len(cs)-s.limit:]
	}
	s.data[key] = cs
	return nil
}
