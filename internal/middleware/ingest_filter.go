package middleware

import (
	"fmt"
	"math"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
)

var _ domrepo.BatchFilter = (*IngestFilter)(nil)

// IngestFilter sits between the sources and the aggregator and removes
// malformed trades and candles from each batch.
type IngestFilter struct {
	metrics   domrepo.Metrics
	transform func(models.Trade) models.Trade
}

type FilterOption func(*IngestFilter)

// WithTransform sets a hook applied to every trade before validation.
func WithTransform(fn func(models.Trade) models.Trade) FilterOption {
	return func(f *IngestFilter) { f.transform = fn }
}

// NewIngestFilter creates a filter. metrics may be nil.
func NewIngestFilter(metrics domrepo.Metrics, opts ...FilterOption) *IngestFilter {
	f := &IngestFilter{metrics: metrics}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FilterTrades returns the valid trades of batch in order. The input slice
// is reused when nothing is dropped.
func (f *IngestFilter) FilterTrades(batch []models.Trade) []models.Trade {
	ok := true
	for i := range batch {
		if f.transform != nil {
			batch[i] = f.transform(batch[i])
		}
		if validateTrade(batch[i]) != nil {
			ok = false
		}
	}
	if ok {
		return batch
	}
	out := make([]models.Trade, 0, len(batch))
	for _, t := range batch {
		if validateTrade(t) == nil {
			out = append(out, t)
		}
	}
	f.dropped("invalid_trade", len(batch)-len(out))
	return out
}

// FilterCandles returns the well-formed candles of batch in order.
func (f *IngestFilter) FilterCandles(batch []models.Candle) []models.Candle {
	out := make([]models.Candle, 0, len(batch))
	for _, c := range batch {
		if c.Validate() == nil && c.Source != "" && c.Instrument != "" {
			out = append(out, c)
		}
	}
	f.dropped("invalid_candle", len(batch)-len(out))
	return out
}

func (f *IngestFilter) dropped(reason string, n int) {
	if f.metrics != nil && n > 0 {
		f.metrics.RecordDropped(reason, n)
	}
}

func validateTrade(t models.Trade) error {
	if t.Instrument == "" {
		return fmt.Errorf("instrument empty")
	}
	if t.Source == "" {
		return fmt.Errorf("source empty")
	}
	if t.Price <= 0 || math.IsNaN(t.Price) || math.IsInf(t.Price, 0) {
		return fmt.Errorf("price invalid")
	}
	if t.Size < 0 || math.IsNaN(t.Size) {
		return fmt.Errorf("negative size")
	}
	return nil
}
