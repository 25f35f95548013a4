package repository

import (
	"context"

	"CandleFlow/internal/domain/models"
)

// HistoryRepository is the durable store behind every candle series.
// Load must return candles in ascending open time (possibly empty).
type HistoryRepository interface {
	Load(ctx context.Context, key models.SeriesKey) ([]models.Candle, error)
	Append(ctx context.Context, key models.SeriesKey, c models.Candle) error
}

// StreamHandler receives decoded batches from a source.
// TradeStream and CandleStream are the two implementations.
type StreamHandler interface {
	Channel() models.Channel
}

// TradeStream handles trade batches.
type TradeStream struct {
	OnBatch func(ctx context.Context, batch []models.Trade) error
}

func (TradeStream) Channel() models.Channel { return models.ChannelTrade }

// CandleStream handles finished candle batches.
type CandleStream struct {
	OnBatch func(ctx context.Context, batch []models.Candle) error
}

func (CandleStream) Channel() models.Channel { return models.ChannelCandle }

// EventSource is a market-data source. Its capabilities are read once when
// the key space is built and must not change afterwards.
type EventSource interface {
	ID() models.SourceID
	Instruments() []models.Instrument
	Timeframes() []models.Timeframe
	Subscribe(ctx context.Context, channel models.Channel, instrument models.Instrument, handler StreamHandler) error
}

// Runner is implemented by sources that own a receive loop.
type Runner interface {
	Run(ctx context.Context) error
}

// CandlePublisher forwards candle events to downstream consumers.
type CandlePublisher interface {
	PublishCandle(ctx context.Context, ev models.CandleEvent) error
	Close() error
}

// SnapshotCache keeps the latest candle per series outside the process.
type SnapshotCache interface {
	Put(ctx context.Context, ev models.CandleEvent) error
}

// Metrics records engine health.
type Metrics interface {
	RecordEvent(channel, source string, n int)
	RecordDropped(reason string, n int)
	RecordRollover(timeframe string, n int)
	RecordAppendFailure(source string)
	RecordPendingAppends(key string, n int)
	RecordLastPrice(instrument string, price float64)
	RecordLatency(op string, seconds float64)
}

// BatchFilter screens batches before they reach the aggregator.
type BatchFilter interface {
	FilterTrades(batch []models.Trade) []models.Trade
	FilterCandles(batch []models.Candle) []models.Candle
}
