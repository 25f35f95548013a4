// Package kafkafeed is an EventSource fed by Kafka topics carrying trades
// and finished candles encoded as JSON.
package kafkafeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	pkgkafka "CandleFlow/pkg/kafka"
	"CandleFlow/pkg/logger"
)

var (
	_ drepo.EventSource       = (*Feed)(nil)
	_ drepo.Runner            = (*Feed)(nil)
	_ pkgkafka.MessageHandler = (*tradeHandler)(nil)
	_ pkgkafka.MessageHandler = (*candleHandler)(nil)
)

// Consumer is the part of pkg/kafka.Consumer the feed drives.
type Consumer interface {
	RegisterHandler(pkgkafka.MessageHandler)
	WithConsumerHook(pkgkafka.ConsumerHook)
	Start() error
	Stop(ctx context.Context) error
}

// Feed decodes Kafka messages and hands them to subscribed streams. The
// message source field is ignored; every event is stamped with the feed id.
type Feed struct {
	id          models.SourceID
	consumer    Consumer
	tradeTopic  string
	candleTopic string
	instruments []models.Instrument
	timeframes  []models.Timeframe
	metrics     drepo.Metrics
	log         *logger.Logger
	stopTimeout time.Duration

	mu      sync.RWMutex
	trades  map[models.Instrument]drepo.TradeStream
	candles map[models.Instrument]drepo.CandleStream
}

type Option func(*Feed)

func WithTopics(trades, candles string) Option {
	return func(f *Feed) {
		f.tradeTopic = trades
		f.candleTopic = candles
	}
}

func WithMetrics(m drepo.Metrics) Option {
	return func(f *Feed) {
		if m != nil {
			f.metrics = m
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(f *Feed) {
		if l != nil {
			f.log = l
		}
	}
}

// New creates a feed. An empty topic disables that channel.
func New(id models.SourceID, consumer Consumer, instruments []models.Instrument, timeframes []models.Timeframe, opts ...Option) *Feed {
	f := &Feed{
		id:          id,
		consumer:    consumer,
		tradeTopic:  "candleflow.trades",
		candleTopic: "candleflow.candles",
		instruments: instruments,
		timeframes:  timeframes,
		log:         logger.Nop(),
		stopTimeout: 10 * time.Second,
		trades:      make(map[models.Instrument]drepo.TradeStream),
		candles:     make(map[models.Instrument]drepo.CandleStream),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Feed) ID() models.SourceID              { return f.id }
func (f *Feed) Instruments() []models.Instrument { return f.instruments }
func (f *Feed) Timeframes() []models.Timeframe   { return f.timeframes }

func (f *Feed) Subscribe(_ context.Context, channel models.Channel, inst models.Instrument, h drepo.StreamHandler) error {
	if !f.supports(inst) {
		return fmt.Errorf("kafkafeed %s: instrument %s not configured", f.id, inst)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch s := h.(type) {
	case drepo.TradeStream:
		if channel != models.ChannelTrade || s.OnBatch == nil {
			return fmt.Errorf("kafkafeed %s: bad trade subscription on %q", f.id, channel)
		}
		f.trades[inst] = s
	case drepo.CandleStream:
		if channel != models.ChannelCandle || s.OnBatch == nil {
			return fmt.Errorf("kafkafeed %s: bad candle subscription on %q", f.id, channel)
		}
		f.candles[inst] = s
	default:
		return fmt.Errorf("kafkafeed %s: unsupported handler %T", f.id, h)
	}
	return nil
}

// Handlers returns the topic handlers for the configured channels.
func (f *Feed) Handlers() []pkgkafka.MessageHandler {
	var out []pkgkafka.MessageHandler
	if f.tradeTopic != "" {
		out = append(out, &tradeHandler{feed: f})
	}
	if f.candleTopic != "" {
		out = append(out, &candleHandler{feed: f})
	}
	return out
}

// Run starts the consumer and stops it when ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	for _, h := range f.Handlers() {
		f.consumer.RegisterHandler(h)
	}
	f.consumer.WithConsumerHook(pkgkafka.HookFuncs{
		After: func(_ context.Context, _ string, _ []byte, err error) {
			if err != nil && f.metrics != nil {
				f.metrics.RecordDropped("kafka_handle_error", 1)
			}
		},
	})
	if err := f.consumer.Start(); err != nil {
		return fmt.Errorf("kafkafeed %s: start consumer: %w", f.id, err)
	}
	f.log.Info("kafka feed running",
		logger.String("source", string(f.id)),
		logger.String("trades_topic", f.tradeTopic),
		logger.String("candles_topic", f.candleTopic))

	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), f.stopTimeout)
	defer cancel()
	return f.consumer.Stop(sctx)
}

// HandleTrades decodes one trades message and dispatches it per instrument.
func (f *Feed) HandleTrades(ctx context.Context, b []byte) error {
	var trades []models.Trade
	if err := decodeList(b, &trades); err != nil {
		return err
	}
	groups := make(map[models.Instrument][]models.Trade)
	var order []models.Instrument
	for _, t := range trades {
		t.Source = f.id
		if _, seen := groups[t.Instrument]; !seen {
			order = append(order, t.Instrument)
		}
		groups[t.Instrument] = append(groups[t.Instrument], t)
	}
	for _, inst := range order {
		f.mu.RLock()
		h, ok := f.trades[inst]
		f.mu.RUnlock()
		if !ok {
			continue
		}
		if err := h.OnBatch(ctx, groups[inst]); err != nil {
			return err
		}
	}
	return nil
}

// HandleCandles decodes one candles message and dispatches one batch per
// series, keeping message order within each series.
func (f *Feed) HandleCandles(ctx context.Context, b []byte) error {
	var candles []models.Candle
	if err := decodeList(b, &candles); err != nil {
		return err
	}
	groups := make(map[models.SeriesKey][]models.Candle)
	var order []models.SeriesKey
	for _, c := range candles {
		c.Source = f.id
		k := c.Key()
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c)
	}
	for _, k := range order {
		f.mu.RLock()
		h, ok := f.candles[k.Instrument]
		f.mu.RUnlock()
		if !ok {
			continue
		}
		if err := h.OnBatch(ctx, groups[k]); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) supports(inst models.Instrument) bool {
	for _, v := range f.instruments {
		if v == inst {
			return true
		}
	}
	return false
}

// decodeList accepts either a JSON array or a single object.
func decodeList[T any](b []byte, out *[]T) error {
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte("[")) {
		if err := json.Unmarshal(b, out); err != nil {
			return fmt.Errorf("decode batch: %w", err)
		}
		return nil
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	*out = []T{one}
	return nil
}

type tradeHandler struct{ feed *Feed }

func (h *tradeHandler) Topic() string { return h.feed.tradeTopic }
func (h *tradeHandler) Handle(ctx context.Context, b []byte) error {
	return h.feed.HandleTrades(ctx, b)
}

type candleHandler struct{ feed *Feed }

func (h *candleHandler) Topic() string { return h.feed.candleTopic }
func (h *candleHandler) Handle(ctx context.Context, b []byte) error {
	return h.feed.HandleCandles(ctx, b)
}
