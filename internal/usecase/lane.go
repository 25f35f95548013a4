package usecase

import (
	"context"
	"errors"
	"time"

	"CandleFlow/internal/domain/models"
	"CandleFlow/pkg/logger"
)

type opKind int

const (
	opTrades opKind = iota
	opCandles
	opAdvance
	opBarrier
)

// tradeSummary is one trade batch collapsed to what a candle needs.
type tradeSummary struct {
	price  float64
	count  int
	volume float64
	at     time.Time
}

type laneOp struct {
	kind    opKind
	trade   tradeSummary
	candles []models.Candle
	at      time.Time
	done    chan struct{}
}

// lane owns one series. Its goroutine is the only writer of the series and
// of the pending append queue.
type lane struct {
	agg     *Aggregator
	series  *CandleSeries
	inbox   chan laneOp
	pending []models.Candle
	log     *logger.Logger
}

func newLane(agg *Aggregator, key models.SeriesKey) *lane {
	return &lane{
		agg:    agg,
		series: NewCandleSeries(key, agg.retention, agg.now),
		inbox:  make(chan laneOp, agg.laneSize),
		log:    agg.log.With(logger.String("series", key.String())),
	}
}

func (l *lane) run(ctx context.Context) {
	defer l.agg.wg.Done()
	for op := range l.inbox {
		l.apply(ctx, op)
	}
}

func (l *lane) apply(ctx context.Context, op laneOp) {
	key := l.series.Key()
	switch op.kind {
	case opTrades:
		start := time.Now()
		up, err := l.series.UpdateCurrent(op.trade.price, op.trade.count, op.trade.volume, op.trade.at)
		if err != nil {
			if errors.Is(err, models.ErrStaleEvent) {
				l.agg.metrics.RecordDropped("stale_trade", op.trade.count)
				l.log.Debug("stale trade batch dropped", logger.Time("event_time", op.trade.at), logger.Error(err))
				return
			}
			l.log.Warn("trade batch rejected", logger.Error(err))
			return
		}
		l.commit(ctx, up)
		l.agg.metrics.RecordLatency("apply_trades", time.Since(start).Seconds())
	case opCandles:
		up := l.series.InsertClosed(op.candles)
		if up.Dropped > 0 {
			l.agg.metrics.RecordDropped("stale_candle", up.Dropped)
			l.log.Debug("candles dropped", logger.Int("count", up.Dropped))
		}
		if up.Duplicates > 0 {
			l.agg.metrics.RecordDropped("duplicate_candle", up.Duplicates)
		}
		l.commit(ctx, up)
	case opAdvance:
		l.commit(ctx, l.series.Advance(op.at))
	case opBarrier:
		close(op.done)
	default:
		l.log.Warn("unknown lane op", logger.Int("kind", int(op.kind)), logger.String("series", key.String()))
	}
}

// commit persists and announces the outcome of one mutation.
func (l *lane) commit(ctx context.Context, up SeriesUpdate) {
	if n := len(up.Closed); n > 0 {
		l.agg.metrics.RecordRollover(string(l.series.Key().Timeframe), n)
		l.persist(ctx, up.Closed)
	}
	key := l.series.Key()
	handlers := l.agg.subs.handlers(key)
	if len(handlers) == 0 {
		return
	}
	for _, c := range up.Closed {
		l.notify(handlers, models.CandleEvent{Key: key, Candle: c, Closed: true})
	}
	if up.Changed {
		l.notify(handlers, models.CandleEvent{Key: key, Candle: up.Current})
	}
}

func (l *lane) notify(handlers []CandleHandler, ev models.CandleEvent) {
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.log.Error("candle handler panicked", logger.Any("panic", r))
				}
			}()
			h(ev)
		}()
	}
}

// persist appends closed candles in order, retrying earlier failures first.
// On the first failure the rest of the queue is kept for the next attempt.
func (l *lane) persist(ctx context.Context, closed []models.Candle) {
	if l.agg.history == nil {
		return
	}
	queue := append(l.pending, closed...)
	l.pending = nil
	if err := l.flushQueue(ctx, queue); err != nil {
		l.log.Warn("candle append failed, will retry",
			logger.Int("pending", len(l.pending)), logger.Error(err))
	}
	l.agg.metrics.RecordPendingAppends(l.series.Key().String(), len(l.pending))
}

func (l *lane) flushQueue(ctx context.Context, queue []models.Candle) error {
	key := l.series.Key()
	for i, c := range queue {
		actx, cancel := context.WithTimeout(ctx, l.agg.persistTimeout)
		err := l.agg.history.Append(actx, key, c)
		cancel()
		if err == nil {
			continue
		}
		l.agg.metrics.RecordAppendFailure(string(key.Source))
		rest := queue[i:]
		if len(rest) > l.agg.retention {
			l.agg.metrics.RecordDropped("pending_overflow", len(rest)-l.agg.retention)
			rest = rest[len(rest)-l.agg.retention:]
		}
		l.pending = append([]models.Candle(nil), rest...)
		return err
	}
	return nil
}
