package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/logger"
)

const (
	DefaultLaneSize         = 1024
	DefaultBootstrapTimeout = 10 * time.Second
	DefaultPersistTimeout   = 5 * time.Second
)

// SeriesSnapshot is the result of a query: closed history plus the current candle.
type SeriesSnapshot struct {
	Key     models.SeriesKey `json:"key"`
	History []models.Candle  `json:"history"`
	Current models.Candle    `json:"current"`
}

type pair struct {
	source     models.SourceID
	instrument models.Instrument
}

// Aggregator owns every candle series of every source. The key space is
// fixed at construction; each key is served by its own lane goroutine.
type Aggregator struct {
	history drepo.HistoryRepository
	sources []drepo.EventSource
	metrics drepo.Metrics
	filter  drepo.BatchFilter
	log     *logger.Logger
	now     func() time.Time

	retention        int
	laneSize         int
	rollInterval     time.Duration
	bootstrapTimeout time.Duration
	persistTimeout   time.Duration

	keys   []models.SeriesKey
	lanes  map[models.SeriesKey]*lane
	byPair map[pair][]*lane
	subs   *subscribers

	mu      sync.RWMutex
	started bool
	closing bool
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

func WithRetention(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.retention = n
		}
	}
}

func WithLaneSize(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.laneSize = n
		}
	}
}

// WithRollInterval enables clock-driven rollover checks. Zero disables them.
func WithRollInterval(d time.Duration) AggregatorOption {
	return func(a *Aggregator) { a.rollInterval = d }
}

func WithTimeouts(bootstrap, persist time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if bootstrap > 0 {
			a.bootstrapTimeout = bootstrap
		}
		if persist > 0 {
			a.persistTimeout = persist
		}
	}
}

func WithMetrics(m drepo.Metrics) AggregatorOption {
	return func(a *Aggregator) {
		if m != nil {
			a.metrics = m
		}
	}
}

func WithLogger(l *logger.Logger) AggregatorOption {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}

// WithBatchFilter screens every batch delivered by a source.
func WithBatchFilter(f drepo.BatchFilter) AggregatorOption {
	return func(a *Aggregator) { a.filter = f }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAggregator builds the full (source x instrument x timeframe) key space.
// history may be nil, in which case series start empty and nothing is persisted.
func NewAggregator(history drepo.HistoryRepository, sources []drepo.EventSource, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		history:          history,
		sources:          sources,
		metrics:          nopMetrics{},
		log:              logger.Nop(),
		now:              time.Now,
		retention:        DefaultRetention,
		laneSize:         DefaultLaneSize,
		bootstrapTimeout: DefaultBootstrapTimeout,
		persistTimeout:   DefaultPersistTimeout,
		lanes:            make(map[models.SeriesKey]*lane),
		byPair:           make(map[pair][]*lane),
		subs:             newSubscribers(),
		stop:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	for _, src := range sources {
		for _, inst := range src.Instruments() {
			for _, tf := range src.Timeframes() {
				if !models.IsValidTimeframe(tf) {
					a.log.Warn("skipping unsupported timeframe",
						logger.String("source", string(src.ID())), logger.String("timeframe", string(tf)))
					continue
				}
				key := models.SeriesKey{Source: src.ID(), Instrument: inst, Timeframe: tf}
				if _, dup := a.lanes[key]; dup {
					continue
				}
				a.lanes[key] = nil
				a.keys = append(a.keys, key)
			}
		}
	}
	sort.Slice(a.keys, func(i, j int) bool { return a.keys[i].Less(a.keys[j]) })
	for _, key := range a.keys {
		l := newLane(a, key)
		a.lanes[key] = l
		p := pair{source: key.Source, instrument: key.Instrument}
		a.byPair[p] = append(a.byPair[p], l)
	}
	return a
}

// Start loads history for every key, starts the lanes and subscribes to
// every source. Bootstrap is sequential; a failing key starts empty.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("aggregator already started")
	}
	a.started = true
	a.mu.Unlock()

	start := time.Now()
	for _, key := range a.keys {
		a.bootstrap(ctx, a.lanes[key])
	}
	a.metrics.RecordLatency("bootstrap", time.Since(start).Seconds())
	a.log.Info("candle series loaded",
		logger.Int("series", len(a.keys)), logger.Duration("took_ms", time.Since(start)))

	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return errors.New("aggregator shut down during start")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	for _, key := range a.keys {
		a.wg.Add(1)
		go a.lanes[key].run(runCtx)
	}
	if a.rollInterval > 0 {
		go a.rollLoop()
	}
	a.mu.Unlock()

	candles := drepo.CandleStream{OnBatch: a.OnCandleBatch}
	trades := drepo.TradeStream{OnBatch: a.OnTradeBatch}
	if a.filter != nil {
		candles.OnBatch = func(ctx context.Context, batch []models.Candle) error {
			return a.OnCandleBatch(ctx, a.filter.FilterCandles(batch))
		}
		trades.OnBatch = func(ctx context.Context, batch []models.Trade) error {
			return a.OnTradeBatch(ctx, a.filter.FilterTrades(batch))
		}
	}
	for _, src := range a.sources {
		for _, inst := range src.Instruments() {
			if err := src.Subscribe(ctx, models.ChannelCandle, inst, candles); err != nil {
				return fmt.Errorf("subscribe %s %s candles: %w", src.ID(), inst, err)
			}
			if err := src.Subscribe(ctx, models.ChannelTrade, inst, trades); err != nil {
				return fmt.Errorf("subscribe %s %s trades: %w", src.ID(), inst, err)
			}
		}
	}
	return nil
}

func (a *Aggregator) bootstrap(ctx context.Context, l *lane) {
	if a.history == nil {
		return
	}
	key := l.series.Key()
	lctx, cancel := context.WithTimeout(ctx, a.bootstrapTimeout)
	defer cancel()

	history, err := a.history.Load(lctx, key)
	if err != nil {
		a.log.Error("load candle history", logger.String("series", key.String()), logger.Error(err))
		l.series.Reset()
		return
	}
	if err := l.series.Load(history); err != nil {
		a.log.Error("rejecting candle history", logger.String("series", key.String()), logger.Error(err))
		l.series.Reset()
		return
	}
	a.log.Debug("series bootstrapped", logger.String("series", key.String()), logger.Int("candles", l.series.Len()))
}

// OnCandleBatch routes a batch of finished candles by its last element.
// Candles belonging to another key are dropped. It never blocks.
func (a *Aggregator) OnCandleBatch(_ context.Context, batch []models.Candle) error {
	if len(batch) == 0 {
		return nil
	}
	key := batch[len(batch)-1].Key()
	l, ok := a.lanes[key]
	if !ok {
		return nil
	}
	candles := make([]models.Candle, 0, len(batch))
	for _, c := range batch {
		if c.Key() == key {
			candles = append(candles, c)
		}
	}
	if n := len(batch) - len(candles); n > 0 {
		a.metrics.RecordDropped("foreign_key", n)
	}
	a.metrics.RecordEvent(string(models.ChannelCandle), string(key.Source), len(candles))
	a.enqueue(l, laneOp{kind: opCandles, candles: candles})
	return nil
}

// OnTradeBatch collapses a trade batch into (last price, count, total size)
// and applies it to every timeframe of the batch's source and instrument.
func (a *Aggregator) OnTradeBatch(_ context.Context, batch []models.Trade) error {
	if len(batch) == 0 {
		return nil
	}
	last := batch[len(batch)-1]
	lanes := a.byPair[pair{source: last.Source, instrument: last.Instrument}]
	if len(lanes) == 0 {
		return nil
	}
	sum := tradeSummary{price: last.Price, count: len(batch), at: last.Timestamp}
	for _, t := range batch {
		sum.volume += t.Size
	}
	if sum.at.IsZero() {
		sum.at = a.now()
	}
	a.metrics.RecordEvent(string(models.ChannelTrade), string(last.Source), len(batch))
	a.metrics.RecordLastPrice(string(last.Instrument), last.Price)
	for _, l := range lanes {
		a.enqueue(l, laneOp{kind: opTrades, trade: sum})
	}
	return nil
}

func (a *Aggregator) enqueue(l *lane, op laneOp) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closing {
		a.metrics.RecordDropped("shutdown", 1)
		return
	}
	select {
	case l.inbox <- op:
	default:
		a.metrics.RecordDropped("lane_overflow", 1)
		l.log.Warn("lane full, event dropped")
	}
}

// Query returns the retained history and current candle of one key.
func (a *Aggregator) Query(source models.SourceID, instrument models.Instrument, tf models.Timeframe) (SeriesSnapshot, error) {
	return a.Range(models.SeriesKey{Source: source, Instrument: instrument, Timeframe: tf}, 0)
}

// Range is Query limited to the last n closed candles (n <= 0 means all).
func (a *Aggregator) Range(key models.SeriesKey, n int) (SeriesSnapshot, error) {
	l, ok := a.lanes[key]
	if !ok {
		return SeriesSnapshot{}, fmt.Errorf("%w: %s", models.ErrNotFound, key)
	}
	history, current := l.series.Snapshot(n)
	return SeriesSnapshot{Key: key, History: history, Current: current}, nil
}

// Latest returns the current candle of one key.
func (a *Aggregator) Latest(key models.SeriesKey) (models.Candle, error) {
	l, ok := a.lanes[key]
	if !ok {
		return models.Candle{}, fmt.Errorf("%w: %s", models.ErrNotFound, key)
	}
	return l.series.Latest(), nil
}

// Keys returns every configured key in deterministic order.
func (a *Aggregator) Keys() []models.SeriesKey {
	out := make([]models.SeriesKey, len(a.keys))
	copy(out, a.keys)
	return out
}

// Subscribe registers h for live events of one key.
func (a *Aggregator) Subscribe(key models.SeriesKey, h CandleHandler) (Subscription, error) {
	if h == nil {
		return Subscription{}, errors.New("nil candle handler")
	}
	if _, ok := a.lanes[key]; !ok {
		return Subscription{}, fmt.Errorf("%w: %s", models.ErrNotFound, key)
	}
	return a.subs.addKey(key, h), nil
}

// SubscribeAll registers h for live events of every key.
func (a *Aggregator) SubscribeAll(h CandleHandler) (Subscription, error) {
	if h == nil {
		return Subscription{}, errors.New("nil candle handler")
	}
	return a.subs.addAll(h), nil
}

// Flush blocks until every lane has processed what was enqueued before the call.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.RLock()
	if !a.started || a.closing {
		a.mu.RUnlock()
		return nil
	}
	barriers := make([]chan struct{}, 0, len(a.keys))
	for _, key := range a.keys {
		done := make(chan struct{})
		select {
		case a.lanes[key].inbox <- laneOp{kind: opBarrier, done: done}:
			barriers = append(barriers, done)
		case <-ctx.Done():
			a.mu.RUnlock()
			return fmt.Errorf("flush: %w", ctx.Err())
		}
	}
	a.mu.RUnlock()

	for _, done := range barriers {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("flush: %w", ctx.Err())
		}
	}
	return nil
}

// Shutdown stops accepting events, drains every lane and retries pending
// appends once. It returns early if ctx expires.
func (a *Aggregator) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.started || a.closing {
		a.mu.Unlock()
		return nil
	}
	a.closing = true
	close(a.stop)
	for _, key := range a.keys {
		close(a.lanes[key].inbox)
	}
	cancel := a.cancel
	a.mu.Unlock()

	// nil when Start is still loading history
	if cancel != nil {
		defer cancel()
	}
	if err := a.waitForWg(ctx); err != nil {
		return err
	}

	var failed int
	for _, key := range a.keys {
		l := a.lanes[key]
		if len(l.pending) == 0 || a.history == nil {
			continue
		}
		queue := l.pending
		l.pending = nil
		if err := l.flushQueue(ctx, queue); err != nil {
			failed += len(l.pending)
			l.log.Error("dropping unpersisted candles", logger.Int("count", len(l.pending)), logger.Error(err))
		}
	}
	if failed > 0 {
		return fmt.Errorf("shutdown: %d candles not persisted", failed)
	}
	a.log.Info("aggregator stopped")
	return nil
}

func (a *Aggregator) waitForWg(ctx context.Context) error {
	doneChan := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(doneChan)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for lanes to drain: %w", ctx.Err())
	case <-doneChan:
		return nil
	}
}

func (a *Aggregator) rollLoop() {
	ticker := time.NewTicker(a.rollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			now := a.now()
			for _, key := range a.keys {
				a.enqueue(a.lanes[key], laneOp{kind: opAdvance, at: now})
			}
		}
	}
}

type nopMetrics struct{}

func (nopMetrics) RecordEvent(string, string, int)  {}
func (nopMetrics) RecordDropped(string, int)        {}
func (nopMetrics) RecordRollover(string, int)       {}
func (nopMetrics) RecordAppendFailure(string)       {}
func (nopMetrics) RecordPendingAppends(string, int) {}
func (nopMetrics) RecordLastPrice(string, float64)  {}
func (nopMetrics) RecordLatency(string, float64)    {}
