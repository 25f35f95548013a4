package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
)

type fakeSource struct {
	id          models.SourceID
	instruments []models.Instrument
	timeframes  []models.Timeframe

	mu       sync.Mutex
	handlers map[models.Channel]map[models.Instrument]drepo.StreamHandler
}

func newFakeSource(id models.SourceID, inst []models.Instrument, tfs []models.Timeframe) *fakeSource {
	return &fakeSource{
		id: id, instruments: inst, timeframes: tfs,
		handlers: make(map[models.Channel]map[models.Instrument]drepo.StreamHandler),
	}
}

func (s *fakeSource) ID() models.SourceID              { return s.id }
func (s *fakeSource) Instruments() []models.Instrument { return s.instruments }
func (s *fakeSource) Timeframes() []models.Timeframe   { return s.timeframes }

func (s *fakeSource) Subscribe(_ context.Context, ch models.Channel, inst models.Instrument, h drepo.StreamHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.Channel() != ch {
		return errors.New("channel mismatch")
	}
	if s.handlers[ch] == nil {
		s.handlers[ch] = make(map[models.Instrument]drepo.StreamHandler)
	}
	s.handlers[ch][inst] = h
	return nil
}

func (s *fakeSource) pushTrades(t *testing.T, inst models.Instrument, trades ...models.Trade) {
	t.Helper()
	s.mu.Lock()
	h, ok := s.handlers[models.ChannelTrade][inst].(drepo.TradeStream)
	s.mu.Unlock()
	require.True(t, ok, "no trade handler for %s", inst)
	for i := range trades {
		trades[i].Source, trades[i].Instrument = s.id, inst
	}
	require.NoError(t, h.OnBatch(context.Background(), trades))
}

func (s *fakeSource) pushCandles(t *testing.T, inst models.Instrument, candles ...models.Candle) {
	t.Helper()
	s.mu.Lock()
	h, ok := s.handlers[models.ChannelCandle][inst].(drepo.CandleStream)
	s.mu.Unlock()
	require.True(t, ok, "no candle handler for %s", inst)
	require.NoError(t, h.OnBatch(context.Background(), candles))
}

type fakeHistory struct {
	mu       sync.Mutex
	data     map[models.SeriesKey][]models.Candle
	loadErr  error
	failNext int
	appended []models.Candle
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{data: make(map[models.SeriesKey][]models.Candle)}
}

func (h *fakeHistory) Load(_ context.Context, key models.SeriesKey) ([]models.Candle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loadErr != nil {
		return nil, h.loadErr
	}
	return h.data[key], nil
}

func (h *fakeHistory) Append(_ context.Context, _ models.SeriesKey, c models.Candle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failNext > 0 {
		h.failNext--
		return errors.New("store unavailable")
	}
	h.appended = append(h.appended, c)
	return nil
}

func (h *fakeHistory) appendedCandles() []models.Candle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.Candle(nil), h.appended...)
}

type countingMetrics struct {
	nopMetrics
	mu      sync.Mutex
	dropped map[string]int
}

func (m *countingMetrics) RecordDropped(reason string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dropped == nil {
		m.dropped = make(map[string]int)
	}
	m.dropped[reason] += n
}

func (m *countingMetrics) droppedFor(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

func startAggregator(t *testing.T, history drepo.HistoryRepository, sources []drepo.EventSource, opts ...AggregatorOption) *Aggregator {
	t.Helper()
	opts = append([]AggregatorOption{WithClock(fixedClock(t0))}, opts...)
	agg := NewAggregator(history, sources, opts...)
	require.NoError(t, agg.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = agg.Shutdown(ctx)
	})
	return agg
}

func flush(t *testing.T, agg *Aggregator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, agg.Flush(ctx))
}

func TestAggregatorKeySpace(t *testing.T) {
	a := newFakeSource("alpha", []models.Instrument{models.ETHUSD, models.BTCUSD}, []models.Timeframe{models.TF1h, models.TF1m})
	b := newFakeSource("beta", []models.Instrument{models.SOLUSD}, []models.Timeframe{models.TF5m, "7m"})

	agg := NewAggregator(nil, []drepo.EventSource{b, a}, WithClock(fixedClock(t0)))
	keys := agg.Keys()
	require.Len(t, keys, 5)
	assert.Equal(t, models.SeriesKey{Source: "alpha", Instrument: models.BTCUSD, Timeframe: models.TF1m}, keys[0])
	assert.Equal(t, models.SeriesKey{Source: "alpha", Instrument: models.BTCUSD, Timeframe: models.TF1h}, keys[1])
	assert.Equal(t, models.SeriesKey{Source: "beta", Instrument: models.SOLUSD, Timeframe: models.TF5m}, keys[4])
}

func TestAggregatorQuery(t *testing.T) {
	src := newFakeSource("alpha", []models.Instrument{models.BTCUSD}, []models.Timeframe{models.TF1m})
	agg := startAggregator(t, nil, []drepo.EventSource{src})

	_, err := agg.Query("alpha", models.ETHUSD, models.TF1m)
	require.ErrorIs(t, err, models.ErrNotFound)
	_, err = agg.Query("alpha", models.BTCUSD, models.TF5m)
	require.ErrorIs(t, err, models.ErrNotFound)

	snap, err := agg.Query("alpha", models.BTCUSD, models.TF1m)
	require.NoError(t, err)
	assert.Empty(t, snap.History)
	assert.Equal(t, t0, snap.Current.OpenTime)
	assert.Equal(t, models.BTCUSD, snap.Current.Instrument)
}

func TestAggregatorTradeFanOut(t *testing.T) {
	tfs := []models.Timeframe{models.TF1m, models.TF5m, models.TF1h}
	src := newFakeSource("alpha", []models.Instrument{models.BTCUSD}, tfs)
	agg := startAggregator(t, nil, []drepo.EventSource{src})

	src.pushTrades(t, models.BTCUSD,
		models.Trade{Price: 100, Size: 1, Timestamp: t0},
		models.Trade{Price: 101, Size: 2, Timestamp: t0.Add(time.Second)},
		models.Trade{Price: 99, Size: 0.5, Timestamp: t0.Add(2 * time.Second)},
	)
	flush(t, agg)

	for _, tf := range tfs {
		c, err := agg.Latest(models.SeriesKey{Source: "alpha", Instrument: models.BTCUSD, Timeframe: tf})
		require.NoError(t, err)
		assert.Equal(t, 99.0, c.Open, tf)
		assert.Equal(t, 99.0, c.Close, tf)
		assert.Equal(t, 3.5, c.Volume, tf)
		assert.Equal(t, int64(3), c.TickCount, tf)
	}
}

func TestAggregatorTradeRolloverAcrossTimeframes(t *testing.T) {
	src := newFakeSource("alpha", []models.Instrument{models.BTCUSD}, []models.Timeframe{models.TF1m, models.TF5m})
	agg := startAggregator(t, nil, []drepo.EventSource{src})

	src.pushTrades(t, models.BTCUSD, models.Trade{Price: 100, Size: 1, Timestamp: t0})
	src.pushTrades(t, models.BTCUSD, models.Trade{Price: 105, Size: 2, Timestamp: t0.Add(30 * time.Second)})
	src.pushTrades(t, models.BTCUSD, models.Trade{Price: 102, Size: 1, Timestamp: t0.Add(61 * time.Second)})
	flush(t, agg)

	m1, err := agg.Range(models.SeriesKey{Source: "alpha", Instrument: models.BTCUSD, Timeframe: models.TF1m}, 0)
	require.NoError(t, err)
	require.Len(t, m1.History, 1)
	assert.Equal(t, 105.0, m1.History[0].Close)
	assert.Equal(t, 105.0, m1.Current.Open)
	assert.Equal(t, 102.0, m1.Current.Close)

	m5, err := agg.Range(models.SeriesKey{Source: "alpha", Instrument: models.BTCUSD, Timeframe: models.TF5m}, 0)
	require.NoError(t, err)
	assert.Empty(t, m5.History)
	assert.Equal(t, 4.0, m5.Current.Volume)
	assert.Equal(t, int64(3), m5.Current.TickCount)
}

func TestAggregatorCandleRouting(t *testing.T) {
	src := newFakeSource("alpha", []models.Instrument{models.BTCUSD}, []models.Timeframe{models.TF1m, models.TF5m})
	metrics := &countingMetrics{}
	agg := startAggregator(t, nil, []drepo.EventSource{src}, WithMetrics(metrics))

	k1 := models.SeriesKey{Source: "alpha", Instrument: models.BTCUSD, Timeframe: models.TF1m}
	k5 := models.SeriesKey{Source: "alpha", Instrument: models.BTCUSD, Timeframe: models.TF5m}
	src.pushCandles(t, models.BTCUSD,
		closedCandle(k5, t0, 1, 1, 1, 1, 1),
		closedCandle(k1, t0, 1, 2, 1, 2, 1),
		closedCandle(k1, t0.Add(time.Minute), 2, 3, 2, 3, 1),
	)
	unknown := models.SeriesKey{Source: "alpha", Instrument: models.BTCUSD, Timeframe: models.TF1d}
	require.NoError(t, agg.OnCandleBatch(context.Background(), []models.Candle{closedCandle(unknown, t0, 1, 1, 1, 1, 1)}))
	flush(t, agg)

	s1, err := agg.Range(k1, 0)
	require.NoError(t, err)
	require.Len(t, s1.History, 2)
	assert.Equal(t, t0.Add(2*time.Minute), s1.Current.OpenTime)
	assert.Equal(t, 3.0, s1.Current.Open)

	s5, err := agg.Range(k5, 0)
	require.NoError(t, err)
	assert.Empty(t, s5.History)
	assert.Equal(t, 1, metrics.droppedFor("foreign_key"))
}

func TestAggregatorBootstrap(t *testing.T) {
	key := models.SeriesKey{Source: "alpha", Instrument: models.BTCUSD, Timeframe: models.TF1m}
	bad := models.SeriesKey{Source: "alpha", Instrument: models.ETHUSD, Timeframe: models.TF1m}
	history := newFakeHistory()
	history.data[key] = []models.Candle{
		closedCandle(key, t0.Add(-2*time.Minute), 1, 1, 1, 1, 1),
		closedCandle(key, t0.Add(-time.Minute), 1, 2, 1, 2, 1),
	}
	history.data[bad] = []models.Candle{
		closedCandle(bad, t0.Add(-time.Minute), 1, 1, 1, 1, 1),
		closedCandle(bad, t0.Add(-2*time.Minute), 1, 1, 1, 1, 1),
	}

	src := newFakeSource("alpha", []models.Instrument{models.BTCUSD, models.ETHUSD}, []models.Timeframe{models.TF1m})
	agg := startAggregator(t, history, []drepo.EventSource{src})

	snap, err := agg.Range(key, 0)
	require.NoError(t, err)
	assert.Len(t, snap.History, 2)
	assert.Equal(t, t0, snap.Current.OpenTime)

	snap, err = agg.Range(bad, 0)
	require.NoError(t, err)
	assert.Empty(t, snap.History)
	assert.Equal(t, t0, snap.Current.OpenTime)
}

func TestAggregatorBootstrapRepositoryError(t *testing.T) {
	history := newFakeHistory()
	history.loadErr = errors.New("connection refused")
	src := newFakeSource("alpha", []models.Instrument{models.BTCUSD}, []models.Timeframe{models.TF1m})
	agg := startAggregator(t, history, []drepo.EventSource{src})

	snap, err := agg.Query("alpha", models.BTCUSD, models.TF1m)
	require.NoError(t, err)
	assert.Empty(t, snap.History)
}

func TestAggregatorSubscribe(t *testing.T) {
	src := newFakeSource("alpha", []models.Instrument{models.BTCUSD}, []models.Timeframe{models.TF1m})
	agg := startAggregator(t, nil, []drepo.EventSource{src})
	key := models.SeriesKey{Source: "alpha", Instrument: models.BTCUSD, Timeframe: models.TF1m}

	var mu sync.Mutex
	var events []models.CandleEvent
	sub, err := agg.Subscribe(key, func(ev models.CandleEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID())

	var all int
	allSub, err := agg.SubscribeAll(func(models.CandleEvent) {
		mu.Lock()
		all++
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.NotEqual(t, sub.ID(), allSub.ID())

	_, err = agg.Subscribe(models.SeriesKey{Source: "nope", Instrument: models.BTCUSD, Timeframe: models.TF1m}, func(models.CandleEvent) {})
	require.ErrorIs(t, err, models.ErrNotFound)

	src.pushTrades(t, models.BTCUSD, models.Trade{Price: 100, Size: 1, Timestamp: t0})
	src.pushTrades(t, models.BTCUSD, models.Trade{Price: 101, Size: 1, Timestamp: t0.Add(time.Minute)})
	flush(t, agg)

	mu.Lock()
	require.Len(t, events, 3)
	assert.False(t, events[0].Closed)
	assert.True(t, events[1].Closed)
	assert.Equal(t, t0, events[1].Candle.OpenTime)
	assert.False(t, events[2].Closed)
	assert.Equal(t, t0.Add(time.Minute), events[2].Candle.OpenTime)
	assert.Equal(t, 3, all)
	mu.Unlock()

	sub.Unsubscribe()
	sub.Unsubscribe()
	src.pushTrades(t, models.BTCUSD, models.Trade{Price: 102, Size: 1, Timestamp: t0.Add(time.Minute)})
	flush(t, agg)

	mu.Lock()
	assert.Len(t, events, 3)
	assert.Equal(t, 4, all)
	mu.Unlock()
}

func TestAggregatorPendingAppendRetry(t *testing.T) {
	history := newFakeHistory()
	history.failNext = 1
	src := newFakeSource("alpha", []models.Instrument{models.BTCUSD}, []models.Timeframe{models.TF1m})
	agg := startAggregator(t, history, []drepo.EventSource{src})

	src.pushTrades(t, models.BTCUSD, models.Trade{Price: 100, Size: 1, Timestamp: t0})
	src.pushTrades(t, models.BTCUSD, models.Trade{Price: 101, Size: 1, Timestamp: t0.Add(time.Minute)})
	flush(t, agg)
	assert.Empty(t, history.appendedCandles())

	src.pushTrades(t, models.BTCUSD, models.Trade{Price: 102, Size: 1, Timestamp: t0.Add(2 * time.Minute)})
	flush(t, agg)

	appended := history.appendedCandles()
	require.Len(t, appended, 2)
	assert.Equal(t, t0, appended[0].OpenTime)
	assert.Equal(t, t0.Add(time.Minute), appended[1].OpenTime)
}

func TestAggregatorShutdownRetriesPending(t *testing.T) {
	history := newFakeHistory()
	history.failNext = 1
	src := newFakeSource("alpha", []models.Instrument{models.BTCUSD}, []models.Timeframe{models.TF1m})
	agg := NewAggregator(history, []drepo.EventSource{src}, WithClock(fixedClock(t0)))
	require.NoError(t, agg.Start(context.Background()))

	src.pushTrades(t, models.BTCUSD, models.Trade{Price: 100, Size: 1, Timestamp: t0})
	src.pushTrades(t, models.BTCUSD, models.Trade{Price: 101, Size: 1, Timestamp: t0.Add(time.Minute)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, agg.Shutdown(ctx))
	assert.Len(t, history.appendedCandles(), 1)

	require.NoError(t, agg.OnTradeBatch(ctx, []models.Trade{{Source: "alpha", Instrument: models.BTCUSD, Price: 1, Size: 1, Timestamp: t0}}))
	require.NoError(t, agg.Shutdown(ctx))
}

func TestAggregatorLaneOverflow(t *testing.T) {
	src := newFakeSource("alpha", []models.Instrument{models.BTCUSD}, []models.Timeframe{models.TF1m})
	metrics := &countingMetrics{}
	agg := NewAggregator(nil, []drepo.EventSource{src}, WithLaneSize(1), WithMetrics(metrics), WithClock(fixedClock(t0)))

	trade := []models.Trade{{Source: "alpha", Instrument: models.BTCUSD, Price: 1, Size: 1, Timestamp: t0}}
	for i := 0; i < 3; i++ {
		require.NoError(t, agg.OnTradeBatch(context.Background(), trade))
	}
	assert.Equal(t, 2, metrics.droppedFor("lane_overflow"))
}

func TestAggregatorConcurrentProducers(t *testing.T) {
	src := newFakeSource("alpha", []models.Instrument{models.BTCUSD}, []models.Timeframe{models.TF1s, models.TF1m})
	agg := startAggregator(t, nil, []drepo.EventSource{src}, WithLaneSize(4096))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ts := t0.Add(time.Duration(i) * 500 * time.Millisecond)
				_ = agg.OnTradeBatch(context.Background(), []models.Trade{{
					Source: "alpha", Instrument: models.BTCUSD,
					Price: float64(100 + g + i%7), Size: 1, Timestamp: ts,
				}})
			}
		}(g)
	}
	wg.Wait()
	flush(t, agg)

	for _, key := range agg.Keys() {
		snap, err := agg.Range(key, 0)
		require.NoError(t, err)
		assertStrictlyIncreasing(t, append(snap.History, snap.Current))
	}
}

type rejectAll struct{}

func (rejectAll) FilterTrades([]models.Trade) []models.Trade    { return nil }
func (rejectAll) FilterCandles([]models.Candle) []models.Candle { return nil }

func TestAggregatorBatchFilter(t *testing.T) {
	src := newFakeSource("alpha", []models.Instrument{models.BTCUSD}, []models.Timeframe{models.TF1m})
	agg := startAggregator(t, nil, []drepo.EventSource{src}, WithBatchFilter(rejectAll{}))

	src.pushTrades(t, models.BTCUSD, models.Trade{Price: 100, Size: 1, Timestamp: t0})
	flush(t, agg)

	c, err := agg.Latest(models.SeriesKey{Source: "alpha", Instrument: models.BTCUSD, Timeframe: models.TF1m})
	require.NoError(t, err)
	assert.Zero(t, c.TickCount)
}

type blockingHistory struct {
	*fakeHistory
	entered chan struct{}
	release chan struct{}
}

func (h *blockingHistory) Load(ctx context.Context, key models.SeriesKey) ([]models.Candle, error) {
	select {
	case h.entered <- struct{}{}:
	default:
	}
	<-h.release
	return h.fakeHistory.Load(ctx, key)
}

func TestAggregatorShutdownDuringBootstrap(t *testing.T) {
	history := &blockingHistory{
		fakeHistory: newFakeHistory(),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	src := newFakeSource("alpha", []models.Instrument{models.BTCUSD}, []models.Timeframe{models.TF1m})
	agg := NewAggregator(history, []drepo.EventSource{src}, WithClock(fixedClock(t0)))

	startErr := make(chan error, 1)
	go func() { startErr <- agg.Start(context.Background()) }()
	<-history.entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NotPanics(t, func() { require.NoError(t, agg.Shutdown(ctx)) })

	close(history.release)
	select {
	case err := <-startErr:
		assert.ErrorContains(t, err, "shut down during start")
	case <-time.After(time.Second):
		t.Fatal("start did not return")
	}
}
