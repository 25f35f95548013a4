package di

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleFlow/internal/domain/models"
	internalrepo "CandleFlow/internal/repository"
	"CandleFlow/internal/service/finnhub"
	"CandleFlow/pkg/config"
	"CandleFlow/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.History.Backend = "memory"
	cfg.Sources.Finnhub.Enabled = true
	cfg.Sources.Finnhub.APIKey = "key"
	cfg.Sources.Finnhub.Symbols = map[string]string{"BINANCE:BTCUSDT": "btcusd"}
	cfg.Sources.Finnhub.Timeframes = []string{"5m", "1m", "5M"}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestParseTimeframes(t *testing.T) {
	tfs, err := parseTimeframes([]string{"1h", "1m", "1M"})
	require.NoError(t, err)
	assert.Equal(t, []models.Timeframe{models.TF1m, models.TF1h}, tfs)

	all, err := parseTimeframes(nil)
	require.NoError(t, err)
	assert.Equal(t, models.AllTimeframes(), all)

	_, err = parseTimeframes([]string{"7m"})
	assert.Error(t, err)
}

func TestProvideHistoryBackends(t *testing.T) {
	cfg := testConfig(t)
	l := logger.Nop()

	h, cleanup, err := ProvideHistory(cfg, l)
	require.NoError(t, err)
	cleanup()
	assert.IsType(t, &internalrepo.MemoryCandleStore{}, h)

	cfg.History.Backend = "sqlite"
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "candles.db")
	h, cleanup, err = ProvideHistory(cfg, l)
	require.NoError(t, err)
	defer cleanup()
	assert.IsType(t, &internalrepo.SQLiteCandleStore{}, h)
}

func TestProvideSources(t *testing.T) {
	cfg := testConfig(t)
	src, err := ProvideSources(cfg, nil, logger.Nop())
	require.NoError(t, err)
	require.Len(t, src.List, 1)
	require.Len(t, src.Runners, 1)

	fh, ok := src.List[0].(*finnhub.Client)
	require.True(t, ok)
	assert.Equal(t, models.SourceID("finnhub"), fh.ID())
	assert.Equal(t, []models.Instrument{models.BTCUSD}, fh.Instruments())
	assert.Equal(t, []models.Timeframe{models.TF1m, models.TF5m}, fh.Timeframes())

	cfg.Sources.Finnhub.Symbols["X"] = "DOGEUSD"
	_, err = ProvideSources(cfg, nil, logger.Nop())
	assert.ErrorContains(t, err, "DOGEUSD")
}

func TestProvideSnapshotsInMemory(t *testing.T) {
	cfg := testConfig(t)
	snaps, cleanup, err := ProvideSnapshots(cfg, logger.Nop())
	require.NoError(t, err)
	defer cleanup()

	sinks, closeSinks, err := ProvideSinks(cfg, snaps, nil, logger.Nop())
	require.NoError(t, err)
	defer closeSinks()
	require.Len(t, sinks, 1)

	key := models.SeriesKey{Source: "finnhub", Instrument: models.BTCUSD, Timeframe: models.TF1m}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f := sinks[0]
	f.Start(context.Background())
	f.Handle(models.CandleEvent{Key: key, Candle: models.Flat(key, at, 42)})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.Stop(ctx))

	ev, err := snaps.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 42.0, ev.Candle.Close)
}

func TestInitializeApp(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.Level = "error"
	app, cleanup, err := InitializeApp(cfg)
	require.NoError(t, err)
	defer cleanup()
	assert.NotNil(t, app)
}
