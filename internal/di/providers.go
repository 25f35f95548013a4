package di

import (
	"context"
	"fmt"
	"sort"
	"time"

	"CandleFlow/internal/domain/models"
	"CandleFlow/internal/domain/repository"
	"CandleFlow/internal/handler/api"
	mid "CandleFlow/internal/middleware"
	internalrepo "CandleFlow/internal/repository"
	"CandleFlow/internal/service/finnhub"
	"CandleFlow/internal/service/kafkafeed"
	"CandleFlow/internal/service/ratelimit"
	"CandleFlow/internal/usecase"
	"CandleFlow/pkg/cache"
	pkgch "CandleFlow/pkg/clickhouse"
	"CandleFlow/pkg/config"
	xhttp "CandleFlow/pkg/http"
	pkgkafka "CandleFlow/pkg/kafka"
	"CandleFlow/pkg/logger"
	"CandleFlow/pkg/metrics"
	"CandleFlow/pkg/server"
)

// Sources is the set of configured event sources. Runners holds the ones
// that need a goroutine of their own.
type Sources struct {
	List    []repository.EventSource
	Runners []repository.Runner
}

// Sinks is the set of forwarders fed by the aggregator.
type Sinks []*usecase.Forwarder

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	l, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(logger.String("env", cfg.Environment)), nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideHistory opens the configured history backend.
func ProvideHistory(cfg *config.Config, l *logger.Logger) (repository.HistoryRepository, func(), error) {
	limit := cfg.Engine.Retention
	switch cfg.History.Backend {
	case "clickhouse":
		client, err := pkgch.NewClient(
			pkgch.WithHost(cfg.ClickHouse.Host),
			pkgch.WithPort(cfg.ClickHouse.Port),
			pkgch.WithDatabase(cfg.ClickHouse.Database),
			pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
			pkgch.WithMaxConnections(10, 5),
			pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
			pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
			pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("clickhouse client: %w", err)
		}
		table := cfg.ClickHouse.Database + "." + cfg.History.Table

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.InitSchema(ctx, internalrepo.CandleSchema(table)); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
		}
		store := internalrepo.NewCHCandleStore(client, table, limit)
		store.SetLogger(l)
		cleanup := func() {
			if err := client.Close(); err != nil {
				l.Warn("clickhouse close error", logger.Error(err))
			}
		}
		l.Info("history backend ready", logger.String("backend", "clickhouse"), logger.String("table", table))
		return store, cleanup, nil

	case "sqlite":
		store, err := internalrepo.NewSQLiteCandleStore(cfg.SQLite.Path, limit)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			if err := store.Close(); err != nil {
				l.Warn("sqlite close error", logger.Error(err))
			}
		}
		l.Info("history backend ready", logger.String("backend", "sqlite"), logger.String("path", cfg.SQLite.Path))
		return store, cleanup, nil

	default:
		l.Info("history backend ready", logger.String("backend", "memory"))
		return internalrepo.NewMemoryCandleStore(limit), func() {}, nil
	}
}

// ProvideSnapshots builds the snapshot store. Events are kept in process
// and, when Redis is enabled, written through to Redis and broadcast.
func ProvideSnapshots(cfg *config.Config, l *logger.Logger) (*internalrepo.CacheSnapshotStore, func(), error) {
	r := cfg.Redis
	mem := []cache.MemoryOption{cache.WithMemoryMaxSize(r.MemoryEntries)}
	if !r.Enabled {
		mc := cache.NewMemoryCache(mem...)
		l.Info("snapshots ready", logger.String("backend", "memory"))
		return internalrepo.NewCacheSnapshotStore(mc, r.TTL), func() { _ = mc.Close() }, nil
	}

	rc, err := cache.NewRedisCache(
		cache.WithRedisHost(r.Host),
		cache.WithRedisPort(r.Port),
		cache.WithRedisPassword(r.Password),
		cache.WithRedisDB(r.DB),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	lc := cache.NewLayeredCache(rc, mem...)
	cleanup := func() {
		if err := lc.Close(); err != nil {
			l.Warn("redis close error", logger.Error(err))
		}
	}
	l.Info("snapshots ready", logger.String("backend", "redis"), logger.String("host", r.Host))
	return internalrepo.NewCacheSnapshotStore(lc, r.TTL, internalrepo.WithBroadcast(r.Channel)), cleanup, nil
}

// ProvideSinks builds the Kafka publisher when a topic is configured and
// the snapshot forwarder.
func ProvideSinks(
	cfg *config.Config,
	snaps *internalrepo.CacheSnapshotStore,
	m repository.Metrics,
	l *logger.Logger,
) (Sinks, func(), error) {
	var (
		sinks    Sinks
		closers  []func()
		closeAll = func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	)

	if cfg.Kafka.PublishTopic != "" {
		p := cfg.Kafka.Producer
		producer, err := pkgkafka.NewProducer(
			pkgkafka.WithBrokers(cfg.Kafka.Brokers),
			pkgkafka.WithCompression(p.Compression),
			pkgkafka.WithRequiredAcks(p.RequiredAcks),
			pkgkafka.WithMaxAttempts(p.MaxAttempts),
			pkgkafka.WithBatching(p.BatchSize, p.Linger),
			pkgkafka.WithWriteTimeout(p.WriteTimeout),
			pkgkafka.WithHashByKey(true),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka producer: %w", err)
		}
		pub := internalrepo.NewKafkaCandlePublisher(producer, cfg.Kafka.PublishTopic)
		closers = append(closers, func() {
			if err := pub.Close(); err != nil {
				l.Warn("kafka producer close error", logger.Error(err))
			}
		})
		sinks = append(sinks, usecase.PublisherForwarder(pub,
			usecase.WithForwarderTimeout(p.WriteTimeout),
			usecase.WithForwarderMetrics(m),
			usecase.WithForwarderLogger(l),
		))
		l.Info("kafka publisher ready", logger.String("topic", cfg.Kafka.PublishTopic))
	}

	sinks = append(sinks, usecase.SnapshotForwarder(snaps,
		usecase.WithForwarderMetrics(m),
		usecase.WithForwarderLogger(l),
	))
	return sinks, closeAll, nil
}

// ProvideSources builds the enabled event sources.
func ProvideSources(cfg *config.Config, m repository.Metrics, l *logger.Logger) (Sources, error) {
	var out Sources

	if fh := cfg.Sources.Finnhub; fh.Enabled {
		symbols := make(map[string]models.Instrument, len(fh.Symbols))
		for sym, raw := range fh.Symbols {
			inst, err := models.ParseInstrument(raw)
			if err != nil {
				return Sources{}, fmt.Errorf("finnhub symbol %s: %w", sym, err)
			}
			symbols[sym] = inst
		}
		tfs, err := parseTimeframes(fh.Timeframes)
		if err != nil {
			return Sources{}, fmt.Errorf("finnhub: %w", err)
		}
		c := finnhub.New(fh.APIKey, fh.WebSocketURL, symbols,
			finnhub.WithSourceID(models.SourceID(fh.ID)),
			finnhub.WithTimeframes(tfs),
			finnhub.WithReconnect(fh.ReconnectDelay, fh.PingInterval),
			finnhub.WithLogger(l.With(logger.String("source", fh.ID))),
		)
		out.List = append(out.List, c)
		out.Runners = append(out.Runners, c)
	}

	if kf := cfg.Sources.Kafka; kf.Enabled {
		insts := make([]models.Instrument, 0, len(kf.Instruments))
		for _, raw := range kf.Instruments {
			inst, err := models.ParseInstrument(raw)
			if err != nil {
				return Sources{}, fmt.Errorf("kafka source: %w", err)
			}
			insts = append(insts, inst)
		}
		tfs, err := parseTimeframes(kf.Timeframes)
		if err != nil {
			return Sources{}, fmt.Errorf("kafka source: %w", err)
		}
		cc := cfg.Kafka.Consumer
		consumer, err := pkgkafka.NewConsumer(
			pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
			pkgkafka.WithConsumerGroupID(cc.GroupID),
			pkgkafka.WithConsumerWorkers(cc.Workers),
			pkgkafka.WithConsumerBufferSize(cc.BufferSize),
			pkgkafka.WithConsumerRetry(cc.RetryMax, cc.BackoffMin, cc.BackoffMax),
			pkgkafka.WithConsumerDLQ(cc.DLQTopic),
			pkgkafka.WithConsumerLogger(l),
		)
		if err != nil {
			return Sources{}, fmt.Errorf("kafka consumer: %w", err)
		}
		feed := kafkafeed.New(models.SourceID(kf.ID), consumer, insts, tfs,
			kafkafeed.WithTopics(kf.TradesTopic, kf.CandleTopic),
			kafkafeed.WithMetrics(m),
			kafkafeed.WithLogger(l.With(logger.String("source", kf.ID))),
		)
		out.List = append(out.List, feed)
		out.Runners = append(out.Runners, feed)
	}
	return out, nil
}

// ProvideIngestFilter creates the batch filter placed before the aggregator.
func ProvideIngestFilter(m repository.Metrics) repository.BatchFilter {
	return mid.NewIngestFilter(m)
}

// ProvideAggregator creates the candle registry over every source.
func ProvideAggregator(
	cfg *config.Config,
	history repository.HistoryRepository,
	sources Sources,
	filter repository.BatchFilter,
	m repository.Metrics,
	l *logger.Logger,
) *usecase.Aggregator {
	e := cfg.Engine
	return usecase.NewAggregator(history, sources.List,
		usecase.WithRetention(e.Retention),
		usecase.WithLaneSize(e.LaneSize),
		usecase.WithRollInterval(e.RollInterval),
		usecase.WithTimeouts(e.BootstrapTimeout, e.PersistTimeout),
		usecase.WithBatchFilter(filter),
		usecase.WithMetrics(m),
		usecase.WithLogger(l),
	)
}

// ProvideStreamHandler creates the WebSocket candle stream.
func ProvideStreamHandler(l *logger.Logger, agg *usecase.Aggregator) *api.StreamHandler {
	return api.NewStreamHandler(l, agg)
}

// ProvideHTTPServer creates the API server with rate limiting. A history
// backend with a Health method is probed by /healthz.
func ProvideHTTPServer(
	cfg *config.Config,
	l *logger.Logger,
	agg *usecase.Aggregator,
	history repository.HistoryRepository,
	snaps *internalrepo.CacheSnapshotStore,
	stream *api.StreamHandler,
) *xhttp.Server {
	limiter := ratelimit.New(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	opts := []api.HandlerOption{api.WithSnapshots(snaps)}
	if hc, ok := history.(interface{ Health(context.Context) error }); ok {
		opts = append(opts, api.WithHealthCheck("history", hc.Health))
	}
	handlers := xhttp.Handlers{
		api.NewCandlesEchoHandler(l, agg, opts...),
		stream,
	}
	return xhttp.NewServer(l, handlers,
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		xhttp.WithCORS(!cfg.IsProduction()),
		xhttp.WithMetricsPath(metricsPath),
		xhttp.WithMiddleware(limiter.Middleware()),
	)
}

// ProvideApp assembles the application.
func ProvideApp(
	cfg *config.Config,
	l *logger.Logger,
	agg *usecase.Aggregator,
	sources Sources,
	sinks Sinks,
	stream *api.StreamHandler,
	srv *xhttp.Server,
) *server.App {
	return server.New(l, server.Components{
		Aggregator: agg,
		Runners:    sources.Runners,
		Forwarders: sinks,
		Stream:     stream,
		HTTP:       srv,
	}, cfg.Server.ShutdownTimeout, nil)
}

func parseTimeframes(raw []string) ([]models.Timeframe, error) {
	if len(raw) == 0 {
		return models.AllTimeframes(), nil
	}
	seen := make(map[models.Timeframe]bool, len(raw))
	out := make([]models.Timeframe, 0, len(raw))
	for _, s := range raw {
		tf, err := models.ParseTimeframe(s)
		if err != nil {
			return nil, err
		}
		if !seen[tf] {
			seen[tf] = true
			out = append(out, tf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Duration() < out[j].Duration() })
	return out, nil
}
