package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	pkgch "CandleFlow/pkg/clickhouse"
	applogger "CandleFlow/pkg/logger"
)

var _ domrepo.HistoryRepository = (*CHCandleStore)(nil)

// CHCandleStore implements HistoryRepository backed by ClickHouse.
// Rows are deduplicated by ReplacingMergeTree on the series key and open time,
// so repeated appends of the same candle are harmless.
type CHCandleStore struct {
	db    *sql.DB
	table string
	limit int
	l     *applogger.Logger
}

func NewCHCandleStore(ch *pkgch.Client, table string, limit int) *CHCandleStore {
	return &CHCandleStore{db: ch.DB(), table: table, limit: limit}
}

// SetLogger injects a structured logger.
func (s *CHCandleStore) SetLogger(l *applogger.Logger) { s.l = l }

// CandleSchema returns the DDL for the candle table.
func CandleSchema(table string) []string {
	return []string{fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            source     LowCardinality(String),
            instrument LowCardinality(String),
            timeframe  LowCardinality(String),
            open_time  DateTime64(3, 'UTC'),
            open       Float64,
            high       Float64,
            low        Float64,
            close      Float64,
            volume     Float64,
            tick_count Int64
        ) ENGINE = ReplacingMergeTree
        ORDER BY (source, instrument, timeframe, open_time)
    `, table)}
}

// Load returns the newest candles of key, oldest first.
func (s *CHCandleStore) Load(ctx context.Context, key models.SeriesKey) ([]models.Candle, error) {
	start := time.Now()
	const qtpl = `
        SELECT open_time, open, high, low, close, volume, tick_count
        FROM %s FINAL
        WHERE source = ? AND instrument = ? AND timeframe = ?
        ORDER BY open_time DESC
        LIMIT ?
    `
	q := fmt.Sprintf(qtpl, s.table)
	rows, err := s.db.QueryContext(ctx, q, string(key.Source), string(key.Instrument), string(key.Timeframe), s.limit)
	if err != nil {
		if s.l != nil {
			s.l.Error("clickhouse load_candles query error",
				applogger.String("table", s.table),
				applogger.String("series", key.String()),
				applogger.Error(err),
			)
		}
		return nil, fmt.Errorf("load candles: %w", err)
	}
	defer rows.Close()

	tmp := make([]models.Candle, 0, s.limit)
	for rows.Next() {
		c := models.Candle{Source: key.Source, Instrument: key.Instrument, Timeframe: key.Timeframe}
		if err := rows.Scan(&c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TickCount); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.OpenTime = c.OpenTime.UTC()
		tmp = append(tmp, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	// reverse to ASC
	for i, j := 0, len(tmp)-1; i < j; i, j = i+1, j-1 {
		tmp[i], tmp[j] = tmp[j], tmp[i]
	}
	if s.l != nil {
		s.l.Debug("clickhouse load_candles ok",
			applogger.String("series", key.String()),
			applogger.Int("rows", len(tmp)),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return tmp, nil
}

func (s *CHCandleStore) Append(ctx context.Context, key models.SeriesKey, c models.Candle) error {
	q := fmt.Sprintf("INSERT INTO %s (source, instrument, timeframe, open_time, open, high, low, close, volume, tick_count) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", s.table)
	_, err := s.db.ExecContext(ctx, q,
		string(key.Source),
		string(key.Instrument),
		string(key.Timeframe),
		c.OpenTime.UTC(),
		c.Open,
		c.High,
		c.Low,
		c.Close,
		c.Volume,
		c.TickCount,
	)
	if err != nil {
		return fmt.Errorf("append candle %s@%s: %w", key, c.OpenTime.Format(time.RFC3339), err)
	}
	return nil
}

func (s *CHCandleStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
