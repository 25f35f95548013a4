package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
)

var _ domrepo.HistoryRepository = (*SQLiteCandleStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS candles (
    source     TEXT    NOT NULL,
    instrument TEXT    NOT NULL,
    timeframe  TEXT    NOT NULL,
    open_time  INTEGER NOT NULL,
    open       REAL    NOT NULL,
    high       REAL    NOT NULL,
    low        REAL    NOT NULL,
    close      REAL    NOT NULL,
    volume     REAL    NOT NULL,
    tick_count INTEGER NOT NULL,
    PRIMARY KEY (source, instrument, timeframe, open_time)
);`

// SQLiteCandleStore is a single-file HistoryRepository for local runs.
// open_time is stored as unix milliseconds.
type SQLiteCandleStore struct {
	db    *sql.DB
	limit int
}

func NewSQLiteCandleStore(path string, limit int) (*SQLiteCandleStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteCandleStore{db: db, limit: limit}, nil
}

func (s *SQLiteCandleStore) Load(ctx context.Context, key models.SeriesKey) ([]models.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume, tick_count
		FROM candles
		WHERE source = ? AND instrument = ? AND timeframe = ?
		ORDER BY open_time DESC
		LIMIT ?`,
		string(key.Source), string(key.Instrument), string(key.Timeframe), s.limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load candles: %w", err)
	}
	defer rows.Close()

	var out []models.Candle
	for rows.Next() {
		var ms int64
		c := models.Candle{Source: key.Source, Instrument: key.Instrument, Timeframe: key.Timeframe}
		if err := rows.Scan(&ms, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TickCount); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.OpenTime = time.UnixMilli(ms).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Append ignores a candle whose open time is already stored for key.
func (s *SQLiteCandleStore) Append(ctx context.Context, key models.SeriesKey, c models.Candle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO candles
		(source, instrument, timeframe, open_time, open, high, low, close, volume, tick_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(key.Source), string(key.Instrument), string(key.Timeframe),
		c.OpenTime.UnixMilli(), c.Open, c.High, c.Low, c.Close, c.Volume, c.TickCount,
	)
	if err != nil {
		return fmt.Errorf("append candle %s@%s: %w", key, c.OpenTime.Format(time.RFC3339), err)
	}
	return nil
}

// Health pings the database.
func (s *SQLiteCandleStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteCandleStore) Close() error {
	return s.db.Close()
}
