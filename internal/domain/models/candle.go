package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a series key was never configured.
	ErrNotFound = errors.New("series not found")
	// ErrInvalidHistory is returned when bootstrap candles are unordered or duplicated.
	ErrInvalidHistory = errors.New("invalid candle history")
	// ErrStaleEvent marks a tick or candle older than what the series can accept.
	ErrStaleEvent = errors.New("stale event")
)

// Candle represents an OHLCV record for one timeframe bucket.
type Candle struct {
	Source     SourceID   `json:"source"`
	Instrument Instrument `json:"instrument"`
	Timeframe  Timeframe  `json:"timeframe"`
	OpenTime   time.Time  `json:"open_time"`
	Open       float64    `json:"open"`
	High       float64    `json:"high"`
	Low        float64    `json:"low"`
	Close      float64    `json:"close"`
	Volume     float64    `json:"volume"`
	TickCount  int64      `json:"tick_count"`
}

// Key returns the series the candle belongs to.
func (c Candle) Key() SeriesKey {
	return SeriesKey{Source: c.Source, Instrument: c.Instrument, Timeframe: c.Timeframe}
}

// CloseTime is the exclusive end of the candle interval.
func (c Candle) CloseTime() time.Time {
	return c.OpenTime.Add(c.Timeframe.Duration())
}

// Validate checks OHLC consistency and bucket alignment.
func (c Candle) Validate() error {
	if !IsValidTimeframe(c.Timeframe) {
		return fmt.Errorf("candle %s: unsupported timeframe %q", c.Key(), c.Timeframe)
	}
	if c.OpenTime.IsZero() {
		return fmt.Errorf("candle %s: open time is zero", c.Key())
	}
	if !c.Timeframe.Floor(c.OpenTime).Equal(c.OpenTime) {
		return fmt.Errorf("candle %s: open time %s not aligned", c.Key(), c.OpenTime.Format(time.RFC3339))
	}
	if c.High < c.Open || c.High < c.Close || c.Low > c.Open || c.Low > c.Close {
		return fmt.Errorf("candle %s: inconsistent ohlc %.8g/%.8g/%.8g/%.8g", c.Key(), c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume < 0 || c.TickCount < 0 {
		return fmt.Errorf("candle %s: negative volume", c.Key())
	}
	return nil
}

// Flat builds a zero-volume candle whose OHLC all equal price.
func Flat(key SeriesKey, openTime time.Time, price float64) Candle {
	return Candle{
		Source:     key.Source,
		Instrument: key.Instrument,
		Timeframe:  key.Timeframe,
		OpenTime:   openTime,
		Open:       price,
		High:       price,
		Low:        price,
		Close:      price,
	}
}

// TradeSide is the aggressor side of a trade.
type TradeSide string

const (
	SideBuy     TradeSide = "buy"
	SideSell    TradeSide = "sell"
	SideUnknown TradeSide = ""
)

// Trade is a single tick as delivered by a source.
type Trade struct {
	Source     SourceID   `json:"source"`
	Instrument Instrument `json:"instrument"`
	Price      float64    `json:"price"`
	Size       float64    `json:"size"`
	Side       TradeSide  `json:"side,omitempty"`
	Timestamp  time.Time  `json:"ts"`
}

// CandleEvent is the live notification sent to subscribers.
// Closed is true when the candle has just been finalized.
type CandleEvent struct {
	Key    SeriesKey `json:"key"`
	Candle Candle    `json:"candle"`
	Closed bool      `json:"closed"`
}
