package models

import (
	"fmt"
	"strings"
	"time"
)

// Instrument is a tradable symbol in the engine's own naming.
type Instrument string

const (
	BTCUSD Instrument = "BTCUSD"
	ETHUSD Instrument = "ETHUSD"
	LTCUSD Instrument = "LTCUSD"
	XRPUSD Instrument = "XRPUSD"
	SOLUSD Instrument = "SOLUSD"
	ADAUSD Instrument = "ADAUSD"
)

// AllInstruments lists every instrument the engine knows about.
func AllInstruments() []Instrument {
	return []Instrument{BTCUSD, ETHUSD, LTCUSD, XRPUSD, SOLUSD, ADAUSD}
}

// ParseInstrument converts a raw symbol (case-insensitive) into an Instrument.
func ParseInstrument(s string) (Instrument, error) {
	in := Instrument(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllInstruments() {
		if in == known {
			return in, nil
		}
	}
	return "", fmt.Errorf("unsupported instrument: %q", s)
}

// Timeframe represents candle resolution buckets.
type Timeframe string

const (
	TF1s  Timeframe = "1s"
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	TF1s:  time.Second,
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
	TF1d:  24 * time.Hour,
}

// AllTimeframes returns every supported timeframe, shortest first.
func AllTimeframes() []Timeframe {
	return []Timeframe{TF1s, TF1m, TF5m, TF15m, TF30m, TF1h, TF4h, TF1d}
}

// Duration returns the bucket width, or 0 for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Floor aligns t to the start of its bucket. Buckets are aligned to the
// Unix epoch in UTC, so 1d candles open at 00:00 UTC.
func (tf Timeframe) Floor(t time.Time) time.Time {
	d := tf.Duration()
	if d <= 0 {
		return t.UTC()
	}
	ns := t.UnixNano()
	rem := ns % int64(d)
	if rem < 0 {
		rem += int64(d)
	}
	return time.Unix(0, ns-rem).UTC()
}

// IsValidTimeframe returns true if tf is a supported timeframe.
func IsValidTimeframe(tf Timeframe) bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// DefaultTimeframe returns the default timeframe.
func DefaultTimeframe() Timeframe { return TF1m }

// ParseTimeframe validates a raw timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if !IsValidTimeframe(tf) {
		return "", fmt.Errorf("unsupported timeframe: %q", s)
	}
	return tf, nil
}

// NormalizeTimeframe converts raw string to a valid timeframe (or default).
func NormalizeTimeframe(s string) Timeframe {
	if tf, err := ParseTimeframe(s); err == nil {
		return tf
	}
	return DefaultTimeframe()
}

// SourceID identifies the market-data source a candle or trade came from.
type SourceID string

// SeriesKey addresses exactly one candle series.
type SeriesKey struct {
	Source     SourceID   `json:"source"`
	Instrument Instrument `json:"instrument"`
	Timeframe  Timeframe  `json:"timeframe"`
}

func (k SeriesKey) String() string {
	return string(k.Source) + ":" + string(k.Instrument) + ":" + string(k.Timeframe)
}

// Less orders keys by source, instrument, then timeframe duration.
func (k SeriesKey) Less(o SeriesKey) bool {
	if k.Source != o.Source {
		return k.Source < o.Source
	}
	if k.Instrument != o.Instrument {
		return k.Instrument < o.Instrument
	}
	return k.Timeframe.Duration() < o.Timeframe.Duration()
}

// Channel is the kind of stream a source delivers.
type Channel string

const (
	ChannelCandle Channel = "candle"
	ChannelTrade  Channel = "trade"
)
