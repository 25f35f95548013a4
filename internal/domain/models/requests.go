package models

import "strings"

// SeriesRequest addresses one series from query parameters.
type SeriesRequest struct {
	Source     string `query:"source" validate:"required,max=64"`
	Instrument string `query:"instrument" validate:"required,max=32"`
	TF         string `query:"tf" default:"1m" validate:"timeframe"`
}

// Key converts the request into a SeriesKey. Instrument is upper-cased and
// the timeframe lower-cased.
func (r SeriesRequest) Key() SeriesKey {
	return SeriesKey{
		Source:     SourceID(strings.TrimSpace(r.Source)),
		Instrument: Instrument(strings.ToUpper(strings.TrimSpace(r.Instrument))),
		Timeframe:  NormalizeTimeframe(r.TF),
	}
}

// CandlesRequest asks for the last N closed candles plus the current one.
type CandlesRequest struct {
	SeriesRequest
	N int `query:"n" default:"100" validate:"gte=1,lte=5000"`
}

// StreamRequest selects the live stream of one series, or of every series
// when all fields are empty.
type StreamRequest struct {
	Source     string `query:"source"`
	Instrument string `query:"instrument"`
	TF         string `query:"tf"`
}

// All reports whether the request targets every series.
func (r StreamRequest) All() bool {
	return r.Source == "" && r.Instrument == "" && r.TF == ""
}

func (r StreamRequest) Series() SeriesRequest {
	return SeriesRequest{Source: r.Source, Instrument: r.Instrument, TF: r.TF}
}
