package middleware

import (
	"strings"
	"testing"
	"time"

	"CandleFlow/internal/domain/models"
)

type dropCounter struct {
	counts map[string]int
}

func (d *dropCounter) RecordEvent(string, string, int)    {}
func (d *dropCounter) RecordDropped(reason string, n int) { d.counts[reason] += n }
func (d *dropCounter) RecordRollover(string, int)         {}
func (d *dropCounter) RecordAppendFailure(string)         {}
func (d *dropCounter) RecordPendingAppends(string, int)   {}
func (d *dropCounter) RecordLastPrice(string, float64)    {}
func (d *dropCounter) RecordLatency(string, float64)      {}

func TestFilterTrades(t *testing.T) {
	m := &dropCounter{counts: map[string]int{}}
	f := NewIngestFilter(m)
	now := time.Now()

	batch := []models.Trade{
		{Source: "s", Instrument: models.BTCUSD, Price: 10, Size: 1, Timestamp: now},
		{Source: "s", Instrument: "", Price: 10, Size: 1},
		{Source: "s", Instrument: models.BTCUSD, Price: 0, Size: 1},
		{Source: "s", Instrument: models.BTCUSD, Price: 11, Size: -1},
		{Source: "s", Instrument: models.BTCUSD, Price: 12, Size: 0},
	}
	out := f.FilterTrades(batch)
	if len(out) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(out))
	}
	if out[0].Price != 10 || out[1].Price != 12 {
		t.Fatalf("order not preserved: %+v", out)
	}
	if m.counts["invalid_trade"] != 3 {
		t.Fatalf("expected 3 drops, got %d", m.counts["invalid_trade"])
	}
}

func TestFilterTradesTransform(t *testing.T) {
	f := NewIngestFilter(nil, WithTransform(func(tr models.Trade) models.Trade {
		tr.Instrument = models.Instrument(strings.ToUpper(string(tr.Instrument)))
		return tr
	}))
	out := f.FilterTrades([]models.Trade{{Source: "s", Instrument: "ethusd", Price: 1}})
	if len(out) != 1 || out[0].Instrument != models.ETHUSD {
		t.Fatalf("transform not applied: %+v", out)
	}
}

func TestFilterCandles(t *testing.T) {
	m := &dropCounter{counts: map[string]int{}}
	f := NewIngestFilter(m)
	open := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)
	good := models.Candle{Source: "s", Instrument: models.BTCUSD, Timeframe: models.TF5m, OpenTime: open, Open: 1, High: 2, Low: 1, Close: 2}

	misaligned := good
	misaligned.OpenTime = open.Add(time.Minute)
	inverted := good
	inverted.High = 0.5
	unknownTF := good
	unknownTF.Timeframe = "2m"

	out := f.FilterCandles([]models.Candle{misaligned, good, inverted, unknownTF})
	if len(out) != 1 || !out[0].OpenTime.Equal(open) {
		t.Fatalf("expected only the good candle, got %+v", out)
	}
	if m.counts["invalid_candle"] != 3 {
		t.Fatalf("expected 3 drops, got %d", m.counts["invalid_candle"])
	}
}
