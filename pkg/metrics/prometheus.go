package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	events         *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	rollovers      *prometheus.CounterVec
	appendFailures *prometheus.CounterVec
	pending        *prometheus.GaugeVec
	lastPrice      *prometheus.GaugeVec
	latency        *prometheus.HistogramVec
}

// New creates a recorder registered with the default registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a recorder registered with reg.
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		events: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candleflow_events_total",
				Help: "Trades and candles received from sources",
			},
			[]string{"channel", "source"},
		),
		dropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candleflow_dropped_total",
				Help: "Events dropped before or inside the engine",
			},
			[]string{"reason"},
		),
		rollovers: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candleflow_candles_closed_total",
				Help: "Candles finalized, fillers included",
			},
			[]string{"timeframe"},
		),
		appendFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candleflow_history_append_failures_total",
				Help: "Failed history appends",
			},
			[]string{"source"},
		),
		pending: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "candleflow_history_pending_appends",
				Help: "Closed candles waiting to be persisted",
			},
			[]string{"series"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "candleflow_last_price",
				Help: "Last traded price per instrument",
			},
			[]string{"instrument"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "candleflow_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

func (r *Recorder) RecordEvent(channel, source string, n int) {
	r.events.WithLabelValues(channel, source).Add(float64(n))
}

func (r *Recorder) RecordDropped(reason string, n int) {
	r.dropped.WithLabelValues(reason).Add(float64(n))
}

func (r *Recorder) RecordRollover(timeframe string, n int) {
	r.rollovers.WithLabelValues(timeframe).Add(float64(n))
}

func (r *Recorder) RecordAppendFailure(source string) {
	r.appendFailures.WithLabelValues(source).Inc()
}

func (r *Recorder) RecordPendingAppends(key string, n int) {
	r.pending.WithLabelValues(key).Set(float64(n))
}

// RecordLastPrice records the last price for an instrument.
func (r *Recorder) RecordLastPrice(instrument string, price float64) {
	r.lastPrice.WithLabelValues(instrument).Set(price)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
