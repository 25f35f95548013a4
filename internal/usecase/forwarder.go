package usecase

import (
	"context"
	"sync"
	"time"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/logger"
)

// SendFunc delivers one event to an external sink.
type SendFunc func(ctx context.Context, ev models.CandleEvent) error

// Forwarder moves candle events from lanes to a slow sink (Kafka, Redis)
// through a bounded buffer drained by one goroutine. Events are dropped
// when the buffer is full.
type Forwarder struct {
	name       string
	send       SendFunc
	closedOnly bool
	timeout    time.Duration
	metrics    drepo.Metrics
	log        *logger.Logger

	mu      sync.RWMutex
	in      chan models.CandleEvent
	started bool
	closed  bool
	done    chan struct{}
}

type ForwarderOption func(*Forwarder)

// ClosedOnly forwards only finalized candles.
func ClosedOnly() ForwarderOption {
	return func(f *Forwarder) { f.closedOnly = true }
}

func WithForwarderBuffer(n int) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.in = make(chan models.CandleEvent, n)
		}
	}
}

func WithForwarderTimeout(d time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func WithForwarderMetrics(m drepo.Metrics) ForwarderOption {
	return func(f *Forwarder) {
		if m != nil {
			f.metrics = m
		}
	}
}

func WithForwarderLogger(l *logger.Logger) ForwarderOption {
	return func(f *Forwarder) {
		if l != nil {
			f.log = l
		}
	}
}

func NewForwarder(name string, send SendFunc, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		name:    name,
		send:    send,
		timeout: DefaultPersistTimeout,
		metrics: nopMetrics{},
		log:     logger.Nop(),
		in:      make(chan models.CandleEvent, DefaultLaneSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With(logger.String("sink", name))
	return f
}

// PublisherForwarder forwards closed candles to a CandlePublisher.
func PublisherForwarder(pub drepo.CandlePublisher, opts ...ForwarderOption) *Forwarder {
	return NewForwarder("publisher", pub.PublishCandle, append([]ForwarderOption{ClosedOnly()}, opts...)...)
}

// SnapshotForwarder keeps a SnapshotCache up to date with every event.
func SnapshotForwarder(c drepo.SnapshotCache, opts ...ForwarderOption) *Forwarder {
	return NewForwarder("snapshot", c.Put, opts...)
}

// Handle is a CandleHandler; it never blocks.
func (f *Forwarder) Handle(ev models.CandleEvent) {
	if f.closedOnly && !ev.Closed {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.in <- ev:
	default:
		f.metrics.RecordDropped("forward_overflow_"+f.name, 1)
	}
}

// Start launches the drain goroutine. Later calls are no-ops.
func (f *Forwarder) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started || f.closed {
		return
	}
	f.started = true
	go func() {
		defer close(f.done)
		for ev := range f.in {
			sctx, cancel := context.WithTimeout(ctx, f.timeout)
			err := f.send(sctx, ev)
			cancel()
			if err != nil {
				f.metrics.RecordDropped("forward_failed_"+f.name, 1)
				f.log.Warn("forward candle event failed",
					logger.String("series", ev.Key.String()), logger.Error(err))
			}
		}
	}()
}

// Stop stops accepting events and waits until the buffer is drained or ctx
// expires. A forwarder that was never started returns at once and drops
// whatever it buffered.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.in)
	}
	started := f.started
	f.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
