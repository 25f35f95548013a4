package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleFlow/internal/domain/models"
)

type recordingSink struct {
	mu   sync.Mutex
	evs  []models.CandleEvent
	fail bool
}

func (r *recordingSink) send(_ context.Context, ev models.CandleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("sink down")
	}
	r.evs = append(r.evs, ev)
	return nil
}

func (r *recordingSink) events() []models.CandleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.CandleEvent(nil), r.evs...)
}

func TestForwarderDeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	f := NewForwarder("test", sink.send)
	f.Start(context.Background())

	key := testKey(models.TF1m)
	for i := 0; i < 5; i++ {
		f.Handle(models.CandleEvent{Key: key, Candle: models.Flat(key, t0.Add(time.Duration(i)*time.Minute), 1)})
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.Stop(ctx))

	evs := sink.events()
	require.Len(t, evs, 5)
	for i, ev := range evs {
		assert.Equal(t, t0.Add(time.Duration(i)*time.Minute), ev.Candle.OpenTime)
	}

	f.Handle(models.CandleEvent{Key: key})
	assert.Len(t, sink.events(), 5)
}

func TestForwarderClosedOnlyAndOverflow(t *testing.T) {
	sink := &recordingSink{}
	metrics := &countingMetrics{}
	f := NewForwarder("pub", sink.send, ClosedOnly(), WithForwarderBuffer(2), WithForwarderMetrics(metrics))

	key := testKey(models.TF1m)
	f.Handle(models.CandleEvent{Key: key, Closed: false})
	for i := 0; i < 3; i++ {
		f.Handle(models.CandleEvent{Key: key, Closed: true})
	}
	assert.Equal(t, 1, metrics.droppedFor("forward_overflow_pub"))

	f.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.Stop(ctx))
	assert.Len(t, sink.events(), 2)
}

func TestForwarderCountsFailures(t *testing.T) {
	sink := &recordingSink{fail: true}
	metrics := &countingMetrics{}
	f := NewForwarder("cache", sink.send, WithForwarderMetrics(metrics))
	f.Start(context.Background())

	f.Handle(models.CandleEvent{Key: testKey(models.TF1m)})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.Stop(ctx))
	assert.Equal(t, 1, metrics.droppedFor("forward_failed_cache"))
}

func TestForwarderStopWithoutStart(t *testing.T) {
	sink := &recordingSink{}
	f := NewForwarder("idle", sink.send)
	f.Handle(models.CandleEvent{Key: testKey(models.TF1m)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, f.Stop(ctx))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Empty(t, sink.events())

	// a stopped forwarder never starts draining
	f.Start(context.Background())
	require.NoError(t, f.Stop(ctx))
	assert.Empty(t, sink.events())
}
