package usecase

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"CandleFlow/internal/domain/models"
)

// DefaultRetention is the number of closed candles kept per series.
const DefaultRetention = 1000

// CandleSeries holds the closed history and the in-progress candle of one
// (source, instrument, timeframe) key.
//
// Closed candles are strictly increasing by open time and never modified
// once appended. Mutations must come from a single writer (the owning lane);
// readers may run concurrently and always get copies.
type CandleSeries struct {
	key       models.SeriesKey
	d         time.Duration
	retention int
	now       func() time.Time

	mu      sync.RWMutex
	closed  []models.Candle
	current models.Candle
	// seeded is false while the current candle has never seen a price.
	seeded bool
}

// SeriesUpdate describes the effect of one mutation.
type SeriesUpdate struct {
	// Closed holds candles finalized by this call, oldest first.
	Closed  []models.Candle
	Current models.Candle
	// Changed is true when the current candle was modified or replaced.
	Changed    bool
	Dropped    int
	Duplicates int
}

// NewCandleSeries creates a series with an empty current candle at the
// present bucket.
func NewCandleSeries(key models.SeriesKey, retention int, now func() time.Time) *CandleSeries {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if now == nil {
		now = time.Now
	}
	s := &CandleSeries{
		key:       key,
		d:         key.Timeframe.Duration(),
		retention: retention,
		now:       now,
	}
	s.current = s.blank(now())
	return s
}

// Key returns the series key.
func (s *CandleSeries) Key() models.SeriesKey { return s.key }

// Load seeds the closed history. If the newest candle's interval has not
// elapsed yet it becomes the current candle. On error the series is left
// untouched.
func (s *CandleSeries) Load(history []models.Candle) error {
	closed := make([]models.Candle, 0, len(history))
	for i, c := range history {
		c.Source, c.Instrument, c.Timeframe = s.key.Source, s.key.Instrument, s.key.Timeframe
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", models.ErrInvalidHistory, s.key, err)
		}
		if i > 0 && !c.OpenTime.After(closed[i-1].OpenTime) {
			return fmt.Errorf("%w: %s: candle %d at %s is not after %s", models.ErrInvalidHistory,
				s.key, i, c.OpenTime.Format(time.RFC3339), closed[i-1].OpenTime.Format(time.RFC3339))
		}
		closed = append(closed, c)
	}

	now := s.now()
	bucket := s.key.Timeframe.Floor(now)
	current, seeded := s.blank(now), false
	if n := len(closed); n > 0 && !closed[n-1].OpenTime.Before(bucket) {
		current, seeded = closed[n-1], true
		closed = closed[:n-1]
	}
	if len(closed) > s.retention {
		closed = closed[len(closed)-s.retention:]
	}

	s.mu.Lock()
	s.closed = closed
	s.current = current
	s.seeded = seeded
	s.mu.Unlock()
	return nil
}

// Reset drops all history and opens an empty current candle.
func (s *CandleSeries) Reset() {
	s.mu.Lock()
	s.closed = nil
	s.current = s.blank(s.now())
	s.seeded = false
	s.mu.Unlock()
}

// InsertClosed applies finished candles pushed by a source.
func (s *CandleSeries) InsertClosed(batch []models.Candle) SeriesUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	var up SeriesUpdate
	for _, c := range batch {
		if c.Key() != s.key || c.Validate() != nil {
			up.Dropped++
			continue
		}
		cur := s.current.OpenTime
		switch {
		case !c.OpenTime.Before(cur):
			if c.OpenTime.After(cur) {
				up.Closed = append(up.Closed, s.rollTo(c.OpenTime)...)
			}
			// The pushed candle is authoritative for its whole interval.
			s.appendClosed(c)
			up.Closed = append(up.Closed, c)
			s.current = models.Flat(s.key, c.OpenTime.Add(s.d), c.Close)
			s.seeded = true
			up.Changed = true
		case len(s.closed) == 0 || c.OpenTime.After(s.closed[len(s.closed)-1].OpenTime):
			s.appendClosed(c)
			up.Closed = append(up.Closed, c)
		case s.indexOf(c.OpenTime) >= 0:
			up.Duplicates++
		default:
			up.Dropped++
		}
	}
	up.Current = s.current
	return up
}

// UpdateCurrent folds a trade summary into the current candle, rolling
// over when eventTime falls into a later bucket. Ticks older than the
// current bucket return ErrStaleEvent and change nothing.
func (s *CandleSeries) UpdateCurrent(price float64, tickCount int, volumeDelta float64, eventTime time.Time) (SeriesUpdate, error) {
	bucket := s.key.Timeframe.Floor(eventTime)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.OpenTime
	if bucket.Before(cur) {
		return SeriesUpdate{Current: s.current, Dropped: 1}, fmt.Errorf("%w: %s: tick at %s before current %s",
			models.ErrStaleEvent, s.key, eventTime.UTC().Format(time.RFC3339Nano), cur.Format(time.RFC3339))
	}

	var up SeriesUpdate
	if bucket.After(cur) {
		wasSeeded := s.seeded
		prev := s.current.Close
		up.Closed = s.rollTo(bucket)
		if wasSeeded {
			s.current = models.Flat(s.key, bucket, prev)
			s.seeded = true
		} else {
			s.current = s.blank(bucket)
		}
	}
	s.merge(price, tickCount, volumeDelta)
	up.Current = s.current
	up.Changed = true
	return up, nil
}

// Advance closes the current candle once its interval has elapsed at now,
// even when no trade arrived. A never-seeded current is only moved forward.
func (s *CandleSeries) Advance(now time.Time) SeriesUpdate {
	bucket := s.key.Timeframe.Floor(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !bucket.After(s.current.OpenTime) {
		return SeriesUpdate{Current: s.current}
	}
	if !s.seeded {
		s.current = s.blank(bucket)
		return SeriesUpdate{Current: s.current}
	}
	prev := s.current.Close
	up := SeriesUpdate{Closed: s.rollTo(bucket), Changed: true}
	s.current = models.Flat(s.key, bucket, prev)
	up.Current = s.current
	return up
}

// Latest returns a copy of the current candle.
func (s *CandleSeries) Latest() models.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Range returns the most recent n closed candles followed by the current
// candle, oldest first. n <= 0 returns every retained candle.
func (s *CandleSeries) Range(n int) []models.Candle {
	history, current := s.Snapshot(n)
	return append(history, current)
}

// Snapshot returns the last n closed candles and the current candle taken
// under one read lock.
func (s *CandleSeries) Snapshot(n int) ([]models.Candle, models.Candle) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if n > 0 && n < len(s.closed) {
		start = len(s.closed) - n
	}
	out := make([]models.Candle, len(s.closed)-start, len(s.closed)-start+1)
	copy(out, s.closed[start:])
	return out, s.current
}

// Len returns the number of retained closed candles.
func (s *CandleSeries) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.closed)
}

// rollTo closes the current candle (if seeded) and fills every empty
// bucket before target with flat candles. Caller holds the write lock and
// must install the new current candle afterwards.
func (s *CandleSeries) rollTo(target time.Time) []models.Candle {
	if !s.seeded {
		return nil
	}
	closed := []models.Candle{s.current}
	s.appendClosed(s.current)

	prev := s.current.Close
	next := s.current.OpenTime.Add(s.d)
	// Fillers older than the retention window would be evicted immediately.
	if gaps := int(target.Sub(next) / s.d); gaps > s.retention {
		next = target.Add(-time.Duration(s.retention) * s.d)
	}
	for ; next.Before(target); next = next.Add(s.d) {
		f := models.Flat(s.key, next, prev)
		s.appendClosed(f)
		closed = append(closed, f)
	}
	s.seeded = false
	return closed
}

func (s *CandleSeries) merge(price float64, tickCount int, volumeDelta float64) {
	c := &s.current
	if !s.seeded {
		c.Open, c.High, c.Low = price, price, price
		s.seeded = true
	}
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Volume += volumeDelta
	c.TickCount += int64(tickCount)
}

// appendClosed appends c and evicts the oldest candles beyond retention.
func (s *CandleSeries) appendClosed(c models.Candle) {
	s.closed = append(s.closed, c)
	if len(s.closed) > s.retention {
		s.closed = s.closed[len(s.closed)-s.retention:]
	}
}

func (s *CandleSeries) indexOf(t time.Time) int {
	i := sort.Search(len(s.closed), func(i int) bool { return !s.closed[i].OpenTime.Before(t) })
	if i < len(s.closed) && s.closed[i].OpenTime.Equal(t) {
		return i
	}
	return -1
}

func (s *CandleSeries) blank(t time.Time) models.Candle {
	return models.Candle{
		Source:     s.key.Source,
		Instrument: s.key.Instrument,
		Timeframe:  s.key.Timeframe,
		OpenTime:   s.key.Timeframe.Floor(t),
	}
}
