package usecase

import (
	"sync"

	"github.com/oklog/ulid/v2"

	"CandleFlow/internal/domain/models"
)

// CandleHandler receives live candle events. It runs on the lane that owns
// the key, so it must not block for long.
type CandleHandler func(ev models.CandleEvent)

// Subscription is returned by Subscribe and SubscribeAll.
type Subscription struct {
	id     string
	cancel func()
}

// ID returns the subscription id (a ULID).
func (s Subscription) ID() string { return s.id }

// Unsubscribe removes the handler. Calling it more than once is a no-op.
func (s Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
	}
}

type subscribers struct {
	mu    sync.RWMutex
	byKey map[models.SeriesKey]map[string]CandleHandler
	all   map[string]CandleHandler
}

func newSubscribers() *subscribers {
	return &subscribers{
		byKey: make(map[models.SeriesKey]map[string]CandleHandler),
		all:   make(map[string]CandleHandler),
	}
}

func (s *subscribers) addKey(key models.SeriesKey, h CandleHandler) Subscription {
	id := ulid.Make().String()
	s.mu.Lock()
	m, ok := s.byKey[key]
	if !ok {
		m = make(map[string]CandleHandler)
		s.byKey[key] = m
	}
	m[id] = h
	s.mu.Unlock()

	return Subscription{id: id, cancel: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if m, ok := s.byKey[key]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(s.byKey, key)
			}
		}
	}}
}

func (s *subscribers) addAll(h CandleHandler) Subscription {
	id := ulid.Make().String()
	s.mu.Lock()
	s.all[id] = h
	s.mu.Unlock()

	return Subscription{id: id, cancel: func() {
		s.mu.Lock()
		delete(s.all, id)
		s.mu.Unlock()
	}}
}

// handlers copies the handlers for key so they can be called without the lock.
func (s *subscribers) handlers(key models.SeriesKey) []CandleHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.byKey[key]
	if len(m) == 0 && len(s.all) == 0 {
		return nil
	}
	out := make([]CandleHandler, 0, len(m)+len(s.all))
	for _, h := range m {
		out = append(out, h)
	}
	for _, h := range s.all {
		out = append(out, h)
	}
	return out
}
