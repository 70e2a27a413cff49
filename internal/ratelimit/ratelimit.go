// Package ratelimit bounds attempts per key in fixed windows.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter reports whether one more attempt for key fits in the current
// window. Callers fail open on error.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type window struct {
	start time.Time
	count int
}

// InMemory is a per-process fixed-window limiter.
type InMemory struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu   sync.Mutex
	keys map[string]*window
}

func NewInMemory(limit int, period time.Duration) *InMemory {
	if period <= 0 {
		period = time.Minute
	}
	return &InMemory{
		limit:  limit,
		period: period,
		now:    time.Now,
		keys:   make(map[string]*window),
	}
}

func (m *InMemory) Allow(_ context.Context, key string) (bool, error) {
	if m.limit <= 0 {
		return true, nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.keys[key]
	if !ok || now.Sub(w.start) >= m.period {
		w = &window{start: now}
		m.keys[key] = w
		m.sweep(now)
	}
	w.count++
	return w.count <= m.limit, nil
}

// sweep drops expired windows so idle keys do not accumulate.
func (m *InMemory) sweep(now time.Time) {
	for k, w := range m.keys {
		if now.Sub(w.start) >= m.period {
			delete(m.keys, k)
		}
	}
}

// Noop allows everything.
type Noop struct{}

func (Noop) Allow(context.Context, string) (bool, error) { return true, nil }
