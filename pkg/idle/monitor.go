// Package idle tracks the last observed user activity and answers whether the session is away.
package idle

import (
	"context"
	"sync"
	"time"
)

// DefaultThreshold is how long without activity before the user counts as away.
const DefaultThreshold = 5 * time.Second

// Source feeds activity into a Monitor until ctx is done.
type Source interface {
	Run(ctx context.Context, touch func()) error
}

// Monitor holds the last activity time. It starts active and is never persisted.
type Monitor struct {
	now func() time.Time

	mu      sync.RWMutex
	last    time.Time
	wasIdle bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor returns a Monitor whose last activity is now.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.last = m.now()
	return m
}

// Touch records activity.
func (m *Monitor) Touch() {
	t := m.now()
	m.mu.Lock()
	if t.After(m.last) {
		m.last = t
	}
	m.mu.Unlock()
}

// LastActivity returns the time of the most recent Touch.
func (m *Monitor) LastActivity() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Since is the time elapsed since the last activity.
func (m *Monitor) Since() time.Duration {
	return m.now().Sub(m.LastActivity())
}

// IsIdle reports whether more than threshold has passed without activity.
func (m *Monitor) IsIdle(threshold time.Duration) bool {
	return m.Since() > threshold
}

// Check reports the idle state and whether it flipped from active to idle since the
// previous Check.
func (m *Monitor) Check(threshold time.Duration) (idle, becameIdle bool) {
	idle = m.IsIdle(threshold)
	m.mu.Lock()
	becameIdle = idle && !m.wasIdle
	m.wasIdle = idle
	m.mu.Unlock()
	return idle, becameIdle
}

// Attach runs src in the background, feeding m, until ctx is done. The returned
// channel yields src's error, if any, and is then closed.
func (m *Monitor) Attach(ctx context.Context, src Source) <-chan error {
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		if err := src.Run(ctx, m.Touch); err != nil {
			errc <- err
		}
	}()
	return errc
}
