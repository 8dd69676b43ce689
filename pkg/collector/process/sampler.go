package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/srodi/waterwall/pkg/types"
)

const (
	// DefaultFreshness is the minimum interval between full re-samples of the process table.
	DefaultFreshness = time.Second
	// DefaultWorkers bounds how many processes are read in parallel during a refresh.
	DefaultWorkers = 8
)

// enumerate allows tests to stub the full process table walk.
var enumerate = enumerateProcesses

// Snapshot is the result of one full sampling pass.
type Snapshot struct {
	Samples   []types.ProcessSample
	SampledAt time.Time
}

// Sampler caches the process table for a freshness window so that bursts of
// callers do not each re-enumerate every process.
type Sampler struct {
	freshness time.Duration
	workers   int
	now       func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	cached    *Snapshot
	onRefresh []func(Snapshot)
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithFreshness sets the cache window; non-positive values keep the default.
func WithFreshness(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.freshness = d
		}
	}
}

// WithWorkers sets the number of parallel detail readers.
func WithWorkers(n int) Option {
	return func(s *Sampler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSampler builds a Sampler with the given options.
func NewSampler(opts ...Option) *Sampler {
	s := &Sampler{
		freshness: DefaultFreshness,
		workers:   DefaultWorkers,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Freshness reports the configured cache window.
func (s *Sampler) Freshness() time.Duration {
	return s.freshness
}

// OnRefresh registers fn to run after every real refresh, never on cache hits.
func (s *Sampler) OnRefresh(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRefresh = append(s.onRefresh, fn)
}

// Sample returns the cached snapshot while it is fresh, otherwise re-enumerates.
// The returned slice is shared with other callers and must not be modified.
func (s *Sampler) Sample(ctx context.Context) (Snapshot, error) {
	if snap, ok := s.fresh(); ok {
		return snap, nil
	}

	v, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		if snap, ok := s.fresh(); ok {
			return snap, nil
		}
		// the result is shared, so one caller going away must not cut it short
		return s.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

func (s *Sampler) fresh() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		return Snapshot{}, false
	}
	if s.now().Sub(s.cached.SampledAt) > s.freshness {
		return Snapshot{}, false
	}
	return *s.cached, true
}

func (s *Sampler) refresh(ctx context.Context) (Snapshot, error) {
	at := s.now()
	samples, err := enumerate(ctx, s.workers, at)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sampling processes: %w", err)
	}
	snap := Snapshot{Samples: samples, SampledAt: at}

	s.mu.Lock()
	s.cached = &snap
	hooks := append([]func(Snapshot){}, s.onRefresh...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(snap)
	}
	return snap, nil
}

// Invalidate drops the cached snapshot so the next Sample re-enumerates.
func (s *Sampler) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}
