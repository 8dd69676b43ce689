package service

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron"

	"github.com/srodi/waterwall/pkg/logger"
)

// Scheduler runs named periodic jobs on a cron runner. Jobs receive the context
// passed to Start and must return promptly once it is done.
type Scheduler struct {
	cron *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	names   []string
}

// NewScheduler returns an idle Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{cron: cron.New(), ctx: context.Background()}
}

// Every registers fn to run every d. Intervals under a second run once a second.
func (s *Scheduler) Every(name string, d time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	s.names = append(s.names, name)
	s.mu.Unlock()

	s.cron.Schedule(cron.Every(d), cron.FuncJob(func() {
		ctx := s.context()
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		fn(ctx)
		logger.Logger(ctx).Trace().Str("job", name).Dur("took", time.Since(start)).Msg("job finished")
	}))
}

// Jobs lists the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Start begins running jobs until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()
}

// Stop halts the runner. Jobs already in flight see their context cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	s.cron.Stop()
}
