// Package service owns the traffic accounting state and exposes the commands the
// delivery layers (HTTP, terminal) call.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/srodi/waterwall/pkg/collector/process"
	"github.com/srodi/waterwall/pkg/errs"
	"github.com/srodi/waterwall/pkg/history"
	"github.com/srodi/waterwall/pkg/idle"
	"github.com/srodi/waterwall/pkg/logger"
	"github.com/srodi/waterwall/pkg/policy"
	"github.com/srodi/waterwall/pkg/report"
	"github.com/srodi/waterwall/pkg/throttle"
	"github.com/srodi/waterwall/pkg/types"
)

// Sampler yields cached process snapshots.
type Sampler interface {
	Sample(ctx context.Context) (process.Snapshot, error)
	OnRefresh(fn func(process.Snapshot))
	Freshness() time.Duration
	Invalidate()
}

// PolicyReader lists the persisted desired state.
type PolicyReader interface {
	All() map[int32]policy.Record
}

// Enforcer applies control commands.
type Enforcer interface {
	Block(ctx context.Context, pid int32) error
	Unblock(ctx context.Context, pid int32) error
	Limit(ctx context.Context, pid int32, percent int) error
	Status(pid int32) (policy.Status, bool)
}

// Deps are the components a Service is assembled from.
type Deps struct {
	Sampler  Sampler
	History  *history.Aggregator
	Policies PolicyReader
	Enforcer Enforcer
	Idle     *idle.Monitor
	// Sources feed the idle monitor once the service starts.
	Sources []idle.Source
}

// Options tune behavior that is not owned by a single component.
type Options struct {
	HideKernel         bool
	IdleThreshold      time.Duration
	IdlePoll           time.Duration
	AutoThrottle       bool
	ThrottleCPUPercent float64
}

// renice allows tests to stub priority changes.
var renice = throttle.Renice

// Service is the single owner of sampler, history, policy and idle state.
type Service struct {
	sampler  Sampler
	history  *history.Aggregator
	policies PolicyReader
	enforcer Enforcer
	idle     *idle.Monitor
	sources  []idle.Source
	opts     Options

	scheduler *Scheduler
}

// New wires deps together. History is appended on every real sampler refresh.
func New(deps Deps, opts Options) (*Service, error) {
	if deps.Sampler == nil || deps.Policies == nil || deps.Enforcer == nil {
		return nil, errors.New("service: sampler, policies and enforcer are required")
	}
	if deps.History == nil {
		deps.History = history.New(types.DefaultHistoryCapacity)
	}
	if deps.Idle == nil {
		deps.Idle = idle.NewMonitor()
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = idle.DefaultThreshold
	}
	if opts.IdlePoll <= 0 {
		opts.IdlePoll = time.Second
	}

	s := &Service{
		sampler:   deps.Sampler,
		history:   deps.History,
		policies:  deps.Policies,
		enforcer:  deps.Enforcer,
		idle:      deps.Idle,
		sources:   deps.Sources,
		opts:      opts,
		scheduler: NewScheduler(),
	}
	s.sampler.OnRefresh(func(snap process.Snapshot) {
		s.history.RecordSamples(snap.Samples)
	})
	s.scheduler.Every("sample", s.sampler.Freshness(), s.refresh)
	s.scheduler.Every("idle-watch", opts.IdlePoll, s.watchIdle)
	return s, nil
}

// Start runs the periodic jobs and the idle sources until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	log := logger.Logger(ctx)
	for _, src := range s.sources {
		errc := s.idle.Attach(ctx, src)
		go func() {
			for err := range errc {
				log.Warn().Err(err).Msg("activity source stopped")
			}
		}()
	}
	s.scheduler.Start(ctx)
	log.Info().Strs("jobs", s.scheduler.Jobs()).Msg("service started")
}

// Stop halts periodic jobs.
func (s *Service) Stop() {
	s.scheduler.Stop()
}

// Rescan drops the cached snapshot and every history series, so the next
// sample rebuilds both from scratch.
func (s *Service) Rescan(ctx context.Context) {
	s.sampler.Invalidate()
	s.history.Reset()
	logger.Logger(ctx).Info().Msg("process cache and history reset")
}

func (s *Service) refresh(ctx context.Context) {
	if _, err := s.sampler.Sample(ctx); err != nil {
		logger.Logger(ctx).Warn().Err(err).Msg("background sample failed")
	}
}

func (s *Service) watchIdle(ctx context.Context) {
	away, becameIdle := s.idle.Check(s.opts.IdleThreshold)
	if !becameIdle {
		return
	}
	log := logger.Logger(ctx)
	log.Info().Bool("away", away).Dur("since", s.idle.Since()).Msg("user went idle")
	if !s.opts.AutoThrottle {
		return
	}
	if n, err := s.Throttle(ctx); err != nil {
		log.Warn().Err(err).Int("throttled", n).Msg("idle throttle incomplete")
	}
}

// ListSnapshots returns the merged per-process view sorted by key and order.
func (s *Service) ListSnapshots(ctx context.Context, key, order string) ([]report.Record, error) {
	snap, err := s.sampler.Sample(ctx)
	if err != nil {
		return nil, err
	}
	rows := report.Assemble(snap.Samples, s.policies.All(), s.history, key, order)
	if s.opts.HideKernel {
		rows = report.FilterRecords(rows, report.FilterConfig{HideKernel: true})
	}
	return rows, nil
}

// SetBlocked blocks or unblocks pid.
func (s *Service) SetBlocked(ctx context.Context, pid int32, blocked bool) error {
	if pid <= 0 {
		return fmt.Errorf("%w: pid must be positive", errs.ErrInvalidArgument)
	}
	if blocked {
		return s.enforcer.Block(ctx, pid)
	}
	return s.enforcer.Unblock(ctx, pid)
}

// SetLimit caps pid to percent of the reference bandwidth.
func (s *Service) SetLimit(ctx context.Context, pid int32, percent int) error {
	if pid <= 0 {
		return fmt.Errorf("%w: pid must be positive", errs.ErrInvalidArgument)
	}
	return s.enforcer.Limit(ctx, pid, percent)
}

// EnforcementStatus returns the outcome of the last command for pid.
func (s *Service) EnforcementStatus(pid int32) (policy.Status, bool) {
	return s.enforcer.Status(pid)
}

// Idle reports whether the user has been away longer than the idle threshold.
func (s *Service) Idle() bool {
	return s.idle.IsIdle(s.opts.IdleThreshold)
}

// Touch records user activity.
func (s *Service) Touch() {
	s.idle.Touch()
}

// Throttle renices processes above the CPU threshold and returns how many changed.
func (s *Service) Throttle(ctx context.Context) (int, error) {
	snap, err := s.sampler.Sample(ctx)
	if err != nil {
		return 0, err
	}
	res, err := renice(ctx, snap.Samples, s.opts.ThrottleCPUPercent)
	return res.Throttled, err
}

// Stream emits a full snapshot immediately and then every interval until ctx is
// done or emit fails. A failed sample is logged and skipped.
func (s *Service) Stream(ctx context.Context, interval time.Duration, key, order string, emit func([]report.Record) error) error {
	if interval <= 0 {
		return fmt.Errorf("%w: stream interval must be positive", errs.ErrInvalidArgument)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		rows, err := s.ListSnapshots(ctx, key, order)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Logger(ctx).Warn().Err(err).Msg("stream sample failed")
		} else if err := emit(rows); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
