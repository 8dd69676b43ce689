package service

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/srodi/waterwall/pkg/collector/process"
	"github.com/srodi/waterwall/pkg/errs"
	"github.com/srodi/waterwall/pkg/firewall"
	"github.com/srodi/waterwall/pkg/history"
	"github.com/srodi/waterwall/pkg/idle"
	"github.com/srodi/waterwall/pkg/policy"
	"github.com/srodi/waterwall/pkg/report"
	"github.com/srodi/waterwall/pkg/throttle"
	"github.com/srodi/waterwall/pkg/types"
)

// fakeSampler refreshes on every call, firing the refresh hooks like a real miss.
type fakeSampler struct {
	mu      sync.Mutex
	samples []types.ProcessSample
	err     error
	calls   int
	hooks   []func(process.Snapshot)
	invalid int
}

func (f *fakeSampler) Sample(context.Context) (process.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	if f.err != nil {
		f.mu.Unlock()
		return process.Snapshot{}, f.err
	}
	snap := process.Snapshot{Samples: f.samples, SampledAt: time.Unix(1700000000, 0)}
	hooks := append([]func(process.Snapshot){}, f.hooks...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(snap)
	}
	return snap, nil
}

func (f *fakeSampler) OnRefresh(fn func(process.Snapshot)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, fn)
}

func (f *fakeSampler) Freshness() time.Duration { return time.Second }

func (f *fakeSampler) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalid++
}

type mockEnforcer struct{ mock.Mock }

func (m *mockEnforcer) Block(_ context.Context, pid int32) error {
	return m.Called(pid).Error(0)
}

func (m *mockEnforcer) Unblock(_ context.Context, pid int32) error {
	return m.Called(pid).Error(0)
}

func (m *mockEnforcer) Limit(_ context.Context, pid int32, percent int) error {
	return m.Called(pid, percent).Error(0)
}

func (m *mockEnforcer) Status(pid int32) (policy.Status, bool) {
	ret := m.Called(pid)
	return ret.Get(0).(policy.Status), ret.Bool(1)
}

func sample(pid int32, name string, bytes uint64, cpu float64) types.ProcessSample {
	return types.ProcessSample{
		ProcessIdentity: types.ProcessIdentity{PID: pid, Name: name},
		CPUPercent:      cpu,
		IO:              &types.IOCounters{ReadBytes: bytes},
	}
}

func newIntegrated(t *testing.T, samples ...types.ProcessSample) (*Service, *fakeSampler, *firewall.Memory) {
	t.Helper()
	store, err := policy.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	fw := firewall.NewMemory()
	enf := policy.NewEnforcer(store, fw,
		policy.WithLivenessCheck(func(int32) (bool, error) { return true, nil }),
		policy.WithOwnerResolver(func(_ context.Context, pid int32) (string, error) {
			return strconv.Itoa(int(pid)), nil
		}),
	)
	sampler := &fakeSampler{samples: samples}
	svc, err := New(Deps{Sampler: sampler, History: history.New(3), Policies: store, Enforcer: enf}, Options{})
	require.NoError(t, err)
	return svc, sampler, fw
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}

func TestListSnapshotsMergesPolicyAndHistory(t *testing.T) {
	svc, _, fw := newIntegrated(t,
		sample(10, "curl", 2*types.BytesPerMB, 0),
		sample(20, "wget", 4*types.BytesPerMB, 0),
	)
	ctx := context.Background()

	require.NoError(t, svc.SetBlocked(ctx, 10, true))
	require.NoError(t, svc.SetLimit(ctx, 20, 50))
	assert.Len(t, fw.Rules(), 2)

	rows, err := svc.ListSnapshots(ctx, "traffic_usage", "desc")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, int32(20), rows[0].PID)
	require.NotNil(t, rows[0].Limit)
	assert.Equal(t, 50, *rows[0].Limit)
	assert.Equal(t, []float64{4}, rows[0].History)

	assert.Equal(t, int32(10), rows[1].PID)
	assert.True(t, rows[1].Blocked)
	assert.Equal(t, 2.0, rows[1].TrafficUsageMB)
}

func TestHistoryBoundThroughService(t *testing.T) {
	svc, _, _ := newIntegrated(t, sample(1, "a", types.BytesPerMB, 0))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := svc.ListSnapshots(ctx, "", "")
		require.NoError(t, err)
	}
	rows, err := svc.ListSnapshots(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, rows[0].History, 3)
}

func TestRescanResetsHistory(t *testing.T) {
	svc, sampler, _ := newIntegrated(t, sample(1, "a", types.BytesPerMB, 0))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.ListSnapshots(ctx, "", "")
		require.NoError(t, err)
	}

	svc.Rescan(ctx)
	assert.Equal(t, 1, sampler.invalid)

	rows, err := svc.ListSnapshots(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, rows[0].History)
}

func TestBlockThenUnblockScenario(t *testing.T) {
	svc, _, fw := newIntegrated(t, sample(42, "x", 0, 0))
	ctx := context.Background()

	require.NoError(t, svc.SetBlocked(ctx, 42, true))
	require.NoError(t, svc.SetBlocked(ctx, 42, false))

	rows, err := svc.ListSnapshots(ctx, "pid", "asc")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Blocked)
	assert.Nil(t, rows[0].Limit)
	assert.Empty(t, fw.Rules())

	st, ok := svc.EnforcementStatus(42)
	require.True(t, ok)
	assert.Equal(t, "unblock", st.Action)
}

func TestSetLimitRejectsOutOfRangeWithoutMutation(t *testing.T) {
	svc, _, fw := newIntegrated(t, sample(5, "x", 0, 0))
	ctx := context.Background()

	for _, pct := range []int{-1, 101} {
		assert.ErrorIs(t, svc.SetLimit(ctx, 5, pct), errs.ErrInvalidArgument)
	}
	assert.Empty(t, fw.Rules())
	rows, err := svc.ListSnapshots(ctx, "", "")
	require.NoError(t, err)
	assert.Nil(t, rows[0].Limit)
}

func TestCommandsRejectNonPositivePid(t *testing.T) {
	enf := &mockEnforcer{}
	svc, err := New(Deps{Sampler: &fakeSampler{}, Policies: policyMap{}, Enforcer: enf}, Options{})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.SetBlocked(context.Background(), 0, true), errs.ErrInvalidArgument)
	assert.ErrorIs(t, svc.SetLimit(context.Background(), -3, 10), errs.ErrInvalidArgument)
	enf.AssertNotCalled(t, "Block", mock.Anything)
	enf.AssertNotCalled(t, "Limit", mock.Anything, mock.Anything)
}

func TestCommandsDelegateToEnforcer(t *testing.T) {
	enf := &mockEnforcer{}
	enf.On("Block", int32(7)).Return(nil).Once()
	enf.On("Unblock", int32(7)).Return(nil).Once()
	enf.On("Limit", int32(7), 30).Return(errs.ErrEnforcementFailed).Once()
	svc, err := New(Deps{Sampler: &fakeSampler{}, Policies: policyMap{}, Enforcer: enf}, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, svc.SetBlocked(ctx, 7, true))
	require.NoError(t, svc.SetBlocked(ctx, 7, false))
	assert.ErrorIs(t, svc.SetLimit(ctx, 7, 30), errs.ErrEnforcementFailed)
	enf.AssertExpectations(t)
}

type policyMap map[int32]policy.Record

func (p policyMap) All() map[int32]policy.Record { return p }

func TestListSnapshotsSurfacesSamplerError(t *testing.T) {
	sampler := &fakeSampler{err: errors.New("proc unavailable")}
	svc, err := New(Deps{Sampler: sampler, Policies: policyMap{}, Enforcer: &mockEnforcer{}}, Options{})
	require.NoError(t, err)

	_, err = svc.ListSnapshots(context.Background(), "", "")
	assert.EqualError(t, err, "proc unavailable")
}

func TestListSnapshotsHidesKernelThreads(t *testing.T) {
	sampler := &fakeSampler{samples: []types.ProcessSample{sample(2, "kworker/1:0", 0, 0), sample(300, "bash", 0, 0)}}
	svc, err := New(Deps{Sampler: sampler, Policies: policyMap{}, Enforcer: &mockEnforcer{}}, Options{HideKernel: true})
	require.NoError(t, err)

	rows, err := svc.ListSnapshots(context.Background(), "", "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bash", rows[0].Name)
}

func TestIdleAndTouch(t *testing.T) {
	now := time.Unix(1000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	monitor := idle.NewMonitor(idle.WithClock(clock))
	svc, err := New(Deps{Sampler: &fakeSampler{}, Policies: policyMap{}, Enforcer: &mockEnforcer{}, Idle: monitor},
		Options{IdleThreshold: 5 * time.Second})
	require.NoError(t, err)

	assert.False(t, svc.Idle())
	mu.Lock()
	now = now.Add(6 * time.Second)
	mu.Unlock()
	assert.True(t, svc.Idle())
	svc.Touch()
	assert.False(t, svc.Idle())
}

func TestWatchIdleAutoThrottle(t *testing.T) {
	t.Cleanup(func() { renice = throttle.Renice })
	var reniced int
	renice = func(_ context.Context, samples []types.ProcessSample, pct float64) (throttle.Result, error) {
		reniced++
		assert.Equal(t, 25.0, pct)
		return throttle.Result{Throttled: len(samples)}, nil
	}

	now := time.Unix(1000, 0)
	monitor := idle.NewMonitor(idle.WithClock(func() time.Time { return now }))
	sampler := &fakeSampler{samples: []types.ProcessSample{sample(9, "busy", 0, 80)}}
	svc, err := New(Deps{Sampler: sampler, Policies: policyMap{}, Enforcer: &mockEnforcer{}, Idle: monitor},
		Options{IdleThreshold: time.Second, AutoThrottle: true, ThrottleCPUPercent: 25})
	require.NoError(t, err)
	ctx := context.Background()

	svc.watchIdle(ctx)
	assert.Zero(t, reniced)

	now = now.Add(2 * time.Second)
	svc.watchIdle(ctx)
	svc.watchIdle(ctx)
	assert.Equal(t, 1, reniced, "throttle runs once per transition to idle")
}

func TestThrottleCountsReniced(t *testing.T) {
	t.Cleanup(func() { renice = throttle.Renice })
	renice = func(_ context.Context, samples []types.ProcessSample, _ float64) (throttle.Result, error) {
		return throttle.Result{Throttled: 2, Skipped: len(samples) - 2}, nil
	}
	sampler := &fakeSampler{samples: []types.ProcessSample{sample(1, "a", 0, 50), sample(2, "b", 0, 50), sample(3, "c", 0, 0)}}
	svc, err := New(Deps{Sampler: sampler, Policies: policyMap{}, Enforcer: &mockEnforcer{}}, Options{})
	require.NoError(t, err)

	n, err := svc.Throttle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStreamEmitsUntilCancelled(t *testing.T) {
	svc, _, _ := newIntegrated(t, sample(1, "a", 0, 0))
	ctx, cancel := context.WithCancel(context.Background())

	var frames int
	err := svc.Stream(ctx, 10*time.Millisecond, "", "", func(rows []report.Record) error {
		frames++
		assert.Len(t, rows, 1)
		if frames == 3 {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, frames)
}

func TestStreamStopsOnEmitError(t *testing.T) {
	svc, _, _ := newIntegrated(t, sample(1, "a", 0, 0))
	boom := errors.New("client went away")
	err := svc.Stream(context.Background(), time.Millisecond, "", "", func([]report.Record) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = svc.Stream(context.Background(), 0, "", "", func([]report.Record) error { return nil })
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestStartStopRegistersJobs(t *testing.T) {
	svc, sampler, _ := newIntegrated(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx)
	assert.Equal(t, []string{"sample", "idle-watch"}, svc.scheduler.Jobs())
	require.Eventually(t, func() bool {
		sampler.mu.Lock()
		defer sampler.mu.Unlock()
		return sampler.calls > 0
	}, 3*time.Second, 20*time.Millisecond)
	svc.Stop()
	svc.Stop()
}
