package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
	"time"

	ps "github.com/mitchellh/go-ps"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"github.com/srodi/waterwall/pkg/errs"
	"github.com/srodi/waterwall/pkg/types"
)

var errVanished = errors.New("process exited during read")

// ioReader is the part of *process.Process needed for a targeted usage query.
type ioReader interface {
	IOCountersWithContext(ctx context.Context) (*process.IOCountersStat, error)
}

// sampleReader is the part of *process.Process a sampling pass reads.
type sampleReader interface {
	ioReader
	NameWithContext(ctx context.Context) (string, error)
	CPUPercentWithContext(ctx context.Context) (float64, error)
	MemoryPercentWithContext(ctx context.Context) (float32, error)
	NumThreadsWithContext(ctx context.Context) (int32, error)
}

// listPIDs and openProcess allow tests to stub the process table.
var (
	listPIDs    = process.PidsWithContext
	openProcess = func(ctx context.Context, pid int32) (sampleReader, error) {
		return process.NewProcessWithContext(ctx, pid)
	}
)

// newProcess allows tests to stub opening a single pid.
var newProcess = func(ctx context.Context, pid int32) (ioReader, error) {
	return process.NewProcessWithContext(ctx, pid)
}

// findProcess allows tests to stub the cheap liveness lookup.
var findProcess = ps.FindProcess

// ownerUID allows tests to stub credential resolution.
var ownerUID = func(ctx context.Context, pid int32) (uint32, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return 0, err
	}
	uids, err := p.UidsWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return effectiveID(uids)
}

// enumerateProcesses walks the process table and reads each process in a bounded pool.
// Processes that exit mid-read are dropped.
func enumerateProcesses(ctx context.Context, workers int, at time.Time) ([]types.ProcessSample, error) {
	pids, err := listPIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	slots := make([]*types.ProcessSample, len(pids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, pid := range pids {
		i, pid := i, pid
		g.Go(func() error {
			p, err := openProcess(gctx, pid)
			if err != nil {
				return nil
			}
			sample, err := readSample(gctx, pid, p, at)
			if err != nil {
				return nil
			}
			slots[i] = &sample
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	samples := make([]types.ProcessSample, 0, len(slots))
	for _, s := range slots {
		if s != nil {
			samples = append(samples, *s)
		}
	}
	return samples, nil
}

// readSample reads one process. It returns errVanished when the process exits
// mid-read; a permission error on the I/O counters only sets IODenied.
func readSample(ctx context.Context, pid int32, p sampleReader, at time.Time) (types.ProcessSample, error) {
	sample := types.ProcessSample{
		ProcessIdentity: types.ProcessIdentity{PID: pid},
		SampledAt:       at,
	}

	name, err := p.NameWithContext(ctx)
	if err != nil {
		if isVanished(err) {
			return sample, errVanished
		}
		name = commForPID(pid)
	}
	sample.Name = name

	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		sample.CPUPercent = cpu
	} else if isVanished(err) {
		return sample, errVanished
	}
	if mem, err := p.MemoryPercentWithContext(ctx); err == nil {
		sample.MemoryPercent = mem
	}
	if threads, err := p.NumThreadsWithContext(ctx); err == nil {
		sample.NumThreads = threads
	}

	counters, err := p.IOCountersWithContext(ctx)
	switch {
	case err == nil && counters != nil:
		sample.IO = &types.IOCounters{ReadBytes: counters.ReadBytes, WriteBytes: counters.WriteBytes}
	case isPermission(err):
		sample.IODenied = true
	case isVanished(err):
		return sample, errVanished
	}
	return sample, nil
}

// Usage reads pid's traffic figure right now, bypassing the cache.
func Usage(ctx context.Context, pid int32) (uint64, error) {
	p, err := newProcess(ctx, pid)
	if err != nil {
		return 0, classify(err, pid)
	}
	counters, err := p.IOCountersWithContext(ctx)
	if err != nil {
		return 0, classify(err, pid)
	}
	return counters.ReadBytes + counters.WriteBytes, nil
}

// Exists reports whether pid is currently running.
func Exists(pid int32) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	p, err := findProcess(int(pid))
	if err != nil {
		return false, err
	}
	return p != nil, nil
}

// OwnerUID resolves the effective uid that owns pid's sockets.
func OwnerUID(ctx context.Context, pid int32) (uint32, error) {
	uid, err := ownerUID(ctx, pid)
	if err != nil {
		return 0, classify(err, pid)
	}
	return uid, nil
}

func effectiveID[T int32 | uint32](ids []T) (uint32, error) {
	// real, effective, saved, filesystem
	if len(ids) < 2 {
		if len(ids) == 1 {
			return uint32(ids[0]), nil
		}
		return 0, errors.New("no uids reported")
	}
	return uint32(ids[1]), nil
}

func classify(err error, pid int32) error {
	switch {
	case isPermission(err):
		return fmt.Errorf("%w: pid %d: %v", errs.ErrAccessDenied, pid, err)
	case isVanished(err):
		return fmt.Errorf("%w: pid %d", errs.ErrProcessVanished, pid)
	default:
		return fmt.Errorf("reading pid %d: %w", pid, err)
	}
}

func isPermission(err error) bool {
	return err != nil && (errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM))
}

func isVanished(err error) bool {
	return err != nil && (errors.Is(err, process.ErrorProcessNotRunning) ||
		errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ESRCH))
}
