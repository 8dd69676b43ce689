// Package selflimit confines the daemon itself to a CPU and memory budget with a v1 cgroup.
package selflimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/srodi/waterwall/pkg/logger"
)

// DefaultPath is the cgroup the daemon moves itself into.
const DefaultPath = "/waterwall"

const cpuPeriod = uint64(100000)

// ErrUnsupported is returned when the host has no usable v1 hierarchy.
var ErrUnsupported = errors.New("cgroup v1 hierarchy not available")

// control is the part of cgroups.Cgroup used here.
type control interface {
	Add(process cgroups.Process) error
	Delete() error
}

type v1Control struct {
	cg cgroups.Cgroup
}

func (c v1Control) Add(p cgroups.Process) error { return c.cg.Add(p) }
func (c v1Control) Delete() error { return c.cg.Delete() }

// Hooks swapped in tests.
var (
	cgroupMode = cgroups.Mode
	newCgroup  = func(path string, res *specs.LinuxResources) (control, error) {
		cg, err := cgroups.New(cgroups.V1, cgroups.StaticPath(path), res)
		if err != nil {
			return nil, err
		}
		return v1Control{cg: cg}, nil
	}
)

// Limits is the budget for the daemon. Zero fields are unlimited.
type Limits struct {
	CPUCores float64
	MemoryMB int64
}

// Enabled reports whether any limit is set.
func (l Limits) Enabled() bool {
	return l.CPUCores > 0 || l.MemoryMB > 0
}

// Resources translates l into a runtime-spec resource block.
func (l Limits) Resources() *specs.LinuxResources {
	res := &specs.LinuxResources{}
	if l.CPUCores > 0 {
		period := cpuPeriod
		quota := int64(l.CPUCores * float64(cpuPeriod))
		res.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
	}
	if l.MemoryMB > 0 {
		limit := l.MemoryMB * 1024 * 1024
		res.Memory = &specs.LinuxMemory{Limit: &limit}
	}
	return res
}

// Apply creates the cgroup at path and moves pid into it. The returned func removes
// the cgroup. With no limits set it does nothing.
func Apply(ctx context.Context, path string, pid int, l Limits) (func(), error) {
	noop := func() {}
	if !l.Enabled() {
		return noop, nil
	}
	if path == "" {
		path = DefaultPath
	}
	if mode := cgroupMode(); mode != cgroups.Legacy && mode != cgroups.Hybrid {
		return noop, ErrUnsupported
	}

	cg, err := newCgroup(path, l.Resources())
	if err != nil {
		return noop, fmt.Errorf("creating cgroup %s: %w", path, err)
	}
	if err := cg.Add(cgroups.Process{Pid: pid}); err != nil {
		_ = cg.Delete()
		return noop, fmt.Errorf("joining cgroup %s: %w", path, err)
	}
	logger.Logger(ctx).Info().
		Str("cgroup", path).
		Float64("cpu_cores", l.CPUCores).
		Int64("memory_mb", l.MemoryMB).
		Msg("daemon confined")
	return func() {
		if err := cg.Delete(); err != nil {
			logger.Logger(ctx).Warn().Err(err).Str("cgroup", path).Msg("removing cgroup")
		}
	}, nil
}
