// Package throttle lowers the scheduling priority of busy processes.
package throttle

import (
	"context"
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"github.com/srodi/waterwall/pkg/logger"
	"github.com/srodi/waterwall/pkg/types"
)

// IdleNice is the weakest scheduling priority on Linux.
const IdleNice = 19

// DefaultCPUPercent is the CPU usage at or above which a process is reniced.
const DefaultCPUPercent = 10.0

// setpriority and selfPID allow tests to stub syscalls.
var (
	setpriority = unix.Setpriority
	selfPID     = os.Getpid
)

// Result summarizes a throttle pass.
type Result struct {
	Throttled int
	Skipped   int
}

// Renice sets nice 19 on every sample at or above cpuPercent, skipping the calling
// process. Processes that exited or that we may not touch are skipped; any other
// failure is returned joined after the pass completes.
func Renice(ctx context.Context, samples []types.ProcessSample, cpuPercent float64) (Result, error) {
	log := logger.Logger(ctx)
	self := selfPID()
	var res Result
	var errs error
	for _, s := range samples {
		if int(s.PID) == self || s.PID <= 0 || s.CPUPercent < cpuPercent {
			continue
		}
		err := setpriority(unix.PRIO_PROCESS, int(s.PID), IdleNice)
		switch {
		case err == nil:
			res.Throttled++
			log.Info().Int32("pid", s.PID).Str("name", s.Name).Float64("cpu_percent", s.CPUPercent).Msg("throttled process")
		case errors.Is(err, unix.ESRCH), errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
			res.Skipped++
			log.Debug().Int32("pid", s.PID).Err(err).Msg("throttle skipped")
		default:
			res.Skipped++
			errs = errors.Join(errs, err)
		}
	}
	return res, errs
}
