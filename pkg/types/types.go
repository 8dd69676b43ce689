package types

import "time"

// BytesPerMB converts raw byte counters into the megabyte figures shown to callers.
const BytesPerMB = 1024 * 1024

// DefaultHistoryCapacity is how many usage points are kept per process.
const DefaultHistoryCapacity = 60

// ProcessIdentity addresses a process. PIDs are recycled by the OS, so an identity is only
// meaningful for the lifetime of the process that currently holds it.
type ProcessIdentity struct {
	PID  int32
	Name string
}

// IOCounters holds the cumulative I/O byte counters of a process.
type IOCounters struct {
	ReadBytes  uint64
	WriteBytes uint64
}

// ProcessSample is one process as seen by a single sampling pass.
type ProcessSample struct {
	ProcessIdentity
	CPUPercent    float64
	MemoryPercent float32
	NumThreads    int32
	// IO is nil when the counters could not be read.
	IO *IOCounters
	// IODenied reports that reading the counters failed with a permission error.
	IODenied  bool
	SampledAt time.Time
}

// TrafficBytes is the usage figure attributed to the process: read plus write bytes.
func (s ProcessSample) TrafficBytes() uint64 {
	if s.IO == nil {
		return 0
	}
	return s.IO.ReadBytes + s.IO.WriteBytes
}

// TrafficMB is TrafficBytes expressed in megabytes.
func (s ProcessSample) TrafficMB() float64 {
	return float64(s.TrafficBytes()) / BytesPerMB
}
