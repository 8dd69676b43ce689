package history

import (
	"sync"

	"github.com/srodi/waterwall/pkg/types"
)

// series is the bounded usage window of one pid.
type series struct {
	mu     sync.Mutex
	points []float64
}

// Aggregator keeps a rolling window of traffic_usage_mb points per pid.
// Appends to one pid serialize on that pid's series; different pids do not contend
// beyond the map lookup.
type Aggregator struct {
	capacity int

	mu     sync.RWMutex
	series map[int32]*series
}

// New returns an Aggregator; capacity <= 0 falls back to types.DefaultHistoryCapacity.
func New(capacity int) *Aggregator {
	if capacity <= 0 {
		capacity = types.DefaultHistoryCapacity
	}
	return &Aggregator{
		capacity: capacity,
		series:   make(map[int32]*series),
	}
}

// Capacity reports the maximum number of points kept per pid.
func (a *Aggregator) Capacity() int {
	return a.capacity
}

func (a *Aggregator) ensure(pid int32) *series {
	a.mu.RLock()
	s, ok := a.series[pid]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.series[pid]; ok {
		return s
	}
	s = &series{points: make([]float64, 0, a.capacity)}
	a.series[pid] = s
	return s
}

// Record appends one point for pid, dropping the oldest once the window is full.
func (a *Aggregator) Record(pid int32, usageMB float64) {
	s := a.ensure(pid)
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.points) >= a.capacity {
		// shift in place so the backing array never grows past capacity
		copy(s.points, s.points[1:])
		s.points = s.points[:len(s.points)-1]
	}
	s.points = append(s.points, usageMB)
}

// RecordSamples appends one point per sample of a sampling pass.
func (a *Aggregator) RecordSamples(samples []types.ProcessSample) {
	for _, sample := range samples {
		a.Record(sample.PID, sample.TrafficMB())
	}
}

// Read returns a copy of pid's window, oldest first. Unknown pids yield an empty slice.
func (a *Aggregator) Read(pid int32) []float64 {
	a.mu.RLock()
	s, ok := a.series[pid]
	a.mu.RUnlock()
	if !ok {
		return []float64{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.points))
	copy(out, s.points)
	return out
}

// Len reports how many pids currently have a series.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.series)
}

// Reset discards every series. The service calls it when the sampler cache is
// rebuilt from scratch.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.series = make(map[int32]*series)
}
