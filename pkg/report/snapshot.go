package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/srodi/waterwall/pkg/policy"
	"github.com/srodi/waterwall/pkg/types"
)

// SortKey names the primary ordering of a snapshot.
type SortKey string

const (
	KeyTraffic SortKey = "traffic_usage"
	KeyName    SortKey = "name"
	KeyPID     SortKey = "pid"
)

// SortOrder is the direction applied to the primary key. The pid tie-break is always ascending.
type SortOrder string

const (
	Asc  SortOrder = "asc"
	Desc SortOrder = "desc"
)

// Record is one process as returned to callers: live sample, policy and history merged.
type Record struct {
	PID            int32     `json:"pid"`
	Name           string    `json:"name"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float32   `json:"memory_percent"`
	NumThreads     int32     `json:"num_threads"`
	TrafficUsage   uint64    `json:"traffic_usage"`
	TrafficUsageMB float64   `json:"traffic_usage_mb"`
	IODenied       bool      `json:"io_denied"`
	Blocked        bool      `json:"blocked"`
	Limit          *int      `json:"limit"`
	History        []float64 `json:"history"`
	SampledAt      time.Time `json:"sampled_at"`
}

// HistoryReader returns the usage window of a pid, oldest first.
type HistoryReader interface {
	Read(pid int32) []float64
}

// FilterConfig controls which processes appear in tables.
type FilterConfig struct {
	HideKernel bool
	// Name keeps only processes whose name contains it (case-insensitive).
	Name string
}

// ParseSort resolves caller-supplied sort parameters. Unknown keys fall back to
// traffic_usage and unknown orders to desc. Combined values such as "traffic_desc"
// carry their own order and override order.
func ParseSort(key, order string) (SortKey, SortOrder) {
	k := strings.ToLower(strings.TrimSpace(key))
	o := SortOrder(strings.ToLower(strings.TrimSpace(order)))
	switch o {
	case Asc, "ascending":
		o = Asc
	default:
		o = Desc
	}

	switch k {
	case "traffic_desc":
		return KeyTraffic, Desc
	case "traffic_asc":
		return KeyTraffic, Asc
	case "name_asc":
		return KeyName, Asc
	case "name_desc":
		return KeyName, Desc
	case "pid_asc":
		return KeyPID, Asc
	case "pid_desc":
		return KeyPID, Desc
	case string(KeyName):
		return KeyName, o
	case string(KeyPID):
		return KeyPID, o
	default:
		return KeyTraffic, o
	}
}

// BuildRecords joins each sample with its policy (zero Record when absent) and
// history (empty when absent). One output record per sample.
func BuildRecords(samples []types.ProcessSample, policies map[int32]policy.Record, hist HistoryReader) []Record {
	rows := make([]Record, 0, len(samples))
	for _, s := range samples {
		pol := policies[s.PID]
		var points []float64
		if hist != nil {
			points = hist.Read(s.PID)
		}
		if points == nil {
			points = []float64{}
		}
		var limit *int
		if pol.Limit != nil {
			n := *pol.Limit
			limit = &n
		}
		bytes := s.TrafficBytes()
		rows = append(rows, Record{
			PID:            s.PID,
			Name:           s.Name,
			CPUPercent:     s.CPUPercent,
			MemoryPercent:  s.MemoryPercent,
			NumThreads:     s.NumThreads,
			TrafficUsage:   bytes,
			TrafficUsageMB: float64(bytes) / types.BytesPerMB,
			IODenied:       s.IODenied,
			Blocked:        pol.Blocked,
			Limit:          limit,
			History:        points,
			SampledAt:      s.SampledAt,
		})
	}
	return rows
}

// SortRecords orders rows in place by key and order, breaking ties by pid ascending.
func SortRecords(rows []Record, key SortKey, order SortOrder) {
	sort.SliceStable(rows, func(i, j int) bool {
		c := compare(rows[i], rows[j], key)
		if c == 0 {
			return rows[i].PID < rows[j].PID
		}
		if order == Asc {
			return c < 0
		}
		return c > 0
	})
}

func compare(a, b Record, key SortKey) int {
	switch key {
	case KeyName:
		return strings.Compare(a.Name, b.Name)
	case KeyPID:
		return cmp3(a.PID < b.PID, a.PID > b.PID)
	default:
		return cmp3(a.TrafficUsage < b.TrafficUsage, a.TrafficUsage > b.TrafficUsage)
	}
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

// Assemble builds and sorts a snapshot.
func Assemble(samples []types.ProcessSample, policies map[int32]policy.Record, hist HistoryReader, key, order string) []Record {
	rows := BuildRecords(samples, policies, hist)
	k, o := ParseSort(key, order)
	SortRecords(rows, k, o)
	return rows
}

// FilterRecords applies HideKernel/name filters, keeping the input order.
func FilterRecords(rows []Record, cfg FilterConfig) []Record {
	filtered := make([]Record, 0, len(rows))
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	for _, row := range rows {
		if cfg.HideKernel && isKernelThread(row) {
			continue
		}
		if name != "" && !strings.Contains(strings.ToLower(row.Name), name) {
			continue
		}
		filtered = append(filtered, row)
	}
	return filtered
}

// TopTalker picks the process with the most traffic, or nil when nothing moved any bytes.
func TopTalker(rows []Record) *Record {
	var best *Record
	for i := range rows {
		if rows[i].TrafficUsage == 0 {
			continue
		}
		if best == nil || rows[i].TrafficUsage > best.TrafficUsage ||
			(rows[i].TrafficUsage == best.TrafficUsage && rows[i].PID < best.PID) {
			c := rows[i]
			best = &c
		}
	}
	return best
}

// TopTalkerSummary returns a short explanation for the status line.
func TopTalkerSummary(row Record) string {
	switch {
	case row.Blocked:
		return fmt.Sprintf("%.1f MB moved, blocked", row.TrafficUsageMB)
	case row.Limit != nil:
		return fmt.Sprintf("%.1f MB moved, limited to %d%%", row.TrafficUsageMB, *row.Limit)
	default:
		return fmt.Sprintf("%.1f MB moved, %.1f%% CPU", row.TrafficUsageMB, row.CPUPercent)
	}
}

// PolicyLabel renders a record's policy for tables.
func PolicyLabel(row Record) string {
	switch {
	case row.Blocked:
		return "blocked"
	case row.Limit != nil:
		return fmt.Sprintf("limit %d%%", *row.Limit)
	default:
		return "-"
	}
}

func isKernelThread(row Record) bool {
	if row.PID == 0 {
		return true
	}
	name := strings.ToLower(row.Name)
	switch {
	case strings.HasPrefix(name, "kworker"), strings.HasPrefix(name, "ksoftirqd"), strings.HasPrefix(name, "kthreadd"),
		strings.HasPrefix(name, "migration"), strings.HasPrefix(name, "watchdog"), strings.HasPrefix(name, "rcu"),
		strings.HasPrefix(name, "irq/"):
		return true
	}
	return false
}
