// Package firewall turns policy decisions into iptables owner-match directives.
package firewall

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// DefaultReferenceBytes is the bandwidth unit that a 100% limit maps to (1 MiB/s).
const DefaultReferenceBytes = 1024 * 1024

// Action is what a directive does with matching egress packets.
type Action int

const (
	ActionDrop Action = iota
	ActionRateLimit
)

func (a Action) String() string {
	switch a {
	case ActionDrop:
		return "drop"
	case ActionRateLimit:
		return "rate-limit"
	default:
		return "action-" + strconv.Itoa(int(a))
	}
}

// Directive is one firewall rule scoped to an owner credential.
type Directive struct {
	Owner  string
	Action Action
	// Burst is the bytes/s ceiling, only meaningful for ActionRateLimit.
	Burst int
}

func (d Directive) String() string {
	if d.Action == ActionRateLimit {
		return fmt.Sprintf("%s owner=%s burst=%d", d.Action, d.Owner, d.Burst)
	}
	return fmt.Sprintf("%s owner=%s", d.Action, d.Owner)
}

// Drop builds the egress drop directive for owner.
func Drop(owner string) Directive {
	return Directive{Owner: owner, Action: ActionDrop}
}

// RateLimit builds the directive that drops owner's egress above burst bytes/s.
func RateLimit(owner string, burst int) Directive {
	return Directive{Owner: owner, Action: ActionRateLimit, Burst: burst}
}

// BurstFor converts a percentage of reference bytes/s into a rate ceiling.
// iptables refuses a zero rate, so the result is at least 1.
func BurstFor(percent, reference int) int {
	if reference <= 0 {
		reference = DefaultReferenceBytes
	}
	burst := reference * percent / 100
	if burst < 1 {
		burst = 1
	}
	return burst
}

// Firewall installs and removes directives. Both calls are idempotent:
// Ensure on a present directive and Remove on an absent one do nothing.
type Firewall interface {
	Ensure(ctx context.Context, d Directive) error
	Remove(ctx context.Context, d Directive) error
}

// Memory is an in-process Firewall used for dry runs and tests.
type Memory struct {
	mu    sync.Mutex
	rules map[Directive]struct{}
}

// NewMemory returns an empty in-memory rule set.
func NewMemory() *Memory {
	return &Memory{rules: make(map[Directive]struct{})}
}

func (m *Memory) Ensure(_ context.Context, d Directive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[d] = struct{}{}
	return nil
}

func (m *Memory) Remove(_ context.Context, d Directive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, d)
	return nil
}

// Has reports whether d is installed.
func (m *Memory) Has(d Directive) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rules[d]
	return ok
}

// Rules lists the installed directives in a stable order.
func (m *Memory) Rules() []Directive {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Directive, 0, len(m.rules))
	for d := range m.rules {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
