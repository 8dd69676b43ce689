package firewall

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/srodi/waterwall/pkg/errs"
)

type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
func (e exitStatus) ExitCode() int { return int(e) }

// fakeKernel behaves like iptables for a single table: -C/-A/-D on a rule set.
type fakeKernel struct {
	mu    sync.Mutex
	rules map[string]int
	calls []string
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{rules: map[string]int{}}
}

func (k *fakeKernel) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, name+" "+strings.Join(args, " "))
	key := strings.Join(args[1:], " ")
	switch args[0] {
	case "-C":
		if k.rules[key] > 0 {
			return nil, nil
		}
		return []byte("iptables: Bad rule (does a matching rule exist in that chain?)."), exitStatus(1)
	case "-A":
		k.rules[key]++
		return nil, nil
	case "-D":
		if k.rules[key] == 0 {
			return []byte("iptables: Bad rule"), exitStatus(1)
		}
		k.rules[key]--
		return nil, nil
	}
	return nil, exitStatus(2)
}

func (k *fakeKernel) count(spec string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rules[spec]
}

type mockRunner struct{ mock.Mock }

func (m *mockRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	ret := m.Called(name, args)
	out, _ := ret.Get(0).([]byte)
	return out, ret.Error(1)
}

func TestRuleSpec(t *testing.T) {
	assert.Equal(t,
		[]string{"-m", "owner", "--uid-owner", "1000", "-j", "DROP"},
		ruleSpec(Drop("1000")))
	assert.Equal(t,
		[]string{"-m", "owner", "--uid-owner", "1000", "-m", "hashlimit", "--hashlimit-above", "524288b/s",
			"--hashlimit-name", hashlimitName(RateLimit("1000", 524288)), "-j", "DROP"},
		ruleSpec(RateLimit("1000", 524288)))
}

func TestHashlimitNames(t *testing.T) {
	a := hashlimitName(RateLimit("1000", 524288))
	b := hashlimitName(RateLimit("1000", 1048576))
	c := hashlimitName(RateLimit("4294967294", 1048576))
	for _, name := range []string{a, b, c} {
		assert.LessOrEqual(t, len(name), 15)
		assert.True(t, strings.HasPrefix(name, "ww"))
	}
	assert.NotEqual(t, a, b, "different ceilings must not share a bucket table")
	assert.Equal(t, a, hashlimitName(RateLimit("1000", 524288)))
}

func TestFullRateCeilingIsNotClampedToPacketBurst(t *testing.T) {
	spec := strings.Join(ruleSpec(RateLimit("1000", BurstFor(100, 0))), " ")
	assert.Contains(t, spec, "--hashlimit-above 1048576b/s")
	assert.NotContains(t, spec, "--limit-burst")
}

func TestBurstFor(t *testing.T) {
	assert.Equal(t, 1048576, BurstFor(100, 0))
	assert.Equal(t, 524288, BurstFor(50, DefaultReferenceBytes))
	assert.Equal(t, 1, BurstFor(0, DefaultReferenceBytes), "zero percent still yields a valid burst")
}

func TestEnsureIsIdempotent(t *testing.T) {
	kernel := newFakeKernel()
	ipt := NewIPTables("", "", kernel)
	ctx := context.Background()

	require.NoError(t, ipt.Ensure(ctx, Drop("1234")))
	require.NoError(t, ipt.Ensure(ctx, Drop("1234")))
	assert.Equal(t, 1, kernel.count("OUTPUT -m owner --uid-owner 1234 -j DROP"))

	require.NoError(t, ipt.Remove(ctx, Drop("1234")))
	assert.Equal(t, 0, kernel.count("OUTPUT -m owner --uid-owner 1234 -j DROP"))
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	kernel := newFakeKernel()
	ipt := NewIPTables("iptables", "OUTPUT", kernel)

	require.NoError(t, ipt.Remove(context.Background(), RateLimit("7", 10)))
	assert.Len(t, kernel.calls, 1, "only the existence check should run")
	assert.True(t, strings.HasPrefix(kernel.calls[0], "iptables -C OUTPUT"))
}

func TestMissingBinaryIsEnforcementFailure(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", "iptables", mock.Anything).Return(nil, &exec.Error{Name: "iptables", Err: exec.ErrNotFound})

	err := NewIPTables("", "", runner).Ensure(context.Background(), Drop("1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrEnforcementFailed)
	assert.False(t, errors.Is(err, errs.ErrAccessDenied))
	runner.AssertExpectations(t)
}

func TestPermissionDeniedIsAccessDenied(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", "iptables", []string{"-C", "OUTPUT", "-m", "owner", "--uid-owner", "1", "-j", "DROP"}).
		Return([]byte("iptables v1.8.7 (nf_tables): Could not fetch rule set generation id: Permission denied (you must be root)"), exitStatus(4))

	err := NewIPTables("", "", runner).Ensure(context.Background(), Drop("1"))
	assert.ErrorIs(t, err, errs.ErrEnforcementFailed)
	assert.ErrorIs(t, err, errs.ErrAccessDenied)
}

func TestAddRejectedIsEnforcementFailure(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", "iptables", []string{"-C", "OUTPUT", "-m", "owner", "--uid-owner", "1", "-j", "DROP"}).
		Return([]byte("Bad rule"), exitStatus(1)).Once()
	runner.On("Run", "iptables", []string{"-A", "OUTPUT", "-m", "owner", "--uid-owner", "1", "-j", "DROP"}).
		Return([]byte("iptables: No chain/target/match by that name."), exitStatus(1)).Once()

	err := NewIPTables("", "", runner).Ensure(context.Background(), Drop("1"))
	assert.ErrorIs(t, err, errs.ErrEnforcementFailed)
	assert.Contains(t, err.Error(), "No chain/target/match")
	runner.AssertExpectations(t)
}

func TestMemoryFirewall(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Ensure(ctx, Drop("1")))
	require.NoError(t, m.Ensure(ctx, Drop("1")))
	require.NoError(t, m.Ensure(ctx, RateLimit("2", 5)))
	assert.Len(t, m.Rules(), 2)
	assert.True(t, m.Has(Drop("1")))

	require.NoError(t, m.Remove(ctx, Drop("1")))
	require.NoError(t, m.Remove(ctx, Drop("1")))
	assert.False(t, m.Has(Drop("1")))
	assert.Equal(t, "rate-limit owner=2 burst=5", m.Rules()[0].String())
}
