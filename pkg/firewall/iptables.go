package firewall

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"

	"github.com/srodi/waterwall/pkg/errs"
	"github.com/srodi/waterwall/pkg/logger"
)

const (
	DefaultBinary = "iptables"
	DefaultChain  = "OUTPUT"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec. It adds no timeout of its own, so a hung
// command only blocks the caller whose ctx it was given.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// exitCoder matches *exec.ExitError without depending on it.
type exitCoder interface {
	ExitCode() int
}

// IPTables manages owner-match rules in one chain.
type IPTables struct {
	binary string
	chain  string
	runner Runner
}

// NewIPTables returns a Firewall backed by the iptables binary.
func NewIPTables(binary, chain string, runner Runner) *IPTables {
	if binary == "" {
		binary = DefaultBinary
	}
	if chain == "" {
		chain = DefaultChain
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &IPTables{binary: binary, chain: chain, runner: runner}
}

// ruleSpec is everything after the chain name, shared by -C, -A and -D.
// Rate limits use hashlimit in byte mode: the limit match counts packets and
// caps its burst at 10000, far below any useful bytes/s ceiling.
func ruleSpec(d Directive) []string {
	spec := []string{"-m", "owner", "--uid-owner", d.Owner}
	if d.Action == ActionRateLimit {
		return append(spec,
			"-m", "hashlimit",
			"--hashlimit-above", strconv.Itoa(d.Burst)+"b/s",
			"--hashlimit-name", hashlimitName(d),
			"-j", "DROP")
	}
	return append(spec, "-j", "DROP")
}

// hashlimitName gives each rate directive its own bucket table. The kernel
// limits names to 15 bytes.
func hashlimitName(d Directive) string {
	h := fnv.New32a()
	h.Write([]byte(d.String()))
	return fmt.Sprintf("ww%08x", h.Sum32())
}

func (ipt *IPTables) args(op string, d Directive) []string {
	return append([]string{op, ipt.chain}, ruleSpec(d)...)
}

// Exists checks whether d is already installed.
func (ipt *IPTables) Exists(ctx context.Context, d Directive) (bool, error) {
	out, err := ipt.runner.Run(ctx, ipt.binary, ipt.args("-C", d)...)
	if err == nil {
		return true, nil
	}
	var ec exitCoder
	if errors.As(err, &ec) && ec.ExitCode() == 1 && !deniedOutput(out) {
		return false, nil
	}
	return false, ipt.failure("check", d, out, err)
}

// Ensure appends d unless it is already present.
func (ipt *IPTables) Ensure(ctx context.Context, d Directive) error {
	present, err := ipt.Exists(ctx, d)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	if out, err := ipt.runner.Run(ctx, ipt.binary, ipt.args("-A", d)...); err != nil {
		return ipt.failure("add", d, out, err)
	}
	logger.Logger(ctx).Info().Str("directive", d.String()).Str("chain", ipt.chain).Msg("firewall directive installed")
	return nil
}

// Remove deletes d when present; removing an absent directive is a no-op.
func (ipt *IPTables) Remove(ctx context.Context, d Directive) error {
	present, err := ipt.Exists(ctx, d)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}
	if out, err := ipt.runner.Run(ctx, ipt.binary, ipt.args("-D", d)...); err != nil {
		return ipt.failure("delete", d, out, err)
	}
	logger.Logger(ctx).Info().Str("directive", d.String()).Str("chain", ipt.chain).Msg("firewall directive removed")
	return nil
}

func (ipt *IPTables) failure(op string, d Directive, out []byte, err error) error {
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		msg = err.Error()
	}
	if deniedOutput(out) || errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %w: %s %s: %s", errs.ErrEnforcementFailed, errs.ErrAccessDenied, op, d, msg)
	}
	return fmt.Errorf("%w: %s %s: %s", errs.ErrEnforcementFailed, op, d, msg)
}

func deniedOutput(out []byte) bool {
	s := strings.ToLower(string(out))
	return strings.Contains(s, "permission denied") || strings.Contains(s, "must be root")
}
