package policy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/srodi/waterwall/pkg/collector/process"
	"github.com/srodi/waterwall/pkg/errs"
	"github.com/srodi/waterwall/pkg/firewall"
	"github.com/srodi/waterwall/pkg/logger"
)

// Owner match modes: which credential the firewall owner match is given.
const (
	OwnerUID = "uid"
	OwnerPID = "pid"
)

// RecordStore is the write path the Enforcer uses for desired state. All is read
// to find directives that records of other pids still need.
type RecordStore interface {
	All() map[int32]Record
	Get(pid int32) (Record, bool)
	Put(pid int32, rec Record) error
}

// Status is the outcome of the last command issued for a pid.
type Status struct {
	Action string    `json:"action"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Enforcer applies block/unblock/limit commands to the firewall and writes the
// resulting desired state to the store.
//
// Directives are scoped to an owner credential, which several pids may share.
// Commands serialize per pid and per owner, and a directive is only removed once
// no other pid's record needs it.
//
// State and enforcement are decoupled: when the firewall call fails the record is
// still written unless the Enforcer is transactional.
type Enforcer struct {
	store         RecordStore
	fw            firewall.Firewall
	reference     int
	transactional bool
	exists        func(pid int32) (bool, error)
	owner         func(ctx context.Context, pid int32) (string, error)
	now           func() time.Time

	pids   *keyedMutex[int32]
	owners *keyedMutex[string]

	mu     sync.Mutex
	status map[int32]Status
}

// EnforcerOption configures an Enforcer.
type EnforcerOption func(*Enforcer)

// WithTransactional skips the store write when the firewall call fails.
func WithTransactional(on bool) EnforcerOption {
	return func(e *Enforcer) { e.transactional = on }
}

// WithReferenceBytes sets the bytes/s that a 100% limit maps to.
func WithReferenceBytes(n int) EnforcerOption {
	return func(e *Enforcer) {
		if n > 0 {
			e.reference = n
		}
	}
}

// WithOwnerMatch selects how a pid is turned into the firewall owner credential.
func WithOwnerMatch(mode string) EnforcerOption {
	return func(e *Enforcer) {
		if mode == OwnerPID {
			e.owner = pidOwner
		} else {
			e.owner = uidOwner
		}
	}
}

// WithOwnerResolver overrides credential resolution.
func WithOwnerResolver(fn func(ctx context.Context, pid int32) (string, error)) EnforcerOption {
	return func(e *Enforcer) {
		if fn != nil {
			e.owner = fn
		}
	}
}

// WithLivenessCheck overrides how unknown pids are detected.
func WithLivenessCheck(fn func(pid int32) (bool, error)) EnforcerOption {
	return func(e *Enforcer) {
		if fn != nil {
			e.exists = fn
		}
	}
}

// NewEnforcer wires an Enforcer to its store and firewall.
func NewEnforcer(store RecordStore, fw firewall.Firewall, opts ...EnforcerOption) *Enforcer {
	e := &Enforcer{
		store:     store,
		fw:        fw,
		reference: firewall.DefaultReferenceBytes,
		exists:    process.Exists,
		owner:     uidOwner,
		now:       time.Now,
		pids:      newKeyedMutex[int32](),
		owners:    newKeyedMutex[string](),
		status:    make(map[int32]Status),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func uidOwner(ctx context.Context, pid int32) (string, error) {
	uid, err := process.OwnerUID(ctx, pid)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(uid), 10), nil
}

func pidOwner(_ context.Context, pid int32) (string, error) {
	return strconv.FormatInt(int64(pid), 10), nil
}

const (
	actionBlock   = "block"
	actionUnblock = "unblock"
	actionLimit   = "limit"
)

// change is what a command's firewall steps work from. prevOwner is the owner the
// previous record's directives were installed for.
type change struct {
	owner     string
	prevOwner string
	prev      Record
}

// Block drops all egress for pid's owner and removes any limit directive.
func (e *Enforcer) Block(ctx context.Context, pid int32) error {
	return e.apply(ctx, pid, actionBlock, Blocked(), func(c change) error {
		var err error
		if c.prev.Limit != nil {
			err = e.release(ctx, pid, e.limitDirective(c.prevOwner, *c.prev.Limit))
		}
		if c.prev.Blocked && c.prevOwner != c.owner {
			err = errors.Join(err, e.release(ctx, pid, firewall.Drop(c.prevOwner)))
		}
		return errors.Join(err, e.fw.Ensure(ctx, firewall.Drop(c.owner)))
	})
}

// Unblock removes the drop directive and any limit directive for pid's owner.
// A pid that has exited can still be unblocked through the owner on its record.
func (e *Enforcer) Unblock(ctx context.Context, pid int32) error {
	return e.apply(ctx, pid, actionUnblock, Unblocked(), func(c change) error {
		err := e.release(ctx, pid, firewall.Drop(c.prevOwner))
		if c.prev.Limit != nil {
			err = errors.Join(err, e.release(ctx, pid, e.limitDirective(c.prevOwner, *c.prev.Limit)))
		}
		return err
	})
}

// Limit bounds pid's owner to percent of the reference bandwidth.
func (e *Enforcer) Limit(ctx context.Context, pid int32, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: limit %d%% is outside 0-100", errs.ErrInvalidArgument, percent)
	}
	return e.apply(ctx, pid, actionLimit, Limited(percent), func(c change) error {
		next := e.limitDirective(c.owner, percent)
		var err error
		if c.prev.Blocked {
			err = e.release(ctx, pid, firewall.Drop(c.prevOwner))
		}
		if c.prev.Limit != nil {
			if old := e.limitDirective(c.prevOwner, *c.prev.Limit); old != next {
				err = errors.Join(err, e.release(ctx, pid, old))
			}
		}
		return errors.Join(err, e.fw.Ensure(ctx, next))
	})
}

func (e *Enforcer) limitDirective(owner string, percent int) firewall.Directive {
	return firewall.RateLimit(owner, firewall.BurstFor(percent, e.reference))
}

// directives lists what rec needs installed. Records without an owner predate
// owner tracking and claim nothing.
func (e *Enforcer) directives(rec Record) []firewall.Directive {
	if rec.Owner == "" {
		return nil
	}
	var out []firewall.Directive
	if rec.Blocked {
		out = append(out, firewall.Drop(rec.Owner))
	}
	if rec.Limit != nil {
		out = append(out, e.limitDirective(rec.Owner, *rec.Limit))
	}
	return out
}

// release removes d unless the record of another pid still needs it. The caller
// holds d's owner lock.
func (e *Enforcer) release(ctx context.Context, pid int32, d firewall.Directive) error {
	for other, rec := range e.store.All() {
		if other != pid && slices.Contains(e.directives(rec), d) {
			logger.Logger(ctx).Debug().Int32("pid", pid).Int32("holder", other).
				Str("directive", d.String()).Msg("directive kept for another pid")
			return nil
		}
	}
	return e.fw.Remove(ctx, d)
}

// resolveOwner finds the credential pid's directives are scoped to. Unblock on a
// pid with a recorded owner needs no live process.
func (e *Enforcer) resolveOwner(ctx context.Context, pid int32, action string, prev Record) (string, error) {
	if action == actionUnblock && prev.Owner != "" {
		return prev.Owner, nil
	}
	alive, err := e.exists(pid)
	if err != nil {
		return "", fmt.Errorf("checking pid %d: %w", pid, err)
	}
	if !alive {
		return "", fmt.Errorf("%w: pid %d is not running", errs.ErrInvalidArgument, pid)
	}
	owner, err := e.owner(ctx, pid)
	if err != nil {
		if errors.Is(err, errs.ErrProcessVanished) {
			return "", fmt.Errorf("%w: pid %d is not running", errs.ErrInvalidArgument, pid)
		}
		return "", err
	}
	return owner, nil
}

// apply resolves pid's owner, runs the firewall steps under the pid and owner
// locks and writes next.
func (e *Enforcer) apply(ctx context.Context, pid int32, action string, next Record, steps func(change) error) error {
	unlockPid := e.pids.Lock(pid)
	defer unlockPid()

	prev, _ := e.store.Get(pid)
	owner, err := e.resolveOwner(ctx, pid, action, prev)
	if err != nil {
		return err
	}
	c := change{owner: owner, prevOwner: prev.Owner, prev: prev}
	if c.prevOwner == "" {
		c.prevOwner = owner
	}

	unlockOwners := e.owners.LockAll(c.owner, c.prevOwner)
	defer unlockOwners()

	fwErr := steps(c)
	if fwErr != nil && !errors.Is(fwErr, errs.ErrEnforcementFailed) {
		fwErr = fmt.Errorf("%w: %w", errs.ErrEnforcementFailed, fwErr)
	}

	log := logger.Logger(ctx).With().Str("action", action).Int32("pid", pid).Str("owner", owner).Logger()
	if fwErr != nil && e.transactional {
		e.setStatus(pid, action, fwErr)
		log.Error().Err(fwErr).Msg("enforcement failed, state left unchanged")
		return fwErr
	}

	if action != actionUnblock {
		next.Owner = owner
	}
	putErr := e.store.Put(pid, next)
	if putErr != nil {
		putErr = fmt.Errorf("persisting policy for pid %d: %w", pid, putErr)
	}
	err = errors.Join(fwErr, putErr)
	e.setStatus(pid, action, err)
	if err != nil {
		log.Error().Err(err).Msg("enforcement failed")
		return err
	}
	log.Info().Msg("policy applied")
	return nil
}

func (e *Enforcer) setStatus(pid int32, action string, err error) {
	st := Status{Action: action, OK: err == nil, At: e.now()}
	if err != nil {
		st.Error = err.Error()
	}
	e.mu.Lock()
	e.status[pid] = st
	e.mu.Unlock()
}

// Status returns the outcome of the last command for pid.
func (e *Enforcer) Status(pid int32) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.status[pid]
	return st, ok
}
