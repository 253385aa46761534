// Package verify confirms that a running control-plane process picked up the
// configuration written to its manifest, and recycles it when it did not.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tinkerbelle-io/tb-harden/internal/manifest"
	"github.com/tinkerbelle-io/tb-harden/internal/node"
	"github.com/tinkerbelle-io/tb-harden/internal/outcome"
	"github.com/tinkerbelle-io/tb-harden/internal/retry"
)

// ProcessLister reads live command lines.
type ProcessLister interface {
	CommandLine(ctx context.Context, binary string) ([]manifest.Argument, bool, error)
}

// ContainerRuntime lists and recycles component containers.
type ContainerRuntime interface {
	List(ctx context.Context, component string, state node.ContainerState) ([]string, error)
	Running(ctx context.Context, component string) (bool, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// ServiceManager queries and restarts the node agent.
type ServiceManager interface {
	IsActive(ctx context.Context, unit string) (bool, error)
	Restart(ctx context.Context, unit string) error
}

// Config bounds the resurrection poll and the re-verification.
type Config struct {
	PollInterval time.Duration
	Window       time.Duration
	KubeletUnit  string
	Recheck      retry.Policy
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		Window:       90 * time.Second,
		KubeletUnit:  "kubelet",
		Recheck:      retry.Policy{Interval: 5 * time.Second, MaxAttempts: 12, Timeout: time.Minute},
	}
}

// Verifier compares live process state with intended flags.
type Verifier struct {
	cfg      Config
	procs    ProcessLister
	runtime  ContainerRuntime
	services ServiceManager
	clock    clockwork.Clock
	log      *slog.Logger
}

// New creates a verifier.
func New(cfg Config, procs ProcessLister, runtime ContainerRuntime, services ServiceManager, clock clockwork.Clock) *Verifier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.KubeletUnit == "" {
		cfg.KubeletUnit = "kubelet"
	}
	cfg.Recheck.Clock = clock
	return &Verifier{
		cfg:      cfg,
		procs:    procs,
		runtime:  runtime,
		services: services,
		clock:    clock,
		log:      slog.Default().With("component", "verify"),
	}
}

// Verify checks that the process for component runs with every mutation
// applied. A mismatch triggers a hard kill and, if the container never comes
// back, a single node agent restart. An unresolved mismatch is STALE.
// recycled reports whether containers were stopped on the way, in which case
// the component has to pass the health gate again.
func (v *Verifier) Verify(ctx context.Context, component, binary string, muts []manifest.FlagMutation) (res outcome.Result, recycled bool) {
	ok, detail, err := v.matches(ctx, binary, muts)
	if err != nil {
		return outcome.Errorf(outcome.KindNone, "read %s command line: %v", binary, err), false
	}
	if ok {
		return outcome.Pass("verified: " + detail), false
	}
	v.log.Warn("runtime stale, recycling containers", "target", component, "detail", detail)

	id, res := v.Recycle(ctx, component)
	if res.Status != "" {
		return res, true
	}

	recheck := v.Recheck(ctx, component, binary, muts)
	if recheck.Status.Success() {
		return outcome.Pass(fmt.Sprintf("verified after recycle (container %s)", id)), true
	}
	if recheck.Kind == outcome.KindAborted {
		return recheck, true
	}
	return outcome.Result{
		Status:  outcome.StatusStale,
		Kind:    outcome.KindStaleRuntime,
		Reason:  "process still stale after recycle: " + recheck.Reason,
		FixHint: fmt.Sprintf("inspect the %s container with crictl and compare its args to the manifest", component),
	}, true
}

// Recheck re-reads the command line through the retry loop, waiting for a
// running container before each attempt.
func (v *Verifier) Recheck(ctx context.Context, component, binary string, muts []manifest.FlagMutation) outcome.Result {
	return retry.VerifyWithRetry(ctx, v.cfg.Recheck, v.runtime, component, func(ctx context.Context) outcome.Result {
		ok, detail, err := v.matches(ctx, binary, muts)
		switch {
		case err != nil:
			return outcome.Errorf(outcome.KindNone, "read %s command line: %v", binary, err)
		case ok:
			return outcome.Pass(detail)
		default:
			return outcome.Fail(outcome.KindStaleRuntime, "%s", detail)
		}
	})
}

// Recycle hard-kills every container of component and waits for a new one.
// It returns the first new container id, or a terminal result when none
// appeared even after restarting the node agent.
func (v *Verifier) Recycle(ctx context.Context, component string) (string, outcome.Result) {
	ids, err := v.runtime.List(ctx, component, node.StateRunning)
	if err != nil {
		return "", outcome.Errorf(outcome.KindNone, "snapshot %s containers: %v", component, err)
	}
	s0 := NewSnapshot(ids)

	for _, id := range ids {
		if err := v.runtime.Stop(ctx, id); err != nil {
			v.log.Warn("stop failed", "container", id, "error", err)
		}
		if err := v.runtime.Remove(ctx, id); err != nil {
			v.log.Warn("remove failed", "container", id, "error", err)
		}
	}

	id, err := v.awaitNew(ctx, component, s0)
	if err == nil {
		return id, outcome.Result{}
	}
	if ctx.Err() != nil {
		return "", outcome.Errorf(outcome.KindAborted, "recycle cancelled: %v", ctx.Err())
	}

	v.log.Warn("no new container, restarting node agent", "target", component, "unit", v.cfg.KubeletUnit)
	if err := v.services.Restart(ctx, v.cfg.KubeletUnit); err != nil {
		return "", outcome.Result{
			Status: outcome.StatusStale,
			Kind:   outcome.KindStaleRuntime,
			Reason: fmt.Sprintf("no new %s container and %v", component, err),
		}
	}
	id, err = v.awaitNew(ctx, component, s0)
	if err == nil {
		return id, outcome.Result{}
	}
	if ctx.Err() != nil {
		return "", outcome.Errorf(outcome.KindAborted, "recycle cancelled: %v", ctx.Err())
	}
	return "", outcome.Result{
		Status:  outcome.StatusStale,
		Kind:    outcome.KindStaleRuntime,
		Reason:  fmt.Sprintf("no new %s container within %s after %s restart", component, v.cfg.Window, v.cfg.KubeletUnit),
		FixHint: fmt.Sprintf("check 'journalctl -u %s' for static pod errors", v.cfg.KubeletUnit),
	}
}

// VerifyUnit confirms a service came back active after a restart.
func (v *Verifier) VerifyUnit(ctx context.Context, unit string) outcome.Result {
	var last error
	err := v.cfg.Recheck.Do(ctx, func(ctx context.Context, _ int) (bool, error) {
		active, err := v.services.IsActive(ctx, unit)
		if err != nil {
			last = err
			return false, err
		}
		if !active {
			last = fmt.Errorf("%s is not active", unit)
			return false, last
		}
		return true, nil
	})
	if err == nil {
		return outcome.Pass(unit + " active")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return outcome.Errorf(outcome.KindAborted, "unit check cancelled: %v", err)
	}
	return outcome.Fail(outcome.KindStaleRuntime, "%v", last)
}

func (v *Verifier) awaitNew(ctx context.Context, component string, s0 Snapshot) (string, error) {
	attempts := 1
	if v.cfg.PollInterval > 0 {
		attempts = max(int(v.cfg.Window/v.cfg.PollInterval), 1)
	}
	p := retry.Policy{Interval: v.cfg.PollInterval, MaxAttempts: attempts, Clock: v.clock}

	var found string
	err := p.Do(ctx, func(ctx context.Context, attempt int) (bool, error) {
		ids, err := v.runtime.List(ctx, component, node.StateRunning)
		if err != nil {
			return false, err
		}
		if id, ok := s0.FirstNew(ids); ok {
			found = id
			v.log.Info("container resurrected", "target", component, "container", id, "sample", attempt)
			return true, nil
		}
		return false, errors.New("no new container")
	})
	return found, err
}

func (v *Verifier) matches(ctx context.Context, binary string, muts []manifest.FlagMutation) (bool, string, error) {
	args, found, err := v.procs.CommandLine(ctx, binary)
	if err != nil {
		return false, "", err
	}
	if !found {
		return false, binary + " is not running", nil
	}
	var missing []string
	for _, m := range muts {
		if !manifest.Satisfied(args, m) {
			missing = append(missing, m.String())
		}
	}
	if len(missing) > 0 {
		return false, "live process lacks " + strings.Join(missing, " "), nil
	}
	return true, fmt.Sprintf("%d flag(s) live", len(muts)), nil
}
