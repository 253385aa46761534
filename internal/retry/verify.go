package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinkerbelle-io/tb-harden/internal/outcome"
)

// ContainerChecker reports whether a component has a running container.
type ContainerChecker interface {
	Running(ctx context.Context, component string) (bool, error)
}

// Probe evaluates one check.
type Probe func(ctx context.Context) outcome.Result

// VerifyWithRetry runs probe until it passes or the policy gives up. When
// component is set and containers is non-nil, each attempt first requires a
// running container so a probe never evaluates a process mid-restart.
func VerifyWithRetry(ctx context.Context, p Policy, containers ContainerChecker, component string, probe Probe) outcome.Result {
	var last outcome.Result
	terminal := false

	err := p.Do(ctx, func(ctx context.Context, attempt int) (bool, error) {
		if component != "" && containers != nil {
			running, err := containers.Running(ctx, component)
			if err != nil {
				last = outcome.Errorf(outcome.KindNone, "list containers for %s: %v", component, err)
				return false, err
			}
			if !running {
				last = outcome.Fail(outcome.KindNone, "no running container for %s", component)
				return false, errors.New(last.Reason)
			}
		}

		last = probe(ctx)
		if last.Status.Success() || last.Status == outcome.StatusManual {
			terminal = true
			return true, nil
		}
		return false, errors.New(last.Reason)
	})

	switch {
	case err == nil && terminal:
		return last
	case errors.Is(err, ErrTimedOut):
		res := outcome.Fail(outcome.KindProbeTimeout, "timed out after %s: %s", p.Budget(), last.Reason)
		res.FixHint = last.FixHint
		return res
	case errors.Is(err, ErrExhausted):
		res := outcome.Fail(last.Kind, "exhausted %d attempts: %s", max(p.MaxAttempts, 1), last.Reason)
		res.FixHint = last.FixHint
		return res
	case err != nil:
		return outcome.Errorf(outcome.KindAborted, "verification cancelled: %v", err)
	}
	return last
}

// Describe renders a policy for log lines.
func (p Policy) Describe() string {
	return fmt.Sprintf("%d x %s", p.MaxAttempts, p.Interval)
}
