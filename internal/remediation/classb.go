package remediation

import (
	"context"
	"sync"

	"github.com/tinkerbelle-io/tb-harden/internal/outcome"
	"github.com/tinkerbelle-io/tb-harden/internal/retry"
	"golang.org/x/sync/errgroup"
)

// runClassB executes low-risk actions in a bounded pool. Every worker
// returns nil so one failure never cancels its siblings. The brake is
// checked before each dispatch and while collecting; results keep action
// order.
func (e *Engine) runClassB(ctx context.Context, s Session, actions []Action) Session {
	if len(actions) == 0 {
		return s
	}

	type indexed struct {
		i int
		r ActionResult
	}
	results := make(chan indexed, len(actions))
	out := make([]*ActionResult, len(actions))

	var collect sync.WaitGroup
	collect.Add(1)
	go func() {
		defer collect.Done()
		warned := false
		for ir := range results {
			out[ir.i] = &ir.r
			if !warned && e.brake.Engaged() {
				warned = true
				e.log.Warn("emergency brake engaged, letting in-flight class B actions finish")
			}
		}
	}()

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i, a := range actions {
		if reason, stop := e.halted(ctx); stop {
			r := newResult(a, outcome.Errorf(outcome.KindAborted, "%s", reason))
			results <- indexed{i, r}
			continue
		}
		g.Go(func() error {
			results <- indexed{i, e.runB(ctx, a)}
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	collect.Wait()

	for _, r := range out {
		s = e.complete(s, *r)
	}
	return s
}

const classBFixed = "applied without backup or health gate, "

func (e *Engine) runB(ctx context.Context, a Action) ActionResult {
	start := e.deps.Clock.Now()
	r := newResult(a, e.executeB(ctx, a))
	r.Duration = e.elapsed(start)
	return r
}

// executeB runs one low-risk action. The backup and health gate that guard a
// FIXED result apply to manifest mutations only; class B reports FIXED on the
// audit probe alone and says so in the reason.
func (e *Engine) executeB(ctx context.Context, a Action) outcome.Result {
	probe := e.deps.Probes != nil && a.Probe != ""
	if probe {
		pre := e.deps.Probes.Probe(ctx, a)
		if pre.Status == outcome.StatusPass || pre.Status == outcome.StatusManual {
			return pre
		}
	}

	switch {
	case a.Permissions != nil:
		if e.cfg.DryRun {
			return outcome.Manual("[DRY RUN] would set " + a.Permissions.String())
		}
		if err := ApplyPermissions(*a.Permissions); err != nil {
			return outcome.Errorf(outcome.KindNone, "%v", err)
		}
	case a.RemediateScript != "" && e.deps.Scripts != nil:
		if e.cfg.DryRun {
			return outcome.Manual("[DRY RUN] would run " + a.RemediateScript)
		}
		if err := e.deps.Scripts.Remediate(ctx, a); err != nil {
			return outcome.Errorf(outcome.KindNone, "remediation script: %v", err)
		}
	default:
		return outcome.Manual("no automated remediation; review " + a.ID + " by hand")
	}

	if !probe {
		return outcome.Fixed(classBFixed + "no audit probe to confirm")
	}
	res := retry.VerifyWithRetry(ctx, e.cfg.Confirm, nil, "", func(ctx context.Context) outcome.Result {
		return e.deps.Probes.Probe(ctx, a)
	})
	if res.Status.Success() {
		return outcome.Fixed(classBFixed + "confirmed by audit probe: " + res.Reason)
	}
	return res
}
