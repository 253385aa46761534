package remediation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tinkerbelle-io/tb-harden/internal/audit"
	"github.com/tinkerbelle-io/tb-harden/internal/health"
	"github.com/tinkerbelle-io/tb-harden/internal/manifest"
	"github.com/tinkerbelle-io/tb-harden/internal/outcome"
	"github.com/tinkerbelle-io/tb-harden/internal/persist"
	"github.com/tinkerbelle-io/tb-harden/internal/retry"
	"github.com/tinkerbelle-io/tb-harden/internal/rollback"
)

// runGroup applies one coalesced manifest mutation: one backup, one write,
// one health gate, then independent verification per action.
func (e *Engine) runGroup(ctx context.Context, s Session, g Group) Session {
	start := e.deps.Clock.Now()
	log := e.log.With("path", g.Path, "actions", len(g.Actions))

	fail := func(s Session, res outcome.Result) Session {
		for _, a := range g.Actions {
			r := newResult(a, res)
			r.Duration = e.elapsed(start)
			s = e.complete(s, r)
		}
		return s
	}

	data, err := os.ReadFile(g.Path)
	if err != nil {
		return fail(s, outcome.Errorf(outcome.KindNone, "read %s: %v", g.Path, err))
	}
	mres, err := manifest.Mutate(data, g.Mutations())
	if err != nil {
		return fail(s, outcome.Errorf(outcome.KindNone, "mutate %s: %v", g.Path, err))
	}

	if !mres.Changed {
		log.Info("manifest already compliant, nothing to write")
		return e.runUnchanged(ctx, s, g, mres, start)
	}

	if e.cfg.DryRun {
		for _, a := range g.Actions {
			r := newResult(a, outcome.Manual("[DRY RUN] would write "+describeMutations(a.Mutations)+" to "+g.Path))
			s = e.complete(s, r)
		}
		return s
	}

	if !e.brake.Allow() {
		return fail(s, outcome.Errorf(outcome.KindAborted, "not dispatched: mutation budget exhausted"))
	}
	if err := manifest.Validate(mres.Content); err != nil {
		return fail(s, outcome.Errorf(outcome.KindNone, "refusing to write %s: %v", g.Path, err))
	}

	rec, err := e.deps.Store.Write(g.Path, mres.Content, mres.RequiredTokens)
	if rec.BackupPath != "" {
		e.brake.Record()
		s = s.WithBackup(rec)
		e.record(s, audit.AuditEntry{EventType: audit.EventBackup, Path: rec.OriginalPath, Backup: rec.BackupPath})
	}
	target := e.targetFor(g, mres)
	unit := ""
	if mres.Kind == manifest.KindKubeletConfig {
		unit = target.Unit
	}

	if err != nil {
		var integrity *persist.IntegrityError
		if errors.As(err, &integrity) {
			log.Error("read-back verification failed, restoring backup", "error", err)
			rb := e.rollback(ctx, s, g, rec, target, unit)
			res := outcome.Errorf(outcome.KindIntegrityFailure, "%v", err)
			if rb.Outcome == rollback.RollbackFailed {
				res = outcome.Errorf(outcome.KindRollbackFailed, "%v; restore failed: %s", err, rb.Detail)
				e.brake.Trip(g.Actions[0].ID, res.Reason)
			}
			return e.failGroup(s, g, res, &rec, nil, &rb, start)
		}
		// The rename is the only step touching the real path, so a failed
		// write leaves the original in place.
		return fail(s, outcome.Errorf(outcome.KindNone, "write %s: %v", g.Path, err))
	}
	e.record(s, audit.AuditEntry{EventType: audit.EventWrite, Path: g.Path, Backup: rec.BackupPath, Reason: describeMutations(g.Mutations())})

	if unit != "" {
		if err := e.deps.Services.Restart(ctx, unit); err != nil {
			log.Error("restart after config write failed", "unit", unit, "error", err)
		}
	}

	gate := e.deps.Gate.Check(ctx, target)
	e.deps.Metrics.Gate(target.Component, gate.Healthy, gate.Elapsed)
	if !gate.Healthy {
		rb := e.rollback(ctx, s, g, rec, target, unit)
		res := outcome.Fail(outcome.KindHealthGateTimeout, "health gate failed at %s: %s; %s", gate.Stage, gate.Detail, rb.Outcome)
		if rb.Outcome == rollback.RollbackFailed {
			res = outcome.Errorf(outcome.KindRollbackFailed, "health gate failed at %s and restore failed: %s", gate.Stage, rb.Detail)
		}
		res.FixHint = "inspect the component logs before re-running; backup at " + rec.BackupPath
		e.brake.Trip(g.Actions[0].ID, fmt.Sprintf("%s unhealthy after writing %s", target.Component, g.Path))
		return e.failGroup(s, g, res, &rec, &gate, &rb, start)
	}

	results := make([]outcome.Result, len(g.Actions))
	disturbed := false
	for i, a := range g.Actions {
		res, recycled := e.verifyAction(ctx, a, mres.Kind, unit)
		results[i] = res
		disturbed = disturbed || recycled || !res.Status.Success()
	}

	// Verification may have killed the component; the next group waits until
	// it answers again.
	if disturbed {
		regate := e.deps.Gate.Check(ctx, target)
		e.deps.Metrics.Gate(target.Component, regate.Healthy, regate.Elapsed)
		if !regate.Healthy {
			log.Error("component unhealthy after runtime verification, rolling back", "stage", regate.Stage, "detail", regate.Detail)
			rb := e.rollback(ctx, s, g, rec, target, unit)
			res := outcome.Fail(outcome.KindHealthGateTimeout, "unhealthy after runtime verification at %s: %s; %s", regate.Stage, regate.Detail, rb.Outcome)
			if rb.Outcome == rollback.RollbackFailed {
				res = outcome.Errorf(outcome.KindRollbackFailed, "unhealthy after runtime verification and restore failed: %s", rb.Detail)
			}
			res.FixHint = "inspect the component logs before re-running; backup at " + rec.BackupPath
			e.brake.Trip(g.Actions[0].ID, fmt.Sprintf("%s unhealthy after verifying %s", target.Component, g.Path))
			return e.failGroup(s, g, res, &rec, &regate, &rb, start)
		}
		gate = regate
	}

	for i, a := range g.Actions {
		res := results[i]
		if res.Status.Success() {
			res = outcome.Fixed(res.Reason)
		}
		r := newResult(a, res)
		r.Backup = &rec
		r.Gate = &gate
		r.Duration = e.elapsed(start)
		s = e.complete(s, r)
	}
	return s
}

// runUnchanged confirms a group whose manifest already carries every
// mutation. Nothing is written, but a stale process is still recycled, and a
// recycled component must pass the gate before the run moves on.
func (e *Engine) runUnchanged(ctx context.Context, s Session, g Group, mres manifest.MutateResult, start time.Time) Session {
	results := make([]outcome.Result, len(g.Actions))
	disturbed := false
	for i, a := range g.Actions {
		res, recycled := e.confirmUnchanged(ctx, a, mres.Kind)
		results[i] = res
		disturbed = disturbed || recycled
	}

	var gate *health.Result
	if disturbed {
		target := e.targetFor(g, mres)
		res := e.deps.Gate.Check(ctx, target)
		e.deps.Metrics.Gate(target.Component, res.Healthy, res.Elapsed)
		gate = &res
		if !res.Healthy {
			fail := outcome.Fail(outcome.KindHealthGateTimeout, "unhealthy after recycling at %s: %s", res.Stage, res.Detail)
			fail.FixHint = "the manifest was not changed by this run; inspect the component logs"
			e.brake.Trip(g.Actions[0].ID, fmt.Sprintf("%s unhealthy after recycling", target.Component))
			return e.failGroup(s, g, fail, nil, gate, nil, start)
		}
	}

	for i, a := range g.Actions {
		r := newResult(a, results[i])
		r.Gate = gate
		r.Duration = e.elapsed(start)
		s = e.complete(s, r)
	}
	return s
}

func (e *Engine) failGroup(s Session, g Group, res outcome.Result, rec *persist.BackupRecord, gate *health.Result, rb *rollback.Result, start time.Time) Session {
	for _, a := range g.Actions {
		r := newResult(a, res)
		r.Backup = rec
		r.Gate = gate
		r.Rollback = rb
		r.Duration = e.elapsed(start)
		s = e.complete(s, r)
	}
	return s
}

func (e *Engine) rollback(ctx context.Context, s Session, g Group, rec persist.BackupRecord, target health.Target, unit string) rollback.Result {
	rb := e.deps.Rollback.Rollback(ctx, rollback.Request{Record: rec, Target: target, RestartUnit: unit})
	e.deps.Metrics.Rollback(target.Component, string(rb.Outcome))
	e.record(s, audit.AuditEntry{
		EventType: audit.EventRollback,
		ActionID:  g.Actions[0].ID,
		Component: target.Component,
		Path:      rec.OriginalPath,
		Backup:    rec.BackupPath,
		Status:    string(rb.Outcome),
		Reason:    rb.Detail,
	})
	return rb
}

// verifyAction runs runtime verification and then the audit probe.
// recycled reports whether verification stopped the component's containers.
func (e *Engine) verifyAction(ctx context.Context, a Action, kind manifest.DocumentKind, unit string) (outcome.Result, bool) {
	var (
		runtime  outcome.Result
		recycled bool
	)
	switch {
	case kind == manifest.KindKubeletConfig:
		runtime = e.deps.Verifier.VerifyUnit(ctx, unit)
	case a.Binary != "":
		runtime, recycled = e.deps.Verifier.Verify(ctx, a.Component, a.Binary, a.Mutations)
	default:
		runtime = outcome.Pass("no process to verify")
	}
	if !runtime.Status.Success() {
		return runtime.Final(), recycled
	}

	confirm := e.confirm(ctx, a, kind)
	if confirm.Status.Success() {
		return outcome.Pass(runtime.Reason), recycled
	}
	return confirm, recycled
}

// confirmUnchanged handles a manifest that already carries the mutations.
// The running process may still predate an earlier write.
func (e *Engine) confirmUnchanged(ctx context.Context, a Action, kind manifest.DocumentKind) (outcome.Result, bool) {
	if e.cfg.DryRun || kind != manifest.KindPod || a.Binary == "" {
		if res := e.confirm(ctx, a, kind); !res.Status.Success() {
			return res, false
		}
		return outcome.Pass("already compliant"), false
	}
	res, recycled := e.verifyAction(ctx, a, kind, "")
	if res.Status.Success() {
		return outcome.Pass("already compliant"), recycled
	}
	return res, recycled
}

func (e *Engine) confirm(ctx context.Context, a Action, kind manifest.DocumentKind) outcome.Result {
	if e.deps.Probes == nil || a.Probe == "" {
		return outcome.Pass("no audit probe")
	}
	component := ""
	if kind == manifest.KindPod {
		component = a.Component
	}
	return retry.VerifyWithRetry(ctx, e.cfg.Confirm, e.deps.Containers, component, func(ctx context.Context) outcome.Result {
		return e.deps.Probes.Probe(ctx, a)
	})
}

// targetFor resolves the gate target for a group. Pod manifests take port,
// path and scheme from their liveness probe; the host stays loopback unless
// the action names one.
func (e *Engine) targetFor(g Group, mres manifest.MutateResult) health.Target {
	a := g.Actions[0]
	t := a.Health
	if t.Component == "" {
		t.Component = a.Component
	}
	if mres.Kind == manifest.KindKubeletConfig {
		t.Worker = true
		t.Unit = a.Unit
		if t.Unit == "" {
			t.Unit = "kubelet"
		}
		return t
	}
	if pt, ok := manifest.LivenessTarget(mres.Content); ok {
		t.Port, t.Path, t.Scheme = pt.Port, pt.Path, pt.Scheme
	}
	if t.Host == "" {
		t.Host = "127.0.0.1"
	}
	return t
}

func describeMutations(muts []manifest.FlagMutation) string {
	parts := make([]string, len(muts))
	for i, m := range muts {
		parts[i] = m.String()
	}
	return strings.Join(parts, " ")
}
