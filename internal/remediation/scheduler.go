// Package remediation schedules remediation actions: high-risk manifest
// mutations run one group at a time behind a health gate, low-risk actions
// run in a bounded pool, and an emergency brake stops everything after the
// first unhealthy result.
package remediation

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tinkerbelle-io/tb-harden/internal/audit"
	"github.com/tinkerbelle-io/tb-harden/internal/health"
	"github.com/tinkerbelle-io/tb-harden/internal/manifest"
	"github.com/tinkerbelle-io/tb-harden/internal/metrics"
	"github.com/tinkerbelle-io/tb-harden/internal/outcome"
	"github.com/tinkerbelle-io/tb-harden/internal/persist"
	"github.com/tinkerbelle-io/tb-harden/internal/retry"
	"github.com/tinkerbelle-io/tb-harden/internal/rollback"
)

// Writer persists a file atomically with a backup.
type Writer interface {
	Write(path string, content []byte, requiredTokens []string) (persist.BackupRecord, error)
}

// Gate checks component health.
type Gate interface {
	Check(ctx context.Context, t health.Target) health.Result
}

// Rollbacker restores backups.
type Rollbacker interface {
	Rollback(ctx context.Context, req rollback.Request) rollback.Result
}

// RuntimeVerifier checks that running processes picked up a change.
type RuntimeVerifier interface {
	Verify(ctx context.Context, component, binary string, muts []manifest.FlagMutation) (outcome.Result, bool)
	VerifyUnit(ctx context.Context, unit string) outcome.Result
}

// Prober runs an action's audit probe.
type Prober interface {
	Probe(ctx context.Context, a Action) outcome.Result
}

// ScriptRunner runs an action's remediation script.
type ScriptRunner interface {
	Remediate(ctx context.Context, a Action) error
}

// Restarter restarts a service unit.
type Restarter interface {
	Restart(ctx context.Context, unit string) error
}

// Auditor records audit entries.
type Auditor interface {
	Log(entry audit.AuditEntry) error
}

// Config tunes the engine.
type Config struct {
	DryRun  bool
	Workers int
	// Confirm bounds the rule-level audit confirmation after a fix.
	Confirm retry.Policy
}

// Deps are the engine's collaborators. Probes, Scripts, Audit and Metrics
// may be nil.
type Deps struct {
	Store      Writer
	Gate       Gate
	Rollback   Rollbacker
	Verifier   RuntimeVerifier
	Probes     Prober
	Scripts    ScriptRunner
	Services   Restarter
	Containers retry.ContainerChecker
	Audit      Auditor
	Metrics    *metrics.Recorder
	Clock      clockwork.Clock
}

// Engine executes remediation actions.
type Engine struct {
	cfg   Config
	deps  Deps
	brake *EmergencyBrake
	log   *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg Config, deps Deps, brake *EmergencyBrake) *Engine {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if brake == nil {
		brake = NewEmergencyBrake(0, deps.Clock)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	cfg.Confirm.Clock = deps.Clock
	return &Engine{
		cfg:   cfg,
		deps:  deps,
		brake: brake,
		log:   slog.Default().With("component", "remediation"),
	}
}

// Brake returns the engine's emergency brake.
func (e *Engine) Brake() *EmergencyBrake { return e.brake }

// Group is a set of Class A actions sharing one manifest path.
type Group struct {
	Path    string
	Actions []Action
}

// Mutations returns every mutation in the group, in action order.
func (g Group) Mutations() []manifest.FlagMutation {
	var out []manifest.FlagMutation
	for _, a := range g.Actions {
		out = append(out, a.Mutations...)
	}
	return out
}

// Partition splits actions by blast radius, preserving order.
func Partition(actions []Action) (classA, classB []Action) {
	for _, a := range actions {
		if a.EffectiveClass() == ClassA {
			classA = append(classA, a)
		} else {
			classB = append(classB, a)
		}
	}
	return classA, classB
}

// Coalesce groups actions by manifest path in order of first appearance.
func Coalesce(actions []Action) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, a := range actions {
		i, ok := index[a.ManifestPath]
		if !ok {
			i = len(groups)
			index[a.ManifestPath] = i
			groups = append(groups, Group{Path: a.ManifestPath})
		}
		groups[i].Actions = append(groups[i].Actions, a)
	}
	return groups
}

// Run executes every action and returns the finished session. Class A
// groups run first, strictly in order; Class B runs afterwards in the pool.
// Once the brake trips nothing further is dispatched.
func (e *Engine) Run(ctx context.Context, s Session, actions []Action) Session {
	e.record(s, audit.AuditEntry{EventType: audit.EventRunStart, Reason: pluralize(len(actions), "action")})

	var valid []Action
	for _, a := range actions {
		if err := a.Validate(); err != nil {
			s = e.complete(s, newResult(a, outcome.Errorf(outcome.KindNone, "%v", err)))
			continue
		}
		valid = append(valid, a)
	}

	classA, classB := Partition(valid)
	groups := Coalesce(classA)
	e.log.Info("run started", "session", s.ID, "class_a_groups", len(groups), "class_b", len(classB), "dry_run", e.cfg.DryRun)

	for _, g := range groups {
		if reason, stop := e.halted(ctx); stop {
			s = e.abortAll(s, g.Actions, reason)
			continue
		}
		s = e.runGroup(ctx, s, g)
	}

	if reason, stop := e.halted(ctx); stop {
		s = e.abortAll(s, classB, reason)
	} else {
		s = e.runClassB(ctx, s, classB)
	}

	return e.finish(s)
}

func (e *Engine) halted(ctx context.Context) (string, bool) {
	if e.brake.Engaged() {
		return "not dispatched: emergency brake engaged (" + e.brake.Reason() + ")", true
	}
	if err := ctx.Err(); err != nil {
		return "not dispatched: " + err.Error(), true
	}
	return "", false
}

func (e *Engine) abortAll(s Session, actions []Action, reason string) Session {
	for _, a := range actions {
		s = e.complete(s, newResult(a, outcome.Errorf(outcome.KindAborted, "%s", reason)))
	}
	return s
}

// complete appends a terminal result and records it.
func (e *Engine) complete(s Session, r ActionResult) Session {
	r.DryRun = r.DryRun || e.cfg.DryRun
	r.Result = r.Final()
	e.deps.Metrics.Action(r.Component, string(r.Class), string(r.Status))
	entry := audit.AuditEntry{
		EventType: audit.EventActionResult,
		ActionID:  r.ActionID,
		Component: r.Component,
		Status:    string(r.Status),
		Kind:      string(r.Kind),
		Reason:    r.Reason,
		DryRun:    r.DryRun,
	}
	if r.Backup != nil {
		entry.Path = r.Backup.OriginalPath
		entry.Backup = r.Backup.BackupPath
	}
	e.record(s, entry)
	e.log.Info("action finished", "action", r.ActionID, "status", r.Status, "reason", r.Reason)
	return s.WithResult(r)
}

func (e *Engine) finish(s Session) Session {
	now := e.deps.Clock.Now().UTC()
	s.FinishedAt = now

	if e.brake.Engaged() {
		component := ""
		if r, ok := s.Result(e.brake.trippedByID()); ok {
			component = r.Component
		}
		s.Brake = e.brake.Report(component, "kubelet", s.Backups)
		e.record(s, audit.AuditEntry{EventType: audit.EventEmergencyBrake, ActionID: s.Brake.TrippedBy, Reason: s.Brake.Reason})
		e.log.Error("EMERGENCY BRAKE ENGAGED: no further mutations were attempted", "tripped_by", s.Brake.TrippedBy, "reason", s.Brake.Reason)
	}
	e.deps.Metrics.Brake(e.brake.Engaged())
	e.deps.Metrics.Finish(now)

	st := s.Stats()
	e.record(s, audit.AuditEntry{EventType: audit.EventRunEnd, Status: runStatus(s), Reason: statsLine(st)})
	e.log.Info("run finished", "session", s.ID, "total", st.Total, "pass", st.Pass, "fixed", st.Fixed,
		"fail", st.Fail, "manual", st.Manual, "error", st.Error, "duration", now.Sub(s.StartedAt))
	return s
}

func (e *Engine) record(s Session, entry audit.AuditEntry) {
	if e.deps.Audit == nil {
		return
	}
	entry.SessionID = s.ID
	entry.Node = s.Node
	entry.Timestamp = e.deps.Clock.Now().UTC()
	if err := e.deps.Audit.Log(entry); err != nil {
		e.log.Warn("audit write failed", "event", entry.EventType, "error", err)
	}
}

func (e *Engine) elapsed(start time.Time) time.Duration {
	return e.deps.Clock.Since(start)
}
