package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/tinkerbelle-io/tb-harden/internal/node"
	"github.com/tinkerbelle-io/tb-harden/internal/outcome"
	"github.com/tinkerbelle-io/tb-harden/internal/remediation"
)

// Probe exit codes.
const (
	ExitPass   = 0
	ExitManual = 3
)

// Output markers a probe may print. The text after the marker is reported
// verbatim.
const (
	FailReasonMarker = "[FAIL_REASON]"
	FixHintMarker    = "[FIX_HINT]"
)

// DefaultProbeTimeout bounds one probe or remediation script.
const DefaultProbeTimeout = 60 * time.Second

// Shell runs probe scripts.
const Shell = "/bin/sh"

// ProbeRunner executes audit probes and remediation scripts on a node.
type ProbeRunner struct {
	runner  node.Runner
	timeout time.Duration
	node    string
	log     *slog.Logger
}

// NewProbeRunner creates a probe runner. nodeName is exported to scripts as
// TB_NODE.
func NewProbeRunner(runner node.Runner, timeout time.Duration, nodeName string) *ProbeRunner {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &ProbeRunner{
		runner:  runner,
		timeout: timeout,
		node:    nodeName,
		log:     slog.Default().With("component", "probe"),
	}
}

// Probe runs a's audit probe. Exit 0 is PASS, 3 is MANUAL, anything else
// is FAIL.
func (p *ProbeRunner) Probe(ctx context.Context, a remediation.Action) outcome.Result {
	if a.Probe == "" {
		return outcome.Manual("no audit probe for " + a.ID)
	}
	out, err := p.exec(ctx, a, "audit", a.Probe)
	if err != nil {
		if errors.Is(err, node.ErrTimeout) {
			return outcome.Fail(outcome.KindProbeTimeout, "probe %s exceeded %s", filepath.Base(a.Probe), p.timeout)
		}
		if errors.Is(err, context.Canceled) {
			return outcome.Errorf(outcome.KindAborted, "probe cancelled")
		}
		return outcome.Errorf(outcome.KindNone, "probe %s: %v", filepath.Base(a.Probe), err)
	}
	return Interpret(out)
}

// Remediate runs a's remediation script. A non-zero exit is an error
// carrying the script's failure reason.
func (p *ProbeRunner) Remediate(ctx context.Context, a remediation.Action) error {
	if a.RemediateScript == "" {
		return fmt.Errorf("rule %s has no remediation script", a.ID)
	}
	out, err := p.exec(ctx, a, "remediate", a.RemediateScript)
	if err != nil {
		return fmt.Errorf("remediate %s: %w", a.ID, err)
	}
	if out.ExitCode != 0 {
		reason, _ := markers(out.Stdout)
		if reason == "" {
			reason = strings.TrimSpace(out.Stderr)
		}
		return fmt.Errorf("remediate %s: exit %d: %s", a.ID, out.ExitCode, reason)
	}
	return nil
}

func (p *ProbeRunner) exec(ctx context.Context, a remediation.Action, mode, script string) (node.Output, error) {
	if !filepath.IsAbs(script) {
		return node.Output{}, fmt.Errorf("script path %q is not absolute", script)
	}
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	out, err := p.runner.Run(runCtx, Env(a, mode, p.node), Shell, script)
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%s: %w after %s", filepath.Base(script), node.ErrTimeout, p.timeout)
	}
	p.log.Debug("script finished", "rule", a.ID, "mode", mode, "exit", out.ExitCode, "elapsed", time.Since(start), "err", err)
	return out, err
}

// Env returns the TB_* variables a script sees.
func Env(a remediation.Action, mode, nodeName string) []string {
	env := []string{
		"TB_RULE_ID=" + a.ID,
		"TB_MODE=" + mode,
	}
	if nodeName != "" {
		env = append(env, "TB_NODE="+nodeName)
	}
	if a.Component != "" {
		env = append(env, "TB_COMPONENT="+a.Component)
	}
	if a.ManifestPath != "" {
		env = append(env, "TB_MANIFEST="+a.ManifestPath)
	}
	if len(a.Mutations) > 0 {
		flags := make([]string, len(a.Mutations))
		for i, m := range a.Mutations {
			flags[i] = m.String()
		}
		env = append(env, "TB_FLAGS="+strings.Join(flags, " "))
	}
	if pm := a.Permissions; pm != nil {
		env = append(env, "TB_PERM_PATH="+pm.Path)
		if pm.Mode != "" {
			env = append(env, "TB_PERM_MODE="+pm.Mode)
		}
		if pm.Owner != "" {
			env = append(env, "TB_PERM_OWNER="+pm.Owner)
		}
		if pm.Group != "" {
			env = append(env, "TB_PERM_GROUP="+pm.Group)
		}
	}
	return env
}

// Interpret maps a finished probe to a result.
func Interpret(out node.Output) outcome.Result {
	reason, hint := markers(out.Stdout)
	var res outcome.Result
	switch out.ExitCode {
	case ExitPass:
		res = outcome.Pass(firstLine(out.Stdout))
	case ExitManual:
		if reason == "" {
			reason = "manual review required"
		}
		res = outcome.Manual(reason)
	default:
		if reason == "" {
			reason = firstLine(out.Stderr)
		}
		if reason == "" {
			reason = fmt.Sprintf("probe exited %d", out.ExitCode)
		}
		res = outcome.Fail(outcome.KindNone, "%s", reason)
	}
	res.FixHint = hint
	return res
}

// markers collects every FAIL_REASON and FIX_HINT line.
func markers(stdout string) (reason, hint string) {
	var reasons, hints []string
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if rest, ok := strings.CutPrefix(line, FailReasonMarker); ok {
			reasons = append(reasons, strings.TrimSpace(rest))
		} else if rest, ok := strings.CutPrefix(line, FixHintMarker); ok {
			hints = append(hints, strings.TrimSpace(rest))
		}
	}
	return strings.Join(reasons, "; "), strings.Join(hints, "; ")
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
