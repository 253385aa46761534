package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-harden/internal/audit"
	"github.com/tinkerbelle-io/tb-harden/internal/cluster"
	"github.com/tinkerbelle-io/tb-harden/internal/config"
	"github.com/tinkerbelle-io/tb-harden/internal/health"
	"github.com/tinkerbelle-io/tb-harden/internal/metrics"
	"github.com/tinkerbelle-io/tb-harden/internal/persist"
	"github.com/tinkerbelle-io/tb-harden/internal/remediation"
	"github.com/tinkerbelle-io/tb-harden/internal/retry"
	"github.com/tinkerbelle-io/tb-harden/internal/rollback"
	"github.com/tinkerbelle-io/tb-harden/internal/rules"
	"github.com/tinkerbelle-io/tb-harden/internal/verify"
)

var (
	flagRules          []string
	flagWorkers        int
	flagMutationBudget int
	flagOutput         string
	flagNoClusterCheck bool
)

var remediateCmd = &cobra.Command{
	Use:   "remediate",
	Short: "Apply catalog fixes to this node",
	Long: `Apply the fixes in the rule catalog to this node.

Manifest and kubelet config fixes (class A) run first, one file at a time.
Each file is backed up, written atomically and gated on component health;
an unhealthy component is rolled back. Fixes that restart nothing shared
(class B) run afterwards in a bounded worker pool.

Exit status is 0 when every rule ends PASS, FIXED or MANUAL, 1 when any rule
failed, and 2 when the emergency brake stopped the run.`,
	Example: `  tb-harden remediate --dry-run
  tb-harden remediate --rule 1.2.1 --rule 1.2.7
  tb-harden remediate --rule 1.2. --mutation-budget 3`,
	RunE: runRemediate,
}

func init() {
	remediateCmd.Flags().StringSliceVar(&flagRules, "rule", nil, "Rule id to remediate; a trailing dot selects a section (repeatable)")
	remediateCmd.Flags().IntVar(&flagWorkers, "workers", 0, "Class B worker pool size (default from config)")
	remediateCmd.Flags().IntVar(&flagMutationBudget, "mutation-budget", -1, "Maximum file writes this run, 0 for unlimited (default from config)")
	remediateCmd.Flags().StringVarP(&flagOutput, "output", "o", "text", "Output format: text, json")
	remediateCmd.Flags().BoolVar(&flagNoClusterCheck, "no-cluster-check", false, "Skip the API server view of component readiness")
	rootCmd.AddCommand(remediateCmd)
}

func runRemediate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagWorkers > 0 {
		cfg.Workers = flagWorkers
	}
	if flagMutationBudget >= 0 {
		cfg.MutationBudget = flagMutationBudget
	}
	if flagNoClusterCheck {
		cfg.Gate.ClusterCheck = false
	}

	_, actions, err := loadActions(cfg, flagRules)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No rules selected.")
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	engine, store, rec, closeAudit, err := buildEngine(cfg, clock)
	if err != nil {
		return err
	}
	defer closeAudit()

	s := engine.Run(ctx, remediation.NewSession(cfg.NodeName, flagDryRun, clock.Now()), actions)

	if err := printSession(cmd.OutOrStdout(), s, flagOutput); err != nil {
		return err
	}
	if s.Brake != nil {
		printBrake(cmd.ErrOrStderr(), s.Brake)
	}

	finishRun(context.WithoutCancel(ctx), cfg, s, store, rec)

	switch {
	case s.Brake != nil:
		return &exitError{code: exitBrake, msg: "emergency brake engaged: " + s.Brake.Reason}
	case !s.Succeeded():
		st := s.Stats()
		return &exitError{code: exitFailures, msg: fmt.Sprintf("%d rule(s) failed, %d errored", st.Fail, st.Error)}
	}
	return nil
}

// buildEngine wires the engine against the local node.
func buildEngine(cfg *config.Config, clock clockwork.Clock) (*remediation.Engine, *persist.Store, *metrics.Recorder, func(), error) {
	host := newHostTools(localRunner(cfg), cfg)
	store := persist.NewStore(cfg.BackupRoot, clock)

	prober, err := health.NewHTTPProber(cfg.Gate.Timeout, cfg.Gate.CAFile)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	var clusterView health.ClusterChecker
	if cfg.Gate.ClusterCheck {
		checker, err := cluster.NewForKubeconfig(cfg.Kubeconfig, cfg.NodeName)
		if err != nil {
			slog.Warn("cluster view unavailable, gating on local probes only", "error", err)
		} else {
			clusterView = checker
		}
	}
	gate := health.NewGate(health.Config{
		Interval:   cfg.Gate.Interval,
		MaxRetries: cfg.Gate.MaxRetries,
		Settle:     cfg.Gate.Settle,
	}, prober, host.systemd, clusterView, clock)

	verifier := verify.New(verify.Config{
		PollInterval: cfg.Verify.PollInterval,
		Window:       cfg.Verify.Window,
		KubeletUnit:  cfg.KubeletUnit,
		Recheck: retry.Policy{
			Interval:    cfg.Verify.RecheckEvery,
			MaxAttempts: cfg.Verify.RecheckTries,
			Timeout:     cfg.Verify.RecheckTimeout,
			Clock:       clock,
		},
	}, host.procs, host.cri, host.systemd, clock)

	probes := rules.NewProbeRunner(host.runner, cfg.ProbeTimeout, cfg.NodeName)

	closeAudit := func() {}
	var auditor remediation.Auditor
	if !flagDryRun {
		logger, err := audit.NewAuditLogger(cfg.AuditLog)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		auditor = logger
		closeAudit = func() { _ = logger.Close() }
	}

	rec := metrics.New()
	engine := remediation.NewEngine(remediation.Config{
		DryRun:  flagDryRun,
		Workers: cfg.Workers,
		Confirm: retry.Policy{
			Interval:    cfg.Confirm.Interval,
			MaxAttempts: cfg.Confirm.Attempts,
			Timeout:     cfg.Confirm.Timeout,
		},
	}, remediation.Deps{
		Store:      store,
		Gate:       gate,
		Rollback:   rollback.NewCoordinator(store, gate, host.systemd, cfg.RollbackDelay, clock),
		Verifier:   verifier,
		Probes:     probes,
		Scripts:    probes,
		Services:   host.systemd,
		Containers: host.cri,
		Audit:      auditor,
		Metrics:    rec,
		Clock:      clock,
	}, remediation.NewEmergencyBrake(cfg.MutationBudget, clock))

	slog.Debug("engine ready", "node", cfg.NodeName, "workers", cfg.Workers, "cluster_view", clusterView != nil)
	return engine, store, rec, closeAudit, nil
}

// finishRun rotates backups, writes metrics and uploads the session. None of
// these change the run's outcome.
func finishRun(ctx context.Context, cfg *config.Config, s remediation.Session, store *persist.Store, rec *metrics.Recorder) {
	if !s.DryRun && s.Brake == nil {
		if _, err := store.Rotate(cfg.BackupRetention); err != nil {
			slog.Warn("backup rotation failed", "error", err)
		}
	}
	if err := rec.WriteTextfile(cfg.MetricsTextfile); err != nil {
		slog.Warn("metrics not written", "error", err)
	}
	if cfg.ReportURL != "" {
		if err := remediation.NewReporter(cfg.ReportURL, cfg.ReportToken).Report(ctx, s); err != nil {
			slog.Warn("session upload failed", "error", err)
		}
	}
}

func printSession(w io.Writer, s remediation.Session, format string) error {
	if format == "json" {
		out, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		fmt.Fprintln(w, string(out))
		return nil
	}

	prefix := ""
	if s.DryRun {
		prefix = "[DRY RUN] "
	}
	fmt.Fprintf(w, "%sSession %s on %s\n\n", prefix, s.ID, s.Node)
	for _, r := range s.Results {
		line := fmt.Sprintf("  %-8s %-7s %-24s %s", r.ActionID, r.Status, r.Component, r.Reason)
		if r.Kind != "" {
			line += fmt.Sprintf(" [%s]", r.Kind)
		}
		fmt.Fprintln(w, line)
		if r.FixHint != "" {
			fmt.Fprintf(w, "  %-8s hint: %s\n", "", r.FixHint)
		}
	}
	st := s.Stats()
	fmt.Fprintf(w, "\nTotal: %d  Pass: %d  Fixed: %d  Fail: %d  Manual: %d  Error: %d\n",
		st.Total, st.Pass, st.Fixed, st.Fail, st.Manual, st.Error)
	if len(s.Backups) > 0 {
		fmt.Fprintln(w, "\nBackups:")
		for _, b := range s.Backups {
			fmt.Fprintf(w, "  %s -> %s\n", b.OriginalPath, b.BackupPath)
		}
	}
	return nil
}

func printBrake(w io.Writer, b *remediation.BrakeReport) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "!!! EMERGENCY BRAKE ENGAGED !!!")
	fmt.Fprintf(w, "Tripped by: %s\n", b.TrippedBy)
	fmt.Fprintf(w, "Reason:     %s\n", b.Reason)
	fmt.Fprintf(w, "At:         %s\n", b.At.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintln(w, "\nNo further changes were attempted. Inspect the node:")
	for _, c := range b.Inspect {
		fmt.Fprintf(w, "  %s\n", c)
	}
	if len(b.Restore) > 0 {
		fmt.Fprintln(w, "\nTo restore the files this run changed (newest first):")
		for _, c := range b.Restore {
			fmt.Fprintf(w, "  %s\n", c)
		}
	}
}
