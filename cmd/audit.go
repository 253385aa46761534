package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tinkerbelle-io/tb-harden/internal/config"
	"github.com/tinkerbelle-io/tb-harden/internal/manifest"
	"github.com/tinkerbelle-io/tb-harden/internal/node"
	"github.com/tinkerbelle-io/tb-harden/internal/outcome"
	"github.com/tinkerbelle-io/tb-harden/internal/remediation"
	"github.com/tinkerbelle-io/tb-harden/internal/rules"
	"github.com/tinkerbelle-io/tb-harden/internal/ssh"
)

var (
	flagAuditNodes      string
	flagAuditRules      []string
	flagAuditOutput     string
	flagSSHKey          string
	flagKnownHosts      string
	flagInsecureHostKey bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Run the catalog's audit probes without changing anything",
	Long: `Run every selected rule's audit probe and report PASS, FAIL or MANUAL.

With --node the probes run on remote hosts over SSH. Remote execution is
restricted to read-only commands and to scripts in the catalog's probe
directory, which must exist at the same path on each host.`,
	Example: `  tb-harden audit
  tb-harden audit --rule 1.2.
  tb-harden audit --node root@cp-1,root@cp-2,root@cp-3`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&flagAuditNodes, "node", "", "Comma-separated SSH targets (user@host[:port]); default is this host")
	auditCmd.Flags().StringSliceVar(&flagAuditRules, "rule", nil, "Rule id to audit; a trailing dot selects a section (repeatable)")
	auditCmd.Flags().StringVarP(&flagAuditOutput, "output", "o", "text", "Output format: text, json")
	auditCmd.Flags().StringVar(&flagSSHKey, "ssh-key", "", "Private key for SSH targets")
	auditCmd.Flags().StringVar(&flagKnownHosts, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	auditCmd.Flags().BoolVar(&flagInsecureHostKey, "insecure-host-key", false, "Skip host key verification when no known_hosts file is available")
	rootCmd.AddCommand(auditCmd)
}

// NodeReport is the audit result for one host.
type NodeReport struct {
	Node    string                     `json:"node"`
	Error   string                     `json:"error,omitempty"`
	Results []remediation.ActionResult `json:"results,omitempty"`
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	catalog, actions, err := loadActions(cfg, flagAuditRules)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reports []NodeReport
	if flagAuditNodes == "" {
		reports = []NodeReport{auditNode(ctx, cfg, cfg.NodeName, localRunner(cfg), actions)}
	} else {
		targets, err := ssh.ParseTargets(flagAuditNodes)
		if err != nil {
			return err
		}
		opts := ssh.Options{
			KeyFile:    flagSSHKey,
			KnownHosts: flagKnownHosts,
			Insecure:   flagInsecureHostKey,
			Allow:      ssh.DefaultAllowlist(catalog.ProbeDir),
		}
		reports = auditRemote(ctx, cfg, targets, opts, actions)
	}

	if err := printReports(cmd.OutOrStdout(), reports, flagAuditOutput); err != nil {
		return err
	}

	failed := 0
	for _, r := range reports {
		if r.Error != "" {
			failed++
		}
		for _, res := range r.Results {
			if res.Status == outcome.StatusFail || res.Status == outcome.StatusError {
				failed++
			}
		}
	}
	if failed > 0 {
		return &exitError{code: exitFailures, msg: fmt.Sprintf("%d finding(s)", failed)}
	}
	return nil
}

// auditRemote fans out over targets, bounded by the configured worker count.
// One unreachable host does not stop the others.
func auditRemote(ctx context.Context, cfg *config.Config, targets []ssh.Target, opts ssh.Options, actions []remediation.Action) []NodeReport {
	reports := make([]NodeReport, len(targets))

	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for i, t := range targets {
		g.Go(func() error {
			var rep NodeReport
			runner, err := ssh.NewRunner(t, opts)
			if err != nil {
				rep = NodeReport{Node: t.String(), Error: err.Error()}
			} else {
				rep = auditNode(ctx, cfg, t.String(), runner, actions)
				_ = runner.Close()
			}
			reports[i] = rep
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func auditNode(ctx context.Context, cfg *config.Config, name string, runner node.Runner, actions []remediation.Action) NodeReport {
	log := slog.Default().With("component", "audit", "node", name)
	probes := rules.NewProbeRunner(runner, cfg.ProbeTimeout, name)

	rep := NodeReport{Node: name}
	for _, a := range actions {
		if ctx.Err() != nil {
			rep.Error = ctx.Err().Error()
			break
		}
		res := auditAction(ctx, runner, probes, a)
		log.Debug("rule audited", "rule", a.ID, "status", res.Status)
		rep.Results = append(rep.Results, remediation.ActionResult{
			ActionID:  a.ID,
			Title:     a.Title,
			Component: a.Component,
			Class:     a.EffectiveClass(),
			Result:    res.Final(),
		})
	}
	return rep
}

// auditAction prefers the rule's probe. A class A rule without one is
// judged by reading its manifest.
func auditAction(ctx context.Context, runner node.Runner, probes *rules.ProbeRunner, a remediation.Action) outcome.Result {
	if a.Probe != "" || a.EffectiveClass() != remediation.ClassA {
		return probes.Probe(ctx, a)
	}
	out, err := runner.Run(ctx, nil, "cat", a.ManifestPath)
	if err != nil {
		return outcome.Errorf(outcome.KindNone, "read %s: %v", a.ManifestPath, err)
	}
	if out.ExitCode != 0 {
		return outcome.Errorf(outcome.KindNone, "read %s: %s", a.ManifestPath, strings.TrimSpace(out.Stderr))
	}
	ok, err := manifest.SatisfiedIn([]byte(out.Stdout), a.Mutations)
	if err != nil {
		return outcome.Errorf(outcome.KindNone, "%s: %v", a.ManifestPath, err)
	}
	if ok {
		return outcome.Pass("manifest carries " + describeFlags(a.Mutations))
	}
	return outcome.Fail(outcome.KindNone, "manifest lacks %s", describeFlags(a.Mutations))
}

func describeFlags(muts []manifest.FlagMutation) string {
	parts := make([]string, len(muts))
	for i, m := range muts {
		parts[i] = m.String()
	}
	return strings.Join(parts, " ")
}

func printReports(w io.Writer, reports []NodeReport, format string) error {
	if format == "json" {
		out, err := json.MarshalIndent(reports, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal reports: %w", err)
		}
		fmt.Fprintln(w, string(out))
		return nil
	}
	for i, rep := range reports {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "Node %s\n", rep.Node)
		if rep.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", rep.Error)
		}
		counts := map[outcome.Status]int{}
		for _, r := range rep.Results {
			counts[r.Status]++
			fmt.Fprintf(w, "  %-8s %-7s %s\n", r.ActionID, r.Status, r.Reason)
			if r.FixHint != "" {
				fmt.Fprintf(w, "  %-8s hint: %s\n", "", r.FixHint)
			}
		}
		fmt.Fprintf(w, "  pass=%d fail=%d manual=%d error=%d\n",
			counts[outcome.StatusPass], counts[outcome.StatusFail], counts[outcome.StatusManual], counts[outcome.StatusError])
	}
	return nil
}
