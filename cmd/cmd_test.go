package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/tinkerbelle-io/tb-harden/internal/manifest"
	"github.com/tinkerbelle-io/tb-harden/internal/node"
	"github.com/tinkerbelle-io/tb-harden/internal/outcome"
	"github.com/tinkerbelle-io/tb-harden/internal/persist"
	"github.com/tinkerbelle-io/tb-harden/internal/remediation"
	"github.com/tinkerbelle-io/tb-harden/internal/rules"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.New("boom"), exitFailures},
		{&exitError{code: exitBrake, msg: "brake"}, exitBrake},
		{fmt.Errorf("wrapped: %w", &exitError{code: exitBrake}), exitBrake},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestPrintSession(t *testing.T) {
	s := remediation.NewSession("cp-1", false, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s = s.WithResult(remediation.ActionResult{ActionID: "1.2.1", Component: "kube-apiserver", Result: outcome.Fixed("verified")})
	s = s.WithResult(remediation.ActionResult{ActionID: "1.2.7", Component: "kube-apiserver", Result: outcome.Result{
		Status: outcome.StatusFail, Kind: outcome.KindHealthGateTimeout, Reason: "rolled back", FixHint: "check certificates",
	}})
	s = s.WithBackup(persist.BackupRecord{OriginalPath: "/etc/kubernetes/manifests/kube-apiserver.yaml", BackupPath: "/var/lib/tb-harden/backups/etc/kubernetes/manifests/kube-apiserver.yaml.bak_20260301_120000"})

	var buf bytes.Buffer
	if err := printSession(&buf, s, "text"); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"1.2.1", "FIXED", "[HealthGateTimeout]", "hint: check certificates", "Fixed: 1", "Fail: 1", "kube-apiserver.yaml.bak_20260301_120000"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := printSession(&buf, s, "json"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"action_id": "1.2.7"`) {
		t.Errorf("unexpected json:\n%s", buf.String())
	}
}

func TestPrintBrake(t *testing.T) {
	var buf bytes.Buffer
	printBrake(&buf, &remediation.BrakeReport{
		TrippedBy: "1.2.1",
		Reason:    "rollback failed",
		Inspect:   []string{"systemctl status kubelet"},
		Restore:   []string{"cp -p /b /etc/kubernetes/manifests/kube-apiserver.yaml"},
	})
	out := buf.String()
	for _, want := range []string{"EMERGENCY BRAKE ENGAGED", "Tripped by: 1.2.1", "systemctl status kubelet", "cp -p /b"} {
		if !strings.Contains(out, want) {
			t.Errorf("runbook missing %q:\n%s", want, out)
		}
	}
}

func TestFindBackup(t *testing.T) {
	recs := []persist.BackupRecord{
		{OriginalPath: "/etc/kubernetes/manifests/kube-apiserver.yaml", BackupPath: "/b/new"},
		{OriginalPath: "/etc/kubernetes/manifests/kube-apiserver.yaml", BackupPath: "/b/old"},
		{OriginalPath: "/var/lib/kubelet/config.yaml", BackupPath: "/b/kubelet"},
	}
	if r, ok := findBackup(recs, "/b/old", ""); !ok || r.BackupPath != "/b/old" {
		t.Errorf("exact path lookup failed: %+v", r)
	}
	if r, ok := findBackup(recs, "", "/etc/kubernetes/manifests/kube-apiserver.yaml"); !ok || r.BackupPath != "/b/new" {
		t.Errorf("newest backup of original expected, got %+v", r)
	}
	if _, ok := findBackup(recs, "/b/missing", ""); ok {
		t.Error("unknown backup must not match")
	}
}

type catRunner struct {
	files map[string]string
}

func (r catRunner) Run(_ context.Context, _ []string, name string, args ...string) (node.Output, error) {
	if name != "cat" || len(args) != 1 {
		return node.Output{ExitCode: 1, Stderr: "unexpected command"}, nil
	}
	content, ok := r.files[args[0]]
	if !ok {
		return node.Output{ExitCode: 1, Stderr: "No such file or directory"}, nil
	}
	return node.Output{Stdout: content}, nil
}

const schedulerPod = `apiVersion: v1
kind: Pod
metadata:
  name: kube-scheduler
  namespace: kube-system
spec:
  containers:
  - name: kube-scheduler
    image: registry.k8s.io/kube-scheduler:v1.30.0
    command:
    - kube-scheduler
    - --profiling=false
    - --bind-address=127.0.0.1
`

func TestAuditActionReadsManifest(t *testing.T) {
	runner := catRunner{files: map[string]string{"/etc/kubernetes/manifests/kube-scheduler.yaml": schedulerPod}}
	probes := rules.NewProbeRunner(runner, time.Second, "cp-1")

	a := remediation.Action{
		ID:           "1.4.1",
		Class:        remediation.ClassA,
		ManifestPath: "/etc/kubernetes/manifests/kube-scheduler.yaml",
		Mutations:    []manifest.FlagMutation{{Name: "profiling", Value: "false"}},
	}
	if res := auditAction(context.Background(), runner, probes, a); res.Status != outcome.StatusPass {
		t.Errorf("expected PASS, got %+v", res)
	}

	a.Mutations = []manifest.FlagMutation{{Name: "bind-address", Value: "0.0.0.0"}}
	if res := auditAction(context.Background(), runner, probes, a); res.Status != outcome.StatusFail {
		t.Errorf("expected FAIL, got %+v", res)
	}

	a.ManifestPath = "/etc/kubernetes/manifests/missing.yaml"
	if res := auditAction(context.Background(), runner, probes, a); res.Status != outcome.StatusError {
		t.Errorf("expected ERROR for an unreadable manifest, got %+v", res)
	}
}

func TestPrintReports(t *testing.T) {
	reports := []NodeReport{
		{Node: "root@cp-1", Results: []remediation.ActionResult{
			{ActionID: "1.2.1", Result: outcome.Pass("ok")},
			{ActionID: "1.2.7", Result: outcome.Result{Status: outcome.StatusFail, Reason: "missing Node", FixHint: "add Node"}},
		}},
		{Node: "root@cp-2", Error: "ssh dial cp-2:22: connection refused"},
	}
	var buf bytes.Buffer
	if err := printReports(&buf, reports, "text"); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Node root@cp-1", "pass=1 fail=1", "hint: add Node", "error: ssh dial cp-2:22"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
