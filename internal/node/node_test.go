package node

import (
	"context"
	"strings"
	"testing"
)

type call struct {
	env  []string
	argv string
}

type scriptedRunner struct {
	outputs map[string]Output
	calls   []call
}

func (r *scriptedRunner) Run(_ context.Context, env []string, name string, args ...string) (Output, error) {
	argv := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, call{env: env, argv: argv})
	return r.outputs[argv], nil
}

func TestCRIListRunning(t *testing.T) {
	r := &scriptedRunner{outputs: map[string]Output{
		"crictl ps --quiet --name kube-apiserver --state running": {Stdout: "abc123\ndef456\n"},
	}}
	cri := NewCRI(r, "")

	ids, err := cri.List(context.Background(), "kube-apiserver", StateRunning)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "abc123" || ids[1] != "def456" {
		t.Errorf("unexpected ids: %v", ids)
	}

	running, err := cri.Running(context.Background(), "kube-apiserver")
	if err != nil || !running {
		t.Errorf("expected running, got %v (%v)", running, err)
	}
}

func TestCRIEndpointAndFailures(t *testing.T) {
	r := &scriptedRunner{outputs: map[string]Output{
		"crictl --runtime-endpoint unix:///run/containerd/containerd.sock stop abc": {ExitCode: 1, Stderr: "not found"},
	}}
	cri := NewCRI(r, "unix:///run/containerd/containerd.sock")

	err := cri.Stop(context.Background(), "abc")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected stop failure with stderr, got %v", err)
	}
	if err := cri.Remove(context.Background(), "abc"); err != nil {
		t.Errorf("remove should succeed with exit 0: %v", err)
	}
	if got := r.calls[1].argv; got != "crictl --runtime-endpoint unix:///run/containerd/containerd.sock rm abc" {
		t.Errorf("unexpected argv %q", got)
	}
}

func TestSystemd(t *testing.T) {
	r := &scriptedRunner{outputs: map[string]Output{
		"systemctl is-active --quiet kubelet": {ExitCode: 3},
	}}
	s := NewSystemd(r)

	active, err := s.IsActive(context.Background(), "kubelet")
	if err != nil {
		t.Fatal(err)
	}
	if active {
		t.Error("exit 3 means inactive")
	}
	if err := s.Restart(context.Background(), "kubelet"); err != nil {
		t.Errorf("restart: %v", err)
	}
}

func TestFindProcess(t *testing.T) {
	ps := `/sbin/init
/usr/bin/containerd
kube-apiserver --advertise-address=10.0.0.10 --anonymous-auth=false --authorization-mode=Node,RBAC
/usr/local/bin/kube-apiserver-proxy --port=1
`
	args, ok := findProcess(ps, "kube-apiserver")
	if !ok {
		t.Fatal("process not found")
	}
	if len(args) != 4 || args[2].Name != "anonymous-auth" || args[2].Value != "false" {
		t.Errorf("unexpected args: %+v", args)
	}

	if _, ok := findProcess(ps, "kube-scheduler"); ok {
		t.Error("scheduler is not running")
	}
}

func TestLocalRunnerExitCode(t *testing.T) {
	out, err := LocalRunner{}.Run(context.Background(), []string{"TB_PROBE=1"}, "sh", "-c", "echo $TB_PROBE; exit 3")
	if err != nil {
		t.Fatal(err)
	}
	if out.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", out.ExitCode)
	}
	if strings.TrimSpace(out.Stdout) != "1" {
		t.Errorf("env not injected, stdout = %q", out.Stdout)
	}
}
