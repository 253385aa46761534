package ssh

import (
	"testing"
)

func TestIsCommandAllowed(t *testing.T) {
	allowed := []struct {
		cmd  string
		desc string
	}{
		{"ps -ww -eo args=", "process table"},
		{"crictl ps --quiet --name kube-apiserver --state running", "crictl ps"},
		{"crictl --runtime-endpoint unix:///run/containerd/containerd.sock ps --quiet", "crictl with endpoint"},
		{"crictl inspect abc123", "crictl inspect"},
		{"systemctl is-active --quiet kubelet", "unit state"},
		{"systemctl status kubelet", "unit status"},
		{"cat /etc/kubernetes/manifests/kube-apiserver.yaml", "manifest"},
		{"cat /var/lib/kubelet/config.yaml", "kubelet config"},
		{"stat -c %a /etc/kubernetes/admin.conf", "stat"},
		{"ls /etc/kubernetes/pki", "ls"},
		{"test -f /etc/kubernetes/admin.conf", "test file"},
		{"find /etc/kubernetes/pki -name *.key", "find"},
		{"uname -a", "uname"},
	}

	for _, tc := range allowed {
		t.Run(tc.desc, func(t *testing.T) {
			if !IsCommandAllowed(tc.cmd) {
				t.Errorf("expected allowed: %q", tc.cmd)
			}
		})
	}
}

func TestIsCommandBlocked(t *testing.T) {
	blocked := []struct {
		cmd  string
		desc string
	}{
		{"rm -rf /", "rm"},
		{"echo foo > /etc/hosts", "redirect"},
		{"chmod 600 /etc/kubernetes/admin.conf", "chmod"},
		{"chown root:root /tmp/foo", "chown"},
		{"mkdir /tmp/evil", "mkdir"},
		{"touch /tmp/foo", "touch"},
		{"sudo rm -rf /", "sudo"},
		{"systemctl restart kubelet", "systemctl restart"},
		{"systemctl stop kubelet", "systemctl stop"},
		{"crictl stop abc123", "crictl stop"},
		{"crictl --runtime-endpoint unix:///run/containerd/containerd.sock rm abc", "crictl rm with endpoint"},
		{"crictl exec -it abc sh", "crictl exec"},
		{"find /etc/kubernetes -name x -delete", "find delete"},
		{"find /etc/kubernetes -exec cat {} +", "find exec"},
		{"cat /etc/kubernetes/../shadow", "path traversal"},
		{"cat /etc/shadow", "arbitrary file"},
		{"ls; reboot", "chained"},
		{"ps aux | sh", "pipe"},
		{"bash -c 'echo pwned'", "bash exec"},
		{"kubectl delete pod foo", "kubectl"},
		{"lsblk", "prefix without separator"},
	}

	for _, tc := range blocked {
		t.Run(tc.desc, func(t *testing.T) {
			if IsCommandAllowed(tc.cmd) {
				t.Errorf("expected blocked: %q", tc.cmd)
			}
		})
	}
}

func TestAllowlistProbes(t *testing.T) {
	a := DefaultAllowlist("/opt/tb-harden/probes")

	tests := []struct {
		argv []string
		want bool
	}{
		{[]string{"/opt/tb-harden/probes/1.2.1.sh"}, true},
		{[]string{"/bin/sh", "/opt/tb-harden/probes/1.2.1.sh"}, true},
		{[]string{"/opt/tb-harden/probes/sub/1.2.1.sh"}, false},
		{[]string{"/opt/tb-harden/probes/../evil.sh"}, false},
		{[]string{"/opt/tb-harden/probes/1.2.1.sh", "--force"}, false},
		{[]string{"/tmp/1.2.1.sh"}, false},
		{[]string{"ps", "-ww", "-eo", "args="}, true},
		{nil, false},
	}
	for _, tc := range tests {
		if got := a.Allowed(tc.argv); got != tc.want {
			t.Errorf("Allowed(%q) = %v, want %v", tc.argv, got, tc.want)
		}
	}

	if DefaultAllowlist("").Allowed([]string{"/opt/tb-harden/probes/1.2.1.sh"}) {
		t.Error("probes must be refused when no probe dir is configured")
	}
}

func TestCommandLine(t *testing.T) {
	tests := []struct {
		env  []string
		argv []string
		want string
	}{
		{nil, []string{"ps", "-ww", "-eo", "args="}, "ps -ww -eo args="},
		{[]string{"TB_PROBE_ID=1.2.1"}, []string{"/opt/p/1.2.1.sh"}, "env TB_PROBE_ID=1.2.1 /opt/p/1.2.1.sh"},
		{[]string{"TB_VALUE=a b"}, []string{"sh"}, "env 'TB_VALUE=a b' sh"},
		{nil, []string{"echo", "it's"}, `echo 'it'\''s'`},
		{nil, []string{"printf", ""}, "printf ''"},
	}
	for _, tc := range tests {
		if got := CommandLine(tc.env, tc.argv); got != tc.want {
			t.Errorf("CommandLine(%q, %q) = %q, want %q", tc.env, tc.argv, got, tc.want)
		}
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		input    string
		wantUser string
		wantHost string
		wantPort string
		wantErr  bool
	}{
		{"root@192.168.1.1", "root", "192.168.1.1", "22", false},
		{"ubuntu@cp-1.local", "ubuntu", "cp-1.local", "22", false},
		{"user@host:2222", "user", "host", "2222", false},
		{"deploy@[::1]:22", "deploy", "::1", "22", false},
		{"noatsign", "", "", "", true},
		{"@nouser", "", "", "", true},
		{"nohost@", "", "", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			target, err := ParseTarget(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if target.User != tc.wantUser {
				t.Errorf("user: got %q, want %q", target.User, tc.wantUser)
			}
			if target.Host != tc.wantHost {
				t.Errorf("host: got %q, want %q", target.Host, tc.wantHost)
			}
			if target.Port != tc.wantPort {
				t.Errorf("port: got %q, want %q", target.Port, tc.wantPort)
			}
		})
	}
}

func TestParseTargets(t *testing.T) {
	tests := []struct {
		input string
		count int
	}{
		{"root@cp-1,ubuntu@cp-2", 2},
		{"root@cp-1, ubuntu@cp-2, deploy@worker-1", 3},
		{"root@cp-1", 1},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			targets, err := ParseTargets(tc.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(targets) != tc.count {
				t.Errorf("got %d targets, want %d", len(targets), tc.count)
			}
		})
	}

	if _, err := ParseTargets(""); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestTarget(t *testing.T) {
	t1 := Target{User: "root", Host: "example.com", Port: "22"}
	if s := t1.String(); s != "root@example.com" {
		t.Errorf("got %q, want %q", s, "root@example.com")
	}

	t2 := Target{User: "root", Host: "example.com", Port: "2222"}
	if s := t2.String(); s != "root@example.com:2222" {
		t.Errorf("got %q, want %q", s, "root@example.com:2222")
	}
	if a := t2.Addr(); a != "example.com:2222" {
		t.Errorf("got %q, want %q", a, "example.com:2222")
	}
}
