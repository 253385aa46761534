package ssh

import (
	"path"
	"regexp"
	"strings"
)

// readOnlyPrefixes are the commands an audit needs: the process table,
// container and unit state, and the files a probe inspects.
var readOnlyPrefixes = []string{
	// Process listing
	"ps -ww -eo", "ps aux", "ps -eo",

	// Container runtime
	"crictl ps", "crictl inspect", "crictl version",
	"crictl --runtime-endpoint",

	// Services
	"systemctl is-active", "systemctl status", "systemctl show",
	"systemctl cat",

	// Files a probe inspects
	"cat /etc/kubernetes/", "cat /var/lib/kubelet/", "cat /etc/os-release",
	"stat", "ls", "test -f", "test -d", "readlink", "realpath",
	"find /etc/kubernetes", "find /var/lib/kubelet", "find /var/lib/etcd",

	// Identity
	"uname", "hostname", "id",
}

// blockedPatterns match dangerous operations even within allowed commands.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\b`),
	regexp.MustCompile(`\bmv\b`),
	regexp.MustCompile(`\bcp\b.*>`),
	regexp.MustCompile(`>`),
	regexp.MustCompile(`\bchmod\b`),
	regexp.MustCompile(`\bchown\b`),
	regexp.MustCompile(`\bmkdir\b`),
	regexp.MustCompile(`\btouch\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsystemctl\s+(start|stop|restart|reload|enable|disable|mask|kill)\b`),
	regexp.MustCompile(`\bcrictl\b.*\s(stop|rm|rmp|stopp|exec|run|runp|create|start|update)\b`),
	regexp.MustCompile(`\bfind\b.*\s-(delete|exec|execdir|ok|fprint)\b`),
	regexp.MustCompile(`[|&;` + "`" + `$]`),
	regexp.MustCompile(`\.\./`),
}

// Allowlist decides which commands may run on a remote node. Probe
// scripts are allowed when they live directly under ProbeDir.
type Allowlist struct {
	ProbeDir string
}

// DefaultAllowlist returns the read-only allowlist plus probeDir, which
// may be empty.
func DefaultAllowlist(probeDir string) *Allowlist {
	return &Allowlist{ProbeDir: probeDir}
}

// Allowed checks argv. A probe is allowed by path; anything else must
// pass IsCommandAllowed.
func (a *Allowlist) Allowed(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	if a != nil && a.isProbe(argv) {
		return true
	}
	return IsCommandAllowed(strings.Join(argv, " "))
}

func (a *Allowlist) isProbe(argv []string) bool {
	if a.ProbeDir == "" {
		return false
	}
	script := argv[0]
	if (script == "sh" || script == "bash" || script == "/bin/sh" || script == "/bin/bash") && len(argv) == 2 {
		script = argv[1]
	} else if len(argv) != 1 {
		return false
	}
	if !path.IsAbs(script) || path.Clean(script) != script {
		return false
	}
	return path.Dir(script) == path.Clean(a.ProbeDir)
}

// IsCommandAllowed checks if a command is safe to execute remotely.
// It must match an allowed prefix and not contain any blocked patterns.
func IsCommandAllowed(cmd string) bool {
	trimmed := strings.TrimSpace(cmd)

	for _, pat := range blockedPatterns {
		if pat.MatchString(trimmed) {
			return false
		}
	}

	for _, prefix := range readOnlyPrefixes {
		if hasCommandPrefix(trimmed, prefix) {
			return true
		}
	}

	return false
}

// hasCommandPrefix matches prefix on a word or path boundary so "ls" does
// not admit "lsblk".
func hasCommandPrefix(cmd, prefix string) bool {
	if !strings.HasPrefix(cmd, prefix) {
		return false
	}
	if len(cmd) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	next := cmd[len(prefix)]
	return next == ' ' || next == '/'
}
