// Package ssh runs read-only audit commands on remote nodes. A Runner
// satisfies node.Runner so the probe runner and process lister work
// unchanged against a host reached over SSH.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tinkerbelle-io/tb-harden/internal/node"
)

// Runner implements node.Runner over SSH.
// It reuses a single SSH connection for multiple commands.
type Runner struct {
	client *ssh.Client
	target Target
	allow  *Allowlist
	mu     sync.Mutex
	log    *slog.Logger
}

// Target represents an SSH target parsed from user@host[:port] format.
type Target struct {
	User string
	Host string
	Port string
}

// ParseTarget parses a string like "user@host" or "user@host:2222".
func ParseTarget(s string) (Target, error) {
	t := Target{Port: "22"}

	parts := strings.SplitN(s, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return t, fmt.Errorf("invalid SSH target %q (expected user@host[:port])", s)
	}

	t.User = parts[0]
	hostPort := parts[1]

	if h, p, err := net.SplitHostPort(hostPort); err == nil {
		t.Host = h
		t.Port = p
	} else {
		t.Host = hostPort
	}

	return t, nil
}

// ParseTargets splits a comma-separated list of SSH targets.
func ParseTargets(s string) ([]Target, error) {
	var targets []Target
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, err := ParseTarget(part)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no SSH targets specified")
	}
	return targets, nil
}

// Addr returns the host:port for dialing.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, t.Port)
}

func (t Target) String() string {
	if t.Port == "22" {
		return t.User + "@" + t.Host
	}
	return fmt.Sprintf("%s@%s:%s", t.User, t.Host, t.Port)
}

// Options configure a Runner.
type Options struct {
	// KeyFile is tried before the default key files.
	KeyFile string
	// KnownHosts overrides ~/.ssh/known_hosts.
	KnownHosts string
	// Insecure skips host key verification when no known_hosts file loads.
	Insecure bool
	// Allow restricts what may run remotely. Nil means DefaultAllowlist("").
	Allow *Allowlist
}

// NewRunner establishes an SSH connection and returns a Runner.
func NewRunner(target Target, opts Options) (*Runner, error) {
	config, err := buildSSHConfig(target.User, opts)
	if err != nil {
		return nil, fmt.Errorf("ssh config: %w", err)
	}

	client, err := ssh.Dial("tcp", target.Addr(), config)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", target.Addr(), err)
	}

	allow := opts.Allow
	if allow == nil {
		allow = DefaultAllowlist("")
	}
	return &Runner{
		client: client,
		target: target,
		allow:  allow,
		log:    slog.Default().With("component", "ssh", "target", target.String()),
	}, nil
}

// Target returns the host this runner is connected to.
func (r *Runner) Target() Target { return r.target }

// Run executes name with args on the remote host. env entries are passed
// through env(1) so they reach the command regardless of the server's
// AcceptEnv setting. Commands are validated against the allowlist before
// execution; a non-zero exit is reported in Output.
func (r *Runner) Run(ctx context.Context, env []string, name string, args ...string) (node.Output, error) {
	argv := append([]string{name}, args...)
	if !r.allow.Allowed(argv) {
		return node.Output{}, fmt.Errorf("command not allowed: %q", strings.Join(argv, " "))
	}
	cmd := CommandLine(env, argv)

	r.mu.Lock()
	defer r.mu.Unlock()

	session, err := r.client.NewSession()
	if err != nil {
		return node.Output{}, fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			session.Signal(ssh.SIGTERM)
			session.Close()
		case <-done:
		}
	}()

	r.log.Debug("remote exec", "cmd", cmd)
	err = session.Run(cmd)
	close(done)

	out := node.Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, fmt.Errorf("%s: %w", name, node.ErrTimeout)
		}
		return out, ctx.Err()
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitStatus()
			return out, nil
		}
		return out, fmt.Errorf("command %q failed: %w", cmd, err)
	}
	return out, nil
}

// Close closes the SSH connection.
func (r *Runner) Close() error {
	return r.client.Close()
}

// CommandLine renders env and argv as a single POSIX shell command.
func CommandLine(env, argv []string) string {
	var b strings.Builder
	if len(env) > 0 {
		b.WriteString("env")
		for _, kv := range env {
			b.WriteByte(' ')
			b.WriteString(quote(kv))
		}
		b.WriteByte(' ')
	}
	for i, a := range argv {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(quote(a))
	}
	return b.String()
}

func quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || strings.ContainsRune("-_./=:,+@%", c)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// buildSSHConfig creates an SSH client config with key auth and agent forwarding.
func buildSSHConfig(user string, opts Options) (*ssh.ClientConfig, error) {
	var signers []ssh.Signer

	// Try SSH agent first
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			agentClient := agent.NewClient(conn)
			agentSigners, err := agentClient.Signers()
			if err == nil {
				signers = append(signers, agentSigners...)
			}
		}
	}

	home, _ := os.UserHomeDir()
	var keyFiles []string
	if opts.KeyFile != "" {
		keyFiles = append(keyFiles, opts.KeyFile)
	}
	keyFiles = append(keyFiles,
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_rsa"),
		filepath.Join(home, ".ssh", "id_ecdsa"),
	)

	for _, keyFile := range keyFiles {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			continue
		}
		signers = append(signers, signer)
	}

	if len(signers) == 0 {
		return nil, fmt.Errorf("no SSH keys available (no agent and no key files found)")
	}

	knownHostsFile := opts.KnownHosts
	if knownHostsFile == "" {
		knownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
	}
	hostKeyCallback, err := knownhosts.New(knownHostsFile)
	if err != nil {
		if !opts.Insecure {
			return nil, fmt.Errorf("load known_hosts %s: %w", knownHostsFile, err)
		}
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signers...)},
		HostKeyCallback: hostKeyCallback,
	}, nil
}
