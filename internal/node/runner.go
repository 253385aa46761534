// Package node talks to the host: the container runtime, the service
// manager and the process table. Every call goes through a Runner so tests
// and remote execution can substitute their own.
package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single host command.
const DefaultTimeout = 30 * time.Second

// Output holds the result of a host command. A non-zero exit is reported
// here, not as an error.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a command on a node.
type Runner interface {
	Run(ctx context.Context, env []string, name string, args ...string) (Output, error)
}

// ErrTimeout is returned when a command exceeds its time budget.
var ErrTimeout = errors.New("command timed out")

// LocalRunner executes commands on the local host, optionally inside the
// host mount namespace via nsenter (DaemonSet mode).
type LocalRunner struct {
	Nsenter bool
	Timeout time.Duration
}

// Run executes name with args. env entries are appended to the inherited
// environment.
func (r LocalRunner) Run(ctx context.Context, env []string, name string, args ...string) (Output, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append([]string{name}, args...)
	if r.Nsenter {
		argv = append([]string{"nsenter", "--target", "1", "--mount", "--"}, argv...)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("%s: %w after %s", name, ErrTimeout, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return out, fmt.Errorf("run %s: %w", name, err)
	}
	return out, nil
}

// run is a helper that turns a non-zero exit into an error.
func run(ctx context.Context, r Runner, name string, args ...string) (string, error) {
	out, err := r.Run(ctx, nil, name, args...)
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return out.Stdout, fmt.Errorf("%s %s: exit %d: %s", name, strings.Join(args, " "), out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return out.Stdout, nil
}

func lines(s string) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
