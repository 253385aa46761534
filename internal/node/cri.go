package node

import (
	"context"
	"fmt"
)

// ContainerState filters container listings.
type ContainerState string

const (
	StateRunning ContainerState = "running"
	StateExited  ContainerState = "exited"
	StateAll     ContainerState = ""
)

// CRI drives the container runtime through crictl.
type CRI struct {
	runner   Runner
	endpoint string
}

// NewCRI creates a crictl client. An empty endpoint lets crictl use its own
// configuration.
func NewCRI(runner Runner, endpoint string) *CRI {
	return &CRI{runner: runner, endpoint: endpoint}
}

func (c *CRI) args(args ...string) []string {
	if c.endpoint == "" {
		return args
	}
	return append([]string{"--runtime-endpoint", c.endpoint}, args...)
}

// List returns container ids whose name matches component, filtered by state.
func (c *CRI) List(ctx context.Context, component string, state ContainerState) ([]string, error) {
	args := []string{"ps", "--quiet", "--name", component}
	if state == StateAll {
		args = append(args, "--all")
	} else {
		args = append(args, "--state", string(state))
	}
	out, err := run(ctx, c.runner, "crictl", c.args(args...)...)
	if err != nil {
		return nil, fmt.Errorf("list containers for %s: %w", component, err)
	}
	return lines(out), nil
}

// Running reports whether component has at least one running container.
func (c *CRI) Running(ctx context.Context, component string) (bool, error) {
	ids, err := c.List(ctx, component, StateRunning)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// Stop stops a container.
func (c *CRI) Stop(ctx context.Context, id string) error {
	if _, err := run(ctx, c.runner, "crictl", c.args("stop", id)...); err != nil {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

// Remove removes a stopped container.
func (c *CRI) Remove(ctx context.Context, id string) error {
	if _, err := run(ctx, c.runner, "crictl", c.args("rm", id)...); err != nil {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}
