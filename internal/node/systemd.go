package node

import (
	"context"
	"fmt"
)

// Systemd queries and restarts units through systemctl.
type Systemd struct {
	runner Runner
}

// NewSystemd creates a systemctl client.
func NewSystemd(runner Runner) *Systemd {
	return &Systemd{runner: runner}
}

// IsActive reports whether unit is active.
func (s *Systemd) IsActive(ctx context.Context, unit string) (bool, error) {
	out, err := s.runner.Run(ctx, nil, "systemctl", "is-active", "--quiet", unit)
	if err != nil {
		return false, fmt.Errorf("query %s: %w", unit, err)
	}
	return out.ExitCode == 0, nil
}

// Restart restarts unit.
func (s *Systemd) Restart(ctx context.Context, unit string) error {
	if _, err := run(ctx, s.runner, "systemctl", "restart", unit); err != nil {
		return fmt.Errorf("restart %s: %w", unit, err)
	}
	return nil
}
