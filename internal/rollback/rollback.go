// Package rollback restores a backup after a failed mutation and decides
// whether the cluster recovered.
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tinkerbelle-io/tb-harden/internal/health"
	"github.com/tinkerbelle-io/tb-harden/internal/persist"
	"github.com/tinkerbelle-io/tb-harden/internal/retry"
)

// Outcome is the terminal state of a rollback.
type Outcome string

const (
	RolledBackHealthy           Outcome = "RolledBackHealthy"
	RolledBackButStillUnhealthy Outcome = "RolledBackButStillUnhealthy"
	RollbackFailed              Outcome = "RollbackFailed"
)

// Store is the persistence side of a rollback.
type Store interface {
	Preserve(path string) (string, error)
	Restore(rec persist.BackupRecord) error
}

// Gate re-checks health after the restore.
type Gate interface {
	Check(ctx context.Context, t health.Target) health.Result
}

// Restarter restarts a unit whose config was restored.
type Restarter interface {
	Restart(ctx context.Context, unit string) error
}

// Request names what to restore and how to judge it.
type Request struct {
	Record persist.BackupRecord
	Target health.Target
	// RestartUnit is restarted after the restore when set; static pods are
	// reloaded by the node agent on their own.
	RestartUnit string
}

// Result is what a rollback did.
type Result struct {
	Outcome  Outcome       `json:"outcome"`
	Forensic string        `json:"forensic,omitempty"`
	Gate     health.Result `json:"gate"`
	Detail   string        `json:"detail,omitempty"`
}

// Coordinator runs rollbacks.
type Coordinator struct {
	store    Store
	gate     Gate
	services Restarter
	delay    time.Duration
	clock    clockwork.Clock
	log      *slog.Logger
}

// NewCoordinator creates a coordinator. delay is waited between the restore
// and the health gate.
func NewCoordinator(store Store, gate Gate, services Restarter, delay time.Duration, clock clockwork.Clock) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		store:    store,
		gate:     gate,
		services: services,
		delay:    delay,
		clock:    clock,
		log:      slog.Default().With("component", "rollback"),
	}
}

// Rollback keeps a forensic copy of the current file, restores the backup,
// waits, and runs the health gate. RollbackFailed means the backup could not
// be put back; nothing further should be automated.
func (c *Coordinator) Rollback(ctx context.Context, req Request) Result {
	path := req.Record.OriginalPath
	log := c.log.With("path", path, "backup", req.Record.BackupPath)
	log.Warn("rolling back")

	var res Result
	forensic, err := c.store.Preserve(path)
	if err != nil {
		log.Warn("forensic copy failed", "error", err)
	} else {
		res.Forensic = forensic
	}

	// The restore runs even when ctx is cancelled; a half-applied mutation
	// must not outlive an emergency stop.
	if err := c.store.Restore(req.Record); err != nil {
		log.Error("restore failed", "error", err)
		res.Outcome = RollbackFailed
		res.Detail = err.Error()
		return res
	}

	if req.RestartUnit != "" && c.services != nil {
		if err := c.services.Restart(context.WithoutCancel(ctx), req.RestartUnit); err != nil {
			log.Warn("restart after restore failed", "unit", req.RestartUnit, "error", err)
		}
	}

	if err := retry.Sleep(ctx, c.clock, c.delay); err != nil {
		res.Outcome = RolledBackButStillUnhealthy
		res.Detail = fmt.Sprintf("restored, health not rechecked: %v", err)
		return res
	}

	res.Gate = c.gate.Check(ctx, req.Target)
	if res.Gate.Healthy {
		res.Outcome = RolledBackHealthy
		res.Detail = "restored and healthy"
		log.Info("rollback healthy")
		return res
	}
	res.Outcome = RolledBackButStillUnhealthy
	res.Detail = "restored but unhealthy: " + res.Gate.Detail
	log.Error("rollback left component unhealthy", "detail", res.Gate.Detail)
	return res
}
