package remediation

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tinkerbelle-io/tb-harden/internal/persist"
)

// EmergencyBrake is the run-wide abort switch. It trips once and stays
// tripped; it also caps the number of file mutations per run.
type EmergencyBrake struct {
	mu           sync.Mutex
	clock        clockwork.Clock
	engaged      bool
	trippedBy    string
	reason       string
	at           time.Time
	maxMutations int
	mutations    int
}

// NewEmergencyBrake creates a brake. maxMutations 0 means unlimited.
func NewEmergencyBrake(maxMutations int, clock clockwork.Clock) *EmergencyBrake {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &EmergencyBrake{clock: clock, maxMutations: maxMutations}
}

// Trip engages the brake. Only the first trip is kept; it reports whether
// this call engaged it.
func (b *EmergencyBrake) Trip(actionID, reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.engaged {
		return false
	}
	b.engaged = true
	b.trippedBy = actionID
	b.reason = reason
	b.at = b.clock.Now().UTC()
	return true
}

// Engaged reports whether the brake tripped.
func (b *EmergencyBrake) Engaged() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engaged
}

// Reason returns why the brake tripped.
func (b *EmergencyBrake) Reason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}

// Allow reports whether another mutation may be attempted.
func (b *EmergencyBrake) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.engaged {
		return false
	}
	return b.maxMutations <= 0 || b.mutations < b.maxMutations
}

// Record counts a mutation against the budget.
func (b *EmergencyBrake) Record() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mutations++
}

// BrakeReport is the recovery runbook emitted when the brake trips.
type BrakeReport struct {
	TrippedBy string                 `json:"tripped_by"`
	Reason    string                 `json:"reason"`
	At        time.Time              `json:"at"`
	Inspect   []string               `json:"inspect"`
	Restore   []string               `json:"restore,omitempty"`
	Backups   []persist.BackupRecord `json:"backups,omitempty"`
}

// Report builds the runbook, or nil when the brake never tripped.
func (b *EmergencyBrake) Report(component, unit string, backups []persist.BackupRecord) *BrakeReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.engaged {
		return nil
	}
	if unit == "" {
		unit = "kubelet"
	}
	r := &BrakeReport{
		TrippedBy: b.trippedBy,
		Reason:    b.reason,
		At:        b.at,
		Backups:   backups,
		Inspect: []string{
			fmt.Sprintf("systemctl status %s", unit),
			fmt.Sprintf("journalctl -u %s --since -30m", unit),
			"crictl ps -a",
		},
	}
	if component != "" && component != unit {
		r.Inspect = append(r.Inspect,
			fmt.Sprintf("crictl ps -a --name %s", component),
			fmt.Sprintf("crictl logs --tail 100 $(crictl ps -a -q --name %s | head -1)", component),
		)
	}
	for i := len(backups) - 1; i >= 0; i-- {
		r.Restore = append(r.Restore, fmt.Sprintf("cp -p %s %s", backups[i].BackupPath, backups[i].OriginalPath))
	}
	return r
}

func (b *EmergencyBrake) trippedByID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trippedBy
}
