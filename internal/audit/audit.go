// Package audit keeps an append-only, hash-chained record of every change
// the remediation engine makes to a node.
package audit

import "time"

// EventType constants for audit log entries.
const (
	EventRunStart       = "RUN_START"
	EventBackup         = "BACKUP"
	EventWrite          = "WRITE"
	EventRollback       = "ROLLBACK"
	EventActionResult   = "ACTION_RESULT"
	EventEmergencyBrake = "EMERGENCY_BRAKE"
	EventRunEnd         = "RUN_END"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	EventType string    `json:"event_type"`
	Node      string    `json:"node,omitempty"`
	ActionID  string    `json:"action_id,omitempty"`
	Component string    `json:"component,omitempty"`
	Path      string    `json:"path,omitempty"`
	Backup    string    `json:"backup,omitempty"`
	Status    string    `json:"status,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	DryRun    bool      `json:"dry_run,omitempty"`
	EntryHash string    `json:"entry_hash"`
}
