package remediation

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/tinkerbelle-io/tb-harden/internal/outcome"
	"github.com/tinkerbelle-io/tb-harden/internal/persist"
)

// Session is the state of one run. It is passed to and returned from every
// scheduler step; nothing else accumulates run state.
type Session struct {
	ID         string                 `json:"id"`
	Node       string                 `json:"node"`
	DryRun     bool                   `json:"dry_run"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at,omitzero"`
	Results    []ActionResult         `json:"results"`
	Backups    []persist.BackupRecord `json:"backups,omitempty"`
	Brake      *BrakeReport           `json:"emergency_brake,omitempty"`
}

// NewSession starts a session.
func NewSession(node string, dryRun bool, now time.Time) Session {
	return Session{
		ID:        uuid.NewString(),
		Node:      node,
		DryRun:    dryRun,
		StartedAt: now.UTC(),
	}
}

// WithResult returns s with r appended.
func (s Session) WithResult(r ActionResult) Session {
	s.Results = append(slices.Clip(s.Results), r)
	return s
}

// WithBackup returns s with rec appended.
func (s Session) WithBackup(rec persist.BackupRecord) Session {
	s.Backups = append(slices.Clip(s.Backups), rec)
	return s
}

// Result returns the result for an action id.
func (s Session) Result(id string) (ActionResult, bool) {
	for _, r := range s.Results {
		if r.ActionID == id {
			return r, true
		}
	}
	return ActionResult{}, false
}

// Stats counts results by status.
func (s Session) Stats() Stats {
	st := Stats{Total: len(s.Results)}
	for _, r := range s.Results {
		switch r.Status {
		case outcome.StatusPass:
			st.Pass++
		case outcome.StatusFixed:
			st.Fixed++
		case outcome.StatusFail, outcome.StatusStale:
			st.Fail++
		case outcome.StatusManual:
			st.Manual++
		default:
			st.Error++
		}
	}
	return st
}

// Succeeded reports whether every action ended PASS, FIXED or MANUAL and
// the brake never tripped.
func (s Session) Succeeded() bool {
	st := s.Stats()
	return s.Brake == nil && st.Fail == 0 && st.Error == 0
}

func runStatus(s Session) string {
	switch {
	case s.Brake != nil:
		return "ABORTED"
	case s.Succeeded():
		return "OK"
	default:
		return "DEGRADED"
	}
}

func statsLine(st Stats) string {
	return fmt.Sprintf("total=%d pass=%d fixed=%d fail=%d manual=%d error=%d",
		st.Total, st.Pass, st.Fixed, st.Fail, st.Manual, st.Error)
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
