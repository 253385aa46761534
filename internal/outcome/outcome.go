// Package outcome defines the terminal statuses and error kinds every
// remediation step reports.
package outcome

import "fmt"

// Status is the terminal verification outcome of an action.
type Status string

const (
	StatusPass   Status = "PASS"
	StatusFixed  Status = "FIXED"
	StatusFail   Status = "FAIL"
	StatusManual Status = "MANUAL"
	StatusError  Status = "ERROR"
	StatusStale  Status = "STALE"
)

// Success reports whether s ends a retry loop early.
func (s Status) Success() bool {
	return s == StatusPass || s == StatusFixed
}

// Kind classifies why an action did not succeed.
type Kind string

const (
	KindNone              Kind = ""
	KindIntegrityFailure  Kind = "IntegrityFailure"
	KindHealthGateTimeout Kind = "HealthGateTimeout"
	KindStaleRuntime      Kind = "StaleRuntime"
	KindRollbackFailed    Kind = "RollbackFailed"
	KindProbeTimeout      Kind = "ProbeTimeout"
	KindAborted           Kind = "Aborted"
)

// Result is the tagged result of a probe, verification or action.
type Result struct {
	Status  Status `json:"status"`
	Kind    Kind   `json:"kind,omitempty"`
	Reason  string `json:"reason,omitempty"`
	FixHint string `json:"fix_hint,omitempty"`
}

// Pass returns a PASS result.
func Pass(reason string) Result { return Result{Status: StatusPass, Reason: reason} }

// Fixed returns a FIXED result.
func Fixed(reason string) Result { return Result{Status: StatusFixed, Reason: reason} }

// Fail returns a FAIL result tagged with kind.
func Fail(kind Kind, format string, args ...any) Result {
	return Result{Status: StatusFail, Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Errorf returns an ERROR result tagged with kind.
func Errorf(kind Kind, format string, args ...any) Result {
	return Result{Status: StatusError, Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Manual returns a MANUAL result.
func Manual(reason string) Result { return Result{Status: StatusManual, Reason: reason} }

// Final folds STALE into FAIL for action-level reporting. A stale runtime is
// never upgraded to success.
func (r Result) Final() Result {
	if r.Status == StatusStale {
		r.Status = StatusFail
		if r.Kind == KindNone {
			r.Kind = KindStaleRuntime
		}
	}
	return r
}

func (r Result) String() string {
	if r.Kind != KindNone {
		return fmt.Sprintf("%s (%s): %s", r.Status, r.Kind, r.Reason)
	}
	if r.Reason == "" {
		return string(r.Status)
	}
	return fmt.Sprintf("%s: %s", r.Status, r.Reason)
}
