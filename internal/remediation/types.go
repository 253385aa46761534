package remediation

import (
	"fmt"
	"time"

	"github.com/tinkerbelle-io/tb-harden/internal/health"
	"github.com/tinkerbelle-io/tb-harden/internal/manifest"
	"github.com/tinkerbelle-io/tb-harden/internal/outcome"
	"github.com/tinkerbelle-io/tb-harden/internal/persist"
	"github.com/tinkerbelle-io/tb-harden/internal/rollback"
)

// Class is the blast radius of an action.
type Class string

const (
	// ClassA actions touch a static control-plane manifest or the node agent
	// config and may restart a stateful component.
	ClassA Class = "A"
	// ClassB actions restart nothing shared.
	ClassB Class = "B"
)

// Permissions is a native file ownership/mode fix.
type Permissions struct {
	Path  string `yaml:"path" json:"path"`
	Mode  string `yaml:"mode,omitempty" json:"mode,omitempty"`
	Owner string `yaml:"owner,omitempty" json:"owner,omitempty"`
	Group string `yaml:"group,omitempty" json:"group,omitempty"`
}

// Action is one remediation, immutable once handed to the engine.
type Action struct {
	ID           string
	Title        string
	Component    string
	Binary       string
	ManifestPath string
	Mutations    []manifest.FlagMutation
	Class        Class

	// Health is the default gate target; the manifest's liveness probe
	// overrides port, path and scheme when present.
	Health health.Target
	// Unit is restarted after a node agent config write.
	Unit string

	Probe           string
	RemediateScript string
	Permissions     *Permissions
}

// EffectiveClass returns Class, deriving it from ManifestPath when unset.
func (a Action) EffectiveClass() Class {
	if a.Class != "" {
		return a.Class
	}
	if a.ManifestPath != "" {
		return ClassA
	}
	return ClassB
}

// Validate rejects actions the engine cannot execute safely.
func (a Action) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("action has no id")
	}
	if a.EffectiveClass() == ClassA {
		if a.ManifestPath == "" {
			return fmt.Errorf("action %s: class A requires a manifest path", a.ID)
		}
		if len(a.Mutations) == 0 {
			return fmt.Errorf("action %s: class A requires at least one flag mutation", a.ID)
		}
	}
	for _, m := range a.Mutations {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("action %s: %w", a.ID, err)
		}
	}
	return nil
}

// ActionResult records the terminal outcome of one action.
type ActionResult struct {
	ActionID  string `json:"action_id"`
	Title     string `json:"title,omitempty"`
	Component string `json:"component,omitempty"`
	Class     Class  `json:"class"`
	outcome.Result

	Backup   *persist.BackupRecord `json:"backup,omitempty"`
	Gate     *health.Result        `json:"gate,omitempty"`
	Rollback *rollback.Result      `json:"rollback,omitempty"`
	DryRun   bool                  `json:"dry_run,omitempty"`
	Duration time.Duration         `json:"duration"`
}

func newResult(a Action, res outcome.Result) ActionResult {
	return ActionResult{
		ActionID:  a.ID,
		Title:     a.Title,
		Component: a.Component,
		Class:     a.EffectiveClass(),
		Result:    res,
	}
}

// Stats summarizes a session.
type Stats struct {
	Total  int `json:"total"`
	Pass   int `json:"pass"`
	Fixed  int `json:"fixed"`
	Fail   int `json:"fail"`
	Manual int `json:"manual"`
	Error  int `json:"error"`
}
