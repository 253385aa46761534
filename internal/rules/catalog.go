package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinkerbelle-io/tb-harden/internal/manifest"
	"github.com/tinkerbelle-io/tb-harden/internal/remediation"
)

// Rule is one catalog entry.
type Rule struct {
	ID          string                   `yaml:"id"`
	Title       string                   `yaml:"title"`
	Probe       string                   `yaml:"probe,omitempty"`
	Remediate   string                   `yaml:"remediate,omitempty"`
	Class       remediation.Class        `yaml:"class,omitempty"`
	Manifest    string                   `yaml:"manifest,omitempty"`
	Flags       []manifest.FlagMutation  `yaml:"flags,omitempty"`
	Permissions *remediation.Permissions `yaml:"permissions,omitempty"`
	Disabled    bool                     `yaml:"disabled,omitempty"`
}

// Catalog is the parsed rule file.
type Catalog struct {
	Version  int    `yaml:"version"`
	ProbeDir string `yaml:"probe_dir,omitempty"`
	Rules    []Rule `yaml:"rules"`
}

// Load reads a catalog. A relative probe_dir resolves against the
// catalog's own directory; probeDir, when set, overrides it.
func Load(path, probeDir string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	switch {
	case probeDir != "":
		c.ProbeDir = probeDir
	case c.ProbeDir == "":
		c.ProbeDir = filepath.Join(filepath.Dir(path), "probes")
	case !filepath.IsAbs(c.ProbeDir):
		c.ProbeDir = filepath.Join(filepath.Dir(path), c.ProbeDir)
	}
	c.ProbeDir = filepath.Clean(c.ProbeDir)
	return c, nil
}

// Parse decodes and validates catalog bytes.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if c.Version > 1 {
		return nil, fmt.Errorf("unsupported catalog version %d", c.Version)
	}
	seen := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d has no id", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule %s", r.ID)
		}
		seen[r.ID] = true
		if _, err := r.Action(""); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// Select returns the enabled rules whose id matches one of ids, in catalog
// order. An id ending in "." selects a whole section. No ids selects
// everything enabled.
func (c *Catalog) Select(ids []string) ([]Rule, error) {
	var out []Rule
	matched := make(map[string]bool, len(ids))
	for _, r := range c.Rules {
		if r.Disabled {
			continue
		}
		if len(ids) == 0 {
			out = append(out, r)
			continue
		}
		for _, id := range ids {
			if r.ID == id || strings.HasSuffix(id, ".") && strings.HasPrefix(r.ID, id) {
				matched[id] = true
				out = append(out, r)
				break
			}
		}
	}
	for _, id := range ids {
		if !matched[id] {
			return nil, fmt.Errorf("rule %s is not in the catalog", id)
		}
	}
	return out, nil
}

// Actions builds engine actions for the selected rules.
func (c *Catalog) Actions(ids []string) ([]remediation.Action, error) {
	rules, err := c.Select(ids)
	if err != nil {
		return nil, err
	}
	actions := make([]remediation.Action, 0, len(rules))
	for _, r := range rules {
		a, err := r.Action(c.ProbeDir)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// Action converts the rule. Class defaults to A when the rule carries flag
// mutations for a known component and B otherwise.
func (r Rule) Action(probeDir string) (remediation.Action, error) {
	a := remediation.Action{
		ID:              r.ID,
		Title:           r.Title,
		Mutations:       slices.Clone(r.Flags),
		Class:           r.Class,
		Probe:           resolve(probeDir, r.Probe),
		RemediateScript: resolve(probeDir, r.Remediate),
		Permissions:     r.Permissions,
	}

	id, known := Identify(r.ID)
	if known {
		a.Component = id.Component
		a.Binary = id.Binary
		a.Unit = id.Unit
		a.Health = id.Health
		a.Health.Component = id.Component
	}

	if len(r.Flags) > 0 {
		a.ManifestPath = r.Manifest
		if a.ManifestPath == "" && known {
			a.ManifestPath = id.ManifestPath
		}
		if a.ManifestPath == "" {
			return a, fmt.Errorf("rule %s: flags given but no manifest is known for this rule", r.ID)
		}
		if a.Class == "" {
			a.Class = remediation.ClassA
		}
		if a.Class != remediation.ClassA {
			return a, fmt.Errorf("rule %s: flag mutations require class A", r.ID)
		}
	} else if a.Class == "" {
		a.Class = remediation.ClassB
	}

	switch a.Class {
	case remediation.ClassA, remediation.ClassB:
	default:
		return a, fmt.Errorf("rule %s: unknown class %q", r.ID, a.Class)
	}
	if err := a.Validate(); err != nil {
		return a, err
	}
	return a, nil
}

func resolve(dir, script string) string {
	if script == "" || filepath.IsAbs(script) || dir == "" {
		return script
	}
	return filepath.Join(dir, script)
}
