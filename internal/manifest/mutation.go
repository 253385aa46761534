package manifest

import (
	"fmt"
	"strings"
)

// MergeStrategy controls how a mutation combines with an existing value.
type MergeStrategy string

const (
	Overwrite MergeStrategy = "overwrite"
	CSVUnion  MergeStrategy = "csv-union"
)

// csvFlags carry comma-separated value sets and merge by union.
var csvFlags = map[string]bool{
	"authorization-mode":        true,
	"enable-admission-plugins":  true,
	"disable-admission-plugins": true,
	"tls-cipher-suites":         true,
}

// StrategyFor returns the default merge strategy for a flag name.
func StrategyFor(name string) MergeStrategy {
	if csvFlags[normalizeName(name)] {
		return CSVUnion
	}
	return Overwrite
}

// FlagMutation sets one flag (or, for kubelet configuration documents, one
// dotted key path) to a target value.
type FlagMutation struct {
	Name     string        `yaml:"name" json:"name"`
	Value    string        `yaml:"value" json:"value"`
	Strategy MergeStrategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`
}

func (m FlagMutation) strategy() MergeStrategy {
	if m.Strategy == "" {
		return StrategyFor(m.Name)
	}
	return m.Strategy
}

func (m FlagMutation) String() string {
	return Argument{Name: normalizeName(m.Name), Value: m.Value, HasValue: m.Value != ""}.String()
}

// Validate rejects mutations that cannot be expressed.
func (m FlagMutation) Validate() error {
	if normalizeName(m.Name) == "" {
		return fmt.Errorf("mutation has no flag name")
	}
	switch m.strategy() {
	case Overwrite, CSVUnion:
	default:
		return fmt.Errorf("flag %s: unknown merge strategy %q", m.Name, m.Strategy)
	}
	if m.strategy() == CSVUnion && m.Value == "" {
		return fmt.Errorf("flag %s: csv-union needs a value", m.Name)
	}
	return nil
}

// Apply returns a copy of args with every mutation applied, and whether
// anything changed.
func Apply(args []Argument, muts []FlagMutation) ([]Argument, bool) {
	out := make([]Argument, len(args))
	copy(out, args)

	changed := false
	for _, m := range muts {
		var c bool
		out, c = applyOne(out, m)
		changed = changed || c
	}
	return out, changed
}

func applyOne(args []Argument, m FlagMutation) ([]Argument, bool) {
	name := normalizeName(m.Name)
	found := false
	changed := false

	for i, a := range args {
		if a.Name != name {
			continue
		}
		found = true

		next := a
		switch m.strategy() {
		case CSVUnion:
			next.Value = csvUnion(a.Value, m.Value)
			next.HasValue = true
		default:
			next.Value = m.Value
			next.HasValue = m.Value != ""
		}
		if next != a {
			args[i] = next
			changed = true
		}
	}

	if !found {
		args = append(args, Argument{Name: name, Value: m.Value, HasValue: m.Value != ""})
		changed = true
	}
	return args, changed
}

// Satisfied reports whether args already carry the mutation's target value.
// CSV flags are satisfied when every target entry is present.
func Satisfied(args []Argument, m FlagMutation) bool {
	a, ok := Lookup(args, m.Name)
	if !ok {
		return false
	}
	if m.strategy() == CSVUnion {
		have := make(map[string]bool)
		for _, v := range splitCSV(a.Value) {
			have[v] = true
		}
		for _, v := range splitCSV(m.Value) {
			if !have[v] {
				return false
			}
		}
		return true
	}
	if m.Value == "" {
		return !a.HasValue
	}
	return a.HasValue && a.Value == m.Value
}

// csvUnion appends each entry of add missing from existing, keeping the
// existing order.
func csvUnion(existing, add string) string {
	values := splitCSV(existing)
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		seen[v] = true
	}
	for _, v := range splitCSV(add) {
		if !seen[v] {
			values = append(values, v)
			seen[v] = true
		}
	}
	return strings.Join(values, ",")
}

func splitCSV(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
