package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", "json")
	log.Info("dropped")
	log.Warn("kept", "component", "health-gate")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "kept" || rec["component"] != "health-gate" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "debug", "").Debug("probe", "rule", "1.2.1")
	if !strings.Contains(buf.String(), "rule=1.2.1") {
		t.Errorf("unexpected text output %q", buf.String())
	}
}
