package remediation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tinkerbelle-io/tb-harden/internal/outcome"
)

func TestReporterPostsSession(t *testing.T) {
	var got ReportRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSession("cp-1", false, t0).
		WithResult(ActionResult{ActionID: "1.2.1", Class: ClassA, Result: outcome.Fixed("verified")})

	if err := NewReporter(srv.URL, "secret").Report(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer secret" {
		t.Errorf("unexpected auth header %q", auth)
	}
	if got.Session.ID != s.ID || got.Stats.Fixed != 1 {
		t.Errorf("unexpected payload %+v", got)
	}
	if got.Session.Results[0].Status != outcome.StatusFixed {
		t.Errorf("status lost in transit: %+v", got.Session.Results[0])
	}
}

func TestReporterErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewSession("cp-1", false, t0).WithResult(ActionResult{ActionID: "x", Result: outcome.Pass("")})
	if err := NewReporter(srv.URL, "").Report(context.Background(), s); err == nil {
		t.Error("expected error on 403")
	}
}

func TestReporterSkipsEmptySession(t *testing.T) {
	if err := NewReporter("http://127.0.0.1:1", "").Report(context.Background(), NewSession("n", false, t0)); err != nil {
		t.Errorf("empty session should not be sent: %v", err)
	}
}
