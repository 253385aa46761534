package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ReportRequest is the payload POSTed to the report endpoint.
type ReportRequest struct {
	Session Session `json:"session"`
	Stats   Stats   `json:"stats"`
}

// Reporter uploads finished sessions to a collector.
type Reporter struct {
	url        string
	token      string
	httpClient *http.Client
	log        *slog.Logger
}

// NewReporter creates a new session reporter.
func NewReporter(url, token string) *Reporter {
	return &Reporter{
		url:   url,
		token: token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: slog.Default().With("component", "remediation-reporter"),
	}
}

// Report uploads the session summary.
func (r *Reporter) Report(ctx context.Context, s Session) error {
	if len(s.Results) == 0 {
		return nil
	}

	body, err := json.Marshal(ReportRequest{Session: s, Stats: s.Stats()})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("report failed (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	r.log.Info("session reported", "session", s.ID, "results", len(s.Results))
	return nil
}
