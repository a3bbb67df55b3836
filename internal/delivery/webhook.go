package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/chronohq/chrono/internal/jobs"
)

// webhookEnvelope is the JSON body POSTed to the configured URL.
type webhookEnvelope struct {
	Event    string         `json:"event"`
	JobID    string         `json:"jobId"`
	JobName  string         `json:"jobName"`
	Status   jobs.RunStatus `json:"status"`
	Summary  string         `json:"summary"`
	RunEntry *jobs.RunEntry `json:"runEntry"`
}

// webhook POSTs the result envelope. Plain-HTTP URLs are rejected as a
// configuration error (minimal SSRF mitigation); non-2xx responses are
// delivery failures.
func (h *Handler) webhook(ctx context.Context, job *jobs.Job, summary string, entry *jobs.RunEntry) error {
	cfg := job.Delivery

	u, err := url.Parse(cfg.WebhookURL)
	if err != nil {
		return fmt.Errorf("webhook: invalid url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("webhook: url must use https, got %q", u.Scheme)
	}

	body, err := json.Marshal(webhookEnvelope{
		Event:    "cron.finished",
		JobID:    job.ID,
		JobName:  job.Name,
		Status:   entry.Status,
		Summary:  summary,
		RunEntry: entry,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.WebhookToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.WebhookToken)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
