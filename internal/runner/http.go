package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/chronohq/chrono/internal/jobs"
)

// HTTPRunner hands payloads to an agent runtime over HTTP: one POST per
// run, the response body's summary becomes the run summary. The request
// inherits the executor's deadline through ctx, so the client itself
// carries no timeout.
type HTTPRunner struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPRunner creates an HTTPRunner posting to url, with an optional
// bearer token.
func NewHTTPRunner(url, token string) *HTTPRunner {
	return &HTTPRunner{url: url, token: token, client: &http.Client{}}
}

// SetHTTPClient replaces the client, for tests.
func (r *HTTPRunner) SetHTTPClient(c *http.Client) {
	r.client = c
}

func (r *HTTPRunner) Execute(ctx context.Context, job *jobs.Job) (string, error) {
	reqBody, err := json.Marshal(map[string]any{
		"jobId":         job.ID,
		"ownerId":       job.OwnerID,
		"sessionTarget": job.SessionTarget,
		"payload":       job.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("runner: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("runner: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("runner: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("runner: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("runner: status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		// Plain-text runtimes are fine; the whole body is the summary.
		return string(respBody), nil
	}
	return parsed.Summary, nil
}
