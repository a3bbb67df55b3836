// Package delivery dispatches job results via the configured channel:
// none, announce (all registered notification channels), or webhook.
// Delivery failures are isolated from execution success.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chronohq/chrono/internal/jobs"
	"github.com/chronohq/chrono/internal/notify"
)

// Handler implements jobs.Deliverer.
type Handler struct {
	senders []notify.Sender
	client  *http.Client
	logger  *slog.Logger
}

// NewHandler creates a Handler. senders are the announce channels; an
// empty list makes announce-mode delivery fail as misconfigured.
func NewHandler(senders []notify.Sender, logger *slog.Logger) *Handler {
	return &Handler{
		senders: senders,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// SetHTTPClient replaces the webhook client; tests use it to trust a
// local TLS server without touching globals.
func (h *Handler) SetHTTPClient(c *http.Client) {
	h.client = c
}

// Deliver dispatches per the job's delivery mode. bestEffort degrades
// failures to a not-delivered status instead of an error status; Err
// stays populated either way so the failure reason is recorded.
func (h *Handler) Deliver(ctx context.Context, job *jobs.Job, summary string, entry *jobs.RunEntry) jobs.DeliveryResult {
	cfg := job.Delivery
	if cfg == nil || cfg.Mode == "" || cfg.Mode == jobs.DeliveryNone {
		return jobs.DeliveryResult{Status: jobs.DeliveryNotRequested}
	}

	var err error
	switch cfg.Mode {
	case jobs.DeliveryAnnounce:
		err = h.announce(ctx, job, summary)
	case jobs.DeliveryWebhook:
		err = h.webhook(ctx, job, summary, entry)
	default:
		err = fmt.Errorf("unknown delivery mode %q", cfg.Mode)
	}

	if err == nil {
		return jobs.DeliveryResult{Status: jobs.DeliveryOK}
	}
	if cfg.BestEffort {
		return jobs.DeliveryResult{Status: jobs.DeliveryNotDelivered, Err: err}
	}
	return jobs.DeliveryResult{Status: jobs.DeliveryError, Err: err}
}

// announce broadcasts the summary through every registered channel.
// Success if any channel accepts; failure only when all do.
func (h *Handler) announce(ctx context.Context, job *jobs.Job, summary string) error {
	if len(h.senders) == 0 {
		return errors.New("announce: no notification channels registered")
	}

	message := fmt.Sprintf("[%s] %s", job.Name, summary)
	meta := map[string]any{
		"jobId":   job.ID,
		"jobName": job.Name,
		"event":   "cron.finished",
	}

	accepted := 0
	var errs []error
	for _, sender := range h.senders {
		if err := sender.Send(ctx, job.OwnerID, message, meta); err != nil {
			h.logger.Warn("announce channel failed",
				"channel", sender.Name(), "job_id", job.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", sender.Name(), err))
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return fmt.Errorf("announce: all channels failed: %w", errors.Join(errs...))
	}
	return nil
}
