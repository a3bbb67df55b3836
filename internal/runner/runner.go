// Package runner provides task-runner backends: the boundary through
// which the scheduler hands a job's payload to the agent runtime.
package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chronohq/chrono/internal/jobs"
)

// LogRunner logs the payload and returns a synthetic summary. It is
// the development backend used when no agent runtime is configured.
type LogRunner struct {
	logger *slog.Logger
}

// NewLogRunner creates a LogRunner. If logger is nil, slog.Default()
// is used.
func NewLogRunner(logger *slog.Logger) *LogRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRunner{logger: logger}
}

func (r *LogRunner) Execute(ctx context.Context, job *jobs.Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch job.Payload.Kind {
	case jobs.PayloadSystemEvent:
		r.logger.Info("runner.LogRunner system event",
			"job_id", job.ID, "owner", job.OwnerID, "text", job.Payload.Text)
		return fmt.Sprintf("system event dispatched: %s", job.Payload.Text), nil
	case jobs.PayloadAgentTurn:
		r.logger.Info("runner.LogRunner agent turn",
			"job_id", job.ID, "owner", job.OwnerID, "message", job.Payload.Message)
		return fmt.Sprintf("agent turn dispatched: %s", job.Payload.Message), nil
	default:
		return "", fmt.Errorf("unknown payload kind %q", job.Payload.Kind)
	}
}
