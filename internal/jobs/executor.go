package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRunTimeout bounds a single execution when the payload carries
// no timeoutSeconds of its own.
const DefaultRunTimeout = 120 * time.Second

// Runner executes a job's payload and returns a result summary. It is
// the boundary to the agent runtime: implementations must honor ctx
// cancellation and must not panic past their own recovery.
type Runner interface {
	Execute(ctx context.Context, job *Job) (summary string, err error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job *Job) (string, error)

func (f RunnerFunc) Execute(ctx context.Context, job *Job) (string, error) {
	return f(ctx, job)
}

// DeliveryResult is the outcome of dispatching a job's result. Err is
// informational when Status has already been degraded to not-delivered
// by a best-effort configuration.
type DeliveryResult struct {
	Status DeliveryStatus
	Err    error
}

// Deliverer dispatches a job's result via the configured channel.
type Deliverer interface {
	Deliver(ctx context.Context, job *Job, summary string, entry *RunEntry) DeliveryResult
}

// EventFunc observes run lifecycle events ("run.started",
// "run.finished"). Called fire-and-forget; must not block.
type EventFunc func(event string, job *Job)

// Executor runs one job at a time per job id: it enforces non-overlap
// through the runningAtMs marker, applies the execution timeout,
// records the outcome, computes backoff, updates the next fire time,
// and triggers delivery and the history append.
type Executor struct {
	store     *Store
	runlog    *RunLog
	runner    Runner
	deliverer Deliverer
	logger    *slog.Logger

	defaultTimeout time.Duration
	onEvent        EventFunc
	now            func() time.Time
}

// NewExecutor creates an Executor. deliverer may be nil when no
// delivery channels are configured.
func NewExecutor(store *Store, runlog *RunLog, runner Runner, deliverer Deliverer, logger *slog.Logger) *Executor {
	return &Executor{
		store:          store,
		runlog:         runlog,
		runner:         runner,
		deliverer:      deliverer,
		logger:         logger,
		defaultTimeout: DefaultRunTimeout,
		now:            time.Now,
	}
}

// SetDefaultTimeout overrides the fallback execution timeout.
func (e *Executor) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		e.defaultTimeout = d
	}
}

// SetEventFunc installs a lifecycle observer.
func (e *Executor) SetEventFunc(fn EventFunc) {
	e.onEvent = fn
}

func (e *Executor) emit(event string, job *Job) {
	if e.onEvent != nil {
		e.onEvent(event, job)
	}
}

// Execute runs the job with the given id through a full lifecycle and
// returns the resulting run entry. A job already in flight is skipped
// immediately, never queued. Execution never propagates a task-runner
// error to the caller; failures land in job state and the run entry.
func (e *Executor) Execute(ctx context.Context, id string) (*RunEntry, error) {
	startedAt := e.now()
	startMs := startedAt.UnixMilli()

	job, started, err := e.store.markRunning(id, startMs)
	if err != nil {
		return nil, err
	}
	if !started {
		// Concurrency guard: another execution holds the marker.
		entry := &RunEntry{
			TsMs:   startMs,
			JobID:  id,
			Status: StatusSkipped,
			Error:  "previous run still in flight",
		}
		if err := e.runlog.Append(entry); err != nil {
			e.logger.Warn("failed to append skipped run entry", "job_id", id, "error", err)
		}
		e.logger.Info("skipping job, already running", "job_id", id, "name", job.Name)
		return entry, nil
	}

	if err := e.store.Save(); err != nil {
		e.logger.Error("failed to persist running marker", "job_id", id, "error", err)
	}
	e.emit("run.started", job)
	e.logger.Info("job started", "job_id", id, "name", job.Name, "kind", job.Schedule.Kind)

	summary, runErr := e.run(ctx, job)
	durationMs := e.now().Sub(startedAt).Milliseconds()

	return e.finish(ctx, id, startMs, durationMs, summary, runErr)
}

// run invokes the task runner under the per-job timeout, converting
// deadline expiry and panics into ordinary errors.
func (e *Executor) run(ctx context.Context, job *Job) (summary string, err error) {
	timeout := e.defaultTimeout
	if job.Payload.TimeoutSeconds > 0 {
		timeout = time.Duration(job.Payload.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task runner panic: %v", r)
		}
	}()

	summary, err = e.runner.Execute(runCtx, job)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		// Timeout is just another terminal outcome.
		err = fmt.Errorf("timed out after %s", timeout)
	}
	return summary, err
}

// finish applies the run outcome to job state, handles delivery and
// one-shot auto-delete, recomputes the next fire time with backoff, and
// persists everything. It re-reads the job so CRUD mutations made while
// the run was in flight are not lost.
func (e *Executor) finish(ctx context.Context, id string, startMs, durationMs int64, summary string, runErr error) (*RunEntry, error) {
	now := e.now()
	nowMs := now.UnixMilli()

	entry := &RunEntry{
		TsMs:       nowMs,
		JobID:      id,
		Status:     StatusOK,
		Summary:    summary,
		DurationMs: durationMs,
	}
	if runErr != nil {
		entry.Status = StatusError
		entry.Error = runErr.Error()
	}

	job, err := e.store.Get(id)
	if err != nil {
		// Removed mid-run; nothing left to update, but the history
		// entry is still worth keeping.
		if appendErr := e.runlog.Append(entry); appendErr != nil {
			e.logger.Warn("failed to append run entry", "job_id", id, "error", appendErr)
		}
		return entry, nil
	}

	job.State.RunningAtMs = nil
	job.State.LastRunAtMs = &startMs
	job.State.LastRunStatus = entry.Status
	job.State.LastError = entry.Error
	job.State.LastDurationMs = &durationMs

	if runErr == nil {
		job.State.ConsecutiveErrors = 0
	} else {
		job.State.ConsecutiveErrors++
	}

	e.deliver(ctx, job, summary, entry, runErr)

	// A successful one-shot marked deleteAfterRun is removed instead of
	// recomputed.
	if runErr == nil && job.Schedule.IsOneShot() && job.DeleteAfterRun {
		if err := e.store.Remove(id); err != nil {
			e.logger.Error("failed to remove one-shot job", "job_id", id, "error", err)
		}
		if err := e.store.Save(); err != nil {
			e.logger.Error("failed to persist store", "job_id", id, "error", err)
		}
		if err := e.runlog.Append(entry); err != nil {
			e.logger.Warn("failed to append run entry", "job_id", id, "error", err)
		}
		e.emit("run.finished", job)
		e.logger.Info("one-shot job completed and removed", "job_id", id, "name", job.Name)
		return entry, nil
	}

	if job.Enabled {
		applyNextRun(job, now, e.logger)
	} else {
		// A manual run on a disabled job must not put it back on the
		// schedule.
		job.State.NextRunAtMs = nil
	}

	if runErr != nil {
		// Backoff only pushes the next run later, never earlier than
		// the schedule would naturally allow.
		floor := nowMs + Backoff(job.State.ConsecutiveErrors).Milliseconds()
		if job.State.NextRunAtMs == nil || *job.State.NextRunAtMs < floor {
			if job.Enabled {
				job.State.NextRunAtMs = &floor
			}
		}
	}

	entry.NextRunAtMs = cloneInt64(job.State.NextRunAtMs)
	job.UpdatedAtMs = nowMs

	if err := e.store.Update(job); err != nil {
		e.logger.Error("failed to update job state", "job_id", id, "error", err)
	}
	if err := e.store.Save(); err != nil {
		e.logger.Error("failed to persist store", "job_id", id, "error", err)
	}
	if err := e.runlog.Append(entry); err != nil {
		e.logger.Warn("failed to append run entry", "job_id", id, "error", err)
	}
	e.emit("run.finished", job)

	if runErr != nil {
		e.logger.Warn("job failed", "job_id", id, "name", job.Name,
			"consecutive_errors", job.State.ConsecutiveErrors,
			"duration_ms", durationMs, "error", runErr.Error())
	} else {
		e.logger.Info("job finished", "job_id", id, "name", job.Name,
			"duration_ms", durationMs)
	}
	return entry, nil
}

// deliver dispatches the result when the run succeeded with a summary
// and delivery is configured. Delivery failures never retroactively
// flip a successful execution; they are recorded on both the job state
// and the run entry.
func (e *Executor) deliver(ctx context.Context, job *Job, summary string, entry *RunEntry, runErr error) {
	if runErr != nil || summary == "" {
		return
	}
	if job.Delivery == nil || job.Delivery.Mode == "" || job.Delivery.Mode == DeliveryNone {
		entry.DeliveryStatus = DeliveryNotRequested
		job.State.LastDeliveryStatus = DeliveryNotRequested
		return
	}
	if e.deliverer == nil {
		entry.DeliveryStatus = DeliveryError
		entry.DeliveryError = "no delivery handler configured"
		job.State.LastDeliveryStatus = DeliveryError
		job.State.LastDeliveryError = entry.DeliveryError
		return
	}

	res := e.deliverer.Deliver(ctx, job, summary, entry)
	entry.DeliveryStatus = res.Status
	job.State.LastDeliveryStatus = res.Status
	if res.Err != nil {
		entry.DeliveryError = res.Err.Error()
		job.State.LastDeliveryError = res.Err.Error()
		e.logger.Warn("delivery failed", "job_id", job.ID, "mode", job.Delivery.Mode,
			"status", res.Status, "error", res.Err)
	} else {
		job.State.LastDeliveryError = ""
	}
	if res.Status == DeliveryOK {
		ts := e.now().UnixMilli()
		job.State.LastDeliveredAtMs = &ts
	}
}
