// Package jobs is the scheduling engine: durable job records, a
// size-bounded run history, an executor with per-job mutual exclusion
// and backoff, and the timer-loop service that drives it all.
package jobs

import (
	"fmt"

	"github.com/chronohq/chrono/internal/schedule"
)

// RunStatus is the outcome of one execution.
type RunStatus string

const (
	StatusOK      RunStatus = "ok"
	StatusError   RunStatus = "error"
	StatusSkipped RunStatus = "skipped"
)

// DeliveryMode selects how a job's result is delivered.
type DeliveryMode string

const (
	DeliveryNone     DeliveryMode = "none"
	DeliveryAnnounce DeliveryMode = "announce"
	DeliveryWebhook  DeliveryMode = "webhook"
)

// DeliveryStatus records the outcome of result delivery, kept separate
// from the execution outcome.
type DeliveryStatus string

const (
	DeliveryNotRequested DeliveryStatus = "not-requested"
	DeliveryOK           DeliveryStatus = "ok"
	DeliveryError        DeliveryStatus = "error"
	DeliveryNotDelivered DeliveryStatus = "not-delivered" // best-effort failure
)

// DeliveryConfig configures result delivery for a job.
type DeliveryConfig struct {
	Mode         DeliveryMode `json:"mode"`
	WebhookURL   string       `json:"webhookUrl,omitempty"`
	WebhookToken string       `json:"webhookToken,omitempty"`
	BestEffort   bool         `json:"bestEffort,omitempty"`
}

// PayloadKind discriminates what the task runner is asked to do.
type PayloadKind string

const (
	PayloadSystemEvent PayloadKind = "systemEvent"
	PayloadAgentTurn   PayloadKind = "agentTurn"
)

// SessionTarget names the runtime session a payload runs against.
type SessionTarget string

const (
	TargetMain     SessionTarget = "main"
	TargetIsolated SessionTarget = "isolated"
)

// Payload is passed through to the task runner unchanged; the scheduler
// only inspects Kind (for session-target compatibility) and
// TimeoutSeconds (for the execution deadline).
type Payload struct {
	Kind           PayloadKind `json:"kind"`
	Text           string      `json:"text,omitempty"`    // systemEvent
	Message        string      `json:"message,omitempty"` // agentTurn
	Model          string      `json:"model,omitempty"`
	TimeoutSeconds int         `json:"timeoutSeconds,omitempty"`
}

// State is the mutable runtime state of a job, owned exclusively by the
// scheduler. Callers never set these fields.
type State struct {
	NextRunAtMs        *int64         `json:"nextRunAtMs,omitempty"`
	RunningAtMs        *int64         `json:"runningAtMs,omitempty"`
	LastRunAtMs        *int64         `json:"lastRunAtMs,omitempty"`
	LastRunStatus      RunStatus      `json:"lastRunStatus,omitempty"`
	LastError          string         `json:"lastError,omitempty"`
	LastDurationMs     *int64         `json:"lastDurationMs,omitempty"`
	ConsecutiveErrors  int            `json:"consecutiveErrors,omitempty"`
	ScheduleErrorCount int            `json:"scheduleErrorCount,omitempty"`
	LastDeliveryStatus DeliveryStatus `json:"lastDeliveryStatus,omitempty"`
	LastDeliveryError  string         `json:"lastDeliveryError,omitempty"`
	LastDeliveredAtMs  *int64         `json:"lastDeliveredAtMs,omitempty"`
}

// Job is the persistent unit of scheduling.
type Job struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"ownerId"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Enabled        bool              `json:"enabled"`
	DeleteAfterRun bool              `json:"deleteAfterRun,omitempty"`
	Schedule       schedule.Schedule `json:"schedule"`
	SessionTarget  SessionTarget     `json:"sessionTarget"`
	Payload        Payload           `json:"payload"`
	Delivery       *DeliveryConfig   `json:"delivery,omitempty"`

	// MaxConcurrentRuns is always 1: per-job exclusivity is a hard
	// invariant, not a policy knob. Persisted for forward compatibility.
	MaxConcurrentRuns int `json:"maxConcurrentRuns"`

	State State `json:"state"`

	CreatedAtMs int64 `json:"createdAtMs,omitempty"`
	UpdatedAtMs int64 `json:"updatedAtMs,omitempty"`
}

// Validate checks caller-settable fields. State is not validated; the
// scheduler owns it.
func (j *Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job: name is required")
	}
	if j.OwnerID == "" {
		return fmt.Errorf("job: ownerId is required")
	}
	if err := j.Schedule.Validate(); err != nil {
		return fmt.Errorf("job %q: %w", j.Name, err)
	}
	if err := validatePayload(j.Payload, j.SessionTarget); err != nil {
		return fmt.Errorf("job %q: %w", j.Name, err)
	}
	if j.Delivery != nil {
		if err := j.Delivery.Validate(); err != nil {
			return fmt.Errorf("job %q: %w", j.Name, err)
		}
	}
	return nil
}

// validatePayload enforces payload/session-target compatibility. The
// payload content itself stays opaque.
func validatePayload(p Payload, target SessionTarget) error {
	switch p.Kind {
	case PayloadSystemEvent:
		if target != TargetMain {
			return fmt.Errorf("payload kind %q requires sessionTarget %q, got %q", p.Kind, TargetMain, target)
		}
	case PayloadAgentTurn:
		if target != TargetIsolated {
			return fmt.Errorf("payload kind %q requires sessionTarget %q, got %q", p.Kind, TargetIsolated, target)
		}
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	if p.TimeoutSeconds < 0 {
		return fmt.Errorf("payload: timeoutSeconds must not be negative")
	}
	return nil
}

// Validate checks the delivery configuration.
func (d *DeliveryConfig) Validate() error {
	switch d.Mode {
	case DeliveryNone, DeliveryAnnounce:
		return nil
	case DeliveryWebhook:
		if d.WebhookURL == "" {
			return fmt.Errorf("delivery: webhook mode requires webhookUrl")
		}
		return nil
	default:
		return fmt.Errorf("delivery: unknown mode %q", d.Mode)
	}
}

// Clone returns a deep copy so store snapshots cannot be mutated by
// callers.
func (j *Job) Clone() *Job {
	c := *j
	c.State = *cloneState(&j.State)
	if j.Delivery != nil {
		d := *j.Delivery
		c.Delivery = &d
	}
	return &c
}

func cloneState(s *State) *State {
	c := *s
	c.NextRunAtMs = cloneInt64(s.NextRunAtMs)
	c.RunningAtMs = cloneInt64(s.RunningAtMs)
	c.LastRunAtMs = cloneInt64(s.LastRunAtMs)
	c.LastDurationMs = cloneInt64(s.LastDurationMs)
	c.LastDeliveredAtMs = cloneInt64(s.LastDeliveredAtMs)
	return &c
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// RunEntry is an immutable record of one completed (or skipped)
// execution. Entries are appended to the per-job run log and never
// mutated afterwards.
type RunEntry struct {
	TsMs           int64          `json:"tsMs"`
	JobID          string         `json:"jobId"`
	Status         RunStatus      `json:"status"`
	Error          string         `json:"error,omitempty"`
	Summary        string         `json:"summary,omitempty"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus,omitempty"`
	DeliveryError  string         `json:"deliveryError,omitempty"`
	DurationMs     int64          `json:"durationMs"`
	NextRunAtMs    *int64         `json:"nextRunAtMs,omitempty"`
}
