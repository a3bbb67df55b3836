package jobs

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/chronohq/chrono/internal/schedule"
)

const (
	// minCronRefireGap keeps a cron job from spin-looping when the cron
	// library and the timer disagree at sub-second granularity.
	minCronRefireGap = 2 * time.Second

	// maxStaggerAttempts bounds the cursor-advance retries when the
	// staggered candidate lands in the past.
	maxStaggerAttempts = 4
)

// nextRunForJob computes the job's next fire time in unix milliseconds.
// Zero means never again. It refines the raw calculator with the
// job-level rules: the interval fast path, one-shot suppression after
// success, and deterministic cron stagger with a minimum re-fire gap.
func nextRunForJob(job *Job, now time.Time) (int64, error) {
	s := job.Schedule
	switch s.Kind {
	case schedule.KindAt:
		// One-shot semantics: never recompute after a successful run.
		if job.State.LastRunStatus == StatusOK && job.State.LastRunAtMs != nil {
			return 0, nil
		}
		return schedule.NextRun(s, now)

	case schedule.KindEvery:
		// Fast path: if the job ran within the last interval, the next
		// fire is exactly one interval after the last run. Using "now"
		// as the anchor after every run would drift.
		if job.State.LastRunAtMs != nil && s.IntervalMs > 0 {
			last := *job.State.LastRunAtMs
			if now.UnixMilli()-last < s.IntervalMs {
				return last + s.IntervalMs, nil
			}
		}
		return schedule.NextRun(s, now)

	case schedule.KindCron:
		return nextCronRunForJob(job, now)

	default:
		return 0, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// nextCronRunForJob applies the per-job stagger offset: shift the
// search cursor back by the offset, compute the base fire time, then
// add the offset back. If the result is not in the future the cursor
// advances and the search retries. The result is clamped to at least
// now + minCronRefireGap.
func nextCronRunForJob(job *Job, now time.Time) (int64, error) {
	s := job.Schedule
	offset := time.Duration(schedule.Stagger(job.ID, s.StaggerMs)) * time.Millisecond

	cursor := now
	for attempt := 0; attempt < maxStaggerAttempts; attempt++ {
		base, err := schedule.NextCron(s.Expr, s.Timezone, cursor.Add(-offset))
		if err != nil {
			return 0, err
		}
		candidate := base.Add(offset)
		if candidate.After(now) {
			if floor := now.Add(minCronRefireGap); candidate.Before(floor) {
				candidate = floor
			}
			return candidate.UnixMilli(), nil
		}
		cursor = candidate.Add(time.Second)
	}
	return 0, fmt.Errorf("no future fire time for cron %q within %d attempts", s.Expr, maxStaggerAttempts)
}

// applyNextRun recomputes and stores the job's next fire time,
// maintaining the schedule-error counter. After 3 consecutive schedule
// errors the job is auto-disabled rather than silently retried forever.
func applyNextRun(job *Job, now time.Time, logger *slog.Logger) {
	next, err := nextRunForJob(job, now)
	if err != nil {
		job.State.ScheduleErrorCount++
		job.State.NextRunAtMs = nil
		logger.Warn("schedule computation failed",
			"job_id", job.ID, "name", job.Name,
			"count", job.State.ScheduleErrorCount, "error", err)
		if job.State.ScheduleErrorCount >= maxScheduleErrors {
			job.Enabled = false
			logger.Warn("auto-disabling job after repeated schedule errors",
				"job_id", job.ID, "name", job.Name)
		}
		return
	}
	job.State.ScheduleErrorCount = 0
	if next > 0 {
		job.State.NextRunAtMs = &next
	} else {
		job.State.NextRunAtMs = nil
	}
}

// maxScheduleErrors is the auto-disable threshold for consecutive
// schedule computation failures.
const maxScheduleErrors = 3
