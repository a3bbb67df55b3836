package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chronohq/chrono/internal/schedule"
)

// ServiceConfig holds runtime parameters for the scheduler service.
type ServiceConfig struct {
	DefaultTimeout    time.Duration // per-run fallback timeout
	StuckThreshold    time.Duration // running marker older than this is orphaned
	StuckScanInterval time.Duration // periodic re-scan inside the loop
	MinSleep          time.Duration // lower clamp for the timer sleep
	MaxSleep          time.Duration // upper clamp, also the idle sleep
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		DefaultTimeout:    DefaultRunTimeout,
		StuckThreshold:    2 * time.Hour,
		StuckScanInterval: time.Hour,
		MinSleep:          100 * time.Millisecond,
		MaxSleep:          60 * time.Second,
	}
}

// Service owns the single background timer loop and exposes the CRUD
// API. Every mutation persists through the store and then raises the
// wake signal so the sleeping loop picks up the change immediately.
type Service struct {
	store  *Store
	runlog *RunLog
	exec   *Executor
	logger *slog.Logger
	cfg    ServiceConfig

	// wake is a single-slot signal; concurrent raises coalesce into one
	// early wake.
	wake chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup // timer loop
	runWG  sync.WaitGroup // in-flight job executions
}

// NewService wires the scheduler together. deliverer may be nil.
func NewService(store *Store, runlog *RunLog, runner Runner, deliverer Deliverer, logger *slog.Logger, cfg ServiceConfig) *Service {
	exec := NewExecutor(store, runlog, runner, deliverer, logger)
	exec.SetDefaultTimeout(cfg.DefaultTimeout)
	return &Service{
		store:  store,
		runlog: runlog,
		exec:   exec,
		logger: logger,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
	}
}

// SetEventFunc installs a run lifecycle observer. Call before Start.
func (s *Service) SetEventFunc(fn EventFunc) {
	s.exec.SetEventFunc(fn)
}

// Load reads the store from disk without starting the loop. Used by
// CLI commands that inspect or mutate state offline; Start performs
// its own load.
func (s *Service) Load() error {
	return s.store.Load()
}

// Start loads the store, recovers stuck jobs, repairs missing fire
// times, and launches the timer loop.
func (s *Service) Start(ctx context.Context) error {
	if err := s.store.Load(); err != nil {
		return fmt.Errorf("load job store: %w", err)
	}

	now := time.Now()
	if n := s.store.RecoverStuck(now, s.cfg.StuckThreshold); n > 0 {
		s.logger.Info("recovered stuck jobs", "count", n)
	}
	s.repairNextRuns(now)
	if err := s.store.Save(); err != nil {
		s.logger.Error("failed to persist store after startup repair", "error", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("scheduler started",
		"jobs", len(s.store.List("", true)),
		"default_timeout", s.cfg.DefaultTimeout,
		"stuck_threshold", s.cfg.StuckThreshold,
	)
	return nil
}

// Stop cancels the loop and waits for it and all in-flight runs.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.runWG.Wait()
	s.logger.Info("scheduler stopped")
}

// Wake interrupts the current sleep. Safe to call from any goroutine;
// multiple raises coalesce.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// repairNextRuns recomputes fire times that are missing or stale after
// a restart. Missed fires are not replayed: an every/cron job picks up
// at its next natural time, while a never-run one-shot keeps its
// original time and becomes due on the first tick.
func (s *Service) repairNextRuns(now time.Time) {
	for _, job := range s.store.List("", true) {
		if !job.Enabled {
			continue
		}
		st := &job.State
		stale := st.NextRunAtMs == nil || *st.NextRunAtMs <= now.UnixMilli()
		if !stale {
			continue
		}
		if job.Schedule.Kind == schedule.KindAt && st.LastRunStatus != StatusOK {
			// Fire the pending one-shot once, late, rather than dropping it.
			at := job.Schedule.AtMs
			st.NextRunAtMs = &at
		} else {
			applyNextRun(job, now, s.logger)
		}
		if err := s.store.Update(job); err != nil {
			s.logger.Error("failed to repair job", "job_id", job.ID, "error", err)
		}
	}
}

// loop is the single background timer. Each iteration fires everything
// due, then sleeps until the next due time, clamped to
// [MinSleep, MaxSleep], waking early on the wake signal.
func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	lastStuckScan := time.Now()
	for {
		sleepFor := s.tick(ctx, &lastStuckScan)

		timer := time.NewTimer(sleepFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tick fires due jobs and returns how long to sleep. Panics from
// schedule evaluation or firing are contained so one bad job never
// stops the scheduler; a brief pause follows an unexpected failure.
func (s *Service) tick(ctx context.Context, lastStuckScan *time.Time) (sleepFor time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked", "panic", r)
			sleepFor = time.Second
		}
	}()

	now := time.Now()

	if s.cfg.StuckScanInterval > 0 && now.Sub(*lastStuckScan) >= s.cfg.StuckScanInterval {
		*lastStuckScan = now
		if n := s.store.RecoverStuck(now, s.cfg.StuckThreshold); n > 0 {
			s.logger.Warn("recovered stuck jobs during scan", "count", n)
			if err := s.store.Save(); err != nil {
				s.logger.Error("failed to persist store after stuck scan", "error", err)
			}
		}
	}

	// Fire all due jobs concurrently: one goroutine per job, no global
	// cap, so one slow job cannot delay others.
	for _, id := range s.store.dueJobs(now.UnixMilli()) {
		id := id
		s.runWG.Add(1)
		go func() {
			defer s.runWG.Done()
			if _, err := s.exec.Execute(ctx, id); err != nil {
				s.logger.Error("job execution failed to start", "job_id", id, "error", err)
			}
			// The finished run may have produced a nearer due time.
			s.Wake()
		}()
	}

	next, ok := s.store.NextDueTime()
	if !ok {
		return s.cfg.MaxSleep
	}
	until := time.Duration(next-time.Now().UnixMilli()) * time.Millisecond
	if until < s.cfg.MinSleep {
		return s.cfg.MinSleep
	}
	if until > s.cfg.MaxSleep {
		return s.cfg.MaxSleep
	}
	return until
}

// --- CRUD API ---

// Add validates and persists a new job, computing its first fire time.
// An id is generated when the caller does not provide one.
func (s *Service) Add(job *Job) (*Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.MaxConcurrentRuns = 1
	if err := job.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	job.CreatedAtMs = now.UnixMilli()
	job.UpdatedAtMs = job.CreatedAtMs
	job.State = State{}

	if job.Enabled {
		next, err := nextRunForJob(job, now)
		if err != nil {
			return nil, fmt.Errorf("compute first fire time: %w", err)
		}
		if next > 0 {
			job.State.NextRunAtMs = &next
		}
	}

	if err := s.store.Add(job); err != nil {
		return nil, err
	}
	if err := s.store.Save(); err != nil {
		s.logger.Error("failed to persist store", "job_id", job.ID, "error", err)
	}
	s.Wake()
	s.logger.Info("job added", "job_id", job.ID, "name", job.Name,
		"kind", job.Schedule.Kind, "enabled", job.Enabled)
	return job.Clone(), nil
}

// Patch holds partial updates for a job. Nil fields are left unchanged.
type Patch struct {
	Name           *string
	Description    *string
	Enabled        *bool
	DeleteAfterRun *bool
	Schedule       *schedule.Schedule
	SessionTarget  *SessionTarget
	Payload        *Payload
	Delivery       *DeliveryConfig
	ClearDelivery  bool
}

// Update applies a patch. Any schedule or enabled change forces a
// fire-time recomputation and resets the schedule-error counter. The
// patch runs under the store lock via Mutate: updating a job while a
// run is in flight must never write back a stale runningAtMs over the
// marker the executor just cleared.
func (s *Service) Update(id string, p Patch) (*Job, error) {
	now := time.Now()
	job, err := s.store.Mutate(id, func(job *Job) error {
		recompute := false
		if p.Name != nil {
			job.Name = *p.Name
		}
		if p.Description != nil {
			job.Description = *p.Description
		}
		if p.DeleteAfterRun != nil {
			job.DeleteAfterRun = *p.DeleteAfterRun
		}
		if p.Schedule != nil {
			job.Schedule = *p.Schedule
			recompute = true
		}
		if p.SessionTarget != nil {
			job.SessionTarget = *p.SessionTarget
		}
		if p.Payload != nil {
			job.Payload = *p.Payload
		}
		if p.ClearDelivery {
			job.Delivery = nil
		} else if p.Delivery != nil {
			d := *p.Delivery
			job.Delivery = &d
		}
		if p.Enabled != nil && *p.Enabled != job.Enabled {
			job.Enabled = *p.Enabled
			recompute = true
		}

		if err := job.Validate(); err != nil {
			return err
		}

		if recompute {
			job.State.ScheduleErrorCount = 0
			if job.Enabled {
				next, err := nextRunForJob(job, now)
				if err != nil {
					return fmt.Errorf("compute fire time: %w", err)
				}
				if next > 0 {
					job.State.NextRunAtMs = &next
				} else {
					job.State.NextRunAtMs = nil
				}
			} else {
				job.State.NextRunAtMs = nil
			}
		}
		job.UpdatedAtMs = now.UnixMilli()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.Save(); err != nil {
		s.logger.Error("failed to persist store", "job_id", id, "error", err)
	}
	s.Wake()
	s.logger.Info("job updated", "job_id", id, "name", job.Name)
	return job, nil
}

// Remove deletes a job and its run history.
func (s *Service) Remove(id string) error {
	if err := s.store.Remove(id); err != nil {
		return err
	}
	if err := s.runlog.Delete(id); err != nil {
		s.logger.Warn("failed to delete run log", "job_id", id, "error", err)
	}
	if err := s.store.Save(); err != nil {
		s.logger.Error("failed to persist store", "job_id", id, "error", err)
	}
	s.Wake()
	s.logger.Info("job removed", "job_id", id)
	return nil
}

// RunNow executes a job immediately, regardless of its schedule or
// enabled flag. Explicit user intent overrides the schedule but never
// mutates it.
func (s *Service) RunNow(ctx context.Context, id string) (*RunEntry, error) {
	entry, err := s.exec.Execute(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Wake()
	return entry, nil
}

// Get returns a copy of the job.
func (s *Service) Get(id string) (*Job, error) {
	return s.store.Get(id)
}

// List returns jobs, optionally filtered by owner.
func (s *Service) List(ownerID string, includeDisabled bool) []*Job {
	return s.store.List(ownerID, includeDisabled)
}

// Runs returns the job's history, newest first.
func (s *Service) Runs(id string, limit, offset int, status RunStatus) ([]RunEntry, error) {
	if _, err := s.store.Get(id); err != nil {
		return nil, err
	}
	return s.runlog.GetRuns(id, limit, offset, status)
}

// StatusInfo is an observability snapshot of the scheduler.
type StatusInfo struct {
	Jobs        int    `json:"jobs"`
	Enabled     int    `json:"enabled"`
	Running     int    `json:"running"`
	NextDueAtMs *int64 `json:"nextDueAtMs,omitempty"`
}

// Status reports job counts and the next due time.
func (s *Service) Status() StatusInfo {
	var info StatusInfo
	for _, j := range s.store.List("", true) {
		info.Jobs++
		if j.Enabled {
			info.Enabled++
		}
		if j.State.RunningAtMs != nil {
			info.Running++
		}
	}
	if next, ok := s.store.NextDueTime(); ok {
		info.NextDueAtMs = &next
	}
	return info
}
