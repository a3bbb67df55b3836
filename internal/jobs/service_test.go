package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chronohq/chrono/internal/jobs"
	"github.com/chronohq/chrono/internal/schedule"
	"github.com/chronohq/chrono/internal/testutil"
)

func newService(t *testing.T, runner jobs.Runner) (*jobs.Service, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")
	store := jobs.NewStore(path, testutil.DiscardLogger())
	rl, err := jobs.NewRunLog(filepath.Join(dir, "runs"), testutil.DiscardLogger())
	testutil.NoError(t, err)
	return jobs.NewService(store, rl, runner, nil, testutil.DiscardLogger(), jobs.DefaultServiceConfig()), path
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestServiceRunsRecurringJob(t *testing.T) {
	var count atomic.Int64
	runner := jobs.RunnerFunc(func(_ context.Context, _ *jobs.Job) (string, error) {
		count.Add(1)
		return "tick", nil
	})
	svc, _ := newService(t, runner)
	testutil.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	job := testJob("rec-1", "o")
	job.Schedule = schedule.Schedule{Kind: schedule.KindEvery, IntervalMs: 150}
	_, err := svc.Add(job)
	testutil.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool { return count.Load() >= 3 }, "three runs")

	got, err := svc.Get("rec-1")
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusOK, got.State.LastRunStatus)
	testutil.Equal(t, 0, got.State.ConsecutiveErrors)

	runs, err := svc.Runs("rec-1", 0, 0, jobs.StatusOK)
	testutil.NoError(t, err)
	testutil.True(t, len(runs) >= 3)
}

func TestServiceBackoffAfterFailures(t *testing.T) {
	runner := jobs.RunnerFunc(func(_ context.Context, _ *jobs.Job) (string, error) {
		return "", errors.New("boom")
	})
	svc, _ := newService(t, runner)
	testutil.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	job := testJob("fail-1", "o")
	job.Schedule = schedule.Schedule{Kind: schedule.KindEvery, IntervalMs: 100}
	_, err := svc.Add(job)
	testutil.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		j, err := svc.Get("fail-1")
		return err == nil && j.State.ConsecutiveErrors == 1
	}, "first failure")

	got, err := svc.Get("fail-1")
	testutil.NoError(t, err)
	testutil.True(t, got.State.NextRunAtMs != nil)
	testutil.True(t, *got.State.NextRunAtMs >= time.Now().UnixMilli()+25_000,
		"backoff must push the retry out by roughly 30s")

	// Forcing a second failure deepens the backoff.
	before := time.Now().UnixMilli()
	entry, err := svc.RunNow(context.Background(), "fail-1")
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusError, entry.Status)

	got, err = svc.Get("fail-1")
	testutil.NoError(t, err)
	testutil.Equal(t, 2, got.State.ConsecutiveErrors)
	testutil.True(t, *got.State.NextRunAtMs >= before+60_000,
		"second failure must use the 60s backoff step")
}

func TestServiceWakeOnAdd(t *testing.T) {
	var count atomic.Int64
	runner := jobs.RunnerFunc(func(_ context.Context, _ *jobs.Job) (string, error) {
		count.Add(1)
		return "tick", nil
	})
	svc, _ := newService(t, runner)
	testutil.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	// With an empty store the loop settles into its 60s idle sleep; the
	// wake raised by Add must cut that short.
	time.Sleep(150 * time.Millisecond)

	job := testJob("wake-1", "o")
	job.Schedule = schedule.Schedule{Kind: schedule.KindEvery, IntervalMs: 100}
	_, err := svc.Add(job)
	testutil.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return count.Load() >= 1 }, "first run after wake")
}

func TestServiceStartupRepair(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")

	// A store written by a previous process: the job carries a running
	// marker three hours old and a fire time in the past.
	job := testJob("stale-1", "o")
	staleNext := time.Now().Add(-time.Hour).UnixMilli()
	staleRunning := time.Now().Add(-3 * time.Hour).UnixMilli()
	job.State.NextRunAtMs = &staleNext
	job.State.RunningAtMs = &staleRunning

	raw, err := json.Marshal(job)
	testutil.NoError(t, err)
	doc := `{"version":1,"jobs":[` + string(raw) + `]}`
	testutil.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	store := jobs.NewStore(path, testutil.DiscardLogger())
	rl, err := jobs.NewRunLog(filepath.Join(dir, "runs"), testutil.DiscardLogger())
	testutil.NoError(t, err)
	runner := jobs.RunnerFunc(func(_ context.Context, _ *jobs.Job) (string, error) {
		return "tick", nil
	})
	svc := jobs.NewService(store, rl, runner, nil, testutil.DiscardLogger(), jobs.DefaultServiceConfig())
	testutil.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	got, err := svc.Get("stale-1")
	testutil.NoError(t, err)
	testutil.True(t, got.State.RunningAtMs == nil, "orphaned running marker must be cleared")
	testutil.True(t, got.State.NextRunAtMs != nil)
	testutil.True(t, *got.State.NextRunAtMs > time.Now().UnixMilli()-1000,
		"stale fire time must be recomputed, not replayed")
}

func TestServicePendingOneShotFiresLate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")

	// A one-shot whose moment passed while the process was down still
	// fires once on restart.
	job := testJob("late-1", "o")
	job.Schedule = schedule.Schedule{Kind: schedule.KindAt, AtMs: time.Now().Add(-time.Minute).UnixMilli()}
	raw, err := json.Marshal(job)
	testutil.NoError(t, err)
	doc := `{"version":1,"jobs":[` + string(raw) + `]}`
	testutil.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	var count atomic.Int64
	runner := jobs.RunnerFunc(func(_ context.Context, _ *jobs.Job) (string, error) {
		count.Add(1)
		return "late", nil
	})
	store := jobs.NewStore(path, testutil.DiscardLogger())
	rl, err := jobs.NewRunLog(filepath.Join(dir, "runs"), testutil.DiscardLogger())
	testutil.NoError(t, err)
	svc := jobs.NewService(store, rl, runner, nil, testutil.DiscardLogger(), jobs.DefaultServiceConfig())
	testutil.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	waitFor(t, 2*time.Second, func() bool { return count.Load() == 1 }, "late one-shot run")

	got, err := svc.Get("late-1")
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusOK, got.State.LastRunStatus)
	testutil.True(t, got.State.NextRunAtMs == nil, "completed one-shot must not refire")
}

func TestServiceAddGeneratesIDAndFireTime(t *testing.T) {
	svc, _ := newService(t, jobs.RunnerFunc(func(_ context.Context, _ *jobs.Job) (string, error) {
		return "", nil
	}))
	testutil.NoError(t, svc.Load())

	job := testJob("", "o")
	added, err := svc.Add(job)
	testutil.NoError(t, err)
	testutil.True(t, added.ID != "", "id must be generated")
	testutil.True(t, added.State.NextRunAtMs != nil, "enabled job needs a fire time")
	testutil.Equal(t, 1, added.MaxConcurrentRuns)

	disabled := testJob("off-1", "o")
	disabled.Enabled = false
	added, err = svc.Add(disabled)
	testutil.NoError(t, err)
	testutil.True(t, added.State.NextRunAtMs == nil, "disabled job must not get a fire time")
}

func TestServiceAddRejectsInvalidJob(t *testing.T) {
	svc, _ := newService(t, jobs.RunnerFunc(func(_ context.Context, _ *jobs.Job) (string, error) {
		return "", nil
	}))
	testutil.NoError(t, svc.Load())

	job := testJob("bad-1", "o")
	job.Schedule = schedule.Schedule{Kind: schedule.KindCron, Expr: "not a cron"}
	_, err := svc.Add(job)
	testutil.ErrorContains(t, err, "invalid expression")
}

func TestServiceUpdateEnableDisable(t *testing.T) {
	svc, _ := newService(t, jobs.RunnerFunc(func(_ context.Context, _ *jobs.Job) (string, error) {
		return "", nil
	}))
	testutil.NoError(t, svc.Load())

	_, err := svc.Add(testJob("a1", "o"))
	testutil.NoError(t, err)

	off := false
	updated, err := svc.Update("a1", jobs.Patch{Enabled: &off})
	testutil.NoError(t, err)
	testutil.False(t, updated.Enabled)
	testutil.True(t, updated.State.NextRunAtMs == nil, "disabling clears the fire time")

	on := true
	updated, err = svc.Update("a1", jobs.Patch{Enabled: &on})
	testutil.NoError(t, err)
	testutil.True(t, updated.Enabled)
	testutil.True(t, updated.State.NextRunAtMs != nil, "re-enabling recomputes the fire time")
}

func TestServiceUpdateDuringRun(t *testing.T) {
	// A patch landing while the job is mid-run must neither lose the
	// patch nor leave the running marker set after the run finishes.
	entered := make(chan struct{})
	release := make(chan struct{})
	svc, _ := newService(t, jobs.RunnerFunc(func(_ context.Context, _ *jobs.Job) (string, error) {
		close(entered)
		<-release
		return "slow", nil
	}))
	testutil.NoError(t, svc.Load())

	_, err := svc.Add(testJob("a1", "o"))
	testutil.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.RunNow(context.Background(), "a1")
	}()
	<-entered

	name := "patched mid-run"
	updated, err := svc.Update("a1", jobs.Patch{Name: &name})
	testutil.NoError(t, err)
	testutil.Equal(t, "patched mid-run", updated.Name)
	testutil.True(t, updated.State.RunningAtMs != nil, "patch during the run sees the marker")

	close(release)
	<-done

	got, err := svc.Get("a1")
	testutil.NoError(t, err)
	testutil.Equal(t, "patched mid-run", got.Name)
	testutil.True(t, got.State.RunningAtMs == nil, "marker must be cleared once the run finishes")
}

func TestServiceRemoveDeletesHistory(t *testing.T) {
	svc, _ := newService(t, jobs.RunnerFunc(func(_ context.Context, _ *jobs.Job) (string, error) {
		return "done", nil
	}))
	testutil.NoError(t, svc.Load())

	_, err := svc.Add(testJob("a1", "o"))
	testutil.NoError(t, err)
	_, err = svc.RunNow(context.Background(), "a1")
	testutil.NoError(t, err)

	testutil.NoError(t, svc.Remove("a1"))
	_, err = svc.Runs("a1", 0, 0, "")
	testutil.ErrorContains(t, err, "not found")
}

func TestServiceRunNowIgnoresDisabled(t *testing.T) {
	var count atomic.Int64
	svc, _ := newService(t, jobs.RunnerFunc(func(_ context.Context, _ *jobs.Job) (string, error) {
		count.Add(1)
		return "manual", nil
	}))
	testutil.NoError(t, svc.Load())

	job := testJob("a1", "o")
	job.Enabled = false
	_, err := svc.Add(job)
	testutil.NoError(t, err)

	entry, err := svc.RunNow(context.Background(), "a1")
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusOK, entry.Status)
	testutil.Equal(t, int64(1), count.Load())

	// Manual runs never give a disabled job a schedule.
	got, err := svc.Get("a1")
	testutil.NoError(t, err)
	testutil.True(t, got.State.NextRunAtMs == nil)
}

func TestServiceStatus(t *testing.T) {
	svc, _ := newService(t, jobs.RunnerFunc(func(_ context.Context, _ *jobs.Job) (string, error) {
		return "", nil
	}))
	testutil.NoError(t, svc.Load())

	_, err := svc.Add(testJob("a1", "o"))
	testutil.NoError(t, err)
	off := testJob("b1", "o")
	off.Enabled = false
	_, err = svc.Add(off)
	testutil.NoError(t, err)

	info := svc.Status()
	testutil.Equal(t, 2, info.Jobs)
	testutil.Equal(t, 1, info.Enabled)
	testutil.Equal(t, 0, info.Running)
	testutil.True(t, info.NextDueAtMs != nil)
}
