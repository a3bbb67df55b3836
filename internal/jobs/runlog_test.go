package jobs_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chronohq/chrono/internal/jobs"
	"github.com/chronohq/chrono/internal/testutil"
)

func newRunLog(t *testing.T) (*jobs.RunLog, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "runs")
	rl, err := jobs.NewRunLog(dir, testutil.DiscardLogger())
	testutil.NoError(t, err)
	return rl, dir
}

func entry(jobID string, n int, status jobs.RunStatus) *jobs.RunEntry {
	return &jobs.RunEntry{
		TsMs:       time.Now().UnixMilli() + int64(n), // monotonic per test
		JobID:      jobID,
		Status:     status,
		Summary:    "run",
		DurationMs: int64(n),
	}
}

func TestRunLogAppendAndGet(t *testing.T) {
	rl, _ := newRunLog(t)

	for i := 0; i < 5; i++ {
		testutil.NoError(t, rl.Append(entry("job-1", i, jobs.StatusOK)))
	}

	runs, err := rl.GetRuns("job-1", 0, 0, "")
	testutil.NoError(t, err)
	testutil.Equal(t, 5, len(runs))

	// Newest first.
	testutil.Equal(t, int64(4), runs[0].DurationMs)
	testutil.Equal(t, int64(0), runs[4].DurationMs)
}

func TestRunLogLimitOffsetFilter(t *testing.T) {
	rl, _ := newRunLog(t)

	for i := 0; i < 6; i++ {
		status := jobs.StatusOK
		if i%2 == 1 {
			status = jobs.StatusError
		}
		testutil.NoError(t, rl.Append(entry("job-1", i, status)))
	}

	runs, err := rl.GetRuns("job-1", 2, 0, "")
	testutil.NoError(t, err)
	testutil.Equal(t, 2, len(runs))
	testutil.Equal(t, int64(5), runs[0].DurationMs)

	runs, err = rl.GetRuns("job-1", 2, 2, "")
	testutil.NoError(t, err)
	testutil.Equal(t, 2, len(runs))
	testutil.Equal(t, int64(3), runs[0].DurationMs)

	runs, err = rl.GetRuns("job-1", 0, 0, jobs.StatusError)
	testutil.NoError(t, err)
	testutil.Equal(t, 3, len(runs))
	for _, r := range runs {
		testutil.Equal(t, jobs.StatusError, r.Status)
	}
}

func TestRunLogMissingJob(t *testing.T) {
	rl, _ := newRunLog(t)
	runs, err := rl.GetRuns("never-ran", 10, 0, "")
	testutil.NoError(t, err)
	testutil.Equal(t, 0, len(runs))
}

func TestRunLogPrune(t *testing.T) {
	rl, _ := newRunLog(t)
	// One-byte threshold: every append crosses it and prunes inline.
	rl.SetLimits(1, 5)

	const total = 12
	for i := 0; i < total; i++ {
		testutil.NoError(t, rl.Append(entry("job-1", i, jobs.StatusOK)))
	}

	runs, err := rl.GetRuns("job-1", total, 0, "")
	testutil.NoError(t, err)
	testutil.Equal(t, 5, len(runs))

	// The survivors are the most recent entries, newest first.
	for i, r := range runs {
		testutil.Equal(t, int64(total-1-i), r.DurationMs)
	}
}

func TestRunLogDelete(t *testing.T) {
	rl, dir := newRunLog(t)

	testutil.NoError(t, rl.Append(entry("job-1", 0, jobs.StatusOK)))
	testutil.NoError(t, rl.Delete("job-1"))
	testutil.NoError(t, rl.Delete("job-1")) // idempotent

	entries, err := os.ReadDir(dir)
	testutil.NoError(t, err)
	testutil.Equal(t, 0, len(entries))
}

func TestRunLogSanitizesJobID(t *testing.T) {
	rl, dir := newRunLog(t)

	testutil.NoError(t, rl.Append(entry("../../etc/passwd", 0, jobs.StatusOK)))

	entries, err := os.ReadDir(dir)
	testutil.NoError(t, err)
	testutil.Equal(t, 1, len(entries))
	testutil.Equal(t, "etcpasswd.jsonl", entries[0].Name())

	runs, err := rl.GetRuns("../../etc/passwd", 10, 0, "")
	testutil.NoError(t, err)
	testutil.Equal(t, 1, len(runs))
}
