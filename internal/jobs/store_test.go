package jobs_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chronohq/chrono/internal/jobs"
	"github.com/chronohq/chrono/internal/schedule"
	"github.com/chronohq/chrono/internal/testutil"
)

func newStore(t *testing.T) (*jobs.Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")
	store := jobs.NewStore(path, testutil.DiscardLogger())
	testutil.NoError(t, store.Load())
	return store, path
}

func testJob(id, owner string) *jobs.Job {
	return &jobs.Job{
		ID:            id,
		OwnerID:       owner,
		Name:          "job-" + id,
		Enabled:       true,
		Schedule:      schedule.Schedule{Kind: schedule.KindEvery, IntervalMs: 60_000},
		SessionTarget: jobs.TargetMain,
		Payload:       jobs.Payload{Kind: jobs.PayloadSystemEvent, Text: "tick"},
	}
}

func TestStoreCRUD(t *testing.T) {
	store, _ := newStore(t)

	job := testJob("a1", "owner-1")
	testutil.NoError(t, store.Add(job))
	testutil.ErrorContains(t, store.Add(job), "already exists")

	got, err := store.Get("a1")
	testutil.NoError(t, err)
	testutil.Equal(t, "job-a1", got.Name)

	got.Name = "renamed"
	testutil.NoError(t, store.Update(got))
	got, err = store.Get("a1")
	testutil.NoError(t, err)
	testutil.Equal(t, "renamed", got.Name)

	_, err = store.Get("missing")
	testutil.ErrorContains(t, err, "not found")

	testutil.NoError(t, store.Remove("a1"))
	testutil.ErrorContains(t, store.Remove("a1"), "not found")
}

func TestStoreGetReturnsCopy(t *testing.T) {
	store, _ := newStore(t)
	testutil.NoError(t, store.Add(testJob("a1", "o")))

	got, err := store.Get("a1")
	testutil.NoError(t, err)
	got.Name = "mutated"
	next := int64(42)
	got.State.NextRunAtMs = &next

	fresh, err := store.Get("a1")
	testutil.NoError(t, err)
	testutil.Equal(t, "job-a1", fresh.Name)
	testutil.True(t, fresh.State.NextRunAtMs == nil)
}

func TestStoreListFilters(t *testing.T) {
	store, _ := newStore(t)

	a := testJob("a1", "alice")
	b := testJob("b1", "bob")
	c := testJob("c1", "alice")
	c.Enabled = false
	for _, j := range []*jobs.Job{a, b, c} {
		testutil.NoError(t, store.Add(j))
	}

	testutil.Equal(t, 2, len(store.List("", false)))
	testutil.Equal(t, 3, len(store.List("", true)))
	testutil.Equal(t, 1, len(store.List("alice", false)))
	testutil.Equal(t, 2, len(store.List("alice", true)))
	testutil.Equal(t, 0, len(store.List("carol", true)))
}

func TestStoreMutate(t *testing.T) {
	store, _ := newStore(t)
	testutil.NoError(t, store.Add(testJob("a1", "o")))

	got, err := store.Mutate("a1", func(j *jobs.Job) error {
		j.Name = "patched"
		return nil
	})
	testutil.NoError(t, err)
	testutil.Equal(t, "patched", got.Name)

	fresh, err := store.Get("a1")
	testutil.NoError(t, err)
	testutil.Equal(t, "patched", fresh.Name)

	// A failing fn leaves the record untouched.
	_, err = store.Mutate("a1", func(j *jobs.Job) error {
		j.Name = "half-applied"
		return errors.New("validation failed")
	})
	testutil.ErrorContains(t, err, "validation failed")
	fresh, err = store.Get("a1")
	testutil.NoError(t, err)
	testutil.Equal(t, "patched", fresh.Name)

	_, err = store.Mutate("missing", func(*jobs.Job) error { return nil })
	testutil.ErrorContains(t, err, "not found")
}

func TestStoreMutateSeesLatestState(t *testing.T) {
	// Mutate reads the live record under the lock, so a patch applied
	// after the running marker was cleared cannot write a stale copy of
	// the marker back.
	store, _ := newStore(t)
	testutil.NoError(t, store.Add(testJob("a1", "o")))

	stale, err := store.Get("a1")
	testutil.NoError(t, err)
	at := time.Now().UnixMilli()
	stale.State.RunningAtMs = &at
	testutil.NoError(t, store.Update(stale)) // run starts

	cleared, err := store.Get("a1")
	testutil.NoError(t, err)
	cleared.State.RunningAtMs = nil
	testutil.NoError(t, store.Update(cleared)) // run finishes

	got, err := store.Mutate("a1", func(j *jobs.Job) error {
		testutil.True(t, j.State.RunningAtMs == nil, "mutate must see the cleared marker")
		j.Name = "patched"
		return nil
	})
	testutil.NoError(t, err)
	testutil.True(t, got.State.RunningAtMs == nil)
}

func TestStoreNextDueTime(t *testing.T) {
	store, _ := newStore(t)

	_, ok := store.NextDueTime()
	testutil.False(t, ok, "empty store has no due time")

	now := time.Now().UnixMilli()
	mk := func(id string, next int64, enabled bool, running bool) {
		j := testJob(id, "o")
		j.Enabled = enabled
		j.State.NextRunAtMs = &next
		if running {
			at := now
			j.State.RunningAtMs = &at
		}
		testutil.NoError(t, store.Add(j))
	}

	mk("late", now+60_000, true, false)
	mk("soon", now+5_000, true, false)
	mk("disabled", now+1_000, false, false)
	mk("running", now+500, true, true)

	next, ok := store.NextDueTime()
	testutil.True(t, ok)
	testutil.Equal(t, now+5_000, next)
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store, path := newStore(t)

	job := testJob("a1", "owner-1")
	next := time.Now().Add(time.Minute).UnixMilli()
	job.State.NextRunAtMs = &next
	job.State.ConsecutiveErrors = 2
	job.Delivery = &jobs.DeliveryConfig{Mode: jobs.DeliveryWebhook, WebhookURL: "https://example.com/hook"}
	testutil.NoError(t, store.Add(job))
	testutil.NoError(t, store.Save())

	reloaded := jobs.NewStore(path, testutil.DiscardLogger())
	testutil.NoError(t, reloaded.Load())

	got, err := reloaded.Get("a1")
	testutil.NoError(t, err)
	testutil.Equal(t, job.Name, got.Name)
	testutil.Equal(t, 2, got.State.ConsecutiveErrors)
	testutil.Equal(t, next, *got.State.NextRunAtMs)
	testutil.Equal(t, jobs.DeliveryWebhook, got.Delivery.Mode)
}

func TestStoreLoadSkipsMalformedEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")

	good, err := json.Marshal(testJob("good", "o"))
	testutil.NoError(t, err)
	doc := `{"version":1,"jobs":[` + string(good) + `,"not an object",{"name":"no id"}]}`
	testutil.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	store := jobs.NewStore(path, testutil.DiscardLogger())
	testutil.NoError(t, store.Load())

	testutil.Equal(t, 1, len(store.List("", true)))
	_, err = store.Get("good")
	testutil.NoError(t, err)
}

func TestStoreSaveWritesBackup(t *testing.T) {
	store, path := newStore(t)

	testutil.NoError(t, store.Add(testJob("a1", "o")))
	testutil.NoError(t, store.Save())

	// Second save backs up the first generation.
	testutil.NoError(t, store.Add(testJob("b1", "o")))
	testutil.NoError(t, store.Save())

	bak, err := os.ReadFile(path + ".bak")
	testutil.NoError(t, err)
	var doc struct {
		Jobs []json.RawMessage `json:"jobs"`
	}
	testutil.NoError(t, json.Unmarshal(bak, &doc))
	testutil.Equal(t, 1, len(doc.Jobs))
}

func TestStoreCrashLeftoverDoesNotCorrupt(t *testing.T) {
	// A temp file abandoned between write and rename (simulated crash)
	// must leave the canonical store byte-for-byte intact.
	store, path := newStore(t)
	testutil.NoError(t, store.Add(testJob("a1", "o")))
	testutil.NoError(t, store.Save())

	before, err := os.ReadFile(path)
	testutil.NoError(t, err)

	leftover := filepath.Join(filepath.Dir(path), ".jobs.json-crashed.tmp")
	testutil.NoError(t, os.WriteFile(leftover, []byte(`{"version":1,"jobs":[{"truncated`), 0o600))

	after, err := os.ReadFile(path)
	testutil.NoError(t, err)
	testutil.Equal(t, string(before), string(after))

	reloaded := jobs.NewStore(path, testutil.DiscardLogger())
	testutil.NoError(t, reloaded.Load())
	_, err = reloaded.Get("a1")
	testutil.NoError(t, err)
}

func TestStoreRecoverStuck(t *testing.T) {
	store, _ := newStore(t)
	now := time.Now()

	stale := testJob("stale", "o")
	at := now.Add(-3 * time.Hour).UnixMilli()
	stale.State.RunningAtMs = &at
	testutil.NoError(t, store.Add(stale))

	fresh := testJob("fresh", "o")
	recent := now.Add(-time.Minute).UnixMilli()
	fresh.State.RunningAtMs = &recent
	testutil.NoError(t, store.Add(fresh))

	n := store.RecoverStuck(now, 2*time.Hour)
	testutil.Equal(t, 1, n)

	got, err := store.Get("stale")
	testutil.NoError(t, err)
	testutil.True(t, got.State.RunningAtMs == nil)

	got, err = store.Get("fresh")
	testutil.NoError(t, err)
	testutil.True(t, got.State.RunningAtMs != nil, "recent marker must survive")
}
