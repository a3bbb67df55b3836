package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// storeVersion is the on-disk format version of the jobs file.
const storeVersion = 1

// ErrNotFound is returned for operations against an unknown job id.
var ErrNotFound = errors.New("job not found")

// ErrDuplicate is returned when adding a job whose id already exists.
var ErrDuplicate = errors.New("job already exists")

// storeFile is the persisted document: a version tag plus the full job
// list. Jobs are held raw on load so one malformed entry cannot sink
// the rest.
type storeFile struct {
	Version int               `json:"version"`
	Jobs    []json.RawMessage `json:"jobs"`
}

// Store is a durable key-value store of jobs keyed by id, backed by a
// single JSON file. In-memory reads are guarded by mu; file writes are
// serialized separately by saveMu so concurrent executions never
// interleave partial writes.
type Store struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*Job

	saveMu sync.Mutex
}

// NewStore creates a Store persisting to path. Call Load before use.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger,
		jobs:   make(map[string]*Job),
	}
}

// Load reads the store file into memory. A missing file is an empty
// store. Individual malformed job entries are skipped and logged rather
// than failing the whole load.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store %s: %w", s.path, err)
	}

	var doc storeFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse store %s: %w", s.path, err)
	}
	if doc.Version > storeVersion {
		return fmt.Errorf("store %s: unsupported version %d", s.path, doc.Version)
	}

	jobs := make(map[string]*Job, len(doc.Jobs))
	for i, raw := range doc.Jobs {
		var j Job
		if err := json.Unmarshal(raw, &j); err != nil {
			s.logger.Warn("skipping malformed job entry", "index", i, "error", err)
			continue
		}
		if j.ID == "" {
			s.logger.Warn("skipping job entry without id", "index", i)
			continue
		}
		jobs[j.ID] = &j
	}

	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the job with the given id.
func (s *Store) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j.Clone(), nil
}

// List returns copies of jobs, optionally filtered by owner, sorted by
// name for stable output. Disabled jobs are included only when
// includeDisabled is set.
func (s *Store) List(ownerID string, includeDisabled bool) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Job
	for _, j := range s.jobs {
		if ownerID != "" && j.OwnerID != ownerID {
			continue
		}
		if !j.Enabled && !includeDisabled {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Add inserts a new job. The id must be unique.
func (s *Store) Add(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Update replaces an existing job record.
func (s *Store) Update(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Mutate applies fn to the job under the store lock, so the
// read-modify-write cannot interleave with a concurrent execution's
// state update. fn receives a working copy; it is committed only when
// fn returns nil, and an error leaves the record untouched. fn must
// not call back into the store.
func (s *Store) Mutate(id string, fn func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c := j.Clone()
	if err := fn(c); err != nil {
		return nil, err
	}
	s.jobs[id] = c
	return c.Clone(), nil
}

// Remove deletes a job record.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.jobs, id)
	return nil
}

// NextDueTime returns the earliest nextRunAtMs across jobs that are
// enabled and not currently running. ok is false if no such job exists.
func (s *Store) NextDueTime() (nextMs int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if !j.Enabled || j.State.RunningAtMs != nil || j.State.NextRunAtMs == nil {
			continue
		}
		if !ok || *j.State.NextRunAtMs < nextMs {
			nextMs = *j.State.NextRunAtMs
			ok = true
		}
	}
	return nextMs, ok
}

// dueJobs returns ids of jobs due at nowMs: enabled, not running, with
// nextRunAtMs at or before now.
func (s *Store) dueJobs(nowMs int64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []string
	for id, j := range s.jobs {
		if !j.Enabled || j.State.RunningAtMs != nil || j.State.NextRunAtMs == nil {
			continue
		}
		if *j.State.NextRunAtMs <= nowMs {
			due = append(due, id)
		}
	}
	return due
}

// markRunning atomically sets the running marker if it is not already
// set. started is false when another execution is in flight. The
// returned job is a copy taken after marking.
func (s *Store) markRunning(id string, atMs int64) (job *Job, started bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if j.State.RunningAtMs != nil {
		return j.Clone(), false, nil
	}
	at := atMs
	j.State.RunningAtMs = &at
	return j.Clone(), true, nil
}

// RecoverStuck clears running markers older than threshold. This is the
// only path besides the executor that touches runningAtMs; it exists so
// a process crash mid-run cannot block a job forever.
func (s *Store) RecoverStuck(now time.Time, threshold time.Duration) int {
	cutoff := now.Add(-threshold).UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.State.RunningAtMs != nil && *j.State.RunningAtMs < cutoff {
			s.logger.Warn("clearing stuck running marker",
				"job_id", j.ID, "name", j.Name, "running_since_ms", *j.State.RunningAtMs)
			j.State.RunningAtMs = nil
			n++
		}
	}
	return n
}

// Save writes the full store atomically: best-effort .bak copy of the
// current file, then temp file + rename in the same directory. A crash
// at any point leaves either the old or the new file at the canonical
// path, never a partial write.
func (s *Store) Save() error {
	s.mu.RLock()
	doc := storeFile{Version: storeVersion, Jobs: make([]json.RawMessage, 0, len(s.jobs))}
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		raw, err := json.Marshal(s.jobs[id])
		if err != nil {
			s.mu.RUnlock()
			return fmt.Errorf("marshal job %s: %w", id, err)
		}
		doc.Jobs = append(doc.Jobs, raw)
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if prev, err := os.ReadFile(s.path); err == nil {
		if err := os.WriteFile(s.path+".bak", prev, 0o600); err != nil {
			s.logger.Warn("failed to write backup copy", "path", s.path+".bak", "error", err)
		}
	}

	return writeFileAtomic(s.path, data)
}

// writeFileAtomic writes data to a temp file in path's directory, syncs
// it, and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s over %s: %w", tmpName, path, err)
	}
	return nil
}
