package jobs

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	defaultRunLogMaxBytes  = 512 * 1024
	defaultRunLogKeepLines = 500
)

// RunLog keeps one append-only NDJSON history file per job id. Lines
// are written oldest-to-newest; readers reverse for newest-first. When
// a file grows past maxBytes it is pruned inline to the most recent
// keepLines entries with the same temp-file-plus-rename discipline as
// the store.
type RunLog struct {
	dir    string
	logger *slog.Logger

	mu        sync.Mutex
	maxBytes  int64
	keepLines int
}

// NewRunLog creates a RunLog rooted at dir, creating it if needed.
func NewRunLog(dir string, logger *slog.Logger) (*RunLog, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create run log dir %s: %w", dir, err)
	}
	return &RunLog{
		dir:       dir,
		logger:    logger,
		maxBytes:  defaultRunLogMaxBytes,
		keepLines: defaultRunLogKeepLines,
	}, nil
}

// SetLimits overrides the pruning thresholds. Zero values keep the
// current setting.
func (l *RunLog) SetLimits(maxBytes int64, keepLines int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if maxBytes > 0 {
		l.maxBytes = maxBytes
	}
	if keepLines > 0 {
		l.keepLines = keepLines
	}
}

// path maps a job id to its log file, stripping directory-traversal
// characters from the id.
func (l *RunLog) path(jobID string) string {
	return filepath.Join(l.dir, sanitizeID(jobID)+".jsonl")
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unnamed"
	}
	return b.String()
}

// Append writes one entry as a single JSON line, pruning inline if the
// file has grown past the byte threshold.
func (l *RunLog) Append(entry *RunEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal run entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.path(entry.JobID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open run log %s: %w", path, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append run log %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close run log %s: %w", path, err)
	}

	if info, err := os.Stat(path); err == nil && info.Size() > l.maxBytes {
		if err := l.pruneLocked(path); err != nil {
			l.logger.Warn("run log prune failed", "path", path, "error", err)
		}
	}
	return nil
}

// pruneLocked rewrites the file keeping only the most recent keepLines
// lines. Caller holds l.mu.
func (l *RunLog) pruneLocked(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read run log %s: %w", path, err)
	}
	lines := splitLines(data)
	if len(lines) <= l.keepLines {
		return nil
	}
	keep := lines[len(lines)-l.keepLines:]

	var buf bytes.Buffer
	for _, line := range keep {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return writeFileAtomic(path, buf.Bytes())
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
	}
	return lines
}

// GetRuns returns run entries newest-first, optionally filtered by
// status, with limit/offset applied after filtering. A missing log file
// yields an empty result.
func (l *RunLog) GetRuns(jobID string, limit, offset int, status RunStatus) ([]RunEntry, error) {
	l.mu.Lock()
	path := l.path(jobID)
	data, err := os.ReadFile(path)
	l.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run log %s: %w", path, err)
	}

	lines := splitLines(data)
	entries := make([]RunEntry, 0, len(lines))
	for i := len(lines) - 1; i >= 0; i-- { // newest first
		var e RunEntry
		if err := json.Unmarshal(lines[i], &e); err != nil {
			l.logger.Warn("skipping malformed run log line", "path", path, "error", err)
			continue
		}
		if status != "" && e.Status != status {
			continue
		}
		entries = append(entries, e)
	}

	if offset > 0 {
		if offset >= len(entries) {
			return nil, nil
		}
		entries = entries[offset:]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Delete removes the job's log file. Missing files are not an error.
func (l *RunLog) Delete(jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := os.Remove(l.path(jobID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete run log for %s: %w", jobID, err)
	}
	return nil
}
