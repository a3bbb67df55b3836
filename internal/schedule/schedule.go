// Package schedule computes next-fire times for the three schedule kinds:
// one-shot (at), fixed interval (every), and 5-field cron expressions with
// timezone support and deterministic per-job stagger.
package schedule

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// Kind discriminates the schedule variant.
type Kind string

const (
	KindAt    Kind = "at"
	KindEvery Kind = "every"
	KindCron  Kind = "cron"
)

// Schedule is a tagged union selected by Kind. Only the fields of the
// active variant are meaningful; the rest stay zero and are omitted
// from JSON.
type Schedule struct {
	Kind Kind `json:"kind"`

	// at
	AtMs int64 `json:"atMs,omitempty"`

	// every
	IntervalMs int64 `json:"intervalMs,omitempty"`
	AnchorMs   int64 `json:"anchorMs,omitempty"`

	// cron
	Expr      string `json:"expr,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	StaggerMs int64  `json:"staggerMs,omitempty"`
}

// IsOneShot reports whether the schedule fires at most once.
func (s Schedule) IsOneShot() bool {
	return s.Kind == KindAt
}

// Validate checks that the active variant is well-formed. Cron
// expressions and timezones are validated eagerly so bad input is
// rejected at job creation rather than at fire time.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule: atMs must be positive")
		}
	case KindEvery:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("every schedule: intervalMs must be positive")
		}
	case KindCron:
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("cron schedule: invalid expression %q", s.Expr)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("cron schedule: invalid timezone %q: %w", s.Timezone, err)
			}
		}
		if s.StaggerMs < 0 {
			return fmt.Errorf("cron schedule: staggerMs must not be negative")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// NextRun returns the next fire time in unix milliseconds, strictly
// after now. A zero result with nil error means the schedule will never
// fire again (a one-shot whose time has passed).
func NextRun(s Schedule, now time.Time) (int64, error) {
	switch s.Kind {
	case KindAt:
		if s.AtMs > now.UnixMilli() {
			return s.AtMs, nil
		}
		return 0, nil
	case KindEvery:
		return nextEvery(s, now)
	case KindCron:
		next, err := NextCron(s.Expr, s.Timezone, now)
		if err != nil {
			return 0, err
		}
		return next.UnixMilli(), nil
	default:
		return 0, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

func nextEvery(s Schedule, now time.Time) (int64, error) {
	if s.IntervalMs <= 0 {
		return 0, fmt.Errorf("every schedule: intervalMs must be positive")
	}
	nowMs := now.UnixMilli()
	anchor := s.AnchorMs
	if anchor <= 0 {
		anchor = nowMs
	}
	if nowMs < anchor {
		return anchor, nil
	}
	// Smallest anchor + k*interval strictly after now.
	k := (nowMs-anchor)/s.IntervalMs + 1
	return anchor + k*s.IntervalMs, nil
}

// NextCron resolves expr in the given IANA timezone (process-local when
// empty) and returns the next tick strictly after ref. A tick landing
// exactly on ref is skipped by advancing the search window one second.
func NextCron(expr, tz string, ref time.Time) (time.Time, error) {
	loc := time.Local
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
	}

	if !gronx.New().IsValid(expr) {
		return time.Time{}, fmt.Errorf("invalid cron expression %q", expr)
	}

	refInTZ := ref.In(loc)
	next, err := gronx.NextTickAfter(expr, refInTZ, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("next tick for %q: %w", expr, err)
	}
	if !next.After(ref) {
		// Boundary equality between the cron library and our cursor;
		// one retry from a nudged window resolves it.
		next, err = gronx.NextTickAfter(expr, refInTZ.Add(time.Second), false)
		if err != nil {
			return time.Time{}, fmt.Errorf("next tick for %q: %w", expr, err)
		}
	}
	return next.UTC(), nil
}

// Stagger returns the deterministic per-job offset in [0, staggerMs)
// used to spread jobs sharing a cron expression across a window. The
// same job id always maps to the same offset.
func Stagger(jobID string, staggerMs int64) int64 {
	if staggerMs <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(jobID))
	return int64(binary.BigEndian.Uint32(sum[:4])) % staggerMs
}
