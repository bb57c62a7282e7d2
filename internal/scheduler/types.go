package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Direction names a scheduled FTN job.
type Direction string

const (
	DirExport Direction = "export"
	DirImport Direction = "import"
)

// ErrSkipped is returned by a job that found another run in flight. The
// run is not recorded in history.
var ErrSkipped = errors.New("scheduler: run skipped")

// Counters are the per-run statistics a job reports, e.g. "packets": 3.
type Counters map[string]int

// Job is one direction's run function and its triggers.
type Job struct {
	Direction Direction
	Schedule  Schedule
	Run       func() (Counters, error)
}

// Schedule is a parsed schedule string.
type Schedule struct {
	Cron      string // robfig/cron spec; empty for none
	WatchPath string // sentinel file; empty for none
	Immediate bool   // run whenever Notify is called
}

const (
	watchDirective     = "@watch:"
	immediateDirective = "@immediate"
)

// ParseSchedule splits a schedule string into its cron part and an optional
// trailing @watch:<path> or @immediate directive.
//
//	"*/15 * * * *"                      cron only
//	"@hourly @watch:/bbs/ftn/toss.now"  cron plus a sentinel watch
//	"@immediate"                        on every recorded message
func ParseSchedule(s string) (Schedule, error) {
	var sched Schedule
	s = strings.TrimSpace(s)
	if s == "" {
		return sched, nil
	}

	fields := strings.Fields(s)
	last := fields[len(fields)-1]
	switch {
	case strings.EqualFold(last, immediateDirective):
		sched.Immediate = true
		fields = fields[:len(fields)-1]
	case len(last) >= len(watchDirective) && strings.EqualFold(last[:len(watchDirective)], watchDirective):
		sched.WatchPath = last[len(watchDirective):]
		if sched.WatchPath == "" {
			return Schedule{}, fmt.Errorf("schedule %q: @watch needs a path", s)
		}
		fields = fields[:len(fields)-1]
	}

	sched.Cron = strings.Join(fields, " ")
	if sched.Cron != "" {
		if _, err := cronParser.Parse(sched.Cron); err != nil {
			return Schedule{}, fmt.Errorf("schedule %q: %w", s, err)
		}
	}
	return sched, nil
}

// IsZero reports whether the schedule has no trigger at all.
func (s Schedule) IsZero() bool {
	return s.Cron == "" && s.WatchPath == "" && !s.Immediate
}

func (s Schedule) String() string {
	parts := []string{}
	if s.Cron != "" {
		parts = append(parts, s.Cron)
	}
	if s.WatchPath != "" {
		parts = append(parts, watchDirective+s.WatchPath)
	}
	if s.Immediate {
		parts = append(parts, immediateDirective)
	}
	return strings.Join(parts, " ")
}

// RunResult captures the outcome of one job run.
type RunResult struct {
	Direction Direction
	Trigger   string // cron, watch, immediate, manual
	StartTime time.Time
	EndTime   time.Time
	Counters  Counters
	Error     error
}

// RunRecord is the persisted form of a RunResult.
type RunRecord struct {
	Trigger    string    `json:"trigger"`
	Started    time.Time `json:"started"`
	DurationMs int64     `json:"duration_ms"`
	Status     string    `json:"status"` // "success" or "failure"
	Counters   Counters  `json:"counters,omitempty"`
	Error      string    `json:"error,omitempty"`
}
