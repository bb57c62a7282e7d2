package scheduler

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/stlalpha/v3mail/internal/logging"
)

// Run executes the job for dir once and records the result. Overlapping
// runs are coalesced by the job itself, which reports ErrSkipped.
func (s *Scheduler) Run(dir Direction, trigger string) (RunResult, error) {
	job, ok := s.jobs[dir]
	if !ok {
		return RunResult{}, fmt.Errorf("no %s job configured", dir)
	}

	result := RunResult{
		Direction: dir,
		Trigger:   trigger,
		StartTime: time.Now(),
	}
	counters, err := s.execute(job)
	result.EndTime = time.Now()
	result.Counters = counters
	result.Error = err

	if errors.Is(err, ErrSkipped) {
		logging.Debug("FTN %s (%s) skipped: already running", dir, trigger)
		return result, err
	}

	s.history.Record(result)
	duration := result.EndTime.Sub(result.StartTime)
	if err != nil {
		log.Printf("ERROR: FTN %s (%s) failed after %.3fs: %v", dir, trigger, duration.Seconds(), err)
	} else {
		logging.Debug("FTN %s (%s) completed in %.3fs: %s", dir, trigger, duration.Seconds(), formatCounters(counters))
	}
	return result, err
}

// execute calls the job's run function. A panic comes back as an error.
func (s *Scheduler) execute(job *Job) (counters Counters, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", job.Direction, r)
		}
	}()
	return job.Run()
}

func formatCounters(c Counters) string {
	if len(c) == 0 {
		return "no work"
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, c[k])
	}
	return strings.Join(parts, " ")
}
