package scheduler

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/stlalpha/v3mail/internal/logging"
)

// DefaultHistoryKeep is the number of runs kept per direction.
const DefaultHistoryKeep = 50

// History is the run log, newest last, capped per direction.
type History struct {
	mu   sync.RWMutex
	path string
	keep int
	runs map[Direction][]RunRecord
}

// LoadHistory loads run history from a JSON file. A missing file gives an
// empty history.
func LoadHistory(path string, keep int) (*History, error) {
	if keep <= 0 {
		keep = DefaultHistoryKeep
	}
	h := &History{path: path, keep: keep, runs: make(map[Direction][]RunRecord)}
	if path == "" {
		return h, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Printf("INFO: Run history file not found at %s, starting with empty history", path)
		return h, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &h.runs); err != nil {
		return nil, err
	}
	for dir := range h.runs {
		h.trimLocked(dir)
	}
	logging.Debug("Loaded run history from %s", path)
	return h, nil
}

// Save writes the history. A history without a path is kept in memory only.
func (h *History) Save() error {
	if h.path == "" {
		return nil
	}
	h.mu.RLock()
	data, err := json.MarshalIndent(h.runs, "", "  ")
	h.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(h.path), 0755); err != nil {
		return err
	}
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, h.path); err != nil {
		os.Remove(tmp)
		return err
	}
	logging.Debug("Saved run history to %s", h.path)
	return nil
}

// Record appends a finished run.
func (h *History) Record(result RunResult) RunRecord {
	rec := RunRecord{
		Trigger:    result.Trigger,
		Started:    result.StartTime,
		DurationMs: result.EndTime.Sub(result.StartTime).Milliseconds(),
		Status:     "success",
		Counters:   result.Counters,
	}
	if result.Error != nil {
		rec.Status = "failure"
		rec.Error = result.Error.Error()
	}

	h.mu.Lock()
	h.runs[result.Direction] = append(h.runs[result.Direction], rec)
	h.trimLocked(result.Direction)
	h.mu.Unlock()
	return rec
}

func (h *History) trimLocked(dir Direction) {
	if runs := h.runs[dir]; len(runs) > h.keep {
		h.runs[dir] = append([]RunRecord(nil), runs[len(runs)-h.keep:]...)
	}
}

// Runs returns a copy of the recorded runs for dir, oldest first.
func (h *History) Runs(dir Direction) []RunRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]RunRecord(nil), h.runs[dir]...)
}

// Last returns the most recent run for dir.
func (h *History) Last(dir Direction) (RunRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	runs := h.runs[dir]
	if len(runs) == 0 {
		return RunRecord{}, false
	}
	return runs[len(runs)-1], true
}
