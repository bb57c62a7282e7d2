package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// DefaultDebounce is how long the watcher waits after the last sentinel
// event before running the job.
const DefaultDebounce = 500 * time.Millisecond

// cronParser accepts standard five-field specs, an optional leading seconds
// field, and descriptors such as @hourly or @every 5m.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler drives the export and import jobs from cron, sentinel file
// watches and the immediate Notify hook.
type Scheduler struct {
	jobs     map[Direction]*Job
	history  *History
	debounce time.Duration

	mu      sync.Mutex
	notify  map[Direction]chan struct{}
	running bool
}

// New returns a scheduler for jobs. A nil history keeps runs in memory.
func New(history *History, jobs ...Job) *Scheduler {
	if history == nil {
		history, _ = LoadHistory("", DefaultHistoryKeep)
	}
	s := &Scheduler{
		jobs:     make(map[Direction]*Job),
		history:  history,
		debounce: DefaultDebounce,
		notify:   make(map[Direction]chan struct{}),
	}
	for i := range jobs {
		job := jobs[i]
		s.jobs[job.Direction] = &job
		// One pending signal is enough; extra signals coalesce.
		s.notify[job.Direction] = make(chan struct{}, 1)
	}
	return s
}

// History returns the run history.
func (s *Scheduler) History() *History {
	return s.history
}

// Notify requests an immediate run of dir. It never blocks and is a no-op
// when the direction has no @immediate trigger.
func (s *Scheduler) Notify(dir Direction) {
	job, ok := s.jobs[dir]
	if !ok || !job.Schedule.Immediate {
		return
	}
	select {
	case s.notify[dir] <- struct{}{}:
	default:
	}
}

// Start runs every configured trigger until ctx is cancelled, then waits
// for running jobs and saves the history.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := cron.New(cron.WithParser(cronParser))
	var wg sync.WaitGroup
	triggers := 0

	for _, dir := range []Direction{DirExport, DirImport} {
		job, ok := s.jobs[dir]
		if !ok || job.Schedule.IsZero() {
			continue
		}
		if job.Schedule.Cron != "" {
			if _, err := c.AddFunc(job.Schedule.Cron, func() { s.Run(job.Direction, "cron") }); err != nil {
				cancel()
				wg.Wait()
				return fmt.Errorf("%s schedule %q: %w", dir, job.Schedule.Cron, err)
			}
			triggers++
		}
		if job.Schedule.WatchPath != "" {
			w, err := s.watch(job)
			if err != nil {
				cancel()
				wg.Wait()
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.watchLoop(ctx, w, job)
			}()
			triggers++
		}
		if job.Schedule.Immediate {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.immediateLoop(ctx, job)
			}()
			triggers++
		}
		log.Printf("INFO: FTN %s scheduled: %s", dir, job.Schedule)
	}

	if triggers == 0 {
		log.Printf("WARN: No FTN schedules configured; nothing to run")
		return nil
	}

	c.Start()
	<-ctx.Done()

	log.Printf("INFO: FTN scheduler stopping...")
	<-c.Stop().Done()
	wg.Wait()

	if err := s.history.Save(); err != nil {
		log.Printf("ERROR: Failed to save run history: %v", err)
	}
	return nil
}

// watch opens a watcher on the sentinel's directory.
func (s *Scheduler) watch(job *Job) (*fsnotify.Watcher, error) {
	dir := filepath.Dir(job.Schedule.WatchPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%s watch dir %s: %w", job.Direction, dir, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	log.Printf("INFO: Watching %s for %s triggers", job.Schedule.WatchPath, job.Direction)
	return w, nil
}

// watchLoop runs job after sentinel writes settle. A sentinel present at
// start fires once straight away.
func (s *Scheduler) watchLoop(ctx context.Context, w *fsnotify.Watcher, job *Job) {
	defer w.Close()

	name := filepath.Base(job.Schedule.WatchPath)
	fire := make(chan struct{}, 1)
	signal := func() {
		select {
		case fire <- struct{}{}:
		default:
		}
	}

	if _, err := os.Stat(job.Schedule.WatchPath); err == nil {
		signal()
	}

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(s.debounce, signal)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Printf("ERROR: %s watcher error: %v", job.Direction, err)

		case <-fire:
			s.Run(job.Direction, "watch")

		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) immediateLoop(ctx context.Context, job *Job) {
	ch := s.notify[job.Direction]
	for {
		select {
		case <-ch:
			s.Run(job.Direction, "immediate")
		case <-ctx.Done():
			return
		}
	}
}
