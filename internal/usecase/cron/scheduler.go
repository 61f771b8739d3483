// Package cron runs the registry's periodic maintenance jobs.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bnema/zerowrap"

	"github.com/bnema/dockyard/internal/domain"
)

// DefaultResolution is how often the scheduler checks for due jobs.
const DefaultResolution = time.Minute

// ErrAlreadyRunning is returned when a job is triggered while still running.
var ErrAlreadyRunning = errors.New("job is already running")

// Job is a unit of scheduled work.
type Job func(ctx context.Context) error

// Scheduler runs jobs on fixed intervals. A job never overlaps with itself.
type Scheduler struct {
	entries    map[string]*entry
	mu         sync.RWMutex
	stopCh     chan struct{}
	stopOnce   sync.Once
	jobs       sync.WaitGroup
	resolution time.Duration
	log        zerowrap.Logger
	nowFn      func() time.Time
}

type entry struct {
	id       string
	name     string
	schedule domain.CronSchedule
	job      Job
	lastRun  time.Time
	nextRun  time.Time
	running  atomic.Bool
}

// NewScheduler creates a scheduler that checks for due jobs every resolution.
func NewScheduler(resolution time.Duration, log zerowrap.Logger) *Scheduler {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	return &Scheduler{
		entries:    make(map[string]*entry),
		stopCh:     make(chan struct{}),
		resolution: resolution,
		log:        log,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Add registers a job that first runs one interval from now.
func (s *Scheduler) Add(id, name string, sched domain.CronSchedule, job Job) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if job == nil {
		return fmt.Errorf("job is required")
	}
	if sched.Every <= 0 {
		return fmt.Errorf("schedule %q: interval must be positive, got %s", id, sched.Every)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("schedule %q already exists", id)
	}

	s.entries[id] = &entry{
		id:       id,
		name:     name,
		schedule: sched,
		job:      job,
		nextRun:  s.nowFn().Add(sched.Every),
	}

	s.log.Debug().
		Str(zerowrap.FieldLayer, "usecase").
		Str(zerowrap.FieldComponent, "cron").
		Str("schedule_id", id).
		Dur("every", sched.Every).
		Msg("job scheduled")
	return nil
}

// Remove unregisters a job. A run already in progress completes.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Start begins the scheduler loop. It returns immediately; the loop ends when
// ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx.Err() != nil || s.stopped() {
		return
	}

	ticker := time.NewTicker(s.resolution)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
}

// Stop ends the scheduler loop and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.jobs.Wait()
}

// List returns the registered jobs ordered by id.
func (s *Scheduler) List() []domain.CronEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.CronEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, domain.CronEntry{
			ID:       e.id,
			Name:     e.name,
			Schedule: e.schedule,
			LastRun:  e.lastRun,
			NextRun:  e.nextRun,
			Running:  e.running.Load(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	return entries
}

// RunNow runs a registered job synchronously and reschedules it.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	e := s.getEntry(id)
	if e == nil {
		return fmt.Errorf("schedule %q not found", id)
	}

	s.jobs.Add(1)
	defer s.jobs.Done()
	return s.executeEntry(ctx, e)
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := s.nowFn()
	for _, e := range s.snapshotEntries() {
		s.mu.RLock()
		due := !now.Before(e.nextRun)
		s.mu.RUnlock()
		if !due || e.running.Load() {
			continue
		}

		s.jobs.Add(1)
		go func() {
			defer s.jobs.Done()
			if err := s.executeEntry(ctx, e); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				s.log.Warn().Err(err).
					Str(zerowrap.FieldLayer, "usecase").
					Str(zerowrap.FieldComponent, "cron").
					Str("schedule_id", e.id).
					Msg("scheduled job failed")
			}
		}()
	}
}

func (s *Scheduler) executeEntry(ctx context.Context, e *entry) (err error) {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("schedule %q: %w", e.id, ErrAlreadyRunning)
	}
	defer e.running.Store(false)

	start := s.nowFn()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("schedule %q: job panic: %v", e.id, r)
		}

		// The next run is counted from when this one finished.
		finished := s.nowFn()
		s.mu.Lock()
		e.lastRun = start
		e.nextRun = finished.Add(e.schedule.Every)
		s.mu.Unlock()

		s.log.Debug().
			Str(zerowrap.FieldLayer, "usecase").
			Str(zerowrap.FieldComponent, "cron").
			Str("schedule_id", e.id).
			Dur(zerowrap.FieldDuration, finished.Sub(start)).
			Msg("scheduled job finished")
	}()

	return e.job(ctx)
}

func (s *Scheduler) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Scheduler) getEntry(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

func (s *Scheduler) snapshotEntries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	return entries
}
