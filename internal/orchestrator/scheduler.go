package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Task is a unit of periodic upkeep. Its context is cancelled when the
// scheduler stops.
type Task func(ctx context.Context)

// Job reports the state of a scheduled task.
type Job struct {
	Name    string
	Every   time.Duration
	Runs    int64
	NextRun time.Time // zero before Start
}

type job struct {
	every  time.Duration
	handle gocron.Job
	runs   atomic.Int64
}

// Scheduler runs the pipeline's upkeep tasks (fragment sweeps, throughput
// sampling) on a shared gocron scheduler. A task that overruns its period
// skips the ticks it missed instead of piling up.
type Scheduler struct {
	mu     sync.Mutex
	cron   gocron.Scheduler
	jobs   map[string]*job
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func newScheduler(logger *slog.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron,
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "scheduler"),
	}, nil
}

// Every schedules task to run once per period under a unique name.
func (s *Scheduler) Every(name string, period time.Duration, task Task) error {
	if period <= 0 {
		return fmt.Errorf("job %q: period must be positive, got %s", name, period)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %q already scheduled", name)
	}

	j := &job{every: period}
	handle, err := s.cron.NewJob(
		gocron.DurationJob(period),
		gocron.NewTask(func() {
			task(s.ctx)
			j.runs.Add(1)
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("job %q: %w", name, err)
	}
	j.handle = handle
	s.jobs[name] = j
	s.logger.Debug("job scheduled", "job", name, "every", period)
	return nil
}

// Remove unschedules the named job and reports whether it existed.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	delete(s.jobs, name)
	if err := s.cron.RemoveJob(j.handle.ID()); err != nil {
		s.logger.Warn("remove job", "job", name, "error", err)
	}
	return true
}

// Jobs lists the scheduled jobs ordered by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for name, j := range s.jobs {
		info := Job{Name: name, Every: j.every, Runs: j.runs.Load()}
		if next, err := j.handle.NextRun(); err == nil {
			info.NextRun = next
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b Job) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (s *Scheduler) start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.Jobs()))
}

// stop cancels running tasks and waits for them to return. The scheduler
// cannot be restarted.
func (s *Scheduler) stop() error {
	s.cancel()
	return s.cron.Shutdown()
}
