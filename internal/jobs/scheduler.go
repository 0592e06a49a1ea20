package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scheduler defaults.
const (
	DefaultDebounce   = 500 * time.Millisecond
	DefaultMaxWait    = 3 * time.Second
	DefaultRunTimeout = 30 * time.Second
)

// ErrRunPanicked wraps a panic recovered from a run.
var ErrRunPanicked = errors.New("scheduled run panicked")

// RunFunc is the work coalesced by a Scheduler.
type RunFunc func(ctx context.Context) error

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Debounce is the quiet period after the last notification before a run starts.
	Debounce time.Duration
	// MaxWait bounds the time between runs while notifications keep arriving.
	MaxWait time.Duration
	// Timeout bounds a single run.
	Timeout time.Duration
	// JobType labels metrics and logs.
	JobType string
	// Logger for scheduler activity.
	Logger *slog.Logger
	// Metrics is optional.
	Metrics Reporter
}

type timerKind int

const (
	debounceTimer timerKind = iota
	maxWaitTimer
)

// Scheduler coalesces bursts of NotifyUpdate calls into runs of a single
// function. A run starts once notifications pause for Debounce, or at the
// latest MaxWait after the previous run while they keep coming. At most one
// run is in flight at any time.
type Scheduler struct {
	config SchedulerConfig
	run    RunFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  bool
	running  bool
	stopped  bool
	lastRun  time.Time
	debounce *time.Timer
	maxWait  *time.Timer
	// Bumped on every arm and disarm so a timer that fires after being
	// superseded can tell it is stale.
	debounceGen uint64
	maxWaitGen  uint64

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler for run. Nothing happens until NotifyUpdate.
func NewScheduler(config SchedulerConfig, run RunFunc) *Scheduler {
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}
	if config.MaxWait <= 0 {
		config.MaxWait = DefaultMaxWait
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRunTimeout
	}
	if config.JobType == "" {
		config.JobType = JobTypeGraphRecompute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:  config,
		run:     run,
		ctx:     ctx,
		cancel:  cancel,
		lastRun: time.Now(),
	}
}

// NotifyUpdate marks work as pending and (re)arms the timers. It never blocks
// on a run. After Stop it does nothing.
func (s *Scheduler) NotifyUpdate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	if s.pending && s.config.Metrics != nil {
		s.config.Metrics.IncCoalesced(s.config.JobType)
	}
	s.pending = true

	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounceGen++
	gen := s.debounceGen
	s.debounce = time.AfterFunc(s.config.Debounce, func() { s.fire(debounceTimer, gen) })

	if s.maxWait == nil {
		s.armMaxWaitLocked()
	}
}

// IsRunning reports whether a run is in flight.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsPending reports whether notifications are waiting for a run.
func (s *Scheduler) IsPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Stop disarms the timers, cancels and waits for an in-flight run. Later
// notifications are ignored. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.pending = false
	s.disarmLocked()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) armMaxWaitLocked() {
	wait := s.config.MaxWait - time.Since(s.lastRun)
	if wait < 0 {
		wait = 0
	}

	s.maxWaitGen++
	gen := s.maxWaitGen
	s.maxWait = time.AfterFunc(wait, func() { s.fire(maxWaitTimer, gen) })
}

func (s *Scheduler) disarmLocked() {
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	if s.maxWait != nil {
		s.maxWait.Stop()
		s.maxWait = nil
	}
	s.debounceGen++
	s.maxWaitGen++
}

func (s *Scheduler) fire(kind timerKind, gen uint64) {
	s.mu.Lock()

	switch kind {
	case debounceTimer:
		if gen != s.debounceGen {
			s.mu.Unlock()
			return
		}
		s.debounce = nil
	case maxWaitTimer:
		if gen != s.maxWaitGen {
			s.mu.Unlock()
			return
		}
		s.maxWait = nil
	}

	if s.stopped || s.running || !s.pending {
		s.mu.Unlock()
		return
	}

	s.disarmLocked()
	s.running = true
	s.pending = false
	s.lastRun = time.Now()
	s.wg.Add(1)
	s.mu.Unlock()

	s.execute()
}

func (s *Scheduler) execute() {
	defer s.wg.Done()

	start := time.Now()
	err := s.safeRun()
	duration := time.Since(start)

	s.report(err, duration)

	s.mu.Lock()
	s.running = false
	if s.pending && !s.stopped && s.debounce == nil && s.maxWait == nil {
		s.armMaxWaitLocked()
	}
	s.mu.Unlock()
}

func (s *Scheduler) safeRun() (err error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrRunPanicked, r)
		}
	}()

	return s.run(ctx)
}

func (s *Scheduler) report(err error, duration time.Duration) {
	m := s.config.Metrics
	if m != nil {
		m.ObserveJobDuration(s.config.JobType, duration.Seconds())
	}

	if err == nil {
		if m != nil {
			m.IncJobsTotal(s.config.JobType, StatusSuccess)
		}
		s.config.Logger.Debug("scheduled run completed",
			"job_type", s.config.JobType,
			"duration_ms", duration.Milliseconds())
		return
	}

	errorType := ErrorTypeRun
	switch {
	case errors.Is(err, ErrRunPanicked):
		errorType = ErrorTypePanic
	case errors.Is(err, context.DeadlineExceeded):
		errorType = ErrorTypeTimeout
	}

	if m != nil {
		m.IncJobsTotal(s.config.JobType, StatusFailure)
		m.IncJobErrors(s.config.JobType, errorType)
	}
	s.config.Logger.Error("scheduled run failed",
		"job_type", s.config.JobType,
		"error_type", errorType,
		"duration_ms", duration.Milliseconds(),
		"error", err)
}
