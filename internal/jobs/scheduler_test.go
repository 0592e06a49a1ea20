package jobs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestScheduler_CoalescesBurst(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(SchedulerConfig{
		Debounce: 30 * time.Millisecond,
		MaxWait:  time.Second,
		Logger:   testLogger(),
	}, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	defer s.Stop()

	for i := 0; i < 10; i++ {
		s.NotifyUpdate()
	}

	waitFor(t, time.Second, func() bool { return runs.Load() == 1 })
	time.Sleep(100 * time.Millisecond)

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
	if s.IsPending() {
		t.Error("scheduler still pending after run")
	}
}

func TestScheduler_MaxWaitBoundsDelay(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(SchedulerConfig{
		Debounce: 80 * time.Millisecond,
		MaxWait:  150 * time.Millisecond,
		Logger:   testLogger(),
	}, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	defer s.Stop()

	// Notifications every 20ms never leave the debounce window quiet.
	stop := time.After(500 * time.Millisecond)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			s.NotifyUpdate()
		}
	}

	if got := runs.Load(); got < 2 {
		t.Errorf("runs during continuous updates = %d, want at least 2", got)
	}

	// The trailing update still gets its run.
	waitFor(t, time.Second, func() bool { return !s.IsPending() && !s.IsRunning() })
}

func TestScheduler_SingleRunInFlight(t *testing.T) {
	var (
		runs    atomic.Int32
		active  atomic.Int32
		maxSeen atomic.Int32
		release = make(chan struct{})
		once    sync.Once
	)

	s := NewScheduler(SchedulerConfig{
		Debounce: 10 * time.Millisecond,
		MaxWait:  40 * time.Millisecond,
		Logger:   testLogger(),
	}, func(ctx context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		if runs.Add(1) == 1 {
			<-release
		}
		return nil
	})
	defer s.Stop()

	s.NotifyUpdate()
	waitFor(t, time.Second, s.IsRunning)

	// Updates during the run fire timers that must not start a second run.
	for i := 0; i < 5; i++ {
		s.NotifyUpdate()
		time.Sleep(15 * time.Millisecond)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs while first in flight = %d, want 1", got)
	}

	once.Do(func() { close(release) })

	// Both timers fired during the run; completion must schedule the follow-up.
	waitFor(t, time.Second, func() bool { return runs.Load() == 2 })
	if got := maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent runs = %d, want 1", got)
	}
}

func TestScheduler_RecoversFromPanic(t *testing.T) {
	var runs atomic.Int32
	metrics := NewMetrics()

	s := NewScheduler(SchedulerConfig{
		Debounce: 10 * time.Millisecond,
		MaxWait:  50 * time.Millisecond,
		Logger:   testLogger(),
		Metrics:  metrics,
	}, func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})
	defer s.Stop()

	s.NotifyUpdate()
	waitFor(t, time.Second, func() bool { return runs.Load() == 1 && !s.IsRunning() })

	s.NotifyUpdate()
	waitFor(t, time.Second, func() bool { return runs.Load() == 2 })
	waitFor(t, time.Second, func() bool {
		return counterValue(metrics.runsTotal, JobTypeGraphRecompute, StatusSuccess) == 1
	})

	if got := counterValue(metrics.errorsTotal, JobTypeGraphRecompute, ErrorTypePanic); got != 1 {
		t.Errorf("panic errors = %f, want 1", got)
	}
	if got := counterValue(metrics.runsTotal, JobTypeGraphRecompute, StatusFailure); got != 1 {
		t.Errorf("failed runs = %f, want 1", got)
	}
}

func TestScheduler_ReportsRunErrors(t *testing.T) {
	metrics := NewMetrics()
	errFailed := errors.New("store unavailable")

	s := NewScheduler(SchedulerConfig{
		Debounce: 10 * time.Millisecond,
		Logger:   testLogger(),
		Metrics:  metrics,
	}, func(ctx context.Context) error {
		return errFailed
	})
	defer s.Stop()

	s.NotifyUpdate()
	waitFor(t, time.Second, func() bool {
		return counterValue(metrics.errorsTotal, JobTypeGraphRecompute, ErrorTypeRun) == 1
	})
	if got := histogramCount(metrics.runDuration, JobTypeGraphRecompute); got != 1 {
		t.Errorf("duration samples = %d, want 1", got)
	}
}

func TestScheduler_StopWaitsAndDisables(t *testing.T) {
	var runs atomic.Int32
	started := make(chan struct{})
	finished := make(chan struct{})

	s := NewScheduler(SchedulerConfig{
		Debounce: 10 * time.Millisecond,
		Logger:   testLogger(),
	}, func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-ctx.Done()
		close(finished)
		return ctx.Err()
	})

	s.NotifyUpdate()
	<-started

	s.Stop()

	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the in-flight run finished")
	}
	if s.IsRunning() {
		t.Error("scheduler running after Stop")
	}

	s.NotifyUpdate()
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("runs after Stop = %d, want 1", got)
	}

	// Idempotent.
	s.Stop()
}

func TestScheduler_NoRunWithoutNotify(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(SchedulerConfig{
		Debounce: 5 * time.Millisecond,
		MaxWait:  10 * time.Millisecond,
		Logger:   testLogger(),
	}, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Errorf("runs = %d, want 0", got)
	}
}
