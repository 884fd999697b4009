package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Runner is one unit of periodic work. now comes from the scheduler's clock.
type Runner func(ctx context.Context, now time.Time) error

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

// Scheduler triggers a Runner periodically.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

// TickerScheduler runs its Runner once at start and then on every tick.
// A failing run is logged and the loop continues.
type TickerScheduler struct {
	name     string
	interval time.Duration
	run      Runner
	clock    Clock

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewTickerScheduler creates a scheduler. A nil clock means time.Now.
func NewTickerScheduler(name string, interval time.Duration, run Runner, clock Clock) *TickerScheduler {
	if clock == nil {
		clock = time.Now
	}
	return &TickerScheduler{
		name:     name,
		interval: interval,
		run:      run,
		clock:    clock,
	}
}

// Start begins the loop. Returns an error if already running.
func (s *TickerScheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("scheduler %s: interval must be positive", s.name)
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler %s is already running", s.name)
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.runLoop(ctx)

	slog.InfoContext(ctx, "Scheduler started", "scheduler", s.name, "interval", s.interval)
	return nil
}

// Stop signals the loop and waits for the current run to finish or ctx to
// expire.
func (s *TickerScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}

	select {
	case <-doneCh:
		slog.InfoContext(ctx, "Scheduler stopped gracefully", "scheduler", s.name)
	case <-ctx.Done():
		slog.WarnContext(ctx, "Scheduler stop timed out", "scheduler", s.name)
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return nil
}

// IsRunning returns whether the scheduler is currently running
func (s *TickerScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *TickerScheduler) runLoop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on startup
	s.runOnce(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *TickerScheduler) runOnce(ctx context.Context) {
	now := s.clock()
	if err := s.run(ctx, now); err != nil {
		slog.ErrorContext(ctx, "Scheduled run failed",
			"scheduler", s.name,
			"now", now.Format(time.RFC3339),
			"error", err)
		return
	}
	slog.DebugContext(ctx, "Scheduled run complete",
		"scheduler", s.name,
		"next_run", now.Add(s.interval).Format(time.RFC3339))
}
