// Package supervisor runs the fleet recovery loop: it periodically walks
// the task fleet and restarts streams whose declared intent is to run but
// whose pump has died.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-av/image2rtsp/internal/pump"
	"github.com/go-av/image2rtsp/internal/task"
)

// Config carries the recovery tunables. After MaxRetry consecutive failed
// attempts the task is given up on and parked in a cooldown of
// CooldownMultiplier poll intervals before attempts may resume.
type Config struct {
	Interval           time.Duration
	MaxRetry           int
	CooldownMultiplier int
}

// Supervisor watches the fleet and restarts dead streams.
type Supervisor struct {
	cfg      Config
	registry task.Registry
	pumps    *pump.Manager

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	started  int64
	failures int64
}

// New creates a supervisor over a registry and pump manager.
func New(cfg Config, registry task.Registry, pumps *pump.Manager) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}
	if cfg.CooldownMultiplier <= 0 {
		cfg.CooldownMultiplier = 3
	}
	return &Supervisor{
		cfg:      cfg,
		registry: registry,
		pumps:    pumps,
	}
}

// Start launches the recovery loop. Idempotent start is not supported;
// callers own the lifecycle.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx)
	slog.Info("recovery supervisor started",
		"interval", s.cfg.Interval, "max_retry", s.cfg.MaxRetry)
}

// Stop halts the recovery loop and waits for the in-flight sweep to end.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("recovery supervisor stopped")
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one recovery pass over the fleet. Exported so tests and
// operators can force a pass without waiting for the ticker.
func (s *Supervisor) Sweep(ctx context.Context) {
	now := time.Now()
	for _, t := range s.registry.ListAll() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.sweepTask(ctx, t, now)
	}
}

// sweepTask inspects one task and restarts it when its stream has died.
// A panic anywhere in a single task's recovery must not take down the
// sweep for the rest of the fleet.
func (s *Supervisor) sweepTask(ctx context.Context, t *task.Task, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovery panicked for task", "task_id", t.ID, "panic", r)
		}
	}()

	if !s.pumps.Desired(t.ID) {
		return
	}
	if s.pumps.Alive(t.ID) {
		// A stream that survived a full poll interval earns a fresh
		// retry budget.
		s.pumps.ResetRetries(t.ID)
		return
	}
	if s.pumps.InCooldown(t.ID, now) {
		slog.Debug("task in recovery cooldown", "task_id", t.ID)
		return
	}

	// The counter only ever moves forward here; restarts that come up and
	// crash again before the next sweep still consume the budget.
	attempt := s.pumps.BumpRetries(t.ID)
	if attempt > s.cfg.MaxRetry {
		s.park(t, attempt-1, now)
		return
	}
	slog.Warn("stream down, attempting recovery",
		"task_id", t.ID, "name", t.Name, "attempt", attempt, "max", s.cfg.MaxRetry)

	if err := s.pumps.Start(ctx, t.ID); err != nil {
		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		slog.Error("recovery attempt failed", "task_id", t.ID, "attempt", attempt, "error", err)
		if attempt >= s.cfg.MaxRetry {
			s.park(t, attempt, now)
		}
		return
	}

	s.mu.Lock()
	s.started++
	s.mu.Unlock()
	slog.Info("stream restarted", "task_id", t.ID, "attempt", attempt)
}

// park marks a task in error and suspends recovery attempts; the attempt
// counter restarts fresh once the cooldown expires.
func (s *Supervisor) park(t *task.Task, retries int, now time.Time) {
	until := now.Add(time.Duration(s.cfg.CooldownMultiplier) * s.cfg.Interval)
	s.pumps.MarkError(t.ID)
	s.pumps.SetCooldown(t.ID, until)
	slog.Error("giving up on task after repeated failures",
		"task_id", t.ID, "retries", retries, "cooldown_until", until)
}

// Stats reports cumulative recovery counters.
func (s *Supervisor) Stats() (started, failures int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started, s.failures
}
