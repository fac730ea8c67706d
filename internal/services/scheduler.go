package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrSchedulerStopped = errors.New("scheduler is stopped")

// RecomputeFunc performs one recomputation rooted at from.
type RecomputeFunc func(ctx context.Context, from time.Time) error

// RecomputeError is logged when a recomputation gives up after its retries.
type RecomputeError struct {
	TaskID   string
	From     time.Time
	Attempts int
	Err      error
}

func (e *RecomputeError) Error() string {
	return fmt.Sprintf("recompute %s from %s failed after %d attempts: %v",
		e.TaskID, e.From.Format(time.RFC3339Nano), e.Attempts, e.Err)
}

func (e *RecomputeError) Unwrap() error { return e.Err }

type SchedulerConfig struct {
	// MaxAttempts per recomputation, including the first (default: 5)
	MaxAttempts int

	// BaseBackoff is the delay before the first retry; it doubles each time (default: 500ms)
	BaseBackoff time.Duration

	// MaxBackoff caps the retry delay (default: 30s)
	MaxBackoff time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxAttempts: 5,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
	}
}

// LocalScheduler is an in-process coalescing queue. It holds at most one
// pending request, rooted at the earliest instant asked for, and a single
// goroutine drains it.
type LocalScheduler struct {
	run    RecomputeFunc
	config SchedulerConfig
	logger *slog.Logger

	mu        sync.Mutex
	pending   bool
	pendingAt time.Time
	reasons   []string
	running   bool
	stopped   bool
	busy      bool
	lastErr   error

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

var _ Scheduler = (*LocalScheduler)(nil)

func NewLocalScheduler(run RecomputeFunc, config SchedulerConfig, logger *slog.Logger) *LocalScheduler {
	def := DefaultSchedulerConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = def.BaseBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalScheduler{
		run:    run,
		config: config,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Schedule records from as pending, keeping the earliest instant if a request
// is already waiting. It never blocks on the recomputation.
func (s *LocalScheduler) Schedule(ctx context.Context, from time.Time, reason string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	if !s.pending || from.Before(s.pendingAt) {
		s.pendingAt = from
	}
	s.pending = true
	s.reasons = append(s.reasons, reason)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	s.logger.DebugContext(ctx, "Recomputation scheduled", "from", from, "reason", reason)
	return nil
}

// Start launches the worker goroutine. ctx is used for the recomputations;
// it should not be a request context.
func (s *LocalScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.stopped = false
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)

	s.logger.InfoContext(ctx, "Recompute scheduler started",
		"max_attempts", s.config.MaxAttempts,
		"base_backoff", s.config.BaseBackoff)
	return nil
}

// Stop rejects new requests, lets the worker finish whatever is pending with
// a single attempt, and waits for it or for ctx to expire.
func (s *LocalScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.doneCh:
		s.logger.InfoContext(ctx, "Recompute scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WarnContext(ctx, "Recompute scheduler stop timed out")
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// Idle reports whether nothing is pending or running.
func (s *LocalScheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.pending && !s.busy
}

// LastError returns the error of the most recent recomputation that gave up.
func (s *LocalScheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *LocalScheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	for {
		select {
		case <-s.wake:
			s.drain(ctx, false)
		case <-s.stopCh:
			s.drain(ctx, true)
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain runs until no request is pending.
func (s *LocalScheduler) drain(ctx context.Context, stopping bool) {
	for {
		from, reasons, ok := s.take()
		if !ok {
			return
		}
		s.execute(ctx, from, reasons, stopping)
	}
}

func (s *LocalScheduler) take() (time.Time, []string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		return time.Time{}, nil, false
	}
	from, reasons := s.pendingAt, s.reasons
	s.pending = false
	s.reasons = nil
	s.busy = true
	return from, reasons, true
}

// absorb folds a request that arrived during a failed attempt into the retry.
func (s *LocalScheduler) absorb(from time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending {
		if s.pendingAt.Before(from) {
			from = s.pendingAt
		}
		s.pending = false
		s.reasons = nil
	}
	return from
}

func (s *LocalScheduler) execute(ctx context.Context, from time.Time, reasons []string, stopping bool) {
	taskID := uuid.NewString()
	maxAttempts := s.config.MaxAttempts
	if stopping {
		maxAttempts = 1
	}

	var err error
	backoff := s.config.BaseBackoff
	attempt := 1
	for ; ; attempt++ {
		started := time.Now()
		err = s.run(ctx, from)
		if err == nil {
			s.logger.InfoContext(ctx, "Recomputation completed",
				"task_id", taskID,
				"from", from,
				"reasons", reasons,
				"attempt", attempt,
				"duration", time.Since(started))
			break
		}

		s.logger.WarnContext(ctx, "Recomputation attempt failed",
			"task_id", taskID,
			"from", from,
			"attempt", attempt,
			"error", err)

		if attempt >= maxAttempts {
			break
		}

		select {
		case <-time.After(backoff):
		case <-s.stopCh:
			maxAttempts = attempt + 1
		case <-ctx.Done():
			err = ctx.Err()
			maxAttempts = attempt
		}
		if attempt >= maxAttempts {
			break
		}
		backoff = min(backoff*2, s.config.MaxBackoff)
		from = s.absorb(from)
	}

	s.mu.Lock()
	s.busy = false
	if err != nil {
		s.lastErr = &RecomputeError{TaskID: taskID, From: from, Attempts: attempt, Err: err}
	} else {
		s.lastErr = nil
	}
	rerr := s.lastErr
	s.mu.Unlock()

	if rerr != nil {
		s.logger.ErrorContext(ctx, "Recomputation abandoned", "error", rerr)
	}
}
