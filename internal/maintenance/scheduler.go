// Package maintenance runs the cache's periodic cleanup pass.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Job is one maintenance pass.
type Job func(ctx context.Context) error

// Options configure a Scheduler.
type Options struct {
	// Interval is the minimum time between two passes.
	Interval time.Duration
	// CheckEvery is how often Due is polled. Defaults to Interval/24, at
	// least one second.
	CheckEvery time.Duration
	// Due gates scheduled passes. Nil means always due.
	Due func(ctx context.Context) bool
	// WaitIdle, when set, is awaited before every pass.
	WaitIdle func(ctx context.Context) error
	Logger   *zap.Logger
}

// Scheduler runs a Job when due. Passes never overlap.
type Scheduler struct {
	job        Job
	interval   time.Duration
	checkEvery time.Duration
	due        func(ctx context.Context) bool
	waitIdle   func(ctx context.Context) error
	logger     *zap.Logger

	trigger chan struct{}
	mu      sync.Mutex // serializes passes
	runs    *atomic.Int64
	checks  *atomic.Int64

	errMu   sync.Mutex
	lastErr error
}

// New creates a Scheduler for job.
func New(job Job, opts Options) (*Scheduler, error) {
	if job == nil {
		return nil, fmt.Errorf("maintenance job cannot be nil")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("maintenance interval must be greater than 0")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CheckEvery <= 0 {
		opts.CheckEvery = opts.Interval / 24
		if opts.CheckEvery < time.Second {
			opts.CheckEvery = time.Second
		}
	}

	return &Scheduler{
		job:        job,
		interval:   opts.Interval,
		checkEvery: opts.CheckEvery,
		due:        opts.Due,
		waitIdle:   opts.WaitIdle,
		logger:     opts.Logger,
		trigger:    make(chan struct{}, 1),
		runs:       atomic.NewInt64(0),
		checks:     atomic.NewInt64(0),
	}, nil
}

// Interval returns the configured pass interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Runs returns how many passes have completed.
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

// Run polls until ctx is done. It checks once immediately so a pass that
// became overdue while the process was down is not delayed.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.checkEvery)
	defer ticker.Stop()

	s.RunIfDue(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunIfDue(ctx)
		case <-s.trigger:
			s.RunIfDue(ctx)
		case <-ctx.Done():
			s.logger.Info("Stopping maintenance scheduler due to context cancellation")
			return
		}
	}
}

// Trigger asks the Run loop to check now. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Checks returns how many times Due has been consulted.
func (s *Scheduler) Checks() int64 {
	return s.checks.Load()
}

// RunIfDue runs a pass when Due allows it.
func (s *Scheduler) RunIfDue(ctx context.Context) bool {
	defer s.checks.Inc()
	if s.due != nil && !s.due(ctx) {
		return false
	}
	if err := s.RunNow(ctx); err != nil {
		s.logger.Warn("maintenance pass failed", zap.Error(err))
	}
	return true
}

// RunNow waits for idle and runs a pass regardless of Due.
func (s *Scheduler) RunNow(ctx context.Context) error {
	if s.waitIdle != nil {
		if err := s.waitIdle(ctx); err != nil {
			return fmt.Errorf("waiting for idle: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	err := s.job(ctx)
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
	s.runs.Inc()

	s.logger.Debug("maintenance pass finished",
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
	return err
}

// LastError returns the error of the most recent pass.
func (s *Scheduler) LastError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}
