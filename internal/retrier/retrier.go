// Package retrier runs store operations with bounded backoff.
package retrier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ExponentialBackoff multiplies the delay by Factor on every attempt.
// LinearBackoff grows the delay by BaseDelay on every attempt.
// FibonacciBackoff grows the delay along the Fibonacci sequence.
const (
	ExponentialBackoff BackoffStrategy = iota
	LinearBackoff
	FibonacciBackoff
)

var (
	// ErrInvalidMaxAttempts is returned when the max attempts parameter is invalid.
	ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")
	// ErrInvalidBaseDelay is returned when the base delay parameter is invalid.
	ErrInvalidBaseDelay = errors.New("base delay must be at least 1ms")
	// ErrInvalidFactor is returned when the factor parameter is invalid.
	ErrInvalidFactor = errors.New("factor must be at least 1.0")
	// ErrInvalidJitter is returned when the jitter parameter is invalid.
	ErrInvalidJitter = errors.New("jitter must be between 0 and 1")
)

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy int

// Settings configures a Retrier.
type Settings struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      float64
	Strategy    BackoffStrategy
	// Retryable decides whether an error is worth another attempt.
	// When nil, errors implementing Temporary are retried.
	Retryable func(error) bool
}

// Retrier executes a function until it succeeds, fails permanently or runs
// out of attempts.
type Retrier struct {
	settings  Settings
	fibonacci []time.Duration
}

// New validates settings and creates a Retrier.
func New(s Settings) (*Retrier, error) {
	if s.MaxAttempts < 1 {
		return nil, ErrInvalidMaxAttempts
	}
	if s.BaseDelay < time.Millisecond {
		return nil, ErrInvalidBaseDelay
	}
	if s.Factor < 1.0 {
		return nil, ErrInvalidFactor
	}
	if s.Jitter < 0 || s.Jitter > 1 {
		return nil, ErrInvalidJitter
	}
	if s.MaxDelay < s.BaseDelay {
		s.MaxDelay = s.BaseDelay
	}

	return &Retrier{
		settings:  s,
		fibonacci: fibonacciDelays(s.MaxAttempts, s.BaseDelay, s.MaxDelay),
	}, nil
}

// Run calls fn until it returns nil or a non-retryable error.
func (r *Retrier) Run(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.settings.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !r.retryable(err) {
			return err
		}
		if attempt == r.settings.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(r.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts reached: %w", err)
}

func (r *Retrier) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if r.settings.Retryable != nil {
		return r.settings.Retryable(err)
	}
	return IsTemporary(err)
}

// delay computes the wait after the given attempt.
func (r *Retrier) delay(attempt int) time.Duration {
	s := r.settings

	var d float64
	switch s.Strategy {
	case LinearBackoff:
		d = float64(s.BaseDelay) * float64(attempt+1)
	case FibonacciBackoff:
		d = float64(r.fibonacci[attempt])
	default:
		d = float64(s.BaseDelay) * math.Pow(s.Factor, float64(attempt))
	}

	if d > float64(s.MaxDelay) {
		d = float64(s.MaxDelay)
	}
	d += rand.Float64() * s.Jitter * d
	return time.Duration(d)
}

func fibonacciDelays(n int, base, maxDelay time.Duration) []time.Duration {
	delays := make([]time.Duration, n)
	a, b := base, base
	for i := range delays {
		delays[i] = min(a, maxDelay)
		a, b = b, a+b
	}
	return delays
}
