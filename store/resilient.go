package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/armodel/models"
)

// Runner executes fn with a retry policy.
type Runner interface {
	Run(ctx context.Context, fn func() error) error
}

// Resilient guards a Store with a circuit breaker around a retry policy.
// While the breaker is open every call fails fast with
// models.ErrStorageUnavailable.
type Resilient struct {
	next    Store
	breaker *gobreaker.CircuitBreaker
	retry   Runner
	logger  *zap.Logger
}

// NewResilient wraps next. A nil retry runs each call once.
// models.ErrNotFound never counts as a breaker failure.
func NewResilient(next Store, settings gobreaker.Settings, retry Runner, logger *zap.Logger) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.Name == "" {
		settings.Name = "store"
	}
	if settings.IsSuccessful == nil {
		settings.IsSuccessful = func(err error) bool {
			return err == nil || errors.Is(err, models.ErrNotFound)
		}
	}
	stateChange := settings.OnStateChange
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn("Store circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		if stateChange != nil {
			stateChange(name, from, to)
		}
	}

	return &Resilient{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(settings),
		retry:   retry,
		logger:  logger,
	}
}

// State reports the breaker state.
func (r *Resilient) State() gobreaker.State {
	return r.breaker.State()
}

func (r *Resilient) execute(ctx context.Context, fn func() error) error {
	_, err := r.breaker.Execute(func() (any, error) {
		if r.retry == nil {
			return nil, fn()
		}
		return nil, r.retry.Run(ctx, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
	}
	return err
}

func (r *Resilient) Get(ctx context.Context, key string) (*models.ModelEntry, error) {
	var e *models.ModelEntry
	err := r.execute(ctx, func() error {
		var err error
		e, err = r.next.Get(ctx, key)
		return err
	})
	return e, err
}

func (r *Resilient) QueryByIndex(ctx context.Context, index Index, rg Range) ([]*models.ModelEntry, error) {
	var entries []*models.ModelEntry
	err := r.execute(ctx, func() error {
		var err error
		entries, err = r.next.QueryByIndex(ctx, index, rg)
		return err
	})
	return entries, err
}

func (r *Resilient) Count(ctx context.Context) (int, error) {
	var n int
	err := r.execute(ctx, func() error {
		var err error
		n, err = r.next.Count(ctx)
		return err
	})
	return n, err
}

func (r *Resilient) Metadata(ctx context.Context) (*models.Metadata, error) {
	var m *models.Metadata
	err := r.execute(ctx, func() error {
		var err error
		m, err = r.next.Metadata(ctx)
		return err
	})
	return m, err
}

func (r *Resilient) Touch(ctx context.Context, key string, at time.Time) error {
	return r.execute(ctx, func() error {
		return r.next.Touch(ctx, key, at)
	})
}

func (r *Resilient) Apply(ctx context.Context, b *Batch) error {
	return r.execute(ctx, func() error {
		return r.next.Apply(ctx, b)
	})
}

func (r *Resilient) Close() error {
	return r.next.Close()
}
