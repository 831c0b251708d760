package cache

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/armodel/events"
	"goflare.io/armodel/internal/prefetch"
	"goflare.io/armodel/models"
)

// errPrefetchRejected is returned to the worker when AddModel refused a
// fetched model. AddModel has already published the cause.
var errPrefetchRejected = errors.New("fetched model was not stored")

// PrefetchModel queues key for background download. It does nothing when
// prefetching is disabled or the model is already cached. Priorities are
// clamped to 1..10.
func (c *Cache) PrefetchModel(ctx context.Context, key, assetType string, priority int) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", models.ErrInvalidArgument)
	}

	priority = prefetch.ClampPriority(priority)
	ctx, span := c.tracer.Start(ctx, "Cache.PrefetchModel", trace.WithAttributes(
		attribute.String("key", key),
		attribute.Int("priority", priority),
	))
	defer span.End()

	meta := c.metadata(ctx)
	if !meta.Settings.PrefetchEnabled {
		return nil
	}
	if c.cached(ctx, key, meta.FormatVersion) {
		return nil
	}

	added, err := c.prefetch.Enqueue(prefetch.Item{Key: key, AssetType: assetType, Priority: priority})
	if err != nil {
		c.logger.Warn("Failed to queue prefetch", zap.String("key", key), zap.Error(err))
		span.RecordError(err)

		ev := events.New(events.Error, key)
		ev.AssetType = assetType
		ev.Reason = events.ReasonPrefetch
		ev.Err = err
		c.emit(ev)
		return nil
	}
	if added {
		ev := events.New(events.Prefetch, key)
		ev.AssetType = assetType
		ev.Reason = events.ReasonQueued
		ev.Details.Priority = priority
		c.emit(ev)
	}
	return nil
}

// cached reports whether a servable copy of key exists in either tier.
func (c *Cache) cached(ctx context.Context, key string, version int) bool {
	if e, ok := c.memory.Get(key); ok && !e.IsStale(version) {
		return true
	}
	if !c.filter.MayContain(key) {
		return false
	}
	e, err := c.store.Get(ctx, key)
	return err == nil && !e.IsStale(version)
}

// SetOnline forwards the host connectivity signal. Prefetching pauses while
// offline and resumes with the pending queue when back online.
func (c *Cache) SetOnline(online bool) {
	c.logger.Info("Connectivity changed", zap.Bool("online", online))
	c.prefetch.SetOnline(online)
}

// StopPrefetching drops every pending prefetch.
func (c *Cache) StopPrefetching() int {
	return c.prefetch.Stop()
}

func (c *Cache) onPrefetched(item prefetch.Item, size int) {
	c.metrics.Prefetched.Inc()

	ev := events.New(events.Prefetch, item.Key)
	ev.AssetType = item.AssetType
	ev.Reason = events.ReasonFetched
	ev.Details.Size = int64(size)
	ev.Details.Priority = item.Priority
	c.emit(ev)
}

func (c *Cache) onPrefetchError(item prefetch.Item, err error) {
	ev := events.New(events.Error, item.Key)
	ev.AssetType = item.AssetType
	ev.Reason = events.ReasonPrefetch
	ev.Details.Priority = item.Priority
	ev.Err = err
	c.emit(ev)
}

// prefetchSink feeds fetched models back through the facade.
type prefetchSink struct {
	c *Cache
}

func (s prefetchSink) Cached(ctx context.Context, key string) bool {
	return s.c.cached(ctx, key, s.c.metadata(ctx).FormatVersion)
}

func (s prefetchSink) Store(ctx context.Context, key, assetType string, data []byte) error {
	ok, err := s.c.AddModel(ctx, key, assetType, data)
	if err != nil {
		return err
	}
	if !ok {
		return errPrefetchRejected
	}
	return nil
}
