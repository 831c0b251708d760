package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/armodel/events"
	"goflare.io/armodel/internal/eviction"
	"goflare.io/armodel/models"
	"goflare.io/armodel/store"
)

// GetModel returns the cached model for key. A miss returns ok=false and a
// nil error; the only error is models.ErrInvalidArgument.
func (c *Cache) GetModel(ctx context.Context, key, assetType string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("%w: empty key", models.ErrInvalidArgument)
	}

	ctx, span := c.tracer.Start(ctx, "Cache.GetModel", trace.WithAttributes(
		attribute.String("key", key),
		attribute.String("assetType", assetType),
	))
	defer span.End()

	meta := c.metadata(ctx)

	if e, ok := c.memory.Get(key); ok {
		if !e.IsStale(meta.FormatVersion) {
			span.SetAttributes(attribute.String("tier", "memory"))
			c.hit(e)
			return bytes.Clone(e.Data), true, nil
		}
		c.memory.Delete(key)
	}

	if !c.filter.MayContain(key) {
		c.miss(key, assetType, events.ReasonNotFound)
		return nil, false, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		return c.read(key)
	})
	if errors.Is(err, models.ErrNotFound) {
		c.miss(key, assetType, events.ReasonNotFound)
		return nil, false, nil
	}
	if err != nil {
		c.fail(span, "get", key, err)
		c.miss(key, assetType, events.ReasonStorage)
		return nil, false, nil
	}

	r := v.(readResult)
	if r.entry.IsStale(meta.FormatVersion) {
		c.dropStale(ctx, span, r.entry, meta.FormatVersion)
		c.miss(key, assetType, events.ReasonVersionMismatch)
		return nil, false, nil
	}

	span.SetAttributes(attribute.String("tier", "store"))
	c.populate(r.entry, r.gen)
	c.hit(r.entry)
	return bytes.Clone(r.entry.Data), true, nil
}

type readResult struct {
	entry *models.ModelEntry
	gen   uint64
}

// read loads key from the store on the cache lifetime, so a caller giving up
// does not fail the callers sharing the read.
func (c *Cache) read(key string) (readResult, error) {
	ctx, cancel := context.WithTimeout(c.ctx, readTimeout)
	defer cancel()

	gen := c.generation()
	e, err := c.store.Get(ctx, key)
	if err != nil {
		return readResult{}, err
	}
	return readResult{entry: e, gen: gen}, nil
}

func (c *Cache) hit(e *models.ModelEntry) {
	c.metrics.Hits.Inc()
	c.touch(e.Key)

	ev := events.New(events.Hit, e.Key)
	ev.AssetType = e.AssetType
	ev.Details.Size = e.SizeBytes
	c.emit(ev)
}

func (c *Cache) miss(key, assetType, reason string) {
	c.metrics.Misses.Inc()

	ev := events.New(events.Miss, key)
	ev.AssetType = assetType
	ev.Reason = reason
	c.emit(ev)
}

// touch records the access in the background. Failures are only logged.
func (c *Cache) touch(key string) {
	at := c.now()
	c.goBackground(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, touchTimeout)
		defer cancel()
		if err := c.store.Touch(ctx, key, at); err != nil {
			c.logger.Debug("Failed to record model access", zap.String("key", key), zap.Error(err))
		}
	})
}

// dropStale deletes an entry written under another format version.
func (c *Cache) dropStale(ctx context.Context, span trace.Span, e *models.ModelEntry, current int) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Re-read under the lock so a concurrent delete is not accounted twice.
	cur, err := c.store.Get(ctx, e.Key)
	if errors.Is(err, models.ErrNotFound) {
		return
	}
	if err != nil {
		c.fail(span, "drop stale", e.Key, err)
		return
	}
	if !cur.IsStale(current) {
		return
	}

	meta, err := c.metadataForWrite(ctx)
	if err != nil {
		c.fail(span, "drop stale", e.Key, err)
		return
	}
	meta.AddSize(-cur.SizeBytes)

	if err := c.apply(ctx, store.NewBatch().Delete(cur.Key).PutMetadata(meta)); err != nil {
		c.fail(span, "drop stale", e.Key, err)
		return
	}
	c.setMeta(meta)
	c.committed(nil, cur.Key)

	c.logger.Info("Dropped stale model",
		zap.String("key", cur.Key),
		zap.Int("entryVersion", cur.FormatVersion),
		zap.Int("formatVersion", current))
	c.removed(cur, events.ReasonVersion)
}

func (c *Cache) removed(e *models.ModelEntry, reason string) {
	ev := events.New(events.Remove, e.Key)
	ev.AssetType = e.AssetType
	ev.Reason = reason
	ev.Details.Size = e.SizeBytes
	c.emit(ev)
}

// AddModel stores data under key, evicting the lowest scored models when the
// budget would be exceeded. It returns false when the store rejected the
// write.
func (c *Cache) AddModel(ctx context.Context, key, assetType string, data []byte) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("%w: empty key", models.ErrInvalidArgument)
	}
	if len(data) == 0 {
		return false, fmt.Errorf("%w: empty data for %s", models.ErrInvalidArgument, key)
	}

	ctx, span := c.tracer.Start(ctx, "Cache.AddModel", trace.WithAttributes(
		attribute.String("key", key),
		attribute.String("assetType", assetType),
		attribute.Int("size", len(data)),
	))
	defer span.End()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	meta, err := c.metadataForWrite(ctx)
	if err != nil {
		c.fail(span, "add", key, err)
		return false, nil
	}

	var oldSize int64
	old, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		oldSize = old.SizeBytes
	case !errors.Is(err, models.ErrNotFound):
		c.fail(span, "add", key, err)
		return false, nil
	}

	size := int64(len(data))
	batch := store.NewBatch()

	var plan eviction.Plan
	if need := eviction.Need(meta.TotalSizeBytes, oldSize, size, meta.Settings.MaxCacheSizeBytes); need > 0 {
		candidates, err := c.store.QueryByIndex(ctx, store.IndexLastAccessed, store.All())
		if err != nil {
			c.fail(span, "add", key, err)
			return false, nil
		}
		plan = c.eviction.Select(candidates, need, key)
		for _, v := range plan.Victims {
			batch.Delete(v.Key)
			meta.AddSize(-v.SizeBytes)
		}
		span.SetAttributes(
			attribute.Int("evicted", len(plan.Victims)),
			attribute.Int64("freed", plan.Freed),
		)
	}

	entry := models.NewModelEntry(key, assetType, bytes.Clone(data), meta.FormatVersion, c.now())
	meta.AddSize(size - oldSize)
	batch.Put(entry).PutMetadata(meta)

	if err := c.apply(ctx, batch); err != nil {
		c.fail(span, "add", key, err)
		return false, nil
	}
	c.setMeta(meta)

	victims := make([]string, len(plan.Victims))
	for i, v := range plan.Victims {
		victims[i] = v.Key
	}
	c.committed(entry, victims...)
	c.filter.Add(key)

	c.evicted(plan)

	ev := events.New(events.Add, key)
	ev.AssetType = assetType
	ev.Details.Size = size
	c.emit(ev)

	c.logger.Debug("Model added",
		zap.String("key", key),
		zap.Int64("size", size),
		zap.Int64("total", meta.TotalSizeBytes))
	return true, nil
}

// evicted publishes the outcome of an eviction plan.
func (c *Cache) evicted(plan eviction.Plan) {
	if len(plan.Victims) > 0 {
		c.metrics.Evictions.Add(int64(len(plan.Victims)))
		for _, v := range plan.Victims {
			c.removed(v, events.ReasonEvicted)
		}

		ev := events.New(events.Cleanup, "")
		ev.Reason = events.ReasonQuota
		ev.Details.FreedSpace = plan.Freed
		ev.Details.CleanedSize = plan.Freed
		ev.Details.ModelsRemoved = len(plan.Victims)
		c.emit(ev)
	}

	if plan.Shortfall > 0 {
		c.logger.Warn("Cache budget exceeded after eviction",
			zap.Int64("freed", plan.Freed),
			zap.Int64("shortfall", plan.Shortfall))

		ev := events.New(events.Cleanup, "")
		ev.Reason = events.ReasonQuotaPressure
		ev.Details.FreedSpace = plan.Freed
		c.emit(ev)
	}
}

// RemoveModel deletes key from both tiers. It returns false when key was not
// cached or the store rejected the delete.
func (c *Cache) RemoveModel(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("%w: empty key", models.ErrInvalidArgument)
	}

	ctx, span := c.tracer.Start(ctx, "Cache.RemoveModel", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	e, err := c.store.Get(ctx, key)
	if errors.Is(err, models.ErrNotFound) {
		c.committed(nil, key)
		return false, nil
	}
	if err != nil {
		c.fail(span, "remove", key, err)
		return false, nil
	}

	meta, err := c.metadataForWrite(ctx)
	if err != nil {
		c.fail(span, "remove", key, err)
		return false, nil
	}
	meta.AddSize(-e.SizeBytes)

	if err := c.apply(ctx, store.NewBatch().Delete(key).PutMetadata(meta)); err != nil {
		c.fail(span, "remove", key, err)
		return false, nil
	}
	c.setMeta(meta)
	c.committed(nil, key)

	c.removed(e, events.ReasonExplicit)
	return true, nil
}

// ClearCache empties both tiers and resets the size accounting.
func (c *Cache) ClearCache(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "Cache.ClearCache")
	defer span.End()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	meta, err := c.metadataForWrite(ctx)
	if err != nil {
		c.fail(span, "clear", "", err)
		return false
	}
	cleared := meta.TotalSizeBytes
	meta.TotalSizeBytes = 0
	meta.LastCleanupAt = c.now()

	if err := c.apply(ctx, store.NewBatch().Clear().PutMetadata(meta)); err != nil {
		c.fail(span, "clear", "", err)
		return false
	}
	c.setMeta(meta)
	c.cleared()
	c.filter.Reset()

	ev := events.New(events.Clear, "")
	ev.Details.CleanedSize = cleared
	c.emit(ev)

	c.logger.Info("Model cache cleared", zap.Int64("freed", cleared))
	return true
}
