package cache

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"goflare.io/armodel/events"
	"goflare.io/armodel/internal/quota"
	"goflare.io/armodel/models"
	"goflare.io/armodel/store"
)

// maintenanceDue gates scheduled passes on the auto cleanup switch and the
// time of the last pass, which survives restarts in the metadata record.
func (c *Cache) maintenanceDue(ctx context.Context) bool {
	meta := c.metadata(ctx)
	if !meta.Settings.AutoCleanupEnabled {
		return false
	}
	return !meta.LastCleanupAt.Add(c.sched.Interval()).After(c.now())
}

// RunMaintenance runs a cleanup pass now, regardless of schedule.
func (c *Cache) RunMaintenance(ctx context.Context) bool {
	if err := c.sched.RunNow(ctx); err != nil {
		c.logger.Warn("Maintenance pass failed", zap.Error(err))
		return false
	}
	return true
}

// maintain purges aged and version-stale models, reconciles the size total
// with the stored entries, rebuilds the key filter and refreshes the quota.
func (c *Cache) maintain(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "Cache.Maintain")
	defer span.End()

	if err := c.purge(ctx); err != nil {
		c.fail(span, "maintenance", "", err)
		return err
	}
	c.RefreshQuota(ctx)
	return nil
}

func (c *Cache) purge(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	meta, err := c.metadataForWrite(ctx)
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	now := c.now()
	cutoff := now.Add(-meta.Settings.MaxCacheAge)

	aged, err := c.store.QueryByIndex(ctx, store.IndexCreatedAt, store.Before(cutoff))
	if err != nil {
		return fmt.Errorf("failed to query aged models: %w", err)
	}
	all, err := c.store.QueryByIndex(ctx, store.IndexCreatedAt, store.All())
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}

	batch := store.NewBatch()
	doomed := make(map[string]bool, len(aged))
	var agedSize int64
	for _, e := range aged {
		doomed[e.Key] = true
		agedSize += e.SizeBytes
		batch.Delete(e.Key)
	}

	var stale []*models.ModelEntry
	var staleSize, liveSize int64
	live := make([]string, 0, len(all))
	for _, e := range all {
		switch {
		case doomed[e.Key]:
		case e.IsStale(meta.FormatVersion):
			stale = append(stale, e)
			staleSize += e.SizeBytes
			batch.Delete(e.Key)
		default:
			live = append(live, e.Key)
			liveSize += e.SizeBytes
		}
	}

	if drift := meta.TotalSizeBytes - (liveSize + agedSize + staleSize); drift != 0 {
		c.logger.Warn("Reconciled cache size total", zap.Int64("drift", drift))
	}
	meta.TotalSizeBytes = liveSize
	meta.LastCleanupAt = now
	batch.PutMetadata(meta)

	if err := c.apply(ctx, batch); err != nil {
		return fmt.Errorf("failed to apply purge: %w", err)
	}
	c.setMeta(meta)
	c.committed(nil, batch.Keys()...)
	c.filter.Rebuild(live)

	ev := events.New(events.Cleanup, "")
	ev.Reason = events.ReasonAge
	ev.Details.CleanedSize = agedSize
	ev.Details.ModelsRemoved = len(aged)
	c.emit(ev)

	if len(stale) > 0 {
		ev := events.New(events.Cleanup, "")
		ev.Reason = events.ReasonVersion
		ev.Details.CleanedSize = staleSize
		ev.Details.ModelsRemoved = len(stale)
		c.emit(ev)
	}

	c.logger.Info("Maintenance pass finished",
		zap.Int("aged", len(aged)),
		zap.Int("stale", len(stale)),
		zap.Int64("total", liveSize))
	return nil
}

// RefreshQuota asks the quota probe for host storage and resizes the cache
// budget from it. It reports whether the budget was updated; an unsupported
// or failing probe leaves the settings untouched.
func (c *Cache) RefreshQuota(ctx context.Context) bool {
	if c.probe == nil {
		return false
	}

	ctx, span := c.tracer.Start(ctx, "Cache.RefreshQuota")
	defer span.End()

	est, err := c.probe.Estimate(ctx)
	if err != nil {
		if errors.Is(err, models.ErrUnsupported) {
			c.logger.Debug("Storage quota unavailable", zap.Error(err))
		} else {
			c.logger.Warn("Failed to estimate storage quota", zap.Error(err))
		}
		return false
	}

	recommended := quota.Recommend(est)
	span.SetAttributes(
		attribute.Int64("quota", est.QuotaBytes),
		attribute.Int64("recommended", recommended),
	)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	meta, err := c.metadataForWrite(ctx)
	if err != nil {
		c.logger.Warn("Failed to read metadata for quota update", zap.Error(err))
		return false
	}
	meta.Settings.MaxCacheSizeBytes = recommended
	meta.DeviceQuotaBytes = est.QuotaBytes

	if err := c.apply(ctx, store.NewBatch().PutMetadata(meta)); err != nil {
		c.logger.Warn("Failed to store quota update", zap.Error(err))
		return false
	}
	c.setMeta(meta)

	c.logger.Info("Cache budget updated from storage quota",
		zap.Int64("quota", est.QuotaBytes),
		zap.Int64("used", est.UsedBytes),
		zap.Int64("maxCacheSize", recommended))
	return true
}
