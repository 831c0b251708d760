package cache

import (
	"context"

	"go.uber.org/zap"

	"goflare.io/armodel/models"
	"goflare.io/armodel/store"
)

// CacheStats returns a snapshot of the cache. It never fails; unreadable
// parts fall back to the last known values.
func (c *Cache) CacheStats(ctx context.Context) models.Stats {
	ctx, span := c.tracer.Start(ctx, "Cache.CacheStats")
	defer span.End()

	meta := c.metadata(ctx)

	count, err := c.store.Count(ctx)
	if err != nil {
		c.logger.Warn("Failed to count cached models", zap.Error(err))
		count = 0
	}

	stats := models.Stats{
		TotalSizeBytes:   meta.TotalSizeBytes,
		LastCleanupAt:    meta.LastCleanupAt,
		DeviceQuotaBytes: meta.DeviceQuotaBytes,
		FormatVersion:    meta.FormatVersion,
		EntryCount:       count,
		Settings:         meta.Settings,
		Hits:             c.metrics.Hits.Load(),
		Misses:           c.metrics.Misses.Load(),
		Evictions:        c.metrics.Evictions.Load(),
		Prefetched:       c.metrics.Prefetched.Load(),
		PrefetchPending:  c.prefetch.Pending(),
		PrefetchRunning:  c.prefetch.Running(),
		Online:           c.prefetch.Online(),
		MaintenanceRuns:  c.sched.Runs(),
		MaintenanceError: c.sched.LastError(),
	}
	if meta.DeviceQuotaBytes > 0 {
		stats.PercentUsed = models.PercentOf(meta.TotalSizeBytes, meta.DeviceQuotaBytes)
	} else {
		stats.PercentUsed = models.PercentOf(meta.TotalSizeBytes, meta.Settings.MaxCacheSizeBytes)
	}
	return stats
}

// UpdateSettings merges patch into the stored settings. A smaller budget is
// enforced by the next add, not retroactively. Disabling prefetch drops the
// pending queue; enabling auto cleanup asks the scheduler for a check.
func (c *Cache) UpdateSettings(ctx context.Context, patch models.SettingsPatch) bool {
	if err := patch.Validate(); err != nil {
		c.logger.Warn("Rejected settings update", zap.Error(err))
		return false
	}

	ctx, span := c.tracer.Start(ctx, "Cache.UpdateSettings")
	defer span.End()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	meta, err := c.metadataForWrite(ctx)
	if err != nil {
		c.fail(span, "update settings", "", err)
		return false
	}
	meta.Settings = patch.Apply(meta.Settings)

	if err := c.apply(ctx, store.NewBatch().PutMetadata(meta)); err != nil {
		c.fail(span, "update settings", "", err)
		return false
	}
	c.setMeta(meta)

	if !meta.Settings.PrefetchEnabled {
		c.prefetch.Stop()
	}
	if patch.AutoCleanupEnabled != nil && *patch.AutoCleanupEnabled {
		c.sched.Trigger()
	}
	return true
}
