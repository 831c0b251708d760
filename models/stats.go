package models

import "time"

// Stats is the snapshot returned by the cache stats call.
type Stats struct {
	TotalSizeBytes   int64
	LastCleanupAt    time.Time
	DeviceQuotaBytes int64
	FormatVersion    int
	EntryCount       int
	PercentUsed      float64
	Settings         Settings

	Hits            int64
	Misses          int64
	Evictions       int64
	Prefetched      int64
	PrefetchPending int
	PrefetchRunning bool
	Online          bool

	MaintenanceRuns  int64
	MaintenanceError error // error of the most recent pass, nil on success
}

// PercentOf returns used as a percentage of limit, or 0 when limit is unknown.
func PercentOf(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}
