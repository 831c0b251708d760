package models

import "time"

// MetadataKey is the key of the single metadata record.
const MetadataKey = "cache-stats"

// Settings are the user-tunable cache limits and switches.
type Settings struct {
	MaxCacheSizeBytes  int64         `json:"maxCacheSizeBytes"`
	MaxCacheAge        time.Duration `json:"maxCacheAge"`
	PrefetchEnabled    bool          `json:"prefetchEnabled"`
	AutoCleanupEnabled bool          `json:"autoCleanupEnabled"`
}

// SettingsPatch is a partial settings update. Nil fields are left unchanged.
type SettingsPatch struct {
	MaxCacheSizeBytes  *int64
	MaxCacheAge        *time.Duration
	PrefetchEnabled    *bool
	AutoCleanupEnabled *bool
}

// Apply merges the patch into s and returns the result.
func (p SettingsPatch) Apply(s Settings) Settings {
	if p.MaxCacheSizeBytes != nil {
		s.MaxCacheSizeBytes = *p.MaxCacheSizeBytes
	}
	if p.MaxCacheAge != nil {
		s.MaxCacheAge = *p.MaxCacheAge
	}
	if p.PrefetchEnabled != nil {
		s.PrefetchEnabled = *p.PrefetchEnabled
	}
	if p.AutoCleanupEnabled != nil {
		s.AutoCleanupEnabled = *p.AutoCleanupEnabled
	}
	return s
}

// Validate rejects patches that would leave the cache unusable.
func (p SettingsPatch) Validate() error {
	if p.MaxCacheSizeBytes != nil && *p.MaxCacheSizeBytes <= 0 {
		return ErrInvalidArgument
	}
	if p.MaxCacheAge != nil && *p.MaxCacheAge <= 0 {
		return ErrInvalidArgument
	}
	return nil
}

// Metadata is the singleton accounting record stored next to the entries.
type Metadata struct {
	TotalSizeBytes   int64     `json:"totalSizeBytes"`
	LastCleanupAt    time.Time `json:"lastCleanupAt"`
	DeviceQuotaBytes int64     `json:"deviceQuotaBytes"`
	FormatVersion    int       `json:"formatVersion"`
	Settings         Settings  `json:"settings"`
}

// NewMetadata returns the record of an empty cache.
func NewMetadata(version int, settings Settings, now time.Time) *Metadata {
	return &Metadata{
		LastCleanupAt: now,
		FormatVersion: version,
		Settings:      settings,
	}
}

// Clone returns a copy of the record.
func (m *Metadata) Clone() *Metadata {
	c := *m
	return &c
}

// AddSize adjusts the running total, never letting it drop below zero.
func (m *Metadata) AddSize(delta int64) {
	m.TotalSizeBytes += delta
	if m.TotalSizeBytes < 0 {
		m.TotalSizeBytes = 0
	}
}
