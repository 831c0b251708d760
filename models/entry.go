// Package models holds the records persisted and reported by the model cache.
package models

import "time"

// ModelEntry is one cached asset together with its accounting fields.
type ModelEntry struct {
	Key            string    `json:"key"`
	AssetType      string    `json:"assetType"`
	Data           []byte    `json:"data,omitempty"`
	SizeBytes      int64     `json:"sizeBytes"`
	CreatedAt      time.Time `json:"createdAt"`
	FormatVersion  int       `json:"formatVersion"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	AccessCount    int64     `json:"accessCount"`
}

// NewModelEntry creates an entry written at now under the given format version.
// A fresh entry counts as accessed once.
func NewModelEntry(key, assetType string, data []byte, version int, now time.Time) *ModelEntry {
	return &ModelEntry{
		Key:            key,
		AssetType:      assetType,
		Data:           data,
		SizeBytes:      int64(len(data)),
		CreatedAt:      now,
		FormatVersion:  version,
		LastAccessedAt: now,
		AccessCount:    1,
	}
}

// Header returns a copy of the entry without its payload.
func (e *ModelEntry) Header() *ModelEntry {
	h := *e
	h.Data = nil
	return &h
}

// Clone returns a deep copy of the entry.
func (e *ModelEntry) Clone() *ModelEntry {
	c := *e
	if e.Data != nil {
		c.Data = make([]byte, len(e.Data))
		copy(c.Data, e.Data)
	}
	return &c
}

// Touch records a read at the given time. LastAccessedAt never moves backwards.
func (e *ModelEntry) Touch(at time.Time) {
	if at.After(e.LastAccessedAt) {
		e.LastAccessedAt = at
	}
	e.AccessCount++
}

// IsStale reports whether the entry was written under another format version.
func (e *ModelEntry) IsStale(current int) bool {
	return e.FormatVersion != current
}
