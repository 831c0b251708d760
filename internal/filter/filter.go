// Package filter keeps a bloom filter of persisted keys so lookups for keys
// that were never stored skip the persistent tier.
package filter

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// KeyFilter is safe for concurrent use. A nil *KeyFilter admits every key.
type KeyFilter struct {
	mu       sync.RWMutex
	filter   *bloom.BloomFilter
	expected uint
	fpRate   float64
}

// New sizes a filter for expectedItems keys at the given false positive rate.
func New(expectedItems uint, falsePositiveRate float64) *KeyFilter {
	return &KeyFilter{
		filter:   bloom.NewWithEstimates(expectedItems, falsePositiveRate),
		expected: expectedItems,
		fpRate:   falsePositiveRate,
	}
}

// Add records key as possibly persisted.
func (f *KeyFilter) Add(key string) {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.filter.AddString(key)
	f.mu.Unlock()
}

// MayContain is false only when key was definitely never added.
func (f *KeyFilter) MayContain(key string) bool {
	if f == nil {
		return true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.TestString(key)
}

// Reset forgets every key.
func (f *KeyFilter) Reset() {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.filter.ClearAll()
	f.mu.Unlock()
}

// Rebuild replaces the filter with one holding exactly keys. Deleted keys
// otherwise linger as false positives.
func (f *KeyFilter) Rebuild(keys []string) {
	if f == nil {
		return
	}
	expected := f.expected
	if n := uint(len(keys)); n > expected {
		expected = n
	}
	next := bloom.NewWithEstimates(expected, f.fpRate)
	for _, key := range keys {
		next.AddString(key)
	}

	f.mu.Lock()
	f.filter = next
	f.mu.Unlock()
}
