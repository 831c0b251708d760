// Package store defines the persistent tier of the model cache and ships
// memory, Redis and filesystem implementations of it.
//
// A Store holds model entries keyed by source URL, secondary indexes over
// asset type, creation time, last access time and access count, and one
// metadata record. Mutations that affect size accounting are submitted as a
// Batch so that entry changes and the metadata update land together.
package store

import (
	"context"
	"math"
	"time"

	"goflare.io/armodel/models"
)

// Index names a secondary index.
type Index string

const (
	IndexAssetType    Index = "assetType"
	IndexCreatedAt    Index = "createdAt"
	IndexLastAccessed Index = "lastAccessedAt"
	IndexAccessCount  Index = "accessCount"
)

// Range selects index values. Numeric indexes match Min <= v < Max; the
// asset type index matches Value exactly.
type Range struct {
	Value string
	Min   int64
	Max   int64
}

// All matches every entry of a numeric index.
func All() Range { return Range{Min: math.MinInt64, Max: math.MaxInt64} }

// Below matches numeric index values strictly lower than v.
func Below(v int64) Range { return Range{Min: math.MinInt64, Max: v} }

// Equal matches an asset type.
func Equal(v string) Range { return Range{Value: v} }

// Before matches time index values strictly earlier than t.
func Before(t time.Time) Range { return Below(t.UnixMilli()) }

func (r Range) contains(v int64) bool {
	return v >= r.Min && v < r.Max
}

// Store is the persistent tier. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry stored under key, payload included.
	// Returns models.ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) (*models.ModelEntry, error)

	// QueryByIndex returns entry headers (no payload) matching r, ordered by
	// ascending index value and then by key.
	QueryByIndex(ctx context.Context, index Index, r Range) ([]*models.ModelEntry, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)

	// Metadata returns the metadata record, or models.ErrNotFound.
	Metadata(ctx context.Context) (*models.Metadata, error)

	// Touch records a read of key at the given time. It is not part of size
	// accounting and may race with batches. Absent keys are ignored.
	Touch(ctx context.Context, key string, at time.Time) error

	// Apply commits a batch as one unit.
	Apply(ctx context.Context, b *Batch) error

	// Close releases the resources held by the store.
	Close() error
}

type opKind int

const (
	opPut opKind = iota
	opDelete
)

type op struct {
	kind  opKind
	key   string
	entry *models.ModelEntry
}

// Batch collects mutations applied by Store.Apply in this order: clear,
// puts and deletes in submission order, metadata.
type Batch struct {
	clear bool
	ops   []op
	meta  *models.Metadata
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put stores e, replacing any entry with the same key.
func (b *Batch) Put(e *models.ModelEntry) *Batch {
	b.ops = append(b.ops, op{kind: opPut, key: e.Key, entry: e})
	return b
}

// Delete removes key if present.
func (b *Batch) Delete(key string) *Batch {
	b.ops = append(b.ops, op{kind: opDelete, key: key})
	return b
}

// Clear removes every entry before the other operations run.
func (b *Batch) Clear() *Batch {
	b.clear = true
	return b
}

// PutMetadata replaces the metadata record.
func (b *Batch) PutMetadata(m *models.Metadata) *Batch {
	b.meta = m
	return b
}

// Keys returns the keys the batch puts or deletes, in submission order.
func (b *Batch) Keys() []string {
	keys := make([]string, 0, len(b.ops))
	seen := make(map[string]bool, len(b.ops))
	for _, o := range b.ops {
		if !seen[o.key] {
			seen[o.key] = true
			keys = append(keys, o.key)
		}
	}
	return keys
}

// Clears reports whether the batch removes every entry.
func (b *Batch) Clears() bool {
	return b.clear
}

// indexValue returns the numeric value of e in a numeric index.
func indexValue(e *models.ModelEntry, index Index) int64 {
	switch index {
	case IndexCreatedAt:
		return e.CreatedAt.UnixMilli()
	case IndexLastAccessed:
		return e.LastAccessedAt.UnixMilli()
	case IndexAccessCount:
		return e.AccessCount
	default:
		return 0
	}
}
