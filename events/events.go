// Package events implements the typed notification bus of the model cache.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies an event category.
type Kind string

const (
	Hit      Kind = "hit"
	Miss     Kind = "miss"
	Add      Kind = "add"
	Remove   Kind = "remove"
	Clear    Kind = "clear"
	Error    Kind = "error"
	Cleanup  Kind = "cleanup"
	Prefetch Kind = "prefetch"
)

// Kinds lists every event kind in a stable order.
var Kinds = []Kind{Hit, Miss, Add, Remove, Clear, Error, Cleanup, Prefetch}

// Reasons attached to miss, remove, cleanup and error events.
const (
	ReasonNotFound        = "not-found"
	ReasonVersionMismatch = "version-mismatch"
	ReasonAge             = "age"
	ReasonVersion         = "version"
	ReasonQuota           = "quota"
	ReasonQuotaPressure   = "quota-pressure"
	ReasonEvicted         = "evicted"
	ReasonExplicit        = "explicit"
	ReasonPrefetch        = "prefetch"
	ReasonStorage         = "storage"
	ReasonQueued          = "queued"
	ReasonFetched         = "fetched"
)

// Details carries the numeric payload of an event. Unused fields stay zero.
type Details struct {
	Size          int64
	FreedSpace    int64
	CleanedSize   int64
	ModelsRemoved int
	Priority      int
}

// Event is a single notification.
type Event struct {
	ID        uuid.UUID
	Kind      Kind
	Time      time.Time
	Key       string
	AssetType string
	Reason    string
	Details   Details
	Err       error
}

// New creates an event of the given kind stamped with a fresh id.
func New(kind Kind, key string) Event {
	return Event{
		ID:   uuid.New(),
		Kind: kind,
		Time: time.Now(),
		Key:  key,
	}
}
