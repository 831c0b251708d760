package models

import "errors"

var (
	// ErrInvalidArgument is returned for empty keys or payloads.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is returned by stores when a key or the metadata record is absent.
	ErrNotFound = errors.New("not found")
	// ErrStorageUnavailable wraps failures of the persistent store.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrUnsupported is returned by hosts that cannot report a storage quota.
	ErrUnsupported = errors.New("operation not supported by host")
	// ErrQueueFull is returned when the prefetch queue rejects an item.
	ErrQueueFull = errors.New("prefetch queue full")
)
