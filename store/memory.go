package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"goflare.io/armodel/models"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("store closed")

// MemoryStore keeps everything in process memory. It backs tests and
// memory-only deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries catalog
	meta    *models.Metadata
	closed  bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(catalog)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*models.ModelEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.entries[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) QueryByIndex(ctx context.Context, index Index, r Range) ([]*models.ModelEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	return s.entries.query(index, r)
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}
	return len(s.entries), nil
}

func (s *MemoryStore) Metadata(ctx context.Context) (*models.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.meta == nil {
		return nil, models.ErrNotFound
	}
	return s.meta.Clone(), nil
}

func (s *MemoryStore) Touch(ctx context.Context, key string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if e, ok := s.entries[key]; ok {
		e.Touch(at)
	}
	return nil
}

func (s *MemoryStore) Apply(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if b.clear {
		s.entries = make(catalog)
	}
	for _, o := range b.ops {
		switch o.kind {
		case opPut:
			s.entries[o.key] = o.entry.Clone()
		case opDelete:
			delete(s.entries, o.key)
		}
	}
	if b.meta != nil {
		s.meta = b.meta.Clone()
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
