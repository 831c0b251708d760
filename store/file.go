package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"

	"goflare.io/armodel/models"
	"goflare.io/armodel/pkg/serialization"
)

const (
	modelsDir    = "models"
	metadataDir  = "metadata"
	headerSuffix = ".hdr"
	dataSuffix   = ".bin"
	tempSuffix   = ".tmp"
)

// FileStore keeps payloads and headers as files on a billy filesystem.
// Headers are indexed in memory; the index is rebuilt from disk on open.
//
// Layout under the filesystem root:
//
//	models/<sha256(key)>.hdr   encoded entry header
//	models/<sha256(key)>.bin   raw payload
//	metadata/cache-stats       encoded metadata record
//	staging/, trash/           files of an in-flight batch
//
// A batch stages every new file before renaming anything into place and
// restores the replaced files when a rename fails, so Apply either commits
// the whole batch or leaves the store unchanged.
type FileStore struct {
	mu      sync.RWMutex
	fs      billy.Filesystem
	codec   serialization.Codec
	logger  *zap.Logger
	headers catalog
	meta    *models.Metadata
	closed  bool
}

// NewFileStore opens or initialises a FileStore rooted at fs.
func NewFileStore(fs billy.Filesystem, codec serialization.Codec, logger *zap.Logger) (*FileStore, error) {
	if fs == nil {
		return nil, fmt.Errorf("filesystem cannot be nil")
	}
	if codec.NewEncoder == nil || codec.NewDecoder == nil {
		codec = serialization.JSON
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	for _, dir := range []string{modelsDir, metadataDir, stagingDir, trashDir} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %q: %w", dir, err)
		}
	}

	s := &FileStore{
		fs:      fs,
		codec:   codec,
		logger:  logger,
		headers: make(catalog),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	// leftovers of an interrupted batch
	for _, dir := range []string{stagingDir, trashDir} {
		infos, err := s.fs.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to list %q: %w", dir, err)
		}
		for _, info := range infos {
			_ = s.fs.Remove(s.fs.Join(dir, info.Name()))
		}
	}

	infos, err := s.fs.ReadDir(modelsDir)
	if err != nil {
		return fmt.Errorf("failed to list %q: %w", modelsDir, err)
	}

	for _, info := range infos {
		name := info.Name()
		if strings.HasSuffix(name, tempSuffix) {
			_ = s.fs.Remove(s.fs.Join(modelsDir, name))
			continue
		}
		if !strings.HasSuffix(name, headerSuffix) {
			continue
		}

		raw, err := util.ReadFile(s.fs, s.fs.Join(modelsDir, name))
		if err != nil {
			return fmt.Errorf("failed to read header %q: %w", name, err)
		}
		var h models.ModelEntry
		if err := s.codec.Unmarshal(raw, &h); err != nil {
			s.logger.Warn("Dropping unreadable cache header", zap.String("file", name), zap.Error(err))
			_ = s.fs.Remove(s.fs.Join(modelsDir, name))
			continue
		}
		if _, err := s.fs.Stat(s.dataPath(h.Key)); err != nil {
			s.logger.Warn("Dropping header without payload", zap.String("key", h.Key))
			_ = s.fs.Remove(s.fs.Join(modelsDir, name))
			continue
		}
		h.Data = nil
		s.headers[h.Key] = &h
	}

	raw, err := util.ReadFile(s.fs, s.metadataPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	var m models.Metadata
	if err := s.codec.Unmarshal(raw, &m); err != nil {
		s.logger.Warn("Discarding unreadable cache metadata", zap.Error(err))
		return nil
	}
	s.meta = &m
	return nil
}

func fileID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (s *FileStore) headerPath(key string) string {
	return s.fs.Join(modelsDir, fileID(key)+headerSuffix)
}

func (s *FileStore) dataPath(key string) string {
	return s.fs.Join(modelsDir, fileID(key)+dataSuffix)
}

func (s *FileStore) metadataPath() string {
	return s.fs.Join(metadataDir, models.MetadataKey)
}

// writeAtomically writes data to a temp file next to path and renames it over path.
func (s *FileStore) writeAtomically(path string, data []byte) error {
	tmp := path + tempSuffix
	if err := util.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to write %q: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to rename %q: %w", tmp, err)
	}
	return nil
}

func (s *FileStore) writeHeader(h *models.ModelEntry) error {
	raw, err := s.codec.Marshal(h.Header())
	if err != nil {
		return err
	}
	return s.writeAtomically(s.headerPath(h.Key), raw)
}

func (s *FileStore) Get(ctx context.Context, key string) (*models.ModelEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	h, ok := s.headers[key]
	if !ok {
		return nil, models.ErrNotFound
	}

	data, err := util.ReadFile(s.fs, s.dataPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read payload of %q: %w", key, err)
	}

	e := h.Header()
	e.Data = data
	return e, nil
}

func (s *FileStore) QueryByIndex(ctx context.Context, index Index, r Range) ([]*models.ModelEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	return s.headers.query(index, r)
}

func (s *FileStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}
	return len(s.headers), nil
}

func (s *FileStore) Metadata(ctx context.Context) (*models.Metadata, error) {
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

func (s *FileStore) Touch(ctx context.Context, key string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	h, ok := s.headers[key]
	if !ok {
		return nil
	}
	h.Touch(at)
	return s.writeHeader(h)
}

func (s *FileStore) Apply(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	// final state per key; a nil entry deletes
	final := make(map[string]*models.ModelEntry)
	var order []string
	set := func(key string, e *models.ModelEntry) {
		if _, ok := final[key]; !ok {
			order = append(order, key)
		}
		final[key] = e
	}
	if b.clear {
		for key := range s.headers {
			set(key, nil)
		}
	}
	for _, o := range b.ops {
		if o.kind == opPut {
			set(o.key, o.entry)
		} else {
			set(o.key, nil)
		}
	}

	tx := newFileTx(s.fs, s.logger)
	if err := s.stage(tx, order, final, b.meta); err != nil {
		tx.rollback()
		return err
	}
	if err := s.commit(tx, order, final, b.meta != nil); err != nil {
		tx.rollback()
		return err
	}
	tx.finish()

	for _, key := range order {
		if e := final[key]; e != nil {
			s.headers[key] = e.Header()
		} else {
			delete(s.headers, key)
		}
	}
	if b.meta != nil {
		s.meta = b.meta.Clone()
	}
	return nil
}

func (s *FileStore) stage(tx *fileTx, order []string, final map[string]*models.ModelEntry, meta *models.Metadata) error {
	for _, key := range order {
		e := final[key]
		if e == nil {
			continue
		}
		if err := tx.stage(s.dataPath(key), e.Data); err != nil {
			return err
		}
		raw, err := s.codec.Marshal(e.Header())
		if err != nil {
			return err
		}
		if err := tx.stage(s.headerPath(key), raw); err != nil {
			return err
		}
	}
	if meta != nil {
		raw, err := s.codec.Marshal(meta)
		if err != nil {
			return err
		}
		if err := tx.stage(s.metadataPath(), raw); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) commit(tx *fileTx, order []string, final map[string]*models.ModelEntry, withMeta bool) error {
	for _, key := range order {
		if final[key] == nil {
			// header first: a payload without a header is ignored on load
			if err := tx.displace(s.headerPath(key)); err != nil {
				return err
			}
			if err := tx.displace(s.dataPath(key)); err != nil {
				return err
			}
			continue
		}
		if err := tx.replace(s.dataPath(key)); err != nil {
			return err
		}
		if err := tx.replace(s.headerPath(key)); err != nil {
			return err
		}
	}
	if withMeta {
		return tx.replace(s.metadataPath())
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
