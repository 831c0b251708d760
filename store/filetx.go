package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"
)

const (
	stagingDir = "staging"
	trashDir   = "trash"
)

type rename struct {
	from, to string
}

// fileTx commits a batch as a set of renames. Files are staged first; the
// renames are undone in reverse order when any of them fails, so a failed
// batch leaves the previous files in place.
type fileTx struct {
	fs     billy.Filesystem
	logger *zap.Logger
	staged map[string]string // target path -> staged path
	done   []rename
	trash  []string
}

func newFileTx(fs billy.Filesystem, logger *zap.Logger) *fileTx {
	return &fileTx{
		fs:     fs,
		logger: logger,
		staged: make(map[string]string),
	}
}

// stage writes data to the staging area for target.
func (t *fileTx) stage(target string, data []byte) error {
	tmp := t.fs.Join(stagingDir, filepath.Base(target))
	t.staged[target] = tmp
	if err := util.WriteFile(t.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to stage %q: %w", target, err)
	}
	return nil
}

func (t *fileTx) move(from, to string) error {
	if err := t.fs.Rename(from, to); err != nil {
		return fmt.Errorf("failed to rename %q: %w", from, err)
	}
	t.done = append(t.done, rename{from: from, to: to})
	return nil
}

// displace moves an existing file at path out of the way.
func (t *fileTx) displace(path string) error {
	_, err := t.fs.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %q: %w", path, err)
	}
	dst := t.fs.Join(trashDir, filepath.Base(path))
	if err := t.move(path, dst); err != nil {
		return err
	}
	t.trash = append(t.trash, dst)
	return nil
}

// replace swaps the staged file for target into place.
func (t *fileTx) replace(target string) error {
	if err := t.displace(target); err != nil {
		return err
	}
	tmp, ok := t.staged[target]
	if !ok {
		return fmt.Errorf("nothing staged for %q", target)
	}
	return t.move(tmp, target)
}

// rollback restores every file moved so far and drops staged files.
func (t *fileTx) rollback() {
	for i := len(t.done) - 1; i >= 0; i-- {
		r := t.done[i]
		if err := t.fs.Rename(r.to, r.from); err != nil {
			t.logger.Error("Failed to restore cache file",
				zap.String("file", r.from),
				zap.Error(err))
		}
	}
	t.done = nil
	for _, tmp := range t.staged {
		_ = t.fs.Remove(tmp)
	}
}

// finish removes the displaced files of a committed transaction.
func (t *fileTx) finish() {
	for _, path := range t.trash {
		if err := t.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			t.logger.Warn("Failed to remove replaced cache file", zap.String("file", path), zap.Error(err))
		}
	}
}
