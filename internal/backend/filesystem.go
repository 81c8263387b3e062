// Package backend provides storage services that persist encoded key
// envelopes: local files, embedded databases, memory, and decorators that
// cache or meter another service.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/soulwing/s2ks/internal/blob"
	"github.com/soulwing/s2ks/internal/storage"
)

// FilesystemStorageService stores each key as a file below a directory.
type FilesystemStorageService struct {
	dir    string
	logger *logrus.Logger
}

// NewFilesystemStorageService creates a service rooted at dir.
func NewFilesystemStorageService(dir string, logger *logrus.Logger) (*FilesystemStorageService, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FilesystemStorageService{dir: filepath.Clean(dir), logger: logger}, nil
}

// IDToPath joins the directory with id and suffix. Ids may contain
// slashes to form subdirectories.
func (s *FilesystemStorageService) IDToPath(id, suffix string) string {
	return filepath.Join(s.dir, filepath.FromSlash(id)+suffix)
}

// ErrOutsideDirectory reports a path that resolves outside the storage
// directory, as an id containing ".." segments does.
var ErrOutsideDirectory = errors.New("path is outside the storage directory")

// confine rejects paths that do not lie below the storage directory.
func (s *FilesystemStorageService) confine(path string) error {
	rel, err := filepath.Rel(s.dir, filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%s: %w", path, ErrOutsideDirectory)
	}
	return nil
}

// ContentStream opens the file at path.
func (s *FilesystemStorageService) ContentStream(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := s.confine(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	s.logger.WithField("path", path).Debug("Opened key file")
	return f, nil
}

// StoreContent writes blobs to a temporary file beside path and renames it
// into place, creating parent directories as needed.
func (s *FilesystemStorageService) StoreContent(ctx context.Context, blobs []*blob.Blob, path string) error {
	if err := s.confine(path); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", dir, err)
	}
	defer os.Remove(tmp.Name())

	var buf bytes.Buffer
	if err := blob.Encode(&buf, blobs); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	n := buf.Len()
	if _, err := buf.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	s.logger.WithFields(logrus.Fields{
		"path":  path,
		"bytes": n,
	}).Debug("Stored key file")
	return nil
}
