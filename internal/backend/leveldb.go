package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/soulwing/s2ks/internal/blob"
	"github.com/soulwing/s2ks/internal/storage"
)

// keyPrefix namespaces envelope records within the database.
var keyPrefix = []byte{'K', 'E'}

// LevelDBStorageService stores envelopes in an embedded LevelDB database.
type LevelDBStorageService struct {
	db     *leveldb.DB
	logger *logrus.Logger
}

// NewLevelDBStorageService opens or creates the database at path.
func NewLevelDBStorageService(path string, logger *logrus.Logger) (*LevelDBStorageService, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb %s: %w", path, err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LevelDBStorageService{db: db, logger: logger}, nil
}

// IDToPath returns id with suffix appended.
func (s *LevelDBStorageService) IDToPath(id, suffix string) string {
	return id + suffix
}

// ContentStream returns a reader over the record at path.
func (s *LevelDBStorageService) ContentStream(ctx context.Context, path string) (io.ReadCloser, error) {
	data, err := s.db.Get(recordKey(path), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", path, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	s.logger.WithFields(logrus.Fields{
		"path":  path,
		"bytes": len(data),
	}).Debug("Read key record")
	return io.NopCloser(bytes.NewReader(data)), nil
}

// StoreContent writes the record at path with a synced write.
func (s *LevelDBStorageService) StoreContent(ctx context.Context, blobs []*blob.Blob, path string) error {
	data := blob.EncodeToBytes(blobs)
	if err := s.db.Put(recordKey(path), data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	s.logger.WithFields(logrus.Fields{
		"path":  path,
		"bytes": len(data),
	}).Debug("Stored key record")
	return nil
}

// Close closes the database.
func (s *LevelDBStorageService) Close() error {
	return s.db.Close()
}

func recordKey(path string) []byte {
	return append(append([]byte(nil), keyPrefix...), path...)
}
