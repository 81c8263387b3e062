package backend

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/soulwing/s2ks/internal/blob"
	"github.com/soulwing/s2ks/internal/storage"
)

const createEnvelopesTable = `CREATE TABLE IF NOT EXISTS key_envelopes (
	path       TEXT PRIMARY KEY,
	content    BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// SQLStorageService stores envelopes as rows of a libSQL database.
type SQLStorageService struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewSQLStorageService opens the libSQL database at dsn, for example
// "file:/var/lib/s2ks/keys.db", and creates the envelope table.
func NewSQLStorageService(ctx context.Context, dsn string, logger *logrus.Logger) (*SQLStorageService, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		var result string
		_ = db.QueryRowContext(ctx, pragma).Scan(&result)
	}

	if _, err := db.ExecContext(ctx, createEnvelopesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create key_envelopes table: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SQLStorageService{db: db, logger: logger}, nil
}

// IDToPath returns id with suffix appended.
func (s *SQLStorageService) IDToPath(id, suffix string) string {
	return id + suffix
}

// ContentStream returns a reader over the row stored at path.
func (s *SQLStorageService) ContentStream(ctx context.Context, path string) (io.ReadCloser, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM key_envelopes WHERE path = ?`, path,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", path, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	s.logger.WithFields(logrus.Fields{
		"path":  path,
		"bytes": len(content),
	}).Debug("Read key row")
	return io.NopCloser(bytes.NewReader(content)), nil
}

// StoreContent inserts or replaces the row at path.
func (s *SQLStorageService) StoreContent(ctx context.Context, blobs []*blob.Blob, path string) error {
	content := blob.EncodeToBytes(blobs)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO key_envelopes (path, content, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(path) DO UPDATE SET content=excluded.content, updated_at=excluded.updated_at`,
		path, content,
	)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	s.logger.WithFields(logrus.Fields{
		"path":  path,
		"bytes": len(content),
	}).Debug("Stored key row")
	return nil
}

// Close closes the database.
func (s *SQLStorageService) Close() error {
	return s.db.Close()
}
