package backend

import (
	"context"
	"io"

	"github.com/soulwing/s2ks/internal/blob"
	"github.com/soulwing/s2ks/internal/storage"
)

// BytesRecorder receives byte counts moved to and from storage.
type BytesRecorder interface {
	RecordStorageBytes(direction string, n int)
}

// MeteredStorageService counts the bytes read from and written to another
// service.
type MeteredStorageService struct {
	next     storage.StorageService
	recorder BytesRecorder
}

// NewMeteredStorageService decorates next.
func NewMeteredStorageService(next storage.StorageService, recorder BytesRecorder) *MeteredStorageService {
	return &MeteredStorageService{next: next, recorder: recorder}
}

// IDToPath delegates to the underlying service.
func (s *MeteredStorageService) IDToPath(id, suffix string) string {
	return s.next.IDToPath(id, suffix)
}

// ContentStream counts bytes as they are read; the count is recorded when
// the stream is closed.
func (s *MeteredStorageService) ContentStream(ctx context.Context, path string) (io.ReadCloser, error) {
	stream, err := s.next.ContentStream(ctx, path)
	if err != nil {
		return nil, err
	}
	return &countingReader{ReadCloser: stream, recorder: s.recorder}, nil
}

// StoreContent records the encoded size after a successful write.
func (s *MeteredStorageService) StoreContent(ctx context.Context, blobs []*blob.Blob, path string) error {
	if err := s.next.StoreContent(ctx, blobs, path); err != nil {
		return err
	}
	s.recorder.RecordStorageBytes("write", len(blob.EncodeToBytes(blobs)))
	return nil
}

// Close closes the underlying service when it holds resources.
func (s *MeteredStorageService) Close() error {
	if c, ok := s.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type countingReader struct {
	io.ReadCloser
	recorder BytesRecorder
	n        int
	closed   bool
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += n
	return n, err
}

func (r *countingReader) Close() error {
	if !r.closed {
		r.closed = true
		r.recorder.RecordStorageBytes("read", r.n)
	}
	return r.ReadCloser.Close()
}
