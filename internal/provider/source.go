package provider

import (
	"context"
	"io"

	"github.com/soulwing/s2ks/internal/crypto"
	"github.com/soulwing/s2ks/internal/storage"
)

// recordingSource reports each wrapper key request to a Recorder.
type recordingSource struct {
	next     storage.WrapperKeySource
	name     string
	recorder Recorder
}

func newRecordingSource(next storage.WrapperKeySource, name string, recorder Recorder) *recordingSource {
	if name == "" {
		name = "unknown"
	}
	return &recordingSource{next: next, name: name, recorder: recorder}
}

func (s *recordingSource) NextWrapperKey(ctx context.Context) (*storage.WrapperKeyResponse, error) {
	response, err := s.next.NextWrapperKey(ctx)
	s.recorder.RecordWrapperKeyRequest(s.name, err)
	return response, err
}

func (s *recordingSource) ResolveWrapperKey(ctx context.Context, descriptors []*crypto.KeyDescriptor) (*storage.WrapperKeyResponse, *crypto.KeyDescriptor, error) {
	response, descriptor, err := s.next.ResolveWrapperKey(ctx, descriptors)
	s.recorder.RecordWrapperKeyRequest(s.name, err)
	return response, descriptor, err
}

func (s *recordingSource) Close() error {
	if closer, ok := s.next.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
