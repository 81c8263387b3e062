package storage

import (
	"context"
	"errors"
	"io"

	"github.com/soulwing/s2ks/internal/blob"
	"github.com/soulwing/s2ks/internal/crypto"
	"github.com/soulwing/s2ks/internal/encoder"
	"github.com/soulwing/s2ks/internal/keyerr"
	"github.com/soulwing/s2ks/internal/metadata"
)

// DefaultPathSuffix is appended to key ids when mapping them to paths.
const DefaultPathSuffix = ".pem"

// Engine implements MutableKeyStorage by composing a storage service, a
// wrapper key source and the wrap/encode operators. It keeps no state
// between calls.
type Engine struct {
	storage     StorageService
	source      WrapperKeySource
	keyWrap     crypto.KeyWrapOperator
	keyEncoder  encoder.KeyEncoder
	metaWrap    metadata.WrapOperator
	metaEncoder encoder.MetadataEncoder
	recognizer  encoder.MetadataRecognizer
	suffix      string
}

// Option configures an Engine.
type Option func(*Engine)

// WithPathSuffix sets the suffix appended to ids.
func WithPathSuffix(suffix string) Option {
	return func(e *Engine) { e.suffix = suffix }
}

// WithKeyEncoder replaces the default PEM key encoder.
func WithKeyEncoder(enc encoder.KeyEncoder) Option {
	return func(e *Engine) { e.keyEncoder = enc }
}

// WithMetadataWrapOperator replaces the default JWT metadata operator.
func WithMetadataWrapOperator(op metadata.WrapOperator) Option {
	return func(e *Engine) { e.metaWrap = op }
}

// WithMetadataEncoder replaces the default metadata encoder and recognizer.
func WithMetadataEncoder(enc encoder.MetadataEncoder, recognizer encoder.MetadataRecognizer) Option {
	return func(e *Engine) {
		e.metaEncoder = enc
		e.recognizer = recognizer
	}
}

// NewEngine creates a key storage engine.
func NewEngine(storage StorageService, source WrapperKeySource, keyWrap crypto.KeyWrapOperator, opts ...Option) *Engine {
	e := &Engine{
		storage:     storage,
		source:      source,
		keyWrap:     keyWrap,
		keyEncoder:  encoder.PEMKeyEncoder{},
		metaWrap:    metadata.NewJWTWrapOperator(crypto.NewPublicKeyFactory()),
		metaEncoder: encoder.PEMMetadataEncoder{},
		recognizer:  encoder.PEMMetadataEncoder{},
		suffix:      DefaultPathSuffix,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Retrieve returns the key stored under id.
func (e *Engine) Retrieve(ctx context.Context, id string) (crypto.Key, error) {
	kwm, err := e.RetrieveWithMetadata(ctx, id)
	if err != nil {
		return nil, err
	}
	return kwm.Key(), nil
}

// RetrieveWithMetadata returns the key stored under id and its metadata.
// Metadata is empty when none was stored.
func (e *Engine) RetrieveWithMetadata(ctx context.Context, id string) (*metadata.KeyWithMetadata, error) {
	path := e.storage.IDToPath(id, e.suffix)

	blobs, err := e.readBlobs(ctx, id, path)
	if err != nil {
		return nil, err
	}

	var metaBlob *blob.Blob
	descriptors := make([]*crypto.KeyDescriptor, 0, len(blobs))
	for _, b := range blobs {
		if metaBlob == nil && e.recognizer.IsMetadata(b) {
			metaBlob = b
			continue
		}
		descriptor, err := e.keyEncoder.Decode(b)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, descriptor)
	}

	response, subject, err := e.source.ResolveWrapperKey(ctx, descriptors)
	if err != nil {
		return nil, unwrapFailure(err, "failed to resolve wrapper key for %s", id)
	}
	defer response.Destroy()

	key, err := e.keyWrap.Unwrap(subject, response.Key())
	if err != nil {
		return nil, unwrapFailure(err, "failed to unwrap %s", id)
	}

	md := metadata.Empty()
	if metaBlob != nil {
		signed, err := e.metaEncoder.Decode(metaBlob)
		if err != nil {
			return nil, err
		}
		md, err = e.metaWrap.Unwrap(key, signed)
		if err != nil {
			return nil, keyerr.Wrap(keyerr.MetadataUnwrapFailure, err, "failed to unwrap metadata for %s", id)
		}
	}
	return metadata.NewKeyWithMetadata(key, md)
}

func (e *Engine) readBlobs(ctx context.Context, id, path string) ([]*blob.Blob, error) {
	stream, err := e.storage.ContentStream(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, keyerr.Wrap(keyerr.NotFound, err, "no such key: %s", id)
		}
		return nil, keyerr.Wrap(keyerr.StorageFailure, err, "failed to read %s", id)
	}
	defer stream.Close()

	return blob.Decode(stream)
}

// StoreKey stores key under id with empty metadata.
func (e *Engine) StoreKey(ctx context.Context, id string, key crypto.Key) error {
	kwm, err := metadata.NewKeyWithMetadata(key, metadata.Empty())
	if err != nil {
		return keyerr.Wrap(keyerr.WrapFailure, err, "failed to store %s", id)
	}
	return e.Store(ctx, id, kwm)
}

// Store wraps kwm's key under a fresh wrapper key from the source and
// persists the result under id as [wrapper descriptor], subject key,
// [signed metadata]. The wrapper key is destroyed before Store returns.
func (e *Engine) Store(ctx context.Context, id string, kwm *metadata.KeyWithMetadata) error {
	path := e.storage.IDToPath(id, e.suffix)

	response, err := e.source.NextWrapperKey(ctx)
	if err != nil {
		return keyerr.Wrap(keyerr.WrapFailure, err, "failed to obtain wrapper key for %s", id)
	}
	defer response.Destroy()

	descriptor, err := e.keyWrap.Wrap(kwm.Key(), response.Key())
	if err != nil {
		return keyerr.Wrap(keyerr.WrapFailure, err, "failed to wrap %s", id)
	}
	subject, err := e.keyEncoder.Encode(descriptor)
	if err != nil {
		return err
	}

	blobs := make([]*blob.Blob, 0, 3)
	if wrapper := response.Descriptor(); wrapper != nil {
		b, err := e.keyEncoder.Encode(wrapper)
		if err != nil {
			return err
		}
		blobs = append(blobs, b)
	}
	blobs = append(blobs, subject)

	if !kwm.Metadata().IsEmpty() {
		signed, err := e.metaWrap.Wrap(kwm)
		if err != nil {
			return keyerr.Wrap(keyerr.MetadataWrapFailure, err, "failed to wrap metadata for %s", id)
		}
		blobs = append(blobs, e.metaEncoder.Encode(signed))
	}

	if err := e.storage.StoreContent(ctx, blobs, path); err != nil {
		return keyerr.Wrap(keyerr.StorageFailure, err, "failed to store %s", id)
	}
	return nil
}

// Close closes the storage service and wrapper key source when they hold
// resources.
func (e *Engine) Close() error {
	var errs []error
	if c, ok := e.storage.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := e.source.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// unwrapFailure keeps typed errors from collaborators and classifies
// anything else as an unwrap failure.
func unwrapFailure(err error, format string, args ...interface{}) error {
	if _, ok := keyerr.KindOf(err); ok {
		return err
	}
	return keyerr.Wrap(keyerr.UnwrapFailure, err, format, args...)
}
