package storage

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/soulwing/s2ks/internal/crypto"
	"github.com/soulwing/s2ks/internal/keyerr"
	"github.com/soulwing/s2ks/internal/metadata"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OperationRecorder receives the outcome of each key operation.
type OperationRecorder interface {
	RecordKeyOperation(operation string, err error, duration time.Duration)
}

// InstrumentedStorage decorates a MutableKeyStorage with tracing spans,
// operation metrics and debug logging.
type InstrumentedStorage struct {
	next     MutableKeyStorage
	recorder OperationRecorder
	logger   *logrus.Logger
	tracer   trace.Tracer
	provider string
	redactID bool
}

// InstrumentOption configures an InstrumentedStorage.
type InstrumentOption func(*InstrumentedStorage)

// WithRedactedKeyIDs records "[REDACTED]" as the key.id span attribute
// when redact is set.
func WithRedactedKeyIDs(redact bool) InstrumentOption {
	return func(s *InstrumentedStorage) { s.redactID = redact }
}

// NewInstrumentedStorage wraps next. recorder may be nil.
func NewInstrumentedStorage(next MutableKeyStorage, provider string, recorder OperationRecorder, logger *logrus.Logger, opts ...InstrumentOption) *InstrumentedStorage {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &InstrumentedStorage{
		next:     next,
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("s2ks/storage"),
		provider: provider,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retrieve implements KeyStorage.
func (s *InstrumentedStorage) Retrieve(ctx context.Context, id string) (crypto.Key, error) {
	var key crypto.Key
	err := s.observe(ctx, "retrieve", id, func(ctx context.Context) error {
		var err error
		key, err = s.next.Retrieve(ctx, id)
		return err
	})
	return key, err
}

// RetrieveWithMetadata implements KeyStorage.
func (s *InstrumentedStorage) RetrieveWithMetadata(ctx context.Context, id string) (*metadata.KeyWithMetadata, error) {
	var kwm *metadata.KeyWithMetadata
	err := s.observe(ctx, "retrieve", id, func(ctx context.Context) error {
		var err error
		kwm, err = s.next.RetrieveWithMetadata(ctx, id)
		return err
	})
	return kwm, err
}

// Store implements MutableKeyStorage.
func (s *InstrumentedStorage) Store(ctx context.Context, id string, kwm *metadata.KeyWithMetadata) error {
	return s.observe(ctx, "store", id, func(ctx context.Context) error {
		return s.next.Store(ctx, id, kwm)
	})
}

// StoreKey implements MutableKeyStorage.
func (s *InstrumentedStorage) StoreKey(ctx context.Context, id string, key crypto.Key) error {
	return s.observe(ctx, "store", id, func(ctx context.Context) error {
		return s.next.StoreKey(ctx, id, key)
	})
}

// Close implements MutableKeyStorage.
func (s *InstrumentedStorage) Close() error {
	return s.next.Close()
}

func (s *InstrumentedStorage) observe(ctx context.Context, operation, id string, fn func(context.Context) error) error {
	spanID := id
	if s.redactID {
		spanID = "[REDACTED]"
	}
	ctx, span := s.tracer.Start(ctx, "key."+operation,
		trace.WithAttributes(
			attribute.String("key.id", spanID),
			attribute.String("s2ks.provider", s.provider),
		),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	if s.recorder != nil {
		s.recorder.RecordKeyOperation(operation, err, duration)
	}

	fields := logrus.Fields{
		"operation": operation,
		"key_id":    id,
		"provider":  s.provider,
		"duration":  duration,
	}
	if err != nil {
		if kind, ok := keyerr.KindOf(err); ok {
			fields["error_kind"] = kind.String()
			span.SetAttributes(attribute.String("error.kind", kind.String()))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.WithFields(fields).WithError(err).Warn("Key operation failed")
		return err
	}
	span.SetStatus(codes.Ok, "")
	s.logger.WithFields(fields).Debug("Key operation completed")
	return nil
}
