package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/soulwing/s2ks/internal/keyerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type recordedOperation struct {
	operation string
	err       error
}

type fakeRecorder struct {
	operations []recordedOperation
}

func (r *fakeRecorder) RecordKeyOperation(operation string, err error, duration time.Duration) {
	r.operations = append(r.operations, recordedOperation{operation: operation, err: err})
}

func TestInstrumentedStorage(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.DebugLevel)

	recorder := &fakeRecorder{}
	storage := NewInstrumentedStorage(newStaticEngine(t, newMemoryService()), "MEMORY", recorder, logger)
	ctx := context.Background()

	require.NoError(t, storage.StoreKey(ctx, "k1", newAESKey(t)))
	_, err := storage.Retrieve(ctx, "k1")
	require.NoError(t, err)
	_, err = storage.RetrieveWithMetadata(ctx, "missing")
	require.Error(t, err)
	assert.True(t, keyerr.Is(err, keyerr.NotFound))

	require.Len(t, recorder.operations, 3)
	assert.Equal(t, "store", recorder.operations[0].operation)
	assert.NoError(t, recorder.operations[0].err)
	assert.Equal(t, "retrieve", recorder.operations[1].operation)
	assert.Equal(t, "retrieve", recorder.operations[2].operation)
	assert.Error(t, recorder.operations[2].err)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)

	var last map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[2], &last))
	assert.Equal(t, "warning", last["level"])
	assert.Equal(t, "missing", last["key_id"])
	assert.Equal(t, "MEMORY", last["provider"])
	assert.Equal(t, "not found", last["error_kind"])

	require.NoError(t, storage.Close())
}

func TestInstrumentedStorageNilRecorder(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	storage := NewInstrumentedStorage(newStaticEngine(t, newMemoryService()), "MEMORY", nil, logger)

	assert.NoError(t, storage.StoreKey(context.Background(), "k1", newAESKey(t)))
}

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func spanKeyIDs(spans []sdktrace.ReadOnlySpan) []string {
	var ids []string
	for _, span := range spans {
		for _, kv := range span.Attributes() {
			if kv.Key == "key.id" {
				ids = append(ids, kv.Value.AsString())
			}
		}
	}
	return ids
}

func TestInstrumentedStorageSpanKeyIDs(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	ctx := context.Background()

	tests := []struct {
		name   string
		redact bool
		want   string
	}{
		{"redacted", true, "[REDACTED]"},
		{"plain", false, "tenant/k1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := recordSpans(t)
			storage := NewInstrumentedStorage(newStaticEngine(t, newMemoryService()), "MEMORY", nil, logger,
				WithRedactedKeyIDs(tt.redact))

			require.NoError(t, storage.StoreKey(ctx, "tenant/k1", newAESKey(t)))
			_, err := storage.Retrieve(ctx, "tenant/k1")
			require.NoError(t, err)

			spans := recorder.Ended()
			require.Len(t, spans, 2)
			assert.Equal(t, "key.store", spans[0].Name())
			assert.Equal(t, "key.retrieve", spans[1].Name())
			assert.Equal(t, []string{tt.want, tt.want}, spanKeyIDs(spans))
		})
	}
}
