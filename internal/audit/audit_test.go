package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulwing/s2ks/internal/keyerr"
)

type failingWriter struct{}

func (failingWriter) WriteEvent(event *AuditEvent) error {
	return errors.New("disk full")
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestAuditLogger_LogStore(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(100, "LOCAL", NewJSONWriter(&buf), quietLogger())

	key := KeyInfo{ID: "tenant/k1", Algorithm: "AES", Kind: "SECRET", MetadataNames: []string{"owner"}}
	req := RequestInfo{ClientIP: "10.0.0.1", UserAgent: "s2ks-cli", RequestID: "req-1"}
	logger.LogStore(key, req, nil, 120*time.Millisecond)

	events := logger.Events()
	require.Len(t, events, 1)
	event := events[0]
	assert.Equal(t, EventTypeStore, event.EventType)
	assert.Equal(t, "LOCAL", event.Provider)
	assert.Equal(t, "tenant/k1", event.KeyID)
	assert.Equal(t, []string{"owner"}, event.MetadataNames)
	assert.Equal(t, int64(120), event.DurationMS)
	assert.True(t, event.Success)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded))
	assert.Equal(t, "store", decoded["event_type"])
	assert.Equal(t, "req-1", decoded["request_id"])
	assert.NotContains(t, decoded, "error")
}

func TestAuditLogger_LogRetrieveFailure(t *testing.T) {
	logger := NewLogger(100, "AWS", NewJSONWriter(&bytes.Buffer{}), quietLogger())

	err := keyerr.New(keyerr.NotFound, "no such key: k2")
	logger.LogRetrieve(KeyInfo{ID: "k2"}, RequestInfo{}, err, time.Millisecond)

	event := logger.Events()[0]
	assert.Equal(t, EventTypeRetrieve, event.EventType)
	assert.False(t, event.Success)
	assert.Equal(t, "no such key: k2", event.Error)
	assert.Equal(t, "not found", event.ErrorKind)
}

func TestAuditLogger_LogDenied(t *testing.T) {
	logger := NewLogger(100, "LOCAL", NewJSONWriter(&bytes.Buffer{}), quietLogger())

	logger.LogDenied("signing/root", "key is read-only", RequestInfo{RequestID: "req-9"})

	event := logger.Events()[0]
	assert.Equal(t, EventTypeDenied, event.EventType)
	assert.False(t, event.Success)
	assert.Equal(t, "key is read-only", event.Error)
	assert.Equal(t, "req-9", event.RequestID)
}

func TestAuditLogger_MaxEvents(t *testing.T) {
	logger := NewLogger(5, "MEMORY", NewJSONWriter(&bytes.Buffer{}), quietLogger())

	for i := 0; i < 10; i++ {
		logger.LogRetrieve(KeyInfo{ID: string(rune('a' + i))}, RequestInfo{}, nil, 0)
	}

	events := logger.Events()
	require.Len(t, events, 5)
	assert.Equal(t, "f", events[0].KeyID)
	assert.Equal(t, "j", events[4].KeyID)
}

func TestAuditLogger_WriterFailureStillBuffers(t *testing.T) {
	logger := NewLogger(10, "MEMORY", failingWriter{}, quietLogger())

	assert.NoError(t, logger.Log(&AuditEvent{EventType: EventTypeStore, KeyID: "k1", Success: true}))
	assert.Len(t, logger.Events(), 1)
}

func TestLogrusWriter(t *testing.T) {
	var buf bytes.Buffer
	sink := logrus.New()
	sink.SetOutput(&buf)
	sink.SetFormatter(&logrus.JSONFormatter{})

	logger := NewLogger(10, "KMIP", NewLogrusWriter(sink), quietLogger())
	logger.LogStore(KeyInfo{ID: "k1", Algorithm: "RSA"}, RequestInfo{ClientIP: "192.0.2.1"},
		keyerr.New(keyerr.StorageFailure, "bucket unavailable"), 0)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, true, line["audit"])
	assert.Equal(t, "k1", line["key_id"])
	assert.Equal(t, "KMIP", line["provider"])
	assert.Equal(t, "storage failure", line["error_kind"])
	assert.Equal(t, "192.0.2.1", line["client_ip"])
}
