// Package audit records key store and retrieve outcomes. Events never carry
// key material or metadata values.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/soulwing/s2ks/internal/keyerr"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeStore represents a key store operation.
	EventTypeStore EventType = "store"
	// EventTypeRetrieve represents a key retrieve operation.
	EventTypeRetrieve EventType = "retrieve"
	// EventTypeDenied represents a request rejected by policy.
	EventTypeDenied EventType = "denied"
)

// RequestInfo identifies the client request behind an event.
type RequestInfo struct {
	ClientIP  string
	UserAgent string
	RequestID string
}

// KeyInfo describes the key involved in an event.
type KeyInfo struct {
	ID            string
	Algorithm     string
	Kind          string
	MetadataNames []string
}

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     EventType `json:"event_type"`
	Provider      string    `json:"provider,omitempty"`
	KeyID         string    `json:"key_id"`
	Algorithm     string    `json:"algorithm,omitempty"`
	KeyKind       string    `json:"key_kind,omitempty"`
	MetadataNames []string  `json:"metadata_names,omitempty"`
	ClientIP      string    `json:"client_ip,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogStore logs a store operation.
	LogStore(key KeyInfo, req RequestInfo, err error, duration time.Duration)

	// LogRetrieve logs a retrieve operation.
	LogRetrieve(key KeyInfo, req RequestInfo, err error, duration time.Duration)

	// LogDenied logs a request rejected before reaching storage.
	LogDenied(keyID, reason string, req RequestInfo)

	// Events returns the buffered events, oldest first.
	Events() []*AuditEvent
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	provider  string
	writer    EventWriter
	errors    *logrus.Logger
}

// NewLogger creates a new audit logger keeping up to maxEvents in memory.
// Events are written as JSON lines to stdout when writer is nil.
func NewLogger(maxEvents int, provider string, writer EventWriter, logger *logrus.Logger) Logger {
	if writer == nil {
		writer = NewJSONWriter(os.Stdout)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		provider:  provider,
		writer:    writer,
		errors:    logger,
	}
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	if event.Provider == "" {
		event.Provider = l.provider
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.WriteEvent(event); err != nil {
		l.errors.WithError(err).WithField("key_id", event.KeyID).Error("Failed to write audit event")
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return nil
}

// LogStore logs a store operation.
func (l *auditLogger) LogStore(key KeyInfo, req RequestInfo, err error, duration time.Duration) {
	l.Log(newEvent(EventTypeStore, key, req, err, duration))
}

// LogRetrieve logs a retrieve operation.
func (l *auditLogger) LogRetrieve(key KeyInfo, req RequestInfo, err error, duration time.Duration) {
	l.Log(newEvent(EventTypeRetrieve, key, req, err, duration))
}

// LogDenied logs a request rejected before reaching storage.
func (l *auditLogger) LogDenied(keyID, reason string, req RequestInfo) {
	event := newEvent(EventTypeDenied, KeyInfo{ID: keyID}, req, nil, 0)
	event.Success = false
	event.Error = reason
	l.Log(event)
}

// Events returns a copy of the buffered events.
func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

func newEvent(eventType EventType, key KeyInfo, req RequestInfo, err error, duration time.Duration) *AuditEvent {
	event := &AuditEvent{
		Timestamp:     time.Now().UTC(),
		EventType:     eventType,
		KeyID:         key.ID,
		Algorithm:     key.Algorithm,
		KeyKind:       key.Kind,
		MetadataNames: key.MetadataNames,
		ClientIP:      req.ClientIP,
		UserAgent:     req.UserAgent,
		RequestID:     req.RequestID,
		Success:       err == nil,
		DurationMS:    duration.Milliseconds(),
	}
	if err != nil {
		event.Error = err.Error()
		if kind, ok := keyerr.KindOf(err); ok {
			event.ErrorKind = kind.String()
		}
	}
	return event
}

// jsonWriter writes each event as a JSON line.
type jsonWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONWriter returns a writer producing one JSON object per line.
func NewJSONWriter(w io.Writer) EventWriter {
	return &jsonWriter{w: w}
}

func (w *jsonWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.w, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// logrusWriter emits events through a logrus logger.
type logrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter returns a writer that logs each event at info level with
// the event fields attached.
func NewLogrusWriter(logger *logrus.Logger) EventWriter {
	return &logrusWriter{logger: logger}
}

func (w *logrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":       true,
		"event_type":  event.EventType,
		"key_id":      event.KeyID,
		"success":     event.Success,
		"duration_ms": event.DurationMS,
	}
	if event.Provider != "" {
		fields["provider"] = event.Provider
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.ClientIP != "" {
		fields["client_ip"] = event.ClientIP
	}
	if event.Algorithm != "" {
		fields["algorithm"] = event.Algorithm
	}
	if event.ErrorKind != "" {
		fields["error_kind"] = event.ErrorKind
	}
	if event.Error != "" {
		fields["error"] = event.Error
	}
	w.logger.WithFields(fields).Info("Audit event")
	return nil
}
