// Package api serves key storage over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/soulwing/s2ks/internal/audit"
	"github.com/soulwing/s2ks/internal/config"
	"github.com/soulwing/s2ks/internal/crypto"
	"github.com/soulwing/s2ks/internal/metadata"
	"github.com/soulwing/s2ks/internal/metrics"
	"github.com/soulwing/s2ks/internal/storage"
)

// DefaultMaxBodyBytes bounds PUT bodies when no limit is configured.
const DefaultMaxBodyBytes = 1 << 20

// Handler handles HTTP requests for key operations.
type Handler struct {
	storage      storage.MutableKeyStorage
	providers    func() []string
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	policies     *config.PolicyManager
	auditLogger  audit.Logger
	keyPairs     *storage.KeyPairStorage
	maxBodyBytes int64
	ready        atomic.Bool
}

// NewHandler creates a key API handler without policies or auditing.
func NewHandler(keys storage.MutableKeyStorage, providers func() []string, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	return NewHandlerWithFeatures(keys, providers, logger, m, nil, nil, nil)
}

// NewHandlerWithFeatures creates a key API handler. Nil policies and
// auditLogger disable those features; a nil cfg uses default limits.
func NewHandlerWithFeatures(
	keys storage.MutableKeyStorage,
	providers func() []string,
	logger *logrus.Logger,
	m *metrics.Metrics,
	policies *config.PolicyManager,
	auditLogger audit.Logger,
	cfg *config.Config,
) *Handler {
	h := &Handler{
		storage:      keys,
		providers:    providers,
		logger:       logger,
		metrics:      m,
		policies:     policies,
		auditLogger:  auditLogger,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	if cfg != nil && cfg.Server.MaxBodyBytes > 0 {
		h.maxBodyBytes = cfg.Server.MaxBodyBytes
	}
	h.ready.Store(true)
	return h
}

// SetReady changes what the readiness probe reports.
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetKeyPairStorage enables the certificate chain route. It must be called
// before RegisterRoutes.
func (h *Handler) SetKeyPairStorage(keyPairs *storage.KeyPairStorage) {
	h.keyPairs = keyPairs
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.instrument("/healthz", h.handleHealth)).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.instrument("/readyz", h.handleReady)).Methods(http.MethodGet)
	r.HandleFunc("/v1/providers", h.instrument("/v1/providers", h.handleProviders)).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{id:.+}", h.instrument("/v1/keys/{id}", h.handleGetKey)).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{id:.+}", h.instrument("/v1/keys/{id}", h.handlePutKey)).Methods(http.MethodPut)
	if h.keyPairs != nil {
		r.HandleFunc("/v1/certificates/{id:.+}", h.instrument("/v1/certificates/{id}", h.handleGetCertificates)).Methods(http.MethodGet)
	}

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ErrMethodNotAllowed.with("", getRequestID(r)).WriteJSON(w)
	})
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// instrument records request metrics under a fixed route label.
func (h *Handler) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		if h.metrics != nil {
			h.metrics.RecordHTTPRequest(r.Method, route, rec.status, time.Since(start))
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth handles liveness probes.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports whether the handler should receive traffic.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() || h.storage == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleProviders lists the registered provider names.
func (h *Handler) handleProviders(w http.ResponseWriter, r *http.Request) {
	var names []string
	if h.providers != nil {
		names = h.providers()
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"providers": names})
}

func requestInfo(r *http.Request) audit.RequestInfo {
	return audit.RequestInfo{
		ClientIP:  getClientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: getRequestID(r),
	}
}

func keyInfo(id string, kwm *metadata.KeyWithMetadata) audit.KeyInfo {
	info := audit.KeyInfo{ID: id}
	if kwm == nil {
		return info
	}
	if algorithm, err := crypto.AlgorithmOf(kwm.Key()); err == nil {
		info.Algorithm = algorithm
	}
	if kind, err := crypto.KindOf(kwm.Key()); err == nil {
		info.Kind = kind.String()
	}
	info.MetadataNames = kwm.Metadata().Names()
	return info
}

// handleGetKey handles GET /v1/keys/{id}.
func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := mux.Vars(r)["id"]
	req := requestInfo(r)

	if !validKeyID(id) {
		ErrInvalidKeyID.with(id, req.RequestID).WriteJSON(w)
		return
	}

	kwm, err := h.storage.RetrieveWithMetadata(r.Context(), id)
	if h.auditLogger != nil {
		h.auditLogger.LogRetrieve(keyInfo(id, kwm), req, err, time.Since(start))
	}
	if err != nil {
		h.writeError(w, err, id, req.RequestID)
		return
	}
	defer crypto.DestroyKey(kwm.Key())

	body, err := encodeKeyDocument(kwm)
	if err != nil {
		h.writeError(w, err, id, req.RequestID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// handleGetCertificates handles GET /v1/certificates/{id}.
func (h *Handler) handleGetCertificates(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	requestID := getRequestID(r)

	if !validKeyID(id) {
		ErrInvalidKeyID.with(id, requestID).WriteJSON(w)
		return
	}

	certs, err := h.keyPairs.RetrieveCertificates(r.Context(), id)
	if err != nil {
		h.writeError(w, err, id, requestID)
		return
	}

	w.Header().Set("Content-Type", storage.CertificateChainMediaType)
	w.WriteHeader(http.StatusOK)
	if err := storage.WriteCertificateChain(w, certs); err != nil {
		h.logger.WithError(err).WithField("key_id", id).Warn("Failed to write certificate chain")
	}
}

// handlePutKey handles PUT /v1/keys/{id}.
func (h *Handler) handlePutKey(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := mux.Vars(r)["id"]
	req := requestInfo(r)

	if !validKeyID(id) {
		ErrInvalidKeyID.with(id, req.RequestID).WriteJSON(w)
		return
	}

	var policy *config.KeyPolicy
	if h.policies != nil {
		policy = h.policies.PolicyForKey(id)
	}
	if policy != nil && policy.ReadOnly {
		h.deny(w, id, fmt.Sprintf("key id is read-only under policy %s", policy.ID), req)
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	kwm, err := decodeKeyDocument(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ErrEntityTooLarge.with(id, req.RequestID).WriteJSON(w)
			return
		}
		h.logger.WithError(err).WithField("key_id", id).Debug("Rejected key document")
		e := ErrInvalidRequest.with(id, req.RequestID)
		e.Message = err.Error()
		e.WriteJSON(w)
		return
	}
	defer crypto.DestroyKey(kwm.Key())

	if policy != nil {
		if missing := policy.MissingMetadata(kwm.Metadata().Names()); len(missing) > 0 {
			reason := "missing required metadata: " + strings.Join(missing, ", ")
			if h.auditLogger != nil {
				h.auditLogger.LogDenied(id, reason, req)
			}
			e := ErrInvalidRequest.with(id, req.RequestID)
			e.Code = "MissingMetadata"
			e.Message = reason
			e.WriteJSON(w)
			return
		}
	}

	err = h.storage.Store(r.Context(), id, kwm)
	if h.auditLogger != nil {
		h.auditLogger.LogStore(keyInfo(id, kwm), req, err, time.Since(start))
	}
	if err != nil {
		h.writeError(w, err, id, req.RequestID)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"key_id":     id,
		"request_id": req.RequestID,
	}).Debug("Stored key")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deny(w http.ResponseWriter, id, reason string, req audit.RequestInfo) {
	if h.auditLogger != nil {
		h.auditLogger.LogDenied(id, reason, req)
	}
	h.logger.WithFields(logrus.Fields{
		"key_id":     id,
		"request_id": req.RequestID,
		"reason":     reason,
	}).Warn("Key request denied by policy")
	e := ErrAccessDenied.with(id, req.RequestID)
	e.Message = reason
	e.WriteJSON(w)
}

func (h *Handler) writeError(w http.ResponseWriter, err error, id, requestID string) {
	apiErr := TranslateError(err, id)
	apiErr.RequestID = requestID

	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"key_id":     id,
		"request_id": requestID,
		"status":     apiErr.HTTPStatus,
	})
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		entry.Error("Key request failed")
	} else {
		entry.Debug("Key request failed")
	}
	apiErr.WriteJSON(w)
}
