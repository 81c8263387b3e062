package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulwing/s2ks/internal/audit"
	"github.com/soulwing/s2ks/internal/config"
	"github.com/soulwing/s2ks/internal/crypto"
	"github.com/soulwing/s2ks/internal/keyerr"
	"github.com/soulwing/s2ks/internal/metadata"
	"github.com/soulwing/s2ks/internal/metrics"
	"github.com/soulwing/s2ks/internal/provider"
	"github.com/soulwing/s2ks/internal/storage"
)

// fakeKeyStorage keeps keys in a map and can be told to fail.
type fakeKeyStorage struct {
	mu    sync.Mutex
	keys  map[string]*metadata.KeyWithMetadata
	err   error
	calls int
}

func newFakeKeyStorage() *fakeKeyStorage {
	return &fakeKeyStorage{keys: make(map[string]*metadata.KeyWithMetadata)}
}

func (f *fakeKeyStorage) Retrieve(ctx context.Context, id string) (crypto.Key, error) {
	kwm, err := f.RetrieveWithMetadata(ctx, id)
	if err != nil {
		return nil, err
	}
	return kwm.Key(), nil
}

func (f *fakeKeyStorage) RetrieveWithMetadata(ctx context.Context, id string) (*metadata.KeyWithMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	kwm, ok := f.keys[id]
	if !ok {
		return nil, keyerr.Wrap(keyerr.NotFound, storage.ErrNotFound, "no key %s", id)
	}
	return kwm, nil
}

func (f *fakeKeyStorage) Store(ctx context.Context, id string, kwm *metadata.KeyWithMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	// Keep a copy; the handler destroys the key it decoded.
	encoded, err := crypto.EncodeKey(kwm.Key())
	if err != nil {
		return err
	}
	algorithm, _ := crypto.AlgorithmOf(kwm.Key())
	kind, _ := crypto.KindOf(kwm.Key())
	key, err := crypto.DecodeKey(algorithm, kind, encoded)
	if err != nil {
		return err
	}
	stored, err := metadata.NewKeyWithMetadata(key, kwm.Metadata())
	if err != nil {
		return err
	}
	f.keys[id] = stored
	return nil
}

func (f *fakeKeyStorage) StoreKey(ctx context.Context, id string, key crypto.Key) error {
	kwm, err := metadata.NewKeyWithMetadata(key, metadata.Empty())
	if err != nil {
		return err
	}
	return f.Store(ctx, id, kwm)
}

func (f *fakeKeyStorage) Close() error { return nil }

type testServer struct {
	router  *mux.Router
	handler *Handler
	store   *fakeKeyStorage
	audit   audit.Logger
	metrics *metrics.Metrics
	logs    *test.Hook
}

func newTestServer(t *testing.T, policies *config.PolicyManager) *testServer {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	auditLogger := audit.NewLogger(100, "TEST", audit.NewJSONWriter(io.Discard), logger)
	store := newFakeKeyStorage()

	h := NewHandlerWithFeatures(store, func() []string { return []string{"LOCAL", "MEMORY"} },
		logger, m, policies, auditLogger, nil)
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return &testServer{router: router, handler: h, store: store, audit: auditLogger, metrics: m, logs: hook}
}

func (s *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Request-ID", "req-1")
	req.RemoteAddr = "10.1.2.3:5555"
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func aesDocument(t *testing.T, md map[string]interface{}) KeyDocument {
	t.Helper()
	data := make([]byte, 32)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return KeyDocument{
		Algorithm: "AES",
		Kind:      "SECRET",
		Key:       base64.StdEncoding.EncodeToString(data),
		Metadata:  md,
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var e APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func TestHandler_PutThenGet(t *testing.T) {
	s := newTestServer(t, nil)
	doc := aesDocument(t, map[string]interface{}{"owner": "svc-a", "version": 3, "ratio": 0.5, "active": true})

	w := s.do(http.MethodPut, "/v1/keys/app/k1", doc)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/v1/keys/app/k1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got KeyDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "AES", got.Algorithm)
	assert.Equal(t, "SECRET", got.Kind)
	assert.Equal(t, doc.Key, got.Key)
	assert.Equal(t, "svc-a", got.Metadata["owner"])
	assert.Equal(t, float64(3), got.Metadata["version"])
	assert.Equal(t, 0.5, got.Metadata["ratio"])
	assert.Equal(t, true, got.Metadata["active"])

	stored := s.store.keys["app/k1"]
	require.NotNil(t, stored)
	v, err := stored.Metadata().Int64Value("version")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	events := s.audit.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventTypeStore, events[0].EventType)
	assert.Equal(t, "app/k1", events[0].KeyID)
	assert.Equal(t, "AES", events[0].Algorithm)
	assert.ElementsMatch(t, []string{"active", "owner", "ratio", "version"}, events[0].MetadataNames)
	assert.Equal(t, "req-1", events[0].RequestID)
	assert.Equal(t, "10.1.2.3", events[0].ClientIP)
	assert.Equal(t, audit.EventTypeRetrieve, events[1].EventType)
	assert.True(t, events[1].Success)
}

func TestHandler_PutPrivateKey(t *testing.T) {
	s := newTestServer(t, nil)
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	w := s.do(http.MethodPut, "/v1/keys/ec", KeyDocument{
		Algorithm: "EC",
		Kind:      "private",
		Key:       base64.StdEncoding.EncodeToString(der),
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/v1/keys/ec", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got KeyDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "EC", got.Algorithm)
	assert.Equal(t, "PRIVATE", got.Kind)
	assert.Empty(t, got.Metadata)
}

func TestHandler_GetNotFound(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/v1/keys/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, "NotFound", e.Code)
	assert.Equal(t, "missing", e.KeyID)
	assert.Equal(t, "req-1", e.RequestID)

	events := s.audit.Events()
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
	assert.Equal(t, "not found", events[0].ErrorKind)
}

func TestHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"decode", keyerr.New(keyerr.DecodeFailure, "bad"), http.StatusUnprocessableEntity, "DecodeFailure"},
		{"unwrap", keyerr.New(keyerr.UnwrapFailure, "bad"), http.StatusUnprocessableEntity, "UnwrapFailure"},
		{"metadata", keyerr.New(keyerr.MetadataUnwrapFailure, "bad"), http.StatusUnprocessableEntity, "MetadataUnwrapFailure"},
		{"storage", keyerr.New(keyerr.StorageFailure, "disk"), http.StatusBadGateway, "StorageFailure"},
		{"configuration", keyerr.New(keyerr.ProviderConfiguration, "bad"), http.StatusInternalServerError, "ProviderConfiguration"},
		{"no provider", keyerr.New(keyerr.NoSuchProvider, "x"), http.StatusInternalServerError, "NoSuchProvider"},
		{"wrap", keyerr.New(keyerr.WrapFailure, "x"), http.StatusInternalServerError, "WrapFailure"},
		{"plain", errors.New("boom"), http.StatusInternalServerError, "InternalError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			s.store.err = tt.err

			w := s.do(http.MethodGet, "/v1/keys/k", nil)
			assert.Equal(t, tt.status, w.Code)
			e := decodeError(t, w)
			assert.Equal(t, tt.code, e.Code)
			if tt.status >= 500 {
				assert.NotContains(t, e.Message, "disk")
			}
		})
	}
}

func TestHandler_PutInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"unknown field", `{"algorithm":"AES","kind":"SECRET","key":"AAAA","extra":1}`},
		{"missing algorithm", `{"kind":"SECRET","key":"AAAAAAAAAAAAAAAAAAAAAA=="}`},
		{"bad kind", `{"algorithm":"AES","kind":"SHARED","key":"AAAAAAAAAAAAAAAAAAAAAA=="}`},
		{"bad base64", `{"algorithm":"AES","kind":"SECRET","key":"%%%"}`},
		{"empty key", `{"algorithm":"AES","kind":"SECRET","key":""}`},
		{"bad aes length", `{"algorithm":"AES","kind":"SECRET","key":"AAAA"}`},
		{"nested metadata", `{"algorithm":"AES","kind":"SECRET","key":"AAAAAAAAAAAAAAAAAAAAAA==","metadata":{"a":{"b":1}}}`},
		{"null metadata", `{"algorithm":"AES","kind":"SECRET","key":"AAAAAAAAAAAAAAAAAAAAAA==","metadata":{"a":null}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			w := s.do(http.MethodPut, "/v1/keys/k", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, "InvalidRequest", decodeError(t, w).Code)
			assert.Zero(t, s.store.calls)
		})
	}
}

func TestHandler_PutTooLarge(t *testing.T) {
	s := newTestServer(t, nil)
	s.handler.maxBodyBytes = 64

	doc := aesDocument(t, map[string]interface{}{"note": strings.Repeat("x", 200)})
	w := s.do(http.MethodPut, "/v1/keys/k", doc)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "EntityTooLarge", decodeError(t, w).Code)
}

func TestHandler_InvalidKeyIDs(t *testing.T) {
	s := newTestServer(t, nil)
	for _, path := range []string{
		"/v1/keys/a//b",
		"/v1/keys/a/../b",
		"/v1/keys/./a",
		"/v1/keys/a%5Cb",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		assert.NotEqual(t, http.StatusOK, w.Code, path)
	}
	assert.Zero(t, s.store.calls)
}

func TestValidKeyID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"k1", true},
		{"app/signing/jwt", true},
		{"tenant-a/key.v2", true},
		{"", false},
		{"/abs", false},
		{"trailing/", false},
		{"a//b", false},
		{"a/../b", false},
		{"..", false},
		{"a\\b", false},
		{"a\nb", false},
		{strings.Repeat("a", maxKeyIDLength+1), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, validKeyID(tt.id), "%q", tt.id)
	}
}

func writePolicy(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestHandler_Policies(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "ro.yaml", "id: frozen\nkeys: [\"root/*\"]\nread_only: true\n")
	writePolicy(t, dir, "req.yaml", "id: owned\nkeys: [\"svc/*\"]\nrequired_metadata: [owner, purpose]\n")
	pm := config.NewPolicyManager()
	require.NoError(t, pm.LoadPolicies([]string{filepath.Join(dir, "*.yaml")}))

	t.Run("read only", func(t *testing.T) {
		s := newTestServer(t, pm)
		w := s.do(http.MethodPut, "/v1/keys/root/ca", aesDocument(t, nil))
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "AccessDenied", decodeError(t, w).Code)
		assert.Zero(t, s.store.calls)

		events := s.audit.Events()
		require.Len(t, events, 1)
		assert.Equal(t, audit.EventTypeDenied, events[0].EventType)
		assert.Contains(t, events[0].Error, "frozen")
	})

	t.Run("read only still readable", func(t *testing.T) {
		s := newTestServer(t, pm)
		w := s.do(http.MethodGet, "/v1/keys/root/ca", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("missing metadata", func(t *testing.T) {
		s := newTestServer(t, pm)
		w := s.do(http.MethodPut, "/v1/keys/svc/k", aesDocument(t, map[string]interface{}{"owner": "a"}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		e := decodeError(t, w)
		assert.Equal(t, "MissingMetadata", e.Code)
		assert.Contains(t, e.Message, "purpose")
		assert.NotContains(t, e.Message, "owner")
		assert.Zero(t, s.store.calls)
	})

	t.Run("required metadata present", func(t *testing.T) {
		s := newTestServer(t, pm)
		w := s.do(http.MethodPut, "/v1/keys/svc/k", aesDocument(t, map[string]interface{}{"owner": "a", "purpose": "b"}))
		assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	})

	t.Run("unmatched", func(t *testing.T) {
		s := newTestServer(t, pm)
		w := s.do(http.MethodPut, "/v1/keys/other", aesDocument(t, nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}

func TestHandler_Providers(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(http.MethodGet, "/v1/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"LOCAL", "MEMORY"}, body["providers"])
}

func TestHandler_HealthAndReady(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/readyz", nil).Code)

	s.handler.SetReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, s.do(http.MethodGet, "/readyz", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", nil).Code)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(http.MethodDelete, "/v1/keys/k", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "MethodNotAllowed", decodeError(t, w).Code)
}

func TestHandler_RecordsHTTPMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	logger, _ := test.NewNullLogger()
	h := NewHandler(newFakeKeyStorage(), nil, logger, m)
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/keys/a", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/keys/b/c", nil))

	count, err := testutil.GatherAndCount(reg, "s2ks_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHandler_WithMemoryProvider(t *testing.T) {
	logger, _ := test.NewNullLogger()
	keys, err := provider.New(context.Background(), provider.Memory, provider.Properties{}, logger)
	require.NoError(t, err)
	defer keys.Close()

	h := NewHandler(keys, provider.Names, logger, metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	doc := aesDocument(t, map[string]interface{}{"owner": "svc-a"})
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/v1/keys/k1", bytes.NewReader(data)))
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/keys/k1", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got KeyDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, doc.Key, got.Key)
	assert.Equal(t, "svc-a", got.Metadata["owner"])
}
