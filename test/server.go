package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/soulwing/s2ks/internal/api"
	"github.com/soulwing/s2ks/internal/audit"
	"github.com/soulwing/s2ks/internal/cache"
	"github.com/soulwing/s2ks/internal/config"
	"github.com/soulwing/s2ks/internal/metrics"
	"github.com/soulwing/s2ks/internal/middleware"
	"github.com/soulwing/s2ks/internal/provider"
	"github.com/soulwing/s2ks/internal/storage"
)

// TestServer represents a running key server for testing.
type TestServer struct {
	Addr    string
	URL     string
	Keys    storage.MutableKeyStorage
	Audit   audit.Logger
	Metrics *metrics.Metrics

	server   *http.Server
	client   *http.Client
	listener net.Listener
}

// StartServer starts a key server over the provider named in cfg and waits
// until it reports healthy.
func StartServer(t *testing.T, cfg *config.Config) *TestServer {
	t.Helper()

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		t.Fatalf("Failed to listen on %s: %v", cfg.ListenAddr, err)
	}

	addr := listener.Addr().String()
	url := "http://" + addr

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	// Custom registry avoids duplicate registration between tests
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	opts := []provider.Option{
		provider.WithRecorder(m),
		provider.WithRedactedKeyIDs(cfg.Tracing.RedactSensitive),
	}
	if cfg.Cache.Enabled {
		ttl := time.Duration(cfg.Cache.DefaultTTL)
		opts = append(opts, provider.WithCache(cache.NewMemoryCache(cfg.Cache.MaxSize, cfg.Cache.MaxItems, ttl), ttl))
	}

	keys, err := provider.New(context.Background(), cfg.Storage.Provider,
		provider.Properties(cfg.Storage.Properties()), logger, opts...)
	if err != nil {
		listener.Close()
		t.Fatalf("Failed to create %s key storage: %v", cfg.Storage.Provider, err)
	}

	policies := config.NewPolicyManager()
	if err := policies.LoadPolicies(cfg.PolicyFiles); err != nil {
		listener.Close()
		t.Fatalf("Failed to load policies: %v", err)
	}

	auditLogger := audit.NewLogger(cfg.Audit.MaxEvents, cfg.Storage.Provider, audit.NewJSONWriter(io.Discard), logger)

	handler := api.NewHandlerWithFeatures(keys, provider.Names, logger, m, policies, auditLogger, cfg)

	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	handler.RegisterRoutes(router)

	httpHandler := middleware.RecoveryMiddleware(logger)(router)
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging)(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)
	httpHandler = middleware.RequestIDMiddleware()(httpHandler)

	server := &http.Server{
		Addr:              addr,
		Handler:           httpHandler,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeout),
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeout),
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeout),
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			t.Logf("Server error: %v", err)
		}
	}()

	ts := &TestServer{
		Addr:     addr,
		URL:      url,
		Keys:     keys,
		Audit:    auditLogger,
		Metrics:  m,
		server:   server,
		client:   &http.Client{Timeout: 30 * time.Second},
		listener: listener,
	}
	t.Cleanup(ts.Stop)

	if err := ts.waitReady(5 * time.Second); err != nil {
		t.Fatalf("Key server did not start: %v", err)
	}
	return ts
}

func (s *TestServer) waitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := s.client.Get(s.URL + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s/healthz", s.URL)
}

// PutKey stores doc under id and returns the response status.
func (s *TestServer) PutKey(t *testing.T, id string, doc *api.KeyDocument) (int, []byte) {
	t.Helper()
	body, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Failed to encode key document: %v", err)
	}
	req, err := http.NewRequest(http.MethodPut, s.URL+"/v1/keys/"+id, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(t, req)
}

// GetKey retrieves id and returns the response status and body.
func (s *TestServer) GetKey(t *testing.T, id string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+"/v1/keys/"+id, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	return s.do(t, req)
}

func (s *TestServer) do(t *testing.T, req *http.Request) (int, []byte) {
	t.Helper()
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, body
}

// Stop shuts the server down and closes its key storage.
func (s *TestServer) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	_ = s.Keys.Close()
	s.server = nil
}

// baseConfig returns server settings for an ephemeral port with the given
// provider and properties.
func baseConfig(t *testing.T, providerName string, props map[string]string) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig("")
	if err != nil {
		t.Fatalf("Failed to load default config: %v", err)
	}
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.LogLevel = "error"
	cfg.Storage.Provider = providerName
	cfg.Storage.Overrides = props
	cfg.Audit.Enabled = true
	return cfg
}
