package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/soulwing/s2ks/internal/api"
	"github.com/soulwing/s2ks/internal/audit"
	"github.com/soulwing/s2ks/internal/cache"
	"github.com/soulwing/s2ks/internal/config"
	"github.com/soulwing/s2ks/internal/metrics"
	"github.com/soulwing/s2ks/internal/middleware"
	"github.com/soulwing/s2ks/internal/provider"
	"github.com/soulwing/s2ks/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	setLogLevel(logger, cfg.LogLevel)

	logger.WithFields(logrus.Fields{
		"version":  version,
		"commit":   commit,
		"provider": cfg.Storage.Provider,
	}).Info("Starting s2ks key server")

	ctx := context.Background()

	if cfg.Tracing.ServiceVersion == "" || cfg.Tracing.ServiceVersion == "dev" {
		cfg.Tracing.ServiceVersion = version
	}
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, tracing.Options{}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up tracing")
	}

	m := metrics.NewMetrics()
	stopCollector := make(chan struct{})
	m.StartSystemMetricsCollector(time.Duration(cfg.Metrics.SystemInterval), stopCollector)

	opts := []provider.Option{
		provider.WithRecorder(m),
		provider.WithRedactedKeyIDs(cfg.Tracing.RedactSensitive),
	}
	if cfg.Cache.Enabled {
		envelopeCache := cache.NewMemoryCache(
			cfg.Cache.MaxSize,
			cfg.Cache.MaxItems,
			time.Duration(cfg.Cache.DefaultTTL),
		)
		opts = append(opts, provider.WithCache(envelopeCache, time.Duration(cfg.Cache.DefaultTTL)))
		logger.WithFields(logrus.Fields{
			"max_size":    cfg.Cache.MaxSize,
			"max_items":   cfg.Cache.MaxItems,
			"default_ttl": time.Duration(cfg.Cache.DefaultTTL).String(),
		}).Info("Envelope cache enabled")
	}

	keys, err := provider.New(ctx, cfg.Storage.Provider, provider.Properties(cfg.Storage.Properties()), logger, opts...)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create key storage")
	}

	policies := config.NewPolicyManager()
	if len(cfg.PolicyFiles) > 0 {
		if err := policies.LoadPolicies(cfg.PolicyFiles); err != nil {
			logger.WithError(err).Fatal("Failed to load key policies")
		}
		logger.WithField("policies", policies.Len()).Info("Key policies loaded")
	}

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, cfg.Storage.Provider, audit.NewLogrusWriter(logger), logger)
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	handler := api.NewHandlerWithFeatures(keys, provider.Names, logger, m, policies, auditLogger, cfg)
	if cfg.Storage.KeyPairs {
		keyPairs, err := provider.NewKeyPairStorage(ctx, cfg.Storage.Provider, provider.Properties(cfg.Storage.Properties()), logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create key pair storage")
		}
		defer keyPairs.Close()
		handler.SetKeyPairStorage(keyPairs)
	}

	router := mux.NewRouter()
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware(cfg.Tracing.RedactSensitive))
	}
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, m.Handler()).Methods(http.MethodGet)
	}
	handler.RegisterRoutes(router)

	var httpHandler http.Handler = middleware.RecoveryMiddleware(logger)(router)
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging)(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			cfg.RateLimit.Limit,
			time.Duration(cfg.RateLimit.Window),
			logger,
		)
		defer rateLimiter.Stop()
		rateLimiter.Exempt("/healthz", "/readyz", cfg.Metrics.Path)
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": time.Duration(cfg.RateLimit.Window).String(),
		}).Info("Rate limiting enabled")
	}
	httpHandler = middleware.RequestIDMiddleware()(httpHandler)

	reloader, err := config.NewConfigReloader(configFileIfExists(configPath), cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create configuration reloader")
	}
	reloader.SetOnReloadCallback(func(old, next *config.Config) error {
		if err := policies.LoadPolicies(next.PolicyFiles); err != nil {
			return err
		}
		setLogLevel(logger, next.LogLevel)
		logger.WithFields(logrus.Fields{
			"log_level": next.LogLevel,
			"policies":  policies.Len(),
		}).Info("Applied reloaded configuration")
		return nil
	})
	go reloader.Start()
	defer reloader.Stop()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeout),
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeout),
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeout),
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
		ConnState: func(_ net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				m.IncrementActiveConnections()
			case http.StateClosed, http.StateHijacked:
				m.DecrementActiveConnections()
			}
		},
	}

	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	handler.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout))
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}

	close(stopCollector)
	if err := keys.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close key storage")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
}

// setLogLevel applies level, keeping the current level when it is invalid.
func setLogLevel(logger *logrus.Logger, level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, keeping current level")
		return
	}
	logger.SetLevel(parsed)
}

// configFileIfExists returns path when it names an existing file, so that
// a server configured only by environment does not watch a missing file.
func configFileIfExists(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
