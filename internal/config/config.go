package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr  string          `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel    string          `yaml:"log_level" env:"LOG_LEVEL"`
	Logging     LoggingConfig   `yaml:"logging"`
	Storage     StorageConfig   `yaml:"storage"`
	Cache       CacheConfig     `yaml:"cache"`
	Audit       AuditConfig     `yaml:"audit"`
	TLS         TLSConfig       `yaml:"tls"`
	Server      ServerConfig    `yaml:"server"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Tracing     TracingConfig   `yaml:"tracing"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	PolicyFiles []string        `yaml:"policy_files" env:"POLICY_FILES"`
}

// StorageConfig selects a storage provider and holds the settings each
// provider reads. Only the subsections relevant to Provider are used.
type StorageConfig struct {
	Provider string               `yaml:"provider" env:"STORAGE_PROVIDER"`
	Local    LocalStorageConfig   `yaml:"local"`
	AWS      AWSStorageConfig     `yaml:"aws"`
	KMIP     KMIPStorageConfig    `yaml:"kmip"`
	LevelDB  LevelDBStorageConfig `yaml:"leveldb"`
	LibSQL   LibSQLStorageConfig  `yaml:"libsql"`
	// Overrides are passed to the provider verbatim and take precedence
	// over the typed subsections.
	Overrides map[string]string `yaml:"properties"`
	// KeyPairs serves certificate chains of externally issued key pairs
	// stored below each id.
	KeyPairs bool `yaml:"key_pairs" env:"STORAGE_KEY_PAIRS"`
}

// LocalStorageConfig holds filesystem and password settings.
type LocalStorageConfig struct {
	StorageDirectory string `yaml:"storage_directory" env:"STORAGE_DIRECTORY"`
	Password         string `yaml:"password" env:"STORAGE_PASSWORD"`
	PasswordFile     string `yaml:"password_file" env:"STORAGE_PASSWORD_FILE"`
	PBEIterations    int    `yaml:"pbe_iterations" env:"STORAGE_PBE_ITERATIONS"`
}

// AWSStorageConfig holds S3 and KMS settings.
type AWSStorageConfig struct {
	Region         string `yaml:"region" env:"AWS_REGION"`
	KMSMasterKeyID string `yaml:"kms_master_key_id" env:"AWS_KMS_MASTER_KEY_ID"`
	KMSDataKeySpec string `yaml:"kms_data_key_spec" env:"AWS_KMS_DATA_KEY_SPEC"`
	S3BucketName   string `yaml:"s3_bucket_name" env:"AWS_S3_BUCKET_NAME"`
	S3Prefix       string `yaml:"s3_prefix" env:"AWS_S3_PREFIX"`
	Endpoint       string `yaml:"endpoint" env:"AWS_ENDPOINT"`
	AccessKey      string `yaml:"access_key" env:"AWS_ACCESS_KEY"`
	SecretKey      string `yaml:"secret_key" env:"AWS_SECRET_KEY"`
}

// KMIPStorageConfig holds KMIP server settings. Key content is stored in
// the local directory, or in S3 when an S3 bucket is configured.
type KMIPStorageConfig struct {
	Endpoint string `yaml:"endpoint" env:"KMIP_ENDPOINT"`
	KeyID    string `yaml:"key_id" env:"KMIP_KEY_ID"`
	CertFile string `yaml:"cert_file" env:"KMIP_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"KMIP_KEY_FILE"`
	CAFile   string `yaml:"ca_file" env:"KMIP_CA_FILE"`
}

// LevelDBStorageConfig holds the embedded database location.
type LevelDBStorageConfig struct {
	Path string `yaml:"path" env:"LEVELDB_PATH"`
}

// LibSQLStorageConfig holds the SQL database location.
type LibSQLStorageConfig struct {
	DSN string `yaml:"dsn" env:"LIBSQL_DSN"`
}

// LoggingConfig holds access log configuration.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	MaxHeaderBytes    int      `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	MaxBodyBytes      int64    `yaml:"max_body_bytes" env:"SERVER_MAX_BODY_BYTES"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool     `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int      `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// CacheConfig holds envelope cache configuration.
type CacheConfig struct {
	Enabled    bool     `yaml:"enabled" env:"CACHE_ENABLED"`
	MaxSize    int64    `yaml:"max_size" env:"CACHE_MAX_SIZE"`   // Max size in bytes
	MaxItems   int      `yaml:"max_items" env:"CACHE_MAX_ITEMS"` // Max number of items
	DefaultTTL Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName    string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter       string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, jaeger, otlp
	JaegerEndpoint string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint   string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio  float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`

	// RedactSensitive keeps key ids, query strings and credentials out of spans.
	RedactSensitive bool `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// MetricsConfig holds Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled        bool     `yaml:"enabled" env:"METRICS_ENABLED"`
	Path           string   `yaml:"path" env:"METRICS_PATH"`
	SystemInterval Duration `yaml:"system_interval" env:"METRICS_SYSTEM_INTERVAL"`
}

// Duration is a time.Duration that also accepts Prometheus duration
// syntax such as "1d" or "2w".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML formats the duration in Go syntax.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ParseDuration parses s as a Go duration, falling back to Prometheus
// duration syntax.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	d, err := model.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(d), nil
}

// Properties returns the provider properties described by the storage
// configuration. Unset values are omitted.
func (s StorageConfig) Properties() map[string]string {
	props := make(map[string]string)
	set := func(name, value string) {
		if value != "" {
			props[name] = value
		}
	}

	set("storageDirectory", s.Local.StorageDirectory)
	set("password", s.Local.Password)
	set("passwordFile", s.Local.PasswordFile)
	if s.Local.PBEIterations > 0 {
		props["pbeIterations"] = strconv.Itoa(s.Local.PBEIterations)
	}

	set("region", s.AWS.Region)
	set("kmsMasterKeyId", s.AWS.KMSMasterKeyID)
	set("kmsDataKeySpec", s.AWS.KMSDataKeySpec)
	set("s3BucketName", s.AWS.S3BucketName)
	set("s3Prefix", s.AWS.S3Prefix)
	set("endpoint", s.AWS.Endpoint)
	set("accessKey", s.AWS.AccessKey)
	set("secretKey", s.AWS.SecretKey)

	set("kmipEndpoint", s.KMIP.Endpoint)
	set("kmipKeyId", s.KMIP.KeyID)
	set("kmipCertFile", s.KMIP.CertFile)
	set("kmipKeyFile", s.KMIP.KeyFile)
	set("kmipCaFile", s.KMIP.CAFile)

	switch strings.ToUpper(s.Provider) {
	case "LEVELDB":
		set("databasePath", s.LevelDB.Path)
	case "LIBSQL":
		set("databasePath", s.LibSQL.DSN)
	}

	for name, value := range s.Overrides {
		props[name] = value
	}
	return props
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "cookie", "x-api-key"},
		},
		Storage: StorageConfig{
			Provider: "LOCAL",
		},
		Server: ServerConfig{
			ReadTimeout:       Duration(15 * time.Second),
			WriteTimeout:      Duration(15 * time.Second),
			IdleTimeout:       Duration(60 * time.Second),
			ReadHeaderTimeout: Duration(10 * time.Second),
			ShutdownTimeout:   Duration(30 * time.Second),
			MaxHeaderBytes:    1 << 20, // 1MB
			MaxBodyBytes:      1 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  Duration(60 * time.Second),
		},
		Cache: CacheConfig{
			Enabled:    false,
			MaxSize:    16 * 1024 * 1024,
			MaxItems:   10000,
			DefaultTTL: Duration(5 * time.Minute),
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "s2ks",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			Path:           "/metrics",
			SystemInterval: Duration(15 * time.Second),
		},
	}

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func envString(name string, target *string) {
	if v := os.Getenv(name); v != "" {
		*target = v
	}
}

func envBool(name string, target *bool) {
	if v := os.Getenv(name); v != "" {
		*target = v == "true" || v == "1"
	}
}

func envInt(name string, target *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*target = n
		}
	}
}

func envInt64(name string, target *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			*target = n
		}
	}
}

func envDuration(name string, target *Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := ParseDuration(v); err == nil {
			*target = Duration(d)
		}
	}
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	envString("LISTEN_ADDR", &config.ListenAddr)
	envString("LOG_LEVEL", &config.LogLevel)
	if v := os.Getenv("POLICY_FILES"); v != "" {
		// Comma-separated list of glob patterns
		config.PolicyFiles = strings.Split(v, ",")
		for i := range config.PolicyFiles {
			config.PolicyFiles[i] = strings.TrimSpace(config.PolicyFiles[i])
		}
	}

	envString("LOGGING_ACCESS_LOG_FORMAT", &config.Logging.AccessLogFormat)
	if v := os.Getenv("LOGGING_REDACT_HEADERS"); v != "" {
		config.Logging.RedactHeaders = strings.Split(v, ",")
		for i := range config.Logging.RedactHeaders {
			config.Logging.RedactHeaders[i] = strings.TrimSpace(config.Logging.RedactHeaders[i])
		}
	}

	s := &config.Storage
	envString("STORAGE_PROVIDER", &s.Provider)
	envBool("STORAGE_KEY_PAIRS", &s.KeyPairs)
	envString("STORAGE_DIRECTORY", &s.Local.StorageDirectory)
	envString("STORAGE_PASSWORD", &s.Local.Password)
	envString("STORAGE_PASSWORD_FILE", &s.Local.PasswordFile)
	envInt("STORAGE_PBE_ITERATIONS", &s.Local.PBEIterations)
	envString("AWS_REGION", &s.AWS.Region)
	envString("AWS_KMS_MASTER_KEY_ID", &s.AWS.KMSMasterKeyID)
	envString("AWS_KMS_DATA_KEY_SPEC", &s.AWS.KMSDataKeySpec)
	envString("AWS_S3_BUCKET_NAME", &s.AWS.S3BucketName)
	envString("AWS_S3_PREFIX", &s.AWS.S3Prefix)
	envString("AWS_ENDPOINT", &s.AWS.Endpoint)
	envString("AWS_ACCESS_KEY", &s.AWS.AccessKey)
	envString("AWS_SECRET_KEY", &s.AWS.SecretKey)
	envString("KMIP_ENDPOINT", &s.KMIP.Endpoint)
	envString("KMIP_KEY_ID", &s.KMIP.KeyID)
	envString("KMIP_CERT_FILE", &s.KMIP.CertFile)
	envString("KMIP_KEY_FILE", &s.KMIP.KeyFile)
	envString("KMIP_CA_FILE", &s.KMIP.CAFile)
	envString("LEVELDB_PATH", &s.LevelDB.Path)
	envString("LIBSQL_DSN", &s.LibSQL.DSN)

	envBool("TLS_ENABLED", &config.TLS.Enabled)
	envString("TLS_CERT_FILE", &config.TLS.CertFile)
	envString("TLS_KEY_FILE", &config.TLS.KeyFile)

	envDuration("SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SERVER_READ_HEADER_TIMEOUT", &config.Server.ReadHeaderTimeout)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &config.Server.ShutdownTimeout)
	envInt("SERVER_MAX_HEADER_BYTES", &config.Server.MaxHeaderBytes)
	envInt64("SERVER_MAX_BODY_BYTES", &config.Server.MaxBodyBytes)

	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envInt("RATE_LIMIT_REQUESTS", &config.RateLimit.Limit)
	envDuration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)

	envBool("CACHE_ENABLED", &config.Cache.Enabled)
	envInt64("CACHE_MAX_SIZE", &config.Cache.MaxSize)
	envInt("CACHE_MAX_ITEMS", &config.Cache.MaxItems)
	envDuration("CACHE_DEFAULT_TTL", &config.Cache.DefaultTTL)

	envBool("AUDIT_ENABLED", &config.Audit.Enabled)
	envInt("AUDIT_MAX_EVENTS", &config.Audit.MaxEvents)

	envBool("TRACING_ENABLED", &config.Tracing.Enabled)
	envString("TRACING_SERVICE_NAME", &config.Tracing.ServiceName)
	envString("TRACING_SERVICE_VERSION", &config.Tracing.ServiceVersion)
	envString("TRACING_EXPORTER", &config.Tracing.Exporter)
	envString("TRACING_JAEGER_ENDPOINT", &config.Tracing.JaegerEndpoint)
	envString("TRACING_OTLP_ENDPOINT", &config.Tracing.OtlpEndpoint)
	envBool("TRACING_REDACT_SENSITIVE", &config.Tracing.RedactSensitive)
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}

	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	envString("METRICS_PATH", &config.Metrics.Path)
	envDuration("METRICS_SYSTEM_INTERVAL", &config.Metrics.SystemInterval)
}

// Validate validates the configuration and returns an error if invalid.
// Provider properties are checked when the provider is created.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if strings.TrimSpace(c.Storage.Provider) == "" {
		return fmt.Errorf("storage.provider is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Limit <= 0 {
			return fmt.Errorf("rate_limit.limit must be positive when rate limiting is enabled")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be positive when rate limiting is enabled")
		}
	}

	if c.Cache.Enabled {
		if c.Cache.MaxSize <= 0 || c.Cache.MaxItems <= 0 {
			return fmt.Errorf("cache.max_size and cache.max_items must be positive when the cache is enabled")
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"jaeger": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout, jaeger, or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "jaeger" && c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint is required when exporter is jaeger")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}
