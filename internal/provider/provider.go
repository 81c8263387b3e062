// Package provider creates key storage from a provider name and a set of
// named properties.
package provider

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/soulwing/s2ks/internal/backend"
	"github.com/soulwing/s2ks/internal/cache"
	"github.com/soulwing/s2ks/internal/crypto"
	"github.com/soulwing/s2ks/internal/keyerr"
	"github.com/soulwing/s2ks/internal/storage"
)

// Properties are provider configuration values by name.
type Properties map[string]string

// Get returns the trimmed value of name, or "".
func (p Properties) Get(name string) string {
	return strings.TrimSpace(p[name])
}

// GetOr returns the value of name, or def when unset.
func (p Properties) GetOr(name, def string) string {
	if v := p.Get(name); v != "" {
		return v
	}
	return def
}

// Require returns the value of name or a ProviderConfiguration error.
func (p Properties) Require(provider, name string) (string, error) {
	v := p.Get(name)
	if v == "" {
		return "", keyerr.New(keyerr.ProviderConfiguration, "%s provider requires property %q", provider, name)
	}
	return v, nil
}

// Int returns the integer value of name, or def when unset.
func (p Properties) Int(provider, name string, def int) (int, error) {
	v := p.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, keyerr.New(keyerr.ProviderConfiguration, "%s provider property %q must be a non-negative integer", provider, name)
	}
	return n, nil
}

// Components are the parts a provider factory contributes to a key
// storage engine.
type Components struct {
	Storage storage.StorageService
	Source  storage.WrapperKeySource
	KeyWrap crypto.KeyWrapOperator
	// SourceName labels wrapper key requests in metrics.
	SourceName string
}

// close releases whatever the components hold.
func (c *Components) close() error {
	var errs []error
	if closer, ok := c.Storage.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if closer, ok := c.Source.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

// Factory builds provider components from properties.
type Factory func(ctx context.Context, props Properties, logger *logrus.Logger) (*Components, error)

// Recorder receives metrics from every layer of a provider's storage.
type Recorder interface {
	storage.OperationRecorder
	backend.BytesRecorder
	RecordWrapperKeyRequest(source string, err error)
}

type options struct {
	recorder   Recorder
	cache      cache.Cache
	cacheTTL   time.Duration
	pathSuffix string
	redactIDs  bool
}

// Option adjusts how New assembles storage.
type Option func(*options)

// WithRecorder records operation, byte and wrapper key metrics.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithCache caches encoded envelopes read from storage.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(o *options) {
		o.cache = c
		o.cacheTTL = ttl
	}
}

// WithPathSuffix overrides the storage path suffix.
func WithPathSuffix(suffix string) Option {
	return func(o *options) { o.pathSuffix = suffix }
}

// WithRedactedKeyIDs keeps key ids off storage spans.
func WithRedactedKeyIDs(redact bool) Option {
	return func(o *options) { o.redactIDs = redact }
}

// Registry maps provider names to factories. Names are case-insensitive.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name.
func (r *Registry) Register(name string, f Factory) error {
	key := strings.ToUpper(strings.TrimSpace(name))
	if key == "" {
		return errors.New("provider name is required")
	}
	if f == nil {
		return errors.New("provider factory is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[key]; ok {
		return errors.New("provider already registered: " + key)
	}
	r.factories[key] = f
	return nil
}

// Names returns the registered provider names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) factory(name string) (string, Factory, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return "", nil, keyerr.New(keyerr.NoSuchProvider, "no such provider: %s", name)
	}
	return key, factory, nil
}

// New creates key storage using the named provider.
func (r *Registry) New(ctx context.Context, name string, props Properties, logger *logrus.Logger, opts ...Option) (storage.MutableKeyStorage, error) {
	key, factory, err := r.factory(name)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}
	o := options{pathSuffix: storage.DefaultPathSuffix}
	for _, opt := range opts {
		opt(&o)
	}

	components, err := factory(ctx, props, logger)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.ProviderConfiguration, err, "failed to configure %s provider", key)
	}

	svc := components.Storage
	source := components.Source
	var operations storage.OperationRecorder
	if o.recorder != nil {
		svc = backend.NewMeteredStorageService(svc, o.recorder)
		source = newRecordingSource(source, components.SourceName, o.recorder)
		operations = o.recorder
	}
	if o.cache != nil {
		svc = backend.NewCachedStorageService(svc, o.cache, o.cacheTTL, logger)
	}

	engine := storage.NewEngine(svc, source, components.KeyWrap, storage.WithPathSuffix(o.pathSuffix))

	logger.WithFields(logrus.Fields{
		"provider": key,
		"source":   components.SourceName,
		"cached":   o.cache != nil,
	}).Info("Key storage provider configured")

	return storage.NewInstrumentedStorage(engine, key, operations, logger,
		storage.WithRedactedKeyIDs(o.redactIDs)), nil
}

// NewKeyPairStorage reads externally issued key pairs through the storage
// service of the named provider. When the properties name a password, it
// decrypts encrypted private keys; it is read again for each retrieval.
func (r *Registry) NewKeyPairStorage(ctx context.Context, name string, props Properties, logger *logrus.Logger) (*storage.KeyPairStorage, error) {
	key, factory, err := r.factory(name)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	components, err := factory(ctx, props, logger)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.ProviderConfiguration, err, "failed to configure %s provider", key)
	}
	if closer, ok := components.Source.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.WithError(err).WithField("provider", key).Warn("Failed to release wrapper key source")
		}
	}

	var password storage.PasswordFunc
	if props.Get(PropPassword) != "" || props.Get(PropPasswordFile) != "" {
		password = func(context.Context, string) ([]byte, error) {
			return readPassword(key, props)
		}
	}

	logger.WithField("provider", key).Info("Key pair storage configured")
	return storage.NewKeyPairStorage(components.Storage, password), nil
}

var defaultRegistry = newDefaultRegistry()

func newDefaultRegistry() *Registry {
	r := NewRegistry()
	for name, f := range builtins {
		if err := r.Register(name, f); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a factory to the default registry.
func Register(name string, f Factory) error {
	return defaultRegistry.Register(name, f)
}

// Names returns the providers in the default registry.
func Names() []string {
	return defaultRegistry.Names()
}

// NewKeyPairStorage reads key pairs using a provider from the default
// registry.
func NewKeyPairStorage(ctx context.Context, name string, props Properties, logger *logrus.Logger) (*storage.KeyPairStorage, error) {
	return defaultRegistry.NewKeyPairStorage(ctx, name, props, logger)
}

// New creates key storage using a provider from the default registry.
func New(ctx context.Context, name string, props Properties, logger *logrus.Logger, opts ...Option) (storage.MutableKeyStorage, error) {
	return defaultRegistry.New(ctx, name, props, logger, opts...)
}
