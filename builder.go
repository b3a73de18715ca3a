package azauth

import (
	"context"
	"errors"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/azurekit/azauth/cache"
	"github.com/azurekit/azauth/endpoint"
)

// Builder assembles an [Engine]. A builder is single-use: Build succeeds at
// most once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	secrets    SecretStore
	expiry     ExpiryStore
	httpClient *http.Client

	authenticators []Authenticator
	prompter       ConsentPrompter
	tenantFilter   *TenantFilter
	auditSink      AuditSink
	logger         *zap.Logger

	built bool
}

// New returns a builder seeded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithClientID sets the AAD application client id without replacing the rest
// of the configuration.
func (b *Builder) WithClientID(clientID string) *Builder {
	b.config.Provider.ClientID = clientID
	return b
}

// WithRedis backs the volatile expiry store with Redis. An explicit
// WithExpiryStore takes precedence.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithSecretStore sets the secure credential store. Required.
func (b *Builder) WithSecretStore(store SecretStore) *Builder {
	b.secrets = store
	return b
}

// WithExpiryStore overrides the volatile expiry store. Defaults to an
// in-memory store, or Redis when WithRedis was called.
func (b *Builder) WithExpiryStore(store ExpiryStore) *Builder {
	b.expiry = store
	return b
}

// WithAuthenticator registers an interactive flow. May be called once per
// flow type; a later registration for the same type replaces the earlier one.
func (b *Builder) WithAuthenticator(a Authenticator) *Builder {
	if a != nil {
		b.authenticators = append(b.authenticators, a)
	}
	return b
}

// WithPrompter sets the consent prompter used when a silent grant demands
// interaction. Without one the engine never re-prompts.
func (b *Builder) WithPrompter(p ConsentPrompter) *Builder {
	b.prompter = p
	return b
}

// WithTenantFilter sets the durable tenant exclusion set.
func (b *Builder) WithTenantFilter(f *TenantFilter) *Builder {
	b.tenantFilter = f
	return b
}

// WithLogger sets the structured logger. Defaults to a nop logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithAuditSink sets the audit sink and enables auditing.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	b.config.Audit.Enabled = sink != nil
	return b
}

// WithMetricsEnabled toggles the metrics registry.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the token-grant latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithHTTPClient overrides the outbound HTTP client. Defaults to a client
// with the configured timeout.
func (b *Builder) WithHTTPClient(client *http.Client) *Builder {
	b.httpClient = client
	return b
}

// Build validates the configuration and assembles the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.secrets == nil {
		return nil, errors.New("secret store required")
	}

	expiry := b.expiry
	if expiry == nil {
		if b.redis != nil {
			expiry = cache.NewRedisExpiryStore(b.redis, "")
		} else {
			expiry = cache.NewMemoryExpiryStore()
		}
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := b.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTP.Timeout}
	}

	filter := b.tenantFilter
	if filter == nil {
		filter = NewTenantFilter(nil, nil)
	}

	engine := &Engine{
		config: cfg,
		client: endpoint.NewClient(httpClient, cfg.Provider.LoginEndpoint, cfg.Provider.ClientID, logger.Named("endpoint")),
		cache:  cache.NewStore(b.secrets, expiry),
		consent: &consentCoordinator{
			prompter: b.prompter,
			filter:   filter,
			logger:   logger.Named("consent"),
		},
		tenantFilter:   filter,
		authenticators: make(map[AuthType]Authenticator, len(b.authenticators)),
		logger:         logger,
		audit:          newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:        NewMetrics(cfg.Metrics),
	}

	for _, a := range b.authenticators {
		engine.authenticators[a.AuthType()] = a
	}

	b.built = true

	return engine, nil
}

// ensureContext normalizes nil contexts at the public API boundary.
func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
