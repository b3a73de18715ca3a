package azauth

import (
	"errors"
	"strings"
	"time"
)

// Config carries every tunable of the engine. Instances are configured during
// initialization and treated as immutable afterwards.
type Config struct {
	Provider        ProviderConfig
	Resources       ResourcesConfig
	HTTP            HTTPConfig
	Audit           AuditConfig
	Metrics         MetricsConfig
	ExpiryTolerance time.Duration
}

/*
====================================
PROVIDER CONFIG
====================================
*/

// ProviderConfig identifies the AAD application the engine authenticates as.
type ProviderConfig struct {
	ClientID      string
	DisplayName   string
	LoginEndpoint string // must end with a slash
	RedirectURI   string // authorization-code flow only
}

/*
====================================
RESOURCES CONFIG
====================================
*/

// ResourcesConfig names the resources the engine can mint tokens for.
// Management is the bootstrap resource: its common-tenant refresh token is the
// base credential every other grant falls back to.
type ResourcesConfig struct {
	Management      Resource
	ResourceManager Resource
}

// HTTPConfig tunes the outbound HTTP client.
type HTTPConfig struct {
	Timeout time.Duration
}

// AuditConfig tunes the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig tunes the lock-free metrics registry.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

func defaultConfig() Config {
	return Config{
		Provider: ProviderConfig{
			DisplayName:   "Azure",
			LoginEndpoint: "https://login.microsoftonline.com/",
		},
		Resources: ResourcesConfig{
			Management: Resource{
				ID:  "management",
				URI: "https://management.core.windows.net/",
			},
			ResourceManager: Resource{
				ID:  "arm",
				URI: "https://management.azure.com/",
			},
		},
		HTTP: HTTPConfig{
			Timeout: 30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		ExpiryTolerance: 2 * time.Minute,
	}
}

func cloneConfig(cfg Config) Config {
	return cfg
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first configuration error, or nil.
func (c *Config) Validate() error {
	if c.Provider.ClientID == "" {
		return errors.New("Provider ClientID is required")
	}
	if c.Provider.LoginEndpoint == "" {
		return errors.New("Provider LoginEndpoint is required")
	}
	if !strings.HasSuffix(c.Provider.LoginEndpoint, "/") {
		return errors.New("Provider LoginEndpoint must end with a slash")
	}

	if c.Resources.Management.ID == "" || c.Resources.Management.URI == "" {
		return errors.New("Resources Management requires both ID and URI")
	}
	if c.Resources.ResourceManager.ID == "" || c.Resources.ResourceManager.URI == "" {
		return errors.New("Resources ResourceManager requires both ID and URI")
	}

	if c.HTTP.Timeout <= 0 {
		return errors.New("HTTP Timeout must be > 0")
	}

	if c.Audit.Enabled {
		if c.Audit.BufferSize <= 0 {
			return errors.New("Audit BufferSize must be > 0 when audit is enabled")
		}
	}

	if c.ExpiryTolerance < 0 {
		return errors.New("ExpiryTolerance must be >= 0")
	}

	return nil
}
