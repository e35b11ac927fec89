// Package config provides runtime configuration for the gateway.
// Struct layout follows the teacher's internal/config/config.go; loading is
// env-tag driven via github.com/caarlos0/env instead of hand-rolled
// os.Getenv calls, with the same file-then-env precedence the teacher used.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Config is the full runtime configuration (§6 table plus ambient settings).
type Config struct {
	// API access
	APIKey string `json:"apiKey" env:"API_KEY"`

	// Logging and debugging
	Debug   bool `json:"debug" env:"DEBUG"`
	DevMode bool `json:"devMode" env:"DEV_MODE"`

	// §6 Configuration table
	CapacityRetries       int               `json:"capacityRetries" env:"CAPACITY_RETRIES" envDefault:"2"`
	CapacityRetryDelayMs  int64             `json:"capacityRetryDelayMs" env:"CAPACITY_RETRY_DELAY_MS" envDefault:"1000"`
	FetchConnectTimeoutMs int64             `json:"fetchConnectTimeoutMs" env:"FETCH_CONNECT_TIMEOUT_MS" envDefault:"30000"`
	OutboundProxyURL      string            `json:"outboundProxyUrl" env:"OUTBOUND_PROXY_URL"`
	TokenRefreshSkewMs    int64             `json:"tokenRefreshSkewMs" env:"TOKEN_REFRESH_SKEW_MS" envDefault:"60000"`
	ModelConcurrency      map[string]int    `json:"modelConcurrency"`
	ModelAliases          map[string]string `json:"modelAliases"`
	PreferredTiers        map[string][]string `json:"preferredTiers"`
	ErrorThreshold        int               `json:"errorThreshold" env:"ERROR_THRESHOLD" envDefault:"5"`
	AccountWaitMs         int64             `json:"accountWaitMs" env:"ACCOUNT_WAIT_MS" envDefault:"30000"`

	// Default model slot capacity, used when modelConcurrency has no entry.
	DefaultModelConcurrency int `json:"defaultModelConcurrency" env:"DEFAULT_MODEL_CONCURRENCY" envDefault:"4"`

	// Image-generation model id, for requestType = "image_gen" (§6).
	ImageGenModel string `json:"imageGenModel" env:"IMAGE_GEN_MODEL" envDefault:"gemini-2.0-flash-image"`

	// Storage
	SQLitePath string `json:"sqlitePath" env:"SQLITE_PATH" envDefault:"./data/gateway.db"`

	// OAuth token endpoint (the upstream's refresh-grant endpoint)
	OAuthTokenURL     string `json:"oauthTokenUrl" env:"OAUTH_TOKEN_URL"`
	OAuthClientID     string `json:"oauthClientId" env:"OAUTH_CLIENT_ID"`
	OAuthClientSecret string `json:"oauthClientSecret" env:"OAUTH_CLIENT_SECRET"`

	// Upstream cloud code-assist API base URL, used for discovery (load/
	// onboard user) and the chat/stream-chat envelope calls (§6).
	UpstreamEndpoint string `json:"upstreamEndpoint" env:"UPSTREAM_ENDPOINT" envDefault:"https://cloudcode-pa.googleapis.com"`

	// Server
	Port int    `json:"port" env:"PORT" envDefault:"8080"`
	Host string `json:"host" env:"HOST" envDefault:"0.0.0.0"`

	// Metrics
	MetricsAddr string `json:"metricsAddr" env:"METRICS_ADDR" envDefault:":9090"`
}

// Default returns a Config with every envDefault applied and a couple of
// non-scalar defaults that env tags can't express.
func Default() *Config {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		// env.Parse only fails on malformed struct tags, which is a
		// programming error, not a runtime condition.
		panic(err)
	}
	if cfg.ModelConcurrency == nil {
		cfg.ModelConcurrency = map[string]int{}
	}
	if cfg.ModelAliases == nil {
		cfg.ModelAliases = map[string]string{}
	}
	if cfg.PreferredTiers == nil {
		cfg.PreferredTiers = map[string][]string{}
	}
	return cfg
}

// Load layers a JSON config file (if present) under the env-tag defaults,
// then re-applies environment overrides, matching the teacher's
// file-then-env precedence in go-backend/internal/config/config.go.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("GATEWAY_CONFIG_FILE")
	}
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Re-apply env overrides so they win over the file, same precedence
	// the teacher's loadFromEnv() establishes after loadFromFile().
	// envDefault values only fill fields still at their zero value here,
	// so a default never overwrites a value the file supplied.
	if err := env.ParseWithOptions(cfg, env.Options{SetDefaultsForZeroValuesOnly: true}); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ModelConcurrencyFor returns the configured slot capacity for a model,
// falling back to DefaultModelConcurrency.
func (c *Config) ModelConcurrencyFor(model string) int {
	if n, ok := c.ModelConcurrency[model]; ok && n > 0 {
		return n
	}
	return c.DefaultModelConcurrency
}

// ResolveAlias maps a caller-facing model id to the upstream model id.
func (c *Config) ResolveAlias(model string) string {
	if alias, ok := c.ModelAliases[model]; ok && alias != "" {
		return alias
	}
	return model
}

// IsImageGenModel reports whether requestType should be "image_gen" (§6).
func (c *Config) IsImageGenModel(model string) bool {
	return model == c.ImageGenModel
}

// AntigravityEndpoint returns the upstream cloud code-assist API base URL.
func (c *Config) AntigravityEndpoint() string { return c.UpstreamEndpoint }

// ConfigDir returns the directory holding persisted gateway state.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "assist-gateway")
}
