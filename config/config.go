package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tradeflow/internal/model"
)

type Config struct {
	Tradeflow TradeflowConfig  `yaml:"tradeflow"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Framework FrameworkConfig  `yaml:"framework"`
	Arbitrage ArbitrageConfig  `yaml:"arbitrage"`
	Router    RouterConfig     `yaml:"router"`
	Signals   SignalsConfig    `yaml:"signals"`
	Dashboard DashboardConfig  `yaml:"dashboard"`
	Exchanges []ExchangeConfig `yaml:"exchanges"`
}

type TradeflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type FrameworkConfig struct {
	MaxExchanges    int             `yaml:"max_exchanges"`
	StalenessWindow time.Duration   `yaml:"staleness_window"`
	CacheTTL        time.Duration   `yaml:"cache_ttl"`
	Portfolio       PortfolioConfig `yaml:"portfolio"`
}

type PortfolioConfig struct {
	QuoteAsset string `yaml:"quote_asset"`
}

type ArbitrageConfig struct {
	Symbols          []string      `yaml:"symbols"`
	MinProfitPercent float64       `yaml:"min_profit_percent"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	OpportunityTTL   time.Duration `yaml:"opportunity_ttl"`
	AutoExecute      bool          `yaml:"auto_execute"`
	MinConfidence    float64       `yaml:"min_confidence"`
}

type RouterConfig struct {
	MaxSplits         int           `yaml:"max_splits"`
	MinQuality        float64       `yaml:"min_quality"`
	DepthTolerance    float64       `yaml:"depth_tolerance"`
	BookDepth         int           `yaml:"book_depth"`
	PartialFillPolicy string        `yaml:"partial_fill_policy"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

type SignalsConfig struct {
	ConflictPolicy string        `yaml:"conflict_policy"`
	ClaimWindow    time.Duration `yaml:"claim_window"`
}

type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	History        int           `yaml:"history"`
}

// ExchangeConfig is one fleet entry: the static profile plus credential
// indirection. Secrets never live in the YAML file, only the names of the
// environment variables that carry them.
type ExchangeConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Profile model.ExchangeProfile `yaml:"profile"`
	Auth    AuthConfig            `yaml:"auth"`
}

type AuthConfig struct {
	APIKeyEnv     string `yaml:"api_key_env"`
	APISecretEnv  string `yaml:"api_secret_env"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// APIKey resolves the key from the configured environment variable.
func (a AuthConfig) APIKey() string {
	return strings.TrimSpace(os.Getenv(a.APIKeyEnv))
}

func (a AuthConfig) APISecret() string {
	return strings.TrimSpace(os.Getenv(a.APISecretEnv))
}

func (a AuthConfig) Passphrase() string {
	return strings.TrimSpace(os.Getenv(a.PassphraseEnv))
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Framework: FrameworkConfig{
			MaxExchanges:    10,
			StalenessWindow: 30 * time.Second,
			CacheTTL:        3 * time.Second,
		},
		Router: RouterConfig{
			MaxSplits:         3,
			MinQuality:        0.5,
			PartialFillPolicy: "report",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Region can be supplied by the runtime environment instead of the file.
	if config.Metrics.CloudWatch.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Metrics.CloudWatch.Region = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Tradeflow.Name == "" {
		return fmt.Errorf("tradeflow.name is required")
	}
	if cfg.Tradeflow.Version == "" {
		return fmt.Errorf("tradeflow.version is required")
	}

	if cfg.Framework.MaxExchanges <= 0 {
		return fmt.Errorf("framework.max_exchanges must be greater than 0")
	}
	if cfg.Framework.CacheTTL <= 0 {
		return fmt.Errorf("framework.cache_ttl must be greater than 0")
	}
	if cfg.Framework.StalenessWindow < cfg.Framework.CacheTTL {
		return fmt.Errorf("framework.staleness_window must not be shorter than framework.cache_ttl")
	}

	if cfg.Arbitrage.MinProfitPercent < 0 {
		return fmt.Errorf("arbitrage.min_profit_percent must not be negative")
	}
	if cfg.Arbitrage.AutoExecute && cfg.Arbitrage.MinConfidence <= 0 {
		return fmt.Errorf("arbitrage.min_confidence is required when auto_execute is enabled")
	}

	if cfg.Router.MaxSplits <= 0 {
		return fmt.Errorf("router.max_splits must be greater than 0")
	}
	switch cfg.Router.PartialFillPolicy {
	case "cancel", "report":
	default:
		return fmt.Errorf("router.partial_fill_policy must be 'cancel' or 'report', got %q", cfg.Router.PartialFillPolicy)
	}

	switch cfg.Signals.ConflictPolicy {
	case "", "priority", "first_come", "reject_both":
	default:
		return fmt.Errorf("signals.conflict_policy %q is not supported", cfg.Signals.ConflictPolicy)
	}

	if len(cfg.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange must be configured")
	}
	seen := make(map[string]bool, len(cfg.Exchanges))
	enabled := 0
	for i, ex := range cfg.Exchanges {
		id := ex.Profile.ExchangeID
		if id == "" {
			return fmt.Errorf("exchanges[%d].profile.exchange_id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("duplicate exchange id %q", id)
		}
		seen[id] = true
		if !ex.Enabled {
			continue
		}
		enabled++
		if ex.Profile.APIURL == "" {
			return fmt.Errorf("exchanges[%s].profile.api_url is required", id)
		}
		if ex.Profile.Capabilities.WebsocketStreams && ex.Profile.WebsocketURL == "" {
			return fmt.Errorf("exchanges[%s].profile.websocket_url is required when websocket_streams is enabled", id)
		}
		if ex.Profile.RateLimits.RestRequests.Limit <= 0 || ex.Profile.RateLimits.RestRequests.Window <= 0 {
			return fmt.Errorf("exchanges[%s].profile.rate_limits.rest_requests is required", id)
		}
	}
	if enabled > cfg.Framework.MaxExchanges {
		return fmt.Errorf("%d exchanges enabled but framework.max_exchanges is %d", enabled, cfg.Framework.MaxExchanges)
	}
	return nil
}
