// Package config loads the service configuration from config.yaml and
// SEARCH_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/company-search/internal/cost"
	"github.com/sells-group/company-search/internal/db"
)

// Worker names.
const (
	WorkerClaude     = "claude"
	WorkerPerplexity = "perplexity"
	WorkerGemini     = "gemini"
	WorkerPlaces     = "places"
	WorkerJina       = "jina"
)

// WorkerNames lists every worker in fan-out order.
var WorkerNames = []string{WorkerClaude, WorkerPerplexity, WorkerGemini, WorkerPlaces, WorkerJina}

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig             `yaml:"store" mapstructure:"store"`
	KV         KVConfig                `yaml:"kv" mapstructure:"kv"`
	Anthropic  AnthropicConfig         `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig        `yaml:"perplexity" mapstructure:"perplexity"`
	Gemini     GeminiConfig            `yaml:"gemini" mapstructure:"gemini"`
	Google     GoogleConfig            `yaml:"google" mapstructure:"google"`
	Jina       JinaConfig              `yaml:"jina" mapstructure:"jina"`
	Pricing    cost.Rates              `yaml:"pricing" mapstructure:"pricing"`
	Search     SearchConfig            `yaml:"search" mapstructure:"search"`
	RateLimit  RateLimitConfig         `yaml:"ratelimit" mapstructure:"ratelimit"`
	Verify     VerifyConfig            `yaml:"verify" mapstructure:"verify"`
	Workers    map[string]WorkerConfig `yaml:"workers" mapstructure:"workers"`
	Merge      MergeConfig             `yaml:"merge" mapstructure:"merge"`
	Server     ServerConfig            `yaml:"server" mapstructure:"server"`
	Metrics    MetricsConfig           `yaml:"metrics" mapstructure:"metrics"`
	Monitoring MonitoringConfig        `yaml:"monitoring" mapstructure:"monitoring"`
	Janitor    JanitorConfig           `yaml:"janitor" mapstructure:"janitor"`
	Log        LogConfig               `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the relational store.
type StoreConfig struct {
	Driver      string        `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string        `yaml:"database_url" mapstructure:"database_url"`
	Pool        db.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// KVConfig configures the key-value store behind caches, quotas and locks.
// An empty DSN reuses the relational store's connection.
type KVConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key              string `yaml:"key" mapstructure:"key"`
	InterpreterModel string `yaml:"interpreter_model" mapstructure:"interpreter_model"`
	SearchModel      string `yaml:"search_model" mapstructure:"search_model"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// GeminiConfig holds Gemini API settings.
type GeminiConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// GoogleConfig holds Google Places API settings.
type GoogleConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// JinaConfig holds Jina search settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// SearchConfig tunes the orchestrator.
type SearchConfig struct {
	MaxRounds           int `yaml:"max_rounds" mapstructure:"max_rounds"`
	FlushSize           int `yaml:"flush_size" mapstructure:"flush_size"`
	WorkerTimeoutSecs   int `yaml:"worker_timeout_secs" mapstructure:"worker_timeout_secs"`
	DefaultCount        int `yaml:"default_count" mapstructure:"default_count"`
	MaxCount            int `yaml:"max_count" mapstructure:"max_count"`
	ResultCacheTTLHours int `yaml:"result_cache_ttl_hours" mapstructure:"result_cache_ttl_hours"`
	ExcludeHintLimit    int `yaml:"exclude_hint_limit" mapstructure:"exclude_hint_limit"`
	EventBuffer         int `yaml:"event_buffer" mapstructure:"event_buffer"`
}

// RateLimitConfig configures per-account search quotas.
type RateLimitConfig struct {
	SearchesPerHour int `yaml:"searches_per_hour" mapstructure:"searches_per_hour"`
}

// VerifyConfig configures domain verification.
type VerifyConfig struct {
	TimeoutSecs        int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	CacheTTLHours      int      `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
	Concurrency        int      `yaml:"concurrency" mapstructure:"concurrency"`
	DirectoryBlocklist []string `yaml:"directory_blocklist" mapstructure:"directory_blocklist"`
}

// WorkerConfig tunes one progressive worker.
type WorkerConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	BatchSize     int     `yaml:"batch_size" mapstructure:"batch_size"`
	MaxCalls      int     `yaml:"max_calls" mapstructure:"max_calls"`
	RatePerSec    float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	VerifyDomains bool    `yaml:"verify_domains" mapstructure:"verify_domains"`
}

// MergeConfig selects the lock guarding merges. "kv" shares locks across
// instances through the KV store.
type MergeConfig struct {
	Lock        string `yaml:"lock" mapstructure:"lock"`
	LockTTLSecs int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	APIKeys            []APIKey `yaml:"api_keys" mapstructure:"api_keys"`
	TrustAccountHeader bool     `yaml:"trust_account_header" mapstructure:"trust_account_header"`
	AllowedOrigins     []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	HeartbeatSecs      int      `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
}

// APIKey maps a bearer key to the account it authenticates. Keys are a list
// rather than a map because viper lower-cases map keys.
type APIKey struct {
	Key     string `yaml:"key" mapstructure:"key"`
	Account string `yaml:"account" mapstructure:"account"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// MonitoringConfig configures the background run health checker.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	StuckAfterMins       int     `yaml:"stuck_after_mins" mapstructure:"stuck_after_mins"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// JanitorConfig schedules expired KV row purges. An empty schedule disables it.
type JanitorConfig struct {
	Schedule string `yaml:"schedule" mapstructure:"schedule"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Worker returns the settings for the named worker. Unknown names are disabled.
func (c *Config) Worker(name string) WorkerConfig {
	return c.Workers[name]
}

// WorkerTimeout is the wall-clock budget of one worker.
func (s SearchConfig) WorkerTimeout() time.Duration {
	return time.Duration(s.WorkerTimeoutSecs) * time.Second
}

// ResultCacheTTL is how long a query's results are replayed.
func (s SearchConfig) ResultCacheTTL() time.Duration {
	return time.Duration(s.ResultCacheTTLHours) * time.Hour
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.Pricing.Anthropic = withDefaultModels(cfg.Pricing.Anthropic, cost.DefaultRates().Anthropic)
	cfg.Pricing.Gemini = withDefaultModels(cfg.Pricing.Gemini, cost.DefaultRates().Gemini)

	return &cfg, nil
}

// withDefaultModels fills in default per-model rates. Model names contain
// dots, which viper would split into nested keys, so they are merged here.
func withDefaultModels(got, defaults map[string]cost.TokenRate) map[string]cost.TokenRate {
	if got == nil {
		got = make(map[string]cost.TokenRate, len(defaults))
	}
	for model, rate := range defaults {
		if _, ok := got[model]; !ok {
			got[model] = rate
		}
	}
	return got
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "company-search.db")
	v.SetDefault("kv.driver", "sqlite")
	v.SetDefault("kv.dsn", "")

	// Secrets have empty defaults so AutomaticEnv can bind them.
	for _, key := range []string{"anthropic.key", "perplexity.key", "gemini.key", "google.key", "jina.key", "monitoring.webhook_url"} {
		v.SetDefault(key, "")
	}
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("anthropic.interpreter_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.search_model", "claude-haiku-4-5-20251001")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("google.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")

	rates := cost.DefaultRates()
	v.SetDefault("pricing.perplexity.input", rates.Perplexity.Input)
	v.SetDefault("pricing.perplexity.output", rates.Perplexity.Output)
	v.SetDefault("pricing.perplexity.per_query", rates.Perplexity.PerQuery)
	v.SetDefault("pricing.places.per_request", rates.Places.PerRequest)
	v.SetDefault("pricing.jina.per_mtok", rates.Jina.PerMTok)

	v.SetDefault("search.max_rounds", 5)
	v.SetDefault("search.flush_size", 10)
	v.SetDefault("search.worker_timeout_secs", 150)
	v.SetDefault("search.default_count", 10)
	v.SetDefault("search.max_count", 100)
	v.SetDefault("search.result_cache_ttl_hours", 24)
	v.SetDefault("search.exclude_hint_limit", 50)
	v.SetDefault("search.event_buffer", 64)
	v.SetDefault("ratelimit.searches_per_hour", 30)

	v.SetDefault("verify.timeout_secs", 3)
	v.SetDefault("verify.cache_ttl_hours", 168)
	v.SetDefault("verify.concurrency", 10)

	for _, name := range WorkerNames {
		v.SetDefault("workers."+name+".enabled", true)
		v.SetDefault("workers."+name+".batch_size", 10)
		v.SetDefault("workers."+name+".max_calls", 6)
		v.SetDefault("workers."+name+".rate_per_sec", 1.0)
	}
	v.SetDefault("workers.places.rate_per_sec", 5.0)
	v.SetDefault("workers.places.verify_domains", false)
	v.SetDefault("workers.claude.verify_domains", true)
	v.SetDefault("workers.perplexity.verify_domains", true)
	v.SetDefault("workers.gemini.verify_domains", true)
	v.SetDefault("workers.jina.verify_domains", false)

	v.SetDefault("merge.lock", "local")
	v.SetDefault("merge.lock_ttl_secs", 10)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.heartbeat_secs", 15)
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stuck_after_mins", 15)
	v.SetDefault("janitor.schedule", "@every 1h")
}

// Validate checks the settings a command needs. Missing provider keys are not
// errors: the affected worker reports itself as not configured.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "search", "migrate", "runs":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}

	if mode == "serve" || mode == "search" {
		switch c.KV.Driver {
		case "memory", "sqlite", "postgres":
		default:
			errs = append(errs, fmt.Sprintf("kv.driver must be memory, sqlite or postgres, got %q", c.KV.Driver))
		}
		if c.Search.MaxRounds < 1 {
			errs = append(errs, "search.max_rounds must be >= 1")
		}
		if c.Search.FlushSize < 1 {
			errs = append(errs, "search.flush_size must be >= 1")
		}
		if c.Search.DefaultCount < 1 || c.Search.DefaultCount > c.Search.MaxCount {
			errs = append(errs, "search.default_count must be between 1 and search.max_count")
		}
		if c.Merge.Lock != "local" && c.Merge.Lock != "kv" {
			errs = append(errs, fmt.Sprintf("merge.lock must be local or kv, got %q", c.Merge.Lock))
		}
	}

	if mode == "serve" {
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if len(c.Server.APIKeys) == 0 && !c.Server.TrustAccountHeader {
			errs = append(errs, "server.api_keys is required unless server.trust_account_header is set")
		}
		if c.Monitoring.Enabled && (c.Monitoring.FailureRateThreshold <= 0 || c.Monitoring.FailureRateThreshold > 1) {
			errs = append(errs, "monitoring.failure_rate_threshold must be in (0, 1]")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

const redacted = "[redacted]"

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	out.Anthropic.Key = mask(c.Anthropic.Key)
	out.Perplexity.Key = mask(c.Perplexity.Key)
	out.Gemini.Key = mask(c.Gemini.Key)
	out.Google.Key = mask(c.Google.Key)
	out.Jina.Key = mask(c.Jina.Key)
	out.Monitoring.WebhookURL = mask(c.Monitoring.WebhookURL)
	if strings.Contains(c.Store.DatabaseURL, "@") {
		out.Store.DatabaseURL = redacted
	}
	if strings.Contains(c.KV.DSN, "@") {
		out.KV.DSN = redacted
	}
	if len(c.Server.APIKeys) > 0 {
		out.Server.APIKeys = make([]APIKey, len(c.Server.APIKeys))
		for i, k := range c.Server.APIKeys {
			out.Server.APIKeys[i] = APIKey{Key: mask(k.Key), Account: k.Account}
		}
	}
	return out
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
