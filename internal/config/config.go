// Package config carries the immutable engine configuration. A Config is
// built once at startup from defaults, an optional YAML file, environment
// overrides and CLI flags, then handed to components by reference.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/pulsefeed/pulsefeed/internal/models"
)

// Config is the full engine configuration tree.
type Config struct {
	Log         LogConfig                 `yaml:"log"`
	HTTP        HTTPConfig                `yaml:"http"`
	Network     NetworkConfig             `yaml:"network"`
	Exchanges   map[string]ExchangeConfig `yaml:"exchanges"`
	Bridge      BridgeConfig              `yaml:"bridge"`
	Breaker     BreakerConfig             `yaml:"breaker"`
	Reconnect   ReconnectConfig           `yaml:"reconnect"`
	Failover    FailoverConfig            `yaml:"failover"`
	Validation  ValidationConfig          `yaml:"validation"`
	Aggregation AggregationConfig         `yaml:"aggregation"`
	Cache       CacheConfig               `yaml:"cache"`
	Health      HealthConfig              `yaml:"health"`
	Alerts      AlertsConfig              `yaml:"alerts"`
	Redis       RedisConfig               `yaml:"redis"`
	Shutdown    ShutdownConfig            `yaml:"shutdown"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// HTTPConfig configures the serving surface.
type HTTPConfig struct {
	Listen         string        `yaml:"listen"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// NetworkConfig holds the process-wide network operation timeouts.
type NetworkConfig struct {
	HTTPTimeout        time.Duration `yaml:"http_timeout"`
	WSConnectTimeout   time.Duration `yaml:"ws_connect_timeout"`
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout"`
	UserAgent          string        `yaml:"user_agent"`
}

// ExchangeConfig tunes one native exchange integration.
type ExchangeConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Reliability float64 `yaml:"reliability"`
	RPS         float64 `yaml:"rps"`
	Burst       int     `yaml:"burst"`
	WSURL       string  `yaml:"ws_url"`
	RESTURL     string  `yaml:"rest_url"`
}

// BridgeConfig tunes the generic REST bridge used for venues without a
// native adapter.
type BridgeConfig struct {
	BaseURL      string        `yaml:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RPS          float64       `yaml:"rps"`
	Burst        int           `yaml:"burst"`
	Reliability  float64       `yaml:"reliability"`
}

// BreakerConfig tunes the per-source pipeline circuit breaker.
type BreakerConfig struct {
	FailureThreshold       int           `yaml:"failure_threshold"`
	SuccessThreshold       int           `yaml:"success_threshold"`
	RecoveryTimeout        time.Duration `yaml:"recovery_timeout"`
	RateLimitCooldown      time.Duration `yaml:"rate_limit_cooldown"`
	RateLimitBackoffFactor float64       `yaml:"rate_limit_backoff_factor"`
	RateLimitMaxCooldown   time.Duration `yaml:"rate_limit_max_cooldown"`
}

// ReconnectConfig tunes adapter reconnection scheduling.
type ReconnectConfig struct {
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	MaxAttempts   int           `yaml:"max_attempts"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// FailoverConfig tunes the failover coordinator. Backups maps a category
// name to the ordered list of backup exchanges promoted when healthy
// primaries fall below the degradation threshold.
type FailoverConfig struct {
	DegradationThreshold int                 `yaml:"degradation_threshold"`
	MaxFailoverTime      time.Duration       `yaml:"max_failover_time"`
	RecoveryThreshold    int                 `yaml:"recovery_threshold"`
	Backups              map[string][]string `yaml:"backups"`
}

// ValidationConfig tunes the multi-tier validator.
type ValidationConfig struct {
	PriceMin             float64       `yaml:"price_min"`
	PriceMax             float64       `yaml:"price_max"`
	MaxAge               time.Duration `yaml:"max_age"`
	ZScoreThreshold      float64       `yaml:"z_score_threshold"`
	OutlierThreshold     float64       `yaml:"outlier_threshold"`
	CrossSourceThreshold float64       `yaml:"cross_source_threshold"`
	CrossSourceWindow    time.Duration `yaml:"cross_source_window"`
	ConsensusThreshold   float64       `yaml:"consensus_threshold"`
	MaxHighErrors        int           `yaml:"max_high_errors"`
}

// AggregationConfig tunes the weighted-median aggregator.
//
// MedianDecay is the exponential time-decay constant per millisecond of
// update age. AggregationLambdaDecay is a deprecated alias kept for old
// config files; when it is set and MedianDecay is not, its value is copied
// into MedianDecay during validation.
type AggregationConfig struct {
	MedianDecay            float64        `yaml:"median_decay"`
	AggregationLambdaDecay float64        `yaml:"aggregation_lambda_decay"`
	MaxStaleness           time.Duration  `yaml:"max_staleness"`
	HistorySize            int            `yaml:"history_size"`
	MinSources             map[string]int `yaml:"min_sources"`
	DefaultMinSources      int            `yaml:"default_min_sources"`
	EmitInterval           time.Duration  `yaml:"emit_interval"`
	NativeTierMultiplier   float64        `yaml:"native_tier_multiplier"`
	BridgeTierMultiplier   float64        `yaml:"bridge_tier_multiplier"`
	DefaultReliability     float64        `yaml:"default_reliability"`
}

// MinSourcesFor resolves the minimum contributing sources for a category.
func (a AggregationConfig) MinSourcesFor(c models.Category) int {
	if n, ok := a.MinSources[c.String()]; ok && n > 0 {
		return n
	}
	if a.DefaultMinSources > 0 {
		return a.DefaultMinSources
	}
	return 1
}

// WarmerConfig tunes the cache warming task.
type WarmerConfig struct {
	AggressiveInterval  time.Duration      `yaml:"aggressive_interval"`
	PredictiveInterval  time.Duration      `yaml:"predictive_interval"`
	MaintenanceInterval time.Duration      `yaml:"maintenance_interval"`
	TopN                int                `yaml:"top_n"`
	FetchTimeout        time.Duration      `yaml:"fetch_timeout"`
	MaxConcurrent       int                `yaml:"max_concurrent"`
	Priorities          map[string]float64 `yaml:"priorities"`
}

// CacheConfig tunes the freshness cache.
type CacheConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	FreshThreshold time.Duration `yaml:"fresh_threshold"`
	MaxDataAge     time.Duration `yaml:"max_data_age"`
	MaxEntries     int           `yaml:"max_entries"`
	EvictFraction  float64       `yaml:"evict_fraction"`
	Warmer         WarmerConfig  `yaml:"warmer"`
}

// RulesConfig holds the alert rule thresholds enforced by the health bus.
type RulesConfig struct {
	ConsensusDeviationCritical float64       `yaml:"consensus_deviation_critical"`
	ConsensusDeviationError    float64       `yaml:"consensus_deviation_error"`
	ConnectionRateMin          float64       `yaml:"connection_rate_min"`
	ErrorRatePerMin            float64       `yaml:"error_rate_per_min"`
	MaxDataAge                 time.Duration `yaml:"max_data_age"`
	QualityScoreMin            float64       `yaml:"quality_score_min"`
}

// HealthConfig tunes the health and alert bus.
type HealthConfig struct {
	AlertCooldown time.Duration `yaml:"alert_cooldown"`
	HourlyCap     int           `yaml:"hourly_cap"`
	Retention     time.Duration `yaml:"retention"`
	ErrorWindow   time.Duration `yaml:"error_window"`
	Rules         RulesConfig   `yaml:"rules"`
}

// WebhookConfig configures the webhook alert sink.
type WebhookConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuditConfig configures the optional Postgres alert audit sink. Disabled
// by default; requires an explicit DSN.
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// AlertsConfig configures alert delivery sinks.
type AlertsConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
	Audit   AuditConfig   `yaml:"audit"`
}

// RedisConfig configures the optional Redis warm cache.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	Grace time.Duration `yaml:"grace"`
}

// DefaultConfig returns the configuration the engine runs with when no
// file overrides anything.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		HTTP: HTTPConfig{
			Listen:         ":8090",
			RequestTimeout: 2 * time.Second,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
		},
		Network: NetworkConfig{
			HTTPTimeout:        10 * time.Second,
			WSConnectTimeout:   30 * time.Second,
			HealthCheckTimeout: 3 * time.Second,
			UserAgent:          "pulsefeed/1.0",
		},
		Exchanges: map[string]ExchangeConfig{
			"binance": {
				Enabled:     true,
				Reliability: 0.95,
				RPS:         10,
				Burst:       20,
				WSURL:       "wss://stream.binance.com:9443/ws",
				RESTURL:     "https://api.binance.com",
			},
			"kraken": {
				Enabled:     true,
				Reliability: 0.95,
				RPS:         1,
				Burst:       5,
				WSURL:       "wss://ws.kraken.com",
				RESTURL:     "https://api.kraken.com",
			},
			"okx": {
				Enabled:     true,
				Reliability: 0.9,
				RPS:         5,
				Burst:       10,
				WSURL:       "wss://ws.okx.com:8443/ws/v5/public",
				RESTURL:     "https://www.okx.com",
			},
			"cryptocom": {
				Enabled:     true,
				Reliability: 0.85,
				RPS:         5,
				Burst:       10,
				WSURL:       "wss://stream.crypto.com/exchange/v1/market",
				RESTURL:     "https://api.crypto.com",
			},
			"coinbase": {
				Enabled:     true,
				Reliability: 0.95,
				RPS:         5,
				Burst:       10,
				WSURL:       "wss://ws-feed.exchange.coinbase.com",
				RESTURL:     "https://api.exchange.coinbase.com",
			},
		},
		Bridge: BridgeConfig{
			PollInterval: 5 * time.Second,
			RPS:          2,
			Burst:        5,
			Reliability:  0.7,
		},
		Breaker: BreakerConfig{
			FailureThreshold:       20,
			SuccessThreshold:       1,
			RecoveryTimeout:        30 * time.Second,
			RateLimitCooldown:      5 * time.Second,
			RateLimitBackoffFactor: 3,
			RateLimitMaxCooldown:   5 * time.Minute,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:     5 * time.Second,
			MaxDelay:      5 * time.Minute,
			MaxAttempts:   10,
			MaxConcurrent: 3,
		},
		Failover: FailoverConfig{
			DegradationThreshold: 2,
			MaxFailoverTime:      100 * time.Millisecond,
			RecoveryThreshold:    5,
			Backups: map[string][]string{
				"crypto": {"coinbase", "okx", "cryptocom"},
			},
		},
		Validation: ValidationConfig{
			PriceMin:             0.01,
			PriceMax:             1e6,
			MaxAge:               30 * time.Second,
			ZScoreThreshold:      2.5,
			OutlierThreshold:     0.05,
			CrossSourceThreshold: 0.02,
			CrossSourceWindow:    10 * time.Second,
			ConsensusThreshold:   0.005,
			MaxHighErrors:        1,
		},
		Aggregation: AggregationConfig{
			MedianDecay:  5e-5,
			MaxStaleness: 30 * time.Second,
			HistorySize:  1000,
			MinSources: map[string]int{
				"crypto":    3,
				"forex":     2,
				"commodity": 2,
				"stock":     2,
			},
			DefaultMinSources:    1,
			EmitInterval:         100 * time.Millisecond,
			NativeTierMultiplier: 1.4,
			BridgeTierMultiplier: 1.0,
			DefaultReliability:   0.8,
		},
		Cache: CacheConfig{
			TTL:            time.Second,
			FreshThreshold: 2 * time.Second,
			MaxDataAge:     2 * time.Second,
			MaxEntries:     25000,
			EvictFraction:  0.15,
			Warmer: WarmerConfig{
				AggressiveInterval:  3 * time.Second,
				PredictiveInterval:  7 * time.Second,
				MaintenanceInterval: 15 * time.Second,
				TopN:                50,
				FetchTimeout:        time.Second,
				MaxConcurrent:       4,
			},
		},
		Health: HealthConfig{
			AlertCooldown: 5 * time.Minute,
			HourlyCap:     20,
			Retention:     time.Hour,
			ErrorWindow:   5 * time.Minute,
			Rules: RulesConfig{
				ConsensusDeviationCritical: 0.01,
				ConsensusDeviationError:    0.005,
				ConnectionRateMin:          0.90,
				ErrorRatePerMin:            5,
				MaxDataAge:                 2 * time.Second,
				QualityScoreMin:            70,
			},
		},
		Alerts: AlertsConfig{
			Webhook: WebhookConfig{Timeout: 10 * time.Second},
			Audit: AuditConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
				QueryTimeout:    5 * time.Second,
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			TTL:       2 * time.Second,
			KeyPrefix: "pulsefeed:",
		},
		Shutdown: ShutdownConfig{Grace: 30 * time.Second},
	}
}

// Load builds a Config from defaults overlaid with the YAML file at path
// (when non-empty) and environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays the environment variables used for secrets and
// deploy-specific endpoints.
func (c *Config) applyEnv() {
	if v := os.Getenv("PULSEFEED_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("PULSEFEED_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("PULSEFEED_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("PULSEFEED_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("PULSEFEED_PG_DSN"); v != "" {
		c.Alerts.Audit.DSN = v
	}
	if v := os.Getenv("PULSEFEED_WEBHOOK_URL"); v != "" {
		c.Alerts.Webhook.URL = v
		c.Alerts.Webhook.Enabled = true
	}
	if v := os.Getenv("PULSEFEED_BRIDGE_URL"); v != "" {
		c.Bridge.BaseURL = v
	}
}

// BindFlags registers the CLI overrides on fs, bound directly to the
// receiver's fields. Call before fs is parsed.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.HTTP.Listen, "listen", c.HTTP.Listen, "HTTP listen address")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level (trace|debug|info|warn|error)")
	fs.BoolVar(&c.Log.JSON, "json-logs", c.Log.JSON, "force JSON log output")
	fs.DurationVar(&c.HTTP.RequestTimeout, "request-timeout", c.HTTP.RequestTimeout, "per-request deadline for the public API")
}

// Validate enforces cross-field constraints and resolves deprecated
// aliases. It returns the first violation found.
func (c *Config) Validate() error {
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker success_threshold must be >= 1, got %d", c.Breaker.SuccessThreshold)
	}
	if c.Breaker.RateLimitBackoffFactor < 1 {
		return fmt.Errorf("breaker rate_limit_backoff_factor must be >= 1, got %g", c.Breaker.RateLimitBackoffFactor)
	}
	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect max_attempts must be >= 1, got %d", c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.MaxConcurrent < 1 {
		return fmt.Errorf("reconnect max_concurrent must be >= 1, got %d", c.Reconnect.MaxConcurrent)
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect delays invalid: base %s, max %s", c.Reconnect.BaseDelay, c.Reconnect.MaxDelay)
	}
	if c.Validation.PriceMin <= 0 || c.Validation.PriceMax <= c.Validation.PriceMin {
		return fmt.Errorf("validation price range invalid: [%g, %g]", c.Validation.PriceMin, c.Validation.PriceMax)
	}
	if c.Validation.MaxHighErrors < 0 {
		return fmt.Errorf("validation max_high_errors must be >= 0, got %d", c.Validation.MaxHighErrors)
	}

	// Deprecated alias: aggregation_lambda_decay feeds median_decay when
	// only the old name is set.
	if c.Aggregation.MedianDecay == 0 && c.Aggregation.AggregationLambdaDecay > 0 {
		c.Aggregation.MedianDecay = c.Aggregation.AggregationLambdaDecay
	}
	if c.Aggregation.MedianDecay <= 0 {
		return fmt.Errorf("aggregation median_decay must be > 0, got %g", c.Aggregation.MedianDecay)
	}
	if c.Aggregation.HistorySize < 1 {
		return fmt.Errorf("aggregation history_size must be >= 1, got %d", c.Aggregation.HistorySize)
	}
	if c.Aggregation.DefaultReliability < 0.5 || c.Aggregation.DefaultReliability > 1.0 {
		return fmt.Errorf("aggregation default_reliability must be in [0.5, 1.0], got %g", c.Aggregation.DefaultReliability)
	}
	for name, ex := range c.Exchanges {
		if !ex.Enabled {
			continue
		}
		if ex.Reliability < 0.5 || ex.Reliability > 1.0 {
			return fmt.Errorf("exchange %s reliability must be in [0.5, 1.0], got %g", name, ex.Reliability)
		}
		if ex.RPS <= 0 {
			return fmt.Errorf("exchange %s rps must be > 0, got %g", name, ex.RPS)
		}
	}
	if c.Cache.EvictFraction <= 0 || c.Cache.EvictFraction >= 1 {
		return fmt.Errorf("cache evict_fraction must be in (0, 1), got %g", c.Cache.EvictFraction)
	}
	if c.Cache.TTL <= 0 || c.Cache.TTL > time.Second {
		return fmt.Errorf("cache ttl must be in (0, 1s], got %s", c.Cache.TTL)
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache max_entries must be >= 1, got %d", c.Cache.MaxEntries)
	}
	if c.Health.HourlyCap < 1 {
		return fmt.Errorf("health hourly_cap must be >= 1, got %d", c.Health.HourlyCap)
	}
	if c.Failover.DegradationThreshold < 1 {
		return fmt.Errorf("failover degradation_threshold must be >= 1, got %d", c.Failover.DegradationThreshold)
	}
	if c.Failover.RecoveryThreshold < 1 {
		return fmt.Errorf("failover recovery_threshold must be >= 1, got %d", c.Failover.RecoveryThreshold)
	}
	if c.Alerts.Audit.Enabled && c.Alerts.Audit.DSN == "" {
		return fmt.Errorf("alerts audit enabled but dsn is empty")
	}
	if c.Alerts.Webhook.Enabled && c.Alerts.Webhook.URL == "" {
		return fmt.Errorf("alerts webhook enabled but url is empty")
	}
	return nil
}

// ReliabilityFor returns the configured reliability weight for an exchange.
// Venues without a native entry take the bridge reliability, then the
// aggregation default. The result is clamped to [0.5, 1.0].
func (c *Config) ReliabilityFor(exchange string) float64 {
	r := c.Aggregation.DefaultReliability
	if ex, ok := c.Exchanges[exchange]; ok && ex.Reliability > 0 {
		r = ex.Reliability
	} else if c.Bridge.Reliability > 0 {
		r = c.Bridge.Reliability
	}
	if r < 0.5 {
		return 0.5
	}
	if r > 1.0 {
		return 1.0
	}
	return r
}
