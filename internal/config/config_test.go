package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefeed/pulsefeed/internal/models"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 20, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 1, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 5*time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 5*time.Minute, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 10, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 3, cfg.Reconnect.MaxConcurrent)
	assert.Equal(t, 5e-5, cfg.Aggregation.MedianDecay)
	assert.Equal(t, 2*time.Second, cfg.Cache.FreshThreshold)
	assert.Equal(t, 25000, cfg.Cache.MaxEntries)
	assert.Equal(t, 5*time.Minute, cfg.Health.AlertCooldown)
	assert.Equal(t, 20, cfg.Health.HourlyCap)
	assert.Equal(t, 30*time.Second, cfg.Shutdown.Grace)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
log:
  level: debug
http:
  listen: ":9999"
breaker:
  failure_threshold: 7
  success_threshold: 2
  recovery_timeout: 10s
  rate_limit_cooldown: 5s
  rate_limit_backoff_factor: 3
  rate_limit_max_cooldown: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9999", cfg.HTTP.Listen)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5e-5, cfg.Aggregation.MedianDecay)
	assert.Equal(t, 10, cfg.Reconnect.MaxAttempts)
}

func TestDeprecatedLambdaAlias(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Aggregation.MedianDecay = 0
	cfg.Aggregation.AggregationLambdaDecay = 4e-5
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4e-5, cfg.Aggregation.MedianDecay)

	// The alias never overrides an explicit median_decay.
	cfg = DefaultConfig()
	cfg.Aggregation.AggregationLambdaDecay = 4e-5
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5e-5, cfg.Aggregation.MedianDecay)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero_failure_threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"reliability_out_of_range", func(c *Config) {
			ex := c.Exchanges["binance"]
			ex.Reliability = 0.2
			c.Exchanges["binance"] = ex
		}},
		{"evict_fraction_too_big", func(c *Config) { c.Cache.EvictFraction = 1.5 }},
		{"cache_ttl_above_budget", func(c *Config) { c.Cache.TTL = 2 * time.Second }},
		{"median_decay_zero", func(c *Config) {
			c.Aggregation.MedianDecay = 0
			c.Aggregation.AggregationLambdaDecay = 0
		}},
		{"audit_without_dsn", func(c *Config) { c.Alerts.Audit.Enabled = true }},
		{"webhook_without_url", func(c *Config) { c.Alerts.Webhook.Enabled = true }},
		{"price_range_inverted", func(c *Config) {
			c.Validation.PriceMin = 10
			c.Validation.PriceMax = 1
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PULSEFEED_LISTEN", ":7070")
	t.Setenv("PULSEFEED_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("PULSEFEED_WEBHOOK_URL", "https://hooks.example.com/alerts")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.HTTP.Listen)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled)
	assert.True(t, cfg.Alerts.Webhook.Enabled)
	assert.Equal(t, "https://hooks.example.com/alerts", cfg.Alerts.Webhook.URL)
}

func TestBindFlags(t *testing.T) {
	cfg := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--listen=:6060", "--log-level=warn"}))

	assert.Equal(t, ":6060", cfg.HTTP.Listen)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestMinSourcesFor(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.Aggregation.MinSourcesFor(models.CategoryCrypto))
	assert.Equal(t, 2, cfg.Aggregation.MinSourcesFor(models.CategoryForex))
	assert.Equal(t, 2, cfg.Aggregation.MinSourcesFor(models.CategoryCommodity))
	assert.Equal(t, 2, cfg.Aggregation.MinSourcesFor(models.CategoryStock))

	cfg.Aggregation.MinSources = nil
	assert.Equal(t, 1, cfg.Aggregation.MinSourcesFor(models.CategoryCrypto))
}

func TestReliabilityFor(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 0.95, cfg.ReliabilityFor("binance"))
	// Unknown venues ride the bridge reliability, clamped to the floor.
	assert.Equal(t, 0.7, cfg.ReliabilityFor("gateio"))
	cfg.Bridge.Reliability = 0.3
	assert.Equal(t, 0.5, cfg.ReliabilityFor("gateio"))
}
