// Copyright 2025 Skylane, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config reads and validates the gantry YAML configuration.
// Unknown keys are rejected rather than silently ignored, and a small set
// of GANTRY_ environment variables override their file counterparts so
// secrets can stay out of the file.
package config

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	gantry "github.com/skylane/gantry"
	"github.com/skylane/gantry/lib/cache"
	"github.com/skylane/gantry/lib/credentials"
	"github.com/skylane/gantry/lib/limiter"
	"github.com/skylane/gantry/lib/types"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "90s" or "10m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return trace.Wrap(err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return trace.BadParameter("invalid duration %q: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Value returns the underlying time.Duration.
func (d Duration) Value() time.Duration {
	return time.Duration(d)
}

// LogConfig controls log output.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level"`
	// Format is text or json. Defaults to text.
	Format string `yaml:"format"`
}

// SemanticConfig controls similarity matching in the cache.
type SemanticConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Threshold      float64 `yaml:"threshold"`
	MaxComparisons int     `yaml:"max_comparisons"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	// Disabled turns the cache off entirely.
	Disabled      bool                    `yaml:"disabled"`
	MaxEntries    int                     `yaml:"max_entries"`
	TTL           Duration                `yaml:"ttl"`
	TTLVariance   Duration                `yaml:"ttl_variance"`
	FlightTimeout Duration                `yaml:"flight_timeout"`
	// RetryShare bounds how many collapsed requests may rebuild after a
	// shared in-flight build fails.
	RetryShare  int                     `yaml:"retry_share"`
	Fingerprint cache.FingerprintConfig `yaml:"fingerprint"`
	// RedisAddr enables the shared KV tier when set, host:port.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	// DiskDir enables the on-disk overflow tier when set.
	DiskDir      string         `yaml:"disk_dir"`
	DiskMinBytes int            `yaml:"disk_min_bytes"`
	DiskMaxBytes int64          `yaml:"disk_max_bytes"`
	Semantic     SemanticConfig `yaml:"semantic"`
}

// CredentialsConfig configures the provider key pool.
type CredentialsConfig struct {
	Strategy           string                             `yaml:"strategy"`
	ProviderStrategies map[string]string                  `yaml:"provider_strategies"`
	Keys               map[string][]credentials.KeyConfig `yaml:"keys"`
	SafetyBuffer       Duration                           `yaml:"safety_buffer"`
	Cooldown           Duration                           `yaml:"cooldown"`
}

// ConnPoolConfig configures the upstream connection pool.
type ConnPoolConfig struct {
	MaxSockets        int      `yaml:"max_sockets"`
	MaxFreeSockets    int      `yaml:"max_free_sockets"`
	Capacity          int      `yaml:"capacity"`
	IdleTimeout       Duration `yaml:"idle_timeout"`
	MaxLifetime       Duration `yaml:"max_lifetime"`
	WaitTimeout       Duration `yaml:"wait_timeout"`
	StickyLoadCeiling float64  `yaml:"sticky_load_ceiling"`
	SessionInactivity Duration `yaml:"session_inactivity"`
	SweepInterval     Duration `yaml:"sweep_interval"`
}

// SequentialConfig configures sequential-mode queues.
type SequentialConfig struct {
	Enabled           bool            `yaml:"enabled"`
	ProviderOverrides map[string]bool `yaml:"provider_overrides"`
	MaxQueue          int             `yaml:"max_queue"`
	QueueTimeout      Duration        `yaml:"queue_timeout"`
	Dwell             Duration        `yaml:"dwell"`
}

// BreakerConfig configures the per-target circuit breakers.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	Window           Duration `yaml:"window"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
	HalfOpenMax      int      `yaml:"half_open_max"`
}

// FailoverConfig configures retries and the breaker template.
type FailoverConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	RetryBase       Duration      `yaml:"retry_base"`
	RetryMultiplier float64       `yaml:"retry_multiplier"`
	RetryMax        Duration      `yaml:"retry_max"`
	Breaker         BreakerConfig `yaml:"breaker"`
}

// RuleConfig is one rate-limit rule as written in the file.
type RuleConfig struct {
	Dimension       string   `yaml:"dimension"`
	Algorithm       string   `yaml:"algorithm"`
	Limit           int      `yaml:"limit"`
	Window          Duration `yaml:"window"`
	BurstMultiplier float64  `yaml:"burst_multiplier"`
	SoftThreshold   float64  `yaml:"soft_threshold"`
}

// Rule converts to the limiter's rule type.
func (r RuleConfig) Rule() limiter.Rule {
	return limiter.Rule{
		Dimension:       limiter.Dimension(r.Dimension),
		Algorithm:       limiter.Algorithm(r.Algorithm),
		Limit:           r.Limit,
		Window:          r.Window.Value(),
		BurstMultiplier: r.BurstMultiplier,
		SoftThreshold:   r.SoftThreshold,
	}
}

// LimiterConfig configures ingress rate limiting.
type LimiterConfig struct {
	Rules []RuleConfig `yaml:"rules"`
}

// HealthConfig configures periodic health evaluation.
type HealthConfig struct {
	Interval Duration `yaml:"interval"`
	// Timeout bounds a single active probe call.
	Timeout Duration `yaml:"timeout"`
	// ProbeEndpoint is the provider path probed each interval, for
	// example "/models". Empty disables active probing.
	ProbeEndpoint string `yaml:"probe_endpoint"`
}

// Config is the root gantry configuration.
type Config struct {
	// Targets is the ordered failover chain, "provider,model" specs.
	Targets []string `yaml:"targets"`
	// MetricsAddr is the bind address of the diagnostics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	Log         LogConfig         `yaml:"log"`
	Cache       CacheConfig       `yaml:"cache"`
	Credentials CredentialsConfig `yaml:"credentials"`
	ConnPool    ConnPoolConfig    `yaml:"conn_pool"`
	Sequential  SequentialConfig  `yaml:"sequential"`
	Failover    FailoverConfig    `yaml:"failover"`
	Limiter     LimiterConfig     `yaml:"limiter"`
	Health      HealthConfig      `yaml:"health"`
}

// ReadFromFile loads, overrides and validates a configuration file.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	return Read(f)
}

// Read loads, overrides and validates configuration from a reader.
func Read(r io.Reader) (*Config, error) {
	cfg := &Config{}
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		if err == io.EOF {
			// An empty file is a valid all-defaults configuration.
			err = nil
		} else {
			return nil, trace.BadParameter("failed parsing configuration: %v", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// applyEnv layers GANTRY_ environment overrides onto the file values and
// expands $VAR references in key secrets.
func (c *Config) applyEnv() {
	if v := os.Getenv(gantry.EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(gantry.EnvPrefix + "LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv(gantry.EnvPrefix + "METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv(gantry.EnvPrefix + "REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv(gantry.EnvPrefix + "REDIS_PASSWORD"); v != "" {
		c.Cache.RedisPassword = v
	}
	if v := os.Getenv(gantry.EnvPrefix + "CACHE_DISK_DIR"); v != "" {
		c.Cache.DiskDir = v
	}
	if v := os.Getenv(gantry.EnvPrefix + "SEQUENTIAL_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Sequential.Enabled = enabled
		}
	}
	for provider, keys := range c.Credentials.Keys {
		for i := range keys {
			keys[i].Secret = os.ExpandEnv(keys[i].Secret)
		}
		c.Credentials.Keys[provider] = keys
	}
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Targets) > 0 {
		if _, err := types.ParseTargetChain(c.Targets); err != nil {
			return trace.Wrap(err)
		}
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return trace.BadParameter("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return trace.BadParameter("invalid log format %q", c.Log.Format)
	}
	if c.Credentials.Strategy != "" {
		if err := credentials.Strategy(c.Credentials.Strategy).Check(); err != nil {
			return trace.Wrap(err)
		}
	}
	for provider, s := range c.Credentials.ProviderStrategies {
		if err := credentials.Strategy(s).Check(); err != nil {
			return trace.Wrap(err, "provider %q", provider)
		}
	}
	for i := range c.Limiter.Rules {
		rule := c.Limiter.Rules[i].Rule()
		if err := rule.CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err, "limiter rule %d", i)
		}
	}
	return nil
}

// TargetChain returns the parsed failover chain.
func (c *Config) TargetChain() ([]types.Target, error) {
	return types.ParseTargetChain(c.Targets)
}
