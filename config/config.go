package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int     `yaml:"port"`
	ReadTimeoutMS     int     `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int     `yaml:"write_timeout_ms"`
	ShutdownTimeoutMS int     `yaml:"shutdown_timeout_ms"`
	RateLimitPerSec   float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst    int     `yaml:"rate_limit_burst"`
}

// SubmissionConfig controls the order submission coordinator.
type SubmissionConfig struct {
	CallTimeoutMS      int `yaml:"call_timeout_ms"`
	MaxAttempts        int `yaml:"max_attempts"`
	BackoffMinMS       int `yaml:"backoff_min_ms"`
	BackoffMaxMS       int `yaml:"backoff_max_ms"`
	IntentTTLMins      int `yaml:"intent_ttl_minutes"`
	DuplicateWaitMS    int `yaml:"duplicate_wait_ms"`
	DuplicatePollMS    int `yaml:"duplicate_poll_ms"`
	DefaultSlippageBps int `yaml:"default_slippage_bps"`
}

// LifecycleConfig controls the lifecycle tracker.
type LifecycleConfig struct {
	IntervalSec   int     `yaml:"interval_sec"`
	BatchSize     int     `yaml:"batch_size"`
	Parallelism   int     `yaml:"parallelism"`
	ResolvedHigh  float64 `yaml:"resolved_high"`
	ResolvedLow   float64 `yaml:"resolved_low"`
	LockTTLSec    int     `yaml:"lock_ttl_sec"`
	CallTimeoutMS int     `yaml:"call_timeout_ms"`
}

// JanitorConfig controls idempotency garbage collection and crash recovery.
type JanitorConfig struct {
	IntervalSec     int `yaml:"interval_sec"`
	StalePendingSec int `yaml:"stale_pending_sec"`
	BatchSize       int `yaml:"batch_size"`
}

// BalanceConfig controls collateral refreshes.
type BalanceConfig struct {
	IntervalSec int  `yaml:"interval_sec"`
	Enabled     bool `yaml:"enabled"`
}

// ExchangeConfig holds Polymarket endpoints and client limits.
type ExchangeConfig struct {
	ClobURL       string  `yaml:"clob_url"`
	GammaURL      string  `yaml:"gamma_url"`
	DataURL       string  `yaml:"data_url"`
	ChainID       int64   `yaml:"chain_id"`
	RatePerSec    float64 `yaml:"rate_per_sec"`
	RateBurst     int     `yaml:"rate_burst"`
	HTTPTimeoutMS int     `yaml:"http_timeout_ms"`
}

// NotifyConfig controls the notification channel.
type NotifyConfig struct {
	WebhookURL string  `yaml:"webhook_url"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	TimeoutMS  int     `yaml:"timeout_ms"`
}

// DataConfig contains persistence-related settings.
type DataConfig struct {
	Driver string `yaml:"driver"` // postgres, sqlite or memory
	DBPath string `yaml:"db_path"`
	Locker string `yaml:"locker"` // redis or local
}

// Config aggregates all app configuration knobs.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Submission SubmissionConfig `yaml:"submission"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Janitor    JanitorConfig    `yaml:"janitor"`
	Balance    BalanceConfig    `yaml:"balance"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Notify     NotifyConfig     `yaml:"notify"`
	Data       DataConfig       `yaml:"data"`
}

// Load reads configuration from disk, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = filepath.Join("config", "default.yaml")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.applyEnv()
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: unable to read %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unable to parse %s: %w", configPath, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8080,
			ReadTimeoutMS:     10000,
			WriteTimeoutMS:    30000,
			ShutdownTimeoutMS: 5000,
			RateLimitPerSec:   10,
			RateLimitBurst:    20,
		},
		Submission: SubmissionConfig{
			CallTimeoutMS:      10000,
			MaxAttempts:        3,
			BackoffMinMS:       200,
			BackoffMaxMS:       2000,
			IntentTTLMins:      60,
			DuplicateWaitMS:    15000,
			DuplicatePollMS:    100,
			DefaultSlippageBps: 200,
		},
		Lifecycle: LifecycleConfig{
			IntervalSec:   60,
			BatchSize:     500,
			Parallelism:   8,
			ResolvedHigh:  0.99,
			ResolvedLow:   0.01,
			LockTTLSec:    30,
			CallTimeoutMS: 10000,
		},
		Janitor: JanitorConfig{
			IntervalSec:     300,
			StalePendingSec: 120,
			BatchSize:       100,
		},
		Balance: BalanceConfig{
			IntervalSec: 60,
			Enabled:     true,
		},
		Exchange: ExchangeConfig{
			ClobURL:       "https://clob.polymarket.com",
			GammaURL:      "https://gamma-api.polymarket.com",
			DataURL:       "https://data-api.polymarket.com",
			ChainID:       137, // Polygon mainnet
			RatePerSec:    10,
			RateBurst:     5,
			HTTPTimeoutMS: 15000,
		},
		Notify: NotifyConfig{
			RatePerSec: 5,
			TimeoutMS:  5000,
		},
		Data: DataConfig{
			Driver: "postgres",
			DBPath: "data/copytrade.db",
			Locker: "redis",
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()

	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = def.Server.ReadTimeoutMS
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = def.Server.WriteTimeoutMS
	}
	if c.Server.ShutdownTimeoutMS == 0 {
		c.Server.ShutdownTimeoutMS = def.Server.ShutdownTimeoutMS
	}
	if c.Server.RateLimitPerSec == 0 {
		c.Server.RateLimitPerSec = def.Server.RateLimitPerSec
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = def.Server.RateLimitBurst
	}

	if c.Submission.CallTimeoutMS == 0 {
		c.Submission.CallTimeoutMS = def.Submission.CallTimeoutMS
	}
	if c.Submission.MaxAttempts == 0 {
		c.Submission.MaxAttempts = def.Submission.MaxAttempts
	}
	if c.Submission.BackoffMinMS == 0 {
		c.Submission.BackoffMinMS = def.Submission.BackoffMinMS
	}
	if c.Submission.BackoffMaxMS == 0 {
		c.Submission.BackoffMaxMS = def.Submission.BackoffMaxMS
	}
	if c.Submission.IntentTTLMins == 0 {
		c.Submission.IntentTTLMins = def.Submission.IntentTTLMins
	}
	if c.Submission.DuplicateWaitMS == 0 {
		c.Submission.DuplicateWaitMS = def.Submission.DuplicateWaitMS
	}
	if c.Submission.DuplicatePollMS == 0 {
		c.Submission.DuplicatePollMS = def.Submission.DuplicatePollMS
	}

	if c.Lifecycle.IntervalSec == 0 {
		c.Lifecycle.IntervalSec = def.Lifecycle.IntervalSec
	}
	if c.Lifecycle.BatchSize == 0 {
		c.Lifecycle.BatchSize = def.Lifecycle.BatchSize
	}
	if c.Lifecycle.Parallelism == 0 {
		c.Lifecycle.Parallelism = def.Lifecycle.Parallelism
	}
	if c.Lifecycle.ResolvedHigh == 0 {
		c.Lifecycle.ResolvedHigh = def.Lifecycle.ResolvedHigh
	}
	if c.Lifecycle.ResolvedLow == 0 {
		c.Lifecycle.ResolvedLow = def.Lifecycle.ResolvedLow
	}
	if c.Lifecycle.LockTTLSec == 0 {
		c.Lifecycle.LockTTLSec = def.Lifecycle.LockTTLSec
	}
	if c.Lifecycle.CallTimeoutMS == 0 {
		c.Lifecycle.CallTimeoutMS = def.Lifecycle.CallTimeoutMS
	}

	if c.Janitor.IntervalSec == 0 {
		c.Janitor.IntervalSec = def.Janitor.IntervalSec
	}
	if c.Janitor.StalePendingSec == 0 {
		c.Janitor.StalePendingSec = def.Janitor.StalePendingSec
	}
	if c.Janitor.BatchSize == 0 {
		c.Janitor.BatchSize = def.Janitor.BatchSize
	}
	if c.Balance.IntervalSec == 0 {
		c.Balance.IntervalSec = def.Balance.IntervalSec
	}

	if c.Exchange.ClobURL == "" {
		c.Exchange.ClobURL = def.Exchange.ClobURL
	}
	if c.Exchange.GammaURL == "" {
		c.Exchange.GammaURL = def.Exchange.GammaURL
	}
	if c.Exchange.DataURL == "" {
		c.Exchange.DataURL = def.Exchange.DataURL
	}
	if c.Exchange.ChainID == 0 {
		c.Exchange.ChainID = def.Exchange.ChainID
	}
	if c.Exchange.RatePerSec == 0 {
		c.Exchange.RatePerSec = def.Exchange.RatePerSec
	}
	if c.Exchange.RateBurst == 0 {
		c.Exchange.RateBurst = def.Exchange.RateBurst
	}
	if c.Exchange.HTTPTimeoutMS == 0 {
		c.Exchange.HTTPTimeoutMS = def.Exchange.HTTPTimeoutMS
	}

	if c.Notify.RatePerSec == 0 {
		c.Notify.RatePerSec = def.Notify.RatePerSec
	}
	if c.Notify.TimeoutMS == 0 {
		c.Notify.TimeoutMS = def.Notify.TimeoutMS
	}

	if c.Data.Driver == "" {
		c.Data.Driver = def.Data.Driver
	}
	if c.Data.DBPath == "" {
		c.Data.DBPath = def.Data.DBPath
	}
	if c.Data.Locker == "" {
		c.Data.Locker = def.Data.Locker
	}
}

// applyEnv lets deployments override endpoints and secrets without a file.
func (c *Config) applyEnv() {
	if v := os.Getenv("POLYMARKET_CLOB_URL"); v != "" {
		c.Exchange.ClobURL = v
	}
	if v := os.Getenv("POLYMARKET_GAMMA_URL"); v != "" {
		c.Exchange.GammaURL = v
	}
	if v := os.Getenv("POLYMARKET_DATA_URL"); v != "" {
		c.Exchange.DataURL = v
	}
	if v := os.Getenv("NOTIFY_WEBHOOK_URL"); v != "" {
		c.Notify.WebhookURL = v
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		c.Data.Driver = v
	}
	if v := os.Getenv("LOCKER"); v != "" {
		c.Data.Locker = v
	}
}

// Validate rejects settings that would break tracker or ledger invariants.
func (c *Config) Validate() error {
	l := c.Lifecycle
	if l.ResolvedLow <= 0 || l.ResolvedHigh >= 1 || l.ResolvedLow >= l.ResolvedHigh {
		return fmt.Errorf("config: resolution band must satisfy 0 < low < high < 1 (got %.4f/%.4f)", l.ResolvedLow, l.ResolvedHigh)
	}
	if c.Submission.MaxAttempts < 1 {
		return fmt.Errorf("config: submission.max_attempts must be at least 1")
	}
	if l.Parallelism < 1 || l.BatchSize < 1 {
		return fmt.Errorf("config: lifecycle parallelism and batch_size must be positive")
	}
	switch c.Data.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("config: unknown data.driver %q", c.Data.Driver)
	}
	switch c.Data.Locker {
	case "redis", "local":
	default:
		return fmt.Errorf("config: unknown data.locker %q", c.Data.Locker)
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (s SubmissionConfig) CallTimeout() time.Duration   { return ms(s.CallTimeoutMS) }
func (s SubmissionConfig) BackoffMin() time.Duration    { return ms(s.BackoffMinMS) }
func (s SubmissionConfig) BackoffMax() time.Duration    { return ms(s.BackoffMaxMS) }
func (s SubmissionConfig) IntentTTL() time.Duration     { return time.Duration(s.IntentTTLMins) * time.Minute }
func (s SubmissionConfig) DuplicateWait() time.Duration { return ms(s.DuplicateWaitMS) }
func (s SubmissionConfig) DuplicatePoll() time.Duration { return ms(s.DuplicatePollMS) }

func (l LifecycleConfig) Interval() time.Duration    { return time.Duration(l.IntervalSec) * time.Second }
func (l LifecycleConfig) LockTTL() time.Duration     { return time.Duration(l.LockTTLSec) * time.Second }
func (l LifecycleConfig) CallTimeout() time.Duration { return ms(l.CallTimeoutMS) }
