package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config holds settings for the order core. Values come from built-in
// defaults, then an optional YAML file (CONFIG_FILE), then environment
// variables.
type Config struct {
	Port      string `yaml:"port"`
	DBPath    string `yaml:"db_path"`
	JWTSecret string `yaml:"-"`

	// Operation journal
	EnableJournal bool   `yaml:"enable_journal"`
	JournalPath   string `yaml:"journal_path"`

	Workers         int           `yaml:"workers"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`

	PositionCacheTTL time.Duration `yaml:"position_cache_ttl"`

	// DryRun acknowledges orders locally without reaching any exchange.
	DryRun        bool          `yaml:"dry_run"`
	DryRunLatency time.Duration `yaml:"dry_run_latency"`

	Logging        LoggingConfig        `yaml:"logging"`
	Transport      TransportConfig      `yaml:"transport"`
	Priority       PriorityConfig       `yaml:"priority"`
	Queue          QueueConfig          `yaml:"queue"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	API            APIConfig            `yaml:"api"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level            string   `yaml:"level"`
	Encoding         string   `yaml:"encoding"` // json or console
	Development      bool     `yaml:"development"`
	OutputPaths      []string `yaml:"output_paths"`
	ErrorOutputPaths []string `yaml:"error_output_paths"`
}

// TransportConfig configures exchange calls.
type TransportConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	RecvWindow       time.Duration `yaml:"recv_window"`
	RateLimit        float64       `yaml:"rate_limit"`
	Burst            int           `yaml:"burst"`
	FailureThreshold int           `yaml:"failure_threshold"`
	CircuitTimeout   time.Duration `yaml:"circuit_timeout"`
}

// PriorityConfig holds every scoring constant.
type PriorityConfig struct {
	BaseManagement       float64 `yaml:"base_management"`
	BaseMainnet          float64 `yaml:"base_mainnet"`
	BaseTestnet          float64 `yaml:"base_testnet"`
	ManagementMultiplier float64 `yaml:"management_multiplier"`
	VIPBonus             float64 `yaml:"vip_bonus"`
	PremiumBonus         float64 `yaml:"premium_bonus"`
	LargeOrderBonus      float64 `yaml:"large_order_bonus"`
	LargeOrderThreshold  float64 `yaml:"large_order_threshold"` // quote notional
	UrgencyBonus         float64 `yaml:"urgency_bonus"`
}

// LaneConfig is one queue lane.
type LaneConfig struct {
	Name     string  `yaml:"name"`
	MinScore float64 `yaml:"min_score"`
	Budget   int     `yaml:"budget"`
}

// QueueConfig holds lane layout and aging.
type QueueConfig struct {
	Lanes          []LaneConfig  `yaml:"lanes"`
	AgingThreshold time.Duration `yaml:"aging_threshold"`
	AgingFactor    float64       `yaml:"aging_factor"`
	AgingFloor     float64       `yaml:"aging_floor"`
}

// ReconciliationConfig configures the drift repair loop.
type ReconciliationConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	UserTimeout      time.Duration `yaml:"user_timeout"`
	FetchConcurrency int           `yaml:"fetch_concurrency"`
}

// APIConfig configures the operator HTTP surface.
type APIConfig struct {
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:             "8080",
		DBPath:           "./data/order-core.db",
		JWTSecret:        "",
		EnableJournal:    true,
		JournalPath:      "./data/operations.wal",
		Workers:          4,
		DispatchTimeout:  30 * time.Second,
		PositionCacheTTL: 30 * time.Second,
		DryRunLatency:    20 * time.Millisecond,
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Transport: TransportConfig{
			Timeout:          5 * time.Second,
			RecvWindow:       5 * time.Second,
			RateLimit:        10,
			Burst:            20,
			FailureThreshold: 3,
			CircuitTimeout:   5 * time.Minute,
		},
		Priority: PriorityConfig{
			BaseManagement:       100,
			BaseMainnet:          100,
			BaseTestnet:          10,
			ManagementMultiplier: 2,
			VIPBonus:             50,
			PremiumBonus:         25,
			LargeOrderBonus:      30,
			LargeOrderThreshold:  1000,
			UrgencyBonus:         40,
		},
		Queue: QueueConfig{
			Lanes: []LaneConfig{
				{Name: "critical", MinScore: 150, Budget: 4},
				{Name: "high", MinScore: 50, Budget: 2},
				{Name: "low", MinScore: 0, Budget: 1},
			},
			AgingThreshold: 30 * time.Second,
			AgingFactor:    0.5,
			AgingFloor:     1,
		},
		Reconciliation: ReconciliationConfig{
			Enabled:          true,
			Interval:         5 * time.Minute,
			UserTimeout:      30 * time.Second,
			FetchConcurrency: 4,
		},
		API: APIConfig{
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
	}
}

// Load reads .env (if present), the YAML overlay named by CONFIG_FILE and the
// environment into Config, then validates the result.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	c.DBPath = getEnv("DB_PATH", getEnv("DATABASE_PATH", c.DBPath))
	c.Port = getEnv("PORT", c.Port)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.EnableJournal = getEnvBool("ENABLE_JOURNAL", c.EnableJournal)
	c.JournalPath = getEnv("JOURNAL_PATH", c.JournalPath)
	c.Workers = getEnvInt("WORKERS", c.Workers)
	c.DispatchTimeout = getEnvDuration("DISPATCH_TIMEOUT", c.DispatchTimeout)
	c.PositionCacheTTL = getEnvDuration("POSITION_CACHE_TTL", c.PositionCacheTTL)
	c.DryRun = getEnvBool("DRY_RUN", c.DryRun)
	c.DryRunLatency = getEnvDuration("DRY_RUN_LATENCY", c.DryRunLatency)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Encoding = getEnv("LOG_ENCODING", c.Logging.Encoding)
	c.Logging.Development = getEnvBool("LOG_DEVELOPMENT", c.Logging.Development)
	if v := os.Getenv("LOG_OUTPUT_PATHS"); v != "" {
		c.Logging.OutputPaths = splitAndTrim(v)
	}

	c.Transport.Timeout = getEnvDuration("TRANSPORT_TIMEOUT", c.Transport.Timeout)
	c.Transport.RecvWindow = getEnvDuration("TRANSPORT_RECV_WINDOW", c.Transport.RecvWindow)
	c.Transport.RateLimit = getEnvFloat("TRANSPORT_RATE_LIMIT", c.Transport.RateLimit)
	c.Transport.Burst = getEnvInt("TRANSPORT_BURST", c.Transport.Burst)

	c.Priority.ManagementMultiplier = getEnvFloat("PRIORITY_MANAGEMENT_MULTIPLIER", c.Priority.ManagementMultiplier)
	c.Priority.LargeOrderThreshold = getEnvFloat("PRIORITY_LARGE_ORDER_THRESHOLD", c.Priority.LargeOrderThreshold)

	c.Queue.AgingThreshold = getEnvDuration("QUEUE_AGING_THRESHOLD", c.Queue.AgingThreshold)

	c.Reconciliation.Enabled = getEnvBool("RECONCILIATION_ENABLED", c.Reconciliation.Enabled)
	c.Reconciliation.Interval = getEnvDuration("RECONCILIATION_INTERVAL", c.Reconciliation.Interval)
	c.Reconciliation.FetchConcurrency = getEnvInt("RECONCILIATION_FETCH_CONCURRENCY", c.Reconciliation.FetchConcurrency)

	c.API.RateLimitRPS = getEnvFloat("API_RATE_LIMIT_RPS", c.API.RateLimitRPS)
	if v := os.Getenv("API_ALLOWED_ORIGINS"); v != "" {
		c.API.AllowedOrigins = splitAndTrim(v)
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if c.Port == "" {
		err = multierr.Append(err, errors.New("port must not be empty"))
	}
	if c.DBPath == "" {
		err = multierr.Append(err, errors.New("db_path must not be empty"))
	}
	if c.EnableJournal && c.JournalPath == "" {
		err = multierr.Append(err, errors.New("journal_path is required when the journal is enabled"))
	}
	if c.Workers <= 0 {
		err = multierr.Append(err, errors.New("workers must be positive"))
	}
	if c.DispatchTimeout <= 0 {
		err = multierr.Append(err, errors.New("dispatch_timeout must be positive"))
	}
	if c.Transport.Timeout <= 0 {
		err = multierr.Append(err, errors.New("transport.timeout must be positive"))
	}
	if c.Transport.Timeout >= 10*time.Second {
		err = multierr.Append(err, errors.New("transport.timeout must stay below 10s"))
	}
	if c.Priority.ManagementMultiplier < 1 {
		err = multierr.Append(err, errors.New("priority.management_multiplier must be >= 1"))
	}
	if c.Priority.BaseTestnet >= c.Priority.BaseMainnet {
		err = multierr.Append(err, errors.New("priority.base_testnet must be below priority.base_mainnet"))
	}
	if c.Priority.LargeOrderThreshold <= 0 {
		err = multierr.Append(err, errors.New("priority.large_order_threshold must be positive"))
	}
	if len(c.Queue.Lanes) == 0 {
		err = multierr.Append(err, errors.New("queue.lanes must not be empty"))
	}
	seen := make(map[string]bool, len(c.Queue.Lanes))
	for _, l := range c.Queue.Lanes {
		if l.Name == "" {
			err = multierr.Append(err, errors.New("queue lane name must not be empty"))
		}
		if seen[l.Name] {
			err = multierr.Append(err, fmt.Errorf("queue lane %q declared twice", l.Name))
		}
		seen[l.Name] = true
		if l.Budget <= 0 {
			err = multierr.Append(err, fmt.Errorf("queue lane %q budget must be positive", l.Name))
		}
	}
	if c.Queue.AgingFactor <= 0 || c.Queue.AgingFactor > 1 {
		err = multierr.Append(err, errors.New("queue.aging_factor must be in (0,1]"))
	}
	if c.Reconciliation.Enabled && c.Reconciliation.Interval <= 0 {
		err = multierr.Append(err, errors.New("reconciliation.interval must be positive"))
	}
	return err
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
