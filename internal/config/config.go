package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultYAML is used when no config/<env>.yaml is found, so the worker
// can run from environment variables alone.
//
//go:embed default.yaml
var defaultYAML []byte

// DefaultMaxAttempts is the generation retry cap applied when backfill.max_attempts is unset.
const DefaultMaxAttempts = 5

// Config holds the backfill worker configuration.
type Config struct {
	Elastic   ElasticConfig   `yaml:"elastic"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Backfill  BackfillConfig  `yaml:"backfill"`
	Cache     CacheConfig     `yaml:"cache"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// ElasticConfig holds search engine connection settings.
type ElasticConfig struct {
	Addresses          []string `yaml:"addresses"`
	Username           string   `yaml:"username"`
	Password           string   `yaml:"password"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	CACert             string   `yaml:"ca_cert"` // path to a PEM file
	RetryOnConflict    int      `yaml:"retry_on_conflict"`
	ReadinessTimeout   int      `yaml:"readiness_timeout_sec"` // 0 = single check, no retry
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider          string       `yaml:"provider"`
	APIKey            string       `yaml:"api_key"`
	BaseURL           string       `yaml:"base_url"`
	Model             string       `yaml:"model"`
	Dimensions        int          `yaml:"dimensions"`
	RequestDimensions bool         `yaml:"request_dimensions"` // send dimensions in the request
	TimeoutSec        int          `yaml:"timeout_sec"`
	Budget            BudgetConfig `yaml:"budget"`
}

// BudgetConfig holds token budget settings.
type BudgetConfig struct {
	DailyTokenLimit   int64  `yaml:"daily_token_limit"`   // 0 = unlimited
	MonthlyTokenLimit int64  `yaml:"monthly_token_limit"` // 0 = unlimited
	Action            string `yaml:"action"`              // "reject" | "warn" (default)
}

// Enabled reports whether any limit is set.
func (b BudgetConfig) Enabled() bool {
	return b.DailyTokenLimit > 0 || b.MonthlyTokenLimit > 0
}

// BackfillConfig holds pass and loop settings.
type BackfillConfig struct {
	IndexPattern    string `yaml:"index_pattern"`
	BatchSize       int    `yaml:"batch_size"`
	DocumentDelayMs int    `yaml:"document_delay_ms"` // -1 disables throttling
	IntervalSec     int    `yaml:"interval_sec"`
	MaxAttempts     *int   `yaml:"max_attempts"` // 0 retries forever
	Workers         int    `yaml:"workers"`
}

// DocumentDelay returns the throttle as a duration.
func (b BackfillConfig) DocumentDelay() time.Duration {
	if b.DocumentDelayMs < 0 {
		return -1
	}
	return time.Duration(b.DocumentDelayMs) * time.Millisecond
}

// Interval returns the pause between passes.
func (b BackfillConfig) Interval() time.Duration {
	return time.Duration(b.IntervalSec) * time.Second
}

// CacheConfig holds the optional Valkey/Redis settings.
type CacheConfig struct {
	Addrs        string `yaml:"addrs"` // comma-separated, empty disables the cache
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	TTLHours     int    `yaml:"ttl_hours"`
	ReadinessSec int    `yaml:"readiness_timeout_sec"`
}

// Enabled reports whether a cache store is configured.
func (c CacheConfig) Enabled() bool { return len(c.AddrList()) > 0 }

// AddrList splits Addrs into host:port entries.
func (c CacheConfig) AddrList() []string {
	var out []string
	for _, a := range strings.Split(c.Addrs, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// MetricsConfig holds the ops HTTP server settings.
type MetricsConfig struct {
	Port        int `yaml:"port"` // 0 disables the server
	ShutdownSec int `yaml:"shutdown_timeout_sec"`
}

// Load reads configuration by environment name (local, dev, prod).
// Without config/<env>.yaml the embedded default is used.
func Load(env string) (Config, error) {
	path, ok := findConfigPath(env)
	if !ok {
		return Parse(defaultYAML)
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references, decodes YAML, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if len(c.Elastic.Addresses) == 0 {
		c.Elastic.Addresses = []string{"https://localhost:9200"}
	}
	if c.Elastic.RetryOnConflict <= 0 {
		c.Elastic.RetryOnConflict = 3
	}
	// 0 checks the cluster once at startup.
	if c.Elastic.ReadinessTimeout < 0 {
		c.Elastic.ReadinessTimeout = 0
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Embedding.Dimensions <= 0 {
		c.Embedding.Dimensions = 1536
	}
	if c.Embedding.TimeoutSec <= 0 {
		c.Embedding.TimeoutSec = 30
	}
	if c.Embedding.Budget.Action == "" {
		c.Embedding.Budget.Action = "warn"
	}
	if c.Backfill.IndexPattern == "" {
		c.Backfill.IndexPattern = "reconciliation-*"
	}
	if c.Backfill.BatchSize <= 0 {
		c.Backfill.BatchSize = 10
	}
	if c.Backfill.DocumentDelayMs == 0 {
		c.Backfill.DocumentDelayMs = 500
	}
	if c.Backfill.IntervalSec <= 0 {
		c.Backfill.IntervalSec = 30
	}
	if c.Backfill.MaxAttempts == nil {
		n := DefaultMaxAttempts
		c.Backfill.MaxAttempts = &n
	}
	if c.Backfill.Workers <= 0 {
		c.Backfill.Workers = 1
	}
	if c.Cache.TTLHours <= 0 {
		c.Cache.TTLHours = 24 * 7
	}
	if c.Cache.ReadinessSec <= 0 {
		c.Cache.ReadinessSec = 5
	}
	if c.Metrics.ShutdownSec <= 0 {
		c.Metrics.ShutdownSec = 5
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	var errs []error
	if c.Embedding.APIKey == "" {
		errs = append(errs, errors.New("embedding.api_key is required (OPENAI_API_KEY)"))
	}
	for _, a := range c.Elastic.Addresses {
		if !strings.HasPrefix(a, "http://") && !strings.HasPrefix(a, "https://") {
			errs = append(errs, fmt.Errorf("elastic.addresses: %q must start with http:// or https://", a))
		}
	}
	switch c.Embedding.Budget.Action {
	case "warn", "reject":
	default:
		errs = append(errs, fmt.Errorf(
			"embedding.budget.action must be \"warn\" or \"reject\", got %q", c.Embedding.Budget.Action))
	}
	if c.Backfill.MaxAttempts != nil && *c.Backfill.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("backfill.max_attempts must not be negative, got %d", *c.Backfill.MaxAttempts))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, fmt.Errorf("metrics.port must be between 0 and 65535, got %d", c.Metrics.Port))
	}
	return errors.Join(errs...)
}

// findConfigPath locates config/<env>.yaml in the working directory or the project root.
func findConfigPath(env string) (string, bool) {
	filename := fmt.Sprintf("%s.yaml", env)

	if path := filepath.Join("config", filename); fileExists(path) {
		return path, true
	}

	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path, true
	}
	return "", false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
