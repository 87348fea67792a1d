// Package config handles application configuration
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"taskmarket/internal/cache"
)

//go:embed config.sample.yaml
var sampleConfig string

// GetSampleConfig returns the embedded sample configuration content
func GetSampleConfig() string {
	return sampleConfig
}

// Config represents the application configuration
type Config struct {
	API          APIConfig       `yaml:"api"`
	Cache        CacheConfig     `yaml:"cache"`
	Retry        RetryConfig     `yaml:"retry"`
	Breaker      BreakerConfig   `yaml:"breaker"`
	Draft        DraftConfig     `yaml:"draft"`
	Logging      LoggingConfig   `yaml:"logging"`
	Analytics    AnalyticsConfig `yaml:"analytics"`
	OutputFormat string          `yaml:"output_format"`
	NoPrompt     bool            `yaml:"no_prompt"`
}

// APIConfig holds remote API settings
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"` // e.g., "30s"
}

// CacheConfig holds resource cache freshness settings
type CacheConfig struct {
	DefaultTTL string            `yaml:"default_ttl"`
	TTL        map[string]string `yaml:"ttl"`         // class ("task/offers") -> duration
	SharedKeys []string          `yaml:"shared_keys"` // classes kept on sign-out
}

// RetryConfig holds the retry policy for reads
type RetryConfig struct {
	MaxRetries *int   `yaml:"max_retries"` // default 2, 0 disables
	BaseDelay  string `yaml:"base_delay"`
	MaxDelay   string `yaml:"max_delay"`
	Jitter     *bool  `yaml:"jitter"` // default true
}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	Threshold int    `yaml:"threshold"`
	Cooldown  string `yaml:"cooldown"`
}

// DraftConfig holds draft persistence and submit rules
type DraftConfig struct {
	Path           string   `yaml:"path"`
	MinTitleLength *int     `yaml:"min_title_length"`
	MinBudget      *float64 `yaml:"min_budget"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Verbose bool   `yaml:"verbose"`
	File    string `yaml:"file"`
}

// AnalyticsConfig holds local usage tracking settings
type AnalyticsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// DefaultBaseURL is the production API base URL
const DefaultBaseURL = "https://api.taskmarket.app/v1"

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	policy := cache.DefaultPolicy()
	ttl := make(map[string]string, len(policy.Classes))
	for class, d := range policy.Classes {
		ttl[class] = d.String()
	}
	return &Config{
		API: APIConfig{BaseURL: DefaultBaseURL, Timeout: "30s"},
		Cache: CacheConfig{
			DefaultTTL: policy.Default.String(),
			TTL:        ttl,
			SharedKeys: append([]string(nil), policy.Shared...),
		},
		Draft:        DraftConfig{Path: filepath.Join(GetDataDir(), "draft.db")},
		OutputFormat: "text",
	}
}

// Load loads configuration from the specified path, or the default XDG path if empty.
// If the config file doesn't exist, it creates one from the sample.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = DefaultPath()
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath returns the XDG config file path
func DefaultPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

// LoadFromPath loads configuration from a specific path without creating it.
// A missing file yields (nil, nil).
func LoadFromPath(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path is required")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults for unset fields
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in config file: %w", err)
	}

	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = DefaultBaseURL
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "text"
	}
	if cfg.Draft.Path == "" {
		cfg.Draft.Path = filepath.Join(GetDataDir(), "draft.db")
	}
	cfg.Draft.Path = ExpandPath(cfg.Draft.Path)
	cfg.Logging.File = ExpandPath(cfg.Logging.File)
	cfg.Analytics.Path = ExpandPath(cfg.Analytics.Path)

	return cfg, nil
}

// save writes the sample configuration to the specified path
func (c *Config) save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Use the embedded sample config which includes all documentation and comments
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.OutputFormat != "text" && c.OutputFormat != "json" {
		return fmt.Errorf("invalid output_format: %q (must be 'text' or 'json')", c.OutputFormat)
	}
	if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		return fmt.Errorf("invalid api.base_url: %q (must be an http(s) URL)", c.API.BaseURL)
	}

	durations := map[string]string{
		"api.timeout":       c.API.Timeout,
		"cache.default_ttl": c.Cache.DefaultTTL,
		"retry.base_delay":  c.Retry.BaseDelay,
		"retry.max_delay":   c.Retry.MaxDelay,
		"breaker.cooldown":  c.Breaker.Cooldown,
	}
	for class, v := range c.Cache.TTL {
		durations["cache.ttl."+class] = v
	}
	names := make([]string, 0, len(durations))
	for name := range durations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := durations[name]
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %q", name, v)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %q", name, v)
		}
	}

	if c.Retry.MaxRetries != nil && (*c.Retry.MaxRetries < 0 || *c.Retry.MaxRetries > 10) {
		return fmt.Errorf("retry.max_retries must be between 0 and 10, got %d", *c.Retry.MaxRetries)
	}
	if c.Breaker.Threshold < 0 {
		return fmt.Errorf("breaker.threshold must not be negative, got %d", c.Breaker.Threshold)
	}
	if c.Draft.MinTitleLength != nil && *c.Draft.MinTitleLength < 0 {
		return fmt.Errorf("draft.min_title_length must not be negative, got %d", *c.Draft.MinTitleLength)
	}
	if c.Draft.MinBudget != nil && *c.Draft.MinBudget < 0 {
		return fmt.Errorf("draft.min_budget must not be negative, got %v", *c.Draft.MinBudget)
	}
	if c.Analytics.RetentionDays < 0 {
		return fmt.Errorf("analytics.retention_days must not be negative, got %d", c.Analytics.RetentionDays)
	}
	return nil
}

// ApplyFlags applies CLI flag overrides to the configuration
func (c *Config) ApplyFlags(noPrompt bool, outputFormat string, verbose bool) {
	if noPrompt {
		c.NoPrompt = true
	}
	if outputFormat != "" {
		c.OutputFormat = outputFormat
	}
	if verbose {
		c.Logging.Verbose = true
	}
}

// parseDuration returns the parsed value, or def when empty or invalid.
func parseDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// GetAPITimeout returns the HTTP timeout. Default: 30 seconds
func (c *Config) GetAPITimeout() time.Duration {
	return parseDuration(c.API.Timeout, 30*time.Second)
}

// TTLPolicy builds the cache freshness policy. Classes absent from the config
// keep their built-in TTLs.
func (c *Config) TTLPolicy() cache.TTLPolicy {
	p := cache.DefaultPolicy()
	p.Default = parseDuration(c.Cache.DefaultTTL, p.Default)
	for class, v := range c.Cache.TTL {
		class = strings.Trim(strings.TrimSpace(class), "/")
		if class == "" {
			continue
		}
		p.Classes[class] = parseDuration(v, p.TTL(cache.ParseKey(class)))
	}
	if c.Cache.SharedKeys != nil {
		p.Shared = append([]string(nil), c.Cache.SharedKeys...)
	}
	return p
}

// GetMaxRetries returns the retry ceiling. Default: 2
func (c *Config) GetMaxRetries() int {
	if c.Retry.MaxRetries == nil {
		return 2
	}
	return *c.Retry.MaxRetries
}

// GetRetryBaseDelay returns the first backoff delay. Default: 200ms
func (c *Config) GetRetryBaseDelay() time.Duration {
	return parseDuration(c.Retry.BaseDelay, 200*time.Millisecond)
}

// GetRetryMaxDelay returns the backoff cap. Default: 5 seconds
func (c *Config) GetRetryMaxDelay() time.Duration {
	return parseDuration(c.Retry.MaxDelay, 5*time.Second)
}

// IsRetryJitterEnabled returns true unless jitter is explicitly disabled
func (c *Config) IsRetryJitterEnabled() bool {
	if c.Retry.Jitter == nil {
		return true
	}
	return *c.Retry.Jitter
}

// GetBreakerThreshold returns the failure threshold. Default: 5
func (c *Config) GetBreakerThreshold() int {
	if c.Breaker.Threshold <= 0 {
		return 5
	}
	return c.Breaker.Threshold
}

// GetBreakerCooldown returns the open-circuit cooldown. Default: 15 seconds
func (c *Config) GetBreakerCooldown() time.Duration {
	return parseDuration(c.Breaker.Cooldown, 15*time.Second)
}

// GetDraftPath returns the draft database path
func (c *Config) GetDraftPath() string {
	if c.Draft.Path == "" {
		return filepath.Join(GetDataDir(), "draft.db")
	}
	return c.Draft.Path
}

// GetMinTitleLength returns the minimum task title length. Default: 10
func (c *Config) GetMinTitleLength() int {
	if c.Draft.MinTitleLength == nil {
		return 10
	}
	return *c.Draft.MinTitleLength
}

// GetMinBudget returns the minimum task budget. Default: 5
func (c *Config) GetMinBudget() float64 {
	if c.Draft.MinBudget == nil {
		return 5
	}
	return *c.Draft.MinBudget
}

// GetLogFile returns the log file path used by the TUI
func (c *Config) GetLogFile() string {
	if c.Logging.File == "" {
		return filepath.Join(GetCacheDir(), "taskmarket.log")
	}
	return c.Logging.File
}

// GetAnalyticsPath returns the usage database path
func (c *Config) GetAnalyticsPath() string {
	if c.Analytics.Path == "" {
		return filepath.Join(GetDataDir(), "analytics.db")
	}
	return c.Analytics.Path
}

// GetAnalyticsRetentionDays returns how long usage events are kept. Default: 90
func (c *Config) GetAnalyticsRetentionDays() int {
	if c.Analytics.RetentionDays <= 0 {
		return 90
	}
	return c.Analytics.RetentionDays
}

// getXDGDir returns a directory path following XDG spec.
// envVar is the XDG environment variable (e.g., "XDG_CONFIG_HOME").
// fallbackPath is the relative path from home (e.g., ".config").
func getXDGDir(envVar, fallbackPath string) string {
	if xdgDir := os.Getenv(envVar); xdgDir != "" {
		return filepath.Join(xdgDir, "taskmarket")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", fallbackPath, "taskmarket")
	}
	return filepath.Join(home, fallbackPath, "taskmarket")
}

// GetConfigDir returns the configuration directory following XDG spec
func GetConfigDir() string {
	return getXDGDir("XDG_CONFIG_HOME", ".config")
}

// GetDataDir returns the data directory following XDG spec
func GetDataDir() string {
	return getXDGDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// GetCacheDir returns the cache directory following XDG spec
func GetCacheDir() string {
	return getXDGDir("XDG_CACHE_HOME", ".cache")
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	// Expand ~ to home directory
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return os.ExpandEnv(path)
}
