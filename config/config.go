package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"log-anomaly-engine/analytics"
	"log-anomaly-engine/auth"
)

// Config represents the complete system configuration
type Config struct {
	Server    ServerConfig     `json:"server"`
	Storage   StorageConfig    `json:"storage"`
	Ingestion IngestionConfig  `json:"ingestion"`
	Detection analytics.Config `json:"detection"`
	Auth      AuthConfig       `json:"auth"`
	RateLimit RateLimitConfig  `json:"rate_limit"`
	Logging   LoggingConfig    `json:"logging"`
	Tracing   TracingConfig    `json:"tracing"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port            string   `json:"port"`
	ReadTimeout     Duration `json:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout"`
	IdleTimeout     Duration `json:"idle_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// StorageConfig contains bucket counter storage settings
type StorageConfig struct {
	Hot   HotStorageConfig `json:"hot"`
	Redis RedisConfig      `json:"redis"`
}

// HotStorageConfig contains in-memory storage settings
type HotStorageConfig struct {
	MaxSeries       int      `json:"max_series"`
	RetentionPeriod Duration `json:"retention_period"`
	CleanupInterval Duration `json:"cleanup_interval"`
}

// RedisConfig enables the shared Redis counter store
type RedisConfig struct {
	Enabled   bool     `json:"enabled"`
	Addr      string   `json:"addr"`
	Password  string   `json:"password"`
	DB        int      `json:"db"`
	Prefix    string   `json:"prefix"`
	Retention Duration `json:"retention"`
}

// IngestionConfig contains log ingestion settings
type IngestionConfig struct {
	BufferSize    int      `json:"buffer_size"`
	BatchSize     int      `json:"batch_size"`
	FlushInterval Duration `json:"flush_interval"`
	AllowedLevels []string `json:"allowed_levels"`
}

// AuthConfig enables bearer-token auth when JWTSecret is set
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

// RateLimitConfig is a per-client token bucket. Forwarding headers name the
// client only when the peer is one of TrustedProxies (addresses or CIDRs).
type RateLimitConfig struct {
	Enabled           bool     `json:"enabled"`
	RequestsPerMinute int      `json:"requests_per_minute"`
	Burst             int      `json:"burst"`
	TrustedProxies    []string `json:"trusted_proxies,omitempty"`
}

// Proxies parses TrustedProxies into prefixes
func (r RateLimitConfig) Proxies() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(r.TrustedProxies))
	for _, raw := range r.TrustedProxies {
		if prefix, err := netip.ParsePrefix(raw); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", raw)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "json" or "text"
}

type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	ServiceName  string  `json:"service_name"`
	OTLPEndpoint string  `json:"otlp_endpoint"`
	SampleRatio  float64 `json:"sample_ratio"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            ":8080",
			ReadTimeout:     Duration{30 * time.Second},
			WriteTimeout:    Duration{30 * time.Second},
			IdleTimeout:     Duration{120 * time.Second},
			ShutdownTimeout: Duration{30 * time.Second},
		},
		Storage: StorageConfig{
			Hot: HotStorageConfig{
				MaxSeries:       10000,
				RetentionPeriod: Duration{7 * 24 * time.Hour},
				CleanupInterval: Duration{30 * time.Minute},
			},
			Redis: RedisConfig{
				Enabled:   false,
				Addr:      "localhost:6379",
				Prefix:    "lae",
				Retention: Duration{8 * 24 * time.Hour},
			},
		},
		Ingestion: IngestionConfig{
			BufferSize:    1000,
			BatchSize:     100,
			FlushInterval: Duration{5 * time.Second},
			AllowedLevels: []string{"DEBUG", "INFO", "WARN", "WARNING", "ERROR", "CRITICAL", "FATAL"},
		},
		Detection: analytics.DefaultConfig(),
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 100,
			Burst:             20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "log-anomaly-engine",
			OTLPEndpoint: "localhost:4317",
			SampleRatio:  1.0,
		},
	}
}

// LoadFromFile loads configuration from a JSON file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	return config, nil
}

// LoadFromEnv loads the defaults and applies environment overrides
func LoadFromEnv() *Config {
	config := DefaultConfig()
	config.ApplyEnv()
	return config
}

// ApplyEnv overrides fields from LAE_* environment variables. Malformed
// numeric values are ignored.
func (c *Config) ApplyEnv() {
	if port := os.Getenv("LAE_PORT"); port != "" {
		c.Server.Port = port
	}

	if maxSeries := os.Getenv("LAE_HOT_MAX_SERIES"); maxSeries != "" {
		if val, err := parseIntFromEnv(maxSeries); err == nil {
			c.Storage.Hot.MaxSeries = val
		}
	}

	if addr := os.Getenv("LAE_REDIS_ADDR"); addr != "" {
		c.Storage.Redis.Enabled = true
		c.Storage.Redis.Addr = addr
	}
	if password := os.Getenv("LAE_REDIS_PASSWORD"); password != "" {
		c.Storage.Redis.Password = password
	}
	if db := os.Getenv("LAE_REDIS_DB"); db != "" {
		if val, err := parseIntFromEnv(db); err == nil {
			c.Storage.Redis.DB = val
		}
	}

	if bufferSize := os.Getenv("LAE_BUFFER_SIZE"); bufferSize != "" {
		if val, err := parseIntFromEnv(bufferSize); err == nil {
			c.Ingestion.BufferSize = val
		}
	}
	if batchSize := os.Getenv("LAE_BATCH_SIZE"); batchSize != "" {
		if val, err := parseIntFromEnv(batchSize); err == nil {
			c.Ingestion.BatchSize = val
		}
	}

	if sensitivity := os.Getenv("LAE_SENSITIVITY"); sensitivity != "" {
		if val, err := strconv.ParseFloat(sensitivity, 64); err == nil {
			c.Detection.Statistical.Sensitivity = val
		}
	}
	if mode := os.Getenv("LAE_BASELINE_MODE"); mode != "" {
		c.Detection.Statistical.Baseline = analytics.BaselineMode(mode)
	}

	if secret := os.Getenv("LAE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}

	if level := os.Getenv("LAE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("LAE_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if endpoint := os.Getenv("LAE_OTLP_ENDPOINT"); endpoint != "" {
		c.Tracing.Enabled = true
		c.Tracing.OTLPEndpoint = endpoint
	}
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	if c.Storage.Hot.MaxSeries <= 0 {
		return fmt.Errorf("hot storage max series must be positive")
	}
	if c.Storage.Redis.Enabled && c.Storage.Redis.Addr == "" {
		return fmt.Errorf("redis address cannot be empty when enabled")
	}

	if c.Ingestion.BufferSize <= 0 {
		return fmt.Errorf("ingestion buffer size must be positive")
	}
	if c.Ingestion.BatchSize <= 0 || c.Ingestion.BatchSize > c.Ingestion.BufferSize {
		return fmt.Errorf("ingestion batch size must be in [1, buffer size]")
	}

	if err := c.Detection.Validate(); err != nil {
		return fmt.Errorf("detection: %w", err)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("jwt secret must be at least %d bytes", auth.MinSecretLength)
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit requires positive requests per minute and burst")
	}
	if _, err := c.RateLimit.Proxies(); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging format must be json or text, got %q", c.Logging.Format)
	}

	if c.Tracing.Enabled && (c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1) {
		return fmt.Errorf("tracing sample ratio must be in [0, 1]")
	}

	return nil
}

// NewLogger builds a logrus logger from the logging section
func (l LoggingConfig) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	if l.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}
	return logger, nil
}

func parseIntFromEnv(s string) (int, error) {
	var result int
	if _, err := fmt.Sscanf(s, "%d", &result); err != nil {
		return 0, err
	}
	return result, nil
}

// ConfigManager handles configuration loading and hot-reloading
type ConfigManager struct {
	mu       sync.RWMutex
	config   *Config
	filename string
	watchers []func(*Config)
}

// NewConfigManager loads filename if it exists, otherwise the defaults,
// then applies environment overrides and validates.
func NewConfigManager(filename string) (*ConfigManager, error) {
	config, err := load(filename)
	if err != nil {
		return nil, err
	}

	return &ConfigManager{
		config:   config,
		filename: filename,
	}, nil
}

func load(filename string) (*Config, error) {
	config := DefaultConfig()
	if filename != "" && fileExists(filename) {
		var err error
		config, err = LoadFromFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// AddWatcher adds a function to be called when configuration changes
func (cm *ConfigManager) AddWatcher(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.watchers = append(cm.watchers, fn)
}

// Reload reloads the configuration from file
func (cm *ConfigManager) Reload() error {
	if cm.filename == "" || !fileExists(cm.filename) {
		return fmt.Errorf("no config file to reload")
	}

	newConfig, err := load(cm.filename)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	cm.mu.Lock()
	cm.config = newConfig
	watchers := append([]func(*Config){}, cm.watchers...)
	cm.mu.Unlock()

	for _, watcher := range watchers {
		watcher(newConfig)
	}

	return nil
}

func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}
