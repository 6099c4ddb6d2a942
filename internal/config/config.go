// Package config provides configuration management for Cerberus.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/cerberus/internal/profile"
)

// Config holds all Cerberus configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Redis      RedisConfig      `yaml:"redis"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Collector  CollectorConfig  `yaml:"collector"`
	Sources    SourcesConfig    `yaml:"sources"`
	Narrative  NarrativeConfig  `yaml:"narrative"`
	Forwarding ForwardingConfig `yaml:"forwarding"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// StorageConfig holds report store settings.
type StorageConfig struct {
	Driver         string `yaml:"driver"` // sqlite, postgres
	DSN            string `yaml:"dsn"`
	DSNEnv         string `yaml:"dsn_env"`
	RetentionDays  int    `yaml:"retention_days"`
	RetentionLimit int    `yaml:"retention_limit"`
	SweepSchedule  string `yaml:"sweep_schedule"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// AnalysisConfig selects the deployment profile and its overrides.
type AnalysisConfig struct {
	Profile           string   `yaml:"profile"`
	HighRiskCountries []string `yaml:"high_risk_countries"`
	Allowlist         []string `yaml:"allowlist"`
}

// CollectorConfig holds per-source fetch settings.
type CollectorConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// SourcesConfig holds threat intel source settings.
type SourcesConfig struct {
	AbuseIPDB   SourceConfig      `yaml:"abuseipdb"`
	Geolocation GeolocationConfig `yaml:"geolocation"`
	OTX         SourceConfig      `yaml:"otx"`
	VirusTotal  SourceConfig      `yaml:"virustotal"`
	MISP        MISPConfig        `yaml:"misp"`
}

// SourceConfig holds the settings common to HTTP sources.
type SourceConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// APIKey resolves the key from the environment.
func (s SourceConfig) APIKey() string {
	return secret(s.APIKeyEnv)
}

// GeolocationConfig selects ip-api.com or local GeoLite2 databases.
type GeolocationConfig struct {
	BaseURL string        `yaml:"base_url"`
	GeoLite GeoLiteConfig `yaml:"geolite"`
}

// GeoLiteConfig holds MaxMind database paths.
type GeoLiteConfig struct {
	Enabled   bool   `yaml:"enabled"`
	CountryDB string `yaml:"country_db"`
	ASNDB     string `yaml:"asn_db"`
}

// MISPConfig holds MISP settings.
type MISPConfig struct {
	SourceConfig  `yaml:",inline"`
	PublishedOnly bool `yaml:"published_only"`
}

// NarrativeConfig holds LLM narrative settings.
type NarrativeConfig struct {
	APIKeyEnv   string  `yaml:"api_key_env"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// APIKey resolves the key from the environment.
func (n NarrativeConfig) APIKey() string {
	return secret(n.APIKeyEnv)
}

// ForwardingConfig holds downstream delivery settings.
type ForwardingConfig struct {
	HEC  HECConfig  `yaml:"hec"`
	NATS NATSConfig `yaml:"nats"`
}

// HECConfig holds Splunk HEC sender settings.
type HECConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url"`
	TokenEnv     string        `yaml:"token_env"`
	Index        string        `yaml:"index"`
	SourceType   string        `yaml:"sourcetype"`
	Source       string        `yaml:"source"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryCount   int           `yaml:"retry_count"`
}

// Token resolves the HEC token from the environment.
func (h HECConfig) Token() string {
	return secret(h.TokenEnv)
}

// NATSConfig holds NATS publisher settings.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// RateLimitConfig holds API rate limit settings.
type RateLimitConfig struct {
	Enabled                  bool `yaml:"enabled"`
	DefaultRequestsPerMinute int  `yaml:"default_requests_per_minute"`
	AnalyzeRequestsPerMinute int  `yaml:"analyze_requests_per_minute"`
	IncludeHeaders           bool `yaml:"include_headers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	Environment    string  `yaml:"environment"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Load reads .env, then the YAML file at path over DefaultConfig, then the
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  60 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Storage: StorageConfig{
			Driver:         "sqlite",
			DSN:            "data/reports.db",
			RetentionDays:  7,
			RetentionLimit: 1000,
			SweepSchedule:  "@hourly",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Analysis: AnalysisConfig{
			Profile:           "abuseipdb",
			HighRiskCountries: []string{"KP", "IR", "SY", "CU"},
		},
		Collector: CollectorConfig{
			Timeout:    8 * time.Second,
			MaxRetries: 2,
			RetryDelay: 500 * time.Millisecond,
			CacheTTL:   time.Hour,
		},
		Sources: SourcesConfig{
			AbuseIPDB: SourceConfig{
				BaseURL:   "https://api.abuseipdb.com/api/v2",
				APIKeyEnv: "ABUSEIPDB_API_KEY",
			},
			Geolocation: GeolocationConfig{
				BaseURL: "http://ip-api.com",
			},
			OTX: SourceConfig{
				BaseURL:   "https://otx.alienvault.com",
				APIKeyEnv: "OTX_API_KEY",
			},
			VirusTotal: SourceConfig{
				BaseURL:   "https://www.virustotal.com",
				APIKeyEnv: "VIRUSTOTAL_API_KEY",
			},
			MISP: MISPConfig{
				SourceConfig:  SourceConfig{APIKeyEnv: "MISP_API_KEY"},
				PublishedOnly: true,
			},
		},
		Narrative: NarrativeConfig{
			APIKeyEnv:   "OPENAI_API_KEY",
			BaseURL:     "https://api.openai.com",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   220,
		},
		Forwarding: ForwardingConfig{
			HEC: HECConfig{
				TokenEnv:     "SPLUNK_HEC_TOKEN",
				Index:        "cerberus",
				SourceType:   "cerberus:analysis",
				Source:       "cerberus",
				BatchSize:    100,
				BatchTimeout: 5 * time.Second,
				Timeout:      30 * time.Second,
				RetryCount:   3,
			},
			NATS: NATSConfig{
				URL:     "nats://127.0.0.1:4222",
				Subject: "cerberus.analysis.completed",
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:                  true,
			DefaultRequestsPerMinute: 120,
			AnalyzeRequestsPerMinute: 30,
			IncludeHeaders:           true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			OTLPEndpoint:   "localhost:4317",
			SamplingRate:   1.0,
			MetricsEnabled: true,
		},
	}
}

// applyEnv applies the environment overrides for storage settings.
func (c *Config) applyEnv() error {
	if v := os.Getenv("REPORT_DB_PATH"); v != "" && c.Storage.isSQLite() {
		c.Storage.DSN = v
	}
	if c.Storage.DSNEnv != "" {
		if v := os.Getenv(c.Storage.DSNEnv); v != "" {
			c.Storage.DSN = v
		}
	}

	for name, dst := range map[string]*int{
		"REPORT_RETENTION_DAYS":  &c.Storage.RetentionDays,
		"REPORT_RETENTION_LIMIT": &c.Storage.RetentionLimit,
	} {
		raw := os.Getenv(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, raw, err)
		}
		*dst = n
	}
	return nil
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}
	if c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required"))
	}
	if c.Storage.RetentionDays < 0 || c.Storage.RetentionLimit < 0 {
		errs = append(errs, errors.New("storage retention must not be negative"))
	}
	if _, err := profile.Lookup(c.Analysis.Profile, nil); err != nil {
		errs = append(errs, fmt.Errorf("analysis.profile: %w", err))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}

	for name, d := range map[string]time.Duration{
		"server.read_timeout":          c.Server.ReadTimeout,
		"server.write_timeout":         c.Server.WriteTimeout,
		"server.shutdown_timeout":      c.Server.ShutdownTimeout,
		"server.request_timeout":       c.Server.RequestTimeout,
		"collector.timeout":            c.Collector.Timeout,
		"collector.retry_delay":        c.Collector.RetryDelay,
		"collector.cache_ttl":          c.Collector.CacheTTL,
		"forwarding.hec.timeout":       c.Forwarding.HEC.Timeout,
		"forwarding.hec.batch_timeout": c.Forwarding.HEC.BatchTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Collector.MaxRetries < 0 {
		errs = append(errs, errors.New("collector.max_retries must not be negative"))
	}

	if c.Sources.Geolocation.GeoLite.Enabled && c.Sources.Geolocation.GeoLite.CountryDB == "" {
		errs = append(errs, errors.New("sources.geolocation.geolite.country_db is required when enabled"))
	}
	if c.Forwarding.HEC.Enabled && c.Forwarding.HEC.URL == "" {
		errs = append(errs, errors.New("forwarding.hec.url is required when enabled"))
	}
	if c.Forwarding.NATS.Enabled && c.Forwarding.NATS.Subject == "" {
		errs = append(errs, errors.New("forwarding.nats.subject is required when enabled"))
	}

	return errors.Join(errs...)
}

// RetentionMaxAge returns the age bound, zero when disabled.
func (s StorageConfig) RetentionMaxAge() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

func (s StorageConfig) isSQLite() bool {
	switch strings.ToLower(s.Driver) {
	case "", "sqlite", "sqlite3":
		return true
	}
	return false
}

// RedisPassword resolves the password from the environment.
func (r RedisConfig) RedisPassword() string {
	return secret(r.PasswordEnv)
}

// EnabledForwarders returns the names of enabled sinks.
func (c *Config) EnabledForwarders() []string {
	var sinks []string
	if c.Forwarding.HEC.Enabled {
		sinks = append(sinks, "splunk_hec")
	}
	if c.Forwarding.NATS.Enabled {
		sinks = append(sinks, "nats")
	}
	return sinks
}

func secret(envName string) string {
	if envName == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envName))
}
