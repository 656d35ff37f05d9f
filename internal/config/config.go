// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Section names accepted by ValidateFor.
const (
	SectionSilobreaker = "silobreaker"
	SectionThreatMatch = "threatmatch"
	SectionSentinel    = "sentinel"
	SectionPlatform    = "platform"
)

// Platform backends.
const (
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
)

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Network     NetworkConfig     `mapstructure:"network" yaml:"network"`
	Silobreaker SilobreakerConfig `mapstructure:"silobreaker" yaml:"silobreaker"`
	ThreatMatch ThreatMatchConfig `mapstructure:"threatmatch" yaml:"threatmatch"`
	Sentinel    SentinelConfig    `mapstructure:"sentinel" yaml:"sentinel"`
	Platform    PlatformConfig    `mapstructure:"platform" yaml:"platform"`
	Serve       ServeConfig       `mapstructure:"serve" yaml:"serve"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// NetworkConfig tunes the outbound HTTP behaviour shared by every provider client.
type NetworkConfig struct {
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ForceHTTP2      bool          `mapstructure:"force_http2" yaml:"force_http2"`
	ProxyURL        string        `mapstructure:"proxy_url" yaml:"proxy_url"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64     `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int         `mapstructure:"burst" yaml:"burst"`
	Retry     RetryConfig `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig controls retries of transient failures.
type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
}

// SilobreakerConfig configures the document search provider.
type SilobreakerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	APIURL          string        `mapstructure:"api_url" yaml:"api_url"`
	APIKey          string        `mapstructure:"api_key" yaml:"-"`
	APIShared       string        `mapstructure:"api_shared" yaml:"-"`
	ImportStartDate string        `mapstructure:"import_start_date" yaml:"import_start_date"`
	Lists           []string      `mapstructure:"lists" yaml:"lists"`
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	PageSize        int           `mapstructure:"page_size" yaml:"page_size"`
	SummaryLimit    int           `mapstructure:"summary_limit" yaml:"summary_limit"`
	AttachFiles     bool          `mapstructure:"attach_files" yaml:"attach_files"`
}

// ThreatMatchConfig configures the alerting and TAXII provider.
type ThreatMatchConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	URL            string        `mapstructure:"url" yaml:"url"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret" yaml:"-"`
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	ImportFromDate string        `mapstructure:"import_from_date" yaml:"import_from_date"`
	ImportProfiles bool          `mapstructure:"import_profiles" yaml:"import_profiles"`
	ImportAlerts   bool          `mapstructure:"import_alerts" yaml:"import_alerts"`
	ImportIOCs     bool          `mapstructure:"import_iocs" yaml:"import_iocs"`
}

// SentinelConfig configures the remote indicator product.
type SentinelConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	TenantID      string `mapstructure:"tenant_id" yaml:"tenant_id"`
	ClientID      string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret  string `mapstructure:"client_secret" yaml:"-"`
	LoginURL      string `mapstructure:"login_url" yaml:"login_url"`
	Scope         string `mapstructure:"scope" yaml:"scope"`
	BaseURL       string `mapstructure:"base_url" yaml:"base_url"`
	ResourcePath  string `mapstructure:"resource_path" yaml:"resource_path"`
	TargetProduct string `mapstructure:"target_product" yaml:"target_product"`
	Action        string `mapstructure:"action" yaml:"action"`
	TLPLevel      string `mapstructure:"tlp_level" yaml:"tlp_level"`
	PassiveOnly   bool   `mapstructure:"passive_only" yaml:"passive_only"`
	// ExpireTime is the indicator lifetime in days.
	ExpireTime int  `mapstructure:"expire_time" yaml:"expire_time"`
	Prune      bool `mapstructure:"prune" yaml:"prune"`
	// RefreshMargin is the fraction of an access token's lifetime after
	// which it is renewed.
	RefreshMargin float64 `mapstructure:"refresh_margin" yaml:"refresh_margin"`
}

// TokenURL is the OAuth2 token endpoint of the configured tenant.
func (s SentinelConfig) TokenURL() string {
	return strings.TrimRight(s.LoginURL, "/") + "/" + s.TenantID + "/oauth2/v2.0/token"
}

// ResourceURL is the indicator collection endpoint.
func (s SentinelConfig) ResourceURL() string {
	return strings.TrimRight(s.BaseURL, "/") + s.ResourcePath
}

// PlatformConfig selects and configures the platform collaborator.
type PlatformConfig struct {
	Backend  string         `mapstructure:"backend" yaml:"backend"`
	NATS     NATSConfig     `mapstructure:"nats" yaml:"nats"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// NATSConfig configures the JetStream platform backend.
type NATSConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	Stream        string        `mapstructure:"stream" yaml:"stream"`
	BundleSubject string        `mapstructure:"bundle_subject" yaml:"bundle_subject"`
	EventSubject  string        `mapstructure:"event_subject" yaml:"event_subject"`
	StateBucket   string        `mapstructure:"state_bucket" yaml:"state_bucket"`
	WorkBucket    string        `mapstructure:"work_bucket" yaml:"work_bucket"`
	Consumer      string        `mapstructure:"consumer" yaml:"consumer"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PostgresConfig holds the connection details for the PostgreSQL backend.
type PostgresConfig struct {
	URL      string `mapstructure:"url" yaml:"-"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// ServeConfig configures the long-running scheduler.
type ServeConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Unmarshalling registered defaults cannot fail.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "ctibridge")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Network --
	v.SetDefault("network.timeout", "2m")
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.force_http2", true)
	v.SetDefault("network.user_agent", "ctibridge")
	v.SetDefault("network.rate_limit", 0)
	v.SetDefault("network.burst", 1)
	v.SetDefault("network.retry.max_retries", 5)
	v.SetDefault("network.retry.initial_interval", "1s")
	v.SetDefault("network.retry.max_interval", "30s")
	v.SetDefault("network.retry.multiplier", 2.0)

	// -- Silobreaker --
	v.SetDefault("silobreaker.enabled", false)
	v.SetDefault("silobreaker.api_url", "https://api.silobreaker.com")
	v.SetDefault("silobreaker.lists", []string{"138809", "96910", "36592", "55112", "50774"})
	v.SetDefault("silobreaker.interval", "1h")
	v.SetDefault("silobreaker.page_size", 100)
	v.SetDefault("silobreaker.summary_limit", 200)
	v.SetDefault("silobreaker.attach_files", true)

	// -- ThreatMatch --
	v.SetDefault("threatmatch.enabled", false)
	v.SetDefault("threatmatch.interval", "5m")
	v.SetDefault("threatmatch.import_profiles", true)
	v.SetDefault("threatmatch.import_alerts", true)
	v.SetDefault("threatmatch.import_iocs", true)

	// -- Sentinel --
	v.SetDefault("sentinel.enabled", false)
	v.SetDefault("sentinel.login_url", "https://login.microsoftonline.com")
	v.SetDefault("sentinel.scope", "https://graph.microsoft.com/.default")
	v.SetDefault("sentinel.base_url", "https://graph.microsoft.com/beta")
	v.SetDefault("sentinel.resource_path", "/security/tiIndicators")
	v.SetDefault("sentinel.target_product", "Azure Sentinel")
	v.SetDefault("sentinel.passive_only", false)
	v.SetDefault("sentinel.expire_time", 30)
	v.SetDefault("sentinel.prune", false)
	v.SetDefault("sentinel.refresh_margin", 0.9)

	// -- Platform --
	v.SetDefault("platform.backend", BackendNATS)
	v.SetDefault("platform.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("platform.nats.stream", "CTI")
	v.SetDefault("platform.nats.bundle_subject", "cti.bundles")
	v.SetDefault("platform.nats.event_subject", "cti.observables")
	v.SetDefault("platform.nats.state_bucket", "ctibridge_state")
	v.SetDefault("platform.nats.work_bucket", "ctibridge_works")
	v.SetDefault("platform.nats.consumer", "ctibridge-sentinel")
	v.SetDefault("platform.nats.timeout", "10s")
	v.SetDefault("platform.postgres.max_conns", 4)

	// -- Serve --
	v.SetDefault("serve.metrics_addr", ":9464")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are bound explicitly so they can come from the environment only.
	for key, env := range map[string]string{
		"silobreaker.api_key":       "CTIBRIDGE_SILOBREAKER_API_KEY",
		"silobreaker.api_shared":    "CTIBRIDGE_SILOBREAKER_API_SHARED",
		"threatmatch.client_secret": "CTIBRIDGE_THREATMATCH_CLIENT_SECRET",
		"sentinel.client_secret":    "CTIBRIDGE_SENTINEL_CLIENT_SECRET",
		"platform.postgres.url":     "CTIBRIDGE_PLATFORM_POSTGRES_URL",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logger.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("logger.format must be one of console, json")
	}
	if c.Network.Retry.MaxRetries < 0 {
		return fmt.Errorf("network.retry.max_retries must not be negative")
	}
	if c.Network.RateLimit < 0 {
		return fmt.Errorf("network.rate_limit must not be negative")
	}
	if c.Network.ProxyURL != "" {
		if _, err := url.Parse(c.Network.ProxyURL); err != nil {
			return fmt.Errorf("network.proxy_url must be a valid URL: %w", err)
		}
	}
	return nil
}

// ValidateFor checks the section a command is about to use. Sections that
// are not used by the current command are never validated.
func (c *Config) ValidateFor(section string) error {
	switch section {
	case SectionSilobreaker:
		return c.Silobreaker.Validate()
	case SectionThreatMatch:
		return c.ThreatMatch.Validate()
	case SectionSentinel:
		return c.Sentinel.Validate()
	case SectionPlatform:
		return c.Platform.Validate()
	default:
		return fmt.Errorf("unknown configuration section %q", section)
	}
}

// Validate checks the Silobreaker configuration.
func (s *SilobreakerConfig) Validate() error {
	if err := requireURL("silobreaker.api_url", s.APIURL); err != nil {
		return err
	}
	if s.APIKey == "" || s.APIShared == "" {
		return fmt.Errorf("silobreaker.api_key and silobreaker.api_shared are required")
	}
	if len(s.Lists) == 0 {
		return fmt.Errorf("silobreaker.lists must name at least one list")
	}
	if s.PageSize <= 0 {
		return fmt.Errorf("silobreaker.page_size must be a positive integer")
	}
	if s.ImportStartDate != "" {
		if _, err := ParseDate(s.ImportStartDate); err != nil {
			return fmt.Errorf("silobreaker.import_start_date must be a date: %w", err)
		}
	}
	return nil
}

// Validate checks the ThreatMatch configuration.
func (t *ThreatMatchConfig) Validate() error {
	if err := requireURL("threatmatch.url", t.URL); err != nil {
		return err
	}
	if t.ClientID == "" || t.ClientSecret == "" {
		return fmt.Errorf("threatmatch.client_id and threatmatch.client_secret are required")
	}
	if t.ImportFromDate != "" {
		if _, err := time.Parse("2006-01-02 15:04", t.ImportFromDate); err != nil {
			return fmt.Errorf("threatmatch.import_from_date must use YYYY-MM-DD HH:MM: %w", err)
		}
	}
	return nil
}

// Validate checks the Sentinel configuration.
func (s *SentinelConfig) Validate() error {
	if s.TenantID == "" || s.ClientID == "" || s.ClientSecret == "" {
		return fmt.Errorf("sentinel.tenant_id, sentinel.client_id and sentinel.client_secret are required")
	}
	if err := requireURL("sentinel.login_url", s.LoginURL); err != nil {
		return err
	}
	if err := requireURL("sentinel.base_url", s.BaseURL); err != nil {
		return err
	}
	if s.ExpireTime <= 0 {
		return fmt.Errorf("sentinel.expire_time must be a positive number of days")
	}
	if s.RefreshMargin <= 0 || s.RefreshMargin > 1 {
		return fmt.Errorf("sentinel.refresh_margin must be in (0, 1], got %v", s.RefreshMargin)
	}
	return nil
}

// Validate checks the platform configuration.
func (p *PlatformConfig) Validate() error {
	switch p.Backend {
	case BackendNATS:
		if p.NATS.URL == "" || p.NATS.Stream == "" || p.NATS.BundleSubject == "" {
			return fmt.Errorf("platform.nats.url, platform.nats.stream and platform.nats.bundle_subject are required")
		}
		if p.NATS.StateBucket == "" || p.NATS.WorkBucket == "" {
			return fmt.Errorf("platform.nats.state_bucket and platform.nats.work_bucket are required")
		}
	case BackendPostgres:
		if p.Postgres.URL == "" {
			return fmt.Errorf("platform.postgres.url is required (CTIBRIDGE_PLATFORM_POSTGRES_URL)")
		}
	default:
		return fmt.Errorf("platform.backend must be one of %s, %s", BackendNATS, BackendPostgres)
	}
	return nil
}

// ParseDate accepts an RFC 3339 timestamp or a plain YYYY-MM-DD date, in UTC.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

func requireURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", key)
	}
	return nil
}
