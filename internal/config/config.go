// Package config loads the actiond daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentsh/actiond/pkg/types"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
	DataDir      string             `yaml:"data_dir"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Approvals    ApprovalsConfig    `yaml:"approvals"`
	Exec         ExecConfig         `yaml:"exec"`
	Storage      StorageConfig      `yaml:"storage"`
	Events       EventsConfig       `yaml:"events"`
	Trash        TrashConfig        `yaml:"trash"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Health       HealthConfig       `yaml:"health"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
}

type ServerConfig struct {
	HTTP ServerHTTPConfig `yaml:"http"`
}

type ServerHTTPConfig struct {
	Addr           string `yaml:"addr"`
	ReadTimeout    string `yaml:"read_timeout"`
	WriteTimeout   string `yaml:"write_timeout"`
	MaxRequestSize string `yaml:"max_request_size"`
}

type AuthConfig struct {
	Type   string           `yaml:"type"` // "none" or "api_key"
	APIKey AuthAPIKeyConfig `yaml:"api_key"`
}

type AuthAPIKeyConfig struct {
	KeysFile   string `yaml:"keys_file"`
	HeaderName string `yaml:"header_name"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stderr", "stdout" or a file path
	// Journal additionally sends records to the systemd journal.
	Journal bool `yaml:"journal"`
}

type CapabilitiesConfig struct {
	GrantsFile string `yaml:"grants_file"`
	Watch      bool   `yaml:"watch"`
	Debounce   string `yaml:"debounce"`
}

type ApprovalsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Timeout    string   `yaml:"timeout"`
	MinTimeout string   `yaml:"min_timeout"`
	Categories []string `yaml:"categories"`
	// Transports: "api" is always on; "tty" prompts on the controlling
	// terminal; "totp" requires a one-time code on resolve.
	Transports []string `yaml:"transports"`
	TOTPSecret string   `yaml:"totp_secret"`
}

type ExecConfig struct {
	StateFile       string `yaml:"state_file"`
	Shell           string `yaml:"shell"`
	MaxFinished     int    `yaml:"max_finished"`
	MaxOutput       string `yaml:"max_output"`
	PersistDebounce string `yaml:"persist_debounce"`
	RetryInterval   string `yaml:"retry_interval"`
	ReapInterval    string `yaml:"reap_interval"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	// EventRetention prunes stored events older than this; empty keeps
	// everything.
	EventRetention string `yaml:"event_retention"`
}

type EventsConfig struct {
	JSONL   JSONLConfig   `yaml:"jsonl"`
	Webhook WebhookConfig `yaml:"webhook"`
	OTEL    OTELConfig    `yaml:"otel"`
}

type JSONLConfig struct {
	Path       string `yaml:"path"`
	MaxSize    string `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
}

type WebhookConfig struct {
	URL           string            `yaml:"url"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"`
	Timeout       string            `yaml:"timeout"`
	Headers       map[string]string `yaml:"headers"`
}

type OTELConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Endpoint     string            `yaml:"endpoint"`
	Protocol     string            `yaml:"protocol"` // "grpc" or "http"
	TLSEnabled   bool              `yaml:"tls_enabled"`
	TLSCertFile  string            `yaml:"tls_cert_file"`
	TLSKeyFile   string            `yaml:"tls_key_file"`
	TLSInsecure  bool              `yaml:"tls_insecure"`
	Headers      map[string]string `yaml:"headers"`
	Timeout      string            `yaml:"timeout"`
	BatchTimeout string            `yaml:"batch_timeout"`
	BatchMaxSize int               `yaml:"batch_max_size"`
	ServiceName  string            `yaml:"service_name"`
	Filter       OTELFilterConfig  `yaml:"filter"`
}

type OTELFilterConfig struct {
	IncludeTypes      []string `yaml:"include_types"`
	ExcludeTypes      []string `yaml:"exclude_types"`
	IncludeCategories []string `yaml:"include_categories"`
	ExcludeCategories []string `yaml:"exclude_categories"`
}

type TrashConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Dir            string `yaml:"dir"`
	HashLimit      string `yaml:"hash_limit"`
	PreserveXattrs bool   `yaml:"preserve_xattrs"`
	TTL            string `yaml:"ttl"`
	Quota          string `yaml:"quota"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RateLimitConfig bounds tool invocations per run. A zero
// invocations_per_second disables it.
type RateLimitConfig struct {
	InvocationsPerSecond float64 `yaml:"invocations_per_second"`
	Burst                int     `yaml:"burst"`
	IdleTTL              string  `yaml:"idle_ttl"`
}

type HealthConfig struct {
	Path          string `yaml:"path"`
	ReadinessPath string `yaml:"readiness_path"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration without environment overrides, for
// tests.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTP.Addr == "" {
		cfg.Server.HTTP.Addr = "127.0.0.1:7420"
	}
	if cfg.Server.HTTP.ReadTimeout == "" {
		cfg.Server.HTTP.ReadTimeout = "30s"
	}
	// Long enough for a blocking approval wait.
	if cfg.Server.HTTP.WriteTimeout == "" {
		cfg.Server.HTTP.WriteTimeout = "10m"
	}
	if cfg.Server.HTTP.MaxRequestSize == "" {
		cfg.Server.HTTP.MaxRequestSize = "10MB"
	}
	if cfg.Auth.Type == "" {
		cfg.Auth.Type = "none"
	}
	if cfg.Auth.APIKey.HeaderName == "" {
		cfg.Auth.APIKey.HeaderName = "X-API-Key"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".local", "share", "actiond")
		} else {
			cfg.DataDir = filepath.Join(os.TempDir(), "actiond")
		}
	}
	if cfg.Capabilities.Debounce == "" {
		cfg.Capabilities.Debounce = "100ms"
	}

	if cfg.Approvals.Timeout == "" {
		cfg.Approvals.Timeout = "2m"
	}
	if cfg.Approvals.MinTimeout == "" {
		cfg.Approvals.MinTimeout = "1s"
	}
	if cfg.Approvals.Categories == nil {
		cfg.Approvals.Categories = []string{string(types.CategoryMutate), string(types.CategoryExec)}
	}
	if len(cfg.Approvals.Transports) == 0 {
		cfg.Approvals.Transports = []string{"api"}
	}

	if cfg.Exec.StateFile == "" {
		cfg.Exec.StateFile = filepath.Join(cfg.DataDir, "exec-state.json")
	}
	if cfg.Exec.Shell == "" {
		cfg.Exec.Shell = "/bin/sh"
	}
	if cfg.Exec.MaxFinished == 0 {
		cfg.Exec.MaxFinished = 200
	}
	if cfg.Exec.MaxOutput == "" {
		cfg.Exec.MaxOutput = "200000"
	}
	if cfg.Exec.PersistDebounce == "" {
		cfg.Exec.PersistDebounce = "250ms"
	}
	if cfg.Exec.RetryInterval == "" {
		cfg.Exec.RetryInterval = "2s"
	}
	if cfg.Exec.ReapInterval == "" {
		cfg.Exec.ReapInterval = "1s"
	}

	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = filepath.Join(cfg.DataDir, "actiond.db")
	}
	if cfg.Events.JSONL.Path != "" {
		if cfg.Events.JSONL.MaxSize == "" {
			cfg.Events.JSONL.MaxSize = "50MB"
		}
		if cfg.Events.JSONL.MaxBackups == 0 {
			cfg.Events.JSONL.MaxBackups = 3
		}
	}
	if cfg.Events.Webhook.BatchSize == 0 {
		cfg.Events.Webhook.BatchSize = 100
	}
	if cfg.Events.Webhook.FlushInterval == "" {
		cfg.Events.Webhook.FlushInterval = "5s"
	}
	if cfg.Events.Webhook.Timeout == "" {
		cfg.Events.Webhook.Timeout = "10s"
	}
	if cfg.Events.OTEL.Protocol == "" {
		cfg.Events.OTEL.Protocol = "grpc"
	}
	if cfg.Events.OTEL.Timeout == "" {
		cfg.Events.OTEL.Timeout = "10s"
	}
	if cfg.Events.OTEL.BatchTimeout == "" {
		cfg.Events.OTEL.BatchTimeout = "5s"
	}
	if cfg.Events.OTEL.BatchMaxSize == 0 {
		cfg.Events.OTEL.BatchMaxSize = 512
	}
	if cfg.Events.OTEL.ServiceName == "" {
		cfg.Events.OTEL.ServiceName = "actiond"
	}

	if cfg.Trash.Dir == "" {
		cfg.Trash.Dir = filepath.Join(cfg.DataDir, "trash")
	}
	if cfg.Trash.HashLimit == "" {
		cfg.Trash.HashLimit = "1MiB"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/health"
	}
	if cfg.Health.ReadinessPath == "" {
		cfg.Health.ReadinessPath = "/ready"
	}
	if cfg.RateLimit.InvocationsPerSecond > 0 && cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.RateLimit.IdleTTL == "" {
		cfg.RateLimit.IdleTTL = "10m"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ACTIOND_HTTP_ADDR"); v != "" {
		cfg.Server.HTTP.Addr = v
	}
	if v := os.Getenv("ACTIOND_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ACTIOND_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("ACTIOND_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ACTIOND_GRANTS_FILE"); v != "" {
		cfg.Capabilities.GrantsFile = v
	}
	if v := os.Getenv("ACTIOND_APPROVAL_TIMEOUT"); v != "" {
		cfg.Approvals.Timeout = v
	}
	if v := os.Getenv("ACTIOND_TOTP_SECRET"); v != "" {
		cfg.Approvals.TOTPSecret = v
	}
	if v := os.Getenv("ACTIOND_OTEL_ENDPOINT"); v != "" {
		cfg.Events.OTEL.Enabled = true
		cfg.Events.OTEL.Endpoint = v
	}
}

func validateConfig(cfg *Config) error {
	durations := map[string]string{
		"server.http.read_timeout":      cfg.Server.HTTP.ReadTimeout,
		"server.http.write_timeout":     cfg.Server.HTTP.WriteTimeout,
		"capabilities.debounce":         cfg.Capabilities.Debounce,
		"approvals.timeout":             cfg.Approvals.Timeout,
		"approvals.min_timeout":         cfg.Approvals.MinTimeout,
		"exec.persist_debounce":         cfg.Exec.PersistDebounce,
		"exec.retry_interval":           cfg.Exec.RetryInterval,
		"exec.reap_interval":            cfg.Exec.ReapInterval,
		"events.webhook.flush_interval": cfg.Events.Webhook.FlushInterval,
		"events.webhook.timeout":        cfg.Events.Webhook.Timeout,
		"events.otel.timeout":           cfg.Events.OTEL.Timeout,
		"events.otel.batch_timeout":     cfg.Events.OTEL.BatchTimeout,
		"trash.ttl":                     cfg.Trash.TTL,
		"rate_limit.idle_ttl":           cfg.RateLimit.IdleTTL,
		"storage.event_retention":       cfg.Storage.EventRetention,
	}
	for field, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", field, v, err)
		}
	}
	sizes := map[string]string{
		"server.http.max_request_size": cfg.Server.HTTP.MaxRequestSize,
		"exec.max_output":              cfg.Exec.MaxOutput,
		"events.jsonl.max_size":        cfg.Events.JSONL.MaxSize,
		"trash.hash_limit":             cfg.Trash.HashLimit,
		"trash.quota":                  cfg.Trash.Quota,
	}
	for field, v := range sizes {
		if v == "" {
			continue
		}
		if _, err := ParseByteSize(v); err != nil {
			return fmt.Errorf("invalid %s: %w", field, err)
		}
	}

	if cfg.RateLimit.InvocationsPerSecond < 0 {
		return fmt.Errorf("invalid rate_limit.invocations_per_second %v", cfg.RateLimit.InvocationsPerSecond)
	}

	switch cfg.Auth.Type {
	case "none":
	case "api_key":
		if cfg.Auth.APIKey.KeysFile == "" {
			return fmt.Errorf("auth.api_key.keys_file is required when auth.type is api_key")
		}
	default:
		return fmt.Errorf("invalid auth.type %q", cfg.Auth.Type)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	for _, c := range cfg.Approvals.Categories {
		if !types.ActionCategory(c).Valid() {
			return fmt.Errorf("invalid approvals.categories entry %q", c)
		}
	}
	for _, tr := range cfg.Approvals.Transports {
		switch tr {
		case "api", "tty":
		case "totp":
			if cfg.Approvals.TOTPSecret == "" {
				return fmt.Errorf("approvals.totp_secret is required for the totp transport")
			}
		default:
			return fmt.Errorf("invalid approvals.transports entry %q", tr)
		}
	}
	switch cfg.Events.OTEL.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("invalid events.otel.protocol %q", cfg.Events.OTEL.Protocol)
	}
	if cfg.Events.OTEL.Enabled && cfg.Events.OTEL.Endpoint == "" {
		return fmt.Errorf("events.otel.endpoint is required when otel export is enabled")
	}
	if cfg.Exec.MaxFinished < 0 {
		return fmt.Errorf("exec.max_finished must be >= 0")
	}
	return nil
}

// Duration parses a value validateConfig already accepted. Empty yields def.
func Duration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// ByteSize is Duration's counterpart for sizes.
func ByteSize(v string, def int64) int64 {
	if v == "" {
		return def
	}
	n, err := ParseByteSize(v)
	if err != nil {
		return def
	}
	return n
}

// ApprovalCategories converts the configured category names.
func (c ApprovalsConfig) ApprovalCategories() []types.ActionCategory {
	out := make([]types.ActionCategory, 0, len(c.Categories))
	for _, s := range c.Categories {
		out = append(out, types.ActionCategory(s))
	}
	return out
}

func (c ApprovalsConfig) HasTransport(name string) bool {
	for _, t := range c.Transports {
		if t == name {
			return true
		}
	}
	return false
}
