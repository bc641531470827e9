// Package config provides configuration structures and loading logic for the
// safeguard service and CLI.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-safeguard/pkg/domain"
	"github.com/polisai/polis-safeguard/pkg/policy/dlp"
)

// Guard modes.
const (
	GuardModeRemote = "remote"
	GuardModeLocal  = "local"
)

// Config holds the global configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Identity  IdentityConfig  `yaml:"identity"`
	Backend   BackendConfig   `yaml:"backend"`
	Guard     GuardConfig     `yaml:"guard"`
	DataQuery DataQueryConfig `yaml:"data_query"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// ServerConfig holds configuration for the HTTP surface.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	Format string `yaml:"format"`
}

// IdentityConfig names the user the pipeline acts for.
type IdentityConfig struct {
	User string `yaml:"user"`
	Role string `yaml:"role"`
	// FromHeaders lets HTTP callers supply the identity per request.
	FromHeaders bool `yaml:"from_headers"`
}

// BackendConfig configures the reasoning-engine gateway.
type BackendConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Token             string        `yaml:"token"`
	Model             string        `yaml:"model"`
	SemanticModelFile string        `yaml:"semantic_model_file"`
	SearchService     string        `yaml:"search_service"`
	SearchIDColumn    string        `yaml:"search_id_column"`
	Timeout           time.Duration `yaml:"timeout"`
	BreakerFailures   int           `yaml:"breaker_failures"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
}

// GuardConfig selects and configures the access guard.
type GuardConfig struct {
	Mode string `yaml:"mode"`

	Endpoint          string        `yaml:"endpoint"`
	APIKey            string        `yaml:"api_key"`
	BearerToken       string        `yaml:"bearer_token"`
	VectorDB          string        `yaml:"vector_db"`
	UseExternalGroups bool          `yaml:"use_external_groups"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	BreakerFailures   int           `yaml:"breaker_failures"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`

	PolicyFile  string     `yaml:"policy_file"`
	WatchPolicy bool       `yaml:"watch_policy"`
	DLPRules    []dlp.Rule `yaml:"dlp_rules,omitempty"`
}

// DataQueryConfig configures generated query execution and transcript lookup.
type DataQueryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	Token     string        `yaml:"token"`
	Warehouse string        `yaml:"warehouse"`
	Role      string        `yaml:"role"`
	Database  string        `yaml:"database"`
	Schema    string        `yaml:"schema"`
	Timeout   time.Duration `yaml:"timeout"`
}

// PipelineConfig tunes turn behaviour.
type PipelineConfig struct {
	SearchLimit         int  `yaml:"search_limit"`
	CitationConcurrency int  `yaml:"citation_concurrency"`
	BlockOnAuditDenial  bool `yaml:"block_on_audit_denial"`
}

// Default returns the configuration used before any file or environment is
// applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{ServiceName: "polis-safeguard"},
		Logging:   LoggingConfig{Level: "info"},
		Backend: BackendConfig{
			Timeout:         50 * time.Second,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Guard: GuardConfig{
			Mode:              GuardModeRemote,
			UseExternalGroups: true,
			Timeout:           10 * time.Second,
			MaxRetries:        2,
			BreakerFailures:   5,
			BreakerCooldown:   30 * time.Second,
		},
		DataQuery: DataQueryConfig{Enabled: true, Timeout: 60 * time.Second},
		Pipeline: PipelineConfig{
			SearchLimit:         10,
			CitationConcurrency: 4,
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	strVars := map[string]*string{
		"SAFEGUARD_ADDR":            &cfg.Server.Address,
		"SAFEGUARD_OTLP_ENDPOINT":   &cfg.Telemetry.OTLPEndpoint,
		"SAFEGUARD_ENVIRONMENT":     &cfg.Telemetry.Environment,
		"SAFEGUARD_LOG_LEVEL":       &cfg.Logging.Level,
		"SAFEGUARD_LOG_FORMAT":      &cfg.Logging.Format,
		"SAFEGUARD_USER":            &cfg.Identity.User,
		"SAFEGUARD_ROLE":            &cfg.Identity.Role,
		"SAFEGUARD_BACKEND_URL":     &cfg.Backend.BaseURL,
		"SAFEGUARD_BACKEND_TOKEN":   &cfg.Backend.Token,
		"SAFEGUARD_MODEL":           &cfg.Backend.Model,
		"SAFEGUARD_GUARD_MODE":      &cfg.Guard.Mode,
		"SAFEGUARD_GUARD_ENDPOINT":  &cfg.Guard.Endpoint,
		"SAFEGUARD_GUARD_API_KEY":   &cfg.Guard.APIKey,
		"SAFEGUARD_GUARD_TOKEN":     &cfg.Guard.BearerToken,
		"SAFEGUARD_POLICY_FILE":     &cfg.Guard.PolicyFile,
		"SAFEGUARD_WAREHOUSE":       &cfg.DataQuery.Warehouse,
		"SAFEGUARD_DATA_QUERY_ROLE": &cfg.DataQuery.Role,
	}
	for key, target := range strVars {
		if val := os.Getenv(key); val != "" {
			*target = val
		}
	}

	boolVars := map[string]*bool{
		"SAFEGUARD_OTLP_INSECURE":         &cfg.Telemetry.Insecure,
		"SAFEGUARD_LOG_PRETTY":            &cfg.Logging.Pretty,
		"SAFEGUARD_IDENTITY_FROM_HEADERS": &cfg.Identity.FromHeaders,
		"SAFEGUARD_DATA_QUERY_ENABLED":    &cfg.DataQuery.Enabled,
		"SAFEGUARD_BLOCK_ON_AUDIT_DENIAL": &cfg.Pipeline.BlockOnAuditDenial,
		"SAFEGUARD_GUARD_WATCH_POLICY":    &cfg.Guard.WatchPolicy,
		"SAFEGUARD_GUARD_EXTERNAL_GROUPS": &cfg.Guard.UseExternalGroups,
	}
	for key, target := range boolVars {
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrConfigInvalid, key, err)
		}
		*target = parsed
	}

	if val := os.Getenv("SAFEGUARD_BACKEND_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%w: SAFEGUARD_BACKEND_TIMEOUT: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Backend.Timeout = d
	}
	if val := os.Getenv("SAFEGUARD_SEARCH_LIMIT"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: SAFEGUARD_SEARCH_LIMIT: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Pipeline.SearchLimit = n
	}
	return nil
}

// Validate performs validation of the entire configuration and fills derived
// defaults.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend configuration: %w", err)
	}
	if err := c.Guard.Validate(); err != nil {
		return fmt.Errorf("guard configuration: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline configuration: %w", err)
	}

	if strings.TrimSpace(c.Server.Address) == "" {
		c.Server.Address = ":8080"
	}
	if c.DataQuery.BaseURL == "" {
		c.DataQuery.BaseURL = c.Backend.BaseURL
	}
	if c.DataQuery.Token == "" {
		c.DataQuery.Token = c.Backend.Token
	}
	if c.DataQuery.Role == "" {
		c.DataQuery.Role = c.Identity.Role
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("%w: invalid log level %q, supported levels: debug, info, warn, error", domain.ErrConfigInvalid, c.Level)
	}

	switch strings.ToLower(strings.TrimSpace(c.Format)) {
	case "", "json", "text":
		return nil
	default:
		return fmt.Errorf("%w: invalid log format %q, supported formats: json, text", domain.ErrConfigInvalid, c.Format)
	}
}

// Validate performs validation of backend configuration.
func (c *BackendConfig) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("%w: base_url is required", domain.ErrConfigInvalid)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}

// Validate performs validation of guard configuration.
func (c *GuardConfig) Validate() error {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	switch c.Mode {
	case "":
		c.Mode = GuardModeRemote
		return c.Validate()
	case GuardModeRemote:
		if strings.TrimSpace(c.Endpoint) == "" {
			return fmt.Errorf("%w: endpoint is required in remote mode", domain.ErrConfigInvalid)
		}
		if strings.TrimSpace(c.APIKey) == "" {
			return fmt.Errorf("%w: api_key is required in remote mode", domain.ErrConfigInvalid)
		}
	case GuardModeLocal:
		if c.WatchPolicy && c.PolicyFile == "" {
			return fmt.Errorf("%w: watch_policy requires policy_file", domain.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q (must be %q or %q)", domain.ErrConfigInvalid, c.Mode, GuardModeRemote, GuardModeLocal)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}

// Validate performs validation of pipeline configuration.
func (c *PipelineConfig) Validate() error {
	if c.SearchLimit < 0 {
		return fmt.Errorf("%w: search_limit must not be negative", domain.ErrConfigInvalid)
	}
	if c.CitationConcurrency < 0 {
		return fmt.Errorf("%w: citation_concurrency must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}
