// ABOUTME: Configuration loading and parsing for toolgate
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete toolgate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Templates TemplatesConfig `yaml:"templates" toml:"templates"`
	Trust     TrustConfig     `yaml:"trust" toml:"trust"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Runtime   RuntimeConfig   `yaml:"runtime" toml:"runtime"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // gRPC health service; empty disables it
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve TLS on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose :443 publicly via funnel
}

// DatabaseConfig selects the persistence backend
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite (default), sqlite3, postgres
	Path   string `yaml:"path" toml:"path"`     // sqlite drivers
	DSN    string `yaml:"dsn" toml:"dsn"`       // postgres
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret      string `yaml:"jwt_secret" toml:"jwt_secret"`
	AdminTokenHash string `yaml:"admin_token_hash" toml:"admin_token_hash"` // bcrypt hash
	RequireAuth    bool   `yaml:"require_auth" toml:"require_auth"`
}

// GatewayConfig tunes tool call execution
type GatewayConfig struct {
	// InteractiveStreaming enables the bounded, session-persistent transport
	// path. When false, calls bypass the concurrency limiter.
	InteractiveStreaming bool   `yaml:"interactive_streaming" toml:"interactive_streaming"`
	HTTPConcurrency      int    `yaml:"http_concurrency" toml:"http_concurrency"`
	AttachConcurrency    int    `yaml:"attach_concurrency" toml:"attach_concurrency"`
	InstallBaseURL       string `yaml:"install_base_url" toml:"install_base_url"`

	ListToolsTimeout  time.Duration `yaml:"-" toml:"-"`
	ListToolsCacheTTL time.Duration `yaml:"-" toml:"-"`
	CallTimeout       time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ListToolsTimeoutRaw  string `yaml:"list_tools_timeout" toml:"list_tools_timeout"`
	ListToolsCacheTTLRaw string `yaml:"list_tools_cache_ttl" toml:"list_tools_cache_ttl"`
	CallTimeoutRaw       string `yaml:"call_timeout" toml:"call_timeout"`
}

// TemplatesConfig bounds response template rendering
type TemplatesConfig struct {
	MaxOutputBytes int           `yaml:"max_output_bytes" toml:"max_output_bytes"`
	MaxConcurrent  int           `yaml:"max_concurrent" toml:"max_concurrent"` // renders in flight, including timed-out ones still unwinding
	RenderTimeout  time.Duration `yaml:"-" toml:"-"`

	RenderTimeoutRaw string `yaml:"render_timeout" toml:"render_timeout"`
}

// Trust modes.
const (
	TrustModeRestrictive = "restrictive"
	TrustModePermissive  = "permissive"
)

// TrustConfig holds trust policy engine configuration
type TrustConfig struct {
	Mode     string `yaml:"mode" toml:"mode"`           // restrictive (default) or permissive
	SeedFile string `yaml:"seed_file" toml:"seed_file"` // JSONC policies loaded at startup
}

// SessionsConfig controls pruning of persisted MCP sessions
type SessionsConfig struct {
	PruneSchedule string        `yaml:"prune_schedule" toml:"prune_schedule"` // cron expression; empty disables pruning
	MaxAge        time.Duration `yaml:"-" toml:"-"`

	MaxAgeRaw string `yaml:"max_age" toml:"max_age"`
}

// EventsConfig selects where call and evaluation events are written
type EventsConfig struct {
	ClickHouseDSN string        `yaml:"clickhouse_dsn" toml:"clickhouse_dsn"` // empty logs events instead
	BatchSize     int           `yaml:"batch_size" toml:"batch_size"`
	FlushInterval time.Duration `yaml:"-" toml:"-"`

	FlushIntervalRaw string `yaml:"flush_interval" toml:"flush_interval"`
}

// Transport kinds for backend servers.
const (
	TransportHTTP   = "http"
	TransportAttach = "attach"
)

// RuntimeConfig describes how backend tool servers are reached
type RuntimeConfig struct {
	KubectlPath string          `yaml:"kubectl_path" toml:"kubectl_path"`
	Namespace   string          `yaml:"namespace" toml:"namespace"`
	Servers     []RuntimeServer `yaml:"servers" toml:"servers"`
}

// RuntimeServer is one backend server's transport entry
type RuntimeServer struct {
	ID        string `yaml:"id" toml:"id"`
	Transport string `yaml:"transport" toml:"transport"` // http or attach
	URL       string `yaml:"url" toml:"url"`
	Namespace string `yaml:"namespace" toml:"namespace"`
	Pod       string `yaml:"pod" toml:"pod"`
	Container string `yaml:"container" toml:"container"`
	Local     bool   `yaml:"local" toml:"local"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset fields with their default values
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Gateway.HTTPConcurrency <= 0 {
		c.Gateway.HTTPConcurrency = 4
	}
	if c.Gateway.AttachConcurrency <= 0 {
		c.Gateway.AttachConcurrency = 1
	}
	if c.Gateway.ListToolsTimeout == 0 {
		c.Gateway.ListToolsTimeout = 5 * time.Second
	}
	if c.Gateway.ListToolsCacheTTL == 0 {
		c.Gateway.ListToolsCacheTTL = 30 * time.Second
	}
	if c.Gateway.CallTimeout == 0 {
		c.Gateway.CallTimeout = 2 * time.Minute
	}
	if c.Templates.RenderTimeout == 0 {
		c.Templates.RenderTimeout = time.Second
	}
	if c.Templates.MaxOutputBytes <= 0 {
		c.Templates.MaxOutputBytes = 1 << 20
	}
	if c.Templates.MaxConcurrent <= 0 {
		c.Templates.MaxConcurrent = 16
	}
	if c.Trust.Mode == "" {
		c.Trust.Mode = TrustModeRestrictive
	}
	if c.Sessions.MaxAge == 0 {
		c.Sessions.MaxAge = 24 * time.Hour
	}
	if c.Events.BatchSize <= 0 {
		c.Events.BatchSize = 500
	}
	if c.Events.FlushInterval == 0 {
		c.Events.FlushInterval = 5 * time.Second
	}
	if c.Runtime.KubectlPath == "" {
		c.Runtime.KubectlPath = "kubectl"
	}
	for i := range c.Runtime.Servers {
		if c.Runtime.Servers[i].Transport == "" {
			c.Runtime.Servers[i].Transport = TransportHTTP
		}
		if c.Runtime.Servers[i].Namespace == "" {
			c.Runtime.Servers[i].Namespace = c.Runtime.Namespace
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "", "sqlite", "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, sqlite3, postgres", c.Database.Driver)
	}

	if c.Auth.RequireAuth && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth.require_auth is set")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch c.Trust.Mode {
	case "", TrustModeRestrictive, TrustModePermissive:
	default:
		return fmt.Errorf("trust.mode %q is not one of restrictive, permissive", c.Trust.Mode)
	}

	seen := make(map[string]bool, len(c.Runtime.Servers))
	for i, s := range c.Runtime.Servers {
		if s.ID == "" {
			return fmt.Errorf("runtime.servers[%d].id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("runtime.servers[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true

		switch s.Transport {
		case "", TransportHTTP:
			if s.URL == "" {
				return fmt.Errorf("runtime.servers[%d].url is required for http transport", i)
			}
		case TransportAttach:
			if s.Pod == "" {
				return fmt.Errorf("runtime.servers[%d].pod is required for attach transport", i)
			}
		default:
			return fmt.Errorf("runtime.servers[%d].transport %q is not one of http, attach", i, s.Transport)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.list_tools_timeout", cfg.Gateway.ListToolsTimeoutRaw, &cfg.Gateway.ListToolsTimeout},
		{"gateway.list_tools_cache_ttl", cfg.Gateway.ListToolsCacheTTLRaw, &cfg.Gateway.ListToolsCacheTTL},
		{"gateway.call_timeout", cfg.Gateway.CallTimeoutRaw, &cfg.Gateway.CallTimeout},
		{"templates.render_timeout", cfg.Templates.RenderTimeoutRaw, &cfg.Templates.RenderTimeout},
		{"sessions.max_age", cfg.Sessions.MaxAgeRaw, &cfg.Sessions.MaxAge},
		{"events.flush_interval", cfg.Events.FlushIntervalRaw, &cfg.Events.FlushInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
