package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Client defaults.
const (
	DefaultReconnectInterval = 3 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultAuthTimeout       = 10 * time.Second
	DefaultCommandTimeout    = 30 * time.Second
	DefaultReconnectMax      = time.Minute
	DefaultIdentityInterval  = 5 * time.Minute
)

// Reconnect policies.
const (
	ReconnectFixed  = "fixed"
	ReconnectCapped = "capped"
)

// ClientConfig is the agent configuration.
type ClientConfig struct {
	Server    string `yaml:"server" toml:"server"`
	AppID     string `yaml:"app_id" toml:"app_id"`
	AppSecret string `yaml:"app_secret" toml:"app_secret"`
	// AgentID defaults to the hostname, or a random id when that is unavailable.
	AgentID string `yaml:"agent_id" toml:"agent_id"`

	ReconnectInterval time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	AuthTimeout       time.Duration `yaml:"-" toml:"-"`

	// ReconnectPolicy is "fixed" (default) or "capped", which doubles the
	// wait after each failed attempt up to ReconnectMax.
	ReconnectPolicy string        `yaml:"reconnect_policy" toml:"reconnect_policy"`
	ReconnectMax    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ReconnectIntervalRaw string `yaml:"reconnect_interval" toml:"reconnect_interval"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	AuthTimeoutRaw       string `yaml:"auth_timeout" toml:"auth_timeout"`
	ReconnectMaxRaw      string `yaml:"reconnect_max" toml:"reconnect_max"`

	Commands CommandsConfig  `yaml:"commands" toml:"commands"`
	Reports  ReportsConfig   `yaml:"reports" toml:"reports"`
	TLS      ClientTLSConfig `yaml:"tls" toml:"tls"`
	Logging  LoggingConfig   `yaml:"logging" toml:"logging"`
}

// CommandsConfig controls remote command execution.
type CommandsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// Dir holds agent-specific commands and is searched first.
	Dir string `yaml:"dir" toml:"dir"`
	// TrustedDirs replaces the default system directories.
	TrustedDirs []string `yaml:"trusted_dirs" toml:"trusted_dirs"`
	MaxOutput   int      `yaml:"max_output" toml:"max_output"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// ReportsConfig selects what the agent reports besides its identity.
type ReportsConfig struct {
	ErrorLogs    []string `yaml:"error_logs" toml:"error_logs"`
	ErrorPattern string   `yaml:"error_pattern" toml:"error_pattern"`
	PackageDirs  []string `yaml:"package_dirs" toml:"package_dirs"`

	// IdentityInterval resends the identity report while online.
	IdentityInterval    time.Duration `yaml:"-" toml:"-"`
	IdentityIntervalRaw string        `yaml:"identity_interval" toml:"identity_interval"`
}

// ClientTLSConfig configures wss:// connections.
type ClientTLSConfig struct {
	CAFile             string `yaml:"ca_file" toml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
}

// LoadClient reads an agent configuration file. An empty path loads
// defaults and environment overrides only.
func LoadClient(path string) (*ClientConfig, error) {
	var cfg ClientConfig
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := parseDurations([]durationField{
		{"reconnect_interval", cfg.ReconnectIntervalRaw, &cfg.ReconnectInterval},
		{"heartbeat_interval", cfg.HeartbeatIntervalRaw, &cfg.HeartbeatInterval},
		{"auth_timeout", cfg.AuthTimeoutRaw, &cfg.AuthTimeout},
		{"reconnect_max", cfg.ReconnectMaxRaw, &cfg.ReconnectMax},
		{"reports.identity_interval", cfg.Reports.IdentityIntervalRaw, &cfg.Reports.IdentityInterval},
		{"commands.timeout", cfg.Commands.TimeoutRaw, &cfg.Commands.Timeout},
	}); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *ClientConfig) applyEnv() {
	if v := os.Getenv(EnvServer); v != "" {
		c.Server = v
	}
	if v := os.Getenv(EnvAppID); v != "" {
		c.AppID = v
	}
	if v := os.Getenv(EnvAppSecret); v != "" {
		c.AppSecret = v
	}
}

func (c *ClientConfig) applyDefaults() {
	if c.AgentID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.AgentID = host
		} else {
			c.AgentID = "agent-" + uuid.NewString()
		}
	}
	setDefault(&c.ReconnectInterval, DefaultReconnectInterval)
	setDefault(&c.HeartbeatInterval, DefaultHeartbeatInterval)
	setDefault(&c.AuthTimeout, DefaultAuthTimeout)
	setDefault(&c.Commands.Timeout, DefaultCommandTimeout)
	setDefault(&c.ReconnectMax, DefaultReconnectMax)
	setDefault(&c.Reports.IdentityInterval, DefaultIdentityInterval)
	if c.ReconnectPolicy == "" {
		c.ReconnectPolicy = ReconnectFixed
	}
	c.Logging.applyDefaults()
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *ClientConfig) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("server is required")
	}
	if c.AppID == "" {
		return fmt.Errorf("app_id is required")
	}
	if c.AppSecret == "" {
		return fmt.Errorf("app_secret is required")
	}

	u, err := url.Parse(c.Server)
	if err != nil {
		return fmt.Errorf("server is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server must use ws or wss scheme")
	}
	switch c.ReconnectPolicy {
	case ReconnectFixed:
	case ReconnectCapped:
		if c.ReconnectMax < c.ReconnectInterval {
			return fmt.Errorf("reconnect_max must not be shorter than reconnect_interval")
		}
	default:
		return fmt.Errorf("reconnect_policy must be fixed or capped (got %q)", c.ReconnectPolicy)
	}
	if c.Commands.Dir != "" && !filepath.IsAbs(c.Commands.Dir) {
		return fmt.Errorf("commands.dir must be an absolute path")
	}
	for _, dir := range c.Commands.TrustedDirs {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("commands.trusted_dirs entry %q must be an absolute path", dir)
		}
	}
	return c.Logging.validate()
}
