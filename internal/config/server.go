package config

import (
	"fmt"
	"os"
	"time"
)

// Server defaults.
const (
	DefaultListen               = ":9090"
	DefaultServerHeartbeat      = 30 * time.Second
	DefaultCommandWait          = 30 * time.Second
	DefaultServerAuthTimeout    = 10 * time.Second
	DefaultMaxConnections       = 10000
	DefaultClockSkew            = 5 * time.Minute
	defaultHeartbeatTimeoutMult = 3
)

// ServerConfig is the collector configuration.
type ServerConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
	// Apps maps app ids to their shared secrets.
	Apps map[string]string `yaml:"apps" toml:"apps"`

	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-" toml:"-"`
	AuthTimeout       time.Duration `yaml:"-" toml:"-"`
	CommandWait       time.Duration `yaml:"-" toml:"-"`
	// ClockSkew is how far agent clocks may drift when checking token times.
	ClockSkew         time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	AuthTimeoutRaw       string `yaml:"auth_timeout" toml:"auth_timeout"`
	CommandWaitRaw       string `yaml:"command_wait" toml:"command_wait"`
	ClockSkewRaw         string `yaml:"clock_skew" toml:"clock_skew"`

	MaxConnections int             `yaml:"max_connections" toml:"max_connections"`
	TLS            ServerTLSConfig `yaml:"tls" toml:"tls"`
	Logging        LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerTLSConfig enables wss:// when both files are set.
type ServerTLSConfig struct {
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
}

// Enabled reports whether TLS is configured.
func (t ServerTLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// LoadServer reads a collector configuration file. An empty path loads
// defaults and environment overrides only.
func LoadServer(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := parseDurations([]durationField{
		{"heartbeat_interval", cfg.HeartbeatIntervalRaw, &cfg.HeartbeatInterval},
		{"heartbeat_timeout", cfg.HeartbeatTimeoutRaw, &cfg.HeartbeatTimeout},
		{"auth_timeout", cfg.AuthTimeoutRaw, &cfg.AuthTimeout},
		{"command_wait", cfg.CommandWaitRaw, &cfg.CommandWait},
		{"clock_skew", cfg.ClockSkewRaw, &cfg.ClockSkew},
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

func (c *ServerConfig) applyEnv() {
	if v := os.Getenv(EnvListen); v != "" {
		c.Listen = v
	}
	appID, secret := os.Getenv(EnvAppID), os.Getenv(EnvAppSecret)
	if appID != "" && secret != "" {
		if c.Apps == nil {
			c.Apps = make(map[string]string)
		}
		c.Apps[appID] = secret
	}
}

func (c *ServerConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	setDefault(&c.HeartbeatInterval, DefaultServerHeartbeat)
	setDefault(&c.HeartbeatTimeout, defaultHeartbeatTimeoutMult*c.HeartbeatInterval)
	setDefault(&c.AuthTimeout, DefaultServerAuthTimeout)
	setDefault(&c.CommandWait, DefaultCommandWait)
	setDefault(&c.ClockSkew, DefaultClockSkew)
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	c.Logging.applyDefaults()
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if len(c.Apps) == 0 {
		return fmt.Errorf("apps must list at least one app_id and secret")
	}
	for id, secret := range c.Apps {
		if secret == "" {
			return fmt.Errorf("apps.%s has an empty secret", id)
		}
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout must be longer than heartbeat_interval")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	return c.Logging.validate()
}
