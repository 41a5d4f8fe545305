package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv keeps the developer's environment out of the tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{EnvServer, EnvAppID, EnvAppSecret, EnvListen} {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "hello")
	t.Setenv("ANOTHER_VAR", "world")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"single var", "${TEST_VAR}", "hello"},
		{"multiple vars", "${TEST_VAR} ${ANOTHER_VAR}", "hello world"},
		{"embedded", "prefix_${TEST_VAR}_suffix", "prefix_hello_suffix"},
		{"missing var", "${MISSING_VAR}", ""},
		{"no vars", "plain text", "plain text"},
		{"bare dollar", "$TEST_VAR", "$TEST_VAR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnvVars(tt.input); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadClient_YAML(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_APP_SECRET", "from-env")

	path := writeConfig(t, "agent.yaml", `
server: wss://collector.example.com:9090/ws
app_id: "1"
app_secret: ${TEST_APP_SECRET}
agent_id: web-01
reconnect_interval: 5s
heartbeat_interval: 15s
commands:
  enabled: true
  dir: /opt/agent/commands
  timeout: 1m
reports:
  error_logs:
    - /var/log/app/error.log
  package_dirs:
    - /srv/app
logging:
  level: debug
  format: json
`)

	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}

	if cfg.Server != "wss://collector.example.com:9090/ws" {
		t.Errorf("Server = %q, want wss://collector.example.com:9090/ws", cfg.Server)
	}
	if cfg.AppSecret != "from-env" {
		t.Errorf("AppSecret = %q, want %q", cfg.AppSecret, "from-env")
	}
	if cfg.AgentID != "web-01" {
		t.Errorf("AgentID = %q, want %q", cfg.AgentID, "web-01")
	}
	if cfg.ReconnectInterval != 5*time.Second {
		t.Errorf("ReconnectInterval = %v, want 5s", cfg.ReconnectInterval)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 15s", cfg.HeartbeatInterval)
	}
	if cfg.AuthTimeout != DefaultAuthTimeout {
		t.Errorf("AuthTimeout = %v, want %v", cfg.AuthTimeout, DefaultAuthTimeout)
	}
	if !cfg.Commands.Enabled || cfg.Commands.Timeout != time.Minute {
		t.Errorf("Commands = %+v, want enabled with 1m timeout", cfg.Commands)
	}
	if len(cfg.Reports.ErrorLogs) != 1 || cfg.Reports.ErrorLogs[0] != "/var/log/app/error.log" {
		t.Errorf("Reports.ErrorLogs = %v", cfg.Reports.ErrorLogs)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
}

func TestLoadClient_TOML(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, "agent.toml", `
server = "ws://127.0.0.1:9091/ws"
app_id = "1"
app_secret = "s3cret"
agent_id = "node-7"
auth_timeout = "2s"

[tls]
insecure_skip_verify = true
`)

	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.AgentID != "node-7" {
		t.Errorf("AgentID = %q, want %q", cfg.AgentID, "node-7")
	}
	if cfg.AuthTimeout != 2*time.Second {
		t.Errorf("AuthTimeout = %v, want 2s", cfg.AuthTimeout)
	}
	if cfg.ReconnectInterval != DefaultReconnectInterval {
		t.Errorf("ReconnectInterval = %v, want %v", cfg.ReconnectInterval, DefaultReconnectInterval)
	}
	if !cfg.TLS.InsecureSkipVerify {
		t.Error("TLS.InsecureSkipVerify = false, want true")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want info/text defaults", cfg.Logging)
	}
}

func TestLoadClient_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvServer, "ws://override:9090/ws")
	t.Setenv(EnvAppID, "42")
	t.Setenv(EnvAppSecret, "env-secret")

	path := writeConfig(t, "agent.yaml", `
server: ws://file:9090/ws
app_id: "1"
app_secret: file-secret
agent_id: a
`)

	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.Server != "ws://override:9090/ws" || cfg.AppID != "42" || cfg.AppSecret != "env-secret" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadClient_EnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvServer, "ws://localhost:9090/ws")
	t.Setenv(EnvAppID, "1")
	t.Setenv(EnvAppSecret, "s")

	cfg, err := LoadClient("")
	if err != nil {
		t.Fatalf("LoadClient(\"\") error = %v", err)
	}
	host, _ := os.Hostname()
	if cfg.AgentID != host {
		t.Errorf("AgentID = %q, want hostname %q", cfg.AgentID, host)
	}
}

func TestLoadClient_ReconnectPolicy(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, "agent.yaml", `
server: ws://localhost:9090/ws
app_id: "1"
app_secret: s
agent_id: a
reconnect_policy: capped
reconnect_interval: 1s
reconnect_max: 30s
reports:
  identity_interval: 1m
`)
	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.ReconnectPolicy != ReconnectCapped || cfg.ReconnectMax != 30*time.Second {
		t.Errorf("ReconnectPolicy = %q, ReconnectMax = %v; want capped, 30s", cfg.ReconnectPolicy, cfg.ReconnectMax)
	}
	if cfg.Reports.IdentityInterval != time.Minute {
		t.Errorf("Reports.IdentityInterval = %v, want 1m", cfg.Reports.IdentityInterval)
	}

	path = writeConfig(t, "defaults.yaml", `
server: ws://localhost:9090/ws
app_id: "1"
app_secret: s
`)
	cfg, err = LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.ReconnectPolicy != ReconnectFixed {
		t.Errorf("ReconnectPolicy = %q, want %q", cfg.ReconnectPolicy, ReconnectFixed)
	}
	if cfg.Reports.IdentityInterval != DefaultIdentityInterval {
		t.Errorf("Reports.IdentityInterval = %v, want %v", cfg.Reports.IdentityInterval, DefaultIdentityInterval)
	}
}

func TestClientConfig_Validate(t *testing.T) {
	valid := func() ClientConfig {
		return ClientConfig{
			Server:    "ws://localhost:9090/ws",
			AppID:     "1",
			AppSecret: "s",
			AgentID:   "a",
			Logging:   LoggingConfig{Level: "info", Format: "text"},

			ReconnectPolicy:   ReconnectFixed,
			ReconnectInterval: time.Second,
			ReconnectMax:      time.Minute,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*ClientConfig)
		wantErr string
	}{
		{"valid", func(*ClientConfig) {}, ""},
		{"missing server", func(c *ClientConfig) { c.Server = "" }, "server is required"},
		{"missing app id", func(c *ClientConfig) { c.AppID = "" }, "app_id is required"},
		{"missing secret", func(c *ClientConfig) { c.AppSecret = "" }, "app_secret is required"},
		{"http scheme", func(c *ClientConfig) { c.Server = "http://localhost/ws" }, "ws or wss"},
		{"relative commands dir", func(c *ClientConfig) { c.Commands.Dir = "commands" }, "commands.dir"},
		{"relative trusted dir", func(c *ClientConfig) { c.Commands.TrustedDirs = []string{"bin"} }, "trusted_dirs"},
		{"bad log level", func(c *ClientConfig) { c.Logging.Level = "verbose" }, "logging.level"},
		{"unknown reconnect policy", func(c *ClientConfig) { c.ReconnectPolicy = "random" }, "reconnect_policy"},
		{"capped max below interval", func(c *ClientConfig) {
			c.ReconnectPolicy = ReconnectCapped
			c.ReconnectMax = time.Millisecond
		}, "reconnect_max"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadClient_Errors(t *testing.T) {
	clearEnv(t)

	if _, err := LoadClient(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadClient() with missing file: want error")
	}

	bad := writeConfig(t, "bad.yaml", "server: [unclosed")
	if _, err := LoadClient(bad); err == nil {
		t.Error("LoadClient() with invalid YAML: want error")
	}

	badDuration := writeConfig(t, "dur.yaml", `
server: ws://localhost/ws
app_id: "1"
app_secret: s
reconnect_interval: soon
`)
	_, err := LoadClient(badDuration)
	if err == nil || !strings.Contains(err.Error(), "reconnect_interval") {
		t.Errorf("LoadClient() with bad duration error = %v, want reconnect_interval error", err)
	}
}

func TestLoadServer(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, "collector.yaml", `
listen: ":9091"
apps:
  "1": s3cret
heartbeat_interval: 10s
command_wait: 5s
`)

	cfg, err := LoadServer(path)
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if cfg.Listen != ":9091" {
		t.Errorf("Listen = %q, want %q", cfg.Listen, ":9091")
	}
	if cfg.Apps["1"] != "s3cret" {
		t.Errorf("Apps = %v, want 1=s3cret", cfg.Apps)
	}
	if cfg.HeartbeatTimeout != 30*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 3x interval (30s)", cfg.HeartbeatTimeout)
	}
	if cfg.CommandWait != 5*time.Second {
		t.Errorf("CommandWait = %v, want 5s", cfg.CommandWait)
	}
	if cfg.MaxConnections != DefaultMaxConnections {
		t.Errorf("MaxConnections = %d, want %d", cfg.MaxConnections, DefaultMaxConnections)
	}
	if cfg.TLS.Enabled() {
		t.Error("TLS.Enabled() = true, want false")
	}
	if cfg.ClockSkew != DefaultClockSkew {
		t.Errorf("ClockSkew = %v, want %v", cfg.ClockSkew, DefaultClockSkew)
	}
}

func TestLoadServer_TOMLWithEnvApp(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAppID, "2")
	t.Setenv(EnvAppSecret, "env-secret")
	t.Setenv(EnvListen, "127.0.0.1:7000")

	path := writeConfig(t, "collector.toml", `
clock_skew = "30s"

[apps]
"1" = "file-secret"
`)

	cfg, err := LoadServer(path)
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if len(cfg.Apps) != 2 || cfg.Apps["2"] != "env-secret" {
		t.Errorf("Apps = %v, want file app plus env app", cfg.Apps)
	}
	if cfg.Listen != "127.0.0.1:7000" {
		t.Errorf("Listen = %q, want env override", cfg.Listen)
	}
	if cfg.ClockSkew != 30*time.Second {
		t.Errorf("ClockSkew = %v, want 30s", cfg.ClockSkew)
	}
}

func TestServerConfig_Validate(t *testing.T) {
	clearEnv(t)

	if _, err := LoadServer(""); err == nil || !strings.Contains(err.Error(), "apps") {
		t.Errorf("LoadServer(\"\") error = %v, want apps error", err)
	}

	path := writeConfig(t, "collector.yaml", `
apps:
  "1": s
heartbeat_interval: 30s
heartbeat_timeout: 10s
`)
	if _, err := LoadServer(path); err == nil || !strings.Contains(err.Error(), "heartbeat_timeout") {
		t.Errorf("LoadServer() error = %v, want heartbeat_timeout error", err)
	}

	path = writeConfig(t, "tls.yaml", `
apps:
  "1": s
tls:
  cert_file: /etc/cert.pem
`)
	if _, err := LoadServer(path); err == nil || !strings.Contains(err.Error(), "tls") {
		t.Errorf("LoadServer() error = %v, want tls error", err)
	}
}
