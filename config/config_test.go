package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, 5*time.Second, cfg.Router.ForwardTimeout)
	assert.False(t, cfg.Router.LazyResolve)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, `
server:
  host: 127.0.0.1
  port: 9090
  allowed_origins: ["https://app.example"]
channel:
  idle_ttl: 5m
router:
  forward_timeout: 2s
  lazy_resolve: true
  rate_limit_rps: 1.5
  rate_limit_ttl: 90s
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9090", cfg.Addr())
	assert.Equal(t, []string{"https://app.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 5*time.Minute, cfg.Channel.IdleTTL)
	assert.Equal(t, 2*time.Second, cfg.Router.ForwardTimeout)
	assert.True(t, cfg.Router.LazyResolve)
	assert.Equal(t, 1.5, cfg.Router.RateLimitRPS)
	assert.Equal(t, 90*time.Second, cfg.Router.RateLimitTTL)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Unset keys keep their defaults.
	assert.Equal(t, 256, cfg.Channel.SendBuffer)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfigNotFound)

	_, err = Load(writeFile(t, "server: [not, a, map]"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Load(writeFile(t, "server:\n  prot: 1\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig, "unknown keys are rejected")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(map[string]string{
		"RELAY_SERVER_PORT":            "7000",
		"RELAY_SERVER_ALLOWED_ORIGINS": "https://a.example,https://b.example",
		"RELAY_CHANNEL_SEND_BUFFER":    "32",
		"RELAY_ROUTER_FORWARD_TIMEOUT": "750ms",
		"RELAY_ROUTER_LAZY_RESOLVE":    "true",
		"RELAY_ROUTER_RATE_LIMIT_TTL":  "3m",
		"RELAY_LOG_LEVEL":              "warn",
		"RELAY_NGROK_DOMAIN":           "relay.ngrok.app",
		"UNRELATED_VARIABLE":           "ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 32, cfg.Channel.SendBuffer)
	assert.Equal(t, 750*time.Millisecond, cfg.Router.ForwardTimeout)
	assert.True(t, cfg.Router.LazyResolve)
	assert.Equal(t, 3*time.Minute, cfg.Router.RateLimitTTL)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "relay.ngrok.app", cfg.Ngrok.Domain)

	// Untouched fields survive.
	assert.Equal(t, 30*time.Minute, cfg.Channel.IdleTTL)
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(map[string]string{"RELAY_SERVER_PORT": "eighty"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"port out of range":     func(c *Config) { c.Server.Port = 70000 },
		"zero send buffer":      func(c *Config) { c.Channel.SendBuffer = 0 },
		"zero message size":     func(c *Config) { c.Channel.MaxMessageSize = 0 },
		"zero idle ttl":         func(c *Config) { c.Channel.IdleTTL = 0 },
		"zero cleanup interval": func(c *Config) { c.Channel.CleanupInterval = 0 },
		"zero forward timeout":  func(c *Config) { c.Router.ForwardTimeout = 0 },
		"negative rate":         func(c *Config) { c.Router.RateLimitRPS = -1 },
		"rate without burst":    func(c *Config) { c.Router.RateLimitRPS = 1; c.Router.RateLimitBurst = 0 },
		"rate without ttl":      func(c *Config) { c.Router.RateLimitRPS = 1; c.Router.RateLimitTTL = 0 },
		"unknown level":         func(c *Config) { c.Logging.Level = "loud" },
		"unknown format":        func(c *Config) { c.Logging.Format = "xml" },
		"ngrok without token":   func(c *Config) { c.Ngrok.Enabled = true },
		"zero shutdown timeout": func(c *Config) { c.Server.ShutdownTimeout = 0 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
