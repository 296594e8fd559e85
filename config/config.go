// Package config loads the relay configuration.
//
// Values are layered: Default, then an optional YAML file, then RELAY_*
// environment variables. Command-line flags are applied by the caller on
// top of the result, after which Validate must be called.
//
// Example file:
//
//	server:
//	  port: 8080
//	  allowed_origins: ["https://app.example"]
//	channel:
//	  idle_ttl: 30m
//	router:
//	  forward_timeout: 5s
//	  rate_limit_rps: 2
//	logging:
//	  level: debug
//	  format: json
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/wricardo/move-car-relay/logging"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RELAY_"

var (
	ErrConfigNotFound = errors.New("configuration not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

type Config struct {
	Server  ServerConfig  `yaml:"server"  envPrefix:"SERVER_"`
	Channel ChannelConfig `yaml:"channel" envPrefix:"CHANNEL_"`
	Router  RouterConfig  `yaml:"router"  envPrefix:"ROUTER_"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
	Ngrok   NgrokConfig   `yaml:"ngrok"   envPrefix:"NGROK_"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"             env:"HOST"`
	Port            int           `yaml:"port"             env:"PORT"`
	AllowedOrigins  []string      `yaml:"allowed_origins"  env:"ALLOWED_ORIGINS" envSeparator:","`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type ChannelConfig struct {
	SendBuffer      int           `yaml:"send_buffer"      env:"SEND_BUFFER"`
	MaxMessageSize  int64         `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	IdleTTL         time.Duration `yaml:"idle_ttl"         env:"IDLE_TTL"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

// RouterConfig tunes push forwarding. With LazyResolve set, a push to an
// unknown room creates the channel instead of answering 404.
type RouterConfig struct {
	ForwardTimeout time.Duration `yaml:"forward_timeout"  env:"FORWARD_TIMEOUT"`
	LazyResolve    bool          `yaml:"lazy_resolve"     env:"LAZY_RESOLVE"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"   env:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	RateLimitTTL   time.Duration `yaml:"rate_limit_ttl"   env:"RATE_LIMIT_TTL"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"  env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type NgrokConfig struct {
	Enabled   bool   `yaml:"enabled"   env:"ENABLED"`
	AuthToken string `yaml:"authtoken" env:"AUTHTOKEN"`
	Domain    string `yaml:"domain"    env:"DOMAIN"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Channel: ChannelConfig{
			SendBuffer:      256,
			MaxMessageSize:  4096,
			IdleTTL:         30 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Router: RouterConfig{
			ForwardTimeout: 5 * time.Second,
			RateLimitBurst: 5,
			RateLimitTTL:   10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a configuration from the defaults, the YAML file at path (if
// path is not empty) and the environment. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decodeYAML(data); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: parse yaml: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ApplyEnv overrides fields from RELAY_* variables. A nil environment reads
// the process environment.
func (c *Config) ApplyEnv(environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(c, opts); err != nil {
		return fmt.Errorf("%w: environment: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		fail("server.port %d out of range", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		fail("server.shutdown_timeout must be positive")
	}
	if c.Channel.SendBuffer <= 0 {
		fail("channel.send_buffer must be positive")
	}
	if c.Channel.MaxMessageSize <= 0 {
		fail("channel.max_message_size must be positive")
	}
	if c.Channel.IdleTTL <= 0 {
		fail("channel.idle_ttl must be positive")
	}
	if c.Channel.CleanupInterval <= 0 {
		fail("channel.cleanup_interval must be positive")
	}
	if c.Router.ForwardTimeout <= 0 {
		fail("router.forward_timeout must be positive")
	}
	if c.Router.RateLimitRPS < 0 {
		fail("router.rate_limit_rps must not be negative")
	}
	if c.Router.RateLimitRPS > 0 && c.Router.RateLimitBurst <= 0 {
		fail("router.rate_limit_burst must be positive when rate limiting is enabled")
	}
	if c.Router.RateLimitRPS > 0 && c.Router.RateLimitTTL <= 0 {
		fail("router.rate_limit_ttl must be positive when rate limiting is enabled")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		fail("logging.level: %v", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		fail("logging.format %q must be text or json", c.Logging.Format)
	}
	if c.Ngrok.Enabled && c.Ngrok.AuthToken == "" {
		fail("ngrok.authtoken is required when ngrok is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
