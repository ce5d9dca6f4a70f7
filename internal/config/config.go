package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. LIVELOC_HTTP_PORT.
const EnvPrefix = "LIVELOC_"

// Token directory backends.
const (
	TokenBackendMemory = "memory"
	TokenBackendSQLite = "sqlite"
	TokenBackendRedis  = "redis"
)

// Notification dispatcher backends.
const (
	NotifyBackendLog  = "log"
	NotifyBackendNATS = "nats"
)

// Config is the full server configuration. Precedence is defaults, then the
// config file, then LIVELOC_* environment variables.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http" envPrefix:"HTTP_"`
	WebSocket WebSocketConfig `mapstructure:"websocket" envPrefix:"WEBSOCKET_"`
	Auth      AuthConfig      `mapstructure:"auth" envPrefix:"AUTH_"`
	Session   SessionConfig   `mapstructure:"session" envPrefix:"SESSION_"`
	Hub       HubConfig       `mapstructure:"hub" envPrefix:"HUB_"`
	Tokens    TokensConfig    `mapstructure:"tokens" envPrefix:"TOKENS_"`
	Notify    NotifyConfig    `mapstructure:"notify" envPrefix:"NOTIFY_"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Log       LogConfig       `mapstructure:"log" envPrefix:"LOG_"`
}

type HTTPConfig struct {
	Host            string        `mapstructure:"host" env:"HOST"`
	Port            int           `mapstructure:"port" env:"PORT"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval" env:"PING_INTERVAL"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" env:"WRITE_TIMEOUT"`
	SendBuffer     int           `mapstructure:"send_buffer" env:"SEND_BUFFER"`
	MaxMessageSize int64         `mapstructure:"max_message_size" env:"MAX_MESSAGE_SIZE"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string        `mapstructure:"issuer" env:"ISSUER"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" env:"TOKEN_TTL"`
}

type SessionConfig struct {
	DefaultDuration time.Duration `mapstructure:"default_duration" env:"DEFAULT_DURATION"`
	MaxDuration     time.Duration `mapstructure:"max_duration" env:"MAX_DURATION"`
	MaxRecipients   int           `mapstructure:"max_recipients" env:"MAX_RECIPIENTS"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout" env:"DISPATCH_TIMEOUT"`
}

type HubConfig struct {
	EventBuffer int `mapstructure:"event_buffer" env:"EVENT_BUFFER"`
}

type TokensConfig struct {
	Backend       string `mapstructure:"backend" env:"BACKEND"`
	SQLitePath    string `mapstructure:"sqlite_path" env:"SQLITE_PATH"`
	RedisAddr     string `mapstructure:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"redis_password" env:"REDIS_PASSWORD"`
	RedisKey      string `mapstructure:"redis_key" env:"REDIS_KEY"`
}

type NotifyConfig struct {
	Backend     string `mapstructure:"backend" env:"BACKEND"`
	NATSURL     string `mapstructure:"nats_url" env:"NATS_URL"`
	NATSSubject string `mapstructure:"nats_subject" env:"NATS_SUBJECT"`
}

// RateLimitConfig bounds inbound frames per identity per minute; 0 disables it.
type RateLimitConfig struct {
	EventsPerMinute int `mapstructure:"events_per_minute" env:"EVENTS_PER_MINUTE"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" env:"LEVEL"`
	Format string `mapstructure:"format" env:"FORMAT"`
}

// DefaultConfig returns settings suitable for a single-node deployment.
// Auth.JWTSecret has no default and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   5 * time.Second,
			SendBuffer:     100,
			MaxMessageSize: 64 * 1024,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Session: SessionConfig{
			DefaultDuration: time.Hour,
			MaxDuration:     24 * time.Hour,
			MaxRecipients:   50,
			DispatchTimeout: 10 * time.Second,
		},
		Hub: HubConfig{
			EventBuffer: 1000,
		},
		Tokens: TokensConfig{
			Backend:    TokenBackendMemory,
			SQLitePath: "./data/livelocation.db",
			RedisKey:   "livelocation:device-tokens",
		},
		Notify: NotifyConfig{
			Backend:     NotifyBackendLog,
			NATSURL:     "nats://127.0.0.1:4222",
			NATSSubject: "livelocation.push",
		},
		RateLimit: RateLimitConfig{
			EventsPerMinute: 600,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Address is the listen address for the HTTP server.
func (c *Config) Address() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("WebSocket send buffer must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth JWT secret is required")
	}

	if c.Session.DefaultDuration <= 0 {
		return fmt.Errorf("session default duration must be positive")
	}
	if c.Session.MaxDuration < c.Session.DefaultDuration {
		return fmt.Errorf("session max duration must be at least the default duration")
	}
	if c.Session.MaxRecipients <= 0 {
		return fmt.Errorf("session max recipients must be positive")
	}

	if c.Hub.EventBuffer <= 0 {
		return fmt.Errorf("hub event buffer must be positive")
	}

	switch c.Tokens.Backend {
	case TokenBackendMemory:
	case TokenBackendSQLite:
		if c.Tokens.SQLitePath == "" {
			return fmt.Errorf("tokens sqlite path is required for the sqlite backend")
		}
	case TokenBackendRedis:
		if c.Tokens.RedisAddr == "" {
			return fmt.Errorf("tokens redis address is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown tokens backend %q", c.Tokens.Backend)
	}

	switch c.Notify.Backend {
	case NotifyBackendLog:
	case NotifyBackendNATS:
		if c.Notify.NATSURL == "" || c.Notify.NATSSubject == "" {
			return fmt.Errorf("notify nats url and subject are required for the nats backend")
		}
	default:
		return fmt.Errorf("unknown notify backend %q", c.Notify.Backend)
	}

	if c.RateLimit.EventsPerMinute < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	return nil
}

// LoadFromFile overlays a JSON, YAML or TOML file onto the defaults. Durations
// are written as strings such as "30s".
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFromEnv overlays LIVELOC_* environment variables onto the defaults.
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

// Load resolves defaults, then path (when non-empty), then the environment,
// and validates the result.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
