package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment variable, e.g. COURSECHAT_HTTP_PORT
const EnvPrefix = "COURSECHAT"

// FileEnv names the optional JSON config file
const FileEnv = EnvPrefix + "_CONFIG_FILE"

var validate = validator.New()

// Config is the full server configuration.
// Precedence: defaults < .env file < environment < JSON file.
type Config struct {
	Database  *DatabaseConfig  `json:"database" envconfig:"DATABASE" validate:"required"`
	Store     *StoreConfig     `json:"store" envconfig:"STORE" validate:"required"`
	HTTP      *HTTPConfig      `json:"http" envconfig:"HTTP" validate:"required"`
	WebSocket *WebSocketConfig `json:"websocket" envconfig:"WEBSOCKET" validate:"required"`
	Hub       *HubConfig       `json:"hub" envconfig:"HUB" validate:"required"`
	Chat      *ChatConfig      `json:"chat" envconfig:"CHAT" validate:"required"`
	Auth      *AuthConfig      `json:"auth" envconfig:"AUTH" validate:"required"`
	Log       *LogConfig       `json:"log" envconfig:"LOG" validate:"required"`
}

type DatabaseConfig struct {
	Path           string   `json:"path" envconfig:"PATH" validate:"required"`
	Timeout        Duration `json:"timeout" envconfig:"TIMEOUT"`
	MaxConnections int      `json:"max_connections" envconfig:"MAX_CONNECTIONS" validate:"min=1"`
}

// StoreConfig selects where chat messages live. Courses, enrollments and
// users always come from the SQLite database.
type StoreConfig struct {
	Backend    string `json:"backend" envconfig:"BACKEND" validate:"oneof=sqlite badger"`
	BadgerPath string `json:"badger_path" envconfig:"BADGER_PATH" validate:"required_if=Backend badger"`
}

type HTTPConfig struct {
	Host            string   `json:"host" envconfig:"HOST" validate:"required"`
	Port            int      `json:"port" envconfig:"PORT" validate:"min=0,max=65535"` // 0 picks a free port
	ReadTimeout     Duration `json:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    Duration `json:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	ShutdownTimeout Duration `json:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

type WebSocketConfig struct {
	PingInterval   Duration `json:"ping_interval" envconfig:"PING_INTERVAL"`
	ReadTimeout    Duration `json:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout   Duration `json:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	BufferSize     int      `json:"buffer_size" envconfig:"BUFFER_SIZE" validate:"min=1"`
	MaxMessageSize int64    `json:"max_message_size" envconfig:"MAX_MESSAGE_SIZE" validate:"min=256"`
	AllowedOrigins []string `json:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`

	MaxConnectionsPerUser int `json:"max_connections_per_user" envconfig:"MAX_CONNECTIONS_PER_USER" validate:"min=0"`
}

type HubConfig struct {
	Workers   int `json:"workers" envconfig:"WORKERS" validate:"min=1,max=256"`
	QueueSize int `json:"queue_size" envconfig:"QUEUE_SIZE" validate:"min=1"`
}

type ChatConfig struct {
	MaxBodyLength      int  `json:"max_body_length" envconfig:"MAX_BODY_LENGTH" validate:"min=1"`
	DefaultLimit       int  `json:"default_limit" envconfig:"DEFAULT_LIMIT" validate:"min=1,ltefield=MaxLimit"`
	MaxLimit           int  `json:"max_limit" envconfig:"MAX_LIMIT" validate:"min=1"`
	JoinRequiresAccess bool `json:"join_requires_access" envconfig:"JOIN_REQUIRES_ACCESS"`
	RateLimitPerMinute int  `json:"rate_limit_per_minute" envconfig:"RATE_LIMIT_PER_MINUTE" validate:"min=0"`
}

type AuthConfig struct {
	JWTSecret string   `json:"jwt_secret" envconfig:"JWT_SECRET" validate:"min=32"`
	Issuer    string   `json:"issuer" envconfig:"ISSUER"`
	TokenTTL  Duration `json:"token_ttl" envconfig:"TOKEN_TTL"`
}

type LogConfig struct {
	Level  string `json:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `json:"format" envconfig:"FORMAT" validate:"oneof=text json"`
}

// DefaultConfig returns production defaults. The JWT secret has no
// default and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./coursechat.db",
			Timeout:        Duration{30 * time.Second},
			MaxConnections: 10,
		},
		Store: &StoreConfig{
			Backend:    "sqlite",
			BadgerPath: "./coursechat-messages",
		},
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration{30 * time.Second},
			WriteTimeout:    Duration{30 * time.Second},
			ShutdownTimeout: Duration{10 * time.Second},
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   Duration{30 * time.Second},
			ReadTimeout:    Duration{60 * time.Second},
			WriteTimeout:   Duration{10 * time.Second},
			BufferSize:     100,
			MaxMessageSize: 4096,

			MaxConnectionsPerUser: 5,
		},
		Hub: &HubConfig{
			Workers:   4,
			QueueSize: 1024,
		},
		Chat: &ChatConfig{
			MaxBodyLength:      1000,
			DefaultLimit:       50,
			MaxLimit:           500,
			JoinRequiresAccess: true,
			RateLimitPerMinute: 30,
		},
		Auth: &AuthConfig{
			Issuer:   "coursechat",
			TokenTTL: Duration{24 * time.Hour},
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks field constraints and timing relationships
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	positive := map[string]Duration{
		"database timeout":        c.Database.Timeout,
		"HTTP read timeout":       c.HTTP.ReadTimeout,
		"HTTP write timeout":      c.HTTP.WriteTimeout,
		"HTTP shutdown timeout":   c.HTTP.ShutdownTimeout,
		"WebSocket ping interval": c.WebSocket.PingInterval,
		"WebSocket read timeout":  c.WebSocket.ReadTimeout,
		"WebSocket write timeout": c.WebSocket.WriteTimeout,
		"auth token TTL":          c.Auth.TokenTTL,
	}
	for name, d := range positive {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.WebSocket.PingInterval.Duration >= c.WebSocket.ReadTimeout.Duration {
		return errors.New("WebSocket ping interval must be shorter than the read timeout")
	}
	return nil
}

// Addr is the HTTP listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// Load builds the configuration from defaults, the optional .env file at
// dotEnvPath, COURSECHAT_* environment variables and finally the JSON file
// named by COURSECHAT_CONFIG_FILE.
func Load(dotEnvPath string) (*Config, error) {
	if dotEnvPath != "" {
		if err := godotenv.Load(dotEnvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", dotEnvPath, err)
		}
	}

	config, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}

	if path := os.Getenv(FileEnv); path != "" {
		if err := config.overlayFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFromEnv applies COURSECHAT_* variables over the defaults without validating
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return config, nil
}

// LoadFromFile applies a JSON file over the defaults and validates the result
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.overlayFile(path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// overlayFile decodes into the existing sections, so keys missing from the
// file keep their current values.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}
