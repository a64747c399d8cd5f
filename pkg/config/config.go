package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration.
// The broker binary reads Server, Broker and Logging; the terminal
// clients read Tracker, Database and Logging.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Broker   BrokerConfig   `json:"broker" yaml:"broker"`
	Tracker  TrackerConfig  `json:"tracker" yaml:"tracker"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// ServerConfig contains HTTP and WebSocket server configuration.
type ServerConfig struct {
	// Port is the HTTP server port (default: 8080)
	Port int `json:"port" yaml:"port" validate:"gte=1,lte=65535"`

	// Host is the server bind address (default: "0.0.0.0")
	Host string `json:"host" yaml:"host"`

	// AllowedOrigins for CORS and WebSocket upgrades; empty allows any
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`

	// SendBuffer is the per-connection outbound queue length (default: 64)
	SendBuffer int `json:"send_buffer" yaml:"send_buffer" validate:"gte=1"`

	// InboundRatePerSecond limits client messages per connection (default: 20)
	InboundRatePerSecond float64 `json:"inbound_rate_per_second" yaml:"inbound_rate_per_second" validate:"gt=0"`

	// InboundBurst is the limiter burst size (default: 40)
	InboundBurst int `json:"inbound_burst" yaml:"inbound_burst" validate:"gte=1"`

	// PingIntervalSeconds is how often the server pings clients (default: 54)
	PingIntervalSeconds int `json:"ping_interval_seconds" yaml:"ping_interval_seconds" validate:"gte=1"`

	// PongWaitSeconds is how long a silent client is kept (default: 60).
	// Must exceed PingIntervalSeconds.
	PongWaitSeconds int `json:"pong_wait_seconds" yaml:"pong_wait_seconds" validate:"gtfield=PingIntervalSeconds"`

	// MaxMessageBytes caps inbound frames (default: 4096)
	MaxMessageBytes int64 `json:"max_message_bytes" yaml:"max_message_bytes" validate:"gte=128"`
}

// BrokerConfig contains subscription broker settings.
type BrokerConfig struct {
	// Shards is the number of topic shards (default: 32)
	Shards int `json:"shards" yaml:"shards" validate:"gte=1,lte=4096"`

	// CacheSize bounds the last-position cache (default: 4096)
	CacheSize int `json:"cache_size" yaml:"cache_size" validate:"gte=1"`

	// GeneratorIntervalSeconds is the publish period (default: 5)
	GeneratorIntervalSeconds float64 `json:"generator_interval_seconds" yaml:"generator_interval_seconds" validate:"gt=0"`

	Simulator SimulatorConfig `json:"simulator" yaml:"simulator"`
}

// SimulatorConfig configures the synthetic telemetry source.
type SimulatorConfig struct {
	// CenterLatitude in decimal degrees (-90 to +90)
	CenterLatitude float64 `json:"center_latitude" yaml:"center_latitude" validate:"gte=-90,lte=90"`

	// CenterLongitude in decimal degrees (-180 to +180)
	CenterLongitude float64 `json:"center_longitude" yaml:"center_longitude" validate:"gte=-180,lte=180"`

	// RadiusNM bounds where new flights appear (default: 150)
	RadiusNM float64 `json:"radius_nm" yaml:"radius_nm" validate:"gt=0"`

	// StepClimbChance is the per-sample probability of a step climb
	StepClimbChance float64 `json:"step_climb_chance" yaml:"step_climb_chance" validate:"gte=0,lte=1"`

	// Seed makes traffic reproducible; 0 picks a random seed
	Seed uint64 `json:"seed" yaml:"seed"`
}

// TrackerConfig contains client-side tracking settings.
type TrackerConfig struct {
	// BrokerURL is the broker's WebSocket endpoint
	BrokerURL string `json:"broker_url" yaml:"broker_url" validate:"required,url"`

	// Flights are tracked at startup
	Flights []string `json:"flights" yaml:"flights" validate:"dive,required"`

	// FallbackIntervalSeconds is the liveness check period (default: 30).
	// 0 disables the fallback probe.
	FallbackIntervalSeconds int `json:"fallback_interval_seconds" yaml:"fallback_interval_seconds" validate:"gte=0"`

	// ProbeTimeoutSeconds bounds a single probe (default: 5)
	ProbeTimeoutSeconds int `json:"probe_timeout_seconds" yaml:"probe_timeout_seconds" validate:"gte=1"`

	// ProbeRequestsPerSecond caps probes across all flights (default: 1)
	ProbeRequestsPerSecond float64 `json:"probe_requests_per_second" yaml:"probe_requests_per_second" validate:"gt=0"`

	// HistoryCapacity is the per-flight history length (default: 100)
	HistoryCapacity int `json:"history_capacity" yaml:"history_capacity" validate:"gte=1"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	// Enabled turns on persistence of tracked-flight preferences
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Host is the database server hostname
	Host string `json:"host" yaml:"host" validate:"required_if=Enabled true"`

	// Port is the database server port
	Port int `json:"port" yaml:"port" validate:"gte=0,lte=65535"`

	// Database is the database name
	Database string `json:"database" yaml:"database" validate:"required_if=Enabled true"`

	// Username for database authentication
	Username string `json:"username" yaml:"username"`

	// Password for database authentication (should be loaded from environment)
	Password string `json:"password" yaml:"password"`

	// SSLMode for PostgreSQL connections (disable, require, verify-ca, verify-full)
	SSLMode string `json:"ssl_mode" yaml:"ssl_mode" validate:"omitempty,oneof=disable require verify-ca verify-full"`

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int `json:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error (default: info)
	Level string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`

	// Format is text or json; file output is always json
	Format string `json:"format" yaml:"format" validate:"oneof=text json"`

	// File enables rotating file output when set
	File string `json:"file" yaml:"file"`

	// MaxSizeMB is the size at which the log file rotates (default: 64)
	MaxSizeMB int `json:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`

	// MaxBackups is the number of rotated files kept (default: 3)
	MaxBackups int `json:"max_backups" yaml:"max_backups" validate:"gte=0"`

	// MaxAgeDays removes rotated files older than this (0 keeps them)
	MaxAgeDays int `json:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
}

// Load reads configuration from a JSON or YAML file, chosen by extension.
// Missing fields keep their defaults, and a missing file yields
// DefaultConfig(). Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Fall through with defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func unmarshal(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

// Save writes the configuration to a file, as YAML for .yaml/.yml paths
// and indented JSON otherwise.
func (c *Config) Save(path string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks every section against its constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                 8080,
			Host:                 "0.0.0.0",
			SendBuffer:           64,
			InboundRatePerSecond: 20,
			InboundBurst:         40,
			PingIntervalSeconds:  54,
			PongWaitSeconds:      60,
			MaxMessageBytes:      4096,
		},
		Broker: BrokerConfig{
			Shards:                   32,
			CacheSize:                4096,
			GeneratorIntervalSeconds: 5,
			Simulator: SimulatorConfig{
				CenterLatitude:  40.6413, // JFK
				CenterLongitude: -73.7781,
				RadiusNM:        150,
				StepClimbChance: 0.05,
			},
		},
		Tracker: TrackerConfig{
			BrokerURL:               "ws://localhost:8080/ws",
			FallbackIntervalSeconds: 30,
			ProbeTimeoutSeconds:     5,
			ProbeRequestsPerSecond:  1,
			HistoryCapacity:         100,
		},
		Database: DatabaseConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         5432,
			Database:     "flightwatch",
			Username:     "flightwatch",
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 2,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  64,
			MaxBackups: 3,
		},
	}
}

// GeneratorInterval returns the publish period.
func (b BrokerConfig) GeneratorInterval() time.Duration {
	return time.Duration(b.GeneratorIntervalSeconds * float64(time.Second))
}

// PingInterval returns the server ping period.
func (s ServerConfig) PingInterval() time.Duration {
	return time.Duration(s.PingIntervalSeconds) * time.Second
}

// PongWait returns the client silence limit.
func (s ServerConfig) PongWait() time.Duration {
	return time.Duration(s.PongWaitSeconds) * time.Second
}

// FallbackInterval returns the liveness check period; negative means disabled.
func (t TrackerConfig) FallbackInterval() time.Duration {
	if t.FallbackIntervalSeconds == 0 {
		return -1
	}
	return time.Duration(t.FallbackIntervalSeconds) * time.Second
}

// ProbeTimeout returns the per-probe timeout.
func (t TrackerConfig) ProbeTimeout() time.Duration {
	return time.Duration(t.ProbeTimeoutSeconds) * time.Second
}

// applyEnvironmentOverrides applies environment variable overrides to the config.
// This allows sensitive data like passwords to be kept out of config files.
func (c *Config) applyEnvironmentOverrides() error {
	if port := os.Getenv("FLIGHTWATCH_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid FLIGHTWATCH_PORT %q: %w", port, err)
		}
		c.Server.Port = p
	}
	if url := os.Getenv("FLIGHTWATCH_BROKER_URL"); url != "" {
		c.Tracker.BrokerURL = url
	}
	if dbPassword := os.Getenv("FLIGHTWATCH_DB_PASSWORD"); dbPassword != "" {
		c.Database.Password = dbPassword
	}
	if level := os.Getenv("FLIGHTWATCH_LOG_LEVEL"); level != "" {
		c.Logging.Level = strings.ToLower(level)
	}
	return nil
}
