package config

import (
	"encoding/json"
	"errors"
	"time"
)

// Config represents the main courier configuration
type Config struct {
	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Message store
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Live delivery
	Delivery DeliveryConfig `json:"delivery" mapstructure:"delivery"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Periodic stats reporting
	Stats StatsConfig `json:"stats" mapstructure:"stats"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// GatewayConfig holds the network front configuration
type GatewayConfig struct {
	Host              string   `json:"host" mapstructure:"host"`
	Port              int      `json:"port" mapstructure:"port"`
	SharedSecret      string   `json:"shared_secret" mapstructure:"shared_secret"`
	JWTSecret         string   `json:"jwt_secret" mapstructure:"jwt_secret"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty" mapstructure:"allowed_origins"`
	TickInterval      int      `json:"tick_interval" mapstructure:"tick_interval"` // milliseconds, 0 disables
	RequestsPerMinute int      `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int      `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// StoreConfig selects the message store backend
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // memory, sqlite, badger
	Path   string `json:"path" mapstructure:"path"`
}

// DeliveryConfig tunes live pushes
type DeliveryConfig struct {
	SendBuffer   int `json:"send_buffer" mapstructure:"send_buffer"`
	PushTimeout  int `json:"push_timeout" mapstructure:"push_timeout"`   // milliseconds
	WriteTimeout int `json:"write_timeout" mapstructure:"write_timeout"` // milliseconds
	MaxFanout    int `json:"max_fanout" mapstructure:"max_fanout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"`
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// StatsConfig schedules the stats reporter. An empty schedule disables it.
type StatsConfig struct {
	Schedule string `json:"schedule" mapstructure:"schedule"`
}

// Store drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			TickInterval:      30000,
			RequestsPerMinute: 120,
			MaxConcurrent:     10,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
		},
		Delivery: DeliveryConfig{
			SendBuffer:   64,
			PushTimeout:  5000,
			WriteTimeout: 10000,
			MaxFanout:    16,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Stats: StatsConfig{
			Schedule: "@every 1m",
		},
	}
}

// TickDuration returns the tick interval as a duration.
func (g GatewayConfig) TickDuration() time.Duration {
	return time.Duration(g.TickInterval) * time.Millisecond
}

// PushTimeoutDuration returns the per-push timeout as a duration.
func (d DeliveryConfig) PushTimeoutDuration() time.Duration {
	return time.Duration(d.PushTimeout) * time.Millisecond
}

// WriteTimeoutDuration returns the socket write timeout as a duration.
func (d DeliveryConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(d.WriteTimeout) * time.Millisecond
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	if masked.Gateway.JWTSecret != "" {
		masked.Gateway.JWTSecret = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
