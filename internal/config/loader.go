package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/xeipuuv/gojsonschema"
)

// EnvPrefix prefixes environment overrides, e.g. COURIER_GATEWAY_PORT.
const EnvPrefix = "COURIER"

//go:embed schema.json
var schemaJSON []byte

var configSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
})

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, if it exists, and applies environment
// overrides on top of the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	switch _, err := os.Stat(configPath); {
	case err == nil:
		if err := checkSchema(configPath); err != nil {
			return nil, err
		}
		v.SetConfigFile(configPath)
		if filepath.Ext(configPath) == "" {
			v.SetConfigType("json")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDefaultPaths(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)

	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.shared_secret", cfg.Gateway.SharedSecret)
	v.SetDefault("gateway.jwt_secret", cfg.Gateway.JWTSecret)
	v.SetDefault("gateway.allowed_origins", cfg.Gateway.AllowedOrigins)
	v.SetDefault("gateway.tick_interval", cfg.Gateway.TickInterval)
	v.SetDefault("gateway.requests_per_minute", cfg.Gateway.RequestsPerMinute)
	v.SetDefault("gateway.max_concurrent", cfg.Gateway.MaxConcurrent)

	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.path", cfg.Store.Path)

	v.SetDefault("delivery.send_buffer", cfg.Delivery.SendBuffer)
	v.SetDefault("delivery.push_timeout", cfg.Delivery.PushTimeout)
	v.SetDefault("delivery.write_timeout", cfg.Delivery.WriteTimeout)
	v.SetDefault("delivery.max_fanout", cfg.Delivery.MaxFanout)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)

	v.SetDefault("stats.schedule", cfg.Stats.Schedule)
}

// checkSchema validates the raw file, before defaults and env, against the
// embedded schema so unknown keys and wrong types are reported by path.
func checkSchema(configPath string) error {
	fv := viper.New()
	fv.SetConfigFile(configPath)
	if filepath.Ext(configPath) == "" {
		fv.SetConfigType("json")
	}
	if err := fv.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	schema, err := configSchema()
	if err != nil {
		return fmt.Errorf("failed to compile config schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(fv.AllSettings()))
	if err != nil {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("invalid config %s: %s", configPath, strings.Join(problems, "; "))
	}
	return nil
}

func applyDefaultPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".courier")
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "courier.log")
	}

	if cfg.Store.Path == "" {
		switch cfg.Store.Driver {
		case DriverSQLite:
			cfg.Store.Path = filepath.Join(cfg.DataDir, "courier.db")
		case DriverBadger:
			cfg.Store.Path = filepath.Join(cfg.DataDir, "messages")
		}
	}

	return nil
}

// Save writes cfg as indented JSON, replacing the file atomically
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".courier-config-*")
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".courier", "courier.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}

// LoadDotEnv loads environment files into the process environment. Missing
// files are skipped and variables already set are kept.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}
