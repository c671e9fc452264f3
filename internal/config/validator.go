package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePort validates a listen port. Port 0 picks a free port.
func (v *Validator) ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("gateway.port must be between 0 and 65535, got %d", port)
	}
	return nil
}

// ValidateStoreDriver validates a store driver name
func (v *Validator) ValidateStoreDriver(driver string) error {
	validDrivers := []string{DriverMemory, DriverSQLite, DriverBadger}
	if slices.Contains(validDrivers, driver) {
		return nil
	}
	return fmt.Errorf("invalid store driver: %s (must be one of: %s)", driver, strings.Join(validDrivers, ", "))
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	if slices.Contains(validLevels, level) {
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSchedule validates a cron schedule. Empty is allowed.
func (v *Validator) ValidateSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid stats.schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateOrigin validates an allowed origin entry
func (v *Validator) ValidateOrigin(origin string) error {
	if origin == "*" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid allowed origin: %q", origin)
	}
	return nil
}

func nonNegative(name string, value int) error {
	if value < 0 {
		return fmt.Errorf("%s must be >= 0", name)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.ValidatePort(cfg.Gateway.Port))
	for _, origin := range cfg.Gateway.AllowedOrigins {
		add(v.ValidateOrigin(origin))
	}
	add(nonNegative("gateway.tick_interval", cfg.Gateway.TickInterval))
	add(nonNegative("gateway.requests_per_minute", cfg.Gateway.RequestsPerMinute))
	add(nonNegative("gateway.max_concurrent", cfg.Gateway.MaxConcurrent))

	add(v.ValidateStoreDriver(cfg.Store.Driver))
	if cfg.Store.Driver != DriverMemory && strings.TrimSpace(cfg.Store.Path) == "" {
		add(fmt.Errorf("store.path is required for driver %s", cfg.Store.Driver))
	}

	add(nonNegative("delivery.send_buffer", cfg.Delivery.SendBuffer))
	add(nonNegative("delivery.push_timeout", cfg.Delivery.PushTimeout))
	add(nonNegative("delivery.write_timeout", cfg.Delivery.WriteTimeout))
	add(nonNegative("delivery.max_fanout", cfg.Delivery.MaxFanout))

	add(v.ValidateLogLevel(cfg.Logging.Level))
	add(nonNegative("logging.max_size", cfg.Logging.MaxSize))
	add(nonNegative("logging.max_age", cfg.Logging.MaxAge))

	add(v.ValidateSchedule(cfg.Stats.Schedule))

	return errs
}
