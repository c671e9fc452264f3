package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/courier/internal/config"
	"github.com/harun/courier/internal/daemon"
	"github.com/harun/courier/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the courier server in the foreground",
	Long: `Run the courier server until SIGINT or SIGTERM.
The config file is watched and log level and rate limit changes are applied
without a restart.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if pid, err := daemon.RunningPID(cfg.DataDir); err == nil {
		return fmt.Errorf("daemon is already running (PID %d)", pid)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	configPath := config.NewLoader(cfgFile).GetConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		if err := d.WatchConfig(configPath); err != nil {
			log.Warn().Err(err).Str("path", configPath).Msg("Config hot reload disabled")
		}
	}

	d.Wait(cmd.Context())
	return nil
}
