package cli

import (
	"github.com/spf13/cobra"

	"github.com/harun/courier/internal/config"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
	envFile  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Courier - persist-then-push chat relay",
	Long: `Courier stores one-to-one text messages and relays them to the
recipient's live connections. It serves a WebSocket live channel, JSON-RPC
over WebSocket and HTTP, and the classic REST message routes.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile == "" {
			return config.LoadDotEnv()
		}
		return config.LoadDotEnv(envFile)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.courier/courier.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "environment file to load before the config (default is .env)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// loadConfig reads the config selected by --config and applies --log-level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
