package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/courier/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write the default configuration to the config path.
An existing file is kept unless --force is given.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", configPath)
	fmt.Fprintln(out, "You can now start courier with: courier serve")
	return nil
}
