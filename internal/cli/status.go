package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harun/courier/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show whether the courier daemon is running. When it is, the gateway
health endpoint is queried for connection counts.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "", "gateway base URL (default derived from the config)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	pid, err := daemon.RunningPID(cfg.DataDir)
	if errors.Is(err, daemon.ErrNotRunning) {
		yellow.Fprint(out, "Status: ")
		fmt.Fprintln(out, "stopped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	green.Fprint(out, "Status: ")
	fmt.Fprintln(out, "running")
	fmt.Fprintf(out, "PID:    %d\n", pid)

	// The PID file is written at startup
	if info, err := os.Stat(daemon.PIDFilePath(cfg.DataDir)); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	printHealth(out, newClient(cfg))
	return nil
}

func printHealth(out io.Writer, client *rpcClient) {
	green := color.New(color.FgGreen)

	health, err := client.Health()
	if err != nil {
		fmt.Fprint(out, "Gateway: ")
		color.New(color.FgRed).Fprintf(out, "UNREACHABLE (%v)\n", err)
		return
	}
	green.Fprint(out, "Gateway: ")
	fmt.Fprintf(out, "%s (%s)\n", health.Status, client.baseURL)
	fmt.Fprintf(out, "Clients: %d  Online users: %d  Joined handles: %d\n", health.Clients, health.Online, health.Joined)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
