package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and configuration",
	Long:  `Show whether the switchboard daemon is running, the effective configuration and how many sessions are stored.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	lm := daemon.NewLifecycleManager(cfg.DataDir, zerolog.Nop())
	if pid, err := lm.GetPID(); err == nil && lm.IsRunning() {
		fmt.Fprintf(out, "Status: running\n")
		fmt.Fprintf(out, "PID: %d\n", pid)
		if info, err := os.Stat(daemon.PIDFile(cfg.DataDir)); err == nil {
			fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
		}
	} else {
		fmt.Fprintln(out, "Status: stopped")
	}

	printConfig(out, cfg)

	store, err := daemon.OpenStore(cfg, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()
	keys, err := store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	fmt.Fprintf(out, "Sessions: %d\n", len(keys))
	return nil
}

func printConfig(out io.Writer, cfg *config.Config) {
	profiles := make([]string, 0, len(cfg.Providers.Profiles))
	for _, p := range cfg.Providers.Profiles {
		profiles = append(profiles, fmt.Sprintf("%s(%s)", p.ID, p.Provider))
	}
	if len(profiles) == 0 {
		profiles = append(profiles, "none")
	}

	fmt.Fprintf(out, "Data dir: %s\n", cfg.DataDir)
	fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "Providers: %s\n", strings.Join(profiles, ", "))
	fmt.Fprintf(out, "Max tool iterations: %d\n", cfg.Agent.MaxToolIterations)
	fmt.Fprintf(out, "Bus capacity: %d\n", cfg.Bus.Capacity)
	fmt.Fprintf(out, "Session backend: %s\n", cfg.Session.Backend)
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
