package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/switchboard/internal/daemon"
)

var interactive bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the switchboard daemon in the foreground",
	Long: `Start the switchboard daemon in the foreground.
With --interactive, stdin and stdout act as a chat channel; type "exit" to stop.
Otherwise the daemon runs until it receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "chat on stdin/stdout")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, !interactive)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.Options{
		Interactive: interactive,
		Stdin:       cmd.InOrStdin(),
		Stdout:      cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if interactive {
		fmt.Fprintf(cmd.OutOrStdout(), "switchboard %s - type /help for commands, exit to quit\n", daemon.Version)
	}
	return d.Run(ctx)
}
