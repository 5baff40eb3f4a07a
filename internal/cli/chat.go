package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/switchboard/internal/daemon"
)

var (
	chatMessage string
	chatSession string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Send one message and print the reply",
	Long: `Send one message through the agent loop without starting channels.
History is kept under the given session key, so repeated calls continue
the same conversation.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "message to send")
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "cli:direct:user", "session key")
	_ = chatCmd.MarkFlagRequired("message")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, _ []string) error {
	if strings.TrimSpace(chatMessage) == "" {
		return fmt.Errorf("message cannot be empty")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// stdout is reserved for the reply.
	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.Options{})
	if err != nil {
		return err
	}
	defer d.Close()

	reply, err := d.Agent().ProcessDirect(cmd.Context(), chatMessage, chatSession)
	fmt.Fprintln(cmd.OutOrStdout(), reply)
	return err
}
