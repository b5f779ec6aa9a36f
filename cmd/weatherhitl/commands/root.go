package commands

import (
	"github.com/MEKXH/weatherhitl/internal/config"
	"github.com/spf13/cobra"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weatherhitl",
		Short: "Weather agent with human-in-the-loop approval",
		Long: `weatherhitl answers weather questions through a tool-calling model.
Sensitive tool calls pause for a reviewer to approve, edit or reject them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" || cmd.Name() == "version" {
				return configureLogger(config.DefaultConfig(), logLevelOverride, false)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride, cmd.Name() == "chat")
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewInitCmd(),
		NewChatCmd(),
		NewServeCmd(),
		NewApprovalsCmd(),
		NewStatusCmd(),
		NewVersionCmd(),
	)

	return cmd
}
