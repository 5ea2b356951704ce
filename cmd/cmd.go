package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/sw965/cyclemae/envconfig"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cyclemae",
		Short: "Multi-domain masked autoencoder with cycle and contrastive losses",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: envconfig.LogLevel()})))
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewTrainCmd(),
		NewInspectCmd(),
	)
	return rootCmd
}
