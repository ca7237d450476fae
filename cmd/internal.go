package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.olrik.dev/wicman/internal/connection"
	"go.olrik.dev/wicman/internal/core"
	"go.olrik.dev/wicman/internal/system"
)

// NewInternalConnectCommand runs the connect sequence on behalf of the
// daemon. Its stderr becomes the failure detail reported to the client.
func NewInternalConnectCommand() *cobra.Command {
	var essid string

	internalCmd := &cobra.Command{
		Use:    "internal-connect CREDENTIAL",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(slog.New(slog.DiscardHandler))
		},
		Run: func(cmd *cobra.Command, args []string) {
			configPath, _ := cmd.Flags().GetString("configfile")
			cfg, err := core.LoadConfig(configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			seq := connection.SequenceConfig{
				Interface:  cfg.Interface,
				Supplicant: cfg.Tools.Supplicant,
				DHCP:       cfg.Tools.DHCP,
				Settle:     cfg.SettleDelay,
			}
			if err := connection.RunSequence(ctx, system.NewExecRunner(), system.NewLink(), seq, args[0]); err != nil {
				stop()
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}

	internalCmd.Flags().StringVar(&essid, "essid", "", "network being joined, for process listings")

	return internalCmd
}
