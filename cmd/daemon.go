package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.olrik.dev/wicman/internal/core"
	"go.olrik.dev/wicman/internal/daemon"
)

func NewDaemonCommand() *cobra.Command {
	var noDaemon, status, kill bool

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the wicmand daemon",
		Long: `Run the wicmand daemon. It must run as root, manages the configured
wireless interface and answers client requests on its control socket.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			configPath, _ := cmd.Flags().GetString("configfile")
			verbose, _ := cmd.Flags().GetBool("verbose")

			cfg, err := core.LoadConfig(configPath)
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}

			if status {
				fmt.Println(daemon.Status(cfg.PIDFilePath()))
				return
			}

			if err := daemon.CheckPrivileges(); err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}

			if kill {
				if err := daemon.Kill(cfg.PIDFilePath()); err != nil {
					slog.Error(err.Error())
					os.Exit(1)
				}
				return
			}

			if err := daemon.ReplaceRunning(cfg.PIDFilePath()); err != nil {
				slog.Warn(fmt.Sprintf("Failed to stop previous instance: %v", err))
			}

			if !noDaemon {
				pid, err := daemon.Detach(os.Args[1:])
				if err != nil {
					slog.Error(err.Error())
					os.Exit(1)
				}
				fmt.Printf("wicmand started (pid %d)\n", pid)
				return
			}

			os.Exit(runDaemon(cfg, verbose))
		},
	}

	daemonCmd.Flags().BoolVarP(&noDaemon, "no-daemon", "n", false, "Stay in the foreground")
	daemonCmd.Flags().BoolVar(&status, "status", false, "Report whether the daemon is running")
	daemonCmd.Flags().BoolVar(&kill, "kill", false, "Stop the running daemon")
	daemonCmd.MarkFlagsMutuallyExclusive("status", "kill", "no-daemon")

	return daemonCmd
}

// runDaemon serves until SIGTERM or SIGINT and returns the exit code.
func runDaemon(cfg *core.Configuration, verbose bool) int {
	logs := daemon.SetupLogging(verbose, cfg.LogFile)
	defer logs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info(fmt.Sprintf("Starting wicmand %s on %s", core.FormatVersion(core.Version), cfg.Interface))
	if err := daemon.New(cfg).Run(ctx); err != nil {
		slog.Error(fmt.Sprintf("Fatal: %v", err))
		return 1
	}
	slog.Info("wicmand stopped")
	return 0
}
