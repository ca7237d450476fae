package connection

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"go.olrik.dev/wicman/internal/system"
)

// SequenceConfig names the tools and timing of the connect sequence.
type SequenceConfig struct {
	Interface  string
	Supplicant string
	DHCP       string
	Settle     time.Duration
}

// RunSequence brings the link up, starts the supplicant in the background
// with the configuration at confPath, waits for the association to settle
// and then requests an address.
func RunSequence(ctx context.Context, runner system.Runner, link system.Link, cfg SequenceConfig, confPath string) error {
	if err := link.Up(cfg.Interface); err != nil {
		return err
	}

	slog.Debug("Starting supplicant", "interface", cfg.Interface)
	if _, err := runner.Run(ctx, cfg.Supplicant, "-B", "-i", cfg.Interface, "-c", confPath); err != nil {
		return fmt.Errorf("supplicant failed: %w", err)
	}

	if cfg.Settle > 0 {
		select {
		case <-time.After(cfg.Settle):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	slog.Debug("Requesting address", "interface", cfg.Interface)
	if _, err := runner.Run(ctx, cfg.DHCP, cfg.Interface); err != nil {
		return fmt.Errorf("DHCP failed: %w", err)
	}
	return nil
}

// SelfSequence runs the connect sequence in a re-executed copy of the
// current binary, through its hidden internal-connect command.
func SelfSequence(configPath string) SequenceFunc {
	return func(essid, confPath string) *exec.Cmd {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		return exec.Command(exe, "internal-connect", "--configfile", configPath, "--essid", essid, confPath)
	}
}
