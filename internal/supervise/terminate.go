package supervise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Terminate sends SIGTERM to a process and falls back to SIGKILL once
// timeout has passed. It polls with signal 0 rather than waiting, so it
// works for processes that are not our children.
func Terminate(p *os.Process, timeout time.Duration, label string) error {
	if err := p.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		slog.Warn(fmt.Sprintf("Failed to send SIGTERM to %s, forcing kill", label), "error", err)
		return p.Kill()
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := p.Signal(syscall.Signal(0)); err != nil {
			slog.Debug(fmt.Sprintf("Process %s terminated gracefully", label))
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	slog.Warn(fmt.Sprintf("Process %s did not exit within %v, forcing kill", label, timeout))
	if err := p.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}

	time.Sleep(100 * time.Millisecond)
	if err := p.Signal(syscall.Signal(0)); err == nil {
		slog.Error(fmt.Sprintf("Process %s survived SIGKILL", label))
		return fmt.Errorf("process survived SIGKILL")
	}
	return nil
}

// Killer terminates tool processes bound to an interface. The supplicant
// and DHCP client daemonize, so they are found by name rather than tracked
// as children.
type Killer struct {
	Timeout time.Duration
}

func NewKiller() *Killer {
	return &Killer{Timeout: 3 * time.Second}
}

// TerminateBound terminates every process whose executable name is one of
// names and whose arguments reference iface. It returns how many processes
// were terminated.
func (k *Killer) TerminateBound(ctx context.Context, iface string, names ...string) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list processes: %w", err)
	}

	self := int32(os.Getpid())
	var errs []error
	count := 0
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || !slices.Contains(names, name) {
			continue
		}
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || !referencesInterface(args, iface) {
			continue
		}

		osProc, err := os.FindProcess(int(p.Pid))
		if err != nil {
			continue
		}
		label := fmt.Sprintf("%s (pid %d)", name, p.Pid)
		if err := Terminate(osProc, k.Timeout, label); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
			continue
		}
		count++
	}
	return count, errors.Join(errs...)
}

func referencesInterface(args []string, iface string) bool {
	if len(args) < 2 {
		return false
	}
	for _, arg := range args[1:] {
		if arg == iface || arg == "-i"+iface {
			return true
		}
	}
	return false
}
