package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.olrik.dev/wicman/internal/core"
	"go.olrik.dev/wicman/internal/db"
	"go.olrik.dev/wicman/internal/supervise"
	"golang.org/x/sys/unix"
)

const (
	shutdownTimeout  = 10 * time.Second
	historyRetention = 30 * 24 * time.Hour
)

// replaceTimeout bounds how long a previous instance gets to exit.
var replaceTimeout = 5 * time.Second

// ErrNotRunning is returned when no live daemon owns the PID file.
var ErrNotRunning = errors.New("wicmand is not running")

// PrivilegeError reports a daemon started without root privileges.
type PrivilegeError struct {
	EUID int
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("wicmand must run as root (effective uid %d)", e.EUID)
}

// CheckPrivileges fails unless the process runs as root.
func CheckPrivileges() error {
	if euid := unix.Geteuid(); euid != 0 {
		return &PrivilegeError{EUID: euid}
	}
	return nil
}

// ReadPID returns the PID stored in path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", path, err)
	}
	return pid, nil
}

// WritePID stores pid in path, creating the directory when needed.
func WritePID(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

// RunningPID returns the PID of the live daemon recorded in pidFile.
func RunningPID(pidFile string) (int, bool) {
	pid, err := ReadPID(pidFile)
	if err != nil {
		return 0, false
	}
	return pid, isDaemon(pid)
}

// isDaemon is replaced in tests.
var isDaemon = IsDaemonProcess

// Status describes whether a daemon is running. It has no side effects.
func Status(pidFile string) string {
	if pid, ok := RunningPID(pidFile); ok {
		return fmt.Sprintf("wicmand is up (pid %d)", pid)
	}
	return "wicmand is down"
}

// Kill sends SIGTERM to the running daemon.
func Kill(pidFile string) error {
	pid, ok := RunningPID(pidFile)
	if !ok {
		return ErrNotRunning
	}
	slog.Info(fmt.Sprintf("Stopping wicmand (pid %d)", pid))
	return unix.Kill(pid, unix.SIGTERM)
}

// ReplaceRunning stops a live previous instance and waits for it to exit.
// Stale PID files are ignored.
func ReplaceRunning(pidFile string) error {
	pid, ok := RunningPID(pidFile)
	if !ok || pid == os.Getpid() {
		return nil
	}

	slog.Info(fmt.Sprintf("Replacing running wicmand (pid %d)", pid))
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return supervise.Terminate(p, replaceTimeout, fmt.Sprintf("wicmand (pid %d)", pid))
}

// Detach starts the daemon again in a new session with stdio on /dev/null
// and returns the child's PID. The child owns the PID file.
func Detach(args []string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to locate executable: %w", err)
	}

	cmd := exec.Command(exe, append(args, "--no-daemon")...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		slog.Debug("Failed to release daemon process", "error", err)
	}
	return pid, nil
}

// Listen creates the control socket, replacing a stale socket file left by
// a crashed instance. The socket is world writable; access is limited by
// the permissions of its directory.
func Listen(socketPath string) (net.Listener, error) {
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		if _, statErr := os.Stat(socketPath); statErr != nil {
			return nil, fmt.Errorf("could not create socket listener: %w", err)
		}
		conn, dialErr := net.Dial("unix", socketPath)
		if dialErr == nil {
			conn.Close()
			return nil, errors.New("daemon is already running")
		}
		slog.Info(fmt.Sprintf("Removing stale socket file: %s", socketPath))
		if removeErr := os.Remove(socketPath); removeErr != nil {
			return nil, fmt.Errorf("could not remove stale socket: %w", removeErr)
		}
		if listener, err = net.Listen("unix", socketPath); err != nil {
			return nil, fmt.Errorf("could not create socket listener: %w", err)
		}
	}

	if err := os.Chmod(socketPath, 0o666); err != nil {
		listener.Close()
		return nil, fmt.Errorf("could not set socket permissions: %w", err)
	}
	return listener, nil
}

// Run brings the interface up, autoconnects and serves control requests
// until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.cfg

	if err := d.store.EnsureDir(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.SocketDir, 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	d.openHistory()
	defer d.shutdown()

	if err := WritePID(cfg.PIDFilePath(), os.Getpid()); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer os.Remove(cfg.PIDFilePath())

	if err := d.link.Up(cfg.Interface); err != nil {
		return err
	}
	if err := d.scans.Refresh(ctx); err != nil {
		slog.Warn(err.Error())
	}
	d.auto.AutoConnect(ctx)

	listener, err := Listen(cfg.SocketPath())
	if err != nil {
		return err
	}
	defer os.Remove(cfg.SocketPath())
	slog.Info(fmt.Sprintf("Daemon listening on %s", cfg.SocketPath()))

	d.sleep = NewSleepMonitor(d.supervisor.Nudge)
	d.supervisor.suppressed = d.sleep.IsSuppressed
	d.sleep.Start(ctx)
	d.supervisor.Start(ctx)
	d.watchConfig(ctx)
	d.handleHangup(ctx)

	return d.Serve(ctx, listener)
}

func (d *Daemon) openHistory() {
	history, err := db.Open(d.cfg.HistoryPath())
	if err != nil {
		slog.Error("Failed to open history database", "error", err, "path", d.cfg.HistoryPath())
		return
	}
	d.history = history
	d.conn.SetEventLogger(history)
	d.auto.SetHistory(history)
	slog.Info("History database opened", "path", d.cfg.HistoryPath())

	if n, err := history.Prune(time.Now().Add(-historyRetention)); err != nil {
		slog.Warn("Failed to prune history", "error", err)
	} else if n > 0 {
		slog.Debug(fmt.Sprintf("Pruned %d old history events", n))
	}

	details := fmt.Sprintf("daemon started - version: %s, PID: %d, interface: %s", core.FormatVersion(core.Version), os.Getpid(), d.cfg.Interface)
	if err := history.LogDaemonEvent("start", details); err != nil {
		slog.Error("Failed to log daemon start", "error", err)
	}
}

// handleHangup turns SIGHUP into a reload request.
func (d *Daemon) handleHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				slog.Info("SIGHUP received, reloading configuration")
				d.requestReload(ctx)
			}
		}
	}()
}

// requestReload sends a reload request through the control socket so the
// listener stays the only place that changes daemon state.
func (d *Daemon) requestReload(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, probeRequestTimeout)
	defer cancel()

	resp, err := SendCommand(ctx, d.socketPath, string(VerbReload))
	if err != nil {
		slog.Warn("Failed to request configuration reload", "error", err)
		return
	}
	slog.Debug("Reload request answered", "response", resp)
}

func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		slog.Info("Executing shutdown sequence...")

		d.supervisor.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		d.conn.Disconnect(ctx)

		if d.history == nil {
			return
		}
		details := fmt.Sprintf("daemon stopped - version: %s, PID: %d", core.FormatVersion(core.Version), os.Getpid())
		if err := d.history.LogDaemonEvent("stop", details); err != nil {
			slog.Error("Failed to log daemon stop event", "error", err)
		}
		if err := d.history.Flush(); err != nil {
			slog.Error("Failed to flush database during shutdown", "error", err)
		}
		if err := d.history.Close(); err != nil {
			slog.Error("Failed to close database during shutdown", "error", err)
		} else {
			slog.Info("Database closed successfully")
		}
	})
}
