package daemon

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/shirou/gopsutil/v3/process"
)

// IsDaemonProcess reports whether pid is a live wicman daemon. It guards
// against PID reuse after a stale PID file.
func IsDaemonProcess(pid int) bool {
	if pid <= 0 {
		return false
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		slog.Debug("Process not found", "pid", pid)
		return false
	}

	args, err := p.CmdlineSlice()
	if err != nil {
		slog.Debug("Failed to get process command line", "pid", pid, "error", err)
		return false
	}

	if !isDaemonCmdline(args, selfName()) {
		slog.Debug("Process command line mismatch", "pid", pid, "actual", args)
		return false
	}
	return true
}

func selfName() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Base(os.Args[0])
	}
	return filepath.Base(exe)
}

// isDaemonCmdline matches "<exeName> ... daemon ...". Connect helpers are
// excluded since an ESSID may be spelled "daemon".
func isDaemonCmdline(args []string, exeName string) bool {
	if len(args) < 2 || filepath.Base(args[0]) != exeName {
		return false
	}
	if slices.Contains(args[1:], "internal-connect") {
		return false
	}
	return slices.Contains(args[1:], "daemon")
}
