// Package supervise runs child processes in their own process group so a
// whole subtree can be bounded in time and killed, and terminates stray
// tool processes that run detached from the daemon.
package supervise

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by Wait when the child did not finish in time. The
// child's process group has been killed and the child reaped.
var ErrTimeout = errors.New("timed out")

const maxStderr = 64 * 1024

// Handle is a started child process.
type Handle struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	stderr *limitedBuffer
}

// Start launches cmd as the leader of a new process group. When cmd has no
// Stderr set, the child's stderr is captured and available from Stderr.
func Start(cmd *exec.Cmd) (*Handle, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	h := &Handle{cmd: cmd, done: make(chan struct{})}
	if cmd.Stderr == nil {
		h.stderr = &limitedBuffer{max: maxStderr}
		cmd.Stderr = h.stderr
	}
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = time.Second
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	go func() {
		err := cmd.Wait()
		if errors.Is(err, exec.ErrWaitDelay) {
			// Exited cleanly, a daemonized grandchild kept the pipe open.
			err = nil
		}
		h.err = err
		close(h.done)
	}()
	return h, nil
}

// Pid returns the child's process ID, which is also its process group ID.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Wait blocks until the child exits, the timeout passes or ctx is cancelled.
// On timeout or cancellation the process group is killed and the child is
// reaped before Wait returns.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		return h.err
	case <-timer.C:
		h.killGroup()
		<-h.done
		return ErrTimeout
	case <-ctx.Done():
		h.killGroup()
		<-h.done
		return ctx.Err()
	}
}

// Stderr returns what the child wrote to stderr, trimmed.
func (h *Handle) Stderr() string {
	if h.stderr == nil {
		return ""
	}
	return strings.TrimSpace(h.stderr.String())
}

func (h *Handle) killGroup() {
	pid := h.cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		slog.Warn("Failed to kill process group, killing leader", "pid", pid, "error", err)
		h.cmd.Process.Kill()
	}
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
