// Package connection owns the association with one wireless network: it
// tears down the previous link, runs the connect sequence under a deadline
// and tracks the result.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.olrik.dev/wicman/internal/credential"
	"go.olrik.dev/wicman/internal/db"
	"go.olrik.dev/wicman/internal/supervise"
	"go.olrik.dev/wicman/internal/system"
)

// Phase is the controller's position in the connect life cycle.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseDisconnecting Phase = "disconnecting"
	PhaseConnecting    Phase = "connecting"
	PhaseConnected     Phase = "connected"
	PhaseTimedOut      Phase = "timed-out"
	PhaseFailed        Phase = "failed"
)

// State describes the current association.
type State struct {
	ESSID   string
	Gateway net.IP
}

// Credentials is the view of the credential store the controller needs.
type Credentials interface {
	Exists(essid string) bool
	Path(essid string) string
}

// Terminator stops tool processes bound to an interface.
type Terminator interface {
	TerminateBound(ctx context.Context, iface string, names ...string) (int, error)
}

// EventLogger records connection history.
type EventLogger interface {
	LogConnectionEvent(essid, eventType, details string) error
}

// SequenceFunc builds the command that performs the connect sequence for a
// network whose configuration file is confPath. The command runs as a
// separate process so that it can be killed as a group on timeout.
type SequenceFunc func(essid, confPath string) *exec.Cmd

// Options configures a Controller.
type Options struct {
	Interface  string
	Timeout    time.Duration
	Supplicant string
	DHCP       string
}

// ConnectError reports a connect sequence that failed before the deadline.
type ConnectError struct {
	ESSID  string
	Detail string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("Unable to connect to %s: %s", e.ESSID, e.Detail)
}

// Controller serializes connect and disconnect requests for one interface.
type Controller struct {
	mu       sync.Mutex
	opts     Options
	creds    Credentials
	link     system.Link
	killer   Terminator
	sequence SequenceFunc
	events   EventLogger

	state State
	phase Phase
}

func NewController(opts Options, creds Credentials, link system.Link, killer Terminator, sequence SequenceFunc) *Controller {
	return &Controller{
		opts:     opts,
		creds:    creds,
		link:     link,
		killer:   killer,
		sequence: sequence,
		phase:    PhaseIdle,
	}
}

// SetEventLogger enables history recording.
func (c *Controller) SetEventLogger(l EventLogger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = l
}

// SetTimeout changes the connect deadline for subsequent attempts.
func (c *Controller) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.Timeout = d
}

// Current returns the active association, if any.
func (c *Controller) Current() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.phase == PhaseConnected
}

// Phase returns the controller's life cycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Disconnect terminates the supplicant and DHCP client on the managed
// interface and clears the state. It is idempotent.
func (c *Controller) Disconnect(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked(ctx)
	return "Disconnected"
}

func (c *Controller) disconnectLocked(ctx context.Context) {
	previous := c.state.ESSID
	wasConnected := c.phase == PhaseConnected
	c.phase = PhaseDisconnecting

	n, err := c.killer.TerminateBound(ctx, c.opts.Interface, c.toolNames()...)
	if err != nil {
		slog.Warn("Failed to terminate network tools", "interface", c.opts.Interface, "error", err)
	} else if n > 0 {
		slog.Debug(fmt.Sprintf("Terminated %d network tool processes", n), "interface", c.opts.Interface)
	}

	c.state = State{}
	c.phase = PhaseIdle

	if wasConnected {
		slog.Info(fmt.Sprintf("Disconnected from %s", previous))
		c.logEvent(previous, db.EventDisconnect, "")
	}
}

// Connect associates with essid using its stored configuration. Without a
// stored configuration it returns credential.ErrMissing and touches
// neither the link nor any tool. Otherwise the returned message describes
// the outcome; the error is non-nil when the attempt did not succeed.
func (c *Controller) Connect(ctx context.Context, essid string) (string, error) {
	if !c.creds.Exists(essid) {
		return "", credential.ErrMissing
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.disconnectLocked(ctx)
	c.phase = PhaseConnecting
	slog.Info(fmt.Sprintf("Connecting to %s", essid), "interface", c.opts.Interface)

	cmd := c.sequence(essid, c.creds.Path(essid))
	h, err := supervise.Start(cmd)
	if err != nil {
		c.phase = PhaseFailed
		connErr := &ConnectError{ESSID: essid, Detail: err.Error()}
		c.logEvent(essid, db.EventFailure, err.Error())
		return connErr.Error(), connErr
	}
	slog.Debug(fmt.Sprintf("Connect sequence running as pid %d", h.Pid()), "essid", essid)

	err = h.Wait(ctx, c.opts.Timeout)
	switch {
	case err == nil:
	case errors.Is(err, supervise.ErrTimeout):
		// The supplicant daemonizes out of the child's process group.
		c.cleanupTools(ctx)
		c.phase = PhaseTimedOut
		msg := fmt.Sprintf("Unable to connect after %d seconds, giving up!", int(c.opts.Timeout.Seconds()))
		slog.Warn(msg, "essid", essid)
		c.logEvent(essid, db.EventTimeout, "")
		return msg, fmt.Errorf("connect to %s: %w", essid, supervise.ErrTimeout)
	default:
		c.cleanupTools(ctx)
		c.phase = PhaseFailed
		detail := h.Stderr()
		if detail == "" {
			detail = err.Error()
		}
		connErr := &ConnectError{ESSID: essid, Detail: detail}
		slog.Warn(connErr.Error())
		c.logEvent(essid, db.EventFailure, detail)
		return connErr.Error(), connErr
	}

	gw, err := c.link.DefaultGateway(c.opts.Interface)
	if err != nil {
		slog.Debug("No default gateway after connect", "interface", c.opts.Interface, "error", err)
		gw = nil
	}
	c.state = State{ESSID: essid, Gateway: gw}
	c.phase = PhaseConnected

	msg := fmt.Sprintf("Connected to %s", essid)
	slog.Info(msg, "gateway", gw)
	details := ""
	if gw != nil {
		details = "gateway " + gw.String()
	}
	c.logEvent(essid, db.EventConnect, details)
	return msg, nil
}

func (c *Controller) cleanupTools(ctx context.Context) {
	if _, err := c.killer.TerminateBound(ctx, c.opts.Interface, c.toolNames()...); err != nil {
		slog.Warn("Failed to clean up network tools", "interface", c.opts.Interface, "error", err)
	}
}

func (c *Controller) toolNames() []string {
	return []string{filepath.Base(c.opts.Supplicant), filepath.Base(c.opts.DHCP)}
}

func (c *Controller) logEvent(essid, eventType, details string) {
	if c.events == nil {
		return
	}
	if err := c.events.LogConnectionEvent(essid, eventType, details); err != nil {
		slog.Warn("Failed to record connection event", "error", err)
	}
}
