package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	psnet "github.com/shirou/gopsutil/v3/net"
	"go.olrik.dev/wicman/internal/autoconnect"
	"go.olrik.dev/wicman/internal/connection"
	"go.olrik.dev/wicman/internal/core"
	"go.olrik.dev/wicman/internal/credential"
	"go.olrik.dev/wicman/internal/db"
	"go.olrik.dev/wicman/internal/health"
	"go.olrik.dev/wicman/internal/scan"
	"go.olrik.dev/wicman/internal/supervise"
	"go.olrik.dev/wicman/internal/system"
)

const (
	requestReadTimeout = 10 * time.Second
	recentEventCount   = 5
)

// Deps are the system facing collaborators of the daemon.
type Deps struct {
	Runner    system.Runner
	Link      system.Link
	Killer    connection.Terminator
	Sequence  connection.SequenceFunc
	Pinger    health.Pinger
	Generator credential.Generator
}

// Daemon owns every component and answers control requests one at a time.
type Daemon struct {
	mu         sync.Mutex
	cfg        *core.Configuration
	socketPath string
	parked     bool // set by disc, cleared by conn

	link       system.Link
	scans      *scan.Cache
	store      *credential.Store
	conn       *connection.Controller
	registry   *autoconnect.Registry
	auto       *autoconnect.AutoConnector
	monitor    *health.Monitor
	history    *db.DB
	supervisor *Supervisor
	sleep      *SleepMonitor

	shutdownOnce sync.Once
}

// New builds a daemon driving the real system tools.
func New(cfg *core.Configuration) *Daemon {
	runner := system.NewExecRunner()
	return newDaemon(cfg, Deps{
		Runner:    runner,
		Link:      system.NewLink(),
		Killer:    supervise.NewKiller(),
		Sequence:  connection.SelfSequence(cfg.Path),
		Pinger:    &health.PingTool{Tool: cfg.Tools.Ping, Runner: runner},
		Generator: credential.NewGenerator(cfg.Generator, cfg.Tools.Passphrase, runner),
	})
}

func newDaemon(cfg *core.Configuration, deps Deps) *Daemon {
	d := &Daemon{
		cfg:        cfg,
		socketPath: cfg.SocketPath(),
		link:       deps.Link,
		scans:      scan.NewCache(cfg.Interface, cfg.Tools.Scan, cfg.CacheValidity, deps.Runner, deps.Link),
		store:      credential.NewStore(cfg.StorageDir, cfg.SafeMode, deps.Generator),
		registry:   autoconnect.NewRegistry(cfg.AutoconnectPath()),
		monitor:    health.NewMonitor(deps.Pinger, cfg.InternetHost),
	}
	d.conn = connection.NewController(connection.Options{
		Interface:  cfg.Interface,
		Timeout:    cfg.ConnectTimeout,
		Supplicant: cfg.Tools.Supplicant,
		DHCP:       cfg.Tools.DHCP,
	}, d.store, deps.Link, deps.Killer, deps.Sequence)
	d.auto = autoconnect.NewAutoConnector(d.registry, d.scans, d.conn)
	d.supervisor = NewSupervisor(d.socketPath, cfg.ProbeInterval, d.monitor)
	return d
}

// Serve accepts control connections until ctx is cancelled or the listener
// fails. Requests are handled strictly one after another.
func (d *Daemon) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("error accepting connection: %w", err)
		}
		d.handleConnection(ctx, conn)
	}
}

func (d *Daemon) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	logger := slog.With("request", uuid.NewString()[:8])

	conn.SetReadDeadline(time.Now().Add(requestReadTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		logger.Debug("Failed to read request", "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	resp := d.process(ctx, logger, strings.TrimRight(line, "\r\n"))
	if _, err := conn.Write([]byte(strings.TrimRight(resp, "\n") + "\n")); err != nil {
		logger.Warn(fmt.Sprintf("Failed to write response: %v", err))
	}
}

func (d *Daemon) process(ctx context.Context, logger *slog.Logger, line string) (resp string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while processing request", "panic", r)
			resp = "Internal error while processing request"
		}
	}()

	cmd, err := Parse(line)
	if err != nil {
		logger.Info(err.Error())
		return err.Error()
	}

	switch cmd.Verb {
	case VerbConnectionName, VerbState:
		logger.Debug(fmt.Sprintf("Executing command: %s", cmd.Redacted()))
	default:
		logger.Info(fmt.Sprintf("Executing command: %s", cmd.Redacted()))
	}

	return d.dispatch(ctx, cmd)
}

func (d *Daemon) dispatch(ctx context.Context, cmd Command) string {
	switch cmd.Verb {
	case VerbList:
		table, err := d.scans.Table(ctx)
		if err != nil {
			return err.Error()
		}
		return table
	case VerbShow:
		return d.show(ctx)
	case VerbDisconnect:
		d.setParked(true)
		return d.conn.Disconnect(ctx)
	case VerbConnect:
		return d.connect(ctx, cmd)
	case VerbAddAuto:
		msg, err := d.registry.Add(cmd.ESSID, cmd.Priority)
		if err != nil {
			return err.Error()
		}
		return msg
	case VerbDropAuto:
		msg, err := d.registry.Remove(cmd.ESSID)
		if err != nil {
			return err.Error()
		}
		return msg
	case VerbConfigure:
		if err := d.store.Generate(ctx, cmd.ESSID, cmd.Passphrase); err != nil {
			return credentialResponse(cmd.ESSID, err)
		}
		return "Configuration ok"
	case VerbHealth:
		state, _ := d.conn.Current()
		return d.monitor.Check(ctx, state.Gateway)
	case VerbConnectionName:
		state, ok := d.conn.Current()
		if !ok {
			return ""
		}
		return state.ESSID
	case VerbState:
		return d.state()
	case VerbReload:
		if err := d.reload(); err != nil {
			return err.Error()
		}
		return "Configuration reloaded"
	default:
		return "Your request is unsupported: " + cmd.Raw
	}
}

func (d *Daemon) connect(ctx context.Context, cmd Command) string {
	d.setParked(false)

	if cmd.ESSID == "" {
		return d.auto.AutoConnect(ctx)
	}

	if cmd.Passphrase != "" {
		if err := d.store.Generate(ctx, cmd.ESSID, cmd.Passphrase); err != nil {
			return credentialResponse(cmd.ESSID, err)
		}
	}

	msg, err := d.conn.Connect(ctx, cmd.ESSID)
	if errors.Is(err, credential.ErrMissing) {
		return credentialResponse(cmd.ESSID, err)
	}
	return msg
}

// credentialResponse answers a credential failure. A missing credential
// asks the client for a passphrase.
func credentialResponse(essid string, err error) string {
	if errors.Is(err, credential.ErrMissing) {
		slog.Debug("No usable configuration, asking client for a passphrase", "essid", essid)
		return NeedPassphrase
	}
	return err.Error()
}

func (d *Daemon) state() string {
	if _, ok := d.conn.Current(); ok {
		return StateConnected
	}
	if d.isParked() {
		return StateParked
	}
	return StateIdle
}

func (d *Daemon) setParked(parked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parked = parked
}

func (d *Daemon) isParked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parked
}

func (d *Daemon) show(ctx context.Context) string {
	var b strings.Builder

	state, connected := d.conn.Current()
	switch {
	case connected && state.Gateway != nil:
		fmt.Fprintf(&b, "Connected to %s (gateway %s)\n", state.ESSID, state.Gateway)
	case connected:
		fmt.Fprintf(&b, "Connected to %s\n", state.ESSID)
	case d.isParked():
		b.WriteString("Not connected (autoconnect paused)\n")
	default:
		b.WriteString("Not connected\n")
	}

	if line := interfaceCounters(ctx, d.cfg.Interface); line != "" {
		b.WriteString(line + "\n")
	}

	b.WriteString(d.monitor.Check(ctx, state.Gateway) + "\n")

	entries, err := d.registry.List()
	if err != nil {
		fmt.Fprintf(&b, "Unable to read autoconnect list: %v\n", err)
	} else {
		b.WriteString(autoconnect.Render(entries) + "\n")
	}

	b.WriteString(d.recentEvents())
	if line := d.lastStart(); line != "" {
		b.WriteString(line + "\n")
	}
	return b.String()
}

// lastStart describes when the running daemon was started.
func (d *Daemon) lastStart() string {
	if d.history == nil {
		return ""
	}
	events, err := d.history.GetRecentDaemonEvents(recentEventCount)
	if err != nil {
		slog.Warn("Failed to read daemon history", "error", err)
		return ""
	}
	for _, e := range events {
		if e.EventType == "start" {
			return fmt.Sprintf("wicmand started %s", humanize.Time(e.Timestamp))
		}
	}
	return ""
}

// interfaceCounters renders the traffic totals of iface, or nothing when the
// interface is unknown.
func interfaceCounters(ctx context.Context, iface string) string {
	counters, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		slog.Debug("Failed to read interface counters", "error", err)
		return ""
	}
	for _, c := range counters {
		if c.Name == iface {
			return fmt.Sprintf("Interface %s: %s received, %s sent",
				iface, humanize.Bytes(c.BytesRecv), humanize.Bytes(c.BytesSent))
		}
	}
	return ""
}

func (d *Daemon) recentEvents() string {
	if d.history == nil {
		return ""
	}
	events, err := d.history.GetRecentConnectionEvents(recentEventCount)
	if err != nil {
		slog.Warn("Failed to read connection history", "error", err)
		return ""
	}
	if len(events) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Recent events:\n")
	for _, e := range events {
		fmt.Fprintf(&b, "  %s\t%s\t%s", humanize.Time(e.Timestamp), e.EventType, e.ESSID)
		if e.Details != "" {
			fmt.Fprintf(&b, " (%s)", e.Details)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// reload re-reads the configuration file and applies the settings that can
// change while running.
func (d *Daemon) reload() error {
	d.mu.Lock()
	path := d.cfg.Path
	d.mu.Unlock()

	next, err := core.LoadConfig(path)
	if err != nil {
		slog.Error("Configuration file has errors, keeping previous configuration", "file", path, "error", err)
		return err
	}

	d.mu.Lock()
	prev := d.cfg
	d.cfg = next
	d.mu.Unlock()

	d.scans.SetValidity(next.CacheValidity)
	d.conn.SetTimeout(next.ConnectTimeout)
	d.monitor.SetInternetHost(next.InternetHost)
	d.store.SetSafeMode(next.SafeMode)
	d.supervisor.SetInterval(next.ProbeInterval)

	if next.Interface != prev.Interface || next.SocketDir != prev.SocketDir ||
		next.StorageDir != prev.StorageDir || next.Tools != prev.Tools || next.Generator != prev.Generator {
		slog.Warn("Interface, directory and tool changes take effect after a restart")
	}

	slog.Info("Configuration reloaded successfully")
	return nil
}
