package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// probeRequestTimeout bounds one supervisor request, which may include a
// full connection attempt.
const probeRequestTimeout = 2 * time.Minute

// Reachability reports whether the reference host answers.
type Reachability interface {
	InternetReachable(ctx context.Context) bool
}

// Supervisor periodically checks the connection through the control socket
// and asks the daemon to autoconnect when the link is idle or dead. It never
// touches daemon state directly.
type Supervisor struct {
	socketPath string
	probe      Reachability
	send       func(ctx context.Context, socketPath, line string) (string, error)
	suppressed func() bool

	mu       sync.Mutex
	interval time.Duration
	reset    chan struct{}
	nudge    chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewSupervisor(socketPath string, interval time.Duration, probe Reachability) *Supervisor {
	return &Supervisor{
		socketPath: socketPath,
		probe:      probe,
		send:       SendCommand,
		suppressed: func() bool { return false },
		interval:   interval,
		reset:      make(chan struct{}, 1),
		nudge:      make(chan struct{}, 1),
	}
}

// Start launches the probe loop. An interval of zero disables it.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	if s.interval <= 0 {
		slog.Info("Reconnect supervisor disabled")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	slog.Info(fmt.Sprintf("Reconnect supervisor started, probing every %s", s.interval))
}

// Stop ends the probe loop and waits for a running probe to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// Nudge requests an immediate probe.
func (s *Supervisor) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// SetInterval changes the probe interval. Going from zero to a positive
// value needs a restart of the daemon.
func (s *Supervisor) SetInterval(d time.Duration) {
	s.mu.Lock()
	changed := s.interval != d
	s.interval = d
	running := s.cancel != nil
	s.mu.Unlock()

	if !changed {
		return
	}
	if !running && d > 0 {
		slog.Warn("Enabling the reconnect supervisor takes effect after a restart")
		return
	}
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

func (s *Supervisor) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Supervisor) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.currentInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reset:
			if d := s.currentInterval(); d > 0 {
				ticker.Reset(d)
			} else {
				slog.Info("Reconnect supervisor disabled")
				ticker.Stop()
			}
			continue
		case <-ticker.C:
		case <-s.nudge:
		}

		if s.suppressed() {
			slog.Debug("Skipping reconnect probe while the system sleeps")
			continue
		}
		s.tick(ctx)
	}
}

// tick runs one probe. A connected but unreachable link and an idle link
// both trigger an autoconnect. A link parked by the user is left alone.
func (s *Supervisor) tick(ctx context.Context) {
	name, err := s.request(ctx, FormatRequest(VerbConnectionName, "", "", 0))
	if err != nil {
		slog.Warn("Reconnect probe failed to query the daemon", "error", err)
		return
	}

	if name != "" {
		if s.probe.InternetReachable(ctx) {
			return
		}
		slog.Info(fmt.Sprintf("Connection to %s lost, reconnecting", name))
		s.autoconnect(ctx)
		return
	}

	state, err := s.request(ctx, FormatRequest(VerbState, "", "", 0))
	if err != nil {
		slog.Warn("Reconnect probe failed to query the daemon", "error", err)
		return
	}
	switch state {
	case StateIdle:
		slog.Info("Not connected, trying autoconnect")
		s.autoconnect(ctx)
	case StateParked:
		slog.Debug("Connection parked by request, not reconnecting")
	}
}

func (s *Supervisor) autoconnect(ctx context.Context) {
	resp, err := s.request(ctx, FormatRequest(VerbConnect, "", "", 0))
	if err != nil {
		slog.Warn("Reconnect request failed", "error", err)
		return
	}
	slog.Info(resp)
}

func (s *Supervisor) request(ctx context.Context, line string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeRequestTimeout)
	defer cancel()
	return s.send(ctx, s.socketPath, line)
}
