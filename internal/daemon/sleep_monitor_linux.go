package daemon

import (
	"context"
	"log/slog"
	"os"

	"github.com/godbus/dbus/v5"
)

// Start listens for logind PrepareForSleep signals on the system bus. Without
// a system bus the monitor stays idle.
func (m *SleepMonitor) Start(ctx context.Context) {
	go func() {
		conn, err := dbus.SystemBus()
		if err != nil {
			if os.Getenv("DBUS_SYSTEM_BUS_ADDRESS") == "" {
				slog.Debug("D-Bus unavailable, sleep monitor disabled")
			} else {
				slog.Warn("Failed to connect to D-Bus for sleep monitoring", "error", err)
			}
			return
		}

		if err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath("/org/freedesktop/login1"),
			dbus.WithMatchInterface("org.freedesktop.login1.Manager"),
			dbus.WithMatchMember("PrepareForSleep"),
		); err != nil {
			slog.Warn("Failed to subscribe to PrepareForSleep signal", "error", err)
			return
		}

		signals := make(chan *dbus.Signal, 8)
		conn.Signal(signals)

		slog.Info("Sleep monitor started (D-Bus logind)")

		for {
			select {
			case <-ctx.Done():
				conn.RemoveSignal(signals)
				slog.Debug("Sleep monitor stopped")
				return
			case sig := <-signals:
				if sig == nil {
					return
				}
				entering, ok := prepareForSleep(sig)
				if !ok {
					continue
				}
				if entering {
					m.markSleep()
				} else {
					m.markWake()
				}
			}
		}
	}()
}

func prepareForSleep(sig *dbus.Signal) (entering, ok bool) {
	if sig.Name != "org.freedesktop.login1.Manager.PrepareForSleep" || len(sig.Body) < 1 {
		return false, false
	}
	entering, ok = sig.Body[0].(bool)
	return entering, ok
}
