package health

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Monitor reports link health for the show and health requests.
type Monitor struct {
	mu     sync.Mutex
	pinger Pinger
	host   string
}

func NewMonitor(pinger Pinger, internetHost string) *Monitor {
	return &Monitor{pinger: pinger, host: internetHost}
}

// SetInternetHost changes the reference host.
func (m *Monitor) SetInternetHost(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.host = host
}

// InternetHost returns the reference host.
func (m *Monitor) InternetHost() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host
}

// InternetReachable pings the reference host.
func (m *Monitor) InternetReachable(ctx context.Context) bool {
	return m.pinger.Ping(ctx, m.InternetHost()) > 0
}

// Check pings the gateway, when known, and the reference host and renders
// one line per target.
func (m *Monitor) Check(ctx context.Context, gateway net.IP) string {
	host := m.InternetHost()

	var gwLine string
	var wg sync.WaitGroup
	if gateway != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gwLine = fmt.Sprintf("Gateway %s: %s", gateway, formatLatency(m.pinger.Ping(ctx, gateway.String())))
		}()
	} else {
		gwLine = "Gateway: unknown (not connected)"
	}

	inetLine := fmt.Sprintf("Internet (%s): %s", host, formatLatency(m.pinger.Ping(ctx, host)))
	wg.Wait()

	return strings.Join([]string{gwLine, inetLine}, "\n")
}

func formatLatency(d time.Duration) string {
	if d <= 0 {
		return "unreachable"
	}
	return fmt.Sprintf("%.1f ms", float64(d)/float64(time.Millisecond))
}
