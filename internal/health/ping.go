// Package health measures round-trip latency to the gateway and to a
// reference internet host.
package health

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"time"

	"go.olrik.dev/wicman/internal/system"
)

var summaryRe = regexp.MustCompile(`(?:rtt|round-trip) min/avg/max(?:/mdev|/stddev)? = [\d.]+/([\d.]+)/`)

// Pinger measures the average round trip to a host. Zero means unreachable.
type Pinger interface {
	Ping(ctx context.Context, host string) time.Duration
}

// PingTool runs the system ping program.
type PingTool struct {
	Tool   string
	Runner system.Runner
}

// Ping sends three echo requests with a two second reply timeout each and
// returns the average round trip.
func (p *PingTool) Ping(ctx context.Context, host string) time.Duration {
	if host == "" {
		return 0
	}
	out, err := p.Runner.Run(ctx, p.Tool, "-c", "3", "-W", "2", "-q", host)
	if err != nil {
		slog.Debug("Ping failed", "host", host, "error", err)
		return 0
	}
	return ParseAverage(out)
}

// ParseAverage extracts the average round trip from ping's summary line.
// Output without replies yields 0.
func ParseAverage(out []byte) time.Duration {
	m := summaryRe.FindSubmatch(out)
	if m == nil {
		return 0
	}
	ms, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}
