package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.olrik.dev/wicman/internal/system"
)

// ScanError reports a failed scan. The cache keeps serving the previous
// snapshot.
type ScanError struct {
	Interface string
	Err       error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("Error scanning interface %s for connections: %v", e.Interface, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Cache holds the most recent scan snapshot and refreshes it once it is
// older than the validity window.
type Cache struct {
	mu         sync.Mutex
	iface      string
	tool       string
	validity   time.Duration
	runner     system.Runner
	link       system.Link
	networks   []Network
	capturedAt time.Time
	now        func() time.Time
}

func NewCache(iface, tool string, validity time.Duration, runner system.Runner, link system.Link) *Cache {
	return &Cache{
		iface:    iface,
		tool:     tool,
		validity: validity,
		runner:   runner,
		link:     link,
		now:      time.Now,
	}
}

// SetValidity changes the validity window for subsequent reads.
func (c *Cache) SetValidity(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validity = d
}

// Refresh scans unconditionally. On failure the previous snapshot and its
// timestamp are kept.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *Cache) refreshLocked(ctx context.Context) error {
	slog.Debug("Scanning available networks", "interface", c.iface)

	if err := c.link.Up(c.iface); err != nil {
		return err
	}

	out, err := c.runner.Run(ctx, c.tool, c.iface, "scan")
	if err != nil {
		scanErr := &ScanError{Interface: c.iface, Err: err}
		slog.Warn(scanErr.Error())
		return scanErr
	}

	c.networks = Parse(out)
	c.capturedAt = c.now()
	slog.Debug(fmt.Sprintf("Scan found %d networks", len(c.networks)))
	return nil
}

// Networks returns the snapshot, rescanning first when it has expired. A
// failed scan is logged and the stale snapshot is returned. When the
// interface cannot be brought up the error is returned instead.
func (c *Cache) Networks(ctx context.Context) ([]Network, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capturedAt.IsZero() || c.now().Sub(c.capturedAt) > c.validity {
		if err := c.refreshLocked(ctx); err != nil {
			var scanErr *ScanError
			if !errors.As(err, &scanErr) {
				return nil, err
			}
			slog.Debug("Serving previous scan snapshot", "error", err)
		}
	}
	return slices.Clone(c.networks), nil
}

// ESSIDs returns the names of the visible networks that reported one. An
// interface failure reads as no networks in range.
func (c *Cache) ESSIDs(ctx context.Context) []string {
	networks, err := c.Networks(ctx)
	if err != nil {
		slog.Warn(err.Error())
		return nil
	}
	var names []string
	for _, n := range networks {
		if n.Has(FieldESSID) {
			names = append(names, n.ESSID)
		}
	}
	return names
}

// Table renders the current snapshot.
func (c *Cache) Table(ctx context.Context) (string, error) {
	networks, err := c.Networks(ctx)
	if err != nil {
		return "", err
	}
	return Table(networks), nil
}
