package autoconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.olrik.dev/wicman/internal/credential"
	"go.olrik.dev/wicman/internal/db"
)

// Visible lists the ESSIDs currently in range.
type Visible interface {
	ESSIDs(ctx context.Context) []string
}

// Connector joins a network by ESSID.
type Connector interface {
	Connect(ctx context.Context, essid string) (string, error)
}

// History reports the last recorded connection event of a network.
type History interface {
	GetLastConnectionEvent(essid string) (*db.ConnectionEvent, error)
}

// AutoConnector joins the best visible network from the registry.
type AutoConnector struct {
	registry  *Registry
	visible   Visible
	connector Connector

	mu      sync.Mutex
	history History
}

func NewAutoConnector(registry *Registry, visible Visible, connector Connector) *AutoConnector {
	return &AutoConnector{registry: registry, visible: visible, connector: connector}
}

// SetHistory makes candidates whose last attempt failed rank behind every
// other visible candidate.
func (a *AutoConnector) SetHistory(h History) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = h
}

// AutoConnect resolves a candidate and connects to it. The returned message
// is always suitable for the requesting client.
func (a *AutoConnector) AutoConnect(ctx context.Context) string {
	entry, err := a.resolve(a.visible.ESSIDs(ctx))
	if err != nil {
		msg := fmt.Sprintf("Unable to autoconnect: %v", err)
		if errors.Is(err, ErrNoNetworks) || errors.Is(err, ErrNoCandidates) {
			msg += "!"
		}
		slog.Info(msg)
		return msg
	}

	slog.Info(fmt.Sprintf("Autoconnecting to %s (priority %d)", entry.ESSID, entry.Priority))
	msg, err := a.connector.Connect(ctx, entry.ESSID)
	if errors.Is(err, credential.ErrMissing) {
		msg = fmt.Sprintf("Unable to autoconnect to %s: no stored configuration", entry.ESSID)
		slog.Warn(msg)
	}
	return msg
}

// resolve picks the best visible entry, trying networks whose last attempt
// failed or timed out only when nothing else is available.
func (a *AutoConnector) resolve(visible []string) (Entry, error) {
	a.mu.Lock()
	history := a.history
	a.mu.Unlock()

	if history != nil {
		var healthy []string
		for _, essid := range visible {
			if lastAttemptFailed(history, essid) {
				slog.Debug(fmt.Sprintf("Last attempt to join %s failed, trying it last", essid))
				continue
			}
			healthy = append(healthy, essid)
		}
		if entry, err := a.registry.Resolve(healthy); !errors.Is(err, ErrNoCandidates) {
			return entry, err
		}
	}
	return a.registry.Resolve(visible)
}

func lastAttemptFailed(history History, essid string) bool {
	last, err := history.GetLastConnectionEvent(essid)
	if err != nil {
		slog.Debug("Failed to read connection history", "essid", essid, "error", err)
		return false
	}
	return last != nil && (last.EventType == db.EventFailure || last.EventType == db.EventTimeout)
}
