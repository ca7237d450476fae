// Package autoconnect keeps the priority list of networks the daemon joins
// on its own, and picks the best visible one.
package autoconnect

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNoNetworks is returned when no network is configured to autoconnect.
	ErrNoNetworks = errors.New("no networks are configured to autoconnect")
	// ErrNoCandidates is returned when none of the configured networks is visible.
	ErrNoCandidates = errors.New("no configured nets available")
)

// Entry is one autoconnect network. Higher priorities are preferred.
type Entry struct {
	ESSID    string
	Priority int
}

// Registry persists the autoconnect list as a YAML mapping of ESSID to
// priority. The file is reread on every operation and rewritten whole on
// every change, so edits made by hand are picked up.
type Registry struct {
	mu   sync.Mutex
	path string
}

func NewRegistry(path string) *Registry {
	return &Registry{path: path}
}

// Add sets the priority of essid, adding it when it is new.
func (r *Registry) Add(essid string, priority int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return "", err
	}
	entries[essid] = priority
	if err := r.save(entries); err != nil {
		return "", err
	}
	return fmt.Sprintf("Configured to autoconnect to %s with priority %d", essid, priority), nil
}

// Remove drops essid from the list. Removing an unknown network succeeds.
func (r *Registry) Remove(essid string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return "", err
	}
	delete(entries, essid)
	if err := r.save(entries); err != nil {
		return "", err
	}
	return fmt.Sprintf("Configured to avoid autoconnect to %s", essid), nil
}

// List returns the entries by descending priority, ties by ESSID.
func (r *Registry) List() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return nil, err
	}
	return sorted(entries), nil
}

// Resolve returns the highest priority entry that is visible.
func (r *Registry) Resolve(visible []string) (Entry, error) {
	entries, err := r.List()
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, ErrNoNetworks
	}
	for _, e := range entries {
		if slices.Contains(visible, e.ESSID) {
			return e, nil
		}
	}
	return Entry{}, ErrNoCandidates
}

func sorted(m map[string]int) []Entry {
	list := make([]Entry, 0, len(m))
	for essid, prio := range m {
		list = append(list, Entry{ESSID: essid, Priority: prio})
	}
	slices.SortFunc(list, func(a, b Entry) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ESSID, b.ESSID)
	})
	return list
}

func (r *Registry) load() (map[string]int, error) {
	entries := make(map[string]int)
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read autoconnect list: %w", err)
	}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse autoconnect list %s: %w", r.path, err)
	}
	if entries == nil {
		entries = make(map[string]int)
	}
	return entries, nil
}

func (r *Registry) save(entries map[string]int) error {
	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode autoconnect list: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".auto-*")
	if err != nil {
		return fmt.Errorf("failed to write autoconnect list: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write autoconnect list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write autoconnect list: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("failed to write autoconnect list: %w", err)
	}
	return nil
}

// Render formats entries for display.
func Render(entries []Entry) string {
	if len(entries) == 0 {
		return "No networks configured for autoconnect"
	}
	var b strings.Builder
	b.WriteString("The following networks will be attempted by autoconnect:\n")
	b.WriteString("Priority\tESSID")
	for _, e := range entries {
		fmt.Fprintf(&b, "\n%d\t\t%s", e.Priority, e.ESSID)
	}
	return b.String()
}
