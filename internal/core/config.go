package core

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

const (
	DefaultConfigFile = "/etc/wicmand.hcl"
	PidFileName       = "wicmand.pid"
	SocketName        = "wicmand.socket"
	AutoconnectName   = "auto.conf"
	HistoryName       = "history.db"
)

// Generator modes for credential files.
const (
	GeneratorAuto    = "auto"
	GeneratorTool    = "tool"
	GeneratorBuiltin = "builtin"
)

// Configuration is the daemon and client configuration. It is loaded once
// at startup and handed to every component that needs it.
type Configuration struct {
	Path           string        // File the configuration was loaded from
	Interface      string        // Managed wireless interface
	SocketDir      string        // Directory holding the control socket and PID file
	StorageDir     string        // Root-only directory for credentials and the autoconnect list
	CacheValidity  time.Duration // How long a scan result is served before rescanning
	ProbeInterval  time.Duration // Reconnect probe interval, 0 disables the supervisor
	InternetHost   string        // Reference host pinged by health checks
	SafeMode       bool          // Strip the plaintext passphrase comment from credential files
	ConnectTimeout time.Duration // Upper bound for one connection attempt
	SettleDelay    time.Duration // Pause between supplicant start and DHCP
	LogFile        string        // Optional rotating log file for the daemon
	Generator      string        // auto, tool or builtin
	Tools          ToolsConfig
}

// ToolsConfig names the external programs the daemon drives.
type ToolsConfig struct {
	Scan       string
	Passphrase string
	Supplicant string
	DHCP       string
	Ping       string
}

// ConfigError reports a missing or malformed configuration. It is fatal for
// the daemon.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error in %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (c *Configuration) SocketPath() string {
	return filepath.Join(c.SocketDir, SocketName)
}

func (c *Configuration) PIDFilePath() string {
	return filepath.Join(c.SocketDir, PidFileName)
}

func (c *Configuration) AutoconnectPath() string {
	return filepath.Join(c.StorageDir, AutoconnectName)
}

func (c *Configuration) HistoryPath() string {
	return filepath.Join(c.StorageDir, HistoryName)
}

// Validate checks the fields the daemon cannot run without.
func (c *Configuration) Validate() error {
	var errs []error
	if c.Interface == "" {
		errs = append(errs, errors.New("interface is not set"))
	}
	if c.SocketDir == "" {
		errs = append(errs, errors.New("socket_dir is not set"))
	}
	if c.StorageDir == "" {
		errs = append(errs, errors.New("storage_dir is not set"))
	}
	switch c.Generator {
	case GeneratorAuto, GeneratorTool, GeneratorBuiltin:
	default:
		errs = append(errs, fmt.Errorf("unknown generator %q", c.Generator))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if len(errs) > 0 {
		return &ConfigError{Path: c.Path, Err: errors.Join(errs...)}
	}
	return nil
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Path:           DefaultConfigFile,
		Interface:      "wlan0",
		SocketDir:      "/run/wicman",
		StorageDir:     "/var/lib/wicman",
		CacheValidity:  30 * time.Second,
		ProbeInterval:  60 * time.Second,
		InternetHost:   "8.8.8.8",
		SafeMode:       true,
		ConnectTimeout: 20 * time.Second,
		SettleDelay:    2 * time.Second,
		Generator:      GeneratorAuto,
		Tools: ToolsConfig{
			Scan:       "iwlist",
			Passphrase: "wpa_passphrase",
			Supplicant: "wpa_supplicant",
			DHCP:       "dhclient",
			Ping:       "ping",
		},
	}
}
