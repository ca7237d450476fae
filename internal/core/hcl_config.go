package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// HCL parsing structs

type hclConfig struct {
	Interface      string    `hcl:"interface,optional"`
	SocketDir      string    `hcl:"socket_dir,optional"`
	StorageDir     string    `hcl:"storage_dir,optional"`
	CacheValidity  *int      `hcl:"cache_validity,optional"`
	ProbeInterval  *int      `hcl:"probe_interval,optional"`
	InternetHost   string    `hcl:"internet_host,optional"`
	SafeMode       *bool     `hcl:"safe_mode,optional"`
	ConnectTimeout int       `hcl:"connect_timeout,optional"`
	SettleDelay    *int      `hcl:"settle_delay,optional"`
	LogFile        string    `hcl:"log_file,optional"`
	Generator      string    `hcl:"generator,optional"`
	Tools          *hclTools `hcl:"tools,block"`
}

type hclTools struct {
	Scan       string `hcl:"scan,optional"`
	Passphrase string `hcl:"passphrase,optional"`
	Supplicant string `hcl:"supplicant,optional"`
	DHCP       string `hcl:"dhcp,optional"`
	Ping       string `hcl:"ping,optional"`
}

// LoadConfig loads the HCL configuration file and returns a validated
// Configuration. Unset values fall back to GetDefaultConfig.
func LoadConfig(filename string) (*Configuration, error) {
	if !ConfigExists(filename) {
		return nil, &ConfigError{Path: filename, Err: fmt.Errorf("file not found or not readable")}
	}

	var hclCfg hclConfig
	src, err := os.ReadFile(filename)
	if err != nil {
		return nil, &ConfigError{Path: filename, Err: err}
	}
	if err := hclsimple.Decode(syntaxName(filename), src, nil, &hclCfg); err != nil {
		return nil, &ConfigError{Path: filename, Err: fmt.Errorf("failed to parse HCL config: %w", err)}
	}

	cfg := GetDefaultConfig()
	cfg.Path = filename

	if hclCfg.Interface != "" {
		cfg.Interface = hclCfg.Interface
	}
	if hclCfg.SocketDir != "" {
		cfg.SocketDir = hclCfg.SocketDir
	}
	if hclCfg.StorageDir != "" {
		cfg.StorageDir = hclCfg.StorageDir
	}
	if hclCfg.CacheValidity != nil {
		cfg.CacheValidity = seconds(*hclCfg.CacheValidity)
	}
	if hclCfg.ProbeInterval != nil {
		cfg.ProbeInterval = seconds(*hclCfg.ProbeInterval)
	}
	if hclCfg.InternetHost != "" {
		cfg.InternetHost = hclCfg.InternetHost
	}
	if hclCfg.SafeMode != nil {
		cfg.SafeMode = *hclCfg.SafeMode
	}
	if hclCfg.ConnectTimeout != 0 {
		cfg.ConnectTimeout = seconds(hclCfg.ConnectTimeout)
	}
	if hclCfg.SettleDelay != nil {
		cfg.SettleDelay = seconds(*hclCfg.SettleDelay)
	}
	cfg.LogFile = hclCfg.LogFile
	if hclCfg.Generator != "" {
		cfg.Generator = hclCfg.Generator
	}

	// Convert tool overrides
	if t := hclCfg.Tools; t != nil {
		if t.Scan != "" {
			cfg.Tools.Scan = t.Scan
		}
		if t.Passphrase != "" {
			cfg.Tools.Passphrase = t.Passphrase
		}
		if t.Supplicant != "" {
			cfg.Tools.Supplicant = t.Supplicant
		}
		if t.DHCP != "" {
			cfg.Tools.DHCP = t.DHCP
		}
		if t.Ping != "" {
			cfg.Tools.Ping = t.Ping
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// syntaxName maps the config file name to one hclsimple accepts. It chooses
// the syntax by extension, and files such as /etc/wicmand.conf are native HCL.
func syntaxName(filename string) string {
	switch filepath.Ext(filename) {
	case ".hcl", ".json":
		return filename
	}
	return filename + ".hcl"
}

func seconds(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Second
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}
