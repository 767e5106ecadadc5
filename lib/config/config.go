// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the rack
// controller daemon.
//
// Configuration is loaded from a single YAML file specified by:
//   - RACKD_CONFIG environment variable, or
//   - --config flag passed to the daemon
//
// There are no fallbacks or automatic discovery. The config file is
// the single source of truth; the only expansion performed is ${HOME}
// and similar path variables for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the rack controller.
type Config struct {
	// Cluster identifies this rack to the region.
	Cluster ClusterConfig `yaml:"cluster"`

	// Region configures the persistent region connections.
	Region RegionConfig `yaml:"region"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Supervisor selects the external-unit backend.
	Supervisor SupervisorConfig `yaml:"supervisor"`

	// DHCP configures the local DHCP services.
	DHCP DHCPConfig `yaml:"dhcp"`

	// NTP configures the time relay.
	NTP NTPConfig `yaml:"ntp"`

	// Proxy configures the HTTP proxy's initial bind.
	Proxy ProxyConfig `yaml:"proxy"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// ClusterConfig identifies this rack controller.
type ClusterConfig struct {
	// UUID is the cluster identifier sent during registration and
	// stamped into relayed DHCP packets. Generated and persisted on
	// first start when empty.
	UUID string `yaml:"uuid"`

	// SecretPath is the path of the hex-encoded shared secret file.
	// Default: ${RACKD_ROOT}/secret
	SecretPath string `yaml:"secret_path"`

	// Hostname overrides the hostname reported at registration.
	// Default: os.Hostname.
	Hostname string `yaml:"hostname"`
}

// RegionConfig configures the region connections.
type RegionConfig struct {
	// Endpoints lists region controller addresses (host:port). One
	// persistent connection is maintained per endpoint.
	Endpoints []string `yaml:"endpoints"`

	// ReconnectDelay is the fixed delay between reconnect attempts,
	// as a Go duration string. Default: 5s.
	ReconnectDelay string `yaml:"reconnect_delay"`
}

// ReconnectInterval returns the parsed reconnect delay. Call Validate
// first; an unparseable value falls back to the default there.
func (r RegionConfig) ReconnectInterval() time.Duration {
	d, err := time.ParseDuration(r.ReconnectDelay)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for rack controller state
	// (system ID, generated certificates). Default: /var/lib/rackd
	Root string `yaml:"root"`

	// DHCPDir is where rendered DHCP configuration is written.
	// Default: ${RACKD_ROOT}/dhcp
	DHCPDir string `yaml:"dhcp_dir"`
}

// SupervisorConfig selects how external units are driven.
type SupervisorConfig struct {
	// Backend is "systemd" or "supervisord". Default: systemd when
	// /run/systemd/system exists, supervisord otherwise.
	Backend string `yaml:"backend"`
}

// DHCPConfig configures the local DHCP services.
type DHCPConfig struct {
	// Relay enables the DHCP relay instead of (or alongside) the
	// local server units.
	Relay RelayConfig `yaml:"relay"`
}

// RelayConfig configures DHCP relay workers.
type RelayConfig struct {
	// Enabled starts relay workers at daemon startup.
	Enabled bool `yaml:"enabled"`

	// Interfaces lists the network interfaces to relay from. One
	// worker per interface.
	Interfaces []string `yaml:"interfaces"`

	// Upstream is the DHCP server address relayed traffic is
	// forwarded to (v4, host or host:port).
	Upstream string `yaml:"upstream"`

	// Upstream6 is the DHCPv6 server address (host or host:port).
	Upstream6 string `yaml:"upstream6"`
}

// NTPConfig configures the time relay.
type NTPConfig struct {
	// Mode selects the time service: "relay" serves NTP in-process
	// and disciplines the local clock itself, "chronyd" drives an
	// external chronyd unit instead. Default: relay.
	Mode string `yaml:"mode"`

	// BindAddress is the UDP listen address. Default: :123
	BindAddress string `yaml:"bind_address"`

	// PollInterval is how often the upstream is polled to step the
	// local clock, as a Go duration string. Default: 10m.
	PollInterval string `yaml:"poll_interval"`
}

// Poll returns the parsed poll interval.
func (n NTPConfig) Poll() time.Duration {
	d, err := time.ParseDuration(n.PollInterval)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// ProxyConfig configures the HTTP proxy's defaults before the first
// region configuration pull.
type ProxyConfig struct {
	// Port is the initial listen port. Default: 8000.
	Port int `yaml:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level"`
}

// Default returns the default configuration, used as a base before
// loading the config file.
func Default() *Config {
	return &Config{
		Cluster: ClusterConfig{
			SecretPath: "${RACKD_ROOT}/secret",
		},
		Region: RegionConfig{
			ReconnectDelay: "5s",
		},
		Paths: PathsConfig{
			Root:    "/var/lib/rackd",
			DHCPDir: "${RACKD_ROOT}/dhcp",
		},
		Supervisor: SupervisorConfig{
			Backend: defaultBackend(),
		},
		NTP: NTPConfig{
			Mode:         "relay",
			BindAddress:  ":123",
			PollInterval: "10m",
		},
		Proxy: ProxyConfig{
			Port: 8000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultBackend() string {
	if _, err := os.Stat("/run/systemd/system"); err == nil {
		return "systemd"
	}
	return "supervisord"
}

// Load loads configuration from the RACKD_CONFIG environment variable.
// There are no fallbacks: if RACKD_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("RACKD_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("RACKD_CONFIG environment variable not set; " +
			"set it to the path of your rackd.yaml config file, or use --config")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging into
// the defaults, then expands path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"RACKD_ROOT": c.Paths.Root,
		"HOME":       os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["RACKD_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.DHCPDir = expandVars(c.Paths.DHCPDir, vars)
	c.Cluster.SecretPath = expandVars(c.Cluster.SecretPath, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Region.Endpoints) == 0 {
		errs = append(errs, fmt.Errorf("region.endpoints is required"))
	}
	if _, err := time.ParseDuration(c.Region.ReconnectDelay); err != nil {
		errs = append(errs, fmt.Errorf("region.reconnect_delay: %w", err))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Cluster.SecretPath == "" {
		errs = append(errs, fmt.Errorf("cluster.secret_path is required"))
	}
	if c.Cluster.UUID != "" {
		if _, err := uuid.Parse(c.Cluster.UUID); err != nil {
			errs = append(errs, fmt.Errorf("cluster.uuid: %w", err))
		}
	}
	if backend := c.Supervisor.Backend; backend != "systemd" && backend != "supervisord" {
		errs = append(errs, fmt.Errorf("supervisor.backend must be systemd or supervisord, got %q", backend))
	}
	if c.DHCP.Relay.Enabled {
		if len(c.DHCP.Relay.Interfaces) == 0 {
			errs = append(errs, fmt.Errorf("dhcp.relay.interfaces is required when relay is enabled"))
		}
		if c.DHCP.Relay.Upstream == "" && c.DHCP.Relay.Upstream6 == "" {
			errs = append(errs, fmt.Errorf("dhcp.relay needs an upstream or upstream6 server"))
		}
	}
	if mode := c.NTP.Mode; mode != "relay" && mode != "chronyd" {
		errs = append(errs, fmt.Errorf("ntp.mode must be relay or chronyd, got %q", mode))
	}
	if _, err := time.ParseDuration(c.NTP.PollInterval); err != nil {
		errs = append(errs, fmt.Errorf("ntp.poll_interval: %w", err))
	}
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		errs = append(errs, fmt.Errorf("proxy.port out of range: %d", c.Proxy.Port))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureUUID returns the cluster UUID, generating and persisting a new
// one into the config file's directory when unset. The generated UUID
// is stored beside the state root (cluster-uuid file) rather than
// rewriting the operator's config.
func (c *Config) EnsureUUID() (string, error) {
	if c.Cluster.UUID != "" {
		return c.Cluster.UUID, nil
	}

	uuidPath := filepath.Join(c.Paths.Root, "cluster-uuid")
	if data, err := os.ReadFile(uuidPath); err == nil {
		stored := string(data)
		for len(stored) > 0 && (stored[len(stored)-1] == '\n' || stored[len(stored)-1] == ' ') {
			stored = stored[:len(stored)-1]
		}
		if _, err := uuid.Parse(stored); err == nil {
			c.Cluster.UUID = stored
			return stored, nil
		}
	}

	generated := uuid.New().String()
	if err := os.WriteFile(uuidPath, []byte(generated+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persisting cluster UUID: %w", err)
	}
	c.Cluster.UUID = generated
	return generated, nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.DHCPDir} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
