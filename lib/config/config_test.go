// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Region.ReconnectDelay != "5s" {
		t.Errorf("reconnect_delay = %q, want 5s", cfg.Region.ReconnectDelay)
	}
	if cfg.Paths.Root != "/var/lib/rackd" {
		t.Errorf("paths.root = %q, want /var/lib/rackd", cfg.Paths.Root)
	}
	if cfg.Proxy.Port != 8000 {
		t.Errorf("proxy.port = %d, want 8000", cfg.Proxy.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log.level = %q, want info", cfg.Log.Level)
	}
}

func TestLoad_RequiresRackdConfig(t *testing.T) {
	origConfig := os.Getenv("RACKD_CONFIG")
	defer os.Setenv("RACKD_CONFIG", origConfig)
	os.Unsetenv("RACKD_CONFIG")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when RACKD_CONFIG is unset")
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rackd.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
cluster:
  uuid: 2f4f8e27-0e18-4d17-b0f1-21f21e0c1482
region:
  endpoints: ["region1.example.com:5250", "region2.example.com:5250"]
  reconnect_delay: 2s
paths:
  root: /tmp/rackd-test
log:
  level: debug
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if len(cfg.Region.Endpoints) != 2 {
		t.Fatalf("endpoints = %v, want 2 entries", cfg.Region.Endpoints)
	}
	if got := cfg.Region.ReconnectInterval(); got != 2*time.Second {
		t.Errorf("ReconnectInterval() = %v, want 2s", got)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q, want debug", cfg.Log.Level)
	}

	// Paths derived from the root should have been expanded.
	if cfg.Paths.DHCPDir != "/tmp/rackd-test/dhcp" {
		t.Errorf("dhcp_dir = %q, want /tmp/rackd-test/dhcp", cfg.Paths.DHCPDir)
	}
	if cfg.Cluster.SecretPath != "/tmp/rackd-test/secret" {
		t.Errorf("secret_path = %q, want /tmp/rackd-test/secret", cfg.Cluster.SecretPath)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate_MissingEndpoints(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error with no endpoints")
	}
	if !strings.Contains(err.Error(), "region.endpoints") {
		t.Errorf("error %q does not mention region.endpoints", err)
	}
}

func TestValidate_BadUUID(t *testing.T) {
	cfg := Default()
	cfg.Region.Endpoints = []string{"r:5250"}
	cfg.Cluster.UUID = "not-a-uuid"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad cluster UUID")
	}
}

func TestValidate_RelayNeedsInterfaces(t *testing.T) {
	cfg := Default()
	cfg.Region.Endpoints = []string{"r:5250"}
	cfg.DHCP.Relay.Enabled = true
	cfg.DHCP.Relay.Upstream = "10.0.0.2"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for relay without interfaces")
	}
}

func TestEnsureUUID_GeneratesAndPersists(t *testing.T) {
	cfg := Default()
	cfg.Paths.Root = t.TempDir()

	first, err := cfg.EnsureUUID()
	if err != nil {
		t.Fatalf("EnsureUUID: %v", err)
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("generated UUID %q does not parse: %v", first, err)
	}

	// A fresh config with the same root must load the stored value.
	again := Default()
	again.Paths.Root = cfg.Paths.Root
	second, err := again.EnsureUUID()
	if err != nil {
		t.Fatalf("second EnsureUUID: %v", err)
	}
	if second != first {
		t.Errorf("EnsureUUID not stable across restarts: %q != %q", second, first)
	}
}

func TestEnsureUUID_ConfiguredWins(t *testing.T) {
	cfg := Default()
	cfg.Paths.Root = t.TempDir()
	cfg.Cluster.UUID = "2f4f8e27-0e18-4d17-b0f1-21f21e0c1482"

	got, err := cfg.EnsureUUID()
	if err != nil {
		t.Fatalf("EnsureUUID: %v", err)
	}
	if got != cfg.Cluster.UUID {
		t.Errorf("EnsureUUID = %q, want configured %q", got, cfg.Cluster.UUID)
	}
}
