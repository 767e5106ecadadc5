// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tftp

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/rackd/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExternal stands in for the systemd tftpd unit.
type fakeExternal struct {
	expected bool
	restarts int
}

var _ supervisor.ControlledService = (*fakeExternal)(nil)

func (f *fakeExternal) Name() string                  { return "tftp" }
func (f *fakeExternal) Type() string                  { return "tftp" }
func (f *fakeExternal) PID() int                      { return 0 }
func (f *fakeExternal) Start(context.Context) error   { return nil }
func (f *fakeExternal) Stop(context.Context) error    { return nil }
func (f *fakeExternal) Restart(context.Context) error { f.restarts++; return nil }
func (f *fakeExternal) SetExpected(on bool)           { f.expected = on }

func (f *fakeExternal) Status(context.Context) (supervisor.Status, error) {
	return supervisor.Status{State: supervisor.StateRunning}, nil
}

func newTestUnit(t *testing.T) (*Unit, *fakeExternal, string) {
	t.Helper()
	inner := &fakeExternal{}
	path := filepath.Join(t.TempDir(), "upstreams")
	unit, err := NewUnit(UnitOptions{Service: inner, ServersPath: path, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewUnit: %v", err)
	}
	return unit, inner, path
}

func TestConfigureWritesServers(t *testing.T) {
	unit, inner, path := newTestUnit(t)
	config := Configuration{Servers: []string{"10.0.0.2", "10.0.0.3"}}
	if err := unit.Configure(t.Context(), config); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading upstream list: %v", err)
	}
	want := "# Written by rackd. Edits are lost on the next region sync.\n10.0.0.2\n10.0.0.3\n"
	if string(data) != want {
		t.Fatalf("upstream list = %q, want %q", data, want)
	}
	if !inner.expected {
		t.Fatal("Configure did not mark the unit expected to run")
	}
}

func TestConfigureRejectsWrongType(t *testing.T) {
	unit, _, _ := newTestUnit(t)
	if err := unit.Configure(t.Context(), []string{"10.0.0.2"}); err == nil {
		t.Fatal("Configure accepted a bare string slice")
	}
}

func TestConfigureReportsWriteFailure(t *testing.T) {
	inner := &fakeExternal{}
	path := filepath.Join(t.TempDir(), "missing", "upstreams")
	unit, err := NewUnit(UnitOptions{Service: inner, ServersPath: path, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewUnit: %v", err)
	}
	if err := unit.Configure(t.Context(), Configuration{}); err == nil {
		t.Fatal("Configure succeeded writing into a missing directory")
	}
	if inner.expected {
		t.Fatal("failed Configure still marked the unit expected to run")
	}
}

func TestUnitDelegates(t *testing.T) {
	unit, inner, _ := newTestUnit(t)
	if unit.Name() != "tftp" {
		t.Fatalf("Name = %q, want tftp", unit.Name())
	}
	if err := unit.Restart(t.Context()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if inner.restarts != 1 {
		t.Fatalf("inner restarts = %d, want 1", inner.restarts)
	}
}
