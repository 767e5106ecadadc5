// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeService is an in-memory Service recording lifecycle calls.
type fakeService struct {
	name        string
	serviceType string

	mu        sync.Mutex
	calls     []string
	status    Status
	statusErr error
	stopErr   error
	startErr  error
}

func newFakeService(name, serviceType string) *fakeService {
	return &fakeService{
		name:        name,
		serviceType: serviceType,
		status:      Status{State: StateOff},
	}
}

func (f *fakeService) Name() string { return f.name }
func (f *fakeService) Type() string { return f.serviceType }
func (f *fakeService) PID() int     { return 0 }

func (f *fakeService) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeService) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeService) Start(ctx context.Context) error {
	f.record("start")
	return f.startErr
}

func (f *fakeService) Stop(ctx context.Context) error {
	f.record("stop")
	return f.stopErr
}

func (f *fakeService) Restart(ctx context.Context) error {
	if err := f.Stop(ctx); err != nil {
		return err
	}
	return f.Start(ctx)
}

func (f *fakeService) Status(ctx context.Context) (Status, error) {
	f.record("status")
	return f.status, f.statusErr
}

func TestRegisterDuplicateName(t *testing.T) {
	registry := New(testLogger())
	if err := registry.Register(newFakeService("dhcpd", "dhcp")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.Register(newFakeService("dhcpd", "dhcp")); err == nil {
		t.Error("duplicate Register succeeded, want error")
	}
}

func TestGet(t *testing.T) {
	registry := New(testLogger())
	service := newFakeService("ntp", "time")
	if err := registry.Register(service); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := registry.Get("ntp")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != service {
		t.Error("Get returned a different service")
	}
	if _, err := registry.Get("absent"); err == nil {
		t.Error("Get(absent) succeeded, want error")
	}
}

func TestGetByType(t *testing.T) {
	registry := New(testLogger())
	v4 := newFakeService("dhcpd", "dhcp")
	v6 := newFakeService("dhcpd6", "dhcp")
	ntp := newFakeService("ntp", "time")
	for _, service := range []Service{v4, v6, ntp} {
		if err := registry.Register(service); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	dhcp := registry.GetByType("dhcp")
	if len(dhcp) != 2 {
		t.Fatalf("GetByType(dhcp) returned %d services, want 2", len(dhcp))
	}
	if dhcp[0].Name() != "dhcpd" || dhcp[1].Name() != "dhcpd6" {
		t.Errorf("GetByType order = %s, %s", dhcp[0].Name(), dhcp[1].Name())
	}
	if len(registry.GetByType("storage")) != 0 {
		t.Error("GetByType(storage) returned services, want none")
	}
}

func TestGetStatusMap(t *testing.T) {
	registry := New(testLogger())
	running := newFakeService("dhcpd", "dhcp")
	running.status = Status{State: StateRunning}
	broken := newFakeService("ntp", "time")
	broken.statusErr = fmt.Errorf("probe exploded")
	stopped := newFakeService("proxy", "proxy")
	stopped.status = Status{State: StateOff, Info: "inactive (dead)"}
	for _, service := range []Service{running, broken, stopped} {
		if err := registry.Register(service); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	statuses := registry.GetStatusMap(context.Background())
	if len(statuses) != 3 {
		t.Fatalf("GetStatusMap returned %d entries, want 3", len(statuses))
	}
	if statuses["dhcpd"].State != StateRunning {
		t.Errorf("dhcpd state = %q, want running", statuses["dhcpd"].State)
	}
	if statuses["ntp"].State != StateUnknown {
		t.Errorf("ntp state = %q, want unknown", statuses["ntp"].State)
	}
	if statuses["ntp"].Info != "probe exploded" {
		t.Errorf("ntp info = %q", statuses["ntp"].Info)
	}
	if statuses["proxy"].State != StateOff {
		t.Errorf("proxy state = %q, want off", statuses["proxy"].State)
	}
}
