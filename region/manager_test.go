// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package region

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/rackd/lib/clock"
	"github.com/bureau-foundation/rackd/lib/codec"
	"github.com/bureau-foundation/rackd/lib/secret"
	"github.com/bureau-foundation/rackd/lib/testutil"
	"github.com/bureau-foundation/rackd/rpc"
)

var testSecretBytes = []byte("0123456789abcdef0123456789abcdef")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// regionSim plays the region side of the protocol. Its DialContext
// hands the manager one end of a pipe and serves the standard region
// root capability on the other; registrations and service reports land
// on channels for assertions.
type regionSim struct {
	t           *testing.T
	secret      []byte
	assignID    string
	sealed      []byte
	wrongSecret bool
	refuse      atomic.Bool
	dials       atomic.Int64

	registrations chan registerRequest
	reports       chan updateServicesRequest

	mu    sync.Mutex
	conns []*rpc.Conn
}

func newRegionSim(t *testing.T) *regionSim {
	return &regionSim{
		t:             t,
		secret:        testSecretBytes,
		assignID:      "4y3h7n",
		registrations: make(chan registerRequest, 8),
		reports:       make(chan updateServicesRequest, 8),
	}
}

func (s *regionSim) DialContext(ctx context.Context, address string) (net.Conn, error) {
	s.dials.Add(1)
	if s.refuse.Load() {
		return nil, fmt.Errorf("dialing %s: connection refused", address)
	}
	clientEnd, serverEnd := net.Pipe()
	conn := rpc.NewConn(serverEnd, testLogger())
	conn.Export("region", s.rootHandler())
	go conn.Serve(s.t.Context())

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	return clientEnd, nil
}

func (s *regionSim) rootHandler() rpc.Handler {
	return rpc.Methods{
		"GetAuthenticator": func(ctx context.Context, params codec.RawMessage) (any, error) {
			return s.authenticator(), nil
		},
		"GetRegisterer": func(ctx context.Context, params codec.RawMessage) (any, error) {
			return s.registerer(), nil
		},
		"UpdateServices": rpc.Method(func(ctx context.Context, request updateServicesRequest) (any, error) {
			s.reports <- request
			return struct{}{}, nil
		}),
	}
}

func (s *regionSim) authenticator() rpc.Handler {
	return rpc.Methods{
		"Authenticate": rpc.Method(func(ctx context.Context, request authenticateRequest) (any, error) {
			key := s.secret
			if s.wrongSecret {
				key = []byte("not-the-cluster-secret")
			}
			salt := []byte("region-salt")
			return authenticateResponse{
				Salt:   salt,
				Digest: computeDigest(key, request.Message, salt),
			}, nil
		}),
	}
}

func (s *regionSim) registerer() rpc.Handler {
	return rpc.Methods{
		"Register": rpc.Method(func(ctx context.Context, request registerRequest) (any, error) {
			s.registrations <- request
			response := registerResponse{
				SystemID:          s.assignID,
				UUID:              "b5e613c4-6c8c-4b72-9e0e-7a28bf29d6a1",
				Version:           "3.5.2",
				SealedCertificate: s.sealed,
			}
			// A controller that already has an ID keeps it.
			if request.SystemID != "" {
				response.SystemID = request.SystemID
			}
			return response, nil
		}),
	}
}

// dropAll closes every connection the simulator has accepted,
// simulating a region restart.
func (s *regionSim) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}

// lastConn returns the most recently accepted connection, for driving
// region-to-rack calls in tests.
func (s *regionSim) lastConn() *rpc.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		s.t.Fatal("region simulator has no connections")
	}
	return s.conns[len(s.conns)-1]
}

func testSecret(t *testing.T) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromBytes(bytes.Clone(testSecretBytes))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func newTestManager(t *testing.T, sim *regionSim, clk clock.Clock) *Manager {
	t.Helper()
	manager, err := NewManager(ManagerOptions{
		Endpoints: []string{"region.test:5250"},
		Registration: Registration{
			ClusterUUID:  "5f36f0ad-5d8f-4b39-9b3b-46d8bc30e3f2",
			Hostname:     "rack01",
			Version:      "1.0.0",
			SystemIDPath: filepath.Join(t.TempDir(), "system-id"),
			Secret:       testSecret(t),
			Interfaces: []Interface{
				{Name: "eth0", MAC: "52:54:00:12:34:56", Addresses: []string{"10.0.0.2/24"}, Up: true},
			},
		},
		Dialer: sim,
		Clock:  clk,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return manager
}

// waitForState drains events until the wanted state appears.
func waitForState(t *testing.T, events <-chan Event, want State) {
	t.Helper()
	for {
		event := testutil.RequireReceive(t, events, 10*time.Second, "waiting for state %q", want)
		if event.State == want {
			return
		}
	}
}

func TestManagerBootstrapsAndRegisters(t *testing.T) {
	sim := newRegionSim(t)
	manager := newTestManager(t, sim, clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	go manager.Run(t.Context())

	waitForState(t, manager.Events(), StateBootstrapped)

	registration := testutil.RequireReceive(t, sim.registrations, 5*time.Second, "registration")
	if registration.Hostname != "rack01" {
		t.Errorf("Hostname = %q, want %q", registration.Hostname, "rack01")
	}
	if registration.ClusterUUID != "5f36f0ad-5d8f-4b39-9b3b-46d8bc30e3f2" {
		t.Errorf("ClusterUUID = %q", registration.ClusterUUID)
	}
	if registration.SystemID != "" {
		t.Errorf("first registration SystemID = %q, want empty", registration.SystemID)
	}
	if len(registration.Interfaces) != 1 || registration.Interfaces[0].Name != "eth0" {
		t.Errorf("Interfaces = %+v", registration.Interfaces)
	}

	if got := manager.SystemID(); got != "4y3h7n" {
		t.Errorf("SystemID() = %q, want %q", got, "4y3h7n")
	}

	// The assigned ID is persisted for the next start.
	saved, err := LoadSystemID(manager.registration.SystemIDPath)
	if err != nil {
		t.Fatalf("LoadSystemID: %v", err)
	}
	if saved != "4y3h7n" {
		t.Errorf("persisted system ID = %q, want %q", saved, "4y3h7n")
	}

	// The region can reach the rack capability.
	if err := sim.lastConn().Client("rack").Call(t.Context(), "Ping", nil, nil); err != nil {
		t.Errorf("region Ping on rack: %v", err)
	}

	// Client returns a live region client.
	client, err := manager.Client(t.Context())
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	err = client.Call(t.Context(), "UpdateServices", updateServicesRequest{SystemID: "4y3h7n"}, nil)
	if err != nil {
		t.Fatalf("UpdateServices through manager client: %v", err)
	}
	testutil.RequireReceive(t, sim.reports, 5*time.Second, "service report")
}

func TestManagerPresentsPersistedSystemID(t *testing.T) {
	sim := newRegionSim(t)
	manager := newTestManager(t, sim, clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	if err := SaveSystemID(manager.registration.SystemIDPath, "keeper"); err != nil {
		t.Fatalf("SaveSystemID: %v", err)
	}
	go manager.Run(t.Context())

	registration := testutil.RequireReceive(t, sim.registrations, 10*time.Second, "registration")
	if registration.SystemID != "keeper" {
		t.Errorf("SystemID = %q, want %q", registration.SystemID, "keeper")
	}
	waitForState(t, manager.Events(), StateBootstrapped)
	if got := manager.SystemID(); got != "keeper" {
		t.Errorf("SystemID() = %q, want %q", got, "keeper")
	}
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	sim := newRegionSim(t)
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	manager := newTestManager(t, sim, clk)
	go manager.Run(t.Context())

	waitForState(t, manager.Events(), StateBootstrapped)
	testutil.RequireReceive(t, sim.registrations, 5*time.Second, "first registration")

	// Region restarts: every connection drops.
	sim.dropAll()
	waitForState(t, manager.Events(), StateDisconnected)

	// The worker is now waiting out the fixed reconnect delay.
	clk.WaitForTimers(1)
	clk.Advance(5 * time.Second)

	waitForState(t, manager.Events(), StateBootstrapped)
	registration := testutil.RequireReceive(t, sim.registrations, 5*time.Second, "re-registration")
	if registration.SystemID != "4y3h7n" {
		t.Errorf("re-registration SystemID = %q, want %q", registration.SystemID, "4y3h7n")
	}
}

func TestManagerAuthenticationFailure(t *testing.T) {
	sim := newRegionSim(t)
	sim.wrongSecret = true
	manager := newTestManager(t, sim, clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	go manager.Run(t.Context())

	// The connection comes up, fails the challenge, and never
	// bootstraps.
	for _, want := range []State{StateConnecting, StateConnected, StateDisconnected} {
		event := testutil.RequireReceive(t, manager.Events(), 10*time.Second, "state %q", want)
		if event.State != want {
			t.Fatalf("state = %q, want %q", event.State, want)
		}
	}
	if len(sim.registrations) != 0 {
		t.Error("registration reached the region despite failed authentication")
	}

	shortCtx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	if _, err := manager.Client(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Client during auth failure = %v, want deadline exceeded", err)
	}
}

func TestManagerRetriesRefusedDials(t *testing.T) {
	sim := newRegionSim(t)
	sim.refuse.Store(true)
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	manager := newTestManager(t, sim, clk)
	go manager.Run(t.Context())

	waitForState(t, manager.Events(), StateDisconnected)

	// Clients block while nothing is live.
	shortCtx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	if _, err := manager.Client(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Client with no live connections = %v, want deadline exceeded", err)
	}

	// Each full reconnect delay produces exactly one more attempt; a
	// partial advance produces none. Two cycles pin the fixed
	// schedule.
	if got := sim.dials.Load(); got != 1 {
		t.Fatalf("dials after initial attempt = %d, want 1", got)
	}
	for attempt := int64(2); attempt <= 3; attempt++ {
		clk.WaitForTimers(1)
		clk.Advance(defaultReconnectDelay - time.Second)
		if got := sim.dials.Load(); got != attempt-1 {
			t.Fatalf("dials before delay %d elapsed = %d, want %d", attempt, got, attempt-1)
		}
		clk.Advance(time.Second)
		waitForState(t, manager.Events(), StateDisconnected)
		if got := sim.dials.Load(); got != attempt {
			t.Fatalf("dials after delay %d elapsed = %d, want %d", attempt, got, attempt)
		}
	}

	// Region comes up; the next attempt succeeds.
	sim.refuse.Store(false)
	clk.WaitForTimers(1)
	clk.Advance(defaultReconnectDelay)
	waitForState(t, manager.Events(), StateBootstrapped)

	client, err := manager.Client(t.Context())
	if err != nil {
		t.Fatalf("Client after reconnect: %v", err)
	}
	if err := client.Call(t.Context(), "UpdateServices", updateServicesRequest{}, nil); err != nil {
		t.Errorf("call after reconnect: %v", err)
	}
}

func TestManagerAddHandlerPropagates(t *testing.T) {
	sim := newRegionSim(t)
	manager := newTestManager(t, sim, clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	go manager.Run(t.Context())
	waitForState(t, manager.Events(), StateBootstrapped)

	manager.AddHandler("diagnostics", rpc.Methods{
		"Hostname": func(ctx context.Context, params codec.RawMessage) (any, error) {
			return map[string]string{"hostname": "rack01"}, nil
		},
	})

	var response map[string]string
	err := sim.lastConn().Client("diagnostics").Call(t.Context(), "Hostname", nil, &response)
	if err != nil {
		t.Fatalf("call on added handler: %v", err)
	}
	if response["hostname"] != "rack01" {
		t.Errorf("hostname = %q, want %q", response["hostname"], "rack01")
	}

	if _, err := manager.GetHandler("diagnostics"); err != nil {
		t.Errorf("GetHandler(diagnostics): %v", err)
	}
	if _, err := manager.GetHandler("missing"); !rpc.IsNotFound(err) {
		t.Errorf("GetHandler(missing) = %v, want not found", err)
	}
}

func TestManagerOpensSealedCertificate(t *testing.T) {
	sim := newRegionSim(t)
	certificate := []byte("-----BEGIN CERTIFICATE-----\nMIIB...\n-----END CERTIFICATE-----\n")
	sim.sealed = sealCertificate(t, testSecretBytes, certificate)
	manager := newTestManager(t, sim, clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	go manager.Run(t.Context())

	waitForState(t, manager.Events(), StateBootstrapped)
	if got := manager.Certificate(); !bytes.Equal(got, certificate) {
		t.Errorf("Certificate() = %q, want %q", got, certificate)
	}
}

func TestManagerSurvivesUnopenableCertificate(t *testing.T) {
	sim := newRegionSim(t)
	sim.sealed = bytes.Repeat([]byte{0xab}, 64)
	manager := newTestManager(t, sim, clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	go manager.Run(t.Context())

	// A garbage blob is logged and ignored; registration still
	// completes.
	waitForState(t, manager.Events(), StateBootstrapped)
	if got := manager.Certificate(); got != nil {
		t.Errorf("Certificate() = %q, want nil", got)
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(ManagerOptions{}); err == nil {
		t.Error("NewManager without endpoints succeeded, want error")
	}
	if _, err := NewManager(ManagerOptions{Endpoints: []string{"r:1"}}); err == nil {
		t.Error("NewManager without secret succeeded, want error")
	}
}

func TestLoadSystemIDMissingFile(t *testing.T) {
	systemID, err := LoadSystemID(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("LoadSystemID: %v", err)
	}
	if systemID != "" {
		t.Errorf("system ID = %q, want empty", systemID)
	}
}

func TestSaveLoadSystemID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system-id")
	if err := SaveSystemID(path, "4y3h7n"); err != nil {
		t.Fatalf("SaveSystemID: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if string(data) != "4y3h7n\n" {
		t.Errorf("file contents = %q, want %q", data, "4y3h7n\n")
	}
	systemID, err := LoadSystemID(path)
	if err != nil {
		t.Fatalf("LoadSystemID: %v", err)
	}
	if systemID != "4y3h7n" {
		t.Errorf("LoadSystemID = %q, want %q", systemID, "4y3h7n")
	}
}
