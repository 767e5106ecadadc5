// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package region maintains the rack controller's connections to the
// region. One worker per configured endpoint dials, authenticates,
// registers, and then holds the connection open for bidirectional
// calls, reconnecting forever at a fixed interval when anything fails.
// The region is the source of truth; a rack controller that cannot
// reach it keeps trying for as long as it runs.
package region

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/rackd/lib/clock"
	"github.com/bureau-foundation/rackd/lib/netutil"
	"github.com/bureau-foundation/rackd/lib/secret"
	"github.com/bureau-foundation/rackd/rpc"
)

// State is the lifecycle position of one endpoint's connection.
type State string

const (
	// StateDisconnected means no connection exists and the worker is
	// waiting out the reconnect delay.
	StateDisconnected State = "disconnected"

	// StateConnecting means a dial is in progress.
	StateConnecting State = "connecting"

	// StateConnected means the transport is up but the handshake has
	// not completed.
	StateConnected State = "connected"

	// StateBootstrapped means the connection is authenticated,
	// registered, and serving calls in both directions.
	StateBootstrapped State = "bootstrapped"
)

// Event records one endpoint state transition. Events are delivered
// best-effort on a buffered channel; a slow consumer loses events, not
// connections.
type Event struct {
	Endpoint string
	State    State
}

// defaults for ManagerOptions.
const (
	defaultReconnectDelay = 5 * time.Second
	defaultDialTimeout    = 10 * time.Second

	// bootstrapTimeout bounds the authenticate-and-register exchange
	// on a fresh connection. A region that accepted the dial but
	// cannot complete the handshake in this long is treated as down.
	bootstrapTimeout = 30 * time.Second

	eventBuffer = 64
)

// Registration is the identity this controller presents to the
// region.
type Registration struct {
	// ClusterUUID identifies the cluster this controller belongs to.
	ClusterUUID string

	// Hostname is reported to the region. Defaults to os.Hostname.
	Hostname string

	// Version is this controller's software version.
	Version string

	// URL is the controller's advertised endpoint, if any.
	URL string

	// Interfaces are the network interfaces reported at
	// registration. See DiscoverInterfaces.
	Interfaces []Interface

	// SystemIDPath is the file where the region-assigned system ID
	// persists across restarts.
	SystemIDPath string

	// Secret is the cluster shared secret used to authenticate the
	// region and open sealed certificate material.
	Secret *secret.Buffer
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Endpoints are the region addresses ("host:port") to hold
	// connections to. At least one is required.
	Endpoints []string

	Registration Registration

	// Dialer opens transport connections. Defaults to a TCPDialer.
	Dialer rpc.Dialer

	// Clock drives the reconnect delay. Defaults to the real clock.
	Clock clock.Clock

	// ReconnectDelay is the fixed wait between connection attempts.
	// It never backs off: a rack controller's only job while
	// disconnected is to get reconnected. Defaults to 5 seconds.
	ReconnectDelay time.Duration

	Logger *slog.Logger
}

// Manager owns one connection worker per region endpoint.
type Manager struct {
	logger         *slog.Logger
	dialer         rpc.Dialer
	clock          clock.Clock
	endpoints      []string
	reconnectDelay time.Duration
	registration   Registration
	rack           *Rack

	systemID    atomic.Value
	certificate atomic.Value

	mu          sync.Mutex
	handlers    map[string]rpc.Handler
	live        []*liveConn
	roundRobin  int
	liveChanged chan struct{}
	states      map[string]State

	events chan Event
}

type liveConn struct {
	endpoint string
	conn     *rpc.Conn
}

// NewManager validates options and returns a Manager. Run starts the
// connection workers.
func NewManager(options ManagerOptions) (*Manager, error) {
	if len(options.Endpoints) == 0 {
		return nil, fmt.Errorf("region: no endpoints configured")
	}
	if options.Registration.Secret == nil {
		return nil, fmt.Errorf("region: cluster secret is required")
	}
	if options.Registration.SystemIDPath == "" {
		return nil, fmt.Errorf("region: system ID path is required")
	}
	if options.Registration.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("region: hostname unavailable: %w", err)
		}
		options.Registration.Hostname = hostname
	}
	if options.Dialer == nil {
		options.Dialer = &rpc.TCPDialer{Timeout: defaultDialTimeout}
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.ReconnectDelay <= 0 {
		options.ReconnectDelay = defaultReconnectDelay
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return &Manager{
		logger:         options.Logger,
		dialer:         options.Dialer,
		clock:          options.Clock,
		endpoints:      options.Endpoints,
		reconnectDelay: options.ReconnectDelay,
		registration:   options.Registration,
		rack:           NewRack(),
		handlers:       make(map[string]rpc.Handler),
		liveChanged:    make(chan struct{}),
		states:         make(map[string]State),
		events:         make(chan Event, eventBuffer),
	}, nil
}

// Rack returns the capability exported to the region on every
// connection. Subsystems register their methods on it before Run.
func (m *Manager) Rack() *Rack {
	return m.rack
}

// SystemID returns the region-assigned system ID, or "" before the
// first successful registration.
func (m *Manager) SystemID() string {
	if v := m.systemID.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Certificate returns the most recent certificate material delivered
// by registration, or nil if none has been opened yet.
func (m *Manager) Certificate() []byte {
	if v := m.certificate.Load(); v != nil {
		return v.([]byte)
	}
	return nil
}

// Events returns the state transition stream.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// States returns a snapshot of every endpoint's connection state.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make(map[string]State, len(m.states))
	for endpoint, state := range m.states {
		snapshot[endpoint] = state
	}
	return snapshot
}

// AddHandler exports a named capability on every current and future
// connection. Panics on duplicate names.
func (m *Manager) AddHandler(name string, handler rpc.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.handlers[name]; exists {
		panic("region: duplicate handler registration: " + name)
	}
	m.handlers[name] = handler
	for _, lc := range m.live {
		lc.conn.Export(name, handler)
	}
}

// GetHandler returns a previously added handler.
func (m *Manager) GetHandler(name string) (rpc.Handler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handler, ok := m.handlers[name]
	if !ok {
		return nil, &rpc.NotFoundError{What: "handler", Name: name}
	}
	return handler, nil
}

// Client returns a client bound to the region root capability on a
// live connection, blocking until one exists. Successive calls rotate
// through live connections.
func (m *Manager) Client(ctx context.Context) (*rpc.Client, error) {
	for {
		m.mu.Lock()
		if len(m.live) > 0 {
			chosen := m.live[m.roundRobin%len(m.live)]
			m.roundRobin++
			m.mu.Unlock()
			return chosen.conn.Client("region"), nil
		}
		changed := m.liveChanged
		m.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Run starts one worker per endpoint and blocks until the context is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, endpoint := range m.endpoints {
		group.Go(func() error {
			m.runEndpoint(groupCtx, endpoint)
			return nil
		})
	}
	return group.Wait()
}

// runEndpoint is one endpoint's connect-bootstrap-serve-reconnect
// loop. It exits only on context cancellation.
func (m *Manager) runEndpoint(ctx context.Context, endpoint string) {
	logger := m.logger.With("endpoint", endpoint)
	for {
		if ctx.Err() != nil {
			return
		}
		m.setState(endpoint, StateConnecting)

		transport, err := m.dialer.DialContext(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("region connection failed", "error", err)
			m.setState(endpoint, StateDisconnected)
			if !m.waitReconnect(ctx) {
				return
			}
			continue
		}

		conn := rpc.NewConn(transport, logger)
		conn.Export("rack", m.rack)
		m.mu.Lock()
		for name, handler := range m.handlers {
			conn.Export(name, handler)
		}
		m.mu.Unlock()

		serveResult := make(chan error, 1)
		go func() {
			serveResult <- conn.Serve(ctx)
		}()
		m.setState(endpoint, StateConnected)

		bootstrapCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
		established, err := m.bootstrap(bootstrapCtx, endpoint, conn)
		cancel()
		if err != nil {
			conn.Close()
			<-serveResult
			logger.Warn("region bootstrap failed", "error", err)
			m.setState(endpoint, StateDisconnected)
			if !m.waitReconnect(ctx) {
				return
			}
			continue
		}

		m.systemID.Store(established.systemID)
		if established.certificate != nil {
			m.certificate.Store(established.certificate)
		}
		logger.Info("registered with region",
			"system_id", established.systemID,
			"region_version", established.regionVersion)
		m.addLive(endpoint, conn)
		m.setState(endpoint, StateBootstrapped)

		err = <-serveResult
		m.removeLive(conn)
		if err == nil || netutil.IsExpectedCloseError(err) {
			logger.Info("region connection closed")
		} else {
			logger.Warn("region connection failed", "error", err)
		}
		m.setState(endpoint, StateDisconnected)
		if !m.waitReconnect(ctx) {
			return
		}
	}
}

// waitReconnect sleeps out the reconnect delay. Returns false when the
// context ended instead.
func (m *Manager) waitReconnect(ctx context.Context) bool {
	select {
	case <-m.clock.After(m.reconnectDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) setState(endpoint string, state State) {
	m.mu.Lock()
	m.states[endpoint] = state
	m.mu.Unlock()

	select {
	case m.events <- Event{Endpoint: endpoint, State: state}:
	default:
		m.logger.Debug("dropping state event", "endpoint", endpoint, "state", state)
	}
}

func (m *Manager) addLive(endpoint string, conn *rpc.Conn) {
	m.mu.Lock()
	m.live = append(m.live, &liveConn{endpoint: endpoint, conn: conn})
	close(m.liveChanged)
	m.liveChanged = make(chan struct{})
	m.mu.Unlock()
}

func (m *Manager) removeLive(conn *rpc.Conn) {
	m.mu.Lock()
	for i, lc := range m.live {
		if lc.conn == conn {
			m.live = append(m.live[:i], m.live[i+1:]...)
			break
		}
	}
	close(m.liveChanged)
	m.liveChanged = make(chan struct{})
	m.mu.Unlock()
}
