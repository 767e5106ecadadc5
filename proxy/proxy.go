// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy runs the rack's forward HTTP proxy. Machines on the
// rack's networks reach package archives and image stores through it,
// so the region controls who may use it (an allowed-CIDR list) and
// where it listens. The proxy forwards plain absolute-URI requests and
// CONNECT tunnels, refuses requests that would loop back into itself,
// and maps upstream failures onto distinct gateway status codes.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/rackd/supervisor"
)

// defaultPort is where the proxy listens when the region does not name
// a port.
const defaultPort = 8000

// Configuration is the region's proxy configuration, fetched through
// the configuration pull loop.
type Configuration struct {
	Enabled      bool     `cbor:"enabled"`
	PreferV4     bool     `cbor:"prefer_v4"`
	Port         int      `cbor:"port"`
	AllowedCIDRs []string `cbor:"allowed_cidrs"`
}

// Options configures a Service.
type Options struct {
	// DialTimeout bounds each upstream connection attempt. Defaults
	// to ten seconds.
	DialTimeout time.Duration

	// Logger receives proxy log output. Required.
	Logger *slog.Logger
}

// Service is the proxy as a managed service. It starts disabled and
// does nothing until the region's configuration enables it.
type Service struct {
	logger      *slog.Logger
	dialTimeout time.Duration

	mu       sync.Mutex
	expected bool
	config   Configuration
	allowed  []netip.Prefix
	listener net.Listener
	server   *http.Server
	failure  error
}

var _ supervisor.Reloadable = (*Service)(nil)

// New constructs a stopped, unconfigured Service.
func New(o Options) (*Service, error) {
	if o.Logger == nil {
		return nil, fmt.Errorf("proxy: Options.Logger is required")
	}
	dialTimeout := o.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Service{
		logger:      o.Logger,
		dialTimeout: dialTimeout,
	}, nil
}

func (s *Service) Name() string { return "proxy" }

func (s *Service) Type() string { return "proxy" }

func (s *Service) PID() int { return os.Getpid() }

// Configure applies a region configuration. Disabling stops a running
// proxy immediately; enabling only records the new settings, and the
// caller's Restart brings them into force.
func (s *Service) Configure(ctx context.Context, data any) error {
	config, ok := data.(Configuration)
	if !ok {
		return fmt.Errorf("proxy: expected Configuration, got %T", data)
	}
	allowed := make([]netip.Prefix, 0, len(config.AllowedCIDRs))
	for _, cidr := range config.AllowedCIDRs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return fmt.Errorf("proxy: allowed CIDR %q: %w", cidr, err)
		}
		allowed = append(allowed, prefix)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = config
	s.allowed = allowed
	s.expected = config.Enabled
	if !config.Enabled {
		return s.stopLocked()
	}
	return nil
}

// Start binds the listener and begins serving with the current
// configuration. Starting an already running proxy is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

// Stop closes the listener. Stopping a stopped proxy is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = nil
	return s.stopLocked()
}

// Restart applies the current configuration to a fresh listener. A
// proxy the region has disabled refuses to restart.
func (s *Service) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.expected {
		return supervisor.ErrNotExpectedToRun
	}
	if err := s.stopLocked(); err != nil {
		return err
	}
	return s.startLocked(ctx)
}

func (s *Service) Status(ctx context.Context) (supervisor.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return supervisor.Status{State: supervisor.StateDead, Info: s.failure.Error()}, nil
	}
	if s.server != nil {
		return supervisor.Status{State: supervisor.StateRunning}, nil
	}
	return supervisor.Status{State: supervisor.StateOff}, nil
}

// Addr returns the bound listener address, or nil when stopped.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Service) startLocked(ctx context.Context) error {
	if s.server != nil {
		return nil
	}
	port := s.config.Port
	if port == 0 {
		port = defaultPort
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("proxy: listening on port %d: %w", port, err)
	}
	self, err := localAddresses(listener.Addr())
	if err != nil {
		listener.Close()
		return fmt.Errorf("proxy: determining own addresses: %w", err)
	}

	h := newHandler(handlerConfig{
		allowed:     s.allowed,
		preferV4:    s.config.PreferV4,
		boundPort:   uint16(port),
		selfAddrs:   self,
		dialTimeout: s.dialTimeout,
		logger:      s.logger,
	})
	server := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}

	s.listener = listener
	s.server = server
	s.failure = nil
	go func() {
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.mu.Lock()
			if s.server == server {
				s.failure = err
				s.server = nil
				s.listener = nil
			}
			s.mu.Unlock()
			s.logger.Error("proxy serving failed", "error", err)
		}
	}()
	s.logger.Info("proxy listening", "port", port, "allowed_cidrs", len(s.allowed), "prefer_v4", s.config.PreferV4)
	return nil
}

func (s *Service) stopLocked() error {
	if s.server == nil {
		return nil
	}
	server := s.server
	s.server = nil
	s.listener = nil
	if err := server.Close(); err != nil {
		return fmt.Errorf("proxy: closing server: %w", err)
	}
	return nil
}

// localAddresses collects the addresses a request could reach this
// proxy at: the bound address itself, or every interface address when
// bound to the wildcard.
func localAddresses(bound net.Addr) ([]netip.Addr, error) {
	tcpAddr, ok := bound.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("listener address %T is not a TCP address", bound)
	}
	boundIP, ok := netip.AddrFromSlice(tcpAddr.IP)
	if ok && !boundIP.IsUnspecified() {
		return []netip.Addr{boundIP.Unmap()}, nil
	}

	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(ifaceAddrs))
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ipNet.IP); ok {
			addrs = append(addrs, addr.Unmap())
		}
	}
	return addrs, nil
}
