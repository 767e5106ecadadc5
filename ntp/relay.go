// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ntp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/rackd/supervisor"
)

const (
	defaultRelayPort       = 123
	defaultUpstreamTimeout = 5 * time.Second
)

// RelayOptions configure the time relay.
type RelayOptions struct {
	// Port is the UDP port to serve on. Zero means the standard NTP
	// port 123.
	Port int

	// UpstreamTimeout bounds one forwarded exchange. Zero means 5
	// seconds.
	UpstreamTimeout time.Duration

	// Logger is required.
	Logger *slog.Logger
}

// Relay answers NTP clients on the rack by forwarding each query to
// one of the region's time sources and handing the answer back with
// the stratum raised to account for the extra hop. Machines on
// isolated networks point at the rack controller for time; the relay
// is what makes that address answer.
type Relay struct {
	logger          *slog.Logger
	port            int
	upstreamTimeout time.Duration

	// exchange sends one query upstream and returns the raw reply.
	// Swapped out in tests.
	exchange func(packet []byte, upstream string) ([]byte, error)

	mu       sync.Mutex
	expected bool
	servers  []string
	peers    []string
	next     int
	conn     net.PacketConn
	done     chan struct{}
	failure  error
}

var _ supervisor.Reloadable = (*Relay)(nil)

// NewRelay returns an unstarted relay. Configure and Start bring it
// up.
func NewRelay(o RelayOptions) (*Relay, error) {
	if o.Logger == nil {
		return nil, fmt.Errorf("ntp: RelayOptions.Logger is required")
	}
	if o.Port == 0 {
		o.Port = defaultRelayPort
	}
	if o.UpstreamTimeout <= 0 {
		o.UpstreamTimeout = defaultUpstreamTimeout
	}
	r := &Relay{
		logger:          o.Logger,
		port:            o.Port,
		upstreamTimeout: o.UpstreamTimeout,
	}
	r.exchange = r.exchangeUpstream
	return r, nil
}

func (r *Relay) Name() string { return "time-relay" }
func (r *Relay) Type() string { return "ntp" }
func (r *Relay) PID() int     { return os.Getpid() }

// Configure applies the region's time configuration. The server list
// takes effect on the next forwarded query; peers are recorded for
// status reporting.
func (r *Relay) Configure(ctx context.Context, data any) error {
	config, ok := data.(Configuration)
	if !ok {
		return fmt.Errorf("ntp: expected Configuration, got %T", data)
	}
	r.mu.Lock()
	r.servers = slices.Clone(config.Servers)
	r.peers = slices.Clone(config.Peers)
	r.expected = true
	r.mu.Unlock()
	return nil
}

// Start binds the relay socket and begins serving. Starting a running
// relay is a no-op.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", fmt.Sprintf(":%d", r.port))
	if err != nil {
		r.failure = fmt.Errorf("ntp: listening on :%d: %w", r.port, err)
		return r.failure
	}
	r.conn = conn
	r.done = make(chan struct{})
	r.failure = nil
	go r.serve(conn, r.done)
	r.logger.Info("time relay started", "addr", conn.LocalAddr().String())
	return nil
}

// Stop closes the socket and waits for the serve loop to exit.
// Stopping a stopped relay is a no-op.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	conn, done := r.conn, r.done
	r.conn, r.done = nil, nil
	r.failure = nil
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.Close()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Restart is stop-then-start. It refuses with ErrNotExpectedToRun
// until the first configuration arrives.
func (r *Relay) Restart(ctx context.Context) error {
	r.mu.Lock()
	expected := r.expected
	r.mu.Unlock()
	if !expected {
		return supervisor.ErrNotExpectedToRun
	}
	if err := r.Stop(ctx); err != nil {
		return err
	}
	return r.Start(ctx)
}

// Status reports the relay's state. Configured peers ride along in
// the info field so they show up in region service reports.
func (r *Relay) Status(ctx context.Context) (supervisor.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var status supervisor.Status
	switch {
	case r.failure != nil:
		status = supervisor.Status{State: supervisor.StateDead, Info: r.failure.Error()}
	case r.conn == nil:
		status = supervisor.Status{State: supervisor.StateOff}
	default:
		status = supervisor.Status{State: supervisor.StateRunning}
	}
	if len(r.peers) > 0 {
		note := "peers: " + strings.Join(r.peers, ", ")
		if status.Info != "" {
			status.Info += "; " + note
		} else {
			status.Info = note
		}
	}
	return status, nil
}

// Addr returns the bound socket address, or nil when stopped.
func (r *Relay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Servers returns the current upstream list.
func (r *Relay) Servers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.servers)
}

func (r *Relay) serve(conn net.PacketConn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, maxPacket)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.recordFailure(fmt.Errorf("ntp: reading relay socket: %w", err))
			return
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		go r.relayPacket(conn, packet, addr)
	}
}

func (r *Relay) recordFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		r.failure = err
		r.logger.Error("time relay failed", "error", err)
	}
}

// relayPacket forwards one client query and writes the answer back.
func (r *Relay) relayPacket(conn net.PacketConn, packet []byte, client net.Addr) {
	if len(packet) < packetSize {
		r.logger.Debug("dropping short NTP query",
			"client", client.String(), "bytes", len(packet))
		return
	}
	upstream := r.nextUpstream()
	if upstream == "" {
		r.logger.Debug("dropping NTP query, no upstream servers",
			"client", client.String())
		return
	}
	reply, err := r.exchange(packet, upstream)
	if err != nil {
		r.logger.Warn("NTP upstream exchange failed",
			"upstream", upstream, "error", err)
		return
	}
	if len(reply) < packetSize {
		r.logger.Warn("dropping short NTP reply",
			"upstream", upstream, "bytes", len(reply))
		return
	}
	// The answer reaches the client through one more hop than the
	// upstream that produced it.
	reply[stratumOffset]++
	if _, err := conn.WriteTo(reply, client); err != nil && !errors.Is(err, net.ErrClosed) {
		r.logger.Warn("returning NTP reply",
			"client", client.String(), "error", err)
	}
}

// nextUpstream rotates through the configured servers, or returns ""
// when there are none.
func (r *Relay) nextUpstream() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.servers) == 0 {
		return ""
	}
	server := r.servers[r.next%len(r.servers)]
	r.next++
	return server
}

// exchangeUpstream is the real UDP round trip behind the exchange
// seam.
func (r *Relay) exchangeUpstream(packet []byte, upstream string) ([]byte, error) {
	conn, err := net.Dial("udp", hostPort(upstream))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(r.upstreamTimeout)); err != nil {
		return nil, err
	}
	if _, err := conn.Write(packet); err != nil {
		return nil, err
	}
	reply := make([]byte, maxPacket)
	n, err := conn.Read(reply)
	if err != nil {
		return nil, err
	}
	return reply[:n], nil
}
