// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dhcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/bureau-foundation/rackd/supervisor"
)

const (
	dhcpServerPort = 67
	dhcpClientPort = 68

	// maxRelayHops caps the relay chain length. A request that has
	// already crossed this many relays is dropped instead of
	// forwarded, which is what breaks relay loops.
	maxRelayHops = 16

	// agentCircuitIDSubOption is sub-option 1 of the relay agent
	// information option (option 82).
	agentCircuitIDSubOption = 1

	maxRelayPacket = 4096
)

// Relay names one VLAN whose DHCP broadcasts this rack forwards to a
// server elsewhere: the interface to listen on and the server to
// forward to. Comparable, so reconciliation can diff desired against
// running by value.
type Relay struct {
	Interface string     `cbor:"interface"`
	Upstream  netip.Addr `cbor:"upstream"`
}

// relayAgent4 is one DHCPv4 relay: a single socket on the client
// VLAN's interface that forwards BOOTREQUESTs upstream and BOOTREPLYs
// back down. It implements the supervisor service contract so the
// relay set can drive it like any other service.
type relayAgent4 struct {
	target      Relay
	upstream    *net.UDPAddr
	clusterUUID string
	logger      *slog.Logger

	mu      sync.Mutex
	giaddr  net.IP
	conn    net.PacketConn
	done    chan struct{}
	failure error
}

var _ supervisor.Service = (*relayAgent4)(nil)

func newRelayAgent4(target Relay, clusterUUID string, logger *slog.Logger) *relayAgent4 {
	return &relayAgent4{
		target:      target,
		upstream:    &net.UDPAddr{IP: target.Upstream.AsSlice(), Port: dhcpServerPort},
		clusterUUID: clusterUUID,
		logger:      logger,
	}
}

func (a *relayAgent4) Name() string { return "relay4-" + a.target.Interface }
func (a *relayAgent4) Type() string { return "relay" }
func (a *relayAgent4) PID() int     { return os.Getpid() }

func (a *relayAgent4) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return nil
	}

	// The gateway address we stamp into relayed requests must be our
	// own address on the client VLAN, so the server both selects the
	// right subnet and can route the reply back to us.
	giaddr, err := interfaceAddr4(a.target.Interface)
	if err != nil {
		a.failure = err
		return err
	}
	conn, err := listenPacket(ctx, "udp4", fmt.Sprintf(":%d", dhcpServerPort), a.target.Interface, true)
	if err != nil {
		a.failure = fmt.Errorf("listening on %s: %w", a.target.Interface, err)
		return a.failure
	}

	a.giaddr = giaddr
	a.conn = conn
	a.done = make(chan struct{})
	a.failure = nil
	go a.serve(conn, a.done)

	a.logger.Info("DHCPv4 relay started",
		"interface", a.target.Interface,
		"upstream", a.target.Upstream.String())
	return nil
}

func (a *relayAgent4) Stop(ctx context.Context) error {
	a.mu.Lock()
	conn, done := a.conn, a.done
	a.conn, a.done = nil, nil
	a.failure = nil
	a.mu.Unlock()
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

func (a *relayAgent4) Restart(ctx context.Context) error {
	if err := a.Stop(ctx); err != nil {
		return err
	}
	return a.Start(ctx)
}

func (a *relayAgent4) Status(ctx context.Context) (supervisor.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.failure != nil:
		return supervisor.Status{State: supervisor.StateDead, Info: a.failure.Error()}, nil
	case a.conn == nil:
		return supervisor.Status{State: supervisor.StateOff}, nil
	default:
		return supervisor.Status{State: supervisor.StateRunning}, nil
	}
}

func (a *relayAgent4) serve(conn net.PacketConn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, maxRelayPacket)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.recordFailure(fmt.Errorf("reading from relay socket: %w", err))
			return
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		go a.handlePacket(conn, packet)
	}
}

func (a *relayAgent4) handlePacket(conn net.PacketConn, packet []byte) {
	msg, err := dhcpv4.FromBytes(packet)
	if err != nil {
		a.logger.Warn("dropping malformed DHCPv4 packet",
			"interface", a.target.Interface, "error", err)
		return
	}

	var dest *net.UDPAddr
	switch msg.OpCode {
	case dhcpv4.OpcodeBootRequest:
		if err := a.prepareForServer(msg); err != nil {
			a.logger.Warn("dropping DHCPv4 request",
				"interface", a.target.Interface, "error", err)
			return
		}
		dest = a.upstream
	case dhcpv4.OpcodeBootReply:
		stripAgentInfo(msg)
		dest = clientDestination(msg)
	default:
		return
	}

	if _, err := conn.WriteTo(msg.ToBytes(), dest); err != nil && !errors.Is(err, net.ErrClosed) {
		a.logger.Warn("forwarding DHCPv4 packet",
			"interface", a.target.Interface, "dest", dest.String(), "error", err)
	}
}

// prepareForServer mutates a client request the way a relay must:
// bump the hop count, stamp our gateway address if no earlier relay
// did, and append the circuit identity the region uses to tell VLANs
// apart.
func (a *relayAgent4) prepareForServer(msg *dhcpv4.DHCPv4) error {
	if msg.HopCount >= maxRelayHops {
		return fmt.Errorf("hop count %d at relay limit", msg.HopCount)
	}
	msg.HopCount++
	if len(msg.GatewayIPAddr) == 0 || msg.GatewayIPAddr.IsUnspecified() {
		msg.GatewayIPAddr = a.giaddr
	}
	appendAgentInfo(msg, a.clusterUUID)
	return nil
}

// appendAgentInfo sets option 82 with a circuit ID sub-option
// carrying the rack's cluster UUID.
func appendAgentInfo(msg *dhcpv4.DHCPv4, circuitID string) {
	value := make([]byte, 0, len(circuitID)+2)
	value = append(value, agentCircuitIDSubOption, byte(len(circuitID)))
	value = append(value, circuitID...)
	msg.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRelayAgentInformation, value))
}

// stripAgentInfo removes option 82 from a server reply before it
// reaches the client. The option is relay-to-server bookkeeping;
// leaking it confuses some firmware.
func stripAgentInfo(msg *dhcpv4.DHCPv4) {
	delete(msg.Options, uint8(dhcpv4.OptionRelayAgentInformation))
}

// clientDestination picks where a reply goes: unicast when the client
// already has an address, the local broadcast otherwise.
func clientDestination(msg *dhcpv4.DHCPv4) *net.UDPAddr {
	if len(msg.ClientIPAddr) > 0 && !msg.ClientIPAddr.IsUnspecified() {
		return &net.UDPAddr{IP: msg.ClientIPAddr, Port: dhcpClientPort}
	}
	return &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpClientPort}
}

func (a *relayAgent4) recordFailure(err error) {
	a.mu.Lock()
	a.failure = err
	a.mu.Unlock()
	a.logger.Warn("DHCPv4 relay stopped unexpectedly",
		"interface", a.target.Interface, "error", err)
}

// interfaceAddr4 returns the first IPv4 address assigned to the named
// interface.
func interfaceAddr4(name string) (net.IP, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %s: %w", name, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, fmt.Errorf("addresses of %s: %w", name, err)
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("interface %s has no IPv4 address", name)
}

// RelaySet reconciles the running relay agents of one address family
// against the relay list in each configuration push.
type RelaySet struct {
	v6     bool
	logger *slog.Logger

	mu     sync.Mutex
	agents map[string]relayEntry

	// newAgent builds an agent for a target. A field so tests can
	// substitute agents that do not open sockets.
	newAgent func(Relay) supervisor.Service
}

type relayEntry struct {
	target Relay
	agent  supervisor.Service
}

// RelaySetOptions configures a RelaySet.
type RelaySetOptions struct {
	// V6 selects DHCPv6 agents.
	V6 bool

	// ClusterUUID is stamped into the option 82 circuit ID of v4
	// relayed requests so the region can attribute them to this rack.
	ClusterUUID string

	Logger *slog.Logger
}

// NewRelaySet builds an empty relay set.
func NewRelaySet(o RelaySetOptions) *RelaySet {
	s := &RelaySet{
		v6:     o.V6,
		logger: o.Logger,
		agents: make(map[string]relayEntry),
	}
	s.newAgent = func(target Relay) supervisor.Service {
		if o.V6 {
			return newRelayAgent6(target, o.Logger)
		}
		return newRelayAgent4(target, o.ClusterUUID, o.Logger)
	}
	return s
}

// Reconfigure brings the running agents in line with targets: agents
// for removed or changed targets stop, agents for new targets start.
// A target that fails to start is not kept, so the next configuration
// push retries it.
func (s *RelaySet) Reconfigure(ctx context.Context, targets []Relay) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]Relay, len(targets))
	for _, target := range targets {
		if target.Interface == "" || !target.Upstream.IsValid() {
			s.logger.Warn("ignoring incomplete DHCP relay target",
				"interface", target.Interface)
			continue
		}
		if target.Upstream.Unmap().Is4() == s.v6 {
			s.logger.Warn("ignoring DHCP relay target of the wrong address family",
				"interface", target.Interface,
				"upstream", target.Upstream.String())
			continue
		}
		want[target.Interface] = target
	}

	for iface, entry := range s.agents {
		target, ok := want[iface]
		if ok && target == entry.target {
			continue
		}
		if err := entry.agent.Stop(ctx); err != nil {
			s.logger.Warn("stopping DHCP relay",
				"interface", iface, "error", err)
		}
		delete(s.agents, iface)
	}

	for iface, target := range want {
		if _, ok := s.agents[iface]; ok {
			continue
		}
		agent := s.newAgent(target)
		if err := agent.Start(ctx); err != nil {
			s.logger.Warn("starting DHCP relay",
				"interface", iface,
				"upstream", target.Upstream.String(),
				"error", err)
			continue
		}
		s.agents[iface] = relayEntry{target: target, agent: agent}
	}
}

// Stop stops every agent and empties the set.
func (s *RelaySet) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for iface, entry := range s.agents {
		if err := entry.agent.Stop(ctx); err != nil {
			s.logger.Warn("stopping DHCP relay",
				"interface", iface, "error", err)
		}
		delete(s.agents, iface)
	}
}
