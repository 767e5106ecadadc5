// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dhcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"golang.org/x/net/ipv6"

	"github.com/bureau-foundation/rackd/supervisor"
)

const (
	dhcp6ServerPort = 547
	dhcp6ClientPort = 546
)

// relayAgent6 is one DHCPv6 relay. Unlike v4, relaying is not done by
// editing the client's message: the whole message is wrapped in a
// relay-forward envelope carrying our link address and the client's
// source address, and replies come back as relay-reply envelopes to
// unwrap.
type relayAgent6 struct {
	target   Relay
	upstream *net.UDPAddr
	logger   *slog.Logger

	mu       sync.Mutex
	linkAddr net.IP
	conn     net.PacketConn
	done     chan struct{}
	failure  error
}

var _ supervisor.Service = (*relayAgent6)(nil)

func newRelayAgent6(target Relay, logger *slog.Logger) *relayAgent6 {
	return &relayAgent6{
		target:   target,
		upstream: &net.UDPAddr{IP: target.Upstream.AsSlice(), Port: dhcp6ServerPort},
		logger:   logger,
	}
}

func (a *relayAgent6) Name() string { return "relay6-" + a.target.Interface }
func (a *relayAgent6) Type() string { return "relay" }
func (a *relayAgent6) PID() int     { return os.Getpid() }

func (a *relayAgent6) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return nil
	}

	// The link address in the relay-forward envelope is what the
	// server matches against subnet6 declarations, so it must be a
	// routable address on the client VLAN.
	linkAddr, err := interfaceAddr6(a.target.Interface)
	if err != nil {
		a.failure = err
		return err
	}
	conn, err := listenPacket(ctx, "udp6", fmt.Sprintf(":%d", dhcp6ServerPort), a.target.Interface, false)
	if err != nil {
		a.failure = fmt.Errorf("listening on %s: %w", a.target.Interface, err)
		return a.failure
	}

	// Clients solicit to the All_DHCP_Relay_Agents_and_Servers
	// multicast group; without the join we would only ever see
	// unicast renewals.
	ifi, err := net.InterfaceByName(a.target.Interface)
	if err != nil {
		conn.Close()
		a.failure = fmt.Errorf("looking up interface %s: %w", a.target.Interface, err)
		return a.failure
	}
	group := &net.UDPAddr{IP: dhcpv6.AllDHCPRelayAgentsAndServers}
	if err := ipv6.NewPacketConn(conn).JoinGroup(ifi, group); err != nil {
		conn.Close()
		a.failure = fmt.Errorf("joining %s on %s: %w", group.IP, a.target.Interface, err)
		return a.failure
	}

	a.linkAddr = linkAddr
	a.conn = conn
	a.done = make(chan struct{})
	a.failure = nil
	go a.serve(conn, a.done)

	a.logger.Info("DHCPv6 relay started",
		"interface", a.target.Interface,
		"upstream", a.target.Upstream.String())
	return nil
}

func (a *relayAgent6) Stop(ctx context.Context) error {
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

func (a *relayAgent6) Restart(ctx context.Context) error {
	if err := a.Stop(ctx); err != nil {
		return err
	}
	return a.Start(ctx)
}

func (a *relayAgent6) Status(ctx context.Context) (supervisor.Status, error) {
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

func (a *relayAgent6) serve(conn net.PacketConn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, maxRelayPacket)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.recordFailure(fmt.Errorf("reading from relay socket: %w", err))
			return
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		go a.handlePacket(conn, packet, peer)
	}
}

func (a *relayAgent6) handlePacket(conn net.PacketConn, packet []byte, peer net.Addr) {
	msg, err := dhcpv6.FromBytes(packet)
	if err != nil {
		a.logger.Warn("dropping malformed DHCPv6 packet",
			"interface", a.target.Interface, "error", err)
		return
	}

	if msg.IsRelay() && msg.Type() == dhcpv6.MessageTypeRelayReply {
		a.deliverReply(conn, msg)
		return
	}
	a.forwardRequest(conn, msg, peer)
}

func (a *relayAgent6) forwardRequest(conn net.PacketConn, msg dhcpv6.DHCPv6, peer net.Addr) {
	peerUDP, ok := peer.(*net.UDPAddr)
	if !ok {
		return
	}
	if relay, isRelay := msg.(*dhcpv6.RelayMessage); isRelay && relay.HopCount >= maxRelayHops {
		a.logger.Warn("dropping DHCPv6 request at relay hop limit",
			"interface", a.target.Interface, "hops", relay.HopCount)
		return
	}

	forward, err := dhcpv6.EncapsulateRelay(msg, dhcpv6.MessageTypeRelayForward, a.linkAddr, peerUDP.IP)
	if err != nil {
		a.logger.Warn("encapsulating DHCPv6 request",
			"interface", a.target.Interface, "error", err)
		return
	}
	if _, err := conn.WriteTo(forward.ToBytes(), a.upstream); err != nil && !errors.Is(err, net.ErrClosed) {
		a.logger.Warn("forwarding DHCPv6 request",
			"interface", a.target.Interface, "error", err)
	}
}

func (a *relayAgent6) deliverReply(conn net.PacketConn, msg dhcpv6.DHCPv6) {
	relay, ok := msg.(*dhcpv6.RelayMessage)
	if !ok {
		return
	}
	inner, err := dhcpv6.DecapsulateRelay(msg)
	if err != nil {
		a.logger.Warn("decapsulating DHCPv6 reply",
			"interface", a.target.Interface, "error", err)
		return
	}

	// An inner relay message means another relay sits between us and
	// the client, and relays listen on the server port.
	port := dhcp6ClientPort
	if inner.IsRelay() {
		port = dhcp6ServerPort
	}
	dest := &net.UDPAddr{IP: relay.PeerAddr, Port: port}
	if dest.IP.IsLinkLocalUnicast() {
		dest.Zone = a.target.Interface
	}
	if _, err := conn.WriteTo(inner.ToBytes(), dest); err != nil && !errors.Is(err, net.ErrClosed) {
		a.logger.Warn("delivering DHCPv6 reply",
			"interface", a.target.Interface, "dest", dest.String(), "error", err)
	}
}

func (a *relayAgent6) recordFailure(err error) {
	a.mu.Lock()
	a.failure = err
	a.mu.Unlock()
	a.logger.Warn("DHCPv6 relay stopped unexpectedly",
		"interface", a.target.Interface, "error", err)
}

// interfaceAddr6 returns the first global unicast IPv6 address on the
// named interface. Link-local addresses are not enough: the server
// needs a routable link address for subnet selection.
func interfaceAddr6(name string) (net.IP, error) {
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
		ip := ipnet.IP
		if ip.To4() == nil && ip.IsGlobalUnicast() {
			return ip, nil
		}
	}
	return nil, fmt.Errorf("interface %s has no global IPv6 address", name)
}
