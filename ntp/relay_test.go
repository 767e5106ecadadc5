// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ntp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/rackd/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// packetWrite records one WriteTo on the fake socket.
type packetWrite struct {
	data []byte
	addr net.Addr
}

// fakePacketConn records writes so packet handling can be tested
// without sockets.
type fakePacketConn struct {
	mu     sync.Mutex
	writes []packetWrite
}

var _ net.PacketConn = (*fakePacketConn)(nil)

func (c *fakePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, packetWrite{data: append([]byte(nil), p...), addr: addr})
	return len(p), nil
}

func (c *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) { return 0, nil, net.ErrClosed }
func (c *fakePacketConn) Close() error                             { return nil }
func (c *fakePacketConn) LocalAddr() net.Addr                      { return &net.UDPAddr{} }
func (c *fakePacketConn) SetDeadline(time.Time) error              { return nil }
func (c *fakePacketConn) SetReadDeadline(time.Time) error          { return nil }
func (c *fakePacketConn) SetWriteDeadline(time.Time) error         { return nil }

func (c *fakePacketConn) written() []packetWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]packetWrite(nil), c.writes...)
}

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	relay, err := NewRelay(RelayOptions{Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	return relay
}

func configureRelay(t *testing.T, relay *Relay, config Configuration) {
	t.Helper()
	if err := relay.Configure(t.Context(), config); err != nil {
		t.Fatalf("Configure: %v", err)
	}
}

// clientQuery builds a minimal well-formed client packet.
func clientQuery() []byte {
	packet := make([]byte, packetSize)
	packet[0] = versionClient
	return packet
}

// serverReply builds a well-formed server answer with the given
// stratum.
func serverReply(stratum byte) []byte {
	packet := make([]byte, packetSize)
	packet[0] = 4<<3 | modeServer
	packet[stratumOffset] = stratum
	return packet
}

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probing for a free port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func TestRelayIncrementsStratum(t *testing.T) {
	relay := newTestRelay(t)
	configureRelay(t, relay, Configuration{Servers: []string{"upstream-a"}})
	relay.exchange = func(packet []byte, upstream string) ([]byte, error) {
		return serverReply(2), nil
	}

	conn := &fakePacketConn{}
	client := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 9), Port: 123}
	relay.relayPacket(conn, clientQuery(), client)

	writes := conn.written()
	if len(writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(writes))
	}
	if got := writes[0].data[stratumOffset]; got != 3 {
		t.Fatalf("relayed stratum = %d, want 3", got)
	}
	if writes[0].addr != client {
		t.Fatalf("reply went to %v, want %v", writes[0].addr, client)
	}
}

func TestRelayRoundRobin(t *testing.T) {
	relay := newTestRelay(t)
	configureRelay(t, relay, Configuration{Servers: []string{"a", "b", "c"}})
	var mu sync.Mutex
	var used []string
	relay.exchange = func(packet []byte, upstream string) ([]byte, error) {
		mu.Lock()
		used = append(used, upstream)
		mu.Unlock()
		return serverReply(2), nil
	}

	conn := &fakePacketConn{}
	client := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 9), Port: 123}
	for range 6 {
		relay.relayPacket(conn, clientQuery(), client)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c", "a", "b", "c"}
	if !slices.Equal(used, want) {
		t.Fatalf("upstream order %v, want %v", used, want)
	}
}

func TestRelayDropsShortQuery(t *testing.T) {
	relay := newTestRelay(t)
	configureRelay(t, relay, Configuration{Servers: []string{"a"}})
	exchanged := false
	relay.exchange = func([]byte, string) ([]byte, error) {
		exchanged = true
		return serverReply(2), nil
	}

	conn := &fakePacketConn{}
	relay.relayPacket(conn, make([]byte, 10), &net.UDPAddr{})

	if exchanged {
		t.Fatal("short query was forwarded upstream")
	}
	if len(conn.written()) != 0 {
		t.Fatal("short query produced a reply")
	}
}

func TestRelayDropsShortReply(t *testing.T) {
	relay := newTestRelay(t)
	configureRelay(t, relay, Configuration{Servers: []string{"a"}})
	relay.exchange = func([]byte, string) ([]byte, error) {
		return make([]byte, 12), nil
	}

	conn := &fakePacketConn{}
	relay.relayPacket(conn, clientQuery(), &net.UDPAddr{})

	if len(conn.written()) != 0 {
		t.Fatal("truncated upstream reply was relayed to the client")
	}
}

func TestRelayDropsWithoutUpstreams(t *testing.T) {
	relay := newTestRelay(t)
	exchanged := false
	relay.exchange = func([]byte, string) ([]byte, error) {
		exchanged = true
		return serverReply(2), nil
	}

	conn := &fakePacketConn{}
	relay.relayPacket(conn, clientQuery(), &net.UDPAddr{})

	if exchanged {
		t.Fatal("query was forwarded with no upstream servers configured")
	}
	if len(conn.written()) != 0 {
		t.Fatal("query produced a reply with no upstream servers configured")
	}
}

func TestRelayDropsOnExchangeError(t *testing.T) {
	relay := newTestRelay(t)
	configureRelay(t, relay, Configuration{Servers: []string{"a"}})
	relay.exchange = func([]byte, string) ([]byte, error) {
		return nil, errors.New("upstream timeout")
	}

	conn := &fakePacketConn{}
	relay.relayPacket(conn, clientQuery(), &net.UDPAddr{})

	if len(conn.written()) != 0 {
		t.Fatal("failed exchange still produced a reply")
	}
}

func TestRelayConfigureRejectsWrongType(t *testing.T) {
	relay := newTestRelay(t)
	if err := relay.Configure(t.Context(), 42); err == nil {
		t.Fatal("Configure accepted an int")
	}
}

func TestRelayRestartRefusedBeforeConfigure(t *testing.T) {
	relay := newTestRelay(t)
	if err := relay.Restart(t.Context()); !errors.Is(err, supervisor.ErrNotExpectedToRun) {
		t.Fatalf("Restart = %v, want ErrNotExpectedToRun", err)
	}
}

func TestRelayStatusReportsPeers(t *testing.T) {
	relay := newTestRelay(t)
	configureRelay(t, relay, Configuration{
		Servers: []string{"a"},
		Peers:   []string{"rack-2.example", "rack-3.example"},
	})

	status, err := relay.Status(t.Context())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != supervisor.StateOff {
		t.Fatalf("state = %s, want off", status.State)
	}
	if !strings.Contains(status.Info, "rack-2.example") || !strings.Contains(status.Info, "rack-3.example") {
		t.Fatalf("status info %q does not name the peers", status.Info)
	}
}

func TestRelayLifecycle(t *testing.T) {
	relay, err := NewRelay(RelayOptions{Port: freePort(t), Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	t.Cleanup(func() { relay.Stop(context.Background()) })

	status, err := relay.Status(t.Context())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != supervisor.StateOff {
		t.Fatalf("initial state = %s, want off", status.State)
	}

	configureRelay(t, relay, Configuration{Servers: []string{"a"}})
	if err := relay.Restart(t.Context()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	status, err = relay.Status(t.Context())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != supervisor.StateRunning {
		t.Fatalf("state after restart = %s, want running", status.State)
	}
	if relay.Addr() == nil {
		t.Fatal("running relay reports no address")
	}

	if err := relay.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	status, err = relay.Status(t.Context())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != supervisor.StateOff {
		t.Fatalf("state after stop = %s, want off", status.State)
	}
	if err := relay.Stop(t.Context()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestRelayEndToEnd(t *testing.T) {
	upstream := startServer(t, func(request []byte) []byte {
		if len(request) < packetSize {
			return nil
		}
		return serverReply(3)
	})

	port := freePort(t)
	relay, err := NewRelay(RelayOptions{Port: port, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	configureRelay(t, relay, Configuration{Servers: []string{upstream}})
	if err := relay.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { relay.Stop(context.Background()) })

	client, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dialing relay: %v", err)
	}
	defer client.Close()
	if err := client.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("setting deadline: %v", err)
	}
	if _, err := client.Write(clientQuery()); err != nil {
		t.Fatalf("sending query: %v", err)
	}

	reply := make([]byte, maxPacket)
	n, err := client.Read(reply)
	if err != nil {
		t.Fatalf("reading relayed reply: %v", err)
	}
	if n < packetSize {
		t.Fatalf("relayed reply is %d bytes, want at least %d", n, packetSize)
	}
	if reply[stratumOffset] != 4 {
		t.Fatalf("relayed stratum = %d, want 4", reply[stratumOffset])
	}
}
