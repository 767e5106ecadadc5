// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dhcp

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenPacket opens a UDP socket with the options a DHCP relay
// needs: address reuse so the relay can share the port with a local
// daemon, optional broadcast for v4 replies, and binding to the
// client VLAN's interface so each agent only sees its own traffic.
func listenPacket(ctx context.Context, network, address, ifname string, broadcast bool) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, raw syscall.RawConn) error {
			return relaySocketOptions(raw, ifname, broadcast)
		},
	}
	return lc.ListenPacket(ctx, network, address)
}

func relaySocketOptions(raw syscall.RawConn, ifname string, broadcast bool) error {
	var optErr error
	err := raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			optErr = fmt.Errorf("SO_REUSEADDR: %w", err)
			return
		}
		if broadcast {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
				optErr = fmt.Errorf("SO_BROADCAST: %w", err)
				return
			}
		}
		if ifname != "" {
			if err := unix.BindToDevice(int(fd), ifname); err != nil {
				optErr = fmt.Errorf("SO_BINDTODEVICE %s: %w", ifname, err)
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return optErr
}
