// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ntp

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// NTP wire layout (RFC 5905). Only the fields the relay and the poll
// loop touch are named here.
const (
	packetSize = 48  // header-only packet, the smallest a peer may send
	maxPacket  = 512 // read buffer, leaves room for extension fields

	stratumOffset           = 1
	receiveTimestampOffset  = 32
	transmitTimestampOffset = 40

	modeClient = 3
	modeServer = 4

	// versionClient is the first byte of our own queries: leap
	// indicator 0, version 4, mode client.
	versionClient = 4<<3 | modeClient
)

// ntpEpochDelta is the span between the NTP epoch (1900-01-01) and
// the Unix epoch (1970-01-01), in seconds.
const ntpEpochDelta = 2208988800

// ntpTime converts t to the 64-bit NTP timestamp: 32 bits of seconds
// since 1900, 32 bits of binary fraction.
func ntpTime(t time.Time) uint64 {
	seconds := uint64(t.Unix()) + ntpEpochDelta
	fraction := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return seconds<<32 | fraction
}

// timeFromNTP is the inverse of ntpTime.
func timeFromNTP(v uint64) time.Time {
	seconds := int64(v>>32) - ntpEpochDelta
	nanos := ((v & 0xffffffff) * uint64(time.Second)) >> 32
	return time.Unix(seconds, int64(nanos))
}

// clockOffset is the SNTP estimate of how far the local clock trails
// the server's: ((T2-T1)+(T3-T4))/2, where T1 and T4 are sampled
// locally around the exchange and T2 and T3 come from the server. The
// network delay cancels out as long as it is roughly symmetric.
func clockOffset(t1, t2, t3, t4 time.Time) time.Duration {
	return (t2.Sub(t1) + t3.Sub(t4)) / 2
}

// querySNTP runs one client exchange against server and returns the
// measured clock offset.
func querySNTP(ctx context.Context, server string) (time.Duration, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", hostPort(server))
	if err != nil {
		return 0, fmt.Errorf("ntp: dialing %s: %w", server, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return 0, fmt.Errorf("ntp: setting deadline: %w", err)
		}
	}

	request := make([]byte, packetSize)
	request[0] = versionClient
	t1 := time.Now()
	binary.BigEndian.PutUint64(request[transmitTimestampOffset:], ntpTime(t1))
	if _, err := conn.Write(request); err != nil {
		return 0, fmt.Errorf("ntp: querying %s: %w", server, err)
	}

	reply := make([]byte, maxPacket)
	n, err := conn.Read(reply)
	t4 := time.Now()
	if err != nil {
		return 0, fmt.Errorf("ntp: reading from %s: %w", server, err)
	}
	if n < packetSize {
		return 0, fmt.Errorf("ntp: short reply from %s (%d bytes)", server, n)
	}
	if mode := reply[0] & 0x07; mode != modeServer {
		return 0, fmt.Errorf("ntp: unexpected mode %d from %s", mode, server)
	}

	t2 := timeFromNTP(binary.BigEndian.Uint64(reply[receiveTimestampOffset:]))
	t3 := timeFromNTP(binary.BigEndian.Uint64(reply[transmitTimestampOffset:]))
	return clockOffset(t1, t2, t3, t4), nil
}
