// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ntp keeps rack time in line with the region's time sources.
// It has three pieces: an in-process relay that answers client NTP
// queries by forwarding them upstream, a poll loop that disciplines
// the local clock against the same sources, and a wrapper around the
// external chrony daemon that feeds it the region's server and peer
// list.
package ntp

import "net"

// Configuration is the region's answer to GetTimeConfiguration: the
// upstream servers this rack synchronizes against and the peer rack
// controllers it stays loosely agreed with.
type Configuration struct {
	Servers []string `cbor:"servers"`
	Peers   []string `cbor:"peers"`
}

// hostPort returns address with the NTP port appended unless it
// already carries one.
func hostPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, "123")
}
