// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dialer opens transport connections to a region endpoint. The
// connection manager holds one Dialer for all endpoints; tests swap in
// an in-memory implementation.
type Dialer interface {
	// DialContext opens a connection to the given "host:port"
	// address. Respects context cancellation during connection
	// establishment.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// TCPDialer dials plain TCP.
type TCPDialer struct {
	// Timeout bounds connection establishment. Zero means no
	// timeout beyond the context's.
	Timeout time.Duration
}

var _ Dialer = (*TCPDialer)(nil)

// DialContext opens a TCP connection to address.
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	return conn, nil
}
