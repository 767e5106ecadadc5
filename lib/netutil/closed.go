// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides connection teardown helpers shared by the
// region connection manager, the HTTP proxy, and the packet relays.
//
// [IsExpectedCloseError] classifies errors from reads and writes that
// failed because the other side went away, so callers can log a calm
// disconnect instead of an error. [BridgeConnections] and
// [BridgeReaders] implement the bidirectional copy used by CONNECT
// tunnels.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, or connection
// reset. A region controller restarting, a proxied client giving up,
// or a relay socket torn down during shutdown all surface as one of
// these on whichever read or write was in flight.
//
// Full-close teardown (closing the entire connection rather than
// half-close via CloseWrite) produces ECONNRESET and EPIPE instead of
// EOF on the surviving side. All four are expected and should not be
// logged as errors.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
