// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bureau-foundation/rackd/lib/netutil"
)

// handler serves one proxy generation. A configuration change builds a
// fresh handler, so its fields are immutable and need no locking.
type handler struct {
	logger    *slog.Logger
	allowed   []netip.Prefix
	preferV4  bool
	boundPort uint16
	selfAddrs []netip.Addr

	dialTimeout time.Duration
	dial        func(ctx context.Context, network, address string) (net.Conn, error)
	lookup      func(ctx context.Context, host string) ([]netip.Addr, error)

	transport *http.Transport
}

type handlerConfig struct {
	allowed     []netip.Prefix
	preferV4    bool
	boundPort   uint16
	selfAddrs   []netip.Addr
	dialTimeout time.Duration
	logger      *slog.Logger
}

func newHandler(c handlerConfig) *handler {
	h := &handler{
		logger:      c.logger,
		allowed:     c.allowed,
		preferV4:    c.preferV4,
		boundPort:   c.boundPort,
		selfAddrs:   c.selfAddrs,
		dialTimeout: c.dialTimeout,
	}
	h.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: h.dialTimeout}
		return dialer.DialContext(ctx, network, address)
	}
	h.lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
		return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	}
	h.transport = &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			return h.dialUpstream(ctx, address)
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.clientAllowed(r.RemoteAddr) {
		h.logger.Warn("proxy request from disallowed client", "client", r.RemoteAddr)
		http.Error(w, "client address not allowed", http.StatusForbidden)
		return
	}
	if r.Method == http.MethodConnect {
		h.serveConnect(w, r)
		return
	}
	h.serveRequest(w, r)
}

// clientAllowed checks the client source against the allowed CIDR
// list. The rack itself always gets through: loopback is allowed even
// with an empty list.
func (h *handler) clientAllowed(remoteAddr string) bool {
	addrPort, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return false
	}
	addr := addrPort.Addr().Unmap()
	if addr.IsLoopback() {
		return true
	}
	for _, prefix := range h.allowed {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// serveRequest forwards a plain absolute-URI proxy request.
func (h *handler) serveRequest(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() {
		http.Error(w, "proxy requires an absolute request URI", http.StatusBadRequest)
		return
	}
	target := r.URL.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "80")
	}
	if h.rejectLoop(w, r, target) {
		return
	}

	outbound := r.Clone(r.Context())
	outbound.RequestURI = ""
	outbound.Close = false
	stripHopByHop(outbound.Header)

	resp, err := h.transport.RoundTrip(outbound)
	if err != nil {
		status, reason := upstreamFailure(err)
		h.logger.Warn("upstream request failed",
			"method", r.Method, "url", r.URL.String(), "status", status, "error", err)
		http.Error(w, reason, status)
		return
	}
	defer resp.Body.Close()

	stripHopByHop(resp.Header)
	header := w.Header()
	for key, values := range resp.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	copied, _ := io.Copy(w, resp.Body)
	h.logger.Debug("proxied request",
		"method", r.Method, "url", r.URL.String(), "status", resp.StatusCode, "bytes", copied)
}

// serveConnect establishes a CONNECT tunnel.
func (h *handler) serveConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		http.Error(w, "CONNECT target must be host:port", http.StatusBadRequest)
		return
	}
	if h.rejectLoop(w, r, target) {
		return
	}

	upstream, err := h.dialUpstream(r.Context(), target)
	if err != nil {
		status, reason := upstreamFailure(err)
		h.logger.Warn("CONNECT dial failed", "target", target, "status", status, "error", err)
		http.Error(w, reason, status)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "connection cannot be hijacked", http.StatusInternalServerError)
		return
	}
	client, buffered, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		h.logger.Warn("CONNECT hijack failed", "target", target, "error", err)
		return
	}
	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		client.Close()
		upstream.Close()
		return
	}

	h.logger.Debug("CONNECT tunnel established", "client", r.RemoteAddr, "target", target)
	if err := netutil.BridgeReaders(client, buffered, upstream, upstream); err != nil {
		h.logger.Debug("CONNECT tunnel ended with error", "target", target, "error", err)
	}
}

// rejectLoop answers with 508 when target resolves back to this proxy.
// The check runs before any upstream work: a request the proxy would
// send to itself is never forwarded.
func (h *handler) rejectLoop(w http.ResponseWriter, r *http.Request, target string) bool {
	loop, err := h.isLoop(r.Context(), target)
	if err != nil {
		status, reason := upstreamFailure(err)
		h.logger.Warn("resolving proxy target failed", "target", target, "error", err)
		http.Error(w, reason, status)
		return true
	}
	if loop {
		h.logger.Warn("proxy loop rejected", "client", r.RemoteAddr, "target", target)
		http.Error(w, "request loops back to this proxy", http.StatusLoopDetected)
		return true
	}
	return false
}

// isLoop reports whether host:port names this proxy itself.
func (h *handler) isLoop(ctx context.Context, target string) (bool, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return false, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return false, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	if uint16(port) != h.boundPort {
		return false, nil
	}
	addrs, err := h.lookup(ctx, host)
	if err != nil {
		return false, err
	}
	for _, addr := range addrs {
		addr = addr.Unmap()
		for _, self := range h.selfAddrs {
			if addr == self {
				return true, nil
			}
		}
	}
	return false, nil
}

// dialUpstream connects to an upstream, trying IPv4 first when the
// region prefers it and falling back to whatever resolves.
func (h *handler) dialUpstream(ctx context.Context, address string) (net.Conn, error) {
	if h.preferV4 {
		if conn, err := h.dial(ctx, "tcp4", address); err == nil {
			return conn, nil
		}
	}
	return h.dial(ctx, "tcp", address)
}

// upstreamFailure maps an upstream error onto a gateway status and a
// reason body. Each failure class keeps a distinct reason so clients
// can tell refusals from timeouts from dead routes.
func upstreamFailure(err error) (int, string) {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return http.StatusGatewayTimeout, "upstream timed out"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return http.StatusBadGateway, "no such host"
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED:
			return http.StatusServiceUnavailable, "upstream refused the connection"
		case syscall.ECONNRESET:
			return http.StatusBadGateway, "upstream reset the connection"
		case syscall.EHOSTUNREACH, syscall.ENETUNREACH:
			return http.StatusBadGateway, "upstream unreachable"
		}
	}
	return http.StatusBadGateway, "upstream request failed"
}

// Hop-by-hop headers are connection-scoped and never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes hop-by-hop headers, including any named by the
// Connection header itself.
func stripHopByHop(header http.Header) {
	for _, field := range strings.Split(header.Get("Connection"), ",") {
		if field = strings.TrimSpace(field); field != "" {
			header.Del(field)
		}
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
}
