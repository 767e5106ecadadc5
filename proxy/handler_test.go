// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestHandler builds a handler with a literal-IP resolver and an
// allow list covering the test client range.
func newTestHandler(t *testing.T) *handler {
	t.Helper()
	h := newHandler(handlerConfig{
		allowed:     []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")},
		boundPort:   3128,
		selfAddrs:   []netip.Addr{netip.MustParseAddr("192.0.2.1")},
		dialTimeout: 5 * time.Second,
		logger:      testLogger(),
	})
	h.lookup = func(_ context.Context, host string) ([]netip.Addr, error) {
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		}
		return []netip.Addr{addr}, nil
	}
	return h
}

// countingUpstream is an upstream test server that counts hits.
func countingUpstream(t *testing.T, respond http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	hits := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if respond != nil {
			respond(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server, hits
}

func proxyRequest(method, target string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	r.RemoteAddr = "10.0.0.5:51515"
	return r
}

func TestForwardsRequest(t *testing.T) {
	upstream, hits := countingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hello" || r.URL.RawQuery != "x=1" {
			t.Errorf("upstream saw %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		w.Header().Set("X-Upstream", "yes")
		fmt.Fprint(w, "hello from upstream")
	})
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, proxyRequest(http.MethodGet, upstream.URL+"/hello?x=1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "hello from upstream" {
		t.Errorf("body = %q", got)
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream response header not forwarded")
	}
	if hits.Load() != 1 {
		t.Errorf("upstream hits = %d, want 1", hits.Load())
	}
}

func TestStripsHopByHopHeaders(t *testing.T) {
	upstream, _ := countingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Proxy-Connection") != "" {
			t.Error("Proxy-Connection forwarded upstream")
		}
		if r.Header.Get("X-Drop-Me") != "" {
			t.Error("Connection-named header forwarded upstream")
		}
		if r.Header.Get("X-Keep") != "kept" {
			t.Error("ordinary header lost")
		}
	})
	h := newTestHandler(t)

	r := proxyRequest(http.MethodGet, upstream.URL+"/")
	r.Header.Set("Proxy-Connection", "keep-alive")
	r.Header.Set("Connection", "X-Drop-Me")
	r.Header.Set("X-Drop-Me", "secret")
	r.Header.Set("X-Keep", "kept")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRejectsDisallowedClient(t *testing.T) {
	upstream, hits := countingUpstream(t, nil)
	h := newTestHandler(t)

	r := proxyRequest(http.MethodGet, upstream.URL+"/")
	r.RemoteAddr = "172.16.0.9:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if hits.Load() != 0 {
		t.Error("disallowed client reached the upstream")
	}
}

func TestLoopbackClientAlwaysAllowed(t *testing.T) {
	upstream, hits := countingUpstream(t, nil)
	h := newTestHandler(t)
	h.allowed = nil

	r := proxyRequest(http.MethodGet, upstream.URL+"/")
	r.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if hits.Load() != 1 {
		t.Error("loopback client did not reach the upstream")
	}
}

func TestRejectsRelativeURI(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, proxyRequest(http.MethodGet, "/relative/path"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRejectsLoop(t *testing.T) {
	upstream, hits := countingUpstream(t, nil)
	upstreamURL, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.ParseUint(upstreamURL.Port(), 10, 16)
	if err != nil {
		t.Fatal(err)
	}

	// Make the upstream's address the proxy's own bound address.
	h := newTestHandler(t)
	h.boundPort = uint16(port)
	h.selfAddrs = []netip.Addr{netip.MustParseAddr("127.0.0.1")}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, proxyRequest(http.MethodGet, upstream.URL+"/loop"))

	if rec.Code != http.StatusLoopDetected {
		t.Fatalf("status = %d, want 508", rec.Code)
	}
	if hits.Load() != 0 {
		t.Error("looping request was forwarded")
	}
}

func TestUpstreamRefused(t *testing.T) {
	upstream, _ := countingUpstream(t, nil)
	target := upstream.URL
	upstream.Close()
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, proxyRequest(http.MethodGet, target+"/"))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "refused") {
		t.Errorf("body = %q, want a refusal reason", body)
	}
}

// timeoutError satisfies net.Error with Timeout true.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return false }

func TestUpstreamFailureClassification(t *testing.T) {
	dialErr := func(errno syscall.Errno) error {
		return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errno)}
	}
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantReason string
	}{
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "timed out"},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutError{}}, http.StatusGatewayTimeout, "timed out"},
		{"refused", dialErr(syscall.ECONNREFUSED), http.StatusServiceUnavailable, "refused"},
		{"reset", dialErr(syscall.ECONNRESET), http.StatusBadGateway, "reset"},
		{"host unreachable", dialErr(syscall.EHOSTUNREACH), http.StatusBadGateway, "unreachable"},
		{"net unreachable", dialErr(syscall.ENETUNREACH), http.StatusBadGateway, "unreachable"},
		{"no such host", &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}, http.StatusBadGateway, "no such host"},
		{"other", errors.New("weird"), http.StatusBadGateway, "failed"},
	}
	for _, c := range cases {
		status, reason := upstreamFailure(c.err)
		if status != c.wantStatus || !strings.Contains(reason, c.wantReason) {
			t.Errorf("%s: upstreamFailure = %d %q, want %d containing %q",
				c.name, status, reason, c.wantStatus, c.wantReason)
		}
	}
}

func TestPreferV4DialSequence(t *testing.T) {
	h := newTestHandler(t)
	var networks []string

	h.preferV4 = true
	h.dial = func(_ context.Context, network, _ string) (net.Conn, error) {
		networks = append(networks, network)
		return nil, errors.New("unreachable")
	}
	if _, err := h.dialUpstream(t.Context(), "example.com:80"); err == nil {
		t.Fatal("dialUpstream succeeded with failing dialer")
	}
	if len(networks) != 2 || networks[0] != "tcp4" || networks[1] != "tcp" {
		t.Fatalf("networks = %v, want [tcp4 tcp]", networks)
	}

	networks = nil
	pipeA, pipeB := net.Pipe()
	defer pipeA.Close()
	defer pipeB.Close()
	h.dial = func(_ context.Context, network, _ string) (net.Conn, error) {
		networks = append(networks, network)
		return pipeA, nil
	}
	conn, err := h.dialUpstream(t.Context(), "example.com:80")
	if err != nil || conn != pipeA {
		t.Fatalf("dialUpstream = %v, %v", conn, err)
	}
	if len(networks) != 1 || networks[0] != "tcp4" {
		t.Fatalf("networks = %v, want [tcp4]", networks)
	}

	networks = nil
	h.preferV4 = false
	h.dialUpstream(t.Context(), "example.com:80")
	if len(networks) != 1 || networks[0] != "tcp" {
		t.Fatalf("networks = %v, want [tcp]", networks)
	}
}

func TestConnectTunnel(t *testing.T) {
	// Echo server as the CONNECT target.
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer echo.Close()
	go func() {
		for {
			conn, err := echo.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()

	h := newTestHandler(t)
	proxy := httptest.NewServer(h)
	defer proxy.Close()

	conn, err := net.Dial("tcp", proxy.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	target := echo.Addr().String()
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("reading CONNECT response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT status = %d, want 200", resp.StatusCode)
	}

	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatal(err)
	}
	line, err := reader.ReadString('\n')
	if err != nil || line != "ping\n" {
		t.Fatalf("echo through tunnel = %q, %v", line, err)
	}
}

func TestConnectRejectsLoop(t *testing.T) {
	h := newTestHandler(t)
	h.selfAddrs = []netip.Addr{netip.MustParseAddr("127.0.0.1")}

	r := proxyRequest(http.MethodConnect, "http://127.0.0.1:3128")
	r.Host = "127.0.0.1:3128"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusLoopDetected {
		t.Fatalf("status = %d, want 508", rec.Code)
	}
}

func TestConnectRequiresPort(t *testing.T) {
	h := newTestHandler(t)

	r := proxyRequest(http.MethodConnect, "http://example.com")
	r.Host = "example.com"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
