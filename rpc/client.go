// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"
)

// Client directs calls at one capability on the peer. Clients are
// cheap handles; create as many as needed. A client remains valid for
// the lifetime of its connection.
type Client struct {
	conn   *Conn
	target string
}

// Target returns the capability name this client calls.
func (cl *Client) Target() string {
	return cl.target
}

// Conn returns the underlying connection.
func (cl *Client) Conn() *Conn {
	return cl.conn
}

// Call invokes a method and waits for the response. A nil result
// discards the response body. Remote failures return a *CallError
// carrying the wire error class.
func (cl *Client) Call(ctx context.Context, method string, params, result any) error {
	call, err := cl.conn.startCall(cl.target, method, params)
	if err != nil {
		return err
	}
	return call.wait(ctx, result)
}

// Begin sends a call without waiting for its response. The returned
// Future resolves the response later; Future.Client targets the call's
// eventual result, letting dependent calls go out before the first
// response comes back.
func (cl *Client) Begin(method string, params any) *Future {
	call, err := cl.conn.startCall(cl.target, method, params)
	return &Future{conn: cl.conn, call: call, sendErr: err}
}

// Capability invokes a method whose result is a capability and returns
// a client bound to it.
func (cl *Client) Capability(ctx context.Context, method string, params any) (*Client, error) {
	var ref capRef
	if err := cl.Call(ctx, method, params, &ref); err != nil {
		return nil, err
	}
	if ref.Ref == "" {
		return nil, fmt.Errorf("%s: call returned no capability", method)
	}
	return cl.conn.Client(ref.Ref), nil
}

// Future is an in-flight call started with Begin.
type Future struct {
	conn    *Conn
	call    *pendingCall
	sendErr error
}

// Client returns a client targeting the future's result via a promise
// reference. Calls through it dispatch on the peer once the original
// call resolves; if it resolves to an error or a non-capability value,
// they fail with the not-found class.
func (f *Future) Client() *Client {
	if f.sendErr != nil {
		// The call never went out. Target a promise that cannot
		// resolve so dependent calls fail against the dead
		// connection rather than panicking here.
		return f.conn.Client(promiseTarget(0))
	}
	return f.conn.Client(f.call.target())
}

// Wait blocks for the response and decodes it into result. A nil
// result discards the body.
func (f *Future) Wait(ctx context.Context, result any) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	return f.call.wait(ctx, result)
}
