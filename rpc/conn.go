// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the capability RPC protocol spoken between a
// rack controller and the region. Frames are self-delimiting CBOR maps
// written directly to the stream; both sides run the same symmetric
// connection loop, so either peer can originate calls at any time.
//
// Targets are capability names. Each side exports named root
// capabilities (the region exports "region", the rack exports "rack");
// a handler that returns another Handler exports it under a generated
// "cap/N" name and the caller receives the reference. Callers may also
// pipeline: a call targeted at "promise/<id>" dispatches against
// whatever capability call <id> resolves to, without waiting for the
// resolution to travel back first. The registration handshake uses
// this to authenticate in a single round trip.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/rackd/lib/codec"
)

// ErrClosed is returned by calls made on (or interrupted by) a closed
// connection.
var ErrClosed = errors.New("rpc: connection closed")

// writeTimeout bounds each frame write. A peer that stops reading for
// this long is treated as dead.
const writeTimeout = 30 * time.Second

// maxRetiredPromises is how many resolved promises are retained after
// their response has been written. Pipelined references sent
// back-to-back with the resolving call must still find the entry even
// if the handler finished before the reference was decoded; anything
// older than this window gets not-found, which a caller only sees if
// it references a promise long after receiving its resolution.
const maxRetiredPromises = 128

// capRef is the response body of a call whose result was exported as a
// new capability.
type capRef struct {
	Ref string `cbor:"ref"`
}

// promise tracks the resolution of one inbound call so that pipelined
// calls targeting "promise/<id>" can wait for it. The read loop
// creates the entry before dispatching the call, so any reference
// decoded later is guaranteed to find it; resolved entries are retired
// through a bounded window rather than kept forever.
type promise struct {
	resolved chan struct{}
	ref      string
	err      error
}

func (p *promise) resolve(ref string, err error) {
	p.ref = ref
	p.err = err
	close(p.resolved)
}

// Conn is one end of a capability RPC connection. It is safe for
// concurrent use: any number of goroutines may call through it while
// Serve runs the read loop.
type Conn struct {
	transport net.Conn
	logger    *slog.Logger

	writeMu sync.Mutex
	encoder *codec.Encoder

	nextCallID   atomic.Uint64
	nextExportID atomic.Uint64

	mu       sync.Mutex
	closed   bool
	pending  map[uint64]chan frame
	exports  map[string]Handler
	promises map[uint64]*promise
	retired  []uint64

	dispatches sync.WaitGroup
	done       chan struct{}
	closeOnce  sync.Once
}

// NewConn wraps a transport connection. The connection does not read
// until Serve is called; export root capabilities first.
func NewConn(transport net.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		transport: transport,
		logger:    logger,
		encoder:   codec.NewEncoder(transport),
		pending:   make(map[uint64]chan frame),
		exports:   make(map[string]Handler),
		promises:  make(map[uint64]*promise),
		done:      make(chan struct{}),
	}
}

// Export registers a root capability under the given name. Panics if
// the name is already registered: duplicate exports are a programming
// error, not a runtime condition.
func (c *Conn) Export(name string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.exports[name]; exists {
		panic("rpc: duplicate capability export: " + name)
	}
	c.exports[name] = handler
}

// Client returns a caller bound to the named capability on the peer.
func (c *Conn) Client(target string) *Client {
	return &Client{conn: c, target: target}
}

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down. In-flight outbound calls fail with
// ErrClosed; in-flight inbound dispatches keep running until their
// handlers return, but their responses are discarded.
func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

// Serve runs the read loop until the context is cancelled, Close is
// called, or the transport fails. It returns nil on context
// cancellation and the read error otherwise (io.EOF when the peer
// closed cleanly). In-flight dispatches are drained before returning.
func (c *Conn) Serve(ctx context.Context) error {
	// Closing the transport is the only way to unblock a pending
	// decode, so context cancellation works through it.
	stop := context.AfterFunc(ctx, func() { c.transport.Close() })
	defer stop()

	decoder := codec.NewDecoder(c.transport)
	var readErr error
	for {
		var f frame
		if err := decoder.Decode(&f); err != nil {
			readErr = err
			break
		}
		if len(f.Body) > maxFrameBody {
			readErr = fmt.Errorf("frame body %d bytes exceeds limit %d", len(f.Body), maxFrameBody)
			break
		}

		switch f.Kind {
		case kindCall:
			// The promise entry is created here, not in the
			// dispatch goroutine, so that a pipelined frame
			// decoded next always finds it.
			entry := c.promiseEntry(f.ID)
			c.dispatches.Add(1)
			go c.handleCall(ctx, f, entry)

		case kindResult, kindError:
			c.deliverResponse(f)

		default:
			readErr = fmt.Errorf("unknown frame kind %d", f.Kind)
		}
		if readErr != nil {
			break
		}
	}

	c.shutdown()
	c.dispatches.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return readErr
}

// shutdown closes the transport and signals Done. Pending outbound
// calls observe Done and fail with ErrClosed; their channels are left
// for the collector rather than closed, because the read loop may
// still be delivering a final response. Safe to call multiple times.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.transport.Close()
		close(c.done)
	})
}

// deliverResponse routes a result or error frame to the waiting call.
// Responses to unknown IDs are logged and dropped: the call may have
// been abandoned by its context before the response arrived.
func (c *Conn) deliverResponse(f frame) {
	c.mu.Lock()
	ch := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()

	if ch == nil {
		c.logger.Debug("dropping response to unknown call", "id", f.ID)
		return
	}
	ch <- f
}

// handleCall dispatches one inbound call and writes its response. Runs
// on its own goroutine so that a slow handler (a power driver waiting
// on a BMC) does not stall the read loop or other calls.
func (c *Conn) handleCall(ctx context.Context, call frame, entry *promise) {
	defer c.dispatches.Done()
	defer c.retirePromise(call.ID)

	result, err := c.dispatchCall(ctx, call)
	if err != nil {
		entry.resolve("", err)
		c.respondError(call.ID, err)
		return
	}

	if handler, ok := result.(Handler); ok {
		ref := c.exportAnonymous(handler)
		entry.resolve(ref, nil)
		c.respondResult(call.ID, capRef{Ref: ref})
		return
	}

	entry.resolve("", &NotFoundError{What: "promise", Name: promiseTarget(call.ID)})
	c.respondResult(call.ID, result)
}

func (c *Conn) dispatchCall(ctx context.Context, call frame) (any, error) {
	handler, err := c.resolveTarget(ctx, call.Target)
	if err != nil {
		return nil, err
	}
	params, err := unpackBody(call.Body, call.Compression)
	if err != nil {
		return nil, &BadRequestError{Reason: fmt.Sprintf("unpacking parameters: %v", err)}
	}
	return handler.Dispatch(ctx, call.Method, codec.RawMessage(params))
}

// resolveTarget maps a target name to its handler. Promise targets
// block until the referenced call resolves; the transport delivers the
// referenced call first (frames are ordered), but its dispatch runs
// concurrently and may not have finished.
func (c *Conn) resolveTarget(ctx context.Context, target string) (Handler, error) {
	if rest, isPromise := strings.CutPrefix(target, "promise/"); isPromise {
		id, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return nil, &BadRequestError{Reason: fmt.Sprintf("malformed promise target %q", target)}
		}
		c.mu.Lock()
		entry := c.promises[id]
		c.mu.Unlock()
		if entry == nil {
			// Either no such call was ever made, or its
			// resolution was retired long ago.
			return nil, &NotFoundError{What: "promise", Name: target}
		}
		select {
		case <-entry.resolved:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrClosed
		}
		if entry.err != nil {
			return nil, entry.err
		}
		target = entry.ref
	}

	c.mu.Lock()
	handler := c.exports[target]
	c.mu.Unlock()
	if handler == nil {
		return nil, &NotFoundError{What: "capability", Name: target}
	}
	return handler, nil
}

func (c *Conn) promiseEntry(id uint64) *promise {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.promises[id]
	if !ok {
		entry = &promise{resolved: make(chan struct{})}
		c.promises[id] = entry
	}
	return entry
}

// retirePromise queues a resolved promise for eviction. The entry
// stays in the table until maxRetiredPromises newer calls have
// completed, keeping it visible to pipelined references that were in
// flight when the response went out. In-flight references that already
// hold the entry are unaffected by eviction.
func (c *Conn) retirePromise(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retired = append(c.retired, id)
	for len(c.retired) > maxRetiredPromises {
		delete(c.promises, c.retired[0])
		c.retired = c.retired[1:]
	}
}

// exportAnonymous registers a capability under a generated name and
// returns the reference.
func (c *Conn) exportAnonymous(handler Handler) string {
	name := "cap/" + strconv.FormatUint(c.nextExportID.Add(1), 10)
	c.mu.Lock()
	c.exports[name] = handler
	c.mu.Unlock()
	return name
}

func promiseTarget(id uint64) string {
	return "promise/" + strconv.FormatUint(id, 10)
}

func (c *Conn) respondResult(id uint64, result any) {
	var body []byte
	var compression uint8
	if result != nil {
		encoded, err := codec.Marshal(result)
		if err != nil {
			c.respondError(id, fmt.Errorf("encoding result: %w", err))
			return
		}
		body, compression = packBody(encoded)
	}
	f := frame{ID: id, Kind: kindResult, Body: body, Compression: compression}
	if err := c.writeFrame(&f); err != nil {
		c.logger.Debug("writing result", "id", id, "error", err)
	}
}

func (c *Conn) respondError(id uint64, dispatchErr error) {
	f := frame{
		ID:           id,
		Kind:         kindError,
		ErrorClass:   errorClass(dispatchErr),
		ErrorMessage: dispatchErr.Error(),
	}
	if err := c.writeFrame(&f); err != nil {
		c.logger.Debug("writing error response", "id", id, "error", err)
	}
}

// startCall registers a pending call and writes its frame. The
// returned pendingCall delivers the response.
func (c *Conn) startCall(target, method string, params any) (*pendingCall, error) {
	var body []byte
	var compression uint8
	if params != nil {
		encoded, err := codec.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding parameters: %w", err)
		}
		body, compression = packBody(encoded)
	}

	id := c.nextCallID.Add(1)
	response := make(chan frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = response
	c.mu.Unlock()

	f := frame{
		ID:          id,
		Kind:        kindCall,
		Target:      target,
		Method:      method,
		Body:        body,
		Compression: compression,
	}
	if err := c.writeFrame(&f); err != nil {
		c.abandonCall(id)
		return nil, fmt.Errorf("sending call: %w", err)
	}
	return &pendingCall{conn: c, id: id, response: response}, nil
}

func (c *Conn) abandonCall(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// writeFrame serializes frame writes. CBOR items from concurrent calls
// must not interleave on the stream.
func (c *Conn) writeFrame(f *frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.transport.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer c.transport.SetWriteDeadline(time.Time{})
	return c.encoder.Encode(f)
}

// pendingCall is an outbound call awaiting its response.
type pendingCall struct {
	conn     *Conn
	id       uint64
	response chan frame
}

// target returns the promise target for pipelining onto this call's
// result.
func (p *pendingCall) target() string {
	return promiseTarget(p.id)
}

// wait blocks for the response and decodes it into result. A nil
// result discards the response body. Abandoning the call on context
// cancellation leaves the eventual response to be dropped by the read
// loop.
func (p *pendingCall) wait(ctx context.Context, result any) error {
	select {
	case f := <-p.response:
		if f.Kind == kindError {
			return &CallError{Class: f.ErrorClass, Message: f.ErrorMessage}
		}
		if result == nil {
			return nil
		}
		body, err := unpackBody(f.Body, f.Compression)
		if err != nil {
			return fmt.Errorf("unpacking result: %w", err)
		}
		if len(body) == 0 {
			return nil
		}
		if err := codec.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
		return nil

	case <-ctx.Done():
		p.conn.abandonCall(p.id)
		return ctx.Err()

	case <-p.conn.done:
		return ErrClosed
	}
}
