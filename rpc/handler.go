// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/rackd/lib/codec"
)

// Handler dispatches method calls on a capability. Implementations
// receive the method name and the raw CBOR parameters and return a
// result value (CBOR-encoded for the response) or an error.
//
// A handler that returns a value which itself implements Handler
// exports that value as a new capability on the connection; the caller
// receives a reference it can direct further calls at, including
// pipelined calls that do not wait for the reference to arrive.
type Handler interface {
	Dispatch(ctx context.Context, method string, params codec.RawMessage) (any, error)
}

// MethodFunc is a single dispatchable method.
type MethodFunc func(ctx context.Context, params codec.RawMessage) (any, error)

// Methods is a Handler backed by a method-name map. Unknown methods
// return a NotFoundError, which travels to the caller with the
// not-found class.
type Methods map[string]MethodFunc

var _ Handler = Methods(nil)

// Dispatch looks up and invokes the named method.
func (m Methods) Dispatch(ctx context.Context, method string, params codec.RawMessage) (any, error) {
	fn, ok := m[method]
	if !ok {
		return nil, &NotFoundError{What: "method", Name: method}
	}
	return fn(ctx, params)
}

// Method adapts a typed function into a MethodFunc. Parameters are
// decoded into the request type before the function runs; decode
// failures return a BadRequestError without invoking the function.
// Empty parameters leave the request at its zero value.
func Method[Request any](fn func(ctx context.Context, request Request) (any, error)) MethodFunc {
	return func(ctx context.Context, params codec.RawMessage) (any, error) {
		var request Request
		if len(params) > 0 {
			if err := codec.Unmarshal(params, &request); err != nil {
				return nil, &BadRequestError{Reason: fmt.Sprintf("decoding parameters: %v", err)}
			}
		}
		return fn(ctx, request)
	}
}
