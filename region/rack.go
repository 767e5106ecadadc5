// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package region

import (
	"context"
	"sync"

	"github.com/bureau-foundation/rackd/lib/codec"
	"github.com/bureau-foundation/rackd/rpc"
)

// Rack is the capability this controller exports to every region
// connection under the name "rack". Subsystems register the methods
// they serve (DHCP configuration, power control) during startup; the
// region directs calls at whichever connection it holds.
type Rack struct {
	mu      sync.RWMutex
	methods map[string]rpc.MethodFunc
}

var _ rpc.Handler = (*Rack)(nil)

// NewRack returns a rack capability with the built-in Ping method.
func NewRack() *Rack {
	rack := &Rack{methods: make(map[string]rpc.MethodFunc)}
	rack.Handle("Ping", func(ctx context.Context, params codec.RawMessage) (any, error) {
		return struct{}{}, nil
	})
	return rack
}

// Handle registers a method. Panics if the method is already
// registered: duplicate registrations are a programming error, not a
// runtime condition.
func (r *Rack) Handle(method string, fn rpc.MethodFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[method]; exists {
		panic("region: duplicate rack method registration: " + method)
	}
	r.methods[method] = fn
}

// Dispatch invokes the named method.
func (r *Rack) Dispatch(ctx context.Context, method string, params codec.RawMessage) (any, error) {
	r.mu.RLock()
	fn := r.methods[method]
	r.mu.RUnlock()
	if fn == nil {
		return nil, &rpc.NotFoundError{What: "method", Name: method}
	}
	return fn(ctx, params)
}
