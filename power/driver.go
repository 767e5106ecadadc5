// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package power defines the contract between the rack controller and
// its out-of-band power drivers. A driver advertises a typed table of
// configuration fields (BMC address and credentials, node selectors);
// each power action from the region carries a bag of raw values that
// the framework resolves against that table into Params, which the
// driver reads through typed getters. Drivers register under a unique
// name and are looked up per action.
package power

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// State is a queried power state.
type State string

const (
	StateOn  State = "on"
	StateOff State = "off"

	// StateUnknown means the BMC answered but the state could not be
	// read from its reply.
	StateUnknown State = "unknown"
)

// BootDevice is a boot-order target for drivers that support setting
// the next boot device.
type BootDevice string

const (
	BootDevicePXE  BootDevice = "pxe"
	BootDeviceDisk BootDevice = "disk"
)

// Driver is one way to control machine power out of band.
type Driver interface {
	// Name is the registry key, for example "ipmi".
	Name() string
	Description() string

	// Settings declares the fields the driver reads from Params.
	Settings() []Field

	PowerOn(ctx context.Context, p *Params) error
	PowerOff(ctx context.Context, p *Params) error
	PowerCycle(ctx context.Context, p *Params) error
	PowerQuery(ctx context.Context, p *Params) (State, error)
}

// BootOrderSetter is implemented by drivers that can point a machine
// at its next boot device.
type BootOrderSetter interface {
	SetBootOrder(ctx context.Context, p *Params, device BootDevice) error
}

// Registry holds the drivers this rack can use.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver. The name must be unique and the driver's
// field table well formed; table problems surface here, at startup,
// rather than on the first power action.
func (r *Registry) Register(d Driver) error {
	name := d.Name()
	if name == "" {
		return fmt.Errorf("power: driver has no name")
	}
	if _, err := ResolveParams(d.Settings(), nil); err != nil {
		return fmt.Errorf("power: driver %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[name]; ok {
		return fmt.Errorf("power: driver %q already registered", name)
	}
	r.drivers[name] = d
	return nil
}

// Driver returns the named driver.
func (r *Registry) Driver(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, &UnknownDriverError{Name: name}
	}
	return d, nil
}

// Names returns the registered driver names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
