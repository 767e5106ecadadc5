// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor manages the lifecycle of the rack controller's
// network services. Services come in two flavors behind one contract:
// external units driven through systemd or supervisord, and in-process
// services (the DHCP relay, the proxy, the time relay) that implement
// the contract directly. The supervisor registry holds all of them and
// aggregates their status for the periodic report to the region.
package supervisor

import (
	"context"
	"errors"
)

// State is a service's observed lifecycle state.
type State string

const (
	// StateRunning means the service is up.
	StateRunning State = "running"

	// StateOff means the service is stopped and that is fine.
	StateOff State = "off"

	// StateDead means the service exited in a way its manager
	// considers a failure.
	StateDead State = "dead"

	// StateUnknown means the state could not be determined.
	StateUnknown State = "unknown"
)

// Status is the result of one status probe.
type Status struct {
	State State

	// Info carries human-readable detail for states other than
	// running, such as the unit manager's own description of a
	// failure.
	Info string
}

// ErrNotExpectedToRun is returned by Restart when the service's
// expected state is off. Restarting a service the operator or region
// has turned off would silently re-enable it.
var ErrNotExpectedToRun = errors.New("supervisor: service is not expected to run")

// Service is one managed service. Name is the unique registry key;
// Type groups related services (the v4 and v6 DHCP servers share a
// type).
type Service interface {
	Name() string
	Type() string

	// PID returns the service's process ID, or 0 when not running or
	// not applicable.
	PID() int

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Restart is stop-then-start and deliberately non-atomic: a Stop
	// failure aborts with Stop's error and Start is not attempted.
	Restart(ctx context.Context) error

	Status(ctx context.Context) (Status, error)
}

// Reloadable is a Service whose configuration the region controls.
// Configure applies new configuration; the caller restarts afterwards.
type Reloadable interface {
	Service
	Configure(ctx context.Context, data any) error
}

// ControlledService is a Service whose expected state the caller
// steers. SetExpected(false) makes a subsequent Stop the desired
// outcome rather than a failure, and gates Restart.
type ControlledService interface {
	Service
	SetExpected(expected bool)
}
