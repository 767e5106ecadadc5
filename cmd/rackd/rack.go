// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/bureau-foundation/rackd/dhcp"
	"github.com/bureau-foundation/rackd/power"
	"github.com/bureau-foundation/rackd/region"
	"github.com/bureau-foundation/rackd/rpc"
)

// registerRackMethods exports the region-callable surface on the rack
// capability: DHCP configuration pushes and power actions.
func registerRackMethods(rack *region.Rack, s *services) {
	rack.Handle("ConfigureDHCPv4", rpc.Method(func(ctx context.Context, request dhcp.Config) (any, error) {
		if err := s.dhcp4.Apply(ctx, &request); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	}))
	rack.Handle("ConfigureDHCPv6", rpc.Method(func(ctx context.Context, request dhcp.Config) (any, error) {
		if err := s.dhcp6.Apply(ctx, &request); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	}))

	rack.Handle("PowerOn", powerAction(s.power, power.Driver.PowerOn))
	rack.Handle("PowerOff", powerAction(s.power, power.Driver.PowerOff))
	rack.Handle("PowerCycle", powerAction(s.power, power.Driver.PowerCycle))

	rack.Handle("PowerQuery", rpc.Method(func(ctx context.Context, request powerRequest) (any, error) {
		driver, params, err := resolvePower(s.power, request)
		if err != nil {
			return nil, err
		}
		state, err := driver.PowerQuery(ctx, params)
		if err != nil {
			return nil, err
		}
		return powerStateResponse{State: string(state)}, nil
	}))

	rack.Handle("SetBootOrder", rpc.Method(func(ctx context.Context, request bootOrderRequest) (any, error) {
		driver, params, err := resolvePower(s.power, request.powerRequest)
		if err != nil {
			return nil, err
		}
		setter, ok := driver.(power.BootOrderSetter)
		if !ok {
			return nil, &rpc.BadRequestError{
				Reason: "driver " + driver.Name() + " cannot set boot order",
			}
		}
		if err := setter.SetBootOrder(ctx, params, power.BootDevice(request.Device)); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	}))
}

// powerRequest names a driver and carries the per-machine field
// values (BMC address, credentials, node selector) the region holds
// for the target.
type powerRequest struct {
	Driver  string            `cbor:"driver"`
	Context map[string]string `cbor:"context"`
}

type bootOrderRequest struct {
	powerRequest
	Device string `cbor:"device"`
}

type powerStateResponse struct {
	State string `cbor:"state"`
}

// resolvePower looks the driver up and resolves the request's field
// values against its settings table.
func resolvePower(registry *power.Registry, request powerRequest) (power.Driver, *power.Params, error) {
	driver, err := registry.Driver(request.Driver)
	if err != nil {
		return nil, nil, err
	}
	params, err := power.ResolveParams(driver.Settings(), request.Context)
	if err != nil {
		return nil, nil, err
	}
	return driver, params, nil
}

// powerAction adapts one of the driver interface's action methods
// into a rack capability method.
func powerAction(registry *power.Registry, action func(power.Driver, context.Context, *power.Params) error) rpc.MethodFunc {
	return rpc.Method(func(ctx context.Context, request powerRequest) (any, error) {
		driver, params, err := resolvePower(registry, request)
		if err != nil {
			return nil, err
		}
		if err := action(driver, ctx, params); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	})
}
