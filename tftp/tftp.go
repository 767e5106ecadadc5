// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tftp manages the external TFTP daemon that hands out boot
// loaders. rackd does not serve TFTP itself; it keeps the daemon's
// upstream list pointed at the rack fleet's file servers and bounces
// the daemon whenever the region's answer changes.
package tftp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bureau-foundation/rackd/lib/atomicfile"
	"github.com/bureau-foundation/rackd/supervisor"
)

// Configuration is the region's answer to GetTFTPServers.
type Configuration struct {
	Servers []string `cbor:"servers"`
}

// UnitOptions configure the TFTP daemon wrapper.
type UnitOptions struct {
	// Service is the external TFTP unit to decorate. Required.
	Service supervisor.ControlledService

	// ServersPath is where the upstream list lands, one address per
	// line. Required.
	ServersPath string

	// Logger is required.
	Logger *slog.Logger
}

// Unit couples the external TFTP daemon to region configuration:
// Configure writes the upstream file-server list, and the caller's
// restart makes the daemon reread it.
type Unit struct {
	supervisor.ControlledService
	serversPath string
	logger      *slog.Logger
}

var _ supervisor.Reloadable = (*Unit)(nil)

// NewUnit returns the configured wrapper.
func NewUnit(o UnitOptions) (*Unit, error) {
	if o.Service == nil {
		return nil, fmt.Errorf("tftp: UnitOptions.Service is required")
	}
	if o.ServersPath == "" {
		return nil, fmt.Errorf("tftp: UnitOptions.ServersPath is required")
	}
	if o.Logger == nil {
		return nil, fmt.Errorf("tftp: UnitOptions.Logger is required")
	}
	return &Unit{
		ControlledService: o.Service,
		serversPath:       o.ServersPath,
		logger:            o.Logger,
	}, nil
}

// Configure writes the upstream server list and marks the daemon
// expected to run. The caller restarts it afterwards.
func (u *Unit) Configure(ctx context.Context, data any) error {
	config, ok := data.(Configuration)
	if !ok {
		return fmt.Errorf("tftp: expected Configuration, got %T", data)
	}
	if err := atomicfile.WriteFile(u.serversPath, renderServers(config), 0o644); err != nil {
		return fmt.Errorf("tftp: writing %s: %w", u.serversPath, err)
	}
	u.SetExpected(true)
	u.logger.Info("TFTP upstream servers updated",
		"path", u.serversPath,
		"servers", len(config.Servers))
	return nil
}

func renderServers(config Configuration) []byte {
	var b strings.Builder
	b.WriteString("# Written by rackd. Edits are lost on the next region sync.\n")
	for _, server := range config.Servers {
		b.WriteString(server)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
