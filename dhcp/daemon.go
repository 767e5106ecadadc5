// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dhcp turns region-pushed configuration into a running ISC
// DHCP service. Each address family gets one Daemon: it renders the
// daemon's configuration and interfaces files, writes them atomically,
// drives the external dhcpd unit through the supervisor contract, and
// keeps a set of relay agents forwarding client broadcasts from
// server-less VLANs. Configuration is push-driven; the region calls in
// over RPC whenever its model of the rack's VLANs changes, and an
// unchanged push is detected by content digest and skipped without
// touching the daemon.
package dhcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/rackd/lib/atomicfile"
	"github.com/bureau-foundation/rackd/supervisor"
)

// Daemon manages one address family's DHCP server and its relays.
type Daemon struct {
	unit           supervisor.ControlledService
	renderer       *Renderer
	relays         *RelaySet
	confPath       string
	interfacesPath string
	logger         *slog.Logger

	mu     sync.Mutex
	digest [32]byte
	active bool
}

// DaemonOptions configures a Daemon.
type DaemonOptions struct {
	// Unit is the external dhcpd service (systemd or supervisord).
	Unit supervisor.ControlledService

	// Renderer produces the configuration text. Its V6 flag decides
	// which family this daemon speaks.
	Renderer *Renderer

	// Relays forwards client broadcasts from VLANs this rack serves
	// without a local dhcpd listener. Optional.
	Relays *RelaySet

	// ConfPath and InterfacesPath are where the rendered files go,
	// for example /var/lib/rackd/dhcp/dhcpd.conf and
	// /var/lib/rackd/dhcp/dhcpd-interfaces.
	ConfPath       string
	InterfacesPath string

	Logger *slog.Logger
}

// NewDaemon builds a Daemon from options.
func NewDaemon(o DaemonOptions) (*Daemon, error) {
	if o.Unit == nil {
		return nil, fmt.Errorf("dhcp: DaemonOptions.Unit is required")
	}
	if o.Renderer == nil {
		return nil, fmt.Errorf("dhcp: DaemonOptions.Renderer is required")
	}
	if o.ConfPath == "" || o.InterfacesPath == "" {
		return nil, fmt.Errorf("dhcp: DaemonOptions.ConfPath and InterfacesPath are required")
	}
	if o.Logger == nil {
		return nil, fmt.Errorf("dhcp: DaemonOptions.Logger is required")
	}
	return &Daemon{
		unit:           o.Unit,
		renderer:       o.Renderer,
		relays:         o.Relays,
		confPath:       o.ConfPath,
		interfacesPath: o.InterfacesPath,
		logger:         o.Logger,
	}, nil
}

// The Daemon presents the underlying unit's lifecycle to the
// supervisor registry so status reports cover dhcpd like any other
// service.
var _ supervisor.Service = (*Daemon)(nil)

func (d *Daemon) Name() string { return d.unit.Name() }
func (d *Daemon) Type() string { return d.unit.Type() }
func (d *Daemon) PID() int     { return d.unit.PID() }

func (d *Daemon) Start(ctx context.Context) error   { return d.unit.Start(ctx) }
func (d *Daemon) Stop(ctx context.Context) error    { return d.unit.Stop(ctx) }
func (d *Daemon) Restart(ctx context.Context) error { return d.unit.Restart(ctx) }

func (d *Daemon) Status(ctx context.Context) (supervisor.Status, error) {
	return d.unit.Status(ctx)
}

// Apply moves the daemon to the pushed configuration: render, write,
// restart, reconcile relays. A nil or networkless config disables the
// service. Apply is safe to call concurrently; pushes are serialized.
func (d *Daemon) Apply(ctx context.Context, c *Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c == nil || len(c.SharedNetworks) == 0 {
		return d.disable(ctx)
	}

	conf, err := d.renderer.Render(ctx, c)
	if err != nil {
		return fmt.Errorf("rendering configuration: %w", err)
	}
	interfaces := RenderInterfaces(c)

	digest := configDigest(conf, interfaces, c.Relays)
	if d.active && digest == d.digest {
		d.logger.Debug("DHCP configuration unchanged, not restarting",
			"service", d.unit.Name())
		return nil
	}

	if err := atomicfile.WriteFile(d.confPath, []byte(conf), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", d.confPath, err)
	}
	if err := atomicfile.WriteFile(d.interfacesPath, []byte(interfaces), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", d.interfacesPath, err)
	}

	d.unit.SetExpected(true)
	if err := d.unit.Restart(ctx); err != nil {
		// The digest is deliberately not recorded: the next push,
		// identical or not, retries the restart.
		return fmt.Errorf("restarting %s: %w", d.unit.Name(), err)
	}
	if d.relays != nil {
		d.relays.Reconfigure(ctx, c.Relays)
	}

	d.digest = digest
	d.active = true
	d.logger.Info("DHCP configuration applied",
		"service", d.unit.Name(),
		"networks", len(c.SharedNetworks),
		"hosts", len(c.Hosts),
		"relays", len(c.Relays))
	return nil
}

// disable stops the service and forgets the applied digest. Called
// with d.mu held.
func (d *Daemon) disable(ctx context.Context) error {
	d.unit.SetExpected(false)
	if d.relays != nil {
		d.relays.Reconfigure(ctx, nil)
	}
	if err := d.unit.Stop(ctx); err != nil {
		return fmt.Errorf("stopping %s: %w", d.unit.Name(), err)
	}
	if d.active {
		d.logger.Info("DHCP disabled, no networks to serve",
			"service", d.unit.Name())
	}
	d.digest = [32]byte{}
	d.active = false
	return nil
}

// configDigest fingerprints everything Apply acts on, so a change to
// only the relay set still restarts reconciliation.
func configDigest(conf, interfaces string, relays []Relay) [32]byte {
	hasher := blake3.New()
	hasher.Write([]byte(conf))
	hasher.Write([]byte{0})
	hasher.Write([]byte(interfaces))
	for _, relay := range relays {
		hasher.Write([]byte{0})
		hasher.Write([]byte(relay.Interface))
		hasher.Write([]byte{0})
		hasher.Write([]byte(relay.Upstream.String()))
	}
	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}
