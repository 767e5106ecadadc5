// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/bureau-foundation/rackd/dhcp"
	"github.com/bureau-foundation/rackd/lib/config"
	"github.com/bureau-foundation/rackd/ntp"
	"github.com/bureau-foundation/rackd/power"
	"github.com/bureau-foundation/rackd/power/ipmi"
	"github.com/bureau-foundation/rackd/power/moonshot"
	"github.com/bureau-foundation/rackd/proxy"
	"github.com/bureau-foundation/rackd/region"
	"github.com/bureau-foundation/rackd/rpc"
	"github.com/bureau-foundation/rackd/supervisor"
	"github.com/bureau-foundation/rackd/tftp"
)

// services is everything the daemon wires together at startup: the
// supervised service table, the DHCP daemons the region pushes
// configuration at, the power driver registry behind the rack
// capability, and the background loops run keeps going.
type services struct {
	registry *supervisor.Supervisor
	dhcp4    *dhcp.Daemon
	dhcp6    *dhcp.Daemon
	power    *power.Registry
	reporter *region.Reporter
	pullers  []*supervisor.Puller
	poller   *ntp.Poller

	relays4 *dhcp.RelaySet
	relays6 *dhcp.RelaySet

	// inProcess lists the services whose listeners live in this
	// process and must be closed at shutdown. External units are
	// deliberately left alone: the rack's daemons keep serving
	// while rackd restarts.
	inProcess []supervisor.Service
}

// buildServices constructs the static service table from the loaded
// configuration.
func buildServices(ctx context.Context, cfg *config.Config, clusterUUID string, manager *region.Manager, logger *slog.Logger) (*services, error) {
	s := &services{
		registry: supervisor.New(logger),
		power:    power.NewRegistry(),
	}

	newUnit := func(name, serviceType, unit string) supervisor.ControlledService {
		if cfg.Supervisor.Backend == "supervisord" {
			return supervisor.NewSupervisordService(name, serviceType, unit)
		}
		return supervisor.NewSystemdService(name, serviceType, unit)
	}

	// DHCP: one daemon per address family, push-configured through
	// the rack capability, each owning its relay set.
	s.relays4 = dhcp.NewRelaySet(dhcp.RelaySetOptions{
		ClusterUUID: clusterUUID,
		Logger:      logger,
	})
	s.relays6 = dhcp.NewRelaySet(dhcp.RelaySetOptions{
		V6:     true,
		Logger: logger,
	})

	var err error
	s.dhcp4, err = dhcp.NewDaemon(dhcp.DaemonOptions{
		Unit: newUnit("dhcpd", "dhcp", "dhcpd"),
		Renderer: &dhcp.Renderer{
			Boot:     dhcp.DefaultBootMethods(),
			RackAddr: localAddrInPrefix,
			Logger:   logger,
		},
		Relays:         s.relays4,
		ConfPath:       filepath.Join(cfg.Paths.DHCPDir, "dhcpd.conf"),
		InterfacesPath: filepath.Join(cfg.Paths.DHCPDir, "dhcpd-interfaces"),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	s.dhcp6, err = dhcp.NewDaemon(dhcp.DaemonOptions{
		Unit: newUnit("dhcpd6", "dhcp", "dhcpd6"),
		Renderer: &dhcp.Renderer{
			V6:       true,
			Boot:     dhcp.DefaultBootMethods(),
			RackAddr: localAddrInPrefix,
			Logger:   logger,
		},
		Relays:         s.relays6,
		ConfPath:       filepath.Join(cfg.Paths.DHCPDir, "dhcpd6.conf"),
		InterfacesPath: filepath.Join(cfg.Paths.DHCPDir, "dhcpd6-interfaces"),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	if err := s.registry.Register(s.dhcp4); err != nil {
		return nil, err
	}
	if err := s.registry.Register(s.dhcp6); err != nil {
		return nil, err
	}

	// Relay workers configured statically start now; region pushes
	// reconcile them later.
	if cfg.DHCP.Relay.Enabled {
		if err := s.startConfiguredRelays(ctx, cfg.DHCP.Relay); err != nil {
			return nil, err
		}
	}

	// Time service: either the in-process relay plus the clock
	// discipline loop, or an external chronyd unit. Both pull their
	// source list from the region.
	switch cfg.NTP.Mode {
	case "chronyd":
		unit, err := ntp.NewUnit(ntp.UnitOptions{
			Service:     newUnit("ntp", "ntp", "chronyd"),
			SourcesPath: filepath.Join(cfg.Paths.Root, "chrony.sources"),
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		if err := s.registry.Register(unit); err != nil {
			return nil, err
		}
		s.pullers = append(s.pullers,
			supervisor.NewPuller(unit, manager, fetchTimeConfiguration, nil, logger))
	default:
		relay, err := ntp.NewRelay(ntp.RelayOptions{
			Port:   bindPort(cfg.NTP.BindAddress),
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		if err := s.registry.Register(relay); err != nil {
			return nil, err
		}
		s.inProcess = append(s.inProcess, relay)
		s.pullers = append(s.pullers,
			supervisor.NewPuller(relay, manager, fetchTimeConfiguration, nil, logger))
		s.poller, err = ntp.NewPoller(ntp.PollerOptions{
			Interval: cfg.NTP.Poll(),
			Servers:  relay.Servers,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
	}

	// HTTP proxy, in-process, disabled until the region enables it.
	proxyService, err := proxy.New(proxy.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := s.registry.Register(proxyService); err != nil {
		return nil, err
	}
	s.inProcess = append(s.inProcess, proxyService)
	s.pullers = append(s.pullers,
		supervisor.NewPuller(proxyService, manager, fetchProxyConfiguration, nil, logger))

	// TFTP: external unit fed the fleet's file-server list.
	tftpUnit, err := tftp.NewUnit(tftp.UnitOptions{
		Service:     newUnit("tftp", "tftp", "tftpd"),
		ServersPath: filepath.Join(cfg.Paths.Root, "tftp-servers"),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if err := s.registry.Register(tftpUnit); err != nil {
		return nil, err
	}
	s.pullers = append(s.pullers,
		supervisor.NewPuller(tftpUnit, manager, fetchTFTPServers, nil, logger))

	// Power drivers available to region-initiated actions.
	ipmiDriver, err := ipmi.New(ipmi.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := s.power.Register(ipmiDriver); err != nil {
		return nil, err
	}
	moonshotDriver, err := moonshot.New(moonshot.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := s.power.Register(moonshotDriver); err != nil {
		return nil, err
	}

	s.reporter = region.NewReporter(manager, statusReport(s.registry), nil, 0, logger)
	return s, nil
}

// startConfiguredRelays brings up the relay workers named in the
// config file, before any region push arrives.
func (s *services) startConfiguredRelays(ctx context.Context, cfg config.RelayConfig) error {
	if cfg.Upstream != "" {
		upstream, err := parseRelayUpstream(cfg.Upstream)
		if err != nil {
			return fmt.Errorf("dhcp.relay.upstream: %w", err)
		}
		targets := make([]dhcp.Relay, 0, len(cfg.Interfaces))
		for _, name := range cfg.Interfaces {
			targets = append(targets, dhcp.Relay{Interface: name, Upstream: upstream})
		}
		s.relays4.Reconfigure(ctx, targets)
	}
	if cfg.Upstream6 != "" {
		upstream, err := parseRelayUpstream(cfg.Upstream6)
		if err != nil {
			return fmt.Errorf("dhcp.relay.upstream6: %w", err)
		}
		targets := make([]dhcp.Relay, 0, len(cfg.Interfaces))
		for _, name := range cfg.Interfaces {
			targets = append(targets, dhcp.Relay{Interface: name, Upstream: upstream})
		}
		s.relays6.Reconfigure(ctx, targets)
	}
	return nil
}

// shutdown closes the in-process listeners. External units keep
// running: machines on the rack still need DHCP and time while rackd
// restarts.
func (s *services) shutdown(ctx context.Context) {
	s.relays4.Stop(ctx)
	s.relays6.Stop(ctx)
	for _, service := range s.inProcess {
		if err := service.Stop(ctx); err != nil {
			slog.Warn("stopping service", "service", service.Name(), "error", err)
		}
	}
}

// parseRelayUpstream accepts a bare address or address:port; the
// relay always sends to the protocol's server port, so a port here is
// only tolerated, not used.
func parseRelayUpstream(value string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(value); err == nil {
		return addr, nil
	}
	host, _, err := net.SplitHostPort(value)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("not an address: %q", value)
	}
	return netip.ParseAddr(host)
}

// localAddrInPrefix finds this host's own address inside the given
// prefix, which is what boot URLs and next-server hand to clients on
// that subnet.
func localAddrInPrefix(prefix netip.Prefix) (netip.Addr, bool) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, false
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		parsed, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		parsed = parsed.Unmap()
		if prefix.Contains(parsed) {
			return parsed, true
		}
	}
	return netip.Addr{}, false
}

// bindPort extracts the port from a ":123"-style bind address. Zero
// on anything unparseable lets the component default apply.
func bindPort(bind string) int {
	_, portText, err := net.SplitHostPort(bind)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return 0
	}
	return port
}

// regionServiceNames maps local service names to the daemon names the
// region tracks. Services not listed report under their own names.
var regionServiceNames = map[string]string{
	"ntp":   "chronyd",
	"proxy": "squid",
	"tftp":  "tftpd",
}

// statusReport adapts the supervisor's status map into the region's
// service report, in stable name order.
func statusReport(registry *supervisor.Supervisor) region.StatusFunc {
	return func(ctx context.Context) []region.ServiceStatus {
		statuses := registry.GetStatusMap(ctx)
		names := make([]string, 0, len(statuses))
		for name := range statuses {
			names = append(names, name)
		}
		sort.Strings(names)

		report := make([]region.ServiceStatus, 0, len(names))
		for _, name := range names {
			status := statuses[name]
			reported := name
			if mapped, ok := regionServiceNames[name]; ok {
				reported = mapped
			}
			report = append(report, region.ServiceStatus{
				Name:       reported,
				Status:     string(status.State),
				StatusInfo: status.Info,
			})
		}
		return report
	}
}

// configRequest is the common argument of the region's per-service
// configuration getters.
type configRequest struct {
	SystemID string `cbor:"system_id"`
}

func fetchTimeConfiguration(ctx context.Context, client *rpc.Client, systemID string) (any, error) {
	var response ntp.Configuration
	err := client.Call(ctx, "GetTimeConfiguration", configRequest{SystemID: systemID}, &response)
	if err != nil {
		return nil, err
	}
	return response, nil
}

func fetchProxyConfiguration(ctx context.Context, client *rpc.Client, systemID string) (any, error) {
	var response proxy.Configuration
	err := client.Call(ctx, "GetProxyConfiguration", configRequest{SystemID: systemID}, &response)
	if err != nil {
		return nil, err
	}
	return response, nil
}

func fetchTFTPServers(ctx context.Context, client *rpc.Client, systemID string) (any, error) {
	var response tftp.Configuration
	err := client.Call(ctx, "GetTFTPServers", configRequest{SystemID: systemID}, &response)
	if err != nil {
		return nil, err
	}
	return response, nil
}
