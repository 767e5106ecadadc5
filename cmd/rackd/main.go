// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Rackd is the rack controller daemon: the control-plane process the
// region delegates to on every managed network segment. It holds
// persistent RPC connections to the region, supervises the rack's
// network services (DHCP, NTP, TFTP, HTTP proxy), renders and applies
// region-pushed DHCP configuration, and executes out-of-band power
// operations against BMCs.
//
// On startup:
//  1. Loads the YAML configuration and the cluster shared secret.
//  2. Dials every configured region endpoint; each connection
//     authenticates the region against the shared secret and
//     registers this controller, reconnecting forever on failure.
//  3. Builds the static service table, exports the rack capability
//     (DHCP configuration pushes, power actions), and starts the
//     configuration pull loops.
//  4. Reports aggregated service status upstream on an interval.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/rackd/lib/atomicfile"
	"github.com/bureau-foundation/rackd/lib/config"
	"github.com/bureau-foundation/rackd/lib/secret"
	"github.com/bureau-foundation/rackd/region"
)

// daemonVersion is reported to the region at registration.
const daemonVersion = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to rackd.yaml (defaults to $RACKD_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("rackd %s\n", daemonVersion)
		return nil
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	clusterUUID, err := cfg.EnsureUUID()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sharedSecret, err := secret.ReadHexFile(cfg.Cluster.SecretPath)
	if err != nil {
		return fmt.Errorf("loading cluster secret: %w", err)
	}
	defer sharedSecret.Close()

	interfaces, err := region.DiscoverInterfaces()
	if err != nil {
		logger.Warn("interface discovery failed", "error", err)
	}

	manager, err := region.NewManager(region.ManagerOptions{
		Endpoints: cfg.Region.Endpoints,
		Registration: region.Registration{
			ClusterUUID:  clusterUUID,
			Hostname:     cfg.Cluster.Hostname,
			Version:      daemonVersion,
			Interfaces:   interfaces,
			SystemIDPath: filepath.Join(cfg.Paths.Root, "system-id"),
			Secret:       sharedSecret,
		},
		ReconnectDelay: cfg.Region.ReconnectInterval(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	services, err := buildServices(ctx, cfg, clusterUUID, manager, logger)
	if err != nil {
		return err
	}
	registerRackMethods(manager.Rack(), services)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return manager.Run(groupCtx) })
	group.Go(func() error { return services.reporter.Run(groupCtx) })
	for _, puller := range services.pullers {
		group.Go(func() error { return puller.Run(groupCtx) })
	}
	if services.poller != nil {
		group.Go(func() error { return services.poller.Run(groupCtx) })
	}
	group.Go(func() error {
		watchCertificate(groupCtx, manager,
			filepath.Join(cfg.Paths.Root, "certificate.pem"), logger)
		return nil
	})

	logger.Info("rackd started",
		"cluster_uuid", clusterUUID,
		"endpoints", cfg.Region.Endpoints,
		"supervisor", cfg.Supervisor.Backend)

	runErr := group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	services.shutdown(shutdownCtx)

	logger.Info("rackd stopped")
	return runErr
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// watchCertificate persists region-issued certificate material as it
// arrives so other services on the rack can pick it up from disk.
func watchCertificate(ctx context.Context, manager *region.Manager, path string, logger *slog.Logger) {
	var written []byte
	for {
		select {
		case event := <-manager.Events():
			if event.State != region.StateBootstrapped {
				continue
			}
			certificate := manager.Certificate()
			if len(certificate) == 0 || bytes.Equal(certificate, written) {
				continue
			}
			if err := atomicfile.WriteFile(path, certificate, 0o600); err != nil {
				logger.Warn("writing certificate material", "path", path, "error", err)
				continue
			}
			written = certificate
			logger.Info("certificate material updated", "path", path)
		case <-ctx.Done():
			return
		}
	}
}
