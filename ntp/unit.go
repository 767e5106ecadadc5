// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ntp

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/bureau-foundation/rackd/lib/atomicfile"
	"github.com/bureau-foundation/rackd/supervisor"
)

// UnitOptions configure the chrony wrapper.
type UnitOptions struct {
	// Service is the external chronyd unit to decorate. Required.
	Service supervisor.ControlledService

	// SourcesPath is where the rendered source list lands. chrony
	// must have a sourcedir or confdir directive covering it.
	// Required.
	SourcesPath string

	// Logger is required.
	Logger *slog.Logger
}

// Unit couples the external chronyd daemon to region configuration:
// Configure renders the server and peer list into chrony's source
// directory, and the caller's restart makes the daemon reread it.
type Unit struct {
	supervisor.ControlledService
	sourcesPath string
	logger      *slog.Logger

	mu    sync.Mutex
	peers []string
}

var _ supervisor.Reloadable = (*Unit)(nil)

// NewUnit returns the configured wrapper.
func NewUnit(o UnitOptions) (*Unit, error) {
	if o.Service == nil {
		return nil, fmt.Errorf("ntp: UnitOptions.Service is required")
	}
	if o.SourcesPath == "" {
		return nil, fmt.Errorf("ntp: UnitOptions.SourcesPath is required")
	}
	if o.Logger == nil {
		return nil, fmt.Errorf("ntp: UnitOptions.Logger is required")
	}
	return &Unit{
		ControlledService: o.Service,
		sourcesPath:       o.SourcesPath,
		logger:            o.Logger,
	}, nil
}

// Configure writes the chrony source list and marks the daemon
// expected to run. The caller restarts it afterwards.
func (u *Unit) Configure(ctx context.Context, data any) error {
	config, ok := data.(Configuration)
	if !ok {
		return fmt.Errorf("ntp: expected Configuration, got %T", data)
	}
	if err := atomicfile.WriteFile(u.sourcesPath, renderSources(config), 0o644); err != nil {
		return fmt.Errorf("ntp: writing %s: %w", u.sourcesPath, err)
	}
	u.mu.Lock()
	u.peers = slices.Clone(config.Peers)
	u.mu.Unlock()
	u.SetExpected(true)
	u.logger.Info("chrony sources updated",
		"path", u.sourcesPath,
		"servers", len(config.Servers),
		"peers", len(config.Peers))
	return nil
}

// Status reports the daemon's state with the configured peers
// appended to the info field.
func (u *Unit) Status(ctx context.Context) (supervisor.Status, error) {
	status, err := u.ControlledService.Status(ctx)
	if err != nil {
		return status, err
	}
	u.mu.Lock()
	peers := u.peers
	u.mu.Unlock()
	if len(peers) > 0 {
		note := "peers: " + strings.Join(peers, ", ")
		if status.Info != "" {
			status.Info += "; " + note
		} else {
			status.Info = note
		}
	}
	return status, nil
}

// renderSources produces the chrony fragment for the region's time
// sources. Servers get iburst so a fresh daemon converges quickly;
// peers are other rack controllers syncing as equals.
func renderSources(config Configuration) []byte {
	var b strings.Builder
	b.WriteString("# Written by rackd. Edits are lost on the next region sync.\n")
	for _, server := range config.Servers {
		fmt.Fprintf(&b, "server %s iburst\n", server)
	}
	for _, peer := range config.Peers {
		fmt.Fprintf(&b, "peer %s\n", peer)
	}
	return []byte(b.String())
}
