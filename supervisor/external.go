// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"time"

	"github.com/bureau-foundation/rackd/lib/clock"
	"github.com/bureau-foundation/rackd/rpc"
)

// ClientSource supplies a live region client for configuration pulls.
// The region connection manager satisfies it.
type ClientSource interface {
	// Client blocks until a live connection exists or ctx ends.
	Client(ctx context.Context) (*rpc.Client, error)

	// SystemID returns this controller's region-assigned ID, or ""
	// before first registration.
	SystemID() string
}

// FetchFunc retrieves one service's configuration from the region.
// The returned value is compared against the previous pull to decide
// whether anything changed.
type FetchFunc func(ctx context.Context, client *rpc.Client, systemID string) (any, error)

// Pull loop intervals. The fast interval applies until the first
// successful pull so a freshly started controller converges quickly;
// after that the steady interval takes over.
const (
	pullInitialInterval = 5 * time.Second
	pullSteadyInterval  = 30 * time.Second
	pullTimeout         = 10 * time.Second
)

// Puller keeps one reloadable service configured from the region. On
// each tick it fetches the service's configuration and, only when the
// value differs from the last applied one, runs Configure followed by
// Restart. Every failure leaves the previous configuration in force:
// a stale running service beats a broken one.
type Puller struct {
	service Reloadable
	source  ClientSource
	fetch   FetchFunc
	clock   clock.Clock
	logger  *slog.Logger

	configured bool
	last       any
}

// NewPuller returns a Puller for service. A nil clk means the real
// clock.
func NewPuller(service Reloadable, source ClientSource, fetch FetchFunc, clk clock.Clock, logger *slog.Logger) *Puller {
	if clk == nil {
		clk = clock.Real()
	}
	return &Puller{
		service: service,
		source:  source,
		fetch:   fetch,
		clock:   clk,
		logger:  logger,
	}
}

// Run pulls on an interval until the context is cancelled. The
// interval starts short so a freshly started rack converges quickly,
// then relaxes once the first configuration has been applied.
func (p *Puller) Run(ctx context.Context) error {
	for {
		interval := pullSteadyInterval
		if !p.configured {
			interval = pullInitialInterval
		}
		select {
		case <-p.clock.After(interval):
			p.pull(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Puller) pull(ctx context.Context) {
	name := p.service.Name()
	pullCtx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()

	client, err := p.source.Client(pullCtx)
	if err != nil {
		p.logger.Debug("skipping config pull: no region connection", "service", name)
		return
	}

	config, err := p.fetch(pullCtx, client, p.source.SystemID())
	if err != nil {
		p.logger.Warn("config pull failed", "service", name, "error", err)
		return
	}

	if p.configured && reflect.DeepEqual(config, p.last) {
		p.logger.Debug("config unchanged", "service", name)
		return
	}

	if err := p.service.Configure(pullCtx, config); err != nil {
		p.logger.Warn("configure failed", "service", name, "error", err)
		return
	}
	if err := p.service.Restart(pullCtx); err != nil {
		if errors.Is(err, ErrNotExpectedToRun) {
			p.logger.Debug("restart skipped", "service", name)
		} else {
			// Not recorded as applied: the next tick retries the
			// whole configure-restart sequence.
			p.logger.Warn("restart after configure failed", "service", name, "error", err)
			return
		}
	}

	p.configured = true
	p.last = config
	p.logger.Info("service configured", "service", name)
}
