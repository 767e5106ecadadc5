// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package region

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/rackd/lib/clock"
)

// ServiceStatus is one service's state as reported to the region. The
// names are the region's names for the services, which differ from the
// local unit names (the region knows "chronyd", not "ntp").
type ServiceStatus struct {
	Name       string `cbor:"name"`
	Status     string `cbor:"status"`
	StatusInfo string `cbor:"status_info,omitempty"`
}

type updateServicesRequest struct {
	SystemID string          `cbor:"system_id"`
	Services []ServiceStatus `cbor:"services"`
}

// StatusFunc gathers the current service states for one report.
type StatusFunc func(ctx context.Context) []ServiceStatus

// reporter defaults.
const (
	defaultReportInterval = 30 * time.Second
	reportTimeout         = 10 * time.Second
)

// Reporter periodically tells the region how this controller's
// services are doing. Reports are best-effort: a round that finds no
// live connection, or whose call fails, is logged and skipped, and the
// next round carries fresh state anyway.
type Reporter struct {
	manager  *Manager
	status   StatusFunc
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

// NewReporter returns a Reporter sending through manager. A zero
// interval means the 30 second default.
func NewReporter(manager *Manager, status StatusFunc, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Reporter {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = defaultReportInterval
	}
	return &Reporter{
		manager:  manager,
		status:   status,
		clock:    clk,
		interval: interval,
		logger:   logger,
	}
}

// Run reports on every tick until the context is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.report(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Reporter) report(ctx context.Context) {
	reportCtx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	client, err := r.manager.Client(reportCtx)
	if err != nil {
		r.logger.Debug("skipping service status report: no region connection")
		return
	}

	request := updateServicesRequest{
		SystemID: r.manager.SystemID(),
		Services: r.status(reportCtx),
	}
	if err := client.Call(reportCtx, "UpdateServices", request, nil); err != nil {
		r.logger.Warn("service status report failed", "error", err)
		return
	}
	r.logger.Debug("reported service status", "services", len(request.Services))
}
