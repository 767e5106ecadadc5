// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ntp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/rackd/lib/clock"
)

const (
	defaultPollInterval  = 64 * time.Second
	defaultPollTimeout   = 5 * time.Second
	defaultStepThreshold = 128 * time.Millisecond
)

// PollerOptions configure the clock discipline loop.
type PollerOptions struct {
	// Interval between samples. Zero means 64 seconds.
	Interval time.Duration

	// Timeout bounds one upstream query. Zero means 5 seconds.
	Timeout time.Duration

	// StepThreshold is the smallest offset worth correcting; samples
	// below it are dropped. Zero means 128 milliseconds.
	StepThreshold time.Duration

	// Servers yields the current upstream list. The poller consults
	// it every cycle, so configuration changes take effect without a
	// restart. Required.
	Servers func() []string

	// Stepper applies measured offsets. Nil means the adjtimex
	// implementation.
	Stepper Steppable

	// Clock drives the sample timer. Nil means the real clock.
	Clock clock.Clock

	// Logger is required.
	Logger *slog.Logger
}

// Poller disciplines the local clock: every interval it asks one of
// the region's time sources for the current offset and steps the
// clock when the drift is worth correcting. Sources rotate
// round-robin across cycles so a single dead server cannot starve
// the loop.
type Poller struct {
	interval  time.Duration
	timeout   time.Duration
	threshold time.Duration
	servers   func() []string
	stepper   Steppable
	clock     clock.Clock
	logger    *slog.Logger

	// query measures the offset against one server. Swapped out in
	// tests.
	query func(ctx context.Context, server string) (time.Duration, error)

	next int
}

// NewPoller returns a poller; Run starts it.
func NewPoller(o PollerOptions) (*Poller, error) {
	if o.Logger == nil {
		return nil, fmt.Errorf("ntp: PollerOptions.Logger is required")
	}
	if o.Servers == nil {
		return nil, fmt.Errorf("ntp: PollerOptions.Servers is required")
	}
	if o.Interval <= 0 {
		o.Interval = defaultPollInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultPollTimeout
	}
	if o.StepThreshold <= 0 {
		o.StepThreshold = defaultStepThreshold
	}
	if o.Stepper == nil {
		o.Stepper = NewKernelStepper()
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	return &Poller{
		interval:  o.Interval,
		timeout:   o.Timeout,
		threshold: o.StepThreshold,
		servers:   o.Servers,
		stepper:   o.Stepper,
		clock:     o.Clock,
		logger:    o.Logger,
		query:     querySNTP,
	}, nil
}

// Run samples on every tick until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sample(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Poller) sample(ctx context.Context) {
	servers := p.servers()
	if len(servers) == 0 {
		return
	}
	server := servers[p.next%len(servers)]
	p.next++

	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	offset, err := p.query(queryCtx, server)
	cancel()
	if err != nil {
		p.logger.Warn("time source query failed", "server", server, "error", err)
		return
	}
	if offset.Abs() < p.threshold {
		p.logger.Debug("local clock within threshold", "server", server, "offset", offset)
		return
	}
	if err := p.stepper.Step(offset); err != nil {
		p.logger.Warn("clock step failed", "server", server, "offset", offset, "error", err)
		return
	}
	p.logger.Info("stepped local clock", "server", server, "offset", offset)
}
