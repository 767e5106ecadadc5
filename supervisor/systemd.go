// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// SystemdService drives one systemd unit through systemctl.
type SystemdService struct {
	externalUnit
}

var _ Service = (*SystemdService)(nil)

// NewSystemdService returns a service controlling the named unit.
// The service starts with expected state off; callers flip it when
// the region delivers configuration that wants the unit up.
func NewSystemdService(name, serviceType, unit string) *SystemdService {
	service := &SystemdService{}
	service.name = name
	service.serviceType = serviceType
	service.unit = unit
	service.runner = execRunner
	return service
}

// Start runs systemctl start.
func (s *SystemdService) Start(ctx context.Context) error {
	return s.control(ctx, "start")
}

// Stop runs systemctl stop.
func (s *SystemdService) Stop(ctx context.Context) error {
	return s.control(ctx, "stop")
}

// Restart is stop-then-start. It refuses with ErrNotExpectedToRun
// when the expected state is off.
func (s *SystemdService) Restart(ctx context.Context) error {
	if !s.Expected() {
		return ErrNotExpectedToRun
	}
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

func (s *SystemdService) control(ctx context.Context, verb string) error {
	output, code, err := s.runner(ctx, "systemctl", verb, s.unit)
	if err != nil {
		return fmt.Errorf("systemctl %s %s: %w", verb, s.unit, err)
	}
	if code != 0 {
		return fmt.Errorf("systemctl %s %s exited %d: %s", verb, s.unit, code, strings.TrimSpace(output))
	}
	return nil
}

// Status runs systemctl status and parses the unit state. systemctl
// exits 3 for stopped units; that is an answer, not a failure.
func (s *SystemdService) Status(ctx context.Context) (Status, error) {
	output, _, err := s.runner(ctx, "systemctl", "status", s.unit)
	if err != nil {
		return Status{State: StateUnknown}, fmt.Errorf("systemctl status %s: %w", s.unit, err)
	}
	return s.parseStatus(output)
}

func (s *SystemdService) parseStatus(output string) (Status, error) {
	status := Status{State: StateUnknown}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Loaded:"):
			if strings.Contains(line, "not-found") {
				return Status{State: StateUnknown}, fmt.Errorf("unit %q not found", s.unit)
			}

		case strings.HasPrefix(line, "Active:"):
			value := strings.TrimSpace(strings.TrimPrefix(line, "Active:"))
			switch {
			case strings.HasPrefix(value, "active (running)"):
				status.State = StateRunning
			case strings.HasPrefix(value, "inactive (dead)"):
				status.State = StateOff
				status.Info = value
			case strings.HasPrefix(value, "failed"):
				status.State = StateDead
				status.Info = value
			default:
				status.Info = value
			}

		case strings.HasPrefix(line, "Main PID:"):
			fields := strings.Fields(strings.TrimPrefix(line, "Main PID:"))
			if len(fields) > 0 {
				if pid, err := strconv.Atoi(fields[0]); err == nil {
					s.pid.Store(int64(pid))
				}
			}
		}
	}
	if status.State != StateRunning {
		s.pid.Store(0)
	}
	return status, nil
}
