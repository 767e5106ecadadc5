// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// SupervisordService drives one supervisord program through
// supervisorctl. It exists for deployments (notably containerized
// ones) where systemd is not PID 1; callers never branch on which
// backend a service uses.
type SupervisordService struct {
	externalUnit
}

var _ Service = (*SupervisordService)(nil)

// NewSupervisordService returns a service controlling the named
// supervisord program.
func NewSupervisordService(name, serviceType, program string) *SupervisordService {
	service := &SupervisordService{}
	service.name = name
	service.serviceType = serviceType
	service.unit = program
	service.runner = execRunner
	return service
}

// Start runs supervisorctl start.
func (s *SupervisordService) Start(ctx context.Context) error {
	return s.control(ctx, "start")
}

// Stop runs supervisorctl stop.
func (s *SupervisordService) Stop(ctx context.Context) error {
	return s.control(ctx, "stop")
}

// Restart is stop-then-start. It refuses with ErrNotExpectedToRun
// when the expected state is off.
func (s *SupervisordService) Restart(ctx context.Context) error {
	if !s.Expected() {
		return ErrNotExpectedToRun
	}
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

func (s *SupervisordService) control(ctx context.Context, verb string) error {
	output, code, err := s.runner(ctx, "supervisorctl", verb, s.unit)
	if err != nil {
		return fmt.Errorf("supervisorctl %s %s: %w", verb, s.unit, err)
	}
	if code != 0 {
		return fmt.Errorf("supervisorctl %s %s exited %d: %s", verb, s.unit, code, strings.TrimSpace(output))
	}
	return nil
}

// Status runs supervisorctl status and parses the program line, which
// looks like:
//
//	dhcpd    RUNNING   pid 12345, uptime 1:23:45
//
// supervisorctl exits nonzero when any queried program is not
// running; the line itself is still the answer.
func (s *SupervisordService) Status(ctx context.Context) (Status, error) {
	output, _, err := s.runner(ctx, "supervisorctl", "status", s.unit)
	if err != nil {
		return Status{State: StateUnknown}, fmt.Errorf("supervisorctl status %s: %w", s.unit, err)
	}
	return s.parseStatus(output), nil
}

func (s *SupervisordService) parseStatus(output string) Status {
	fields := strings.Fields(strings.TrimSpace(output))
	if len(fields) < 2 {
		return Status{State: StateUnknown, Info: strings.TrimSpace(output)}
	}

	detail := strings.Join(fields[2:], " ")
	switch fields[1] {
	case "RUNNING":
		// "pid 12345, uptime ..." supplies the PID.
		for i := 2; i+1 < len(fields); i++ {
			if fields[i] == "pid" {
				if pid, err := strconv.Atoi(strings.TrimSuffix(fields[i+1], ",")); err == nil {
					s.pid.Store(int64(pid))
				}
				break
			}
		}
		return Status{State: StateRunning}

	case "STOPPED", "EXITED":
		s.pid.Store(0)
		return Status{State: StateOff, Info: detail}

	case "FATAL":
		s.pid.Store(0)
		return Status{State: StateDead, Info: detail}

	default:
		return Status{State: StateUnknown, Info: fmt.Sprintf("%s %s", fields[1], detail)}
	}
}
