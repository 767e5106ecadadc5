// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"os/exec"
	"sync/atomic"
)

// CommandRunner executes one control command and returns its combined
// output and exit code. A non-nil error means the command could not
// run at all (binary missing, context cancelled); a nonzero exit code
// is not an error at this layer because systemctl and supervisorctl
// both use exit codes as answers.
type CommandRunner func(ctx context.Context, name string, args ...string) (output string, exitCode int, err error)

// execRunner is the production CommandRunner.
func execRunner(ctx context.Context, name string, args ...string) (string, int, error) {
	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(output), exitErr.ExitCode(), nil
		}
		return string(output), 0, err
	}
	return string(output), 0, nil
}

// externalUnit carries the state shared by the systemd and
// supervisord backends.
type externalUnit struct {
	name        string
	serviceType string
	unit        string
	runner      CommandRunner
	expected    atomic.Bool
	pid         atomic.Int64
}

// Name returns the registry name.
func (u *externalUnit) Name() string { return u.name }

// Type returns the group tag.
func (u *externalUnit) Type() string { return u.serviceType }

// PID returns the process ID observed by the last status probe, or 0.
func (u *externalUnit) PID() int { return int(u.pid.Load()) }

// SetExpected records whether this service is supposed to be running.
// Restart refuses services whose expected state is off.
func (u *externalUnit) SetExpected(on bool) { u.expected.Store(on) }

// Expected reports the recorded expected state.
func (u *externalUnit) Expected() bool { return u.expected.Load() }
