// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package moonshot drives HP Moonshot chassis managers over SSH. One
// chassis manager fronts many cartridge nodes, so the SSH coordinates
// are chassis-scoped while the node id names the cartridge each
// operation targets.
package moonshot

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/bureau-foundation/rackd/power"
)

const defaultPort = "22"

const (
	fieldAddress  = "power-address"
	fieldUser     = "power-user"
	fieldPassword = "power-pass"
	fieldNodeID   = "node-id"
)

// Options configures a Driver.
type Options struct {
	// CommandTimeout bounds one command round trip, connection setup
	// included. Defaults to ten seconds.
	CommandTimeout time.Duration

	// Logger receives driver log output. Required.
	Logger *slog.Logger
}

// Driver implements power control through the Moonshot iLO chassis
// manager CLI.
type Driver struct {
	logger *slog.Logger
	run    func(ctx context.Context, target chassisTarget, command string) (string, error)
}

// chassisTarget is the SSH endpoint of one chassis manager.
type chassisTarget struct {
	addr     string
	user     string
	password string
}

var (
	_ power.Driver          = (*Driver)(nil)
	_ power.BootOrderSetter = (*Driver)(nil)
)

// New constructs a Driver.
func New(o Options) (*Driver, error) {
	if o.Logger == nil {
		return nil, fmt.Errorf("moonshot: Options.Logger is required")
	}
	timeout := o.CommandTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Driver{
		logger: o.Logger,
		run: func(ctx context.Context, target chassisTarget, command string) (string, error) {
			return sshRun(ctx, target, command, timeout)
		},
	}, nil
}

func (d *Driver) Name() string { return "moonshot" }

func (d *Driver) Description() string { return "HP Moonshot chassis manager over SSH" }

func (d *Driver) Settings() []power.Field {
	return []power.Field{
		{Key: fieldAddress, Type: power.FieldTypeString, Scope: power.ScopeBMC},
		{Key: fieldUser, Type: power.FieldTypeString, Scope: power.ScopeBMC},
		{Key: fieldPassword, Type: power.FieldTypePassword, Scope: power.ScopeBMC},
		{Key: fieldNodeID, Type: power.FieldTypeString, Scope: power.ScopeNode},
	}
}

// PowerOn turns the node on.
func (d *Driver) PowerOn(ctx context.Context, p *power.Params) error {
	_, err := d.runNodeCommand(ctx, p, "set node power on")
	return err
}

// PowerOff turns the node off.
func (d *Driver) PowerOff(ctx context.Context, p *power.Params) error {
	_, err := d.runNodeCommand(ctx, p, "set node power off")
	return err
}

// PowerCycle turns the node off and on again. The chassis manager CLI
// has no single cycle command.
func (d *Driver) PowerCycle(ctx context.Context, p *power.Params) error {
	if err := d.PowerOff(ctx, p); err != nil {
		return err
	}
	return d.PowerOn(ctx, p)
}

// PowerQuery reads the node power state from the chassis manager.
func (d *Driver) PowerQuery(ctx context.Context, p *power.Params) (power.State, error) {
	out, err := d.runNodeCommand(ctx, p, "show node power")
	if err != nil {
		return power.StateUnknown, err
	}
	return parsePowerState(out)
}

// SetBootOrder arms a one-time network boot. The chassis manager only
// offers a boot-once override for PXE; local disk is what it reverts
// to by itself.
func (d *Driver) SetBootOrder(ctx context.Context, p *power.Params, device power.BootDevice) error {
	if device != power.BootDevicePXE {
		return fmt.Errorf("moonshot: no boot override for device %q", device)
	}
	_, err := d.runNodeCommand(ctx, p, "set node bootonce pxe")
	return err
}

func (d *Driver) runNodeCommand(ctx context.Context, p *power.Params, command string) (string, error) {
	target, nodeID, err := resolveTarget(p)
	if err != nil {
		return "", err
	}
	full := command + " " + nodeID
	d.logger.Debug("chassis manager command", "address", target.addr, "command", full)
	out, err := d.run(ctx, target, full)
	if err != nil {
		return "", fmt.Errorf("moonshot: %q on %s: %w", full, target.addr, err)
	}
	return out, nil
}

func resolveTarget(p *power.Params) (chassisTarget, string, error) {
	addr, err := p.String(fieldAddress)
	if err != nil {
		return chassisTarget{}, "", err
	}
	if addr == "" {
		return chassisTarget{}, "", fmt.Errorf("moonshot: %s is required", fieldAddress)
	}
	user, err := p.String(fieldUser)
	if err != nil {
		return chassisTarget{}, "", err
	}
	pass, err := p.Password(fieldPassword)
	if err != nil {
		return chassisTarget{}, "", err
	}
	nodeID, err := p.String(fieldNodeID)
	if err != nil {
		return chassisTarget{}, "", err
	}
	if nodeID == "" {
		return chassisTarget{}, "", fmt.Errorf("moonshot: %s is required", fieldNodeID)
	}
	if strings.ContainsAny(nodeID, " \t\r\n") {
		return chassisTarget{}, "", fmt.Errorf("moonshot: node id %q contains whitespace", nodeID)
	}
	target := chassisTarget{addr: hostPort(addr), user: user, password: pass}
	return target, nodeID, nil
}

// parsePowerState finds the power state line in chassis manager
// output. A present line with an unrecognized value (the manager
// reports transitional states during resets) is unknown rather than
// an error.
func parsePowerState(output string) (power.State, error) {
	for _, line := range strings.Split(output, "\n") {
		value, found := strings.CutPrefix(strings.TrimSpace(line), "Power State:")
		if !found {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "on":
			return power.StateOn, nil
		case "off":
			return power.StateOff, nil
		}
		return power.StateUnknown, nil
	}
	return power.StateUnknown, fmt.Errorf("moonshot: no power state in chassis manager output")
}

// hostPort appends the SSH port when addr carries none.
func hostPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defaultPort)
}

// sshRun executes one CLI command over a fresh SSH connection.
func sshRun(ctx context.Context, target chassisTarget, command string, timeout time.Duration) (string, error) {
	config := &ssh.ClientConfig{
		User: target.user,
		Auth: []ssh.AuthMethod{ssh.Password(target.password)},
		// Chassis managers regenerate their host key on factory
		// reset, so there is no stable key to pin.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", target.addr)
	if err != nil {
		return "", err
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return "", err
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, target.addr, config)
	if err != nil {
		conn.Close()
		return "", err
	}
	client := ssh.NewClient(clientConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	out, err := session.CombinedOutput(command)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
