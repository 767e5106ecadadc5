// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipmi drives baseboard management controllers over the IPMI
// v1.5 LAN interface. Every power operation opens a fresh
// authenticated session over UDP, performs its chassis command, and
// closes the session again; nothing persists between calls.
package ipmi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/bureau-foundation/rackd/power"
)

const defaultPort = "623"

const (
	fieldAddress  = "power-address"
	fieldUser     = "power-user"
	fieldPassword = "power-pass"
	fieldBootType = "boot-type"
)

const (
	bootTypeAuto   = "auto"
	bootTypeLegacy = "legacy"
	bootTypeEFI    = "efi"
)

// Boot option parameters for the Set System Boot Options sub-protocol.
const (
	bootParamSetInProgress = 0x00
	bootParamInfoAck       = 0x04
	bootParamBootFlags     = 0x05
)

// Boot flag bits and device selectors for parameter 5. The valid bit
// without the persistent bit applies the flags to the next boot only.
const (
	bootFlagValid = 0x80
	bootFlagEFI   = 0x20

	bootSelectorPXE  = 0x04
	bootSelectorDisk = 0x08
)

// Options configures a Driver.
type Options struct {
	// DialTimeout bounds establishing the UDP socket. Defaults to
	// five seconds.
	DialTimeout time.Duration

	// ReadTimeout bounds each wait for a BMC response. Defaults to
	// five seconds.
	ReadTimeout time.Duration

	// Logger receives driver log output. Required.
	Logger *slog.Logger
}

// Driver implements power control for IPMI v1.5 BMCs.
type Driver struct {
	logger *slog.Logger
	dial   func(ctx context.Context, addr string) (transport, error)
}

var (
	_ power.Driver          = (*Driver)(nil)
	_ power.BootOrderSetter = (*Driver)(nil)
)

// New constructs a Driver.
func New(o Options) (*Driver, error) {
	if o.Logger == nil {
		return nil, fmt.Errorf("ipmi: Options.Logger is required")
	}
	dialTimeout := o.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	readTimeout := o.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	return &Driver{
		logger: o.Logger,
		dial: func(ctx context.Context, addr string) (transport, error) {
			return dialUDP(ctx, addr, dialTimeout, readTimeout)
		},
	}, nil
}

func (d *Driver) Name() string { return "ipmi" }

func (d *Driver) Description() string { return "IPMI v1.5 over LAN" }

func (d *Driver) Settings() []power.Field {
	return []power.Field{
		{Key: fieldAddress, Type: power.FieldTypeString, Scope: power.ScopeBMC},
		{Key: fieldUser, Type: power.FieldTypeString, Scope: power.ScopeBMC},
		{Key: fieldPassword, Type: power.FieldTypePassword, Scope: power.ScopeBMC},
		{
			Key:     fieldBootType,
			Type:    power.FieldTypeChoice,
			Default: bootTypeAuto,
			Choices: []string{bootTypeAuto, bootTypeLegacy, bootTypeEFI},
			Scope:   power.ScopeBMC,
		},
	}
}

// PowerOn turns the chassis on.
func (d *Driver) PowerOn(ctx context.Context, p *power.Params) error {
	return d.withSession(ctx, p, func(ctx context.Context, s *session) error {
		return s.chassisControl(ctx, controlPowerUp)
	})
}

// PowerOff turns the chassis off.
func (d *Driver) PowerOff(ctx context.Context, p *power.Params) error {
	return d.withSession(ctx, p, func(ctx context.Context, s *session) error {
		return s.chassisControl(ctx, controlPowerDown)
	})
}

// PowerCycle power-cycles the chassis. A chassis that is off rejects
// the cycle action, so cycling from off becomes a plain power up.
func (d *Driver) PowerCycle(ctx context.Context, p *power.Params) error {
	return d.withSession(ctx, p, func(ctx context.Context, s *session) error {
		status, err := s.chassisStatus(ctx)
		if err != nil {
			return err
		}
		if status&0x01 == 0 {
			return s.chassisControl(ctx, controlPowerUp)
		}
		return s.chassisControl(ctx, controlPowerCycle)
	})
}

// PowerQuery reads the chassis power state.
func (d *Driver) PowerQuery(ctx context.Context, p *power.Params) (power.State, error) {
	state := power.StateUnknown
	err := d.withSession(ctx, p, func(ctx context.Context, s *session) error {
		status, err := s.chassisStatus(ctx)
		if err != nil {
			return err
		}
		if status&0x01 != 0 {
			state = power.StateOn
		} else {
			state = power.StateOff
		}
		return nil
	})
	if err != nil {
		return power.StateUnknown, err
	}
	return state, nil
}

// SetBootOrder arranges for the next boot to come from the given
// device, using the boot options sub-protocol: guard the write,
// acknowledge outstanding boot info, write the flags, commit.
func (d *Driver) SetBootOrder(ctx context.Context, p *power.Params, device power.BootDevice) error {
	bootType, err := p.Choice(fieldBootType)
	if err != nil {
		return err
	}
	var selector byte
	switch device {
	case power.BootDevicePXE:
		selector = bootSelectorPXE
	case power.BootDeviceDisk:
		selector = bootSelectorDisk
	default:
		return fmt.Errorf("ipmi: no boot flag encoding for device %q", device)
	}
	flags := byte(bootFlagValid)
	if bootType == bootTypeEFI {
		flags |= bootFlagEFI
	}
	return d.withSession(ctx, p, func(ctx context.Context, s *session) error {
		if err := s.setBootOption(ctx, bootParamSetInProgress, 0x01); err != nil {
			return err
		}
		if err := s.setBootOption(ctx, bootParamInfoAck, 0x01, 0x01); err != nil {
			return err
		}
		if err := s.setBootOption(ctx, bootParamBootFlags, flags, selector, 0x00, 0x00, 0x00); err != nil {
			return err
		}
		return s.setBootOption(ctx, bootParamSetInProgress, 0x00)
	})
}

// withSession resolves the BMC coordinates from p, opens a session,
// runs fn, and closes the session again.
func (d *Driver) withSession(ctx context.Context, p *power.Params, fn func(context.Context, *session) error) error {
	addr, err := p.String(fieldAddress)
	if err != nil {
		return err
	}
	if addr == "" {
		return fmt.Errorf("ipmi: %s is required", fieldAddress)
	}
	user, err := p.String(fieldUser)
	if err != nil {
		return err
	}
	pass, err := p.Password(fieldPassword)
	if err != nil {
		return err
	}

	addr = hostPort(addr)
	tr, err := d.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("ipmi: connecting to %s: %w", addr, err)
	}
	s, err := newSession(tr, user, pass)
	if err != nil {
		tr.Close()
		return err
	}
	if err := s.ping(ctx); err != nil {
		s.close(ctx)
		return fmt.Errorf("ipmi: BMC at %s not answering presence ping: %w", addr, err)
	}
	if err := s.open(ctx); err != nil {
		s.close(ctx)
		return fmt.Errorf("ipmi: opening session with %s: %w", addr, err)
	}

	opErr := fn(ctx, s)
	if err := s.close(ctx); err != nil {
		if opErr == nil {
			d.logger.Warn("IPMI session close failed", "address", addr, "error", err)
		}
	}
	return opErr
}

// hostPort appends the standard IPMI LAN port when addr carries none.
func hostPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defaultPort)
}

type udpTransport struct {
	conn        net.Conn
	readTimeout time.Duration
}

func dialUDP(ctx context.Context, addr string, dialTimeout, readTimeout time.Duration) (transport, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	return &udpTransport{conn: conn, readTimeout: readTimeout}, nil
}

func (t *udpTransport) exchange(ctx context.Context, packet []byte) ([]byte, error) {
	deadline := time.Now().Add(t.readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := t.conn.Write(packet); err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := t.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (t *udpTransport) Close() error { return t.conn.Close() }
