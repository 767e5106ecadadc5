// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipmi

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// transport is the datagram exchange a session runs over. exchange
// sends one packet to the BMC and returns the next packet it answers
// with.
type transport interface {
	exchange(ctx context.Context, packet []byte) ([]byte, error)
	Close() error
}

// session is a short-lived v1.5 session with one BMC. A session
// serves a single power operation and is closed afterwards; nothing
// is kept between operations.
type session struct {
	transport transport
	username  []byte
	password  []byte

	authType  byte
	sessionID uint32
	seq       uint32
	active    bool
	rqSeq     byte
}

func newSession(tr transport, username, password string) (*session, error) {
	if len(username) > 16 {
		return nil, fmt.Errorf("ipmi: username longer than 16 bytes")
	}
	if len(password) > 16 {
		return nil, fmt.Errorf("ipmi: password longer than 16 bytes")
	}
	return &session{
		transport: tr,
		username:  []byte(username),
		password:  []byte(password),
	}, nil
}

// ping confirms something IPMI-capable is listening before the session
// handshake starts. BMCs answer the ASF presence ping even when no
// session is open.
func (s *session) ping(ctx context.Context) error {
	const tag = 0x01
	reply, err := s.transport.exchange(ctx, asfPing(tag))
	if err != nil {
		return err
	}
	return parseASFPong(reply, tag)
}

// open runs the session handshake: authentication capabilities,
// challenge, activation, privilege raise. After open returns the
// session is authenticated at administrator privilege.
func (s *session) open(ctx context.Context) error {
	caps, err := s.request(ctx, netFnApp, cmdGetChannelAuthCaps, []byte{channelThis, privAdministrator})
	if err != nil {
		return fmt.Errorf("get channel auth capabilities: %w", err)
	}
	if len(caps) < 2 {
		return fmt.Errorf("ipmi: auth capabilities response truncated (%d bytes)", len(caps))
	}
	authType, err := pickAuthType(caps[1], len(s.password) > 0)
	if err != nil {
		return err
	}

	challengeReq := make([]byte, 17)
	challengeReq[0] = authType
	user := padded16(s.username)
	copy(challengeReq[1:], user[:])
	challenge, err := s.request(ctx, netFnApp, cmdGetSessionChallenge, challengeReq)
	if err != nil {
		return fmt.Errorf("get session challenge: %w", err)
	}
	if len(challenge) < 20 {
		return fmt.Errorf("ipmi: session challenge response truncated (%d bytes)", len(challenge))
	}

	// The activation packet is the first authenticated one: it goes
	// out under the temporary session id from the challenge, with an
	// auth code but still sequence zero.
	s.authType = authType
	s.sessionID = binary.LittleEndian.Uint32(challenge[0:4])

	outboundSeq, err := randomOutboundSeq()
	if err != nil {
		return err
	}
	activateReq := make([]byte, 22)
	activateReq[0] = authType
	activateReq[1] = privAdministrator
	copy(activateReq[2:18], challenge[4:20])
	binary.LittleEndian.PutUint32(activateReq[18:22], outboundSeq)
	activated, err := s.request(ctx, netFnApp, cmdActivateSession, activateReq)
	if err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	if len(activated) < 10 {
		return fmt.Errorf("ipmi: activate session response truncated (%d bytes)", len(activated))
	}
	s.sessionID = binary.LittleEndian.Uint32(activated[1:5])
	s.seq = binary.LittleEndian.Uint32(activated[5:9])
	s.active = true

	if _, err := s.request(ctx, netFnApp, cmdSetSessionPrivilege, []byte{privAdministrator}); err != nil {
		return fmt.Errorf("set session privilege level: %w", err)
	}
	return nil
}

// close tears the session down on the BMC and releases the transport.
func (s *session) close(ctx context.Context) error {
	var closeErr error
	if s.active {
		req := make([]byte, 4)
		binary.LittleEndian.PutUint32(req, s.sessionID)
		if _, err := s.request(ctx, netFnApp, cmdCloseSession, req); err != nil {
			closeErr = fmt.Errorf("close session: %w", err)
		}
		s.active = false
	}
	if err := s.transport.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	return closeErr
}

// request sends one command and returns the response data. Session
// sequence numbers are zero until activation completes, then advance
// by four per outbound packet starting from the number the BMC
// granted.
func (s *session) request(ctx context.Context, netFn, cmd byte, data []byte) ([]byte, error) {
	rqSeq := s.rqSeq
	s.rqSeq = (s.rqSeq + 1) & 0x3f

	var seq uint32
	if s.active {
		seq = s.seq
		s.seq += 4
	}
	msg := buildMessage(netFn, cmd, rqSeq, data)
	packet := wrapSession(s.authType, seq, s.sessionID, s.password, msg)

	reply, err := s.transport.exchange(ctx, packet)
	if err != nil {
		return nil, err
	}
	replyMsg, err := parseSession(reply)
	if err != nil {
		return nil, err
	}
	return parseResponse(replyMsg, netFn, cmd, rqSeq)
}

func (s *session) chassisStatus(ctx context.Context) (byte, error) {
	data, err := s.request(ctx, netFnChassis, cmdGetChassisStatus, nil)
	if err != nil {
		return 0, fmt.Errorf("get chassis status: %w", err)
	}
	if len(data) < 1 {
		return 0, fmt.Errorf("ipmi: chassis status response truncated")
	}
	return data[0], nil
}

func (s *session) chassisControl(ctx context.Context, action byte) error {
	if _, err := s.request(ctx, netFnChassis, cmdChassisControl, []byte{action}); err != nil {
		return fmt.Errorf("chassis control %#02x: %w", action, err)
	}
	return nil
}

func (s *session) setBootOption(ctx context.Context, param byte, value ...byte) error {
	data := append([]byte{param}, value...)
	if _, err := s.request(ctx, netFnChassis, cmdSetBootOptions, data); err != nil {
		return fmt.Errorf("set boot option %d: %w", param, err)
	}
	return nil
}

// pickAuthType selects the strongest mutually supported authentication
// from the BMC's capability bitmask.
func pickAuthType(support byte, havePassword bool) (byte, error) {
	if havePassword {
		switch {
		case support&capAuthMD5 != 0:
			return authMD5, nil
		case support&capAuthPassword != 0:
			return authPassword, nil
		}
	}
	if support&capAuthNone != 0 {
		return authNone, nil
	}
	return 0, fmt.Errorf("ipmi: no mutually supported authentication (BMC offers %#02x)", support)
}

// randomOutboundSeq draws the non-zero initial sequence number the BMC
// uses for its packets back to us.
func randomOutboundSeq() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("ipmi: generating session sequence: %w", err)
		}
		if v := binary.LittleEndian.Uint32(b[:]); v != 0 {
			return v, nil
		}
	}
}
