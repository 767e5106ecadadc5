// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipmi

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// RMCP header bytes: version 6, reserved, sequence 0xff (no RMCP-level
// acknowledgement), message class.
const (
	rmcpVersion   = 0x06
	rmcpSeqNoAck  = 0xff
	rmcpClassASF  = 0x06
	rmcpClassIPMI = 0x07
)

// Session authentication types, in preference order MD5 over straight
// password over none.
const (
	authNone     = 0x00
	authMD5      = 0x02
	authPassword = 0x04
)

// Capability bitmask bits from Get Channel Authentication
// Capabilities.
const (
	capAuthNone     = 1 << 0
	capAuthMD5      = 1 << 2
	capAuthPassword = 1 << 4
)

// Message addressing. The BMC answers at the fixed slave address; the
// remote console identifies itself with the fixed software ID.
const (
	bmcAddr     = 0x20
	consoleAddr = 0x81
)

const (
	netFnChassis = 0x00
	netFnApp     = 0x06
)

const (
	cmdGetChassisStatus = 0x01
	cmdChassisControl   = 0x02
	cmdSetBootOptions   = 0x08

	cmdGetChannelAuthCaps  = 0x38
	cmdGetSessionChallenge = 0x39
	cmdActivateSession     = 0x3a
	cmdSetSessionPrivilege = 0x3b
	cmdCloseSession        = 0x3c
)

const (
	privAdministrator = 0x04

	// channelThis addresses the channel the request arrived on.
	channelThis = 0x0e
)

// Chassis Control actions.
const (
	controlPowerDown  = 0x00
	controlPowerUp    = 0x01
	controlPowerCycle = 0x02
)

// ChecksumError reports a received message whose checksum does not
// cover its bytes. Which is 1 for the header checksum, 2 for the
// payload checksum.
type ChecksumError struct {
	Which int
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("ipmi: message checksum %d invalid", e.Which)
}

// CompletionError reports a command the BMC accepted but refused,
// carrying its completion code.
type CompletionError struct {
	Cmd  byte
	Code byte
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("ipmi: command %#02x failed with completion code %#02x", e.Cmd, e.Code)
}

// checksum returns the two's complement of the byte sum, so that
// summing the covered bytes plus the checksum yields zero.
func checksum(covered []byte) byte {
	var sum byte
	for _, b := range covered {
		sum += b
	}
	return -sum
}

// buildMessage assembles a request message: connection header with its
// own checksum, then requester header, command, data, and the payload
// checksum.
func buildMessage(netFn, cmd, rqSeq byte, data []byte) []byte {
	msg := make([]byte, 0, 7+len(data))
	msg = append(msg, bmcAddr, netFn<<2)
	msg = append(msg, checksum(msg))
	tail := make([]byte, 0, 4+len(data))
	tail = append(tail, consoleAddr, rqSeq<<2, cmd)
	tail = append(tail, data...)
	msg = append(msg, tail...)
	msg = append(msg, checksum(tail))
	return msg
}

// parseResponse validates a response message against the request it
// answers and returns the data after the completion code. Both
// checksums must hold; a violation rejects the frame.
func parseResponse(msg []byte, netFn, cmd, rqSeq byte) ([]byte, error) {
	if len(msg) < 8 {
		return nil, fmt.Errorf("ipmi: response message truncated (%d bytes)", len(msg))
	}
	if msg[0]+msg[1]+msg[2] != 0 {
		return nil, &ChecksumError{Which: 1}
	}
	var sum byte
	for _, b := range msg[3:] {
		sum += b
	}
	if sum != 0 {
		return nil, &ChecksumError{Which: 2}
	}

	if got := msg[1] >> 2; got != netFn|1 {
		return nil, fmt.Errorf("ipmi: response netFn %#02x does not answer %#02x", got, netFn)
	}
	if got := msg[4] >> 2; got != rqSeq {
		return nil, fmt.Errorf("ipmi: response sequence %d does not match request %d", got, rqSeq)
	}
	if msg[5] != cmd {
		return nil, fmt.Errorf("ipmi: response command %#02x does not match request %#02x", msg[5], cmd)
	}
	if msg[6] != 0 {
		return nil, &CompletionError{Cmd: cmd, Code: msg[6]}
	}
	return msg[7 : len(msg)-1], nil
}

// wrapSession puts a message into the session wrapper: RMCP header,
// auth type, session sequence, session id, auth code when the session
// is authenticated, message length, message.
func wrapSession(authType byte, seq, sessionID uint32, password, msg []byte) []byte {
	packet := make([]byte, 0, 14+16+len(msg))
	packet = append(packet, rmcpVersion, 0x00, rmcpSeqNoAck, rmcpClassIPMI)
	packet = append(packet, authType)
	packet = binary.LittleEndian.AppendUint32(packet, seq)
	packet = binary.LittleEndian.AppendUint32(packet, sessionID)
	if authType != authNone {
		code := authCode(authType, password, sessionID, seq, msg)
		packet = append(packet, code[:]...)
	}
	packet = append(packet, byte(len(msg)))
	packet = append(packet, msg...)
	return packet
}

// parseSession strips the session wrapper off a received packet and
// returns the message inside.
func parseSession(packet []byte) ([]byte, error) {
	if len(packet) < 14 {
		return nil, fmt.Errorf("ipmi: session packet truncated (%d bytes)", len(packet))
	}
	if packet[0] != rmcpVersion || packet[3] != rmcpClassIPMI {
		return nil, fmt.Errorf("ipmi: not an IPMI session packet (class %#02x)", packet[3])
	}
	offset := 13
	if packet[4] != authNone {
		offset += 16
		if len(packet) <= offset {
			return nil, fmt.Errorf("ipmi: authenticated session packet truncated")
		}
	}
	length := int(packet[offset])
	msg := packet[offset+1:]
	if len(msg) != length {
		return nil, fmt.Errorf("ipmi: message length %d does not match header %d", len(msg), length)
	}
	return msg, nil
}

// authCode computes the 16-byte auth code for an outbound packet. The
// MD5 code hashes the padded password around the session id, message
// and sequence; the straight-password code is the padded password
// itself.
func authCode(authType byte, password []byte, sessionID, seq uint32, msg []byte) [16]byte {
	pad := padded16(password)
	if authType == authPassword {
		return pad
	}
	var le [4]byte
	h := md5.New()
	h.Write(pad[:])
	binary.LittleEndian.PutUint32(le[:], sessionID)
	h.Write(le[:])
	h.Write(msg)
	binary.LittleEndian.PutUint32(le[:], seq)
	h.Write(le[:])
	h.Write(pad[:])
	var code [16]byte
	copy(code[:], h.Sum(nil))
	return code
}

func padded16(b []byte) [16]byte {
	var out [16]byte
	copy(out[:], b)
	return out
}

// asfPing builds an ASF presence ping carrying a tag the pong must
// echo.
func asfPing(tag byte) []byte {
	return []byte{
		rmcpVersion, 0x00, rmcpSeqNoAck, rmcpClassASF,
		0x00, 0x00, 0x11, 0xbe, // IANA enterprise number 4542 (ASF)
		0x80, tag, 0x00, 0x00,
	}
}

// parseASFPong checks a presence pong for the given tag.
func parseASFPong(packet []byte, tag byte) error {
	if len(packet) < 10 {
		return fmt.Errorf("ipmi: ASF pong truncated (%d bytes)", len(packet))
	}
	if packet[3] != rmcpClassASF {
		return fmt.Errorf("ipmi: expected ASF pong, got RMCP class %#02x", packet[3])
	}
	if packet[8] != 0x40 {
		return fmt.Errorf("ipmi: expected ASF pong, got message type %#02x", packet[8])
	}
	if packet[9] != tag {
		return fmt.Errorf("ipmi: ASF pong tag %d does not match ping %d", packet[9], tag)
	}
	return nil
}
