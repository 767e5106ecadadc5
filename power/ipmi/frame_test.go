// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipmi

import (
	"bytes"
	"crypto/md5"
	"errors"
	"testing"
)

// buildResponse assembles a BMC response message the way a BMC frames
// it: requester address first, response netFn, completion code before
// the data.
func buildResponse(netFn, cmd, rqSeq, ccode byte, data []byte) []byte {
	msg := make([]byte, 0, 8+len(data))
	msg = append(msg, consoleAddr, (netFn|1)<<2)
	msg = append(msg, checksum(msg))
	tail := make([]byte, 0, 5+len(data))
	tail = append(tail, bmcAddr, rqSeq<<2, cmd, ccode)
	tail = append(tail, data...)
	msg = append(msg, tail...)
	msg = append(msg, checksum(tail))
	return msg
}

func TestChecksumZeroSum(t *testing.T) {
	for _, covered := range [][]byte{
		{0x20, 0x18},
		{0x81, 0x0c, 0x38, 0x0e, 0x04},
		{0x00},
		{0xff, 0xff, 0xff},
	} {
		sum := checksum(covered)
		var total byte
		for _, b := range covered {
			total += b
		}
		if total+sum != 0 {
			t.Errorf("checksum(%x) = %#02x, bytes do not sum to zero", covered, sum)
		}
	}
}

func TestBuildMessageLayout(t *testing.T) {
	msg := buildMessage(netFnApp, cmdGetChannelAuthCaps, 3, []byte{channelThis, privAdministrator})

	want := []byte{
		bmcAddr, netFnApp << 2, 0xc8,
		consoleAddr, 3 << 2, cmdGetChannelAuthCaps, channelThis, privAdministrator, 0x29,
	}
	if !bytes.Equal(msg, want) {
		t.Fatalf("message = %x, want %x", msg, want)
	}
}

func TestParseResponseReturnsData(t *testing.T) {
	msg := buildResponse(netFnApp, cmdGetSessionChallenge, 7, 0, []byte{0xaa, 0xbb, 0xcc})

	data, err := parseResponse(msg, netFnApp, cmdGetSessionChallenge, 7)
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if !bytes.Equal(data, []byte{0xaa, 0xbb, 0xcc}) {
		t.Fatalf("data = %x, want aabbcc", data)
	}
}

func TestParseResponseRejectsCorruption(t *testing.T) {
	// Any flipped byte must fail one of the two checksums; the frame
	// is rejected rather than interpreted.
	base := buildResponse(netFnChassis, cmdGetChassisStatus, 2, 0, []byte{0x01, 0x00, 0x00})

	for i := range base {
		msg := append([]byte(nil), base...)
		msg[i] ^= 0x10
		_, err := parseResponse(msg, netFnChassis, cmdGetChassisStatus, 2)
		if err == nil {
			t.Fatalf("corrupting byte %d went undetected", i)
		}
	}

	// Corruption in the header region reports the header checksum,
	// corruption in the payload region the payload checksum.
	headerCorrupt := append([]byte(nil), base...)
	headerCorrupt[0] ^= 0x10
	var cksumErr *ChecksumError
	if _, err := parseResponse(headerCorrupt, netFnChassis, cmdGetChassisStatus, 2); !errors.As(err, &cksumErr) || cksumErr.Which != 1 {
		t.Fatalf("header corruption: got %v, want checksum 1 error", err)
	}
	dataCorrupt := append([]byte(nil), base...)
	dataCorrupt[7] ^= 0x10
	if _, err := parseResponse(dataCorrupt, netFnChassis, cmdGetChassisStatus, 2); !errors.As(err, &cksumErr) || cksumErr.Which != 2 {
		t.Fatalf("data corruption: got %v, want checksum 2 error", err)
	}
}

func TestParseResponseCompletionCode(t *testing.T) {
	msg := buildResponse(netFnChassis, cmdChassisControl, 4, 0xd4, nil)

	_, err := parseResponse(msg, netFnChassis, cmdChassisControl, 4)
	var completion *CompletionError
	if !errors.As(err, &completion) {
		t.Fatalf("got %v, want CompletionError", err)
	}
	if completion.Cmd != cmdChassisControl || completion.Code != 0xd4 {
		t.Fatalf("CompletionError = %+v", completion)
	}
}

func TestParseResponseRejectsMismatches(t *testing.T) {
	msg := buildResponse(netFnApp, cmdActivateSession, 5, 0, nil)

	if _, err := parseResponse(msg, netFnApp, cmdActivateSession, 6); err == nil {
		t.Error("mismatched sequence accepted")
	}
	if _, err := parseResponse(msg, netFnApp, cmdCloseSession, 5); err == nil {
		t.Error("mismatched command accepted")
	}
	if _, err := parseResponse(msg, netFnChassis, cmdActivateSession, 5); err == nil {
		t.Error("mismatched netFn accepted")
	}
	if _, err := parseResponse(msg[:4], netFnApp, cmdActivateSession, 5); err == nil {
		t.Error("truncated message accepted")
	}
}

func TestWrapSessionUnauthenticated(t *testing.T) {
	msg := buildMessage(netFnApp, cmdGetChannelAuthCaps, 0, []byte{channelThis, privAdministrator})
	packet := wrapSession(authNone, 0, 0, nil, msg)

	wantHeader := []byte{rmcpVersion, 0x00, rmcpSeqNoAck, rmcpClassIPMI}
	if !bytes.Equal(packet[:4], wantHeader) {
		t.Fatalf("RMCP header = %x, want %x", packet[:4], wantHeader)
	}
	if packet[4] != authNone {
		t.Fatalf("auth type = %#02x, want none", packet[4])
	}
	if len(packet) != 14+len(msg) {
		t.Fatalf("packet length = %d, want %d (no auth code)", len(packet), 14+len(msg))
	}
	if packet[13] != byte(len(msg)) {
		t.Fatalf("length byte = %d, want %d", packet[13], len(msg))
	}
	if !bytes.Equal(packet[14:], msg) {
		t.Fatal("message bytes not carried verbatim")
	}
}

func TestWrapSessionAuthenticatedRoundTrip(t *testing.T) {
	msg := buildMessage(netFnApp, cmdSetSessionPrivilege, 9, []byte{privAdministrator})
	packet := wrapSession(authMD5, 0x44, 0xbeefcafe, []byte("secret"), msg)

	if len(packet) != 30+len(msg) {
		t.Fatalf("packet length = %d, want %d (16-byte auth code)", len(packet), 30+len(msg))
	}
	got, err := parseSession(packet)
	if err != nil {
		t.Fatalf("parseSession: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("parsed message differs from wrapped message")
	}
}

func TestWrapSessionStraightPassword(t *testing.T) {
	msg := buildMessage(netFnApp, cmdCloseSession, 1, nil)
	packet := wrapSession(authPassword, 0x48, 0xbeefcafe, []byte("secret"), msg)

	pad := padded16([]byte("secret"))
	if !bytes.Equal(packet[13:29], pad[:]) {
		t.Fatalf("auth code = %x, want padded password %x", packet[13:29], pad)
	}
}

func TestParseSessionLengthMismatch(t *testing.T) {
	msg := buildMessage(netFnApp, cmdCloseSession, 1, nil)
	packet := wrapSession(authNone, 0, 0, nil, msg)
	packet[13]++

	if _, err := parseSession(packet); err == nil {
		t.Fatal("length mismatch accepted")
	}
}

func TestParseSessionRejectsTruncated(t *testing.T) {
	if _, err := parseSession([]byte{rmcpVersion, 0x00, rmcpSeqNoAck}); err == nil {
		t.Fatal("truncated packet accepted")
	}
}

func TestAuthCodeMD5Construction(t *testing.T) {
	// Independent derivation of the MD5 auth code: padded password
	// around session id, message, and sequence number.
	msg := buildMessage(netFnApp, cmdActivateSession, 2, []byte{authMD5, privAdministrator})
	code := authCode(authMD5, []byte("trustno1"), 0x00001111, 0, msg)

	pad := make([]byte, 16)
	copy(pad, "trustno1")
	h := md5.New()
	h.Write(pad)
	h.Write([]byte{0x11, 0x11, 0x00, 0x00})
	h.Write(msg)
	h.Write([]byte{0x00, 0x00, 0x00, 0x00})
	h.Write(pad)
	if !bytes.Equal(code[:], h.Sum(nil)) {
		t.Fatalf("auth code = %x, want %x", code, h.Sum(nil))
	}
}

func TestAuthCodeMD5DependsOnSequence(t *testing.T) {
	msg := buildMessage(netFnChassis, cmdGetChassisStatus, 3, nil)

	first := authCode(authMD5, []byte("secret"), 0xbeefcafe, 0x44, msg)
	second := authCode(authMD5, []byte("secret"), 0xbeefcafe, 0x48, msg)
	if first == second {
		t.Fatal("auth code did not change with the session sequence")
	}
}

func TestASFPingPong(t *testing.T) {
	ping := asfPing(0x01)
	if ping[3] != rmcpClassASF {
		t.Fatalf("ping class = %#02x, want ASF", ping[3])
	}

	pong := []byte{rmcpVersion, 0x00, rmcpSeqNoAck, rmcpClassASF, 0x00, 0x00, 0x11, 0xbe, 0x40, 0x01, 0x00, 0x00}
	if err := parseASFPong(pong, 0x01); err != nil {
		t.Fatalf("parseASFPong: %v", err)
	}
	if err := parseASFPong(pong, 0x02); err == nil {
		t.Error("pong with wrong tag accepted")
	}
	ipmiPacket := wrapSession(authNone, 0, 0, nil, buildMessage(netFnApp, cmdCloseSession, 0, nil))
	if err := parseASFPong(ipmiPacket, 0x01); err == nil {
		t.Error("IPMI packet accepted as pong")
	}
}
