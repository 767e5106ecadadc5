// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package region

import (
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/bureau-foundation/rackd/lib/atomicfile"
	"github.com/bureau-foundation/rackd/lib/secret"
)

// certificateInfo is the HKDF info string binding derived keys to
// their purpose. The region derives the same key from the same shared
// secret when sealing.
const certificateInfo = "rackd-certificate"

// sealed certificate layout: 24-byte nonce followed by the secretbox.
const certificateNonceSize = 24

// LoadSystemID reads the persisted system ID. A missing file is not
// an error: the controller has simply never registered, and the region
// will assign an ID.
func LoadSystemID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading system ID: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveSystemID persists the region-assigned system ID so that it
// survives restarts. The write is atomic: a crash mid-write leaves the
// previous ID intact rather than a truncated file.
func SaveSystemID(path, systemID string) error {
	if err := atomicfile.WriteFile(path, []byte(systemID+"\n"), 0o644); err != nil {
		return fmt.Errorf("saving system ID: %w", err)
	}
	return nil
}

// OpenCertificate decrypts the sealed certificate material returned by
// registration. The key is derived from the cluster shared secret with
// HKDF-SHA256; the sealed blob is a 24-byte nonce followed by a NaCl
// secretbox.
func OpenCertificate(sharedSecret *secret.Buffer, sealed []byte) ([]byte, error) {
	if len(sealed) < certificateNonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("sealed certificate too short: %d bytes", len(sealed))
	}

	var key [32]byte
	reader := hkdf.New(sha256.New, sharedSecret.Bytes(), nil, []byte(certificateInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return nil, fmt.Errorf("deriving certificate key: %w", err)
	}
	defer secret.Zero(key[:])

	var nonce [certificateNonceSize]byte
	copy(nonce[:], sealed[:certificateNonceSize])

	opened, ok := secretbox.Open(nil, sealed[certificateNonceSize:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("sealed certificate did not open: wrong secret or corrupt blob")
	}
	return opened, nil
}

// Interface describes one network interface reported to the region at
// registration. The region uses these to associate the controller with
// the subnets it can serve.
type Interface struct {
	Name      string   `cbor:"name"`
	MAC       string   `cbor:"mac"`
	Addresses []string `cbor:"addresses"`
	Up        bool     `cbor:"up"`
}

// DiscoverInterfaces enumerates the machine's non-loopback network
// interfaces for the registration payload.
func DiscoverInterfaces() ([]Interface, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerating interfaces: %w", err)
	}

	var result []Interface
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		entry := Interface{
			Name: iface.Name,
			MAC:  iface.HardwareAddr.String(),
			Up:   iface.Flags&net.FlagUp != 0,
		}
		addresses, err := iface.Addrs()
		if err == nil {
			for _, address := range addresses {
				entry.Addresses = append(entry.Addresses, address.String())
			}
		}
		result = append(result, entry)
	}
	return result, nil
}
