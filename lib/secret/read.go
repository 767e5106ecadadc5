// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
)

// ReadHexFile reads a hex-encoded secret from a file and returns the
// decoded bytes in a protected Buffer. This is the on-disk format of
// the cluster shared secret: lowercase hex, optionally followed by a
// trailing newline. Both the raw file contents and the intermediate
// decode buffer are zeroed before returning.
//
// The caller must close the returned Buffer.
func ReadHexFile(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("secret file %s is empty", path)
	}

	decoded := make([]byte, hex.DecodedLen(len(trimmed)))
	n, err := hex.Decode(decoded, trimmed)
	Zero(data)
	if err != nil {
		Zero(decoded)
		return nil, fmt.Errorf("secret file %s is not valid hex: %w", path, err)
	}

	// NewFromBytes copies into mmap-backed memory and zeros decoded.
	buffer, err := NewFromBytes(decoded[:n])
	if err != nil {
		Zero(decoded)
		return nil, err
	}
	return buffer, nil
}
