// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// frameKind discriminates the three frame shapes that share the wire.
type frameKind uint8

const (
	// kindCall carries a method invocation on a target capability.
	kindCall frameKind = 1

	// kindResult carries the successful response to a call, matched
	// by frame ID.
	kindResult frameKind = 2

	// kindError carries the failed response to a call, matched by
	// frame ID.
	kindError frameKind = 3
)

// Compression tags for frame bodies. These values are protocol
// constants — changing them breaks connections against peers that
// speak the current framing.
const (
	// compressionNone indicates the body holds CBOR bytes directly.
	compressionNone uint8 = 0

	// compressionZstd indicates the body holds zstd-compressed CBOR
	// bytes. Applied when the encoded body exceeds the threshold.
	compressionZstd uint8 = 1
)

// compressThreshold is the encoded body size above which frames are
// compressed. Small frames (the vast majority: power commands, status
// reports) skip the CPU cost; large DHCP configuration pushes with
// hundreds of subnets compress well.
const compressThreshold = 4 << 10

// maxFrameBody bounds the decoded body size of a single frame. A peer
// that sends more is misbehaving and the connection is torn down.
const maxFrameBody = 8 << 20

// frame is the unit of exchange. Every frame is a self-delimiting CBOR
// map written directly to the stream; there is no outer length prefix
// because the decoder knows where each CBOR item ends.
//
// Calls carry Target and Method. Responses carry the ID of the call
// they answer and either Body (result) or ErrorClass and ErrorMessage
// (error).
type frame struct {
	ID     uint64    `cbor:"id"`
	Kind   frameKind `cbor:"kind"`
	Target string    `cbor:"target,omitempty"`
	Method string    `cbor:"method,omitempty"`

	// Body holds the CBOR-encoded call parameters or result,
	// possibly compressed per the Compression tag. It is a byte
	// string rather than embedded CBOR so that compressed bodies
	// remain well-formed frames.
	Body        []byte `cbor:"body,omitempty"`
	Compression uint8  `cbor:"compression,omitempty"`

	ErrorClass   string `cbor:"error_class,omitempty"`
	ErrorMessage string `cbor:"error_message,omitempty"`
}

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. Both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("rpc: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("rpc: zstd decoder initialization failed: " + err.Error())
	}
}

// packBody returns the wire form of an encoded body and its
// compression tag. Bodies at or under the threshold, and bodies that
// zstd cannot shrink, travel uncompressed.
func packBody(encoded []byte) ([]byte, uint8) {
	if len(encoded) <= compressThreshold {
		return encoded, compressionNone
	}
	compressed := zstdEncoder.EncodeAll(encoded, nil)
	if len(compressed) >= len(encoded) {
		return encoded, compressionNone
	}
	return compressed, compressionZstd
}

// unpackBody reverses packBody, returning the CBOR bytes of the body.
func unpackBody(body []byte, compression uint8) ([]byte, error) {
	switch compression {
	case compressionNone:
		return body, nil

	case compressionZstd:
		decoded, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(decoded) > maxFrameBody {
			return nil, fmt.Errorf("decompressed body %d bytes exceeds limit %d", len(decoded), maxFrameBody)
		}
		return decoded, nil

	default:
		return nil, fmt.Errorf("unknown compression tag: %d", compression)
	}
}
