// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package region

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/bureau-foundation/rackd/rpc"
)

// challengeSize is the length of the random message sent to the
// region for authentication.
const challengeSize = 16

// AuthenticationError reports a region endpoint that failed the shared
// secret challenge. The connection is torn down; the reconnect loop
// will try again, which matters when the mismatch is a region-side
// secret rotation in progress.
type AuthenticationError struct {
	Endpoint string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("region %s failed authentication: digest mismatch", e.Endpoint)
}

type authenticateRequest struct {
	Message []byte `cbor:"message"`
}

type authenticateResponse struct {
	Salt   []byte `cbor:"salt"`
	Digest []byte `cbor:"digest"`
}

type registerRequest struct {
	SystemID    string      `cbor:"system_id,omitempty"`
	Hostname    string      `cbor:"hostname"`
	Interfaces  []Interface `cbor:"interfaces"`
	URL         string      `cbor:"url,omitempty"`
	ClusterUUID string      `cbor:"cluster_uuid"`
	Version     string      `cbor:"version"`
}

type registerResponse struct {
	SystemID          string `cbor:"system_id"`
	UUID              string `cbor:"uuid"`
	Version           string `cbor:"version"`
	SealedCertificate []byte `cbor:"sealed_certificate,omitempty"`
}

// session holds what a completed handshake established.
type session struct {
	systemID      string
	regionUUID    string
	regionVersion string
	certificate   []byte
}

// bootstrap authenticates the region endpoint and registers this
// controller, in that order. Authentication pipelines the challenge
// onto the authenticator capability so the whole exchange costs one
// round trip.
func (m *Manager) bootstrap(ctx context.Context, endpoint string, conn *rpc.Conn) (*session, error) {
	root := conn.Client("region")

	if err := m.authenticate(ctx, endpoint, root); err != nil {
		return nil, err
	}
	return m.register(ctx, root)
}

// authenticate challenges the region to prove knowledge of the cluster
// shared secret. The digest must equal HMAC-SHA256(secret, message ||
// salt) for the region-chosen salt.
func (m *Manager) authenticate(ctx context.Context, endpoint string, root *rpc.Client) error {
	message := make([]byte, challengeSize)
	if _, err := rand.Read(message); err != nil {
		return fmt.Errorf("generating challenge: %w", err)
	}

	future := root.Begin("GetAuthenticator", nil)
	var response authenticateResponse
	err := future.Client().Call(ctx, "Authenticate", authenticateRequest{Message: message}, &response)
	if err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}
	if err := future.Wait(ctx, nil); err != nil {
		return fmt.Errorf("obtaining authenticator: %w", err)
	}

	expected := computeDigest(m.registration.Secret.Bytes(), message, response.Salt)
	if !hmac.Equal(response.Digest, expected) {
		return &AuthenticationError{Endpoint: endpoint}
	}
	return nil
}

// computeDigest is the challenge response both sides compute:
// HMAC-SHA256 keyed by the shared secret over message || salt.
func computeDigest(secret, message, salt []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	mac.Write(salt)
	return mac.Sum(nil)
}

// register announces this controller to the region and records what
// came back. The region assigns the system ID on first contact;
// subsequent registrations present the persisted ID and the region
// echoes it.
func (m *Manager) register(ctx context.Context, root *rpc.Client) (*session, error) {
	systemID, err := LoadSystemID(m.registration.SystemIDPath)
	if err != nil {
		return nil, err
	}

	registerer, err := root.Capability(ctx, "GetRegisterer", nil)
	if err != nil {
		return nil, fmt.Errorf("obtaining registerer: %w", err)
	}

	request := registerRequest{
		SystemID:    systemID,
		Hostname:    m.registration.Hostname,
		Interfaces:  m.registration.Interfaces,
		URL:         m.registration.URL,
		ClusterUUID: m.registration.ClusterUUID,
		Version:     m.registration.Version,
	}
	var response registerResponse
	if err := registerer.Call(ctx, "Register", request, &response); err != nil {
		return nil, fmt.Errorf("registering: %w", err)
	}
	if response.SystemID == "" {
		return nil, fmt.Errorf("registering: region assigned empty system ID")
	}

	if response.SystemID != systemID {
		if err := SaveSystemID(m.registration.SystemIDPath, response.SystemID); err != nil {
			return nil, err
		}
	}

	established := &session{
		systemID:      response.SystemID,
		regionUUID:    response.UUID,
		regionVersion: response.Version,
	}

	// Certificate material is optional and best-effort: a blob that
	// does not open means the region is mid-rotation, not that the
	// registration is invalid.
	if len(response.SealedCertificate) > 0 {
		certificate, err := OpenCertificate(m.registration.Secret, response.SealedCertificate)
		if err != nil {
			m.logger.Warn("sealed certificate did not open", "error", err)
		} else {
			established.certificate = certificate
		}
	}
	return established, nil
}
