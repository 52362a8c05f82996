// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame format: 4-byte big-endian payload length followed by the JSON
// encoding of one Envelope.
const frameHeaderLength = 4

// maxFramePayload caps a single frame. 4 MB is generous for wallet
// traffic; the largest real payloads are signed offer blobs around a
// few hundred KB.
const maxFramePayload = 4 * 1024 * 1024

// WriteFrame writes one length-prefixed envelope to w.
func WriteFrame(w io.Writer, envelope Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("relay: encoding envelope: %w", err)
	}
	if len(payload) > maxFramePayload {
		return fmt.Errorf("relay: envelope payload %d bytes exceeds maximum %d", len(payload), maxFramePayload)
	}

	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("relay: writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("relay: writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed envelope from r. Returns an error
// if the stream is malformed or the payload exceeds maxFramePayload.
func ReadFrame(r io.Reader) (Envelope, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Envelope{}, fmt.Errorf("relay: reading frame header: %w", err)
	}

	payloadLength := binary.BigEndian.Uint32(header[:])
	if payloadLength > maxFramePayload {
		return Envelope{}, fmt.Errorf("relay: frame payload %d bytes exceeds maximum %d", payloadLength, maxFramePayload)
	}

	payload := make([]byte, payloadLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, fmt.Errorf("relay: reading frame payload: %w", err)
	}

	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("relay: decoding envelope: %w", err)
	}
	return envelope, nil
}
