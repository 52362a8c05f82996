// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for persisted blobs:
// the signed offer payload and the last index snapshot stored alongside
// each offer record.
//
// Encoding is Core Deterministic (RFC 8949 §4.2): sorted map keys,
// smallest integer form, no indefinite-length items. The same snapshot
// always produces identical bytes, so a stored snapshot can be compared
// byte-for-byte against a freshly fetched one to detect change without
// decoding either.
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v. Unknown fields are ignored for
// forward compatibility.
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}
