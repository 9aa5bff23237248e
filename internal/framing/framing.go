// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package framing implements the 4-byte big-endian length-prefixed wire
// format shared by the TCP carriers (spec §4.1, §6 "Wire format — TCP").
package framing

import (
	"encoding/binary"

	"github.com/mcp-transport/runtime/internal/ioutil"
	"github.com/mcp-transport/runtime/transport"
)

// PrefixSize is the length, in bytes, of the be32 length prefix.
const PrefixSize = 4

// Encode prepends a be32 length prefix to payload. It fails with
// KindSizeLimitExceeded if len(payload) > maxLen.
func Encode(payload []byte, maxLen uint32) ([]byte, error) {
	if uint32(len(payload)) > maxLen {
		return nil, transport.Wrap(transport.KindSizeLimitExceeded, "payload too large to encode", nil)
	}
	out := make([]byte, PrefixSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[PrefixSize:], payload)
	return out, nil
}

// SendFramed performs one logical framed send: the 4-byte prefix and the
// payload, via a single vectored write where possible (spec §4.1).
func SendFramed(conn ioutil.Conn, payload []byte, maxLen uint32, cancel *ioutil.CancelFlag) error {
	if uint32(len(payload)) > maxLen {
		return transport.Wrap(transport.KindSizeLimitExceeded, "payload too large to send", nil)
	}
	var prefix [PrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	return ioutil.SendVectors(conn, [][]byte{prefix[:], payload}, cancel)
}

// RecvFramed reads exactly one framed message: 4-byte length prefix, then
// that many payload bytes. L > maxLen fails with KindFramingError and
// leaves the socket in a closable state (the caller must still tear down
// the connection; RecvFramed performs no teardown itself, per §8.2).
func RecvFramed(r *ioutil.Reader, maxLen uint32, cancel *ioutil.CancelFlag) ([]byte, error) {
	var prefix [PrefixSize]byte
	if err := ioutil.RecvExact(r, prefix[:], cancel); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxLen {
		return nil, transport.Wrap(transport.KindFramingError, "declared length exceeds maximum", nil)
	}
	if n == 0 {
		return []byte{}, nil
	}
	payload := make([]byte, n)
	if err := ioutil.RecvExact(r, payload, cancel); err != nil {
		return nil, err
	}
	return payload, nil
}
